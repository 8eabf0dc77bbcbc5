package app

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ReloadScheduler coalesces bursts of triggers into one bounded-rate
// action per key: trailing-edge debounce with a floor measured from
// the last actual execution. Independent keys never block each other.
type ReloadScheduler struct {
	mu      sync.Mutex
	entries map[string]*debounceEntry
	stopped bool
}

type debounceEntry struct {
	lastFire time.Time
	pending  *time.Timer
	// gen invalidates in-flight timers that lost a Stop race: fire
	// only acts when its generation is still the current one.
	gen uint64
}

func NewReloadScheduler() *ReloadScheduler {
	return &ReloadScheduler{entries: make(map[string]*debounceEntry)}
}

// Schedule arms (or re-arms) the timer for key. A call before the
// pending timer fires replaces it; the action runs once at the
// boundary of minInterval from the last execution for that key.
func (s *ReloadScheduler) Schedule(key string, minInterval time.Duration, action func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	entry, ok := s.entries[key]
	if !ok {
		entry = &debounceEntry{}
		s.entries[key] = entry
	}
	if entry.pending != nil {
		entry.pending.Stop()
	}
	entry.gen++
	gen := entry.gen
	delay := minInterval - time.Since(entry.lastFire)
	if delay < 0 {
		delay = 0
	}
	entry.pending = time.AfterFunc(delay, func() {
		s.fire(key, gen, action)
	})
}

func (s *ReloadScheduler) fire(key string, gen uint64, action func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	entry, ok := s.entries[key]
	if !ok || entry.gen != gen {
		// A replacement was armed while this timer was expiring.
		s.mu.Unlock()
		return
	}
	entry.lastFire = time.Now()
	entry.pending = nil
	s.mu.Unlock()
	log.Debug().Str("module", "app.scheduler").Str("key", key).Msg("fired")
	action()
}

// Stop cancels every pending timer. Further Schedule calls are no-ops.
func (s *ReloadScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for _, entry := range s.entries {
		if entry.pending != nil {
			entry.pending.Stop()
			entry.pending = nil
		}
	}
}
