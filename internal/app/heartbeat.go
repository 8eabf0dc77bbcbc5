package app

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/glowstream/livegrid/internal/core"
	"github.com/glowstream/livegrid/internal/domain"
)

// Staleness windows applied by aggregation consumers. The two windows
// intentionally differ: counts stay strict while list membership
// tolerates jitter.
const (
	CountWindow      = 60 * time.Second
	MembershipWindow = 90 * time.Second
)

// FlagsProvider is read fresh at every send so state flips between
// ticks land on the next heartbeat.
type FlagsProvider func() domain.HeartbeatFlags

// PresenceHeartbeat keeps one remote presence row alive for the
// (viewer, stream) pair currently being watched.
type PresenceHeartbeat struct {
	store    core.PresenceStore
	interval time.Duration

	mu     sync.Mutex
	key    domain.HeartbeatKey
	cancel context.CancelFunc
	active bool
}

func NewPresenceHeartbeat(store core.PresenceStore, interval time.Duration) *PresenceHeartbeat {
	return &PresenceHeartbeat{store: store, interval: interval}
}

// Start begins heartbeating for key. Switching to a different key
// first deletes the previous row: a viewer moving between watch
// targets must never leave a stale record behind.
func (h *PresenceHeartbeat) Start(ctx context.Context, key domain.HeartbeatKey, flags FlagsProvider) {
	h.mu.Lock()
	var prev *domain.HeartbeatKey
	if h.active {
		if h.key == key {
			h.mu.Unlock()
			return
		}
		p := h.key
		prev = &p
		h.cancel()
	}
	tickCtx, cancel := context.WithCancel(ctx)
	h.key = key
	h.cancel = cancel
	h.active = true
	h.mu.Unlock()

	if prev != nil {
		h.deleteRow(*prev)
	}
	go h.run(tickCtx, key, flags)
}

// Stop cancels the ticker and deletes the tracked row best-effort.
func (h *PresenceHeartbeat) Stop() {
	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return
	}
	h.cancel()
	h.active = false
	key := h.key
	h.mu.Unlock()

	h.deleteRow(key)
}

func (h *PresenceHeartbeat) run(ctx context.Context, key domain.HeartbeatKey, flags FlagsProvider) {
	h.send(ctx, key, flags)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.send(ctx, key, flags)
		}
	}
}

func (h *PresenceHeartbeat) send(ctx context.Context, key domain.HeartbeatKey, flags FlagsProvider) {
	f := flags()
	rec := domain.HeartbeatRecord{
		ViewerID:     key.ViewerID,
		StreamID:     key.StreamID,
		IsActive:     f.Active,
		IsUnmuted:    f.Unmuted,
		IsVisible:    f.Visible,
		IsSubscribed: f.Subscribed,
		LastSeenAt:   time.Now(),
	}
	if err := h.store.UpsertHeartbeat(ctx, rec); err != nil {
		// Abandoned for this cycle; the next tick retries naturally.
		log.Error().Err(err).Str("module", "app.heartbeat").Str("stream", string(key.StreamID)).Msg("upsert failed")
	}
}

func (h *PresenceHeartbeat) deleteRow(key domain.HeartbeatKey) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.store.DeleteHeartbeat(ctx, key); err != nil {
		log.Error().Err(err).Str("module", "app.heartbeat").Str("stream", string(key.StreamID)).Msg("delete failed")
	}
}

// CountActive aggregates a viewer count from heartbeat rows: all four
// flags true and last seen within the 60s window. Heartbeats plus
// staleness are the source of truth, not absence-of-delete.
func CountActive(records []domain.HeartbeatRecord, now time.Time) uint {
	var n uint
	for _, r := range records {
		if !r.IsActive || !r.IsUnmuted || !r.IsVisible || !r.IsSubscribed {
			continue
		}
		if now.Sub(r.LastSeenAt) > CountWindow {
			continue
		}
		n++
	}
	return n
}

// ActiveViewers filters rows to current presence-list members using
// the looser 90s window.
func ActiveViewers(records []domain.HeartbeatRecord, now time.Time) []domain.HeartbeatRecord {
	out := make([]domain.HeartbeatRecord, 0, len(records))
	for _, r := range records {
		if !r.IsActive {
			continue
		}
		if now.Sub(r.LastSeenAt) > MembershipWindow {
			continue
		}
		out = append(out, r)
	}
	return out
}
