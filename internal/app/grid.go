package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/glowstream/livegrid/internal/core"
	"github.com/glowstream/livegrid/internal/domain"
)

// SlotAssignmentEngine owns the 12-slot grid: placement, self-pinning,
// displacement, drag/drop reordering and layout persistence. The
// in-memory grid is authoritative for the session; persistence is
// fire-and-forget.
type SlotAssignmentEngine struct {
	store core.LayoutStore
	owner domain.ProfileID

	mu    sync.Mutex
	slots [domain.GridSize]domain.GridSlot
}

func NewSlotAssignmentEngine(store core.LayoutStore, owner domain.ProfileID) *SlotAssignmentEngine {
	e := &SlotAssignmentEngine{store: store, owner: owner}
	for i := range e.slots {
		e.slots[i] = domain.GridSlot{Index: i + 1, Volume: 1.0}
	}
	return e
}

// Snapshot returns a read-only copy of the grid. Occupants are cloned
// so callers can never alias engine state.
func (e *SlotAssignmentEngine) Snapshot() [domain.GridSize]domain.GridSlot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *SlotAssignmentEngine) snapshotLocked() [domain.GridSize]domain.GridSlot {
	var out [domain.GridSize]domain.GridSlot
	for i, s := range e.slots {
		out[i] = s
		if s.Occupant != nil {
			occ := *s.Occupant
			out[i].Occupant = &occ
		}
	}
	return out
}

// Load fetches the saved layout and applies it. Occupant ids are kept
// unique; a duplicate row loses to the earlier slot.
func (e *SlotAssignmentEngine) Load(ctx context.Context) error {
	saved, err := e.store.FetchLayout(ctx, e.owner)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	seen := make(map[domain.ProfileID]bool)
	for _, row := range saved {
		if !domain.ValidSlotIndex(row.Index) {
			continue
		}
		slot := &e.slots[row.Index-1]
		slot.Pinned = row.Pinned
		slot.Muted = row.Muted
		if row.Volume >= 0 && row.Volume <= 1 {
			slot.Volume = row.Volume
		}
		if row.Occupant != nil && !seen[row.Occupant.ProfileID] {
			occ := *row.Occupant
			slot.Occupant = &occ
			seen[occ.ProfileID] = true
		}
	}
	return nil
}

// Reconcile replaces the grid's streamer data wholesale from a fresh
// snapshot: occupants that are no longer live are dropped, survivors
// are refreshed in place without reshuffling, the local viewer is
// pinned to slot 1 when live, and remaining candidates auto-fill empty
// slots. Calls are serialized; a second Reconcile queues behind the
// first, never interleaves.
func (e *SlotAssignmentEngine) Reconcile(streamers []domain.StreamerRef) {
	e.mu.Lock()
	defer e.mu.Unlock()

	byID := make(map[domain.ProfileID]domain.StreamerRef, len(streamers))
	for _, s := range streamers {
		if _, dup := byID[s.ProfileID]; !dup {
			byID[s.ProfileID] = s
		}
	}

	changed := false
	for i := range e.slots {
		occ := e.slots[i].Occupant
		if occ == nil {
			continue
		}
		ref, live := byID[occ.ProfileID]
		if !live {
			e.slots[i].Occupant = nil
			e.slots[i].Pinned = false
			changed = true
			continue
		}
		if *occ != ref {
			fresh := ref
			e.slots[i].Occupant = &fresh
			changed = true
		}
	}

	if self, ok := byID[e.owner]; ok && (self.IsPublishing || self.IsAvailable) {
		if e.placeSelfLocked(self) {
			changed = true
		}
	}

	if e.autoFillLocked(streamers) {
		changed = true
	}

	if changed {
		e.persistLocked()
	}
}

// PlaceSelf pins the local viewer's own stream into slot 1.
func (e *SlotAssignmentEngine) PlaceSelf(self domain.StreamerRef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.placeSelfLocked(self) {
		e.persistLocked()
	}
}

// placeSelfLocked enforces the self-pin invariant. If slot 1 holds a
// different occupant it is displaced, never dropped: first choice is
// the slot self previously held, then the first empty slot among 2-12,
// then the last occupied slot scanning from 12 down, then slot 12
// unconditionally.
func (e *SlotAssignmentEngine) placeSelfLocked(self domain.StreamerRef) bool {
	slot1 := &e.slots[0]
	if slot1.Occupant != nil && slot1.Occupant.ProfileID == self.ProfileID {
		if *slot1.Occupant == self && slot1.Pinned {
			return false
		}
		fresh := self
		slot1.Occupant = &fresh
		slot1.Pinned = true
		return true
	}

	prev := -1
	for i := 1; i < domain.GridSize; i++ {
		if e.slots[i].Occupant != nil && e.slots[i].Occupant.ProfileID == self.ProfileID {
			prev = i
			break
		}
	}
	if prev >= 0 {
		e.slots[prev].Occupant = nil
	}

	if displaced := slot1.Occupant; displaced != nil {
		target := prev
		if target < 0 {
			for i := 1; i < domain.GridSize; i++ {
				if e.slots[i].Occupant == nil {
					target = i
					break
				}
			}
		}
		if target < 0 {
			for i := domain.GridSize - 1; i >= 1; i-- {
				if e.slots[i].Occupant != nil {
					target = i
					break
				}
			}
		}
		if target < 0 {
			target = domain.GridSize - 1
		}
		e.slots[target].Occupant = displaced
		log.Info().Str("module", "app.grid").
			Str("displaced", string(displaced.ProfileID)).
			Int("to_slot", target+1).
			Msg("slot 1 occupant displaced")
	}

	fresh := self
	slot1.Occupant = &fresh
	slot1.Pinned = true
	return true
}

// autoFillLocked assigns unplaced candidates to empty slots in rank
// order: publishing first, then available, then viewer count.
func (e *SlotAssignmentEngine) autoFillLocked(streamers []domain.StreamerRef) bool {
	placed := make(map[domain.ProfileID]bool)
	for _, s := range e.slots {
		if s.Occupant != nil {
			placed[s.Occupant.ProfileID] = true
		}
	}

	ranked := make([]domain.StreamerRef, len(streamers))
	copy(ranked, streamers)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.IsPublishing != b.IsPublishing {
			return a.IsPublishing
		}
		if a.IsAvailable != b.IsAvailable {
			return a.IsAvailable
		}
		return a.ViewerCount > b.ViewerCount
	})

	changed := false
	next := 0
	for _, cand := range ranked {
		if placed[cand.ProfileID] {
			continue
		}
		for next < domain.GridSize && e.slots[next].Occupant != nil {
			next++
		}
		if next >= domain.GridSize {
			break
		}
		occ := cand
		e.slots[next].Occupant = &occ
		placed[cand.ProfileID] = true
		changed = true
	}
	return changed
}

// MoveSlot implements drag/drop reordering: occupied destination means
// swap, empty destination means move. Mute and volume stay with the
// slot, not the occupant. A pin belongs to the occupant it was set
// for, so both involved slots lose theirs.
func (e *SlotAssignmentEngine) MoveSlot(from, to int) error {
	if !domain.ValidSlotIndex(from) || !domain.ValidSlotIndex(to) {
		return domain.ErrBadSlotIndex
	}
	if from == to {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	src, dst := &e.slots[from-1], &e.slots[to-1]
	if src.Occupant == nil {
		return nil
	}
	src.Occupant, dst.Occupant = dst.Occupant, src.Occupant
	src.Pinned = false
	dst.Pinned = false
	e.persistLocked()
	return nil
}

// Place puts ref into the target slot, replacing any current occupant.
// If ref is already placed elsewhere this degrades to a MoveSlot-style
// swap so the id never appears twice.
func (e *SlotAssignmentEngine) Place(ref domain.StreamerRef, target int) error {
	if !domain.ValidSlotIndex(target) {
		return domain.ErrBadSlotIndex
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.slots {
		if e.slots[i].Occupant != nil && e.slots[i].Occupant.ProfileID == ref.ProfileID {
			if i == target-1 {
				fresh := ref
				e.slots[i].Occupant = &fresh
				e.persistLocked()
				return nil
			}
			src, dst := &e.slots[i], &e.slots[target-1]
			src.Occupant, dst.Occupant = dst.Occupant, src.Occupant
			fresh := ref
			dst.Occupant = &fresh
			src.Pinned = false
			dst.Pinned = false
			e.persistLocked()
			return nil
		}
	}
	slot := &e.slots[target-1]
	if slot.Occupant != nil && slot.Occupant.ProfileID != ref.ProfileID {
		slot.Pinned = false
	}
	fresh := ref
	slot.Occupant = &fresh
	e.persistLocked()
	return nil
}

func (e *SlotAssignmentEngine) ClearSlot(index int) error {
	if !domain.ValidSlotIndex(index) {
		return domain.ErrBadSlotIndex
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	slot := &e.slots[index-1]
	if slot.Occupant == nil {
		return nil
	}
	slot.Occupant = nil
	slot.Pinned = false
	e.persistLocked()
	return nil
}

func (e *SlotAssignmentEngine) SetMuted(index int, muted bool) error {
	if !domain.ValidSlotIndex(index) {
		return domain.ErrBadSlotIndex
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.slots[index-1].Muted = muted
	e.persistLocked()
	return nil
}

func (e *SlotAssignmentEngine) SetVolume(index int, volume float64) error {
	if !domain.ValidSlotIndex(index) {
		return domain.ErrBadSlotIndex
	}
	if volume < 0 {
		volume = 0
	} else if volume > 1 {
		volume = 1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.slots[index-1].Volume = volume
	e.persistLocked()
	return nil
}

// persistLocked writes the full layout back, fire-and-forget. Failures
// are logged and the in-memory grid stays authoritative; the next
// mutating operation writes the repaired state.
func (e *SlotAssignmentEngine) persistLocked() {
	snap := e.snapshotLocked()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.SaveLayout(ctx, e.owner, snap); err != nil {
			log.Error().Err(err).Str("module", "app.grid").Msg("layout save failed")
		}
	}()
}
