package domain

import (
	"encoding/json"
	"errors"
)

// GridSize is the fixed number of slots in the viewing grid.
const GridSize = 12

const DragTypeViewer = "viewer"

var (
	ErrBadSlotIndex   = errors.New("slot index out of range")
	ErrBadDragPayload = errors.New("bad drag payload")
)

// GridSlot is one fixed position in the grid. Index is 1-based and
// immutable. Pinned, Muted and Volume belong to the slot, not to
// whoever currently occupies it.
type GridSlot struct {
	Index    int          `json:"index"`
	Occupant *StreamerRef `json:"occupant,omitempty"`
	Pinned   bool         `json:"pinned"`
	Muted    bool         `json:"muted"`
	Volume   float64      `json:"volume"`
}

// ValidSlotIndex reports whether idx addresses one of the 12 slots.
func ValidSlotIndex(idx int) bool {
	return idx >= 1 && idx <= GridSize
}

// DragPayload is the structured record carried across the UI drag
// boundary when a viewer is dropped onto a slot.
type DragPayload struct {
	Type      string    `json:"type"`
	ProfileID ProfileID `json:"profileId"`
	StreamID  StreamID  `json:"streamId,omitempty"`
}

// ParseDragPayload decodes and validates a drag payload.
func ParseDragPayload(data []byte) (DragPayload, error) {
	var p DragPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return DragPayload{}, ErrBadDragPayload
	}
	if p.Type != DragTypeViewer || p.ProfileID == "" {
		return DragPayload{}, ErrBadDragPayload
	}
	return p, nil
}
