package domain

import "time"

// HeartbeatKey identifies the (viewer, stream) pair a presence row
// belongs to.
type HeartbeatKey struct {
	ViewerID ProfileID
	StreamID StreamID
}

// HeartbeatFlags are the four booleans carried by every heartbeat
// upsert. They are read fresh at send time.
type HeartbeatFlags struct {
	Active     bool
	Unmuted    bool
	Visible    bool
	Subscribed bool
}

// HeartbeatRecord mirrors one remote presence row.
type HeartbeatRecord struct {
	ViewerID     ProfileID `json:"viewer_id"`
	StreamID     StreamID  `json:"stream_id"`
	IsActive     bool      `json:"is_active"`
	IsUnmuted    bool      `json:"is_unmuted"`
	IsVisible    bool      `json:"is_visible"`
	IsSubscribed bool      `json:"is_subscribed"`
	LastSeenAt   time.Time `json:"last_active_at"`
}

// Key returns the (viewer, stream) pair the record belongs to.
func (r HeartbeatRecord) Key() HeartbeatKey {
	return HeartbeatKey{ViewerID: r.ViewerID, StreamID: r.StreamID}
}
