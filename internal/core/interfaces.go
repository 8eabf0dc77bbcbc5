package core

import (
	"context"
	"encoding/json"

	"github.com/glowstream/livegrid/internal/domain"
)

// EventType is the kind of change a feed event carries.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is one inbound change-feed notification. Record is the raw
// changed row; callbacks decode what they need.
type Event struct {
	Type   EventType       `json:"type"`
	Topic  string          `json:"topic"`
	Record json.RawMessage `json:"record"`
}

// Callback receives events for a subscribed topic, in arrival order.
type Callback func(Event)

// FeedChannel is one live connection to the external change feed.
// Events is closed when the channel dies or Close is called.
// Owned by the registry; the registry must Close() it.
type FeedChannel interface {
	Events() <-chan Event
	Close() error
}

// ChangeFeed opens push channels keyed by topic. The engine treats it
// as an opaque subscribe/unsubscribe/dispatch primitive.
type ChangeFeed interface {
	Open(ctx context.Context, topic string) (FeedChannel, error)
}

// StreamDirectory is the request/reply view of the remote platform:
// who is live, and who the local viewer is.
type StreamDirectory interface {
	// LiveStreamers fetches the ranked streamer list, falling back to
	// the legacy unranked call before reporting failure.
	LiveStreamers(ctx context.Context) ([]domain.StreamerRef, error)
	CurrentUser(ctx context.Context) (*domain.User, error)
}

// LayoutStore persists the 12-slot layout per owning viewer.
type LayoutStore interface {
	FetchLayout(ctx context.Context, owner domain.ProfileID) ([]domain.GridSlot, error)
	SaveLayout(ctx context.Context, owner domain.ProfileID, slots [domain.GridSize]domain.GridSlot) error
}

// PresenceStore owns the remote heartbeat rows.
type PresenceStore interface {
	UpsertHeartbeat(ctx context.Context, rec domain.HeartbeatRecord) error
	DeleteHeartbeat(ctx context.Context, key domain.HeartbeatKey) error
	ListHeartbeats(ctx context.Context, stream domain.StreamID) ([]domain.HeartbeatRecord, error)
}

// Session is an established shared video session.
type Session interface {
	ID() string
	Close() error
}

// SessionDialer establishes the shared video session, consuming one
// short-lived credential per attempt.
type SessionDialer interface {
	Dial(ctx context.Context) (Session, error)
}
