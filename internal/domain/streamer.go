package domain

type (
	ProfileID string
	StreamID  string
)

// StreamerRef is the engine-owned view of one live streamer. It is
// replaced wholesale on every reconciliation pass, never field-patched
// from the UI side.
type StreamerRef struct {
	ProfileID    ProfileID `json:"profile_id"`
	StreamID     StreamID  `json:"stream_id"`
	Username     string    `json:"username"`
	IsPublishing bool      `json:"is_publishing"`
	IsAvailable  bool      `json:"is_available"`
	ViewerCount  uint      `json:"viewer_count"`
}
