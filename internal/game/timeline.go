package game

import (
	"encoding/json"
	"time"
)

// TimelineEntry is one immutable record in a stream's append-only log.
// StreamID is a session id for session-scoped events and a game id for
// game-lifecycle events. Seq starts at 1 and is gapless per stream; it is
// assigned by storage at commit time.
type TimelineEntry struct {
	StreamID  string          `json:"stream_id"`
	Seq       uint64          `json:"seq"`
	Kind      string          `json:"kind"`
	ActorID   string          `json:"actor_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Narrative *string         `json:"narrative,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
