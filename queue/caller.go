// Package queue implements the call queue core: the caller queue engine,
// the broadcast slot registry, the change event fan-out, and the
// orchestrator that ties them together.
package queue

import "time"

// Status describes where a caller is in their on-air journey.
type Status string

// The set of caller statuses.
const (
	StatusScreening Status = "screening"
	StatusQueued    Status = "queued"
	StatusLive      Status = "live"
	StatusEnded     Status = "ended"
)

// A Caller is someone who dialed in and is waiting to be put on air.
// The queue engine is the single source of truth for caller identity and
// metadata; the slot registry only ever holds the caller's id.
type Caller struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Topic    string    `json:"topic"`
	JoinedAt time.Time `json:"joined_at"`
	Status   Status    `json:"status"`
	SlotID   string    `json:"slot_id,omitempty"`
}

// A Position is a caller's 1-based place within a queue.
type Position struct {
	CallerID string `json:"caller_id"`
	Position int    `json:"position"`
}
