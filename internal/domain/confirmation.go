package domain

import (
	"time"
)

// PendingConfirmation is the transient record held by a session while a
// high-risk tool call waits for explicit user approval. At most one exists
// per session at a time.
type PendingConfirmation struct {
	ID      string
	Request ToolCallRequest
	// Summary is the human-readable action description surfaced to the
	// client in the confirmationRequired frame.
	Summary string
	// Deferred holds tool calls from the same model batch that were emitted
	// after the suspending call; they run once the confirmation resolves.
	Deferred  []ToolCallRequest
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the confirmation window has elapsed.
func (p *PendingConfirmation) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}
