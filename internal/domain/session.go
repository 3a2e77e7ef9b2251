package domain

import (
	"time"
)

// RelaySession is the persisted snapshot of one conversation session,
// written when a turn completes so a persistent store can be substituted
// for the in-memory session table without touching the state machine.
type RelaySession struct {
	UserID         string
	SessionID      string
	TranscriptJSON string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AuditEvent is the metadata-only record sent to the audit sink. It never
// carries raw message or argument content.
type AuditEvent struct {
	Timestamp string         `json:"ts"`
	UserID    string         `json:"user_id"`
	SessionID string         `json:"session_id"`
	EventType string         `json:"event_type"`
	ToolName  string         `json:"tool_name,omitempty"`
	RiskClass string         `json:"risk_class,omitempty"`
	Status    string         `json:"status,omitempty"`
	Findings  int            `json:"findings"`
	Meta      map[string]any `json:"meta,omitempty"`
}
