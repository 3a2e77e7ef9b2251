// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/veilway/veilway/internal/domain"
)

// Repository defines the interface for persisting user, session, and audit
// data.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// GetRelaySession retrieves the persisted transcript snapshot for a
	// session, or nil when none exists.
	GetRelaySession(ctx context.Context, userID, sessionID string) (*domain.RelaySession, error)

	// UpsertRelaySession creates or updates a transcript snapshot.
	UpsertRelaySession(ctx context.Context, session *domain.RelaySession) error

	// DeleteRelaySession removes a session snapshot.
	DeleteRelaySession(ctx context.Context, userID, sessionID string) error

	// CleanupExpiredSessions removes session snapshots idle longer than ttl.
	CleanupExpiredSessions(ctx context.Context, ttl time.Duration) (int64, error)

	// InsertAuditEvent records one metadata-only audit event.
	InsertAuditEvent(ctx context.Context, event *domain.AuditEvent) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
