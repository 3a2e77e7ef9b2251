package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/veilway/veilway/internal/domain"
	"github.com/veilway/veilway/internal/model"
	"github.com/veilway/veilway/internal/shared"
	"github.com/veilway/veilway/internal/store"
	"github.com/veilway/veilway/internal/tools"
)

const sweepInterval = 30 * time.Second

// ManagerConfig configures the session table.
type ManagerConfig struct {
	Session Config
	// SessionTTL evicts live sessions idle longer than this. Zero disables
	// eviction.
	SessionTTL time.Duration
}

// Manager owns the live session table. Sessions are created on first use,
// keyed by (userID, sessionID), restored from the repository when a snapshot
// exists, and evicted after idle TTL. The repository is optional; without it
// sessions live only in memory.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	cfg      ManagerConfig
	streamer model.Streamer
	invoker  *tools.Invoker
	registry *tools.Registry
	repo     store.Repository
	logger   *slog.Logger
}

// NewManager creates an empty session table. repo may be nil.
func NewManager(cfg ManagerConfig, streamer model.Streamer, invoker *tools.Invoker, registry *tools.Registry, repo store.Repository, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		streamer: streamer,
		invoker:  invoker,
		registry: registry,
		repo:     repo,
		logger:   logger,
	}
}

func sessionKey(userID, sessionID string) string {
	return userID + "/" + sessionID
}

// GetOrCreate returns the live session for (userID, sessionID), creating it
// if needed. An empty sessionID gets a fresh ID. When a persisted snapshot
// exists for a new session, its transcript is restored.
func (m *Manager) GetOrCreate(ctx context.Context, userID, sessionID string) *Session {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	m.mu.Lock()
	if s, ok := m.sessions[sessionKey(userID, sessionID)]; ok {
		m.mu.Unlock()
		return s
	}
	s := New(userID, sessionID, m.cfg.Session, m.streamer, m.invoker, m.registry, m.logger)
	m.sessions[sessionKey(userID, sessionID)] = s
	m.mu.Unlock()

	if m.repo != nil {
		if snapshot, err := m.repo.GetRelaySession(ctx, userID, sessionID); err != nil {
			m.logger.Warn("Failed to load session snapshot", "session_id", sessionID, "error", err)
		} else if snapshot != nil {
			var transcript []domain.Message
			if err := json.Unmarshal([]byte(snapshot.TranscriptJSON), &transcript); err != nil {
				m.logger.Warn("Discarding corrupt session snapshot", "session_id", sessionID, "error", err)
			} else if err := s.Restore(transcript); err != nil {
				m.logger.Warn("Failed to restore session snapshot", "session_id", sessionID, "error", err)
			}
		}
	}

	return s
}

// Get returns the live session, or nil.
func (m *Manager) Get(userID, sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionKey(userID, sessionID)]
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Snapshot persists the transcript for a session so a later connection can
// resume it. SQLITE_BUSY conflicts are retried with backoff.
func (m *Manager) Snapshot(ctx context.Context, s *Session) error {
	if m.repo == nil {
		return nil
	}

	body, err := json.Marshal(s.Transcript())
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}
	now := time.Now()
	record := &domain.RelaySession{
		UserID:         s.UserID,
		SessionID:      s.SessionID,
		TranscriptJSON: string(body),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	baseDelay := 100 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err = m.repo.UpsertRelaySession(ctx, record)
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || attempt >= 2 {
			return fmt.Errorf("persist session snapshot: %w", err)
		}
		delay := baseDelay * time.Duration(1<<attempt)
		m.logger.Debug("Session snapshot hit locked database, retrying",
			"session_id", s.SessionID, "attempt", attempt+1, "delay", delay)
		time.Sleep(delay)
	}
}

// Abandon discards a live session on disconnect. Any pending confirmation
// is dropped without executing; the transcript snapshot, if persistence is
// enabled, survives for the next connection.
func (m *Manager) Abandon(ctx context.Context, userID, sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionKey(userID, sessionID)]
	if ok {
		delete(m.sessions, sessionKey(userID, sessionID))
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	s.Abandon()
	if err := m.Snapshot(ctx, s); err != nil {
		m.logger.Warn("Failed to snapshot abandoned session", "session_id", sessionID, "error", err)
	}
}

// Clear removes a session and its persisted snapshot.
func (m *Manager) Clear(ctx context.Context, userID, sessionID string) error {
	m.mu.Lock()
	if s, ok := m.sessions[sessionKey(userID, sessionID)]; ok {
		s.Abandon()
		delete(m.sessions, sessionKey(userID, sessionID))
	}
	m.mu.Unlock()

	if m.repo == nil {
		return nil
	}
	if err := m.repo.DeleteRelaySession(ctx, userID, sessionID); err != nil {
		return fmt.Errorf("delete session snapshot: %w", err)
	}
	return nil
}

// ClearAll drops every live session for a user.
func (m *Manager) ClearAll(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cleared := 0
	for key, s := range m.sessions {
		if s.UserID == userID {
			s.Abandon()
			delete(m.sessions, key)
			cleared++
		}
	}
	return cleared
}

// StartSweeper runs the background maintenance loop: expiring confirmation
// windows, evicting idle sessions, and pruning persisted snapshots past the
// TTL. It returns when ctx is canceled.
func (m *Manager) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	go func() {
		defer ticker.Stop()
		m.logger.Info("Session sweeper started", "interval", sweepInterval, "ttl", m.cfg.SessionTTL)

		for {
			select {
			case <-ctx.Done():
				m.logger.Info("Session sweeper stopped")
				return
			case <-ticker.C:
				m.sweep(ctx)
			}
		}
	}()
}

func (m *Manager) sweep(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		if s.ExpireConfirmation(now) {
			if err := m.Snapshot(ctx, s); err != nil {
				m.logger.Warn("Failed to snapshot session after confirmation expiry",
					"session_id", s.SessionID, "error", err)
			}
		}
	}

	if m.cfg.SessionTTL > 0 {
		m.mu.Lock()
		for key, s := range m.sessions {
			if s.State() == StateIdle && now.Sub(s.LastActive()) > m.cfg.SessionTTL {
				delete(m.sessions, key)
				m.logger.Info("Evicted idle session", "session_id", s.SessionID)
			}
		}
		m.mu.Unlock()

		if m.repo != nil {
			if pruned, err := m.repo.CleanupExpiredSessions(ctx, m.cfg.SessionTTL); err != nil {
				m.logger.Warn("Failed to prune expired session snapshots", "error", err)
			} else if pruned > 0 {
				m.logger.Info("Pruned expired session snapshots", "count", pruned)
			}
		}
	}
}
