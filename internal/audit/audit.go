// Package audit implements the metadata-only audit sink. Events carry tool
// names, risk classes, statuses, and redaction finding counts, never raw
// message or argument content.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/veilway/veilway/internal/domain"
	"github.com/veilway/veilway/internal/store"
)

// Config configures the audit logger.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Logger writes audit events asynchronously to per-session NDJSON files and
// optionally mirrors them into the repository. A full queue drops events
// rather than blocking the session path.
type Logger struct {
	cfg    Config
	repo   store.Repository
	logger *slog.Logger

	queue     chan domain.AuditEvent
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	fileMu    sync.Mutex
	openOnce  sync.Map // dir path -> struct{}{}, created directories
}

// NewLogger creates the audit logger and starts its writer goroutine. repo
// may be nil to skip the database mirror.
func NewLogger(cfg Config, repo store.Repository, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return &Logger{cfg: cfg, logger: logger, done: make(chan struct{})}, nil
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("audit log directory is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}

	l := &Logger{
		cfg:    cfg,
		repo:   repo,
		logger: logger,
		queue:  make(chan domain.AuditEvent, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

// Record enqueues one event. Never blocks; events are dropped with a
// warning when the queue is full.
func (l *Logger) Record(event domain.AuditEvent) {
	if !l.cfg.Enabled {
		return
	}
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	select {
	case l.queue <- event:
	case <-l.done:
	default:
		l.logger.Warn("Audit queue full, dropping event",
			"event_type", event.EventType, "tool", event.ToolName)
	}
}

// Close drains the queue and stops the writer. Safe to call more than once.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		if l.cfg.Enabled {
			l.wg.Wait()
		}
	})
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()
	for {
		select {
		case event := <-l.queue:
			l.write(event)
		case <-l.done:
			for {
				select {
				case event := <-l.queue:
					l.write(event)
				default:
					return
				}
			}
		}
	}
}

func (l *Logger) write(event domain.AuditEvent) {
	if err := l.appendToFile(event); err != nil {
		l.logger.Warn("Failed to write audit event", "error", err)
	}
	if l.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.repo.InsertAuditEvent(ctx, &event); err != nil {
			l.logger.Warn("Failed to persist audit event", "error", err)
		}
	}
}

func (l *Logger) appendToFile(event domain.AuditEvent) error {
	userID := event.UserID
	if userID == "" {
		userID = "unknown"
	}
	sessionID := event.SessionID
	if sessionID == "" {
		sessionID = "unknown"
	}

	dir := filepath.Join(l.cfg.Dir, filepath.Base(userID))
	if _, seen := l.openOnce.Load(dir); !seen {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create user audit directory: %w", err)
		}
		l.openOnce.Store(dir, struct{}{})
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	path := filepath.Join(dir, filepath.Base(sessionID)+".ndjson")

	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}
