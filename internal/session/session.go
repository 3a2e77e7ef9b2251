// Package session implements the per-connection conversation state machine:
// one turn at a time, tool chaining with a depth bound, and the
// confirm-before-execute suspension for high-risk tool calls.
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/veilway/veilway/internal/domain"
	"github.com/veilway/veilway/internal/model"
	"github.com/veilway/veilway/internal/tools"
)

var (
	// ErrBusy is returned when a new turn arrives while one is already in
	// progress or a confirmation is outstanding.
	ErrBusy = errors.New("session busy")
	// ErrNoPendingConfirmation is returned for a confirm frame with no
	// outstanding confirmation or one naming the wrong confirmation.
	ErrNoPendingConfirmation = errors.New("no pending confirmation")
	// ErrEmptyMessage is returned for a blank user message.
	ErrEmptyMessage = errors.New("empty message")

	// errConsumerStopped marks the event consumer breaking out of the
	// iterator; no further events may be yielded after it.
	errConsumerStopped = errors.New("event consumer stopped")
)

// State is the session lifecycle state.
type State string

const (
	StateIdle                 State = "idle"
	StateInferring            State = "inferring"
	StateToolPending          State = "tool_pending"
	StateAwaitingConfirmation State = "awaiting_confirmation"
)

// EventType tags one streamed session event.
type EventType string

const (
	// EventTextFragment carries one piece of assistant text, in order.
	EventTextFragment EventType = "textFragment"
	// EventToolActivity announces a tool call starting, for client UX.
	EventToolActivity EventType = "toolActivity"
	// EventConfirmationRequired announces a suspended high-risk call.
	EventConfirmationRequired EventType = "confirmationRequired"
	// EventTurnComplete marks the end of a turn.
	EventTurnComplete EventType = "turnComplete"
)

// Event is one ordered item streamed to the relay during a turn.
type Event struct {
	Type           EventType
	Text           string
	ToolName       string
	ConfirmationID string
	Summary        string
}

// Config bounds a session's tool chaining, confirmation window, and
// transcript growth.
type Config struct {
	SystemPrompt string
	MaxToolDepth int
	// TranscriptMaxMessages triggers trimming; TranscriptKeepRecent is how
	// many trailing messages survive a trim alongside the system prompt.
	TranscriptMaxMessages int
	TranscriptKeepRecent  int
}

// DefaultConfig returns default session bounds.
func DefaultConfig() Config {
	return Config{
		SystemPrompt:          DefaultSystemPrompt,
		MaxToolDepth:          5,
		TranscriptMaxMessages: 20,
		TranscriptKeepRecent:  10,
	}
}

// Session owns one client conversation: the transcript (single writer, this
// session), zero-or-one pending confirmation, and references to the shared
// sealed registry via the invoker. One logical task drives a session at a
// time; concurrent turn attempts are rejected with ErrBusy rather than
// queued.
type Session struct {
	UserID    string
	SessionID string

	mu      sync.Mutex
	state   State
	pending *domain.PendingConfirmation
	// depth counts completed tool rounds within the current turn. It
	// survives a confirmation suspension so a resumed turn still honors the
	// chain bound.
	depth      int
	transcript []domain.Message
	lastActive time.Time

	cfg      Config
	streamer model.Streamer
	invoker  *tools.Invoker
	registry *tools.Registry
	logger   *slog.Logger
}

// New creates an idle session seeded with the system prompt.
func New(userID, sessionID string, cfg Config, streamer model.Streamer, invoker *tools.Invoker, registry *tools.Registry, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaults.SystemPrompt
	}
	if cfg.MaxToolDepth <= 0 {
		cfg.MaxToolDepth = defaults.MaxToolDepth
	}
	if cfg.TranscriptMaxMessages <= 0 {
		cfg.TranscriptMaxMessages = defaults.TranscriptMaxMessages
	}
	if cfg.TranscriptKeepRecent <= 0 {
		cfg.TranscriptKeepRecent = defaults.TranscriptKeepRecent
	}
	return &Session{
		UserID:     userID,
		SessionID:  sessionID,
		state:      StateIdle,
		transcript: []domain.Message{{Role: domain.RoleSystem, Content: cfg.SystemPrompt}},
		lastActive: time.Now(),
		cfg:        cfg,
		streamer:   streamer,
		invoker:    invoker,
		registry:   registry,
		logger:     logger.With("session_id", sessionID),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastActive returns when the session last started or finished work.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Transcript returns a copy of the transcript.
func (s *Session) Transcript() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// Restore replaces the transcript with a persisted snapshot. Only valid on
// an idle session.
func (s *Session) Restore(transcript []domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return ErrBusy
	}
	if len(transcript) == 0 || transcript[0].Role != domain.RoleSystem {
		restored := make([]domain.Message, 0, len(transcript)+1)
		restored = append(restored, domain.Message{Role: domain.RoleSystem, Content: s.cfg.SystemPrompt})
		restored = append(restored, transcript...)
		s.transcript = restored
		return nil
	}
	s.transcript = append([]domain.Message(nil), transcript...)
	return nil
}

// Pending returns the outstanding confirmation, or nil.
func (s *Session) Pending() *domain.PendingConfirmation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Turn runs one conversation turn. The iterator yields ordered events:
// text fragments as the model produces them, a confirmationRequired event
// if a high-risk call suspends the turn, and turnComplete when the turn
// reaches a final answer. A turn attempt on a non-idle session yields
// ErrBusy without touching the transcript.
func (s *Session) Turn(ctx context.Context, userMessage string) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		if userMessage == "" {
			yield(nil, ErrEmptyMessage)
			return
		}
		if err := s.begin(); err != nil {
			yield(nil, err)
			return
		}

		s.append(domain.Message{Role: domain.RoleUser, Content: userMessage})
		s.runLoop(ctx, yield)
	}
}

// Confirm resolves the outstanding confirmation. On accept the suspended
// call executes and the deferred calls from the same batch run normally; on
// reject the whole batch is denied, suspended call and deferred siblings
// alike, without executing anything. Either way the model resumes with the
// new results. The iterator yields the same event stream as Turn.
func (s *Session) Confirm(ctx context.Context, confirmationID string, accept bool) iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		pending, err := s.takePending(confirmationID)
		if err != nil {
			yield(nil, err)
			return
		}

		if !accept {
			s.append(toolMessage(tools.Denied(pending.Request, "user rejected the action")))
			for _, call := range pending.Deferred {
				s.append(toolMessage(tools.Denied(call, "user rejected the action")))
			}
			s.runLoop(ctx, yield)
			return
		}

		result := s.invoker.ExecuteApproved(ctx, s.UserID, s.SessionID, pending.Request)
		s.append(toolMessage(result))

		if !s.runCalls(ctx, pending.Deferred, yield) {
			if s.State() != StateAwaitingConfirmation {
				s.endTurn()
			}
			return
		}
		s.runLoop(ctx, yield)
	}
}

// ExpireConfirmation auto-resolves the outstanding confirmation as denied
// when its window has elapsed. The suspended call and its deferred siblings
// all receive user-denied results; the session returns to idle without
// re-invoking the model, which observes the denials on the next turn.
func (s *Session) ExpireConfirmation(now time.Time) bool {
	s.mu.Lock()
	if s.pending == nil || !s.pending.Expired(now) {
		s.mu.Unlock()
		return false
	}
	pending := s.pending
	s.pending = nil
	s.state = StateIdle
	s.depth = 0
	s.lastActive = now

	s.transcript = append(s.transcript, toolMessage(tools.Denied(pending.Request, "confirmation timed out")))
	for _, call := range pending.Deferred {
		s.transcript = append(s.transcript, toolMessage(tools.Denied(call, "confirmation timed out")))
	}
	s.mu.Unlock()

	s.logger.Info("Confirmation expired", "confirmation_id", pending.ID, "tool", pending.Request.Name)
	return true
}

// Abandon discards any pending confirmation and returns the session to
// idle. Called on client disconnect; an abandoned high-risk call never
// executes.
func (s *Session) Abandon() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.logger.Info("Pending confirmation discarded", "confirmation_id", s.pending.ID)
	}
	s.pending = nil
	s.state = StateIdle
	s.depth = 0
}

func (s *Session) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return fmt.Errorf("%w: state %s", ErrBusy, s.state)
	}
	s.state = StateInferring
	s.depth = 0
	s.lastActive = time.Now()
	return nil
}

func (s *Session) takePending(confirmationID string) (*domain.PendingConfirmation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAwaitingConfirmation || s.pending == nil {
		return nil, ErrNoPendingConfirmation
	}
	if confirmationID != "" && confirmationID != s.pending.ID {
		return nil, fmt.Errorf("%w: unknown confirmation %s", ErrNoPendingConfirmation, confirmationID)
	}
	pending := s.pending
	s.pending = nil
	s.state = StateToolPending
	s.lastActive = time.Now()
	return pending, nil
}

// runLoop drives inference rounds until the model yields a final text
// answer, a high-risk call suspends the turn, or the chain bound is hit.
func (s *Session) runLoop(ctx context.Context, yield func(*Event, error) bool) {
	for {
		s.setState(StateInferring)

		text, calls, err := s.infer(ctx, yield)
		if err != nil {
			s.endTurn()
			if !errors.Is(err, errConsumerStopped) {
				yield(nil, err)
			}
			return
		}
		if text == "" && len(calls) == 0 {
			s.endTurn()
			yield(nil, errors.New("model produced no output"))
			return
		}

		assistant := domain.Message{Role: domain.RoleAssistant, Content: text, ToolCalls: calls}
		s.append(assistant)

		if len(calls) == 0 {
			s.endTurn()
			yield(&Event{Type: EventTurnComplete}, nil)
			return
		}

		s.setState(StateToolPending)
		if !s.runCalls(ctx, calls, yield) {
			if s.State() != StateAwaitingConfirmation {
				s.endTurn()
			}
			return
		}

		if s.bumpDepth() {
			continue
		}

		// Chain bound reached: end the turn with an explanation instead of
		// looping forever.
		notice := fmt.Sprintf("I stopped after %d consecutive tool rounds without reaching an answer. Please rephrase or narrow the request.", s.cfg.MaxToolDepth)
		s.append(domain.Message{Role: domain.RoleAssistant, Content: notice})
		s.endTurn()
		if !yield(&Event{Type: EventTextFragment, Text: notice}, nil) {
			return
		}
		yield(&Event{Type: EventTurnComplete}, nil)
		return
	}
}

// runCalls routes a batch of tool calls in model order. The first high-risk
// call suspends the whole turn; calls after it are deferred onto the
// pending confirmation. Returns false when the caller should stop
// (suspension or consumer stop).
func (s *Session) runCalls(ctx context.Context, calls []domain.ToolCallRequest, yield func(*Event, error) bool) bool {
	for i, call := range calls {
		if !yield(&Event{Type: EventToolActivity, ToolName: call.Name}, nil) {
			return false
		}

		outcome := s.invoker.Invoke(ctx, s.UserID, s.SessionID, call)
		if outcome.Confirmation != nil {
			outcome.Confirmation.Deferred = append([]domain.ToolCallRequest(nil), calls[i+1:]...)
			s.suspend(outcome.Confirmation)
			yield(&Event{
				Type:           EventConfirmationRequired,
				ConfirmationID: outcome.Confirmation.ID,
				ToolName:       call.Name,
				Summary:        outcome.Confirmation.Summary,
			}, nil)
			return false
		}

		s.append(toolMessage(outcome.Result))
	}
	return true
}

// infer streams one model round, forwarding text fragments and collecting
// tool-call requests.
func (s *Session) infer(ctx context.Context, yield func(*Event, error) bool) (string, []domain.ToolCallRequest, error) {
	var (
		text  string
		calls []domain.ToolCallRequest
	)
	for chunk, err := range s.streamer.Chat(ctx, s.Transcript(), s.registry.Definitions()) {
		if err != nil {
			return "", nil, err
		}
		if chunk.Text != "" {
			text += chunk.Text
			if !yield(&Event{Type: EventTextFragment, Text: chunk.Text}, nil) {
				return "", nil, errConsumerStopped
			}
		}
		calls = append(calls, chunk.ToolCalls...)
		if chunk.Done {
			break
		}
	}
	return text, calls, nil
}

func (s *Session) append(msg domain.Message) {
	s.mu.Lock()
	s.transcript = append(s.transcript, msg)
	s.mu.Unlock()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) suspend(pending *domain.PendingConfirmation) {
	s.mu.Lock()
	s.pending = pending
	s.state = StateAwaitingConfirmation
	s.lastActive = time.Now()
	s.mu.Unlock()
}

// bumpDepth counts one completed tool round and reports whether another
// round is allowed.
func (s *Session) bumpDepth() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.depth++
	return s.depth < s.cfg.MaxToolDepth
}

// endTurn returns to idle and trims the transcript if it has outgrown the
// window.
func (s *Session) endTurn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateIdle
	s.depth = 0
	s.lastActive = time.Now()

	if len(s.transcript) <= s.cfg.TranscriptMaxMessages {
		return
	}
	start := len(s.transcript) - s.cfg.TranscriptKeepRecent
	// Never let a tool result open the window without the assistant message
	// that requested it.
	for start < len(s.transcript) && s.transcript[start].Role == domain.RoleTool {
		start++
	}
	trimmed := make([]domain.Message, 0, 1+len(s.transcript)-start)
	trimmed = append(trimmed, s.transcript[0])
	trimmed = append(trimmed, s.transcript[start:]...)
	s.transcript = trimmed
}

func toolMessage(result domain.ToolCallResult) domain.Message {
	return domain.Message{
		Role:       domain.RoleTool,
		ToolCallID: result.CallID,
		Content:    result.TranscriptContent(),
	}
}
