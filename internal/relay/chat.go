package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/veilway/veilway/internal/api"
	"github.com/veilway/veilway/internal/identity"
	"github.com/veilway/veilway/internal/session"
	"github.com/veilway/veilway/internal/store"
)

// maxRequestBodySize bounds chat request bodies (1MB).
const maxRequestBodySize = 1 << 20

// ChatHandler serves the REST chat surface: SSE-streamed turns, confirmation
// resolution, and session clearing.
type ChatHandler struct {
	manager *session.Manager
	repo    store.Repository
	limiter *RateLimiter
}

// NewChatHandler creates the REST chat handler.
func NewChatHandler(manager *session.Manager, repo store.Repository, limiter *RateLimiter) *ChatHandler {
	return &ChatHandler{manager: manager, repo: repo, limiter: limiter}
}

// RegisterRoutes registers chat routes (requires identity middleware).
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/", h.HandleChat)
		r.Post("/confirm", h.HandleConfirm)
	})
	r.Post("/api/sessions/clear", h.HandleClearSession)
}

type chatRequest struct {
	Message string `json:"message"`
}

type confirmRequest struct {
	ConfirmationID string `json:"confirmation_id"`
	Accept         bool   `json:"accept"`
}

// HandleChat handles POST /api/chat, streaming the turn as SSE events.
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.limiter.Allow(userID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		api.Error(w, http.StatusBadRequest, "message is required")
		return
	}

	slog.Info("Chat request",
		"user_id", userID,
		"session_id", sessionID,
		"message_length", len(req.Message),
		"request_id", chiMiddleware.GetReqID(r.Context()),
	)

	sess := h.manager.GetOrCreate(r.Context(), userID, sessionID)
	h.streamEvents(w, r, sess, sess.Turn(r.Context(), req.Message))
}

// HandleConfirm handles POST /api/chat/confirm, resolving the pending
// confirmation and streaming the resumed turn as SSE events.
func (h *ChatHandler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess := h.manager.Get(userID, sessionID)
	if sess == nil {
		api.Error(w, http.StatusNotFound, "session not found")
		return
	}

	h.streamEvents(w, r, sess, sess.Confirm(r.Context(), req.ConfirmationID, req.Accept))
}

// HandleClearSession handles POST /api/sessions/clear. With a session ID it
// clears that session; without one it clears every session for the user.
func (h *ChatHandler) HandleClearSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sessionID := r.URL.Query().Get("session_id")
	if sessionID != "" {
		if err := h.manager.Clear(r.Context(), userID, sessionID); err != nil {
			slog.Warn("Failed to clear session", "session_id", sessionID, "error", err)
			api.Error(w, http.StatusInternalServerError, "failed to clear session")
			return
		}
		slog.Info("Session cleared", "user_id", userID, "session_id", sessionID)
		api.JSON(w, http.StatusOK, map[string]string{"message": "session cleared", "session_id": sessionID})
		return
	}

	cleared := h.manager.ClearAll(userID)
	slog.Info("All sessions cleared", "user_id", userID, "count", cleared)
	api.JSON(w, http.StatusOK, map[string]any{"message": "all sessions cleared", "count": cleared})
}

// streamEvents writes one turn's event stream as SSE frames and snapshots
// the transcript when the turn settles. Pre-flight failures (busy, no
// pending confirmation) arrive before any event and map to plain HTTP
// errors; failures mid-stream become a terminal SSE error event.
func (h *ChatHandler) streamEvents(w http.ResponseWriter, r *http.Request, sess *session.Session, events iter.Seq2[*session.Event, error]) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	streaming := false
	for event, err := range events {
		if err != nil {
			if !streaming {
				api.Error(w, statusFor(err), err.Error())
				return
			}
			if writeErr := writeSSE(w, frameError, mustMarshal(wsFrame{Type: frameError, Code: errorCode(err), Message: err.Error()})); writeErr != nil {
				slog.Warn("Failed to write SSE error event", "error", writeErr)
			}
			flusher.Flush()
			return
		}

		if !streaming {
			streaming = true
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
		}

		frame := frameFor(event)
		if err := writeSSE(w, frame.Type, mustMarshal(frame)); err != nil {
			slog.Warn("Failed to write SSE event", "error", err)
			return
		}
		flusher.Flush()
	}

	if err := h.manager.Snapshot(r.Context(), sess); err != nil {
		slog.Warn("Failed to snapshot session", "session_id", sess.SessionID, "error", err)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoPendingConfirmation):
		return http.StatusConflict
	case errors.Is(err, session.ErrEmptyMessage):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func mustMarshal(frame wsFrame) string {
	data, err := json.Marshal(frame)
	if err != nil {
		return `{"type":"error","code":"internal"}`
	}
	return string(data)
}
