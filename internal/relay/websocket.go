// Package relay owns the client-facing transports: the websocket frame
// protocol and the REST/SSE chat surface. It drives one session per
// connection and forwards session events to the client in order.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/veilway/veilway/internal/identity"
	"github.com/veilway/veilway/internal/session"
	"github.com/veilway/veilway/internal/store"
)

// Inbound frame types.
const (
	frameUserMessage = "userMessage"
	frameConfirm     = "confirm"
	framePing        = "ping"
)

// Outbound frame types.
const (
	frameTextFragment         = "textFragment"
	frameToolActivity         = "toolActivity"
	frameConfirmationRequired = "confirmationRequired"
	frameTurnComplete         = "turnComplete"
	frameError                = "error"
	framePong                 = "pong"
)

// Error codes carried on error frames.
const (
	codeBusy                  = "busy_confirmation_required"
	codeRateLimited           = "rate_limited"
	codeNoPendingConfirmation = "no_pending_confirmation"
	codeEmptyMessage          = "empty_message"
	codeInternal              = "internal"
)

// wsFrame is the single wire shape for both directions.
type wsFrame struct {
	Type           string `json:"type"`
	Content        string `json:"content,omitempty"`
	Accept         *bool  `json:"accept,omitempty"`
	ConfirmationID string `json:"confirmation_id,omitempty"`
	Tool           string `json:"tool,omitempty"`
	Summary        string `json:"summary,omitempty"`
	Code           string `json:"code,omitempty"`
	Message        string `json:"message,omitempty"`
}

// WebSocketHandler upgrades a client connection and relays it to one
// conversation session. Frames are processed sequentially off a single read
// loop, so fragments of turn N are fully flushed before turn N+1 begins.
type WebSocketHandler struct {
	manager       *session.Manager
	repo          store.Repository
	limiter       *RateLimiter
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new websocket relay handler.
func NewWebSocketHandler(manager *session.Manager, repo store.Repository, limiter *RateLimiter, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		manager:       manager,
		repo:          repo,
		limiter:       limiter,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	slog.Info("WebSocket connection request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := h.manager.GetOrCreate(ctx, userID, sessionID)
	// Disconnect abandons the live session; a suspended high-risk call is
	// discarded without executing.
	defer h.manager.Abandon(context.WithoutCancel(ctx), userID, sessionID)

	h.readLoop(ctx, ws, sess, userID)
	slog.Info("Relay session ended", "user_id", userID, "session_id", sessionID)
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, sess *session.Session, userID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			h.writeError(ctx, ws, codeInternal, "malformed frame")
			continue
		}

		switch frame.Type {
		case frameUserMessage:
			if !h.limiter.Allow(userID) {
				h.writeError(ctx, ws, codeRateLimited, "rate limit exceeded")
				continue
			}
			h.relayEvents(ctx, ws, sess, sess.Turn(ctx, frame.Content))
			h.touchLastSeen(userID)
		case frameConfirm:
			accept := frame.Accept != nil && *frame.Accept
			h.relayEvents(ctx, ws, sess, sess.Confirm(ctx, frame.ConfirmationID, accept))
			h.touchLastSeen(userID)
		case framePing:
			h.writeFrame(ctx, ws, wsFrame{Type: framePong})
		default:
			h.writeError(ctx, ws, codeInternal, "unknown frame type")
		}
	}
}

// relayEvents forwards one turn's event stream to the client and snapshots
// the transcript when the turn settles.
func (h *WebSocketHandler) relayEvents(ctx context.Context, ws *websocket.Conn, sess *session.Session, events iter.Seq2[*session.Event, error]) {
	for event, err := range events {
		if err != nil {
			h.writeError(ctx, ws, errorCode(err), err.Error())
			return
		}
		if !h.writeFrame(ctx, ws, frameFor(event)) {
			return
		}
	}
	if err := h.manager.Snapshot(ctx, sess); err != nil {
		slog.Warn("Failed to snapshot session", "session_id", sess.SessionID, "error", err)
	}
}

func frameFor(event *session.Event) wsFrame {
	switch event.Type {
	case session.EventTextFragment:
		return wsFrame{Type: frameTextFragment, Content: event.Text}
	case session.EventToolActivity:
		return wsFrame{Type: frameToolActivity, Tool: event.ToolName}
	case session.EventConfirmationRequired:
		return wsFrame{
			Type:           frameConfirmationRequired,
			ConfirmationID: event.ConfirmationID,
			Tool:           event.ToolName,
			Summary:        event.Summary,
		}
	case session.EventTurnComplete:
		return wsFrame{Type: frameTurnComplete}
	default:
		return wsFrame{Type: frameError, Code: codeInternal, Message: "unknown event"}
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrBusy):
		return codeBusy
	case errors.Is(err, session.ErrNoPendingConfirmation):
		return codeNoPendingConfirmation
	case errors.Is(err, session.ErrEmptyMessage):
		return codeEmptyMessage
	default:
		return codeInternal
	}
}

func (h *WebSocketHandler) writeFrame(ctx context.Context, ws *websocket.Conn, frame wsFrame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Warn("Failed to marshal frame", "error", err)
		return false
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		slog.Debug("WebSocket write error", "error", err)
		return false
	}
	return true
}

func (h *WebSocketHandler) writeError(ctx context.Context, ws *websocket.Conn, code, message string) {
	h.writeFrame(ctx, ws, wsFrame{Type: frameError, Code: code, Message: message})
}

// touchLastSeen updates the user's last-seen timestamp asynchronously.
func (h *WebSocketHandler) touchLastSeen(userID string) {
	if h.repo == nil {
		return
	}
	go func() {
		updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.repo.UpdateLastSeen(updateCtx, userID, time.Now()); err != nil {
			slog.Warn("Failed to update last seen", "error", err)
		}
	}()
}
