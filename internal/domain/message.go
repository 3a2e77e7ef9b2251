// Package domain contains core domain types for the Veilway relay.
package domain

import (
	"encoding/json"
)

// Role identifies the author of a transcript message.
type Role string

const (
	// RoleSystem is the compliance system prompt.
	RoleSystem Role = "system"
	// RoleUser is a message typed by the connected client.
	RoleUser Role = "user"
	// RoleAssistant is model output, plain text or tool-call requests.
	RoleAssistant Role = "assistant"
	// RoleTool is a tool invocation outcome fed back to the model.
	RoleTool Role = "tool"
)

// Message is one immutable entry in a session transcript. Order within the
// transcript is the only positional meaning; entries are never mutated or
// reordered after append.
type Message struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
}

// ToolCallRequest is a structured capability request emitted by the model.
type ToolCallRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallStatus classifies the outcome of a tool invocation.
type ToolCallStatus string

const (
	// ToolStatusOK means the handler ran and produced a payload.
	ToolStatusOK ToolCallStatus = "ok"
	// ToolStatusError means the call failed; ErrorDetail explains why.
	ToolStatusError ToolCallStatus = "error"
	// ToolStatusAwaitingConfirmation means a high-risk call is suspended
	// until the user resolves the pending confirmation.
	ToolStatusAwaitingConfirmation ToolCallStatus = "awaiting_confirmation"
)

// Failure reasons carried on error results so the model can adapt.
const (
	ReasonNotFound   = "not_found"
	ReasonValidation = "validation"
	ReasonHandler    = "handler"
	ReasonTimeout    = "timeout"
	ReasonUserDenied = "user_denied"
)

// ToolCallResult is the outcome of one tool call. It is always appended to
// the transcript as a tool message so the model observes it on its next turn.
type ToolCallResult struct {
	CallID      string         `json:"call_id"`
	Name        string         `json:"name"`
	Status      ToolCallStatus `json:"status"`
	Payload     string         `json:"payload,omitempty"`
	ErrorDetail string         `json:"error_detail,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Findings    int            `json:"findings,omitempty"`
}

// TranscriptContent renders the result as the content of a tool message.
func (r ToolCallResult) TranscriptContent() string {
	if r.Status == ToolStatusOK {
		return r.Payload
	}
	body, err := json.Marshal(map[string]string{
		"status": string(r.Status),
		"reason": r.Reason,
		"error":  r.ErrorDetail,
	})
	if err != nil {
		return `{"status":"error"}`
	}
	return string(body)
}
