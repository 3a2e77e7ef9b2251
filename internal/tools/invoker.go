package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/veilway/veilway/internal/domain"
	"github.com/veilway/veilway/internal/redact"
)

// Auditor receives metadata-only records of tool activity. Raw message and
// argument content must never reach it.
type Auditor interface {
	Record(event domain.AuditEvent)
}

// InvokerConfig holds invoker timeouts.
type InvokerConfig struct {
	// ExecTimeout bounds a single handler execution.
	ExecTimeout time.Duration
	// ConfirmTimeout bounds how long a high-risk call may wait for user
	// approval before auto-resolving as denied.
	ConfirmTimeout time.Duration
}

// DefaultInvokerConfig returns default invoker timeouts.
func DefaultInvokerConfig() InvokerConfig {
	return InvokerConfig{
		ExecTimeout:    30 * time.Second,
		ConfirmTimeout: 5 * time.Minute,
	}
}

// Invoker executes tool calls against the sealed registry, applying the
// redaction gate and confirmation suspension the descriptor's risk class
// demands. A failing call never fails the session; every failure becomes an
// error result fed back to the model.
type Invoker struct {
	registry *Registry
	cfg      InvokerConfig
	audit    Auditor
}

// NewInvoker creates an invoker over a registry. audit may be nil.
func NewInvoker(registry *Registry, cfg InvokerConfig, audit Auditor) *Invoker {
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = DefaultInvokerConfig().ExecTimeout
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultInvokerConfig().ConfirmTimeout
	}
	return &Invoker{registry: registry, cfg: cfg, audit: audit}
}

// Outcome is the result of routing one tool call. Confirmation is non-nil
// when the call suspended awaiting user approval; Result then carries the
// awaiting_confirmation status instead of a payload.
type Outcome struct {
	Result       domain.ToolCallResult
	Confirmation *domain.PendingConfirmation
}

// Invoke routes a single tool call: lookup, schema validation, redaction for
// boundary-crossing calls, confirmation suspension for high-risk calls, then
// execution.
func (iv *Invoker) Invoke(ctx context.Context, userID, sessionID string, req domain.ToolCallRequest) Outcome {
	desc, args, errResult := iv.prepare(req)
	if errResult != nil {
		iv.record(userID, sessionID, req.Name, "", *errResult)
		return Outcome{Result: *errResult}
	}

	if desc.Risk == RiskHigh {
		now := time.Now()
		pending := &domain.PendingConfirmation{
			ID:        uuid.NewString(),
			Request:   req,
			Summary:   iv.summarize(desc, args),
			CreatedAt: now,
			ExpiresAt: now.Add(iv.cfg.ConfirmTimeout),
		}
		result := domain.ToolCallResult{
			CallID: req.ID,
			Name:   req.Name,
			Status: domain.ToolStatusAwaitingConfirmation,
		}
		iv.record(userID, sessionID, req.Name, string(desc.Risk), result)
		return Outcome{Result: result, Confirmation: pending}
	}

	result := iv.execute(ctx, desc, req, args)
	iv.record(userID, sessionID, req.Name, string(desc.Risk), result)
	return Outcome{Result: result}
}

// ExecuteApproved runs a previously-suspended high-risk call after the user
// accepted its confirmation. Redaction still applies; the handler never
// observes unsanitized arguments.
func (iv *Invoker) ExecuteApproved(ctx context.Context, userID, sessionID string, req domain.ToolCallRequest) domain.ToolCallResult {
	desc, args, errResult := iv.prepare(req)
	if errResult != nil {
		iv.record(userID, sessionID, req.Name, "", *errResult)
		return *errResult
	}

	result := iv.execute(ctx, desc, req, args)
	iv.record(userID, sessionID, req.Name, string(desc.Risk), result)
	return result
}

// Denied builds the user_denied result appended when a confirmation is
// rejected or expires.
func Denied(req domain.ToolCallRequest, detail string) domain.ToolCallResult {
	return domain.ToolCallResult{
		CallID:      req.ID,
		Name:        req.Name,
		Status:      domain.ToolStatusError,
		Reason:      domain.ReasonUserDenied,
		ErrorDetail: detail,
	}
}

// prepare performs lookup, argument decoding, and schema validation. A
// non-nil result means the call cannot proceed and the result should be fed
// back to the model.
func (iv *Invoker) prepare(req domain.ToolCallRequest) (*Descriptor, map[string]any, *domain.ToolCallResult) {
	desc, err := iv.registry.Lookup(req.Name)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			r := errResult(req, domain.ReasonNotFound, fmt.Sprintf("unknown tool %q", req.Name))
			return nil, nil, &r
		}
		r := errResult(req, domain.ReasonHandler, err.Error())
		return nil, nil, &r
	}

	args, err := decodeArguments(req.Arguments)
	if err != nil {
		r := errResult(req, domain.ReasonValidation, fmt.Sprintf("arguments must be a JSON object: %v", err))
		return nil, nil, &r
	}
	if err := desc.Validate(map[string]any(args)); err != nil {
		r := errResult(req, domain.ReasonValidation, err.Error())
		return nil, nil, &r
	}

	return desc, args, nil
}

// execute sanitizes arguments for boundary-crossing calls, then runs the
// handler under the execution timeout with panic recovery.
func (iv *Invoker) execute(ctx context.Context, desc *Descriptor, req domain.ToolCallRequest, args map[string]any) domain.ToolCallResult {
	findings := 0
	if desc.Risk != RiskSafe {
		args = sanitizeMap(args, &findings)
	}

	ctx, cancel := context.WithTimeout(ctx, iv.cfg.ExecTimeout)
	defer cancel()

	type handlerOutcome struct {
		payload any
		err     error
	}
	done := make(chan handlerOutcome, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- handlerOutcome{err: fmt.Errorf("handler panic: %v", rec)}
			}
		}()
		payload, err := desc.Handler(ctx, args)
		done <- handlerOutcome{payload: payload, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			slog.Warn("Tool execution timed out", "tool", desc.Name, "timeout", iv.cfg.ExecTimeout)
			r := errResult(req, domain.ReasonTimeout, fmt.Sprintf("tool %s timed out after %s", desc.Name, iv.cfg.ExecTimeout))
			r.Findings = findings
			return r
		}
		r := errResult(req, domain.ReasonHandler, "tool execution canceled")
		r.Findings = findings
		return r
	case out := <-done:
		if out.err != nil {
			// The error detail crosses back into the transcript; redact it
			// in case the handler echoed input.
			detail := out.err.Error()
			if sanitized, _, rerr := redact.Redact(detail); rerr == nil {
				detail = sanitized
			}
			slog.Warn("Tool execution failed", "tool", desc.Name, "error", out.err)
			r := errResult(req, domain.ReasonHandler, detail)
			r.Findings = findings
			return r
		}

		payload, err := json.Marshal(out.payload)
		if err != nil {
			r := errResult(req, domain.ReasonHandler, fmt.Sprintf("encode tool payload: %v", err))
			r.Findings = findings
			return r
		}
		return domain.ToolCallResult{
			CallID:   req.ID,
			Name:     req.Name,
			Status:   domain.ToolStatusOK,
			Payload:  string(payload),
			Findings: findings,
		}
	}
}

func (iv *Invoker) summarize(desc *Descriptor, args map[string]any) string {
	findings := 0
	safe := sanitizeMap(args, &findings)
	if desc.Summarize != nil {
		return desc.Summarize(safe)
	}

	keys := make([]string, 0, len(safe))
	for k := range safe {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("Run %s with arguments %v", desc.Name, keys)
}

func (iv *Invoker) record(userID, sessionID, tool, risk string, result domain.ToolCallResult) {
	if iv.audit == nil {
		return
	}
	iv.audit.Record(domain.AuditEvent{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		UserID:    userID,
		SessionID: sessionID,
		EventType: "tool_invoke",
		ToolName:  tool,
		RiskClass: risk,
		Status:    string(result.Status),
		Findings:  result.Findings,
		Meta: map[string]any{
			"reason": result.Reason,
		},
	})
}

func errResult(req domain.ToolCallRequest, reason, detail string) domain.ToolCallResult {
	return domain.ToolCallResult{
		CallID:      req.ID,
		Name:        req.Name,
		Status:      domain.ToolStatusError,
		Reason:      reason,
		ErrorDetail: detail,
	}
}

func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// sanitizeMap runs every string leaf through the redaction gate, counting
// findings. The input map is not modified.
func sanitizeMap(args map[string]any, findings *int) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = sanitizeValue(v, findings)
	}
	return out
}

func sanitizeValue(v any, findings *int) any {
	switch t := v.(type) {
	case string:
		if t == "" {
			return t
		}
		sanitized, found, err := redact.Redact(t)
		if err != nil {
			return t
		}
		*findings += len(found)
		return sanitized
	case map[string]any:
		return sanitizeMap(t, findings)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = sanitizeValue(item, findings)
		}
		return out
	default:
		return v
	}
}
