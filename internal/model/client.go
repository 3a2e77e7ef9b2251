// Package model implements the streaming client for the local Ollama
// inference backend.
package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"github.com/veilway/veilway/internal/domain"
)

var (
	// ErrModelUnavailable means the inference backend could not be reached.
	ErrModelUnavailable = errors.New("model backend unavailable")
	// ErrModelNotLoaded means the backend is up but the configured model is
	// not pulled.
	ErrModelNotLoaded = errors.New("model not loaded")

	errModelResponse = errors.New("model response returned error")
)

// Chunk is one streamed fragment of a model turn. ToolCalls are delivered
// as they are parsed; Done marks the end of the turn.
type Chunk struct {
	Text         string
	ToolCalls    []domain.ToolCallRequest
	Done         bool
	InputTokens  int
	OutputTokens int
}

// Streamer is the inference interface the session layer consumes.
type Streamer interface {
	Chat(ctx context.Context, messages []domain.Message, tools []openai.Tool) iter.Seq2[*Chunk, error]
}

// Config holds configuration for the Ollama client.
type Config struct {
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:    "http://localhost:11434",
		Model:      "llama3.1:8b",
		Timeout:    2 * time.Minute,
		MaxRetries: 2,
	}
}

// Client streams chat completions from an Ollama server over NDJSON.
type Client struct {
	client     *http.Client
	baseURL    string
	model      string
	maxRetries int
	logger     *slog.Logger
}

var _ Streamer = (*Client)(nil)

// NewClient creates a client for the configured backend. No network I/O
// happens here; call Health to probe the backend.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaults.BaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaults.Model
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaults.Timeout
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		client:     &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		model:      model,
		maxRetries: retries,
		logger:     logger,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// Health checks that the backend is reachable and the configured model is
// loaded.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrModelUnavailable, resp.StatusCode)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("decode tags response: %w", err)
	}

	want := strings.SplitN(c.model, ":", 2)[0]
	for _, m := range tags.Models {
		if m.Name == c.model || strings.SplitN(m.Name, ":", 2)[0] == want {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrModelNotLoaded, c.model)
}

// Chat streams a completion for the transcript. Tool calls surface as chunk
// fields; the final chunk has Done set with token counts when the backend
// reports them.
func (c *Client) Chat(ctx context.Context, messages []domain.Message, tools []openai.Tool) iter.Seq2[*Chunk, error] {
	return func(yield func(*Chunk, error) bool) {
		payload := chatRequest{
			Model:    c.model,
			Stream:   true,
			Messages: buildChatMessages(messages),
		}
		if len(tools) > 0 {
			payload.Tools = tools
		}

		body, err := json.Marshal(payload)
		if err != nil {
			yield(nil, fmt.Errorf("marshal chat request: %w", err))
			return
		}

		resp, err := c.post(ctx, body)
		if err != nil {
			yield(nil, err)
			return
		}
		defer resp.Body.Close()

		c.streamResponse(ctx, resp.Body, yield)
	}
}

// post sends the chat request, retrying transport failures with backoff.
// A response that arrived, even with an error status, is not retried.
func (c *Client) post(ctx context.Context, body []byte) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * 500 * time.Millisecond
			c.logger.Warn("Retrying model request", "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build chat request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		if resp.StatusCode >= http.StatusBadRequest {
			defer resp.Body.Close()
			errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
			if readErr != nil {
				return nil, fmt.Errorf("model status %d (read body failed: %v)", resp.StatusCode, readErr)
			}
			return nil, fmt.Errorf("model status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
		}
		return resp, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, lastErr)
}

func (c *Client) streamResponse(ctx context.Context, body io.Reader, yield func(*Chunk, error) bool) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	emitted := map[string]struct{}{}
	for scanner.Scan() {
		if ctx.Err() != nil {
			yield(nil, ctx.Err())
			return
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp chatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			yield(nil, fmt.Errorf("decode model response: %w", err))
			return
		}
		if resp.Error != "" {
			yield(nil, fmt.Errorf("%w: %s", errModelResponse, resp.Error))
			return
		}

		if resp.Message != nil {
			chunk := &Chunk{Text: resp.Message.Content}
			for _, tc := range resp.Message.ToolCalls {
				callID := toolCallKey(tc)
				if callID == "" {
					callID = uuid.NewString()
				}
				if _, dup := emitted[callID]; dup {
					continue
				}
				emitted[callID] = struct{}{}

				args := tc.Function.Arguments
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				chunk.ToolCalls = append(chunk.ToolCalls, domain.ToolCallRequest{
					ID:        callID,
					Name:      strings.TrimSpace(tc.Function.Name),
					Arguments: args,
				})
			}
			if chunk.Text != "" || len(chunk.ToolCalls) > 0 {
				if !yield(chunk, nil) {
					return
				}
			}
		}

		if resp.Done {
			yield(&Chunk{
				Done:         true,
				InputTokens:  resp.PromptEvalCount,
				OutputTokens: resp.EvalCount,
			}, nil)
			return
		}
	}

	if err := scanner.Err(); err != nil {
		yield(nil, fmt.Errorf("model stream error: %w", err))
		return
	}
	yield(nil, fmt.Errorf("%w: stream ended without done marker", errModelResponse))
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Tools    []openai.Tool `json:"tools,omitempty"`
	Stream   bool          `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
}

type chatResponse struct {
	Message         *chatMessage `json:"message"`
	Done            bool         `json:"done"`
	Error           string       `json:"error"`
	EvalCount       int          `json:"eval_count"`
	PromptEvalCount int          `json:"prompt_eval_count"`
}

type toolCall struct {
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// buildChatMessages converts the transcript to the Ollama wire format. Tool
// result messages carry the originating tool name, resolved from the
// assistant call that requested them.
func buildChatMessages(messages []domain.Message) []chatMessage {
	toolNames := map[string]string{}
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			if tc.ID != "" && tc.Name != "" {
				toolNames[tc.ID] = tc.Name
			}
		}
	}

	out := make([]chatMessage, 0, len(messages))
	for _, msg := range messages {
		role := string(msg.Role)
		if role == "" {
			role = string(domain.RoleUser)
		}
		switch msg.Role {
		case domain.RoleAssistant:
			m := chatMessage{Role: role, Content: msg.Content}
			if len(msg.ToolCalls) > 0 {
				m.ToolCalls = make([]toolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					args := tc.Arguments
					if len(args) == 0 {
						args = json.RawMessage(`{}`)
					}
					m.ToolCalls[i] = toolCall{
						ID:   tc.ID,
						Type: "function",
						Function: toolFunction{
							Name:      tc.Name,
							Arguments: args,
						},
					}
				}
			}
			out = append(out, m)
		case domain.RoleTool:
			out = append(out, chatMessage{
				Role:     role,
				Content:  msg.Content,
				ToolName: toolNames[msg.ToolCallID],
			})
		default:
			out = append(out, chatMessage{Role: role, Content: msg.Content})
		}
	}
	return out
}

func toolCallKey(tc toolCall) string {
	if id := strings.TrimSpace(tc.ID); id != "" {
		return id
	}
	name := strings.TrimSpace(tc.Function.Name)
	args := strings.TrimSpace(string(tc.Function.Arguments))
	if name == "" && args == "" {
		return ""
	}
	return name + ":" + args
}
