package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/veilway/veilway/internal/domain"
	"github.com/veilway/veilway/internal/model"
	"github.com/veilway/veilway/internal/tools"

	openai "github.com/sashabaranov/go-openai"
)

// scriptedStreamer plays one scripted round per Chat call, then answers
// with plain text forever.
type scriptedStreamer struct {
	mu     sync.Mutex
	rounds []scriptRound
	calls  int
}

type scriptRound struct {
	fragments []string
	toolCalls []domain.ToolCallRequest
}

func (f *scriptedStreamer) Chat(_ context.Context, _ []domain.Message, _ []openai.Tool) iter.Seq2[*model.Chunk, error] {
	f.mu.Lock()
	round := scriptRound{fragments: []string{"all done"}}
	if f.calls < len(f.rounds) {
		round = f.rounds[f.calls]
	}
	f.calls++
	f.mu.Unlock()

	return func(yield func(*model.Chunk, error) bool) {
		for _, text := range round.fragments {
			if !yield(&model.Chunk{Text: text}, nil) {
				return
			}
		}
		if len(round.toolCalls) > 0 {
			if !yield(&model.Chunk{ToolCalls: round.toolCalls}, nil) {
				return
			}
		}
		yield(&model.Chunk{Done: true}, nil)
	}
}

func (f *scriptedStreamer) chatCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestSession(t *testing.T, streamer model.Streamer, cfg Config, descs ...*tools.Descriptor) *Session {
	t.Helper()

	registry := tools.NewRegistry()
	for _, d := range descs {
		if err := registry.Register(d); err != nil {
			t.Fatalf("Register(%s) error = %v", d.Name, err)
		}
	}
	registry.Seal()

	invoker := tools.NewInvoker(registry, tools.InvokerConfig{
		ExecTimeout:    2 * time.Second,
		ConfirmTimeout: time.Minute,
	}, nil)
	return New("u1", "s1", cfg, streamer, invoker, registry, nil)
}

func drain(t *testing.T, events iter.Seq2[*Event, error]) ([]*Event, error) {
	t.Helper()

	var out []*Event
	for event, err := range events {
		if err != nil {
			return out, err
		}
		out = append(out, event)
	}
	return out, nil
}

func textOf(events []*Event) string {
	var b strings.Builder
	for _, e := range events {
		if e.Type == EventTextFragment {
			b.WriteString(e.Text)
		}
	}
	return b.String()
}

func lastEventType(events []*Event) EventType {
	if len(events) == 0 {
		return ""
	}
	return events[len(events)-1].Type
}

func TestTurnPlainText(t *testing.T) {
	t.Parallel()

	streamer := &scriptedStreamer{rounds: []scriptRound{
		{fragments: []string{"Hello", " there"}},
	}}
	s := newTestSession(t, streamer, Config{})

	events, err := drain(t, s.Turn(context.Background(), "hi"))
	if err != nil {
		t.Fatalf("Turn() error = %v", err)
	}
	if got := textOf(events); got != "Hello there" {
		t.Errorf("text = %q, want %q", got, "Hello there")
	}
	if lastEventType(events) != EventTurnComplete {
		t.Errorf("last event = %q, want turnComplete", lastEventType(events))
	}
	if s.State() != StateIdle {
		t.Errorf("state = %q, want idle", s.State())
	}

	transcript := s.Transcript()
	if len(transcript) != 3 {
		t.Fatalf("transcript = %d messages, want 3", len(transcript))
	}
	if transcript[0].Role != domain.RoleSystem || transcript[1].Role != domain.RoleUser || transcript[2].Role != domain.RoleAssistant {
		t.Errorf("transcript roles = %v %v %v", transcript[0].Role, transcript[1].Role, transcript[2].Role)
	}
}

func TestTurnEmptyMessage(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, &scriptedStreamer{}, Config{})
	if _, err := drain(t, s.Turn(context.Background(), "")); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("Turn() error = %v, want ErrEmptyMessage", err)
	}
}

func TestTurnToolChaining(t *testing.T) {
	t.Parallel()

	call := domain.ToolCallRequest{ID: "call-1", Name: "lookup", Arguments: json.RawMessage(`{}`)}
	streamer := &scriptedStreamer{rounds: []scriptRound{
		{toolCalls: []domain.ToolCallRequest{call}},
		{fragments: []string{"Found it."}},
	}}

	ran := false
	desc := &tools.Descriptor{
		Name: "lookup",
		Risk: tools.RiskSafe,
		Handler: func(context.Context, map[string]any) (any, error) {
			ran = true
			return map[string]any{"hits": 1}, nil
		},
	}
	s := newTestSession(t, streamer, Config{}, desc)

	events, err := drain(t, s.Turn(context.Background(), "find it"))
	if err != nil {
		t.Fatalf("Turn() error = %v", err)
	}
	if !ran {
		t.Error("safe tool handler did not run")
	}
	if got := textOf(events); got != "Found it." {
		t.Errorf("text = %q", got)
	}

	// system, user, assistant(tool call), tool result, assistant(answer)
	transcript := s.Transcript()
	if len(transcript) != 5 {
		t.Fatalf("transcript = %d messages, want 5", len(transcript))
	}
	if transcript[2].Role != domain.RoleAssistant || len(transcript[2].ToolCalls) != 1 {
		t.Errorf("message 2 = %+v, want assistant with tool call", transcript[2])
	}
	if transcript[3].Role != domain.RoleTool || transcript[3].ToolCallID != "call-1" {
		t.Errorf("message 3 = %+v, want tool result for call-1", transcript[3])
	}
}

func TestTurnRejectedWhileBusy(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	blocking := &blockingStreamer{started: started, release: release}
	s := newTestSession(t, blocking, Config{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := drain(t, s.Turn(context.Background(), "first")); err != nil {
			t.Errorf("first Turn() error = %v", err)
		}
	}()

	<-started
	if _, err := drain(t, s.Turn(context.Background(), "second")); !errors.Is(err, ErrBusy) {
		t.Errorf("second Turn() error = %v, want ErrBusy", err)
	}

	close(release)
	<-done

	// Only the first turn touched the transcript.
	for _, msg := range s.Transcript() {
		if msg.Role == domain.RoleUser && msg.Content == "second" {
			t.Error("rejected turn reached the transcript")
		}
	}
}

type blockingStreamer struct {
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (b *blockingStreamer) Chat(_ context.Context, _ []domain.Message, _ []openai.Tool) iter.Seq2[*model.Chunk, error] {
	return func(yield func(*model.Chunk, error) bool) {
		b.once.Do(func() { close(b.started) })
		<-b.release
		if !yield(&model.Chunk{Text: "ok"}, nil) {
			return
		}
		yield(&model.Chunk{Done: true}, nil)
	}
}

func highRiskDescriptor(ran *bool) *tools.Descriptor {
	return &tools.Descriptor{
		Name: "browser_action",
		Risk: tools.RiskHigh,
		Handler: func(context.Context, map[string]any) (any, error) {
			*ran = true
			return map[string]any{"done": true}, nil
		},
		Summarize: func(map[string]any) string { return "1. Download the statement" },
	}
}

func TestHighRiskSuspendsTurn(t *testing.T) {
	t.Parallel()

	call := domain.ToolCallRequest{ID: "call-1", Name: "browser_action", Arguments: json.RawMessage(`{}`)}
	streamer := &scriptedStreamer{rounds: []scriptRound{
		{toolCalls: []domain.ToolCallRequest{call}},
	}}

	ran := false
	s := newTestSession(t, streamer, Config{}, highRiskDescriptor(&ran))

	events, err := drain(t, s.Turn(context.Background(), "download the statement"))
	if err != nil {
		t.Fatalf("Turn() error = %v", err)
	}
	if ran {
		t.Fatal("high-risk handler ran without confirmation")
	}
	if lastEventType(events) != EventConfirmationRequired {
		t.Fatalf("last event = %q, want confirmationRequired", lastEventType(events))
	}
	if events[len(events)-1].Summary == "" {
		t.Error("confirmation event missing summary")
	}
	if s.State() != StateAwaitingConfirmation {
		t.Errorf("state = %q, want awaiting_confirmation", s.State())
	}

	// New user turns are rejected, not queued, while suspended.
	if _, err := drain(t, s.Turn(context.Background(), "another message")); !errors.Is(err, ErrBusy) {
		t.Errorf("Turn() while suspended error = %v, want ErrBusy", err)
	}
}

func TestConfirmReject(t *testing.T) {
	t.Parallel()

	call := domain.ToolCallRequest{ID: "call-1", Name: "browser_action", Arguments: json.RawMessage(`{}`)}
	streamer := &scriptedStreamer{rounds: []scriptRound{
		{toolCalls: []domain.ToolCallRequest{call}},
		{fragments: []string{"Understood, I won't proceed."}},
	}}

	ran := false
	s := newTestSession(t, streamer, Config{}, highRiskDescriptor(&ran))

	events, err := drain(t, s.Turn(context.Background(), "download it"))
	if err != nil {
		t.Fatalf("Turn() error = %v", err)
	}
	confirmationID := events[len(events)-1].ConfirmationID

	resumed, err := drain(t, s.Confirm(context.Background(), confirmationID, false))
	if err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if ran {
		t.Fatal("handler ran despite rejection")
	}
	if lastEventType(resumed) != EventTurnComplete {
		t.Errorf("last event = %q, want turnComplete", lastEventType(resumed))
	}
	if s.State() != StateIdle {
		t.Errorf("state = %q, want idle", s.State())
	}

	var denied string
	for _, msg := range s.Transcript() {
		if msg.Role == domain.RoleTool && msg.ToolCallID == "call-1" {
			denied = msg.Content
		}
	}
	if denied == "" {
		t.Fatal("no tool result appended for rejected call")
	}
	if !strings.Contains(denied, domain.ReasonUserDenied) {
		t.Errorf("tool result = %q, want user_denied reason", denied)
	}
}

func TestConfirmAccept(t *testing.T) {
	t.Parallel()

	call := domain.ToolCallRequest{ID: "call-1", Name: "browser_action", Arguments: json.RawMessage(`{}`)}
	streamer := &scriptedStreamer{rounds: []scriptRound{
		{toolCalls: []domain.ToolCallRequest{call}},
		{fragments: []string{"Done."}},
	}}

	ran := false
	s := newTestSession(t, streamer, Config{}, highRiskDescriptor(&ran))

	if _, err := drain(t, s.Turn(context.Background(), "download it")); err != nil {
		t.Fatalf("Turn() error = %v", err)
	}

	resumed, err := drain(t, s.Confirm(context.Background(), "", true))
	if err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if !ran {
		t.Error("handler did not run after acceptance")
	}
	if got := textOf(resumed); got != "Done." {
		t.Errorf("resumed text = %q", got)
	}
	if s.Pending() != nil {
		t.Error("pending confirmation not cleared")
	}
}

func safeDescriptor(name string, ran *bool) *tools.Descriptor {
	return &tools.Descriptor{
		Name: name,
		Risk: tools.RiskSafe,
		Handler: func(context.Context, map[string]any) (any, error) {
			*ran = true
			return map[string]any{"results": []string{}}, nil
		},
	}
}

func TestConfirmAcceptRunsDeferredSiblings(t *testing.T) {
	t.Parallel()

	risky := domain.ToolCallRequest{ID: "call-1", Name: "browser_action", Arguments: json.RawMessage(`{}`)}
	sibling := domain.ToolCallRequest{ID: "call-2", Name: "file_search", Arguments: json.RawMessage(`{}`)}
	streamer := &scriptedStreamer{rounds: []scriptRound{
		{toolCalls: []domain.ToolCallRequest{risky, sibling}},
		{fragments: []string{"Done."}},
	}}

	riskyRan := false
	siblingRan := false
	s := newTestSession(t, streamer, Config{},
		highRiskDescriptor(&riskyRan), safeDescriptor("file_search", &siblingRan))

	if _, err := drain(t, s.Turn(context.Background(), "download it and search")); err != nil {
		t.Fatalf("Turn() error = %v", err)
	}
	if siblingRan {
		t.Fatal("deferred sibling ran before the confirmation resolved")
	}

	if _, err := drain(t, s.Confirm(context.Background(), "", true)); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if !riskyRan {
		t.Error("approved call did not run")
	}
	if !siblingRan {
		t.Error("deferred sibling did not run after acceptance")
	}
	if s.State() != StateIdle {
		t.Errorf("state = %q, want idle", s.State())
	}
}

func TestConfirmRejectDeniesDeferredSiblings(t *testing.T) {
	t.Parallel()

	risky := domain.ToolCallRequest{ID: "call-1", Name: "browser_action", Arguments: json.RawMessage(`{}`)}
	sibling := domain.ToolCallRequest{ID: "call-2", Name: "file_search", Arguments: json.RawMessage(`{}`)}
	streamer := &scriptedStreamer{rounds: []scriptRound{
		{toolCalls: []domain.ToolCallRequest{risky, sibling}},
		{fragments: []string{"Understood, I won't proceed."}},
	}}

	riskyRan := false
	siblingRan := false
	s := newTestSession(t, streamer, Config{},
		highRiskDescriptor(&riskyRan), safeDescriptor("file_search", &siblingRan))

	if _, err := drain(t, s.Turn(context.Background(), "download it and search")); err != nil {
		t.Fatalf("Turn() error = %v", err)
	}

	if _, err := drain(t, s.Confirm(context.Background(), "", false)); err != nil {
		t.Fatalf("Confirm() error = %v", err)
	}
	if riskyRan {
		t.Error("rejected call ran")
	}
	if siblingRan {
		t.Error("deferred sibling ran after rejection")
	}

	// The whole batch was denied: one result per call, both user-denied.
	denied := map[string]bool{}
	for _, msg := range s.Transcript() {
		if msg.Role == domain.RoleTool && strings.Contains(msg.Content, domain.ReasonUserDenied) {
			denied[msg.ToolCallID] = true
		}
	}
	if !denied["call-1"] || !denied["call-2"] {
		t.Errorf("denied results for %v, want call-1 and call-2", denied)
	}
	if s.State() != StateIdle {
		t.Errorf("state = %q, want idle", s.State())
	}
}

func TestConfirmWithoutPending(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, &scriptedStreamer{}, Config{})
	if _, err := drain(t, s.Confirm(context.Background(), "", true)); !errors.Is(err, ErrNoPendingConfirmation) {
		t.Errorf("Confirm() error = %v, want ErrNoPendingConfirmation", err)
	}
}

func TestConfirmWrongID(t *testing.T) {
	t.Parallel()

	call := domain.ToolCallRequest{ID: "call-1", Name: "browser_action", Arguments: json.RawMessage(`{}`)}
	streamer := &scriptedStreamer{rounds: []scriptRound{
		{toolCalls: []domain.ToolCallRequest{call}},
	}}
	ran := false
	s := newTestSession(t, streamer, Config{}, highRiskDescriptor(&ran))

	if _, err := drain(t, s.Turn(context.Background(), "download it")); err != nil {
		t.Fatalf("Turn() error = %v", err)
	}

	before := len(s.Transcript())
	if _, err := drain(t, s.Confirm(context.Background(), "not-the-id", true)); !errors.Is(err, ErrNoPendingConfirmation) {
		t.Errorf("Confirm() error = %v, want ErrNoPendingConfirmation", err)
	}
	if ran {
		t.Error("handler ran on mismatched confirmation")
	}
	if len(s.Transcript()) != before {
		t.Error("mismatched confirmation touched the transcript")
	}
	if s.State() != StateAwaitingConfirmation {
		t.Errorf("state = %q, want awaiting_confirmation preserved", s.State())
	}
}

func TestMaxToolDepth(t *testing.T) {
	t.Parallel()

	// The model keeps asking for the same tool forever.
	rounds := make([]scriptRound, 10)
	for i := range rounds {
		rounds[i] = scriptRound{toolCalls: []domain.ToolCallRequest{
			{ID: fmt.Sprintf("call-%d", i), Name: "lookup", Arguments: json.RawMessage(`{}`)},
		}}
	}
	streamer := &scriptedStreamer{rounds: rounds}

	desc := &tools.Descriptor{
		Name:    "lookup",
		Risk:    tools.RiskSafe,
		Handler: func(context.Context, map[string]any) (any, error) { return "ok", nil },
	}
	s := newTestSession(t, streamer, Config{MaxToolDepth: 3}, desc)

	events, err := drain(t, s.Turn(context.Background(), "loop"))
	if err != nil {
		t.Fatalf("Turn() error = %v", err)
	}
	if lastEventType(events) != EventTurnComplete {
		t.Errorf("last event = %q, want turnComplete", lastEventType(events))
	}
	if streamer.chatCalls() != 3 {
		t.Errorf("model rounds = %d, want 3", streamer.chatCalls())
	}
	if !strings.Contains(textOf(events), "tool rounds") {
		t.Errorf("final text = %q, want chain bound explanation", textOf(events))
	}
	if s.State() != StateIdle {
		t.Errorf("state = %q, want idle", s.State())
	}
}

func TestExpireConfirmation(t *testing.T) {
	t.Parallel()

	call := domain.ToolCallRequest{ID: "call-1", Name: "browser_action", Arguments: json.RawMessage(`{}`)}
	deferred := domain.ToolCallRequest{ID: "call-2", Name: "browser_action", Arguments: json.RawMessage(`{}`)}
	streamer := &scriptedStreamer{rounds: []scriptRound{
		{toolCalls: []domain.ToolCallRequest{call, deferred}},
	}}
	ran := false
	s := newTestSession(t, streamer, Config{}, highRiskDescriptor(&ran))

	if _, err := drain(t, s.Turn(context.Background(), "download it")); err != nil {
		t.Fatalf("Turn() error = %v", err)
	}

	if s.ExpireConfirmation(time.Now()) {
		t.Fatal("ExpireConfirmation() = true before the window elapsed")
	}
	if !s.ExpireConfirmation(time.Now().Add(2 * time.Minute)) {
		t.Fatal("ExpireConfirmation() = false after the window elapsed")
	}
	if ran {
		t.Error("handler ran for expired confirmation")
	}
	if s.State() != StateIdle {
		t.Errorf("state = %q, want idle", s.State())
	}

	// Both the suspended call and its deferred sibling were denied.
	deniedCount := 0
	for _, msg := range s.Transcript() {
		if msg.Role == domain.RoleTool && strings.Contains(msg.Content, domain.ReasonUserDenied) {
			deniedCount++
		}
	}
	if deniedCount != 2 {
		t.Errorf("denied tool results = %d, want 2", deniedCount)
	}
}

func TestAbandonDiscardsPending(t *testing.T) {
	t.Parallel()

	call := domain.ToolCallRequest{ID: "call-1", Name: "browser_action", Arguments: json.RawMessage(`{}`)}
	streamer := &scriptedStreamer{rounds: []scriptRound{
		{toolCalls: []domain.ToolCallRequest{call}},
	}}
	ran := false
	s := newTestSession(t, streamer, Config{}, highRiskDescriptor(&ran))

	if _, err := drain(t, s.Turn(context.Background(), "download it")); err != nil {
		t.Fatalf("Turn() error = %v", err)
	}

	s.Abandon()
	if ran {
		t.Error("handler ran for abandoned confirmation")
	}
	if s.Pending() != nil {
		t.Error("pending confirmation survived abandon")
	}
	if s.State() != StateIdle {
		t.Errorf("state = %q, want idle", s.State())
	}
}

func TestTranscriptTrimming(t *testing.T) {
	t.Parallel()

	streamer := &scriptedStreamer{}
	s := newTestSession(t, streamer, Config{TranscriptMaxMessages: 9, TranscriptKeepRecent: 4})

	for i := 0; i < 6; i++ {
		if _, err := drain(t, s.Turn(context.Background(), fmt.Sprintf("message %d", i))); err != nil {
			t.Fatalf("Turn(%d) error = %v", i, err)
		}
	}

	transcript := s.Transcript()
	if transcript[0].Role != domain.RoleSystem {
		t.Fatalf("first message role = %q, want system", transcript[0].Role)
	}
	if len(transcript) > 9 {
		t.Errorf("transcript = %d messages, want trimmed below max", len(transcript))
	}
	last := transcript[len(transcript)-1]
	if last.Role != domain.RoleAssistant {
		t.Errorf("last message role = %q, want assistant", last.Role)
	}
}

// echoStreamer answers every turn with a transform of the latest user
// message, exposing any cross-session transcript leakage.
type echoStreamer struct{}

func (echoStreamer) Chat(_ context.Context, messages []domain.Message, _ []openai.Tool) iter.Seq2[*model.Chunk, error] {
	return func(yield func(*model.Chunk, error) bool) {
		var lastUser string
		for _, msg := range messages {
			if msg.Role == domain.RoleUser {
				lastUser = msg.Content
			}
		}
		if !yield(&model.Chunk{Text: "echo:" + lastUser}, nil) {
			return
		}
		yield(&model.Chunk{Done: true}, nil)
	}
}

func TestConcurrentSessionsAreIsolated(t *testing.T) {
	t.Parallel()

	const sessions = 50

	var wg sync.WaitGroup
	results := make([]*Session, sessions)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := newTestSession(t, echoStreamer{}, Config{})
			results[i] = s
			for turn := 0; turn < 3; turn++ {
				events, err := drain(t, s.Turn(context.Background(), fmt.Sprintf("session-%d turn-%d", i, turn)))
				if err != nil {
					t.Errorf("session %d Turn() error = %v", i, err)
					return
				}
				want := fmt.Sprintf("echo:session-%d turn-%d", i, turn)
				if got := textOf(events); got != want {
					t.Errorf("session %d text = %q, want %q", i, got, want)
				}
			}
		}(i)
	}
	wg.Wait()

	for i, s := range results {
		marker := fmt.Sprintf("session-%d ", i)
		for _, msg := range s.Transcript() {
			if msg.Role != domain.RoleUser {
				continue
			}
			if !strings.Contains(msg.Content, marker) {
				t.Errorf("session %d transcript contains foreign message %q", i, msg.Content)
			}
		}
	}
}
