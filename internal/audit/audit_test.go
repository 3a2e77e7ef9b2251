package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/veilway/veilway/internal/domain"
)

// waitForLogLine polls for the first line of the given file, since the
// logger writes asynchronously.
func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			return lines[0]
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("no log line appeared at %s", path)
	return ""
}

func TestLoggerWritesSessionFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewLogger(Config{Enabled: true, Dir: dir, QueueSize: 16}, nil, slog.Default())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer logger.Close()

	logger.Record(domain.AuditEvent{
		UserID:    "user-1",
		SessionID: "sess-1",
		EventType: "tool_invoke",
		ToolName:  "web_search",
		RiskClass: "external",
		Status:    "ok",
		Findings:  2,
	})

	line := waitForLogLine(t, filepath.Join(dir, "user-1", "sess-1.ndjson"))

	var got domain.AuditEvent
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if got.ToolName != "web_search" {
		t.Errorf("tool_name = %q, want web_search", got.ToolName)
	}
	if got.Findings != 2 {
		t.Errorf("findings = %d, want 2", got.Findings)
	}
	if got.Timestamp == "" {
		t.Error("expected timestamp to be filled in")
	}
}

func TestLoggerNeverRecordsContent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewLogger(Config{Enabled: true, Dir: dir, QueueSize: 16}, nil, slog.Default())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer logger.Close()

	logger.Record(domain.AuditEvent{
		UserID:    "user-2",
		SessionID: "sess-2",
		EventType: "tool_invoke",
		ToolName:  "file_search",
		RiskClass: "safe",
		Status:    "ok",
	})

	line := waitForLogLine(t, filepath.Join(dir, "user-2", "sess-2.ndjson"))

	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	for _, forbidden := range []string{"content", "arguments", "payload", "message"} {
		if _, ok := raw[forbidden]; ok {
			t.Errorf("audit line contains forbidden field %q", forbidden)
		}
	}
}

func TestLoggerDisabled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewLogger(Config{Enabled: false, Dir: dir}, nil, slog.Default())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer logger.Close()

	logger.Record(domain.AuditEvent{UserID: "user-3", SessionID: "sess-3", EventType: "tool_invoke"})

	time.Sleep(50 * time.Millisecond)
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no files when disabled, found %d", len(entries))
	}
}

func TestLoggerCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewLogger(Config{Enabled: true, Dir: dir, QueueSize: 16}, nil, slog.Default())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	if err := logger.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestLoggerSanitizesPathComponents(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewLogger(Config{Enabled: true, Dir: dir, QueueSize: 16}, nil, slog.Default())
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	defer logger.Close()

	logger.Record(domain.AuditEvent{
		UserID:    "../escape",
		SessionID: "../../etc/passwd",
		EventType: "tool_invoke",
	})

	line := waitForLogLine(t, filepath.Join(dir, "escape", "passwd.ndjson"))
	if line == "" {
		t.Fatal("expected event written inside the audit directory")
	}
}
