package convlog

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAsyncLoggerWritesPerConversationNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(Config{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Log(Event{
		StudentID:      "student-1",
		ConversationID: "conv-1",
		Channel:        "chat_http",
		Direction:      DirectionInbound,
		EventType:      EventAssistantMessage,
		ContentRaw:     "好的 <!--ACTION:{\"type\":\"save_goal\",\"data\":{}}-->",
	})

	path := filepath.Join(dir, "student-1", "conv-1.ndjson")
	line := waitForLogLine(t, path)
	var got Event
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if !strings.Contains(got.ContentRaw, "<!--ACTION:") {
		t.Fatalf("expected raw content to keep directives: %q", got.ContentRaw)
	}
	if got.Content != "好的" {
		t.Fatalf("unexpected cleaned content: %q", got.Content)
	}
	if got.Timestamp == "" {
		t.Fatal("expected timestamp to be populated")
	}
}

func TestAsyncLoggerMirrorsToGlobalFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	global := filepath.Join(dir, "all", "all.ndjson")
	logger, err := New(Config{
		Enabled:       true,
		Dir:           dir,
		GlobalEnabled: true,
		GlobalPath:    global,
		QueueSize:     16,
		MaxSizeMB:     1,
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Log(Event{StudentID: "s", ConversationID: "c", EventType: EventUserMessage, ContentRaw: "hi"})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(global)
	if err != nil {
		t.Fatalf("read global log: %v", err)
	}
	if !strings.Contains(string(data), `"event_type":"chat_user_message"`) {
		t.Fatalf("global log missing event: %s", data)
	}
}

func TestAsyncLoggerSanitizesPathSegments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := New(Config{Enabled: true, Dir: dir, QueueSize: 4}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Log(Event{StudentID: "../escape", ConversationID: "", ContentRaw: "x"})
	_ = logger.Close()

	if _, err := os.Stat(filepath.Join(dir, "___escape", "unknown.ndjson")); err != nil {
		t.Fatalf("expected sanitized path: %v", err)
	}
}

func TestAsyncLoggerIgnoresEventsAfterClose(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{Enabled: true, Dir: t.TempDir(), QueueSize: 1}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	logger.Log(Event{ContentRaw: "late"})
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestNewDisabledReturnsNoop(t *testing.T) {
	t.Parallel()

	logger, err := New(Config{}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := logger.(Noop); !ok {
		t.Fatalf("expected Noop logger, got %T", logger)
	}
}

func TestCleanStripsANSIAndDirectives(t *testing.T) {
	t.Parallel()

	raw := "\x1b[31merror\x1b[0m   plain\n<!--PHASE_COMPLETE:{\"summary\":\"s\"}-->"
	clean := Clean(raw)
	if strings.Contains(clean, "\x1b[31m") {
		t.Fatalf("expected ANSI sequence to be stripped: %q", clean)
	}
	if clean != "error plain" {
		t.Fatalf("unexpected cleaned text: %q", clean)
	}
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}
