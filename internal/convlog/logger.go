// Package convlog writes an audit trail of every conversation turn as
// newline-delimited JSON, separate from operational logs.
package convlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ashureev/jingjin/internal/marker"
)

// Event types and directions recorded by the engine.
const (
	EventUserMessage      = "chat_user_message"
	EventAssistantMessage = "chat_assistant_message"

	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Config controls conversation logging.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
	MaxSizeMB     int
	MaxBackups    int
}

// Event is one line of the audit trail.
type Event struct {
	Timestamp      string         `json:"ts"`
	StudentID      string         `json:"student_id"`
	ConversationID string         `json:"conversation_id"`
	Channel        string         `json:"channel"`
	Direction      string         `json:"direction"`
	EventType      string         `json:"event_type"`
	Phase          string         `json:"phase,omitempty"`
	ContentRaw     string         `json:"content_raw"`
	Content        string         `json:"content"`
	Meta           map[string]any `json:"meta,omitempty"`
}

// Logger accepts audit events. Log never blocks the caller.
type Logger interface {
	Log(event Event)
	Close() error
}

// Noop discards every event.
type Noop struct{}

// Log implements Logger.
func (Noop) Log(Event) {}

// Close implements Logger.
func (Noop) Close() error { return nil }

// AsyncLogger queues events and writes them from a single goroutine. When
// the queue is full the oldest pending event is dropped.
type AsyncLogger struct {
	cfg    Config
	logger *slog.Logger
	global *lumberjack.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan Event
	done    chan struct{}
	dropped atomic.Int64
}

// New returns a Noop logger when logging is disabled and an AsyncLogger otherwise.
func New(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		return nil, errors.New("conversation log queue size must be > 0")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}

	l := &AsyncLogger{
		cfg:    cfg,
		logger: logger,
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0o750); err != nil {
			return nil, fmt.Errorf("create global conversation log dir: %w", err)
		}
		l.global = &lumberjack.Logger{
			Filename:   cfg.GlobalPath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
	}

	go l.run()
	return l, nil
}

// Log enqueues event, filling the timestamp and readable content when unset.
func (l *AsyncLogger) Log(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.Content == "" {
		event.Content = Clean(event.ContentRaw)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}

	for {
		select {
		case l.queue <- event:
			return
		default:
		}
		select {
		case <-l.queue:
			if n := l.dropped.Add(1); n == 1 || n%100 == 0 {
				l.logger.Warn("Conversation log queue full, dropping oldest events", "dropped_total", n)
			}
		default:
		}
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (l *AsyncLogger) Dropped() int64 {
	return l.dropped.Load()
}

// Close drains pending events and releases the global log file.
func (l *AsyncLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done
	if l.global != nil {
		if err := l.global.Close(); err != nil {
			return fmt.Errorf("close global conversation log: %w", err)
		}
	}
	return nil
}

func (l *AsyncLogger) run() {
	defer close(l.done)
	for event := range l.queue {
		if err := l.write(event); err != nil {
			l.logger.Warn("Failed to write conversation log", "error", err,
				"student_id", event.StudentID, "conversation_id", event.ConversationID)
		}
	}
}

func (l *AsyncLogger) write(event Event) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	dir := filepath.Join(l.cfg.Dir, pathSegment(event.StudentID))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create student log dir: %w", err)
	}
	path := filepath.Join(dir, pathSegment(event.ConversationID)+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open conversation log: %w", err)
	}
	_, writeErr := f.Write(line)
	closeErr := f.Close()
	if writeErr != nil {
		return fmt.Errorf("write conversation log: %w", writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close conversation log: %w", closeErr)
	}

	if l.global != nil {
		if _, err := l.global.Write(line); err != nil {
			return fmt.Errorf("write global conversation log: %w", err)
		}
	}
	return nil
}

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9_-]`)

func pathSegment(s string) string {
	s = unsafeSegment.ReplaceAllString(s, "_")
	if s == "" {
		return "unknown"
	}
	return s
}

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]`)

// Clean returns a readable rendition of raw: escape sequences and directives
// are removed and whitespace runs are collapsed.
func Clean(raw string) string {
	s := ansiPattern.ReplaceAllString(raw, "")
	s = marker.Strip(s)
	return strings.Join(strings.Fields(s), " ")
}
