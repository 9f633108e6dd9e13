package chat

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// TranscriptEvent is one NDJSON line of the research transcript log.
type TranscriptEvent struct {
	Timestamp string `json:"ts"`
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"` // user_turn, bot_turn, greeting, step_submit, termination
	Step      string `json:"step,omitempty"`
	Text      string `json:"text,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// TranscriptConfig controls transcript logging.
type TranscriptConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// TranscriptLogger records study events for later analysis.
type TranscriptLogger interface {
	Log(ev TranscriptEvent)
	Close() error
}

// NopTranscript discards all events.
type NopTranscript struct{}

func (NopTranscript) Log(TranscriptEvent) {}
func (NopTranscript) Close() error        { return nil }

// fileTranscript writes events from an async queue to per-session NDJSON
// files, and optionally to one global file. Log never blocks the request
// path: if the queue is full the event is dropped with a warning.
type fileTranscript struct {
	cfg    TranscriptConfig
	queue  chan TranscriptEvent
	done   chan struct{}
	logger *slog.Logger
}

// NewTranscriptLogger creates a transcript logger. Returns a no-op logger
// when disabled.
func NewTranscriptLogger(cfg TranscriptConfig, logger *slog.Logger) (TranscriptLogger, error) {
	if !cfg.Enabled {
		return NopTranscript{}, nil
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0755); err != nil {
			return nil, fmt.Errorf("create global transcript directory: %w", err)
		}
	}

	t := &fileTranscript{
		cfg:    cfg,
		queue:  make(chan TranscriptEvent, cfg.QueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go t.run()
	return t, nil
}

// Log enqueues an event without blocking.
func (t *fileTranscript) Log(ev TranscriptEvent) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	select {
	case t.queue <- ev:
	default:
		t.logger.Warn("transcript queue full, dropping event",
			"session_id", ev.SessionID, "kind", ev.Kind)
	}
}

// Close drains the queue and stops the writer goroutine.
func (t *fileTranscript) Close() error {
	close(t.queue)
	<-t.done
	return nil
}

func (t *fileTranscript) run() {
	defer close(t.done)
	for ev := range t.queue {
		line, err := json.Marshal(ev)
		if err != nil {
			t.logger.Warn("failed to marshal transcript event", "error", err)
			continue
		}
		line = append(line, '\n')

		path := filepath.Join(t.cfg.Dir, ev.SessionID+".ndjson")
		if err := appendLine(path, line); err != nil {
			t.logger.Warn("failed to write transcript line", "path", path, "error", err)
		}
		if t.cfg.GlobalEnabled {
			if err := appendLine(t.cfg.GlobalPath, line); err != nil {
				t.logger.Warn("failed to write global transcript line", "path", t.cfg.GlobalPath, "error", err)
			}
		}
	}
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open transcript file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append transcript line: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close transcript file: %w", err)
	}
	return nil
}
