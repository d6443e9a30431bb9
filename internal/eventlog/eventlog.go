// Package eventlog appends an execution's stream events to an NDJSON file
// for diagnostics and transcript recovery.
package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"log/slog"

	"github.com/tevanoff/courier/internal/ndjson"
	"github.com/tevanoff/courier/internal/stream"
)

// Entry is one logged stream event with its observation time.
type Entry struct {
	At    time.Time    `json:"at"`
	Event stream.Event `json:"event"`
}

// EventLog writes stream events to an append-only NDJSON file
type EventLog struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
}

// New creates an event log at logPath, creating parent directories as
// needed. The file is opened for appending so successive executions of
// the same conversation share one log.
func New(logPath string, logger *slog.Logger) (*EventLog, error) {
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &EventLog{
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
	}, nil
}

// WriteEvent appends one stream event to the log
func (l *EventLog) WriteEvent(evt stream.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.encoder.Encode(Entry{At: time.Now().UTC(), Event: evt})
}

// Close closes the event log file
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
