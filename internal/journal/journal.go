// Package journal records the lifecycle events of a run.
//
// Events are appended to a file as newline-delimited JSON, one object per
// line, so several runs can share a journal and tools can tail it.
package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event describes what happened.
type Event string

const (
	EventRunStarted       Event = "run_started"
	EventPreflightPassed  Event = "preflight_passed"
	EventPreflightFailed  Event = "preflight_failed"
	EventStaleSwept       Event = "stale_swept"
	EventProcessStarted   Event = "process_started"
	EventLaunchFailed     Event = "launch_failed"
	EventReady            Event = "ready"
	EventNotReady         Event = "not_ready"
	EventWorkloadFinished Event = "workload_finished"
	EventInterrupted      Event = "interrupted"
	EventProcessStopped   Event = "process_stopped"
	EventRunFinished      Event = "run_finished"
)

// Entry is a single journal record.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	RunID     string    `json:"run_id"`
	Event     Event     `json:"event"`
	Stage     string    `json:"stage,omitempty"`
	PID       int       `json:"pid,omitempty"`
	Phase     string    `json:"phase,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Duration  string    `json:"duration,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Code returns a pointer to c, for Entry.ExitCode.
func Code(c int) *int {
	return &c
}

// Logger writes journal entries to an append-only file.
type Logger struct {
	mu    sync.Mutex
	file  *os.File
	path  string
	runID string
}

// Open creates or opens the journal at path for appending. Every entry
// logged through the returned Logger carries runID.
func Open(path, runID string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return &Logger{file: f, path: path, runID: runID}, nil
}

// Log writes an entry. Logging to a nil Logger is a no-op.
func (l *Logger) Log(entry Entry) error {
	if l == nil {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.RunID == "" {
		entry.RunID = l.runID
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling journal entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing journal entry: %w", err)
	}
	return nil
}

// Path returns the journal file location.
func (l *Logger) Path() string {
	return l.path
}

// Close closes the journal file.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	return l.file.Close()
}

// Read parses every entry in the journal at path, oldest first.
func Read(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}

	var entries []Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return entries, fmt.Errorf("parsing journal: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
