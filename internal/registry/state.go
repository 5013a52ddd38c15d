package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/benaskins/chainrun/internal/driver"
)

const (
	statePrefix = "run-"
	stateSuffix = ".json"
)

// StateFile persists the PIDs of one run's processes for crash recovery.
// Every run writes its own file in the state directory.
type StateFile struct {
	dir   string
	path  string
	owner Owner
	mu    sync.Mutex
}

// Owner identifies the chainrun process that wrote a state file.
type Owner struct {
	RunID     string `json:"run_id"`
	PID       int    `json:"pid"`
	StartTime int64  `json:"start_time,omitempty"`
}

// Alive reports whether the owning process is still running. A recycled PID
// does not count.
func (o Owner) Alive() bool {
	return driver.Alive(o.PID) && driver.VerifyProcess(o.PID, "", o.StartTime)
}

// Record is the persisted state of one started process.
type Record struct {
	PID       int    `json:"pid"`
	Command   string `json:"command,omitempty"`    // comm name read back from the live process
	StartedAt int64  `json:"started_at,omitempty"` // Unix timestamp
	StartTime int64  `json:"start_time,omitempty"` // OS-reported process start time
}

type stateDoc struct {
	Owner     Owner             `json:"owner"`
	Processes map[string]Record `json:"processes"`
}

// NewStateFile returns the state file of run runID inside dir, owned by the
// current process. An empty runID gets a random one.
func NewStateFile(dir, runID string) *StateFile {
	if runID == "" {
		runID = uuid.NewString()
	}
	owner := Owner{RunID: runID, PID: os.Getpid()}
	if st, err := driver.ProcessStartTime(owner.PID); err == nil {
		owner.StartTime = st
	}
	return newStateFile(dir, owner)
}

func newStateFile(dir string, owner Owner) *StateFile {
	return &StateFile{
		dir:   dir,
		path:  filepath.Join(dir, statePrefix+owner.RunID+stateSuffix),
		owner: owner,
	}
}

// Path returns the file location.
func (sf *StateFile) Path() string {
	return sf.path
}

// Load returns this run's recorded processes, or nil if there is no state file.
func (sf *StateFile) Load() (map[string]Record, error) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	doc, err := readStateDoc(sf.path)
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}
	if doc == nil {
		return nil, nil
	}
	return doc.Processes, nil
}

func (sf *StateFile) set(name string, rec Record) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	records, err := sf.loadUnsafe()
	if err != nil || records == nil {
		records = make(map[string]Record)
	}
	records[name] = rec
	return sf.saveUnsafe(records)
}

func (sf *StateFile) delete(name string) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	records, err := sf.loadUnsafe()
	if err != nil {
		return err
	}
	if _, ok := records[name]; !ok {
		return nil
	}
	delete(records, name)
	if len(records) == 0 {
		return sf.removeUnsafe()
	}
	return sf.saveUnsafe(records)
}

// Clear removes the state file.
func (sf *StateFile) Clear() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.removeUnsafe()
}

// loadUnsafe reads without locking; caller must hold sf.mu.
func (sf *StateFile) loadUnsafe() (map[string]Record, error) {
	doc, err := readStateDoc(sf.path)
	if err != nil || doc == nil {
		return nil, err
	}
	return doc.Processes, nil
}

func (sf *StateFile) saveUnsafe(records map[string]Record) error {
	if err := os.MkdirAll(sf.dir, 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(stateDoc{Owner: sf.owner, Processes: records}, "", "  ")
	if err != nil {
		return err
	}
	tmpPath := sf.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, sf.path)
}

func (sf *StateFile) removeUnsafe() error {
	if err := os.Remove(sf.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func readStateDoc(path string) (*stateDoc, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var doc stateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing state file: %w", err)
	}
	return &doc, nil
}

// Swept describes one leftover found by SweepStale.
type Swept struct {
	RunID      string
	Name       string
	PID        int
	Terminated bool   // false when the PID was gone or belonged to another program
	Error      string // termination failure, if any
}

// SweepStale terminates processes recorded by earlier runs that never
// cleaned up. State files whose owner is still running belong to a
// concurrent run and are left alone. A record is only acted on when the
// live process still matches its start time (or command name when no start
// time was recorded). Swept state files are removed.
func (sf *StateFile) SweepStale(ctx context.Context, sig syscall.Signal, grace time.Duration) ([]Swept, error) {
	paths, err := filepath.Glob(filepath.Join(sf.dir, statePrefix+"*"+stateSuffix))
	if err != nil {
		return nil, err
	}

	logger := slog.With("component", "registry")
	var swept []Swept
	var errs []error
	for _, path := range paths {
		if path == sf.path {
			continue
		}

		doc, err := readStateDoc(path)
		if err != nil {
			logger.Warn("discarding unreadable state file", "path", path, "error", err)
			errs = append(errs, os.Remove(path))
			continue
		}
		if doc == nil {
			continue
		}
		if doc.Owner.Alive() {
			logger.Debug("state file belongs to a live run", "path", path, "run_id", doc.Owner.RunID, "owner_pid", doc.Owner.PID)
			continue
		}

		for _, name := range slices.Sorted(maps.Keys(doc.Processes)) {
			swept = append(swept, sweepOne(ctx, logger, doc.Owner.RunID, name, doc.Processes[name], sig, grace))
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing %s: %w", filepath.Base(path), err))
		}
	}
	return swept, errors.Join(errs...)
}

func sweepOne(ctx context.Context, logger *slog.Logger, runID, name string, rec Record, sig syscall.Signal, grace time.Duration) Swept {
	s := Swept{RunID: runID, Name: name, PID: rec.PID}

	if !driver.Alive(rec.PID) || !driver.VerifyProcess(rec.PID, rec.Command, rec.StartTime) {
		logger.Info("stale record does not match a live process", "name", name, "pid", rec.PID)
		return s
	}

	logger.Warn("terminating process left by a previous run", "name", name, "pid", rec.PID, "command", rec.Command, "run_id", runID)
	if err := driver.TerminateOrphan(ctx, rec.PID, sig, grace); err != nil && !errors.Is(err, driver.ErrNotAlive) {
		s.Error = err.Error()
	} else {
		s.Terminated = true
	}
	return s
}
