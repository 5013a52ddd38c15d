// Package registry tracks every process started during a run, in start
// order. The primary flow and the interruption handler share one Registry.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/benaskins/chainrun/internal/driver"
)

// ErrSealed is returned by Register once cleanup has taken the registry over.
var ErrSealed = errors.New("registry sealed: cleanup in progress")

// ManagedProcess is a process started by the run and owned by the registry
// until cleanup confirms it has terminated.
type ManagedProcess struct {
	Name       string
	Handle     driver.Driver
	PID        int
	Command    string
	StartedAt  time.Time
	StopSignal syscall.Signal
	StopGrace  time.Duration
	Foreground bool
}

// Registry is a mutex-guarded list of managed processes in start order.
type Registry struct {
	state  *StateFile
	logger *slog.Logger

	mu     sync.Mutex
	procs  []*ManagedProcess
	sealed bool
}

// New creates an empty registry. A non-nil state file mirrors every
// registration to disk so a later run can sweep leftovers after a crash.
func New(state *StateFile) *Registry {
	return &Registry{
		state:  state,
		logger: slog.With("component", "registry"),
	}
}

// Register appends p. It fails once the registry is sealed or if a process
// with the same name is already registered.
func (r *Registry) Register(p *ManagedProcess) error {
	r.mu.Lock()
	if r.sealed {
		r.mu.Unlock()
		return ErrSealed
	}
	for _, existing := range r.procs {
		if existing.Name == p.Name {
			r.mu.Unlock()
			return fmt.Errorf("process %q already registered", p.Name)
		}
	}
	r.procs = append(r.procs, p)
	r.mu.Unlock()

	r.logger.Debug("registered", "name", p.Name, "pid", p.PID)
	r.persist(p)
	return nil
}

// All returns a snapshot of the registered processes in start order.
func (r *Registry) All() []*ManagedProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.procs)
}

// Get returns the process registered under name.
func (r *Registry) Get(name string) (*ManagedProcess, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.procs {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// Remove drops the named process. It reports whether anything was removed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	idx := slices.IndexFunc(r.procs, func(p *ManagedProcess) bool { return p.Name == name })
	if idx >= 0 {
		r.procs = slices.Delete(r.procs, idx, idx+1)
	}
	r.mu.Unlock()

	if idx < 0 {
		return false
	}
	if r.state != nil {
		if err := r.state.delete(name); err != nil {
			r.logger.Warn("failed to update state file", "name", name, "error", err)
		}
	}
	return true
}

// Seal refuses further registrations and returns the processes registered
// so far in start order.
func (r *Registry) Seal() []*ManagedProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	return slices.Clone(r.procs)
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sealed
}

// Len returns the number of registered processes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

func (r *Registry) persist(p *ManagedProcess) {
	if r.state == nil || p.PID <= 0 {
		return
	}
	rec := Record{
		PID:       p.PID,
		Command:   p.Command,
		StartedAt: p.StartedAt.Unix(),
	}
	if st, err := driver.ProcessStartTime(p.PID); err == nil {
		rec.StartTime = st
	}
	if name, err := driver.ProcessName(p.PID); err == nil {
		rec.Command = name
	}
	if err := r.state.set(p.Name, rec); err != nil {
		r.logger.Warn("failed to update state file", "name", p.Name, "error", err)
	}
}
