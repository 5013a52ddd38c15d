package driver

import (
	"context"
	"syscall"
	"time"

	"github.com/benaskins/chainrun/internal/logbuf"
)

// State represents the lifecycle state of a launched process.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateExited   State = "exited"
	StateFailed   State = "failed"
)

// ProcessInfo holds runtime information about a launched process.
type ProcessInfo struct {
	PID       int
	State     State
	StartedAt time.Time
	ExitCode  int
	Error     string
}

// Alive reports whether the process may still be running.
func (i ProcessInfo) Alive() bool {
	return i.State == StateRunning || i.State == StateStarting || i.State == StateStopping
}

// Driver is the interface for process lifecycle management.
// Native and container drivers both implement this.
type Driver interface {
	// Start launches the process and returns immediately.
	// The process is not bound to ctx: it keeps running until Stop is called
	// or it exits on its own.
	Start(ctx context.Context) error

	// Stop sends sig, waits up to grace, then force-kills if still running.
	Stop(ctx context.Context, sig syscall.Signal, grace time.Duration) error

	// Info returns current process state and metadata.
	Info() ProcessInfo

	// Wait blocks until the process exits and returns the exit code.
	Wait() (int, error)

	// Done is closed once the process has exited. Nil before Start.
	Done() <-chan struct{}

	// Output returns the buffer holding captured stdout/stderr lines.
	Output() *logbuf.Ring
}
