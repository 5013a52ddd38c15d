// Package cleanup stops every registered process exactly once per run.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benaskins/chainrun/internal/driver"
	"github.com/benaskins/chainrun/internal/registry"
)

// DefaultGrace is how long a process gets to exit after its stop signal
// before it is killed.
const DefaultGrace = 3 * time.Second

// Outcome is what happened to one process during teardown.
type Outcome string

const (
	OutcomeStopped       Outcome = "stopped"
	OutcomeAlreadyExited Outcome = "already-exited"
	OutcomeFailed        Outcome = "failed-to-stop"
)

// Action records the teardown of one process.
type Action struct {
	Name     string
	PID      int
	Outcome  Outcome
	Error    string
	Duration time.Duration
}

// Report is the result of a Cleanup call. Repeat is set on every call after
// the first; such reports carry no actions.
type Report struct {
	Actions []Action
	Repeat  bool
}

// Failed returns the actions that did not end with the process gone.
func (r Report) Failed() []Action {
	var failed []Action
	for _, a := range r.Actions {
		if a.Outcome == OutcomeFailed {
			failed = append(failed, a)
		}
	}
	return failed
}

// Options configures a Coordinator.
type Options struct {
	// Grace applies to processes registered without their own StopGrace.
	Grace time.Duration
	// OnAction, if set, is called after each process is handled.
	OnAction func(Action)
}

// Coordinator tears down a registry. Cleanup may be called from several
// goroutines (normal completion and the signal handler); the teardown body
// runs once.
type Coordinator struct {
	reg    *registry.Registry
	opts   Options
	logger *slog.Logger

	started    atomic.Bool
	executions atomic.Int32
	finished   chan struct{}
	report     Report
}

// New creates a coordinator for reg.
func New(reg *registry.Registry, opts Options) *Coordinator {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	return &Coordinator{
		reg:      reg,
		opts:     opts,
		logger:   slog.With("component", "cleanup"),
		finished: make(chan struct{}),
	}
}

// Cleanup seals the registry and stops its processes in reverse start order.
// It never returns an error: failures are reported per action. A caller that
// loses the race to a concurrent Cleanup waits until the teardown finishes
// (or ctx ends) and gets a Repeat report.
func (c *Coordinator) Cleanup(ctx context.Context) Report {
	if !c.started.CompareAndSwap(false, true) {
		select {
		case <-c.finished:
		case <-ctx.Done():
		}
		return Report{Repeat: true}
	}
	defer close(c.finished)
	c.executions.Add(1)

	procs := c.reg.Seal()
	c.logger.Info("cleaning up", "processes", len(procs))

	actions := make([]Action, 0, len(procs))
	for i := len(procs) - 1; i >= 0; i-- {
		a := c.stop(ctx, procs[i])
		actions = append(actions, a)

		if a.Outcome == OutcomeFailed {
			c.logger.Warn("failed to stop process", "name", a.Name, "pid", a.PID, "error", a.Error)
		} else {
			c.reg.Remove(a.Name)
			c.logger.Info("process down", "name", a.Name, "pid", a.PID, "outcome", a.Outcome, "took", a.Duration)
		}
		if c.opts.OnAction != nil {
			c.opts.OnAction(a)
		}
	}

	c.report = Report{Actions: actions}
	return c.report
}

// Done is closed once the teardown body has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.finished
}

// Report returns the report of the teardown body once Done is closed, and a
// zero Report before that.
func (c *Coordinator) Report() Report {
	select {
	case <-c.finished:
		return c.report
	default:
		return Report{}
	}
}

// Executions is the number of times the teardown body has run: 0 or 1.
func (c *Coordinator) Executions() int {
	return int(c.executions.Load())
}

func (c *Coordinator) stop(ctx context.Context, p *registry.ManagedProcess) (a Action) {
	a = Action{Name: p.Name, PID: p.PID}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			a.Outcome = OutcomeFailed
			a.Error = fmt.Sprintf("panic: %v", r)
		}
		a.Duration = time.Since(start)
	}()

	if p.Handle == nil || !p.Handle.Info().Alive() {
		a.Outcome = OutcomeAlreadyExited
		return a
	}

	grace := p.StopGrace
	if grace <= 0 {
		grace = c.opts.Grace
	}
	// A cancelled ctx still ends in SIGKILL; only a survivor is a failure
	if err := p.Handle.Stop(ctx, p.StopSignal, grace); err != nil && p.Handle.Info().Alive() {
		a.Outcome = OutcomeFailed
		a.Error = err.Error()
		return a
	}

	if p.Handle.Info().State == driver.StateExited {
		a.Outcome = OutcomeAlreadyExited
	} else {
		a.Outcome = OutcomeStopped
	}
	return a
}
