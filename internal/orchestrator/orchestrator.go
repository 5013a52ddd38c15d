// Package orchestrator runs a plan: validate the environment, start each
// dependency and wait for it to become ready, run the workload, report, and
// tear everything down exactly once on every exit path.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/benaskins/chainrun/internal/cleanup"
	"github.com/benaskins/chainrun/internal/console"
	"github.com/benaskins/chainrun/internal/journal"
	"github.com/benaskins/chainrun/internal/preflight"
	"github.com/benaskins/chainrun/internal/readiness"
	"github.com/benaskins/chainrun/internal/registry"
	"github.com/benaskins/chainrun/internal/resolver"
	"github.com/benaskins/chainrun/internal/runner"
	"github.com/benaskins/chainrun/internal/spec"
)

const workloadName = "workload"

// Phase is the orchestrator's position in a run.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseValidating      Phase = "validating-environment"
	PhaseStarting        Phase = "starting-dependency"
	PhaseAwaitingReady   Phase = "awaiting-ready"
	PhaseRunningWorkload Phase = "running-workload"
	PhaseReporting       Phase = "reporting"
	PhaseCleaningUp      Phase = "cleaning-up"
	PhaseTerminal        Phase = "terminal"
)

// Config wires an Orchestrator.
type Config struct {
	Plan *spec.Plan
	// Dir is the working directory when the plan does not set one.
	Dir string
	// Resolver overrides the resolver named by the plan.
	Resolver resolver.Resolver
	// ReadinessDelay, when positive, replaces every stage's readiness check
	// with a fixed delay.
	ReadinessDelay time.Duration
	// StopGrace applies to stages without their own stop_grace.
	StopGrace time.Duration
	Console   *console.Console
	Journal   *journal.Logger
	// State, if set, records started processes and is swept for leftovers
	// of an earlier run before preflight.
	State *registry.StateFile
	// Preflight overrides the default checker for Dir.
	Preflight *preflight.Checker
	RunID     string
}

// Outcome is the result of a run.
type Outcome struct {
	RunID    string
	Phase    Phase // where the run ended before cleanup
	Stage    string
	Err      error
	ExitCode int
	Result   *runner.RunResult
	Cleanup  cleanup.Report
}

// Orchestrator sequences one run. Run may be called once.
type Orchestrator struct {
	cfg      Config
	plan     *spec.Plan
	dir      string
	vars     map[string]string
	resolver resolver.Resolver
	reg      *registry.Registry
	runner   *runner.Runner
	cleanup  *cleanup.Coordinator
	console  *console.Console
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	// abandon cancels environment validation, launches and readiness waits
	// but leaves a running workload alone.
	abandon     context.CancelFunc
	phase       Phase
	stage       string
	startedAt   time.Time
	interrupted os.Signal
	// where the run stood when the signal arrived
	cutPhase Phase
	cutStage string
	outcome  *Outcome
}

// New creates an orchestrator for cfg.Plan.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Plan == nil {
		return nil, fmt.Errorf("no plan")
	}
	if err := cfg.Plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if cfg.Console == nil {
		cfg.Console = console.Plain(io.Discard)
	}

	dir := cfg.Plan.WorkingDir
	if dir == "" {
		dir = cfg.Dir
	}
	res := cfg.Resolver
	if res == nil {
		res = resolverFor(cfg.Plan, dir)
	}
	if cfg.Preflight == nil {
		cfg.Preflight = preflight.NewChecker(dir)
	}

	o := &Orchestrator{
		cfg:      cfg,
		plan:     cfg.Plan,
		dir:      dir,
		vars:     cfg.Plan.Vars(),
		resolver: res,
		reg:      registry.New(cfg.State),
		console:  cfg.Console,
		logger:   slog.With("component", "orchestrator", "run_id", cfg.RunID),
		phase:    PhaseIdle,
	}
	o.runner = runner.New(o.reg, cfg.Console.Sink())
	o.cleanup = cleanup.New(o.reg, cleanup.Options{
		Grace:    cfg.StopGrace,
		OnAction: o.reportAction,
	})
	return o, nil
}

// RunID identifies this run in logs and the journal.
func (o *Orchestrator) RunID() string { return o.cfg.RunID }

// Registry exposes the run's process registry.
func (o *Orchestrator) Registry() *registry.Registry { return o.reg }

// Cleanup exposes the run's cleanup coordinator.
func (o *Orchestrator) Cleanup() *cleanup.Coordinator { return o.cleanup }

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// setPhase moves to phase unless cleanup has already begun; from then on
// only the move to terminal is allowed.
func (o *Orchestrator) setPhase(phase Phase, stage string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if (o.phase == PhaseCleaningUp && phase != PhaseTerminal) || o.phase == PhaseTerminal {
		return
	}
	o.phase = phase
	o.stage = stage
	o.logger.Debug("phase", "phase", phase, "stage", stage)
}

// Interrupt handles an external termination signal: it records the signal,
// abandons any launch or readiness wait in progress, tears down everything
// started so far from the calling goroutine and then cancels the run. Safe
// to call concurrently with Run and more than once.
func (o *Orchestrator) Interrupt(sig os.Signal) cleanup.Report {
	o.mu.Lock()
	first := o.interrupted == nil
	if first {
		o.interrupted = sig
		o.cutPhase, o.cutStage = o.phase, o.stage
	}
	cancel, abandon := o.cancel, o.abandon
	o.mu.Unlock()

	if first {
		o.logger.Warn("received signal", "signal", sig)
		o.console.Blank()
		o.console.Warn("Received %s, cleaning up", sig)
		o.record(journal.Entry{Event: journal.EventInterrupted, Error: sig.String()})
	}
	if abandon != nil {
		abandon()
	}
	o.setPhase(PhaseCleaningUp, "")
	// Seal and stop before cancelling the workload, so the primary flow
	// cannot drop it from the registry on its way out.
	report := o.cleanup.Cleanup(context.Background())
	if cancel != nil {
		cancel()
	}
	return report
}

func (o *Orchestrator) isInterrupted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.interrupted != nil
}

// Run executes the plan and returns its outcome. Cleanup always runs before
// Run returns, and the phase ends at terminal.
func (o *Orchestrator) Run(ctx context.Context) Outcome {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	setup, abandon := context.WithCancel(ctx)
	defer abandon()

	o.mu.Lock()
	o.cancel, o.abandon = cancel, abandon
	o.startedAt = time.Now()
	interrupted := o.interrupted != nil
	o.mu.Unlock()
	if interrupted {
		abandon()
		cancel()
	}

	name := o.plan.Name
	if name == "" {
		name = "chainrun"
	}
	o.console.Banner(fmt.Sprintf("%s (run %s)", name, o.cfg.RunID))
	o.logger.Info("run started", "plan", name, "dependencies", len(o.plan.Dependencies))
	o.record(journal.Entry{Event: journal.EventRunStarted})

	result, err := o.execute(ctx, setup)

	o.mu.Lock()
	endPhase, endStage := o.phase, o.stage
	if o.interrupted != nil {
		endPhase, endStage = o.cutPhase, o.cutStage
		err = &InterruptedError{Signal: o.interrupted}
	}
	o.mu.Unlock()

	o.setPhase(PhaseCleaningUp, "")
	o.console.Blank()
	o.console.Progress("Cleaning up processes")
	report := o.cleanup.Cleanup(context.WithoutCancel(ctx))
	if report.Repeat {
		report = o.cleanup.Report()
	}
	o.console.Success("Cleanup completed")

	outcome := Outcome{
		RunID:    o.cfg.RunID,
		Phase:    endPhase,
		Stage:    endStage,
		Err:      err,
		ExitCode: ExitCode(err),
		Result:   result,
		Cleanup:  report,
	}
	o.finish(outcome)
	return outcome
}

func (o *Orchestrator) finish(outcome Outcome) {
	o.setPhase(PhaseTerminal, "")
	o.mu.Lock()
	o.outcome = &outcome
	o.mu.Unlock()

	entry := journal.Entry{
		Event:    journal.EventRunFinished,
		Phase:    string(outcome.Phase),
		ExitCode: journal.Code(outcome.ExitCode),
		Duration: time.Since(o.startedAt).Round(time.Millisecond).String(),
	}
	if outcome.Err != nil {
		entry.Error = outcome.Err.Error()
	}
	o.record(entry)

	o.console.Blank()
	if outcome.Err == nil {
		o.console.Success("Run completed successfully")
	} else {
		o.console.Failure("Run failed (exit %d): %v", outcome.ExitCode, outcome.Err)
	}
	o.logger.Info("run finished", "exit_code", outcome.ExitCode, "phase", outcome.Phase)
}

// execute walks the phases up to reporting. Any error returns straight
// to Run, which performs cleanup. Everything before the workload runs under
// setup, which an interrupt cancels ahead of teardown.
func (o *Orchestrator) execute(ctx, setup context.Context) (*runner.RunResult, error) {
	if err := o.validate(setup); err != nil {
		return nil, err
	}

	stages, err := o.plan.StartOrder()
	if err != nil {
		return nil, err
	}
	for i, s := range stages {
		if err := o.abandoned(setup); err != nil {
			return nil, err
		}
		if err := o.bringUp(setup, i+1, s); err != nil {
			return nil, err
		}
	}

	if err := o.abandoned(setup); err != nil {
		return nil, err
	}
	return o.runWorkload(ctx)
}

// abandoned returns a non-nil error once the run has been interrupted or
// ctx has ended.
func (o *Orchestrator) abandoned(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.isInterrupted() {
		return context.Canceled
	}
	return nil
}

func (o *Orchestrator) validate(ctx context.Context) error {
	o.setPhase(PhaseValidating, "")

	if o.cfg.State != nil {
		grace := o.cfg.StopGrace
		if grace <= 0 {
			grace = cleanup.DefaultGrace
		}
		swept, err := o.cfg.State.SweepStale(ctx, syscall.SIGTERM, grace)
		if err != nil {
			o.logger.Warn("sweeping stale processes", "error", err)
		}
		for _, s := range swept {
			if s.Terminated {
				o.console.Warn("Terminated %s (pid %d) left by crashed run %s", s.Name, s.PID, s.RunID)
			}
			o.record(journal.Entry{Event: journal.EventStaleSwept, Stage: s.Name, PID: s.PID, Error: s.Error})
		}
	}

	o.console.Progress("Validating environment")
	if err := o.cfg.Preflight.Check(ctx, o.plan.Preflight, o.vars); err != nil {
		var envErr *preflight.EnvironmentError
		if errors.As(err, &envErr) {
			for _, f := range envErr.Failures {
				o.console.Failure("%s", f.Message)
				if f.Hint != "" {
					o.console.Hint("%s", f.Hint)
				}
			}
		}
		o.record(journal.Entry{Event: journal.EventPreflightFailed, Error: err.Error()})
		return err
	}
	o.console.Success("Environment ready")
	o.record(journal.Entry{Event: journal.EventPreflightPassed})
	return nil
}

func (o *Orchestrator) bringUp(ctx context.Context, index int, s *spec.Stage) error {
	o.setPhase(PhaseStarting, s.Name)
	o.console.Progress("Starting %s (dependency %d)", s.Name, index)

	p, err := o.startStage(ctx, s)
	if err != nil {
		if o.abandoned(ctx) != nil {
			return err
		}
		o.console.Failure("Failed to start %s: %v", s.Name, err)
		o.record(journal.Entry{Event: journal.EventLaunchFailed, Stage: s.Name, Error: err.Error()})
		return err
	}
	o.record(journal.Entry{Event: journal.EventProcessStarted, Stage: s.Name, PID: p.PID})

	policy, err := o.policyFor(s)
	if err != nil {
		return err
	}

	o.setPhase(PhaseAwaitingReady, s.Name)
	o.console.Progress("Waiting for %s to be ready (%s)", s.Name, policy)
	start := time.Now()
	err = readiness.Await(ctx, target(p), policy)
	if cut := o.abandoned(ctx); cut != nil {
		// the wait is abandoned, whatever it concluded
		return cut
	}
	if err != nil {
		o.console.Failure("%v", err)
		o.record(journal.Entry{Event: journal.EventNotReady, Stage: s.Name, PID: p.PID, Error: err.Error()})
		return err
	}

	took := time.Since(start).Round(time.Millisecond)
	o.console.Success("%s is ready", s.Name)
	o.record(journal.Entry{Event: journal.EventReady, Stage: s.Name, PID: p.PID, Duration: took.String()})
	return nil
}

func (o *Orchestrator) runWorkload(ctx context.Context) (*runner.RunResult, error) {
	o.setPhase(PhaseRunningWorkload, workloadName)

	cmd, err := o.workloadCommand()
	if err != nil {
		o.console.Failure("%v", err)
		return nil, err
	}

	o.console.Progress("Running %s", cmd)
	o.console.Rule()
	result, err := o.runner.RunForeground(ctx, workloadName, cmd)
	o.console.Rule()

	var launch *runner.LaunchError
	if errors.As(err, &launch) {
		o.console.Failure("Failed to run workload: %v", err)
		return nil, err
	}

	o.setPhase(PhaseReporting, workloadName)
	if result != nil {
		o.record(journal.Entry{
			Event:    journal.EventWorkloadFinished,
			Stage:    workloadName,
			ExitCode: journal.Code(result.ExitCode),
			Duration: result.Duration.Round(time.Millisecond).String(),
		})
	}
	switch {
	case err == nil:
		o.console.Success("Workload completed successfully in %s", result.Duration.Round(time.Millisecond))
	case ctx.Err() != nil, o.isInterrupted():
		// reported by Run
	default:
		o.console.Failure("Workload failed: %v", err)
	}
	return result, err
}

func (o *Orchestrator) reportAction(a cleanup.Action) {
	switch a.Outcome {
	case cleanup.OutcomeStopped:
		o.console.Hint("stopped %s (pid %d)", a.Name, a.PID)
	case cleanup.OutcomeAlreadyExited:
		o.console.Hint("%s (pid %d) had already exited", a.Name, a.PID)
	default:
		o.console.Warn("Could not stop %s (pid %d): %s", a.Name, a.PID, a.Error)
	}
	o.record(journal.Entry{
		Event:    journal.EventProcessStopped,
		Stage:    a.Name,
		PID:      a.PID,
		Outcome:  string(a.Outcome),
		Duration: a.Duration.Round(time.Millisecond).String(),
		Error:    a.Error,
	})
}

func (o *Orchestrator) record(e journal.Entry) {
	if err := o.cfg.Journal.Log(e); err != nil {
		o.logger.Warn("journal write failed", "error", err)
	}
}
