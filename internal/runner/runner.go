// Package runner launches the processes of a run: long-running dependencies
// in the background and the workload in the foreground.
package runner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/benaskins/chainrun/internal/driver"
	"github.com/benaskins/chainrun/internal/logbuf"
	"github.com/benaskins/chainrun/internal/registry"
	"github.com/benaskins/chainrun/internal/resolver"
)

const (
	defaultGrace         = 3 * time.Second
	foregroundBufferSize = 10000
)

// LaunchError means a process could not be started at all.
type LaunchError struct {
	Name    string
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching %s (%s): %v", e.Name, e.Command, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// WorkloadError means the foreground workload exited non-zero.
type WorkloadError struct {
	Name     string
	ExitCode int
}

func (e *WorkloadError) Error() string {
	return fmt.Sprintf("%s exited with code %d", e.Name, e.ExitCode)
}

// RunResult is the outcome of a foreground run.
type RunResult struct {
	ExitCode int
	Output   []string
	Success  bool
	Duration time.Duration
}

// Options tunes how a background process is stopped.
type Options struct {
	StopSignal syscall.Signal
	StopGrace  time.Duration
}

// Runner starts processes and registers them. Output from background
// processes is relayed to the sink as "[name] line"; foreground output is
// relayed unprefixed.
type Runner struct {
	reg    *registry.Registry
	sink   *logbuf.Sink
	logger *slog.Logger
}

// New creates a runner that registers into reg and relays output to sink.
// A nil sink discards relayed output.
func New(reg *registry.Registry, sink *logbuf.Sink) *Runner {
	return &Runner{
		reg:    reg,
		sink:   sink,
		logger: slog.With("component", "runner"),
	}
}

func (r *Runner) relay(name string) io.Writer {
	if r.sink == nil {
		return nil
	}
	return r.sink.Relay(name)
}

// Validate checks that cmd can be launched: its executable resolves and
// every required file exists relative to its working directory.
func Validate(cmd resolver.Command) error {
	for _, f := range cmd.Requires {
		path := f
		if !filepath.IsAbs(path) && cmd.Dir != "" {
			path = filepath.Join(cmd.Dir, path)
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("required file %s not found", f)
		}
	}

	path := cmd.Path
	if strings.Contains(path, "/") && !filepath.IsAbs(path) && cmd.Dir != "" {
		path = filepath.Join(cmd.Dir, path)
	}
	if _, err := exec.LookPath(path); err != nil {
		return fmt.Errorf("executable %q not found: %w", cmd.Path, err)
	}
	return nil
}

func environ(extra []string) []string {
	if len(extra) == 0 {
		return nil
	}
	return append(os.Environ(), extra...)
}

// Start launches cmd in the background and registers it under name. The
// process runs until cleanup stops it or it exits by itself; ctx only bounds
// the launch. Nothing is spawned once the registry is sealed.
func (r *Runner) Start(ctx context.Context, name string, cmd resolver.Command, opts Options) (*registry.ManagedProcess, error) {
	if r.reg.Sealed() {
		return nil, &LaunchError{Name: name, Command: cmd.String(), Err: registry.ErrSealed}
	}
	if err := Validate(cmd); err != nil {
		return nil, &LaunchError{Name: name, Command: cmd.String(), Err: err}
	}

	d := driver.NewNative(driver.NativeConfig{
		Path:       cmd.Path,
		Args:       cmd.Args,
		Env:        environ(cmd.Env),
		WorkingDir: cmd.Dir,
		Relay:      r.relay(name),
	})
	return r.launch(ctx, name, cmd.Path, cmd.String(), d, opts)
}

// StartContainer launches a container stage and registers it under name.
func (r *Runner) StartContainer(ctx context.Context, name string, cfg driver.ContainerConfig, opts Options) (*registry.ManagedProcess, error) {
	cfg.Name = name
	cfg.Relay = r.relay(name)
	desc := cfg.Image
	if len(cfg.Cmd) > 0 {
		desc += " " + strings.Join(cfg.Cmd, " ")
	}
	if r.reg.Sealed() {
		return nil, &LaunchError{Name: name, Command: desc, Err: registry.ErrSealed}
	}

	d, err := driver.NewContainer(cfg)
	if err != nil {
		return nil, &LaunchError{Name: name, Command: desc, Err: err}
	}
	return r.launch(ctx, name, "", desc, d, opts)
}

func (r *Runner) launch(ctx context.Context, name, executable, desc string, d driver.Driver, opts Options) (*registry.ManagedProcess, error) {
	if err := d.Start(ctx); err != nil {
		return nil, &LaunchError{Name: name, Command: desc, Err: err}
	}

	info := d.Info()
	p := &registry.ManagedProcess{
		Name:       name,
		Handle:     d,
		PID:        info.PID,
		Command:    executable,
		StartedAt:  info.StartedAt,
		StopSignal: opts.StopSignal,
		StopGrace:  opts.StopGrace,
	}
	if err := r.reg.Register(p); err != nil {
		// Cleanup has already run; nobody else will stop this one
		r.logger.Warn("registry refused process, stopping it", "name", name, "pid", info.PID, "error", err)
		d.Stop(context.Background(), opts.StopSignal, stopGrace(opts.StopGrace))
		return nil, &LaunchError{Name: name, Command: desc, Err: err}
	}

	r.logger.Info("process started", "name", name, "pid", info.PID, "command", desc)
	return p, nil
}

// RunForeground runs cmd to completion and returns its result. Output is
// relayed unprefixed and captured. A non-zero exit returns the result
// together with *WorkloadError. Cancelling ctx stops the process group
// (SIGTERM, then SIGKILL after the grace period) and returns ctx.Err().
//
// The process is registered while it runs, so an interrupt-driven cleanup
// stops it as well.
func (r *Runner) RunForeground(ctx context.Context, name string, cmd resolver.Command) (*RunResult, error) {
	if r.reg.Sealed() {
		return nil, &LaunchError{Name: name, Command: cmd.String(), Err: registry.ErrSealed}
	}
	if err := Validate(cmd); err != nil {
		return nil, &LaunchError{Name: name, Command: cmd.String(), Err: err}
	}

	d := driver.NewNative(driver.NativeConfig{
		Path:       cmd.Path,
		Args:       cmd.Args,
		Env:        environ(cmd.Env),
		WorkingDir: cmd.Dir,
		BufSize:    foregroundBufferSize,
		Relay:      r.relay(""),
	})

	start := time.Now()
	if err := d.Start(ctx); err != nil {
		return nil, &LaunchError{Name: name, Command: cmd.String(), Err: err}
	}

	info := d.Info()
	p := &registry.ManagedProcess{
		Name:       name,
		Handle:     d,
		PID:        info.PID,
		Command:    cmd.Path,
		StartedAt:  info.StartedAt,
		Foreground: true,
	}
	if err := r.reg.Register(p); err != nil {
		d.Stop(context.Background(), syscall.SIGTERM, defaultGrace)
		return nil, &LaunchError{Name: name, Command: cmd.String(), Err: err}
	}
	defer r.reg.Remove(name)
	r.logger.Info("workload started", "name", name, "pid", info.PID, "command", cmd.String())

	select {
	case <-d.Done():
	case <-ctx.Done():
		r.logger.Info("stopping workload", "name", name, "reason", ctx.Err())
		if err := d.Stop(context.Background(), syscall.SIGTERM, defaultGrace); err != nil {
			r.logger.Warn("failed to stop workload", "name", name, "error", err)
		}
	}

	code, err := d.Wait()
	if err != nil {
		return nil, err
	}
	result := &RunResult{
		ExitCode: code,
		Output:   d.Output().Lines(),
		Success:  code == 0,
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if code != 0 {
		return result, &WorkloadError{Name: name, ExitCode: code}
	}
	return result, nil
}

func stopGrace(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultGrace
	}
	return d
}
