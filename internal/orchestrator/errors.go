package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/benaskins/chainrun/internal/preflight"
	"github.com/benaskins/chainrun/internal/readiness"
	"github.com/benaskins/chainrun/internal/runner"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitEnvironment = 1 // environment validation failed, or any unclassified error
	ExitNotReady    = 2 // a dependency did not become ready, or exited first
	ExitWorkload    = 3 // the workload exited non-zero
	ExitLaunch      = 4 // a process could not be launched
	exitSignalBase  = 128
)

// InterruptedError means the run was cut short by a signal.
type InterruptedError struct {
	Signal os.Signal
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("interrupted by %s", e.Signal)
}

// Code is 128 plus the signal number.
func (e *InterruptedError) Code() int {
	if sig, ok := e.Signal.(syscall.Signal); ok {
		return exitSignalBase + int(sig)
	}
	return exitSignalBase + int(syscall.SIGINT)
}

// ExitCode maps a run error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var (
		interrupted *InterruptedError
		envErr      *preflight.EnvironmentError
		timeout     *readiness.TimeoutError
		exited      *readiness.ExitedError
		workload    *runner.WorkloadError
		launch      *runner.LaunchError
	)
	switch {
	case errors.As(err, &interrupted):
		return interrupted.Code()
	case errors.As(err, &envErr):
		return ExitEnvironment
	case errors.As(err, &timeout), errors.As(err, &exited):
		return ExitNotReady
	case errors.As(err, &workload):
		return ExitWorkload
	case errors.As(err, &launch):
		return ExitLaunch
	case errors.Is(err, context.Canceled):
		return exitSignalBase + int(syscall.SIGINT)
	default:
		return ExitEnvironment
	}
}
