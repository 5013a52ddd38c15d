package driver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ErrNotAlive is returned by TerminateOrphan when the PID no longer exists.
var ErrNotAlive = errors.New("process not alive")

// Alive reports whether a process with the given PID exists.
// kill(pid, 0) succeeding or failing with EPERM both mean it does.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// TerminateOrphan stops a process this program did not spawn in the current
// run (a leftover recorded by an earlier run). It cannot wait(2) on it, so it
// polls for death after sig and falls back to SIGKILL once grace elapses.
// The signal goes to the process group first, then the PID itself.
func TerminateOrphan(ctx context.Context, pid int, sig syscall.Signal, grace time.Duration) error {
	if !Alive(pid) {
		return ErrNotAlive
	}
	if sig == 0 {
		sig = unix.SIGTERM
	}

	if err := unix.Kill(-pid, sig); err != nil {
		if err := unix.Kill(pid, sig); err != nil {
			if errors.Is(err, unix.ESRCH) {
				return nil
			}
			return fmt.Errorf("signalling pid %d: %w", pid, err)
		}
	}

	deadline := time.After(grace)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !Alive(pid) {
				return nil
			}
		case <-deadline:
			return killOrphan(pid)
		case <-ctx.Done():
			killOrphan(pid)
			return ctx.Err()
		}
	}
}

func killOrphan(pid int) error {
	_ = unix.Kill(-pid, unix.SIGKILL)
	_ = unix.Kill(pid, unix.SIGKILL)

	end := time.Now().Add(killWait)
	for time.Now().Before(end) {
		if !Alive(pid) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("pid %d still alive after SIGKILL", pid)
}

// VerifyProcess checks whether the process at pid is the one that was
// recorded. A recycled PID will not match, so the caller must leave it alone.
//
// (pid, start time) identifies a process for its whole life, including
// across exec, so a recorded start time decides on its own. The command
// name is compared only when no start time was recorded. With neither
// recorded the check is best effort and passes.
func VerifyProcess(pid int, expectedCommand string, expectedStartTime int64) bool {
	if expectedStartTime != 0 {
		actual, err := processStartTime(pid)
		return err == nil && actual == expectedStartTime
	}
	if expectedCommand == "" {
		return true
	}

	actual, err := processName(pid)
	if err != nil {
		return false
	}

	// comm is truncated by the kernel (15 bytes on Linux, 16 on Darwin)
	want := filepath.Base(expectedCommand)
	if len(actual) >= 15 && len(want) > len(actual) {
		want = want[:len(actual)]
	}
	return actual == want
}

// ProcessName returns the kernel's command name for a live process.
func ProcessName(pid int) (string, error) {
	return processName(pid)
}

// ProcessStartTime returns the OS-reported start time for a process. The
// unit is platform-specific but stable for the life of the process, which
// makes (pid, start time) a unique identity.
func ProcessStartTime(pid int) (int64, error) {
	return processStartTime(pid)
}
