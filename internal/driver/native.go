package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/benaskins/chainrun/internal/logbuf"
)

// killWait bounds how long Stop waits for exit after SIGKILL.
const killWait = 2 * time.Second

// NativeDriver manages a native (fork/exec) process.
type NativeDriver struct {
	path       string
	args       []string
	env        []string
	workingDir string
	relay      io.Writer

	mu        sync.Mutex
	cmd       *exec.Cmd
	state     State
	startedAt time.Time
	exitCode  int
	exitErr   string
	buf       *logbuf.Ring
	done      chan struct{}
}

// NativeConfig holds configuration for a native process.
type NativeConfig struct {
	Path       string
	Args       []string
	Env        []string // full environment; nil inherits the parent's
	WorkingDir string
	BufSize    int       // ring buffer size (lines), 0 for default
	Relay      io.Writer // optional operator stream that also receives output
}

// NewNative creates a new native process driver.
func NewNative(cfg NativeConfig) *NativeDriver {
	bufSize := cfg.BufSize
	if bufSize <= 0 {
		bufSize = 1000
	}

	return &NativeDriver{
		path:       cfg.Path,
		args:       cfg.Args,
		env:        cfg.Env,
		workingDir: cfg.WorkingDir,
		relay:      cfg.Relay,
		state:      StateStopped,
		buf:        logbuf.New(bufSize),
	}
}

func (d *NativeDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateRunning || d.state == StateStarting {
		return fmt.Errorf("process already running")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d.cmd = exec.Command(d.path, d.args...)
	d.cmd.Env = d.env
	if d.workingDir != "" {
		d.cmd.Dir = d.workingDir
	}

	var out io.Writer = d.buf
	if d.relay != nil {
		out = io.MultiWriter(d.buf, d.relay)
	}
	d.cmd.Stdout = out
	d.cmd.Stderr = out

	// Own process group so the whole tree can be signalled
	d.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	d.state = StateStarting

	if err := d.cmd.Start(); err != nil {
		d.state = StateFailed
		d.exitErr = err.Error()
		return fmt.Errorf("starting process: %w", err)
	}

	d.state = StateRunning
	d.startedAt = time.Now()
	d.done = make(chan struct{})

	go d.wait()

	return nil
}

func (d *NativeDriver) wait() {
	err := d.cmd.Wait()

	d.buf.Flush()
	if f, ok := d.relay.(interface{ Flush() }); ok {
		f.Flush()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == StateStopping {
		d.state = StateStopped
	} else {
		d.state = StateExited
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			d.exitCode = exitErr.ExitCode()
		} else {
			d.exitCode = -1
		}
		d.exitErr = err.Error()
	} else {
		d.exitCode = 0
	}

	close(d.done)
}

func (d *NativeDriver) Stop(ctx context.Context, sig syscall.Signal, grace time.Duration) error {
	d.mu.Lock()

	if d.state == StateStopping {
		// another caller is already stopping it; wait for the exit
		done := d.done
		d.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-time.After(grace + killWait):
			return fmt.Errorf("process still stopping after %s", grace+killWait)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if d.state != StateRunning {
		d.mu.Unlock()
		return nil
	}

	d.state = StateStopping
	pid := d.cmd.Process.Pid
	done := d.done
	d.mu.Unlock()

	if sig == 0 {
		sig = unix.SIGTERM
	}
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signalling process group %d: %w", pid, err)
	}

	select {
	case <-done:
		return nil
	case <-time.After(grace):
	case <-ctx.Done():
	}

	_ = unix.Kill(-pid, unix.SIGKILL)

	select {
	case <-done:
		return ctx.Err()
	case <-time.After(killWait):
		return fmt.Errorf("process %d still running after SIGKILL", pid)
	}
}

func (d *NativeDriver) Info() ProcessInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	info := ProcessInfo{
		State:     d.state,
		StartedAt: d.startedAt,
		ExitCode:  d.exitCode,
		Error:     d.exitErr,
	}

	if d.cmd != nil && d.cmd.Process != nil {
		info.PID = d.cmd.Process.Pid
	}

	return info
}

func (d *NativeDriver) Wait() (int, error) {
	done := d.Done()
	if done == nil {
		return -1, fmt.Errorf("process not started")
	}
	<-done

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitCode, nil
}

func (d *NativeDriver) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done == nil {
		return nil
	}
	return d.done
}

func (d *NativeDriver) Output() *logbuf.Ring {
	return d.buf
}
