// Package readiness decides when a started dependency is usable.
//
// Two policies exist. FixedDelay sleeps and assumes the dependency came up.
// ActivePoll runs a Probe at a fixed interval until it passes, the timeout
// elapses, or the dependency exits.
package readiness

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/benaskins/chainrun/internal/logbuf"
)

const (
	DefaultInterval     = 500 * time.Millisecond
	DefaultTimeout      = 30 * time.Second
	DefaultProbeTimeout = 2 * time.Second
)

// Target is the started dependency being waited on.
type Target struct {
	Name     string
	Exited   <-chan struct{} // closed when the process exits, nil if unknown
	Output   *logbuf.Ring    // captured output, nil if not captured
	ExitCode func() int      // reports the exit status once Exited is closed
}

func (t Target) exited() bool {
	if t.Exited == nil {
		return false
	}
	select {
	case <-t.Exited:
		return true
	default:
		return false
	}
}

func (t Target) exitedError() *ExitedError {
	e := &ExitedError{Name: t.Name, ExitCode: -1}
	if t.ExitCode != nil {
		e.ExitCode = t.ExitCode()
	}
	return e
}

// Policy waits until a target is ready.
type Policy interface {
	Await(ctx context.Context, t Target) error
	String() string
}

// Await blocks until target is ready according to policy.
func Await(ctx context.Context, t Target, p Policy) error {
	return p.Await(ctx, t)
}

// TimeoutError means the target did not become ready in time.
type TimeoutError struct {
	Name     string
	Timeout  time.Duration
	Attempts int
	Last     error
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s not ready within %s after %d probe(s)", e.Name, e.Timeout, e.Attempts)
	if e.Last != nil {
		msg += ": " + e.Last.Error()
	}
	return msg
}

func (e *TimeoutError) Unwrap() error { return e.Last }

// ExitedError means the target exited before it became ready.
type ExitedError struct {
	Name     string
	ExitCode int
}

func (e *ExitedError) Error() string {
	return fmt.Sprintf("%s exited with code %d before becoming ready", e.Name, e.ExitCode)
}

// FixedDelay waits for Delay regardless of what the target is doing.
type FixedDelay struct {
	Delay time.Duration
}

func (p FixedDelay) Await(ctx context.Context, _ Target) error {
	if p.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p FixedDelay) String() string {
	return fmt.Sprintf("fixed delay %s", p.Delay)
}

// ActivePoll probes the target every Interval until the probe passes.
//
// The first probe runs immediately. Once the next attempt would start after
// the Timeout deadline the wait fails with *TimeoutError, so a Timeout
// shorter than Interval fails right after the first failed probe.
type ActivePoll struct {
	Probe        Probe
	Interval     time.Duration
	Timeout      time.Duration
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

func (p ActivePoll) String() string {
	return fmt.Sprintf("poll %s every %s (timeout %s)", p.Probe, p.interval(), p.timeout())
}

func (p ActivePoll) interval() time.Duration {
	if p.Interval <= 0 {
		return DefaultInterval
	}
	return p.Interval
}

func (p ActivePoll) timeout() time.Duration {
	if p.Timeout <= 0 {
		return DefaultTimeout
	}
	return p.Timeout
}

func (p ActivePoll) probeTimeout() time.Duration {
	if p.ProbeTimeout <= 0 {
		return DefaultProbeTimeout
	}
	return p.ProbeTimeout
}

func (p ActivePoll) Await(ctx context.Context, t Target) error {
	if p.Probe == nil {
		return fmt.Errorf("readiness %s: no probe configured", t.Name)
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.With("component", "readiness")
	}
	logger = logger.With("target", t.Name, "probe", p.Probe.String())

	timeout := p.timeout()
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Wake the limiter as soon as the target exits
	if t.Exited != nil {
		go func() {
			select {
			case <-t.Exited:
				cancel()
			case <-pollCtx.Done():
			}
		}()
	}

	limiter := rate.NewLimiter(rate.Every(p.interval()), 1)
	var (
		attempts int
		last     error
	)
	for {
		if err := limiter.Wait(pollCtx); err != nil {
			switch {
			case ctx.Err() != nil:
				return ctx.Err()
			case t.exited():
				return t.exitedError()
			default:
				return &TimeoutError{Name: t.Name, Timeout: timeout, Attempts: attempts, Last: last}
			}
		}

		attempts++
		probeCtx, probeCancel := context.WithTimeout(pollCtx, p.probeTimeout())
		err := p.Probe.Check(probeCtx, t)
		probeCancel()
		if err == nil {
			logger.Debug("target ready", "attempts", attempts)
			return nil
		}
		last = err

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if t.exited() {
			return t.exitedError()
		}
		logger.Debug("probe failed", "attempt", attempts, "error", err)
	}
}
