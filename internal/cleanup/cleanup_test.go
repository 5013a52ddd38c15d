package cleanup

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benaskins/chainrun/internal/driver"
	"github.com/benaskins/chainrun/internal/logbuf"
	"github.com/benaskins/chainrun/internal/registry"
)

// stopLog records the order in which fake processes are stopped.
type stopLog struct {
	mu    sync.Mutex
	names []string
	sigs  []syscall.Signal
}

func (l *stopLog) add(name string, sig syscall.Signal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
	l.sigs = append(l.sigs, sig)
}

func (l *stopLog) order() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

type fakeDriver struct {
	name    string
	log     *stopLog
	mu      sync.Mutex
	state   driver.State
	stopErr error
	panics  bool
	delay   time.Duration
}

func (f *fakeDriver) Start(context.Context) error { return nil }

func (f *fakeDriver) Stop(_ context.Context, sig syscall.Signal, _ time.Duration) error {
	if f.panics {
		panic("driver exploded")
	}
	time.Sleep(f.delay)
	f.log.add(f.name, sig)
	if f.stopErr != nil {
		return f.stopErr
	}
	f.mu.Lock()
	f.state = driver.StateStopped
	f.mu.Unlock()
	return nil
}

func (f *fakeDriver) Info() driver.ProcessInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return driver.ProcessInfo{State: f.state}
}

func (f *fakeDriver) Wait() (int, error)    { return 0, nil }
func (f *fakeDriver) Done() <-chan struct{} { return nil }
func (f *fakeDriver) Output() *logbuf.Ring  { return logbuf.New(1) }

func register(t *testing.T, reg *registry.Registry, log *stopLog, name string, state driver.State) *fakeDriver {
	t.Helper()
	d := &fakeDriver{name: name, log: log, state: state}
	require.NoError(t, reg.Register(&registry.ManagedProcess{Name: name, Handle: d, StopSignal: syscall.SIGTERM}))
	return d
}

func TestCleanupReverseStartOrder(t *testing.T) {
	reg := registry.New(nil)
	log := &stopLog{}
	register(t, reg, log, "server2", driver.StateRunning)
	register(t, reg, log, "server1", driver.StateRunning)
	register(t, reg, log, "client", driver.StateRunning)

	c := New(reg, Options{})
	report := c.Cleanup(context.Background())

	assert.Equal(t, []string{"client", "server1", "server2"}, log.order())
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGTERM, syscall.SIGTERM}, log.sigs)
	require.Len(t, report.Actions, 3)
	for _, a := range report.Actions {
		assert.Equal(t, OutcomeStopped, a.Outcome, a.Name)
	}
	assert.False(t, report.Repeat)
	assert.Zero(t, reg.Len(), "stopped processes leave the registry")
	assert.Equal(t, 1, c.Executions())
}

func TestCleanupIsIdempotent(t *testing.T) {
	reg := registry.New(nil)
	log := &stopLog{}
	register(t, reg, log, "server2", driver.StateRunning)

	c := New(reg, Options{})
	first := c.Cleanup(context.Background())
	second := c.Cleanup(context.Background())

	assert.Len(t, first.Actions, 1)
	assert.Equal(t, first, c.Report())
	assert.True(t, second.Repeat)
	assert.Empty(t, second.Actions)
	assert.Equal(t, []string{"server2"}, log.order(), "second call makes no stop attempts")
	assert.Equal(t, 1, c.Executions())
}

func TestCleanupConcurrentCallersRunOnce(t *testing.T) {
	reg := registry.New(nil)
	log := &stopLog{}
	d := register(t, reg, log, "server2", driver.StateRunning)
	d.delay = 100 * time.Millisecond

	c := New(reg, Options{})

	var wg sync.WaitGroup
	reports := make([]Report, 8)
	for i := range reports {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i] = c.Cleanup(context.Background())
		}()
	}
	wg.Wait()

	var primary int
	for _, r := range reports {
		if !r.Repeat {
			primary++
			assert.Len(t, r.Actions, 1)
		} else {
			assert.Empty(t, r.Actions)
		}
	}
	assert.Equal(t, 1, primary)
	assert.Equal(t, 1, c.Executions())
	assert.Len(t, log.order(), 1)
}

func TestCleanupRepeatWaitsForFirst(t *testing.T) {
	reg := registry.New(nil)
	log := &stopLog{}
	d := register(t, reg, log, "server2", driver.StateRunning)
	d.delay = 200 * time.Millisecond

	c := New(reg, Options{})
	go c.Cleanup(context.Background())
	require.Eventually(t, c.started.Load, time.Second, time.Millisecond)

	c.Cleanup(context.Background())
	select {
	case <-c.Done():
	default:
		t.Fatal("repeat call returned before the teardown finished")
	}
}

func TestCleanupOutcomes(t *testing.T) {
	reg := registry.New(nil)
	log := &stopLog{}
	register(t, reg, log, "exited", driver.StateExited)
	stuck := register(t, reg, log, "stuck", driver.StateRunning)
	stuck.stopErr = errors.New("still running after SIGKILL")
	boom := register(t, reg, log, "boom", driver.StateRunning)
	boom.panics = true
	register(t, reg, log, "ok", driver.StateRunning)

	var seen []string
	c := New(reg, Options{OnAction: func(a Action) { seen = append(seen, a.Name) }})
	report := c.Cleanup(context.Background())

	require.Len(t, report.Actions, 4)
	byName := make(map[string]Action)
	for _, a := range report.Actions {
		byName[a.Name] = a
	}
	assert.Equal(t, OutcomeStopped, byName["ok"].Outcome)
	assert.Equal(t, OutcomeFailed, byName["boom"].Outcome)
	assert.Contains(t, byName["boom"].Error, "panic: driver exploded")
	assert.Equal(t, OutcomeFailed, byName["stuck"].Outcome)
	assert.Equal(t, "still running after SIGKILL", byName["stuck"].Error)
	assert.Equal(t, OutcomeAlreadyExited, byName["exited"].Outcome)

	assert.Equal(t, []string{"ok", "boom", "stuck", "exited"}, seen)
	assert.Len(t, report.Failed(), 2)

	// Failed entries stay registered
	assert.Equal(t, 2, reg.Len())
}

func TestCleanupEmptyRegistry(t *testing.T) {
	c := New(registry.New(nil), Options{})
	report := c.Cleanup(context.Background())
	assert.Empty(t, report.Actions)
	assert.False(t, report.Repeat)
	assert.Equal(t, 1, c.Executions())
}

func TestCleanupSealsRegistry(t *testing.T) {
	reg := registry.New(nil)
	c := New(reg, Options{})
	c.Cleanup(context.Background())

	err := reg.Register(&registry.ManagedProcess{Name: "late"})
	assert.ErrorIs(t, err, registry.ErrSealed)
}

func TestCleanupStopsRealProcesses(t *testing.T) {
	reg := registry.New(nil)
	var drivers []*driver.NativeDriver
	for _, name := range []string{"server2", "server1"} {
		d := driver.NewNative(driver.NativeConfig{Path: "sleep", Args: []string{"60"}})
		require.NoError(t, d.Start(context.Background()))
		drivers = append(drivers, d)
		require.NoError(t, reg.Register(&registry.ManagedProcess{
			Name:   name,
			Handle: d,
			PID:    d.Info().PID,
		}))
	}

	report := New(reg, Options{Grace: 2 * time.Second}).Cleanup(context.Background())

	require.Len(t, report.Actions, 2)
	assert.Equal(t, "server1", report.Actions[0].Name)
	assert.Equal(t, "server2", report.Actions[1].Name)
	for i, d := range drivers {
		assert.False(t, d.Info().Alive(), "driver %d", i)
		assert.Equal(t, OutcomeStopped, report.Actions[i].Outcome)
	}
}
