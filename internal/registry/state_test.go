package registry

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benaskins/chainrun/internal/driver"
)

// startSleeper starts sleep in its own process group and reaps it in the
// background so its PID disappears once killed.
func startSleeper(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "60")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	go cmd.Wait()
	t.Cleanup(func() { cmd.Process.Kill() })
	return cmd
}

// crashedOwner returns the identity of a process that has already exited,
// standing in for a run that died without cleaning up.
func crashedOwner(t *testing.T, runID string) Owner {
	t.Helper()
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	return Owner{RunID: runID, PID: cmd.Process.Pid}
}

func TestStateFileMissing(t *testing.T) {
	sf := NewStateFile(t.TempDir(), "run-a")

	records, err := sf.Load()
	require.NoError(t, err)
	assert.Nil(t, records)
}

func TestStateFileSetAndDelete(t *testing.T) {
	sf := NewStateFile(filepath.Join(t.TempDir(), "nested"), "run-a")

	require.NoError(t, sf.set("server2", Record{PID: 100, Command: "just"}))
	require.NoError(t, sf.set("server1", Record{PID: 101, Command: "just"}))

	records, err := sf.Load()
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, 100, records["server2"].PID)

	info, err := os.Stat(sf.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	require.NoError(t, sf.delete("server2"))
	require.NoError(t, sf.delete("server2"))
	records, _ = sf.Load()
	assert.Len(t, records, 1)

	// Deleting the last record removes the file
	require.NoError(t, sf.delete("server1"))
	_, err = os.Stat(sf.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestStateFileCorrupt(t *testing.T) {
	sf := NewStateFile(t.TempDir(), "run-a")
	require.NoError(t, os.WriteFile(sf.Path(), []byte("{not json"), 0600))

	_, err := sf.Load()
	assert.ErrorContains(t, err, "parsing state file")
}

func TestRegistryPersistsToStateFile(t *testing.T) {
	sf := NewStateFile(t.TempDir(), "run-a")
	r := New(sf)
	cmd := startSleeper(t)

	require.NoError(t, r.Register(&ManagedProcess{
		Name:      "server2",
		PID:       cmd.Process.Pid,
		Command:   "sleep",
		StartedAt: time.Now(),
	}))
	// Processes without a PID (containers) are not recorded
	require.NoError(t, r.Register(&ManagedProcess{Name: "db"}))

	records, err := sf.Load()
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records["server2"]
	assert.Equal(t, cmd.Process.Pid, rec.PID)
	assert.Equal(t, "sleep", rec.Command)
	assert.NotZero(t, rec.StartTime)

	r.Remove("server2")
	records, _ = sf.Load()
	assert.Empty(t, records)
}

func TestStateFileStampsOwner(t *testing.T) {
	dir := t.TempDir()
	sf := NewStateFile(dir, "first")
	require.NoError(t, sf.set("server2", Record{PID: 100}))

	assert.Equal(t, filepath.Join(dir, "run-first.json"), sf.Path())
	doc, err := readStateDoc(sf.Path())
	require.NoError(t, err)
	assert.Equal(t, "first", doc.Owner.RunID)
	assert.Equal(t, os.Getpid(), doc.Owner.PID)
	assert.True(t, doc.Owner.Alive())

	assert.NotEmpty(t, NewStateFile(dir, "").Path())
}

func TestSweepStaleTerminatesVerifiedLeftover(t *testing.T) {
	dir := t.TempDir()
	cmd := startSleeper(t)
	pid := cmd.Process.Pid

	start, err := driver.ProcessStartTime(pid)
	require.NoError(t, err)
	crashed := newStateFile(dir, crashedOwner(t, "crashed"))
	require.NoError(t, crashed.set("server2", Record{PID: pid, Command: "sleep", StartTime: start}))

	swept, err := NewStateFile(dir, "next").SweepStale(context.Background(), syscall.SIGTERM, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, "crashed", swept[0].RunID)
	assert.True(t, swept[0].Terminated)
	assert.Empty(t, swept[0].Error)

	assert.Eventually(t, func() bool { return !driver.Alive(pid) }, 2*time.Second, 20*time.Millisecond)
	assert.NoFileExists(t, crashed.Path(), "swept state file is removed")
}

func TestSweepStaleSkipsLiveRun(t *testing.T) {
	dir := t.TempDir()
	cmd := startSleeper(t)
	pid := cmd.Process.Pid

	// Another run in this very process still owns server2
	live := NewStateFile(dir, "live")
	r := New(live)
	require.NoError(t, r.Register(&ManagedProcess{Name: "server2", PID: pid, Command: "sleep", StartedAt: time.Now()}))

	next := NewStateFile(dir, "next")
	require.NoError(t, next.set("server2", Record{PID: 1, Command: "other"}))

	swept, err := next.SweepStale(context.Background(), syscall.SIGTERM, time.Second)
	require.NoError(t, err)
	assert.Empty(t, swept)
	assert.True(t, driver.Alive(pid))

	records, err := live.Load()
	require.NoError(t, err)
	assert.Equal(t, pid, records["server2"].PID, "the live run's record is untouched")
	assert.FileExists(t, live.Path())
}

func TestSweepStaleLeavesUnrelatedProcess(t *testing.T) {
	dir := t.TempDir()
	cmd := startSleeper(t)
	pid := cmd.Process.Pid

	// Same PID, different program: a reused PID must not be killed
	crashed := newStateFile(dir, crashedOwner(t, "crashed"))
	require.NoError(t, crashed.set("server2", Record{PID: pid, Command: "rpc_server"}))

	swept, err := NewStateFile(dir, "next").SweepStale(context.Background(), syscall.SIGTERM, time.Second)
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.False(t, swept[0].Terminated)
	assert.True(t, driver.Alive(pid))
}

func TestSweepStaleDiscardsCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run-broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	swept, err := NewStateFile(dir, "next").SweepStale(context.Background(), syscall.SIGTERM, time.Second)
	require.NoError(t, err)
	assert.Empty(t, swept)
	assert.NoFileExists(t, path)
}

func TestSweepStaleNoStateFile(t *testing.T) {
	swept, err := NewStateFile(t.TempDir(), "next").SweepStale(context.Background(), syscall.SIGTERM, time.Second)
	require.NoError(t, err)
	assert.Empty(t, swept)
}
