package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benaskins/chainrun/internal/cleanup"
	"github.com/benaskins/chainrun/internal/driver"
	"github.com/benaskins/chainrun/internal/orchestrator"
)

type fakeSource struct {
	status orchestrator.Status
	output map[string][]string

	mu      sync.Mutex
	signals []os.Signal
}

func (f *fakeSource) Snapshot() orchestrator.Status { return f.status }

func (f *fakeSource) ProcessOutput(name string, n int) ([]string, bool) {
	lines, ok := f.output[name]
	if !ok {
		return nil, false
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, true
}

func (f *fakeSource) Interrupt(sig os.Signal) cleanup.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
	return cleanup.Report{}
}

func (f *fakeSource) received() []os.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]os.Signal(nil), f.signals...)
}

func setupTestServer(t *testing.T) (*fakeSource, *httptest.Server) {
	t.Helper()
	src := &fakeSource{
		status: orchestrator.Status{
			RunID: "run-1",
			Plan:  "myco",
			Phase: orchestrator.PhaseAwaitingReady,
			Stage: "server1",
			Processes: []orchestrator.ProcessStatus{
				{Name: "server2", PID: 101, State: driver.StateRunning},
				{Name: "server1", PID: 102, State: driver.StateRunning},
			},
		},
		output: map[string][]string{
			"server2": {"booting", "Server2 listening on :3004"},
		},
	}
	ts := httptest.NewServer(NewServer(src).Handler())
	t.Cleanup(ts.Close)
	return src, ts
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := setupTestServer(t)

	var result map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/health", &result))
	assert.Equal(t, "ok", result["status"])
}

func TestGetRun(t *testing.T) {
	_, ts := setupTestServer(t)

	var st orchestrator.Status
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/run", &st))
	assert.Equal(t, "run-1", st.RunID)
	assert.Equal(t, orchestrator.PhaseAwaitingReady, st.Phase)
	assert.Equal(t, "server1", st.Stage)
	assert.Len(t, st.Processes, 2)
}

func TestListProcesses(t *testing.T) {
	_, ts := setupTestServer(t)

	var procs []orchestrator.ProcessStatus
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/processes", &procs))
	require.Len(t, procs, 2)
	assert.Equal(t, "server2", procs[0].Name)
	assert.Equal(t, 101, procs[0].PID)
}

func TestGetProcess(t *testing.T) {
	_, ts := setupTestServer(t)

	var p orchestrator.ProcessStatus
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/processes/server1", &p))
	assert.Equal(t, "server1", p.Name)
	assert.Equal(t, driver.StateRunning, p.State)

	var errBody map[string]string
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/v1/processes/nope", &errBody))
	assert.Contains(t, errBody["error"], `"nope"`)
}

func TestGetOutput(t *testing.T) {
	_, ts := setupTestServer(t)

	var body struct {
		Name  string   `json:"name"`
		Lines []string `json:"lines"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/v1/processes/server2/output?lines=1", &body))
	assert.Equal(t, "server2", body.Name)
	assert.Equal(t, []string{"Server2 listening on :3004"}, body.Lines)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/v1/processes/server2/output?lines=x", nil))
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/v1/processes/server1/output", nil))
}

func TestInterrupt(t *testing.T) {
	src, ts := setupTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/interrupt", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool { return len(src.received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, syscall.SIGTERM, src.received()[0])

	resp, err = http.Get(ts.URL + "/v1/interrupt")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestListenAndShutdown(t *testing.T) {
	srv := NewServer(&fakeSource{})

	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()

	var result map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, "http://"+addr+"/v1/health", &result))

	require.NoError(t, srv.Shutdown(context.Background()))
	assert.NoError(t, <-served)
}

func TestServeWithoutListen(t *testing.T) {
	assert.Error(t, NewServer(&fakeSource{}).Serve())
}
