package orchestrator

import (
	"time"

	"github.com/benaskins/chainrun/internal/driver"
)

// ProcessStatus describes one registered process.
type ProcessStatus struct {
	Name       string       `json:"name"`
	PID        int          `json:"pid,omitempty"`
	Command    string       `json:"command,omitempty"`
	State      driver.State `json:"state"`
	Foreground bool         `json:"foreground,omitempty"`
	Uptime     string       `json:"uptime,omitempty"`
	ExitCode   int          `json:"exit_code"`
}

// Status is a point-in-time view of a run.
type Status struct {
	RunID     string          `json:"run_id"`
	Plan      string          `json:"plan,omitempty"`
	Phase     Phase           `json:"phase"`
	Stage     string          `json:"stage,omitempty"`
	StartedAt time.Time       `json:"started_at,omitzero"`
	Processes []ProcessStatus `json:"processes"`
	ExitCode  *int            `json:"exit_code,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Snapshot returns the current status of the run.
func (o *Orchestrator) Snapshot() Status {
	o.mu.Lock()
	st := Status{
		RunID:     o.cfg.RunID,
		Plan:      o.plan.Name,
		Phase:     o.phase,
		Stage:     o.stage,
		StartedAt: o.startedAt,
	}
	if o.outcome != nil {
		code := o.outcome.ExitCode
		st.ExitCode = &code
		if o.outcome.Err != nil {
			st.Error = o.outcome.Err.Error()
		}
	}
	o.mu.Unlock()

	st.Processes = []ProcessStatus{}
	for _, p := range o.reg.All() {
		ps := ProcessStatus{
			Name:       p.Name,
			PID:        p.PID,
			Command:    p.Command,
			Foreground: p.Foreground,
		}
		if p.Handle != nil {
			info := p.Handle.Info()
			ps.State = info.State
			ps.ExitCode = info.ExitCode
			if info.Alive() && !info.StartedAt.IsZero() {
				ps.Uptime = time.Since(info.StartedAt).Round(time.Second).String()
			}
		}
		st.Processes = append(st.Processes, ps)
	}
	return st
}

// ProcessOutput returns the last n captured lines of a registered process.
func (o *Orchestrator) ProcessOutput(name string, n int) ([]string, bool) {
	p, ok := o.reg.Get(name)
	if !ok || p.Handle == nil {
		return nil, false
	}
	buf := p.Handle.Output()
	if buf == nil {
		return []string{}, true
	}
	if n <= 0 {
		return buf.Lines(), true
	}
	return buf.Last(n), true
}
