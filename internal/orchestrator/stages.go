package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/benaskins/chainrun/internal/driver"
	"github.com/benaskins/chainrun/internal/readiness"
	"github.com/benaskins/chainrun/internal/registry"
	"github.com/benaskins/chainrun/internal/resolver"
	"github.com/benaskins/chainrun/internal/runner"
	"github.com/benaskins/chainrun/internal/spec"
)

// DefaultFixedDelay applies to stages that declare no readiness check.
const DefaultFixedDelay = 5 * time.Second

func resolverFor(p *spec.Plan, dir string) resolver.Resolver {
	if p.Resolver == "direct" {
		return resolver.Direct{Dir: dir}
	}
	return resolver.Just(dir)
}

func (o *Orchestrator) startStage(ctx context.Context, s *spec.Stage) (*registry.ManagedProcess, error) {
	opts := runner.Options{StopSignal: s.Signal(), StopGrace: s.StopGrace.Duration}
	env := append(spec.EnvList(o.plan.Env, o.vars), spec.EnvList(s.Env, o.vars)...)

	if s.Kind == "container" {
		return o.runner.StartContainer(ctx, s.Name, driver.ContainerConfig{
			Image:       s.Image,
			Cmd:         spec.ExpandAll(s.Args, o.vars),
			Env:         env,
			NetworkMode: s.NetworkMode,
		}, opts)
	}

	cmd, err := o.resolver.Resolve(spec.Expand(s.Task, o.vars), spec.ExpandAll(s.Args, o.vars))
	if err != nil {
		return nil, &runner.LaunchError{Name: s.Name, Command: s.Task, Err: err}
	}
	cmd.Env = append(cmd.Env, env...)
	return o.runner.Start(ctx, s.Name, cmd, opts)
}

func (o *Orchestrator) workloadCommand() (resolver.Command, error) {
	w := o.plan.Workload
	cmd, err := o.resolver.Resolve(spec.Expand(w.Task, o.vars), spec.ExpandAll(w.Args, o.vars))
	if err != nil {
		return resolver.Command{}, &runner.LaunchError{Name: workloadName, Command: w.Task, Err: err}
	}
	cmd.Env = slices.Concat(cmd.Env,
		spec.EnvList(o.plan.Env, o.vars),
		spec.EnvList(w.Env, o.vars),
		spec.EnvList(w.IterationVars(), nil),
	)
	return cmd, nil
}

// policyFor picks the readiness policy for a stage. A global readiness
// delay overrides every stage's own check.
func (o *Orchestrator) policyFor(s *spec.Stage) (readiness.Policy, error) {
	if o.cfg.ReadinessDelay > 0 {
		return readiness.FixedDelay{Delay: o.cfg.ReadinessDelay}, nil
	}

	r := s.Readiness
	if r == nil {
		return readiness.FixedDelay{Delay: DefaultFixedDelay}, nil
	}

	var probe readiness.Probe
	switch r.Type {
	case "delay":
		return readiness.FixedDelay{Delay: r.Delay.Duration}, nil
	case "tcp":
		probe = readiness.TCPProbe{Address: spec.Expand(r.Address, o.vars)}
	case "http":
		probe = readiness.HTTPProbe{URL: spec.Expand(r.URL, o.vars), Insecure: r.Insecure}
	case "exec":
		probe = readiness.ExecProbe{Command: spec.Expand(r.Command, o.vars), Dir: o.dir}
	case "output":
		probe = readiness.OutputProbe{Marker: r.Marker}
	case "file":
		path := spec.Expand(r.Path, o.vars)
		if !filepath.IsAbs(path) && o.dir != "" {
			path = filepath.Join(o.dir, path)
		}
		probe = readiness.FileProbe{Path: path}
	default:
		return nil, fmt.Errorf("stage %s: unknown readiness type %q", s.Name, r.Type)
	}

	return readiness.ActivePoll{
		Probe:        probe,
		Interval:     r.Interval.Duration,
		Timeout:      r.Timeout.Duration,
		ProbeTimeout: r.ProbeTimeout.Duration,
		Logger:       o.logger,
	}, nil
}

func target(p *registry.ManagedProcess) readiness.Target {
	return readiness.Target{
		Name:     p.Name,
		Exited:   p.Handle.Done(),
		Output:   p.Handle.Output(),
		ExitCode: func() int { return p.Handle.Info().ExitCode },
	}
}
