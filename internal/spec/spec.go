package spec

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

var stageNameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// Plan is the top-level structure of a run: the dependency chain, the
// foreground workload and what the environment must provide beforehand.
type Plan struct {
	Name         string            `yaml:"name,omitempty"`
	WorkingDir   string            `yaml:"working_dir,omitempty"`
	Resolver     string            `yaml:"resolver,omitempty"` // "just" | "direct"
	Endpoints    Endpoints         `yaml:"endpoints"`
	Preflight    Preflight         `yaml:"preflight,omitempty"`
	Dependencies []*Stage          `yaml:"dependencies"`
	Workload     Workload          `yaml:"workload"`
	Env          map[string]string `yaml:"env,omitempty"`
}

// Endpoints are the two service addresses the workload is pointed at.
type Endpoints struct {
	Client   string `yaml:"client"`
	Upstream string `yaml:"upstream"`
}

type Preflight struct {
	Commands []Prerequisite `yaml:"commands,omitempty"`
	Files    []string       `yaml:"files,omitempty"`
	Ports    []string       `yaml:"ports,omitempty"` // host:port, variables allowed
}

// Prerequisite is an executable that must be on PATH. When VersionArgs is
// set the command is also run with them and must exit 0.
type Prerequisite struct {
	Name        string   `yaml:"name"`
	VersionArgs []string `yaml:"version_args,omitempty"`
	Hint        string   `yaml:"hint,omitempty"`
}

// Stage is one long-running dependency.
type Stage struct {
	Name        string            `yaml:"name"`
	Kind        string            `yaml:"kind,omitempty"`         // "native" (default) | "container"
	Task        string            `yaml:"task,omitempty"`         // native only
	Image       string            `yaml:"image,omitempty"`        // container only
	NetworkMode string            `yaml:"network_mode,omitempty"` // container only, default "bridge"
	Args        []string          `yaml:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	After       []string          `yaml:"after,omitempty"`
	Readiness   *Readiness        `yaml:"readiness,omitempty"`
	StopSignal  string            `yaml:"stop_signal,omitempty"`
	StopGrace   Duration          `yaml:"stop_grace,omitempty"`
}

// Readiness describes how to tell that a stage is usable.
type Readiness struct {
	Type         string   `yaml:"type"`              // "delay" | "tcp" | "http" | "exec" | "output" | "file"
	Delay        Duration `yaml:"delay,omitempty"`   // delay only
	Address      string   `yaml:"address,omitempty"` // tcp
	URL          string   `yaml:"url,omitempty"`     // http
	Insecure     bool     `yaml:"insecure,omitempty"`
	Command      string   `yaml:"command,omitempty"` // exec
	Marker       string   `yaml:"marker,omitempty"`  // output
	Path         string   `yaml:"path,omitempty"`    // file
	Interval     Duration `yaml:"interval,omitempty"`
	Timeout      Duration `yaml:"timeout,omitempty"`
	ProbeTimeout Duration `yaml:"probe_timeout,omitempty"`
}

// Workload is the foreground command whose result decides the run.
type Workload struct {
	Task       string            `yaml:"task"`
	Args       []string          `yaml:"args,omitempty"`
	Env        map[string]string `yaml:"env,omitempty"`
	Warmup     int               `yaml:"warmup,omitempty"`
	Iterations int               `yaml:"iterations,omitempty"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "10s", "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// IsZero lets omitempty drop unset durations when marshalling.
func (d Duration) IsZero() bool {
	return d.Duration == 0
}

// Load reads and parses a plan from a YAML file.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan %s: %w", path, err)
	}

	plan, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return plan, nil
}

// Parse decodes and validates a plan.
func Parse(data []byte) (*Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("validating: %w", err)
	}
	return &plan, nil
}

// Marshal renders the plan as YAML.
func (p *Plan) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}

// Validate checks that a plan is well-formed.
func (p *Plan) Validate() error {
	switch p.Resolver {
	case "", "just", "direct":
	default:
		return fmt.Errorf("resolver must be \"just\" or \"direct\", got %q", p.Resolver)
	}

	if len(p.Dependencies) == 0 {
		return fmt.Errorf("at least one dependency is required")
	}

	seen := make(map[string]bool)
	for i, s := range p.Dependencies {
		if s == nil {
			return fmt.Errorf("dependencies[%d] is empty", i)
		}
		if err := s.validate(); err != nil {
			return fmt.Errorf("dependencies[%d]: %w", i, err)
		}
		if seen[s.Name] {
			return fmt.Errorf("dependencies[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
	}
	for _, s := range p.Dependencies {
		for _, dep := range s.After {
			if !seen[dep] {
				return fmt.Errorf("dependency %q: after references unknown stage %q", s.Name, dep)
			}
		}
	}
	if _, err := p.StartOrder(); err != nil {
		return err
	}

	if p.Workload.Task == "" {
		return fmt.Errorf("workload.task is required")
	}
	if p.Workload.Warmup < 0 || p.Workload.Iterations < 0 {
		return fmt.Errorf("workload iteration counts must not be negative")
	}

	for i, c := range p.Preflight.Commands {
		if c.Name == "" {
			return fmt.Errorf("preflight.commands[%d].name is required", i)
		}
	}

	return nil
}

func (s *Stage) validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !stageNameRe.MatchString(s.Name) {
		return fmt.Errorf("name %q is invalid: must match %s", s.Name, stageNameRe)
	}

	switch s.Kind {
	case "", "native":
		if s.Task == "" {
			return fmt.Errorf("task is required for native stages")
		}
		if s.Image != "" {
			return fmt.Errorf("image is not valid for native stages")
		}
	case "container":
		if s.Image == "" {
			return fmt.Errorf("image is required for container stages")
		}
	default:
		return fmt.Errorf("kind must be \"native\" or \"container\", got %q", s.Kind)
	}

	if s.StopSignal != "" {
		if _, err := ParseSignal(s.StopSignal); err != nil {
			return err
		}
	}

	if r := s.Readiness; r != nil {
		if err := r.validate(); err != nil {
			return fmt.Errorf("readiness: %w", err)
		}
	}
	return nil
}

func (r *Readiness) validate() error {
	switch r.Type {
	case "delay":
		if r.Delay.Duration <= 0 {
			return fmt.Errorf("delay must be positive")
		}
		return nil
	case "tcp":
		if r.Address == "" {
			return fmt.Errorf("address is required for tcp probes")
		}
	case "http":
		if r.URL == "" {
			return fmt.Errorf("url is required for http probes")
		}
	case "exec":
		if r.Command == "" {
			return fmt.Errorf("command is required for exec probes")
		}
	case "output":
		if r.Marker == "" {
			return fmt.Errorf("marker is required for output probes")
		}
	case "file":
		if r.Path == "" {
			return fmt.Errorf("path is required for file probes")
		}
	default:
		return fmt.Errorf("type must be one of delay, tcp, http, exec, output, file; got %q", r.Type)
	}

	if r.Interval.Duration < 0 || r.Timeout.Duration < 0 || r.ProbeTimeout.Duration < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// Signal returns the stage's stop signal, SIGTERM when unset.
func (s *Stage) Signal() unix.Signal {
	sig, err := ParseSignal(s.StopSignal)
	if err != nil || sig == 0 {
		return unix.SIGTERM
	}
	return sig
}

// ParseSignal accepts "SIGTERM", "TERM" or "term". The empty string yields 0.
func ParseSignal(name string) (unix.Signal, error) {
	if name == "" {
		return 0, nil
	}
	upper := strings.ToUpper(name)
	if !strings.HasPrefix(upper, "SIG") {
		upper = "SIG" + upper
	}
	sig := unix.SignalNum(upper)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	return sig, nil
}
