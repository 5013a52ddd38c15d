// Package preflight validates the environment before anything is started.
package preflight

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/benaskins/chainrun/internal/spec"
)

const defaultProbeTimeout = 5 * time.Second

// Result is the outcome of one check.
type Result struct {
	Check   string // "command" | "version" | "file" | "port"
	Subject string
	OK      bool
	Message string
	Hint    string
}

// EnvironmentError lists the checks that failed.
type EnvironmentError struct {
	Failures []Result
}

func (e *EnvironmentError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		msgs[i] = f.Message
	}
	return "environment validation failed: " + strings.Join(msgs, "; ")
}

// Checker runs preflight checks relative to Dir.
type Checker struct {
	Dir          string
	ProbeTimeout time.Duration
	LookPath     func(string) (string, error)
}

// NewChecker returns a checker for dir that resolves commands on PATH.
func NewChecker(dir string) *Checker {
	return &Checker{Dir: dir, ProbeTimeout: defaultProbeTimeout, LookPath: exec.LookPath}
}

// Run performs every check in pf and returns all results in order.
func (c *Checker) Run(ctx context.Context, pf spec.Preflight, vars map[string]string) []Result {
	var results []Result

	for _, f := range pf.Files {
		results = append(results, c.checkFile(spec.Expand(f, vars)))
	}
	for _, cmd := range pf.Commands {
		res := c.checkCommand(cmd)
		results = append(results, res)
		if res.OK && len(cmd.VersionArgs) > 0 {
			results = append(results, c.checkVersion(ctx, cmd))
		}
	}
	for _, p := range pf.Ports {
		results = append(results, checkPort(spec.Expand(p, vars)))
	}
	return results
}

// Check runs every check and returns *EnvironmentError if any failed.
func (c *Checker) Check(ctx context.Context, pf spec.Preflight, vars map[string]string) error {
	var failed []Result
	for _, r := range c.Run(ctx, pf, vars) {
		if !r.OK {
			failed = append(failed, r)
		}
	}
	if len(failed) > 0 {
		return &EnvironmentError{Failures: failed}
	}
	return nil
}

func (c *Checker) checkFile(name string) Result {
	path := name
	if !filepath.IsAbs(path) && c.Dir != "" {
		path = filepath.Join(c.Dir, path)
	}
	if _, err := os.Stat(path); err != nil {
		return Result{
			Check:   "file",
			Subject: name,
			Message: fmt.Sprintf("%s not found", name),
			Hint:    "run from the directory that contains it or set working_dir in the plan",
		}
	}
	return Result{Check: "file", Subject: name, OK: true, Message: name + " present"}
}

func (c *Checker) checkCommand(p spec.Prerequisite) Result {
	lookPath := c.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	path, err := lookPath(p.Name)
	if err != nil {
		return Result{
			Check:   "command",
			Subject: p.Name,
			Message: fmt.Sprintf("%q command not found", p.Name),
			Hint:    p.Hint,
		}
	}
	return Result{Check: "command", Subject: p.Name, OK: true, Message: path}
}

func (c *Checker) checkVersion(ctx context.Context, p spec.Prerequisite) Result {
	timeout := c.ProbeTimeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.Name, p.VersionArgs...)
	cmd.Dir = c.Dir
	out, err := cmd.Output()
	subject := p.Name + " " + strings.Join(p.VersionArgs, " ")
	if err != nil {
		return Result{
			Check:   "version",
			Subject: subject,
			Message: fmt.Sprintf("%s failed: %v", subject, err),
			Hint:    p.Hint,
		}
	}
	first, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return Result{Check: "version", Subject: subject, OK: true, Message: first}
}

func checkPort(addr string) Result {
	if addr == "" {
		return Result{Check: "port", Subject: addr, OK: true, Message: "no address configured"}
	}
	if !isAddrAvailable(addr) {
		return Result{
			Check:   "port",
			Subject: addr,
			Message: fmt.Sprintf("%s is already in use", addr),
			Hint:    "stop whatever is listening there before running",
		}
	}
	return Result{Check: "port", Subject: addr, OK: true, Message: addr + " free"}
}

func isAddrAvailable(addr string) bool {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
