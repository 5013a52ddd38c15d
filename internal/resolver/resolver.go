// Package resolver maps a stage's task name to a concrete command line.
//
// The orchestrator never decides how "start server2" becomes a process; it
// asks a Resolver. The default resolver delegates to a task runner binary
// (`just <task> args...`), others exec commands directly or look them up in
// a fixed table.
package resolver

import (
	"fmt"
	"slices"
	"strings"
)

// Command is a fully resolved invocation.
type Command struct {
	Path     string   // executable name or path, resolved on PATH at launch
	Args     []string // arguments, not including Path
	Env      []string // extra KEY=VALUE pairs appended to the inherited environment
	Dir      string   // working directory, empty for the current one
	Requires []string // files that must exist (relative to Dir) before launch
}

// String renders the command line for logs and operator messages.
func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// Resolver turns a task name plus arguments into a Command.
type Resolver interface {
	Resolve(task string, args []string) (Command, error)
}

// Func adapts a plain function to Resolver.
type Func func(task string, args []string) (Command, error)

func (f Func) Resolve(task string, args []string) (Command, error) {
	return f(task, args)
}

// TaskRunner resolves tasks through a task-runner binary such as just or make:
// Binary Task args... The runner's own recipe file must be present.
type TaskRunner struct {
	Binary     string
	RecipeFile string
	Dir        string
}

// Just returns the resolver used by the default plan.
func Just(dir string) TaskRunner {
	return TaskRunner{Binary: "just", RecipeFile: "justfile", Dir: dir}
}

func (r TaskRunner) Resolve(task string, args []string) (Command, error) {
	if task == "" {
		return Command{}, fmt.Errorf("empty task name")
	}
	cmd := Command{
		Path: r.Binary,
		Args: append([]string{task}, args...),
		Dir:  r.Dir,
	}
	if r.RecipeFile != "" {
		cmd.Requires = []string{r.RecipeFile}
	}
	return cmd, nil
}

// Direct treats the task as a whitespace-separated command line.
type Direct struct {
	Dir string
}

func (r Direct) Resolve(task string, args []string) (Command, error) {
	parts := strings.Fields(task)
	if len(parts) == 0 {
		return Command{}, fmt.Errorf("empty command")
	}
	return Command{
		Path: parts[0],
		Args: append(parts[1:], args...),
		Dir:  r.Dir,
	}, nil
}

// Table resolves from a fixed name → command map. Arguments passed to
// Resolve are appended to the table entry's own.
type Table map[string]Command

func (t Table) Resolve(task string, args []string) (Command, error) {
	cmd, ok := t[task]
	if !ok {
		names := make([]string, 0, len(t))
		for name := range t {
			names = append(names, name)
		}
		slices.Sort(names)
		return Command{}, fmt.Errorf("unknown task %q (known: %s)", task, strings.Join(names, ", "))
	}
	cmd.Args = append(slices.Clone(cmd.Args), args...)
	return cmd, nil
}
