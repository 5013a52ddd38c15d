package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "chainrun",
	Short: "Start a chain of dependency services, run a workload against them, tear everything down",
	Long: `chainrun starts each dependency of a plan in order, waits until it is ready,
runs the workload in the foreground and then stops every process it started,
in reverse order, whatever the outcome.

Without --plan, ./chainrun.yaml is used if present, then the plan named in
~/.chainrun/config.yaml, then the built-in plan (just server2, just server1,
just client).`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runRun,
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	var exit *exitError
	if errors.As(err, &exit) {
		// the run already reported to the console
		os.Exit(exit.code)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
