package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/benaskins/chainrun/internal/console"
	"github.com/benaskins/chainrun/internal/orchestrator"
	"github.com/benaskins/chainrun/internal/preflight"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the plan and the environment without starting anything",
	Long:  "Load and validate the plan, then run its preflight checks: required commands on PATH, required files, dependency ports free.",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	setupLogging()

	plan, source, _, err := loadPlan(cmd)
	if err != nil {
		return err
	}

	dir := plan.WorkingDir
	if dir == "" {
		if dir, err = os.Getwd(); err != nil {
			return err
		}
	}

	con := console.New(cmd.OutOrStdout())
	con.Success("Plan %s is valid (%d dependencies)", source, len(plan.Dependencies))

	results := preflight.NewChecker(dir).Run(context.Background(), plan.Preflight, plan.Vars())
	var failures []preflight.Result
	for _, r := range results {
		if r.OK {
			con.Success("%-8s %s", r.Check, r.Message)
			continue
		}
		failures = append(failures, r)
		con.Failure("%s", r.Message)
		if r.Hint != "" {
			con.Hint("%s", r.Hint)
		}
	}

	if len(failures) > 0 {
		err := &preflight.EnvironmentError{Failures: failures}
		return &exitError{code: orchestrator.ExitCode(err), err: err}
	}
	con.Success("Environment ready")
	return nil
}
