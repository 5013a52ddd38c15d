package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/benaskins/chainrun/internal/api"
	"github.com/benaskins/chainrun/internal/console"
	"github.com/benaskins/chainrun/internal/journal"
	"github.com/benaskins/chainrun/internal/orchestrator"
	"github.com/benaskins/chainrun/internal/registry"
)

var runOpts struct {
	readinessDelay time.Duration
	stopGrace      time.Duration
	journal        string
	statusAddr     string
	stateDir       string
	noState        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the plan (the default command)",
	Args:  cobra.NoArgs,
	RunE:  runRun,
}

func addRunFlags(fs *pflag.FlagSet) {
	fs.DurationVar(&runOpts.readinessDelay, "readiness-delay", 0, "Wait this long after each start instead of probing readiness")
	fs.DurationVar(&runOpts.stopGrace, "stop-grace", 0, "Time a process gets to exit after its stop signal before SIGKILL (default 3s)")
	fs.StringVar(&runOpts.journal, "journal", "", "Append lifecycle events to this NDJSON file")
	fs.StringVar(&runOpts.statusAddr, "status-addr", "", "Serve run status over HTTP on this address (e.g. 127.0.0.1:9191)")
	fs.StringVar(&runOpts.stateDir, "state-dir", "", "Directory for the state file used to sweep leftovers of a crashed run (default ~/.chainrun/state)")
	fs.BoolVar(&runOpts.noState, "no-state", false, "Do not record started processes on disk")
}

func init() {
	addRunFlags(rootCmd.Flags())
	addRunFlags(runCmd.Flags())
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unknown command %q for %q", args[0], cmd.CommandPath())
	}
	setupLogging()

	plan, source, cfg, err := loadPlan(cmd)
	if err != nil {
		return err
	}
	slog.Info("plan loaded", "source", source, "name", plan.Name)

	dir, err := os.Getwd()
	if err != nil {
		return err
	}
	runID := uuid.NewString()

	var state *registry.StateFile
	if !runOpts.noState {
		stateDir := firstNonEmpty(runOpts.stateDir, cfg.StateDir, defaultStateDir())
		state = registry.NewStateFile(stateDir, runID)
	}

	var jl *journal.Logger
	if path := firstNonEmpty(runOpts.journal, cfg.Journal); path != "" {
		jl, err = journal.Open(path, runID)
		if err != nil {
			return err
		}
		defer jl.Close()
	}

	con := console.New(os.Stdout)
	o, err := orchestrator.New(orchestrator.Config{
		Plan:           plan,
		Dir:            dir,
		ReadinessDelay: runOpts.readinessDelay,
		StopGrace:      runOpts.stopGrace,
		Console:        con,
		Journal:        jl,
		State:          state,
		RunID:          runID,
	})
	if err != nil {
		return err
	}

	if addr := firstNonEmpty(runOpts.statusAddr, cfg.StatusAddr); addr != "" {
		srv := api.NewServer(o)
		bound, err := srv.Listen(addr)
		if err != nil {
			return fmt.Errorf("status API: %w", err)
		}
		go func() {
			if err := srv.Serve(); err != nil {
				slog.Error("status API error", "error", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
		con.Hint("status: http://%s/v1/run", bound)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				o.Interrupt(sig)
			case <-done:
				return
			}
		}
	}()

	outcome := o.Run(context.Background())
	if outcome.ExitCode != orchestrator.ExitOK {
		return &exitError{code: outcome.ExitCode, err: outcome.Err}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
