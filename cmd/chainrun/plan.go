package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/benaskins/chainrun/internal/config"
	"github.com/benaskins/chainrun/internal/spec"
)

const localPlanFile = "chainrun.yaml"

var planOpts struct {
	path             string
	configPath       string
	clientEndpoint   string
	upstreamEndpoint string
	warmup           int
	iterations       int
	verbose          bool
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the effective plan as YAML",
	Long:  "Resolve the plan the way a run would, apply flag overrides, validate it and print it.",
	Args:  cobra.NoArgs,
	RunE:  runPlan,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&planOpts.path, "plan", "", "Run plan YAML file")
	pf.StringVar(&planOpts.configPath, "config", "", "Operator config file (default ~/.chainrun/config.yaml)")
	pf.StringVar(&planOpts.clientEndpoint, "client-endpoint", spec.DefaultClientEndpoint, "Endpoint of the dependency the workload talks to")
	pf.StringVar(&planOpts.upstreamEndpoint, "upstream-endpoint", spec.DefaultUpstreamEndpoint, "Endpoint of the upstream dependency")
	pf.IntVar(&planOpts.warmup, "warmup", 0, "Warm-up iterations passed to the workload")
	pf.IntVar(&planOpts.iterations, "iterations", 0, "Measured iterations passed to the workload")
	pf.BoolVarP(&planOpts.verbose, "verbose", "v", false, "Log lifecycle details to stderr")

	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	setupLogging()

	plan, source, _, err := loadPlan(cmd)
	if err != nil {
		return err
	}
	data, err := plan.Marshal()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "# source: %s\n", source)
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func setupLogging() {
	level := slog.LevelWarn
	if planOpts.verbose {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func loadConfig() (*config.Config, error) {
	path := planOpts.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	if path == "" {
		return &config.Config{}, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}
	return cfg, nil
}

// loadPlan resolves the plan (--plan, ./chainrun.yaml, config, built-in),
// applies flag overrides and validates the result. source names where the
// plan came from.
func loadPlan(cmd *cobra.Command) (plan *spec.Plan, source string, cfg *config.Config, err error) {
	cfg, err = loadConfig()
	if err != nil {
		return nil, "", nil, err
	}

	path := planOpts.path
	if path == "" {
		if _, statErr := os.Stat(localPlanFile); statErr == nil {
			path = localPlanFile
		} else if !errors.Is(statErr, fs.ErrNotExist) {
			return nil, "", nil, statErr
		} else {
			path = cfg.Plan
		}
	}

	if path == "" {
		plan, source = spec.Default(), "built-in"
	} else {
		plan, err = spec.Load(path)
		if err != nil {
			return nil, "", nil, err
		}
		source = path
		if plan.WorkingDir != "" && !filepath.IsAbs(plan.WorkingDir) {
			plan.WorkingDir = filepath.Join(filepath.Dir(path), plan.WorkingDir)
		}
	}

	flags := cmd.Flags()
	if flags.Changed("client-endpoint") || plan.Endpoints.Client == "" {
		plan.Endpoints.Client = planOpts.clientEndpoint
	}
	if flags.Changed("upstream-endpoint") || plan.Endpoints.Upstream == "" {
		plan.Endpoints.Upstream = planOpts.upstreamEndpoint
	}
	if flags.Changed("warmup") {
		plan.Workload.Warmup = planOpts.warmup
	}
	if flags.Changed("iterations") {
		plan.Workload.Iterations = planOpts.iterations
	}

	if err := plan.Validate(); err != nil {
		return nil, "", nil, fmt.Errorf("plan %s: %w", source, err)
	}
	return plan, source, cfg, nil
}
