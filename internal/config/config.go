package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds operator defaults loaded from ~/.chainrun/config.yaml.
// Command-line flags take precedence over every field.
type Config struct {
	// Plan is the run plan used when --plan is not given and no
	// chainrun.yaml exists in the working directory.
	Plan       string `yaml:"plan"`
	StateDir   string `yaml:"state_dir"`
	Journal    string `yaml:"journal"`
	StatusAddr string `yaml:"status_addr"`
}

// DefaultPath returns the default config file path: ~/.chainrun/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".chainrun", "config.yaml")
}

// Load reads a YAML config file from path. If the file does not exist,
// it returns an empty Config and no error. An empty or all-comment file
// also returns an empty Config with no error. A leading "~/" in path
// fields is expanded to the home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.Plan = expandHome(cfg.Plan)
	cfg.StateDir = expandHome(cfg.StateDir)
	cfg.Journal = expandHome(cfg.Journal)
	return cfg, nil
}

func expandHome(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
