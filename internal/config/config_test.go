package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `plan: /etc/chainrun/myco.yaml
state_dir: /var/lib/chainrun
journal: /var/log/chainrun/journal.ndjson
status_addr: 127.0.0.1:9191
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Plan != "/etc/chainrun/myco.yaml" {
		t.Errorf("Plan = %q, want %q", cfg.Plan, "/etc/chainrun/myco.yaml")
	}
	if cfg.StateDir != "/var/lib/chainrun" {
		t.Errorf("StateDir = %q, want %q", cfg.StateDir, "/var/lib/chainrun")
	}
	if cfg.Journal != "/var/log/chainrun/journal.ndjson" {
		t.Errorf("Journal = %q, want %q", cfg.Journal, "/var/log/chainrun/journal.ndjson")
	}
	if cfg.StatusAddr != "127.0.0.1:9191" {
		t.Errorf("StatusAddr = %q, want %q", cfg.StatusAddr, "127.0.0.1:9191")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if *cfg != (Config{}) {
		t.Errorf("expected empty config, got %+v", *cfg)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *cfg != (Config{}) {
		t.Errorf("expected empty config, got %+v", *cfg)
	}
}

func TestLoadCommentsOnly(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeConfig(t, "# state_dir: /tmp/x\n# status_addr: 127.0.0.1:9191\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *cfg != (Config{}) {
		t.Errorf("expected empty config, got %+v", *cfg)
	}
}

func TestLoadPartialConfig(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeConfig(t, "status_addr: 127.0.0.1:9191\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StatusAddr != "127.0.0.1:9191" {
		t.Errorf("StatusAddr = %q, want %q", cfg.StatusAddr, "127.0.0.1:9191")
	}
	if cfg.StateDir != "" {
		t.Errorf("StateDir = %q, want empty", cfg.StateDir)
	}
}

func TestLoadExpandsHome(t *testing.T) {
	t.Parallel()
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	cfg, err := Load(writeConfig(t, "state_dir: ~/.chainrun/state\njournal: ~/runs.ndjson\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := filepath.Join(home, ".chainrun", "state"); cfg.StateDir != want {
		t.Errorf("StateDir = %q, want %q", cfg.StateDir, want)
	}
	if want := filepath.Join(home, "runs.ndjson"); cfg.Journal != want {
		t.Errorf("Journal = %q, want %q", cfg.Journal, want)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	t.Parallel()
	if _, err := Load(writeConfig(t, "state_dir: [unclosed\n")); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}
