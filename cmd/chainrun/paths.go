package main

import (
	"os"
	"path/filepath"
)

// chainrunHome returns the path to the chainrun home directory (~/.chainrun).
func chainrunHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".chainrun"), nil
}

func defaultStateDir() string {
	dir, err := chainrunHome()
	if err != nil {
		return filepath.Join(os.TempDir(), "chainrun")
	}
	return filepath.Join(dir, "state")
}
