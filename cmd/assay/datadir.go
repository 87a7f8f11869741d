// ABOUTME: XDG-based data directory resolution for the assay CLI.
// ABOUTME: Checks XDG_DATA_HOME and falls back to ~/.local/share/assay.
package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// defaultDataDir returns the directory holding the run history database.
func defaultDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "assay"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	return filepath.Join(home, ".local", "share", "assay"), nil
}

// resolveDataDir returns configured when set, else the default, and makes
// sure the directory exists.
func resolveDataDir(configured string) (string, error) {
	dir := configured
	if dir == "" {
		var err error
		if dir, err = defaultDataDir(); err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	return dir, nil
}
