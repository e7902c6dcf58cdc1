//go:build linux || darwin

package config

import (
	"os"
	"path/filepath"
)

func configSearchPaths() []string {
	home, _ := os.UserHomeDir()
	return []string{
		filepath.Join(home, ".vitalis", "config.yaml"),
		"/etc/vitalis/agent.yaml",
	}
}

// defaultDataDir holds the store, the offline queue and the log file.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), "vitalis")
	}
	return filepath.Join(home, ".vitalis", "data")
}
