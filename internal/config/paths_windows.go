//go:build windows

package config

import (
	"os"
	"path/filepath"
)

func configSearchPaths() []string {
	local := os.Getenv("LOCALAPPDATA")
	programData := os.Getenv("ProgramData")
	return []string{
		filepath.Join(local, "Vitalis", "config.yaml"),
		filepath.Join(programData, "Vitalis", "agent.yaml"),
	}
}

// defaultDataDir holds the store, the offline queue and the log file.
func defaultDataDir() string {
	programData := os.Getenv("ProgramData")
	if programData == "" {
		programData = `C:\ProgramData`
	}
	return filepath.Join(programData, "Vitalis", "data")
}
