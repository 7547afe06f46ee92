package cmd

import (
	"os"
	"path/filepath"
	"runtime"
)

// DefaultDataDir is the default data directory to use for the databases and other
// persistence requirements.
func DefaultDataDir() string {
	home := homeDir()
	if home == "" {
		// As we cannot guess a stable location, return empty and handle later.
		return ""
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "FLCoordinator")
	case "windows":
		return filepath.Join(home, "AppData", "Local", "FLCoordinator")
	default:
		return filepath.Join(home, ".flcoordinator")
	}
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := os.UserHomeDir(); err == nil {
		return usr
	}
	return ""
}
