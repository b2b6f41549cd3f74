package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// StateBaseDir resolves the default base directory for taskroom state.
// Preference order:
// 1. $XDG_STATE_HOME/taskroom
// 2. ~/.local/state/taskroom
// 3. $XDG_RUNTIME_DIR/taskroom
func StateBaseDir() (string, error) {
	if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
		return filepath.Join(stateHome, "taskroom"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "taskroom"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "state", "taskroom"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "taskroom"), nil
	}
	return "", errors.New("unable to resolve state directory from XDG state/runtime or home")
}

// TasksDBPath is the default location of the SQLite task store when the file
// store is selected.
func TasksDBPath() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "tasks.db"), nil
}

// TSNetStateDir holds the tailnet node state for tsnet:// listeners.
func TSNetStateDir() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "tsnet"), nil
}

// ConfigDir returns $XDG_CONFIG_HOME/taskroom or ~/.config/taskroom.
func ConfigDir() (string, error) {
	configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if configHome != "" {
		return filepath.Join(configHome, "taskroom"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "taskroom"), nil
}

// TLSDir returns the default directory for taskroom TLS material.
func TLSDir() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "tls"), nil
}
