package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// SandboxBaseDir resolves where the process backend creates per-task work
// directories.
// Preference order:
// 1. $XDG_STATE_HOME/taskroom/sandboxes
// 2. ~/.local/state/taskroom/sandboxes
// 3. $XDG_RUNTIME_DIR/taskroom/sandboxes
func SandboxBaseDir() (string, error) {
	if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
		return filepath.Join(stateHome, "taskroom", "sandboxes"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
			return filepath.Join(runtimeDir, "taskroom", "sandboxes"), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(home, ".local", "state", "taskroom", "sandboxes"), nil
	}
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "taskroom", "sandboxes"), nil
	}
	return "", errors.New("unable to resolve sandbox directory from XDG state/runtime or home")
}
