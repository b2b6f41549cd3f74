// Package docker provisions task sandboxes as detached Docker containers via
// the docker CLI.
package docker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/buildkite/taskroom/internal/backend"
	"github.com/charmbracelet/log"
)

const (
	labelTaskID  = "taskroom.task_id"
	labelManaged = "taskroom.managed"
)

// commandRunner runs the docker binary with extra environment entries and
// returns combined output.
type commandRunner func(ctx context.Context, extraEnv []string, name string, args ...string) ([]byte, error)

var runCommand commandRunner = func(ctx context.Context, extraEnv []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), extraEnv...)
	return cmd.CombinedOutput()
}

var lookPath = exec.LookPath

type Adapter struct {
	Binary  string
	Network string
	Logger  *log.Logger

	run commandRunner
}

func New(binary string) *Adapter {
	return &Adapter{Binary: binary}
}

func (a *Adapter) Name() string {
	return "docker"
}

func (a *Adapter) Capabilities() map[string]bool {
	return map[string]bool{
		backend.CapabilityResourceLimits: true,
		backend.CapabilitySecretEnv:      true,
		backend.CapabilityIsolated:       true,
	}
}

func (a *Adapter) binary() string {
	if b := strings.TrimSpace(a.Binary); b != "" {
		return b
	}
	return "docker"
}

func (a *Adapter) runner() commandRunner {
	if a.run != nil {
		return a.run
	}
	return runCommand
}

func (a *Adapter) Create(ctx context.Context, req backend.CreateRequest) (*backend.Handle, error) {
	if strings.TrimSpace(req.TaskID) == "" {
		return nil, &backend.ProvisioningError{Backend: a.Name(), Err: errors.New("missing task id")}
	}
	if strings.TrimSpace(req.Image) == "" {
		return nil, &backend.ProvisioningError{TaskID: req.TaskID, Backend: a.Name(), Err: errors.New("missing image")}
	}

	name := backend.SandboxName(req.TaskID)
	args, secretEnv := runArgs(name, a.Network, req)
	out, err := a.runner()(ctx, secretEnv, a.binary(), args...)
	if err != nil {
		return nil, &backend.ProvisioningError{
			TaskID:  req.TaskID,
			Backend: a.Name(),
			Err:     fmt.Errorf("docker run: %w: %s", err, strings.TrimSpace(string(out))),
		}
	}

	handle := &backend.Handle{
		TaskID:    req.TaskID,
		Name:      name,
		Backend:   a.Name(),
		ID:        lastLine(out),
		Status:    backend.StatusRunning,
		Resources: req.Resources,
		EnvNames:  req.EnvNames(),
		CreatedAt: time.Now().UTC(),
	}
	if a.Logger != nil {
		a.Logger.Info("container started", "task_id", req.TaskID, "name", name, "image", req.Image, "env", handle.EnvNames)
	}
	return handle, nil
}

// runArgs builds the docker run argv. Secret values are returned separately
// as process environment entries and referenced on argv by name only.
func runArgs(name, network string, req backend.CreateRequest) ([]string, []string) {
	args := []string{
		"run", "-d",
		"--name", name,
		"--label", labelManaged + "=true",
		"--label", labelTaskID + "=" + req.TaskID,
	}
	if network != "" {
		args = append(args, "--network", network)
	}
	if req.Resources.CPU > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(req.Resources.CPU, 'f', -1, 64))
	}
	if req.Resources.MemoryMiB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", req.Resources.MemoryMiB))
	}

	for _, key := range sortedKeys(req.Env) {
		if _, secret := req.SecretEnv[key]; secret {
			continue
		}
		args = append(args, "-e", key+"="+req.Env[key])
	}
	var secretEnv []string
	for _, key := range sortedKeys(req.SecretEnv) {
		args = append(args, "-e", key)
		secretEnv = append(secretEnv, key+"="+req.SecretEnv[key])
	}

	args = append(args, req.Image)
	args = append(args, req.Command...)
	return args, secretEnv
}

func (a *Adapter) Destroy(ctx context.Context, taskID string) error {
	name := backend.SandboxName(taskID)
	out, err := a.runner()(ctx, nil, a.binary(), "rm", "-f", name)
	if err != nil {
		if isNoSuchContainer(out) {
			if a.Logger != nil {
				a.Logger.Warn("container already gone", "task_id", taskID, "name", name)
			}
			return nil
		}
		return fmt.Errorf("docker rm %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	if a.Logger != nil {
		a.Logger.Info("container removed", "task_id", taskID, "name", name)
	}
	return nil
}

func (a *Adapter) Status(ctx context.Context, taskID string) (backend.Status, error) {
	name := backend.SandboxName(taskID)
	out, err := a.runner()(ctx, nil, a.binary(), "inspect", "--format", "{{.State.Status}}", name)
	if err != nil {
		if isNoSuchContainer(out) {
			return backend.StatusGone, backend.ErrSandboxGone
		}
		return backend.StatusUnknown, fmt.Errorf("docker inspect %s: %w", name, err)
	}
	switch lastLine(out) {
	case "created", "restarting":
		return backend.StatusCreating, nil
	case "running", "paused":
		return backend.StatusRunning, nil
	case "exited", "dead", "removing":
		return backend.StatusExited, nil
	default:
		return backend.StatusUnknown, nil
	}
}

func (a *Adapter) Doctor(ctx context.Context, req backend.DoctorRequest) (*backend.DoctorReport, error) {
	report := &backend.DoctorReport{Backend: a.Name()}
	appendCheck := func(name, status, message string) {
		report.Checks = append(report.Checks, backend.DoctorCheck{Name: name, Status: status, Message: message})
	}

	binary := a.binary()
	if _, err := lookPath(binary); err != nil {
		appendCheck("docker_binary", "fail", fmt.Sprintf("docker binary %q not found in PATH", binary))
		return report, nil
	}
	appendCheck("docker_binary", "pass", fmt.Sprintf("found docker binary %q", binary))

	out, err := a.runner()(ctx, nil, binary, "version", "--format", "{{.Server.Version}}")
	if err != nil {
		appendCheck("docker_daemon", "fail", fmt.Sprintf("docker daemon unreachable: %s", strings.TrimSpace(string(out))))
		return report, nil
	}
	appendCheck("docker_daemon", "pass", fmt.Sprintf("docker server %s", lastLine(out)))

	if image := strings.TrimSpace(req.Image); image != "" {
		if _, err := a.runner()(ctx, nil, binary, "image", "inspect", image); err != nil {
			appendCheck("sandbox_image", "warn", fmt.Sprintf("image %s not present locally; it will be pulled on first run", image))
		} else {
			appendCheck("sandbox_image", "pass", fmt.Sprintf("image %s present", image))
		}
	} else {
		appendCheck("sandbox_image", "fail", "no sandbox image configured")
	}
	return report, nil
}

func isNoSuchContainer(out []byte) bool {
	msg := strings.ToLower(string(out))
	return strings.Contains(msg, "no such container") || strings.Contains(msg, "no such object")
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var (
	_ backend.Provisioner        = (*Adapter)(nil)
	_ backend.Doctorer           = (*Adapter)(nil)
	_ backend.CapabilityReporter = (*Adapter)(nil)
)
