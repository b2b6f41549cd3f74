//go:build linux || darwin

// Package process provisions task sandboxes as local process groups. It does
// not isolate the sandbox from the host and is meant for development.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/buildkite/taskroom/internal/backend"
	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

const defaultStopGrace = 5 * time.Second

type Adapter struct {
	// WorkRoot holds per-task working directories. Defaults to os.TempDir.
	WorkRoot  string
	StopGrace time.Duration
	Logger    *log.Logger

	mu    sync.Mutex
	procs map[string]*sandboxProcess
}

type sandboxProcess struct {
	cmd     *exec.Cmd
	workDir string
	done    chan struct{}
}

func New(workRoot string) *Adapter {
	return &Adapter{WorkRoot: workRoot}
}

func (a *Adapter) Name() string {
	return "process"
}

func (a *Adapter) Capabilities() map[string]bool {
	return map[string]bool{
		backend.CapabilityResourceLimits: false,
		backend.CapabilitySecretEnv:      true,
		backend.CapabilityIsolated:       false,
	}
}

func (a *Adapter) Create(ctx context.Context, req backend.CreateRequest) (*backend.Handle, error) {
	provErr := func(err error) error {
		return &backend.ProvisioningError{TaskID: req.TaskID, Backend: a.Name(), Err: err}
	}
	if req.TaskID == "" {
		return nil, provErr(errors.New("missing task id"))
	}
	if len(req.Command) == 0 || req.Command[0] == "" {
		return nil, provErr(errors.New("missing sandbox command"))
	}
	if err := ctx.Err(); err != nil {
		return nil, provErr(err)
	}

	a.mu.Lock()
	if a.procs == nil {
		a.procs = map[string]*sandboxProcess{}
	}
	if _, exists := a.procs[req.TaskID]; exists {
		a.mu.Unlock()
		return nil, provErr(errors.New("sandbox already exists"))
	}
	a.mu.Unlock()

	root := a.WorkRoot
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, provErr(fmt.Errorf("create work root: %w", err))
	}
	name := backend.SandboxName(req.TaskID)
	workDir, err := os.MkdirTemp(root, name+"-")
	if err != nil {
		return nil, provErr(fmt.Errorf("create work dir: %w", err))
	}
	logFile, err := os.Create(filepath.Join(workDir, "sandbox.log"))
	if err != nil {
		_ = os.RemoveAll(workDir)
		return nil, provErr(fmt.Errorf("create sandbox log: %w", err))
	}

	// The process outlives Create, so it must not be bound to ctx.
	cmd := exec.Command(req.Command[0], req.Command[1:]...)
	cmd.Dir = workDir
	cmd.Env = buildEnv(req)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		_ = os.RemoveAll(workDir)
		return nil, provErr(fmt.Errorf("start sandbox command: %w", err))
	}

	proc := &sandboxProcess{cmd: cmd, workDir: workDir, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		_ = logFile.Close()
		close(proc.done)
	}()

	a.mu.Lock()
	a.procs[req.TaskID] = proc
	a.mu.Unlock()

	if a.Logger != nil {
		a.Logger.Info("sandbox process started", "task_id", req.TaskID, "pid", cmd.Process.Pid, "work_dir", workDir, "env", req.EnvNames())
	}
	return &backend.Handle{
		TaskID:    req.TaskID,
		Name:      name,
		Backend:   a.Name(),
		ID:        strconv.Itoa(cmd.Process.Pid),
		Status:    backend.StatusRunning,
		Resources: req.Resources,
		EnvNames:  req.EnvNames(),
		CreatedAt: time.Now().UTC(),
	}, nil
}

func buildEnv(req backend.CreateRequest) []string {
	env := os.Environ()
	merged := make(map[string]string, len(req.Env)+len(req.SecretEnv))
	for k, v := range req.Env {
		merged[k] = v
	}
	for k, v := range req.SecretEnv {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}

// Destroy sends SIGTERM to the sandbox process group, escalating to SIGKILL
// after the stop grace period, then removes the work directory.
func (a *Adapter) Destroy(ctx context.Context, taskID string) error {
	a.mu.Lock()
	proc, ok := a.procs[taskID]
	delete(a.procs, taskID)
	a.mu.Unlock()
	if !ok {
		if a.Logger != nil {
			a.Logger.Warn("sandbox process already gone", "task_id", taskID)
		}
		return nil
	}

	pgid := proc.cmd.Process.Pid
	if err := signalGroup(pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal sandbox process group %d: %w", pgid, err)
	}

	grace := a.StopGrace
	if grace <= 0 {
		grace = defaultStopGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-proc.done:
	case <-timer.C:
		_ = signalGroup(pgid, unix.SIGKILL)
		<-proc.done
	case <-ctx.Done():
		_ = signalGroup(pgid, unix.SIGKILL)
		<-proc.done
	}

	if err := os.RemoveAll(proc.workDir); err != nil && a.Logger != nil {
		a.Logger.Warn("remove sandbox work dir", "task_id", taskID, "error", err)
	}
	if a.Logger != nil {
		a.Logger.Info("sandbox process stopped", "task_id", taskID, "pid", pgid)
	}
	return nil
}

func signalGroup(pgid int, sig unix.Signal) error {
	return unix.Kill(-pgid, sig)
}

func (a *Adapter) Status(_ context.Context, taskID string) (backend.Status, error) {
	a.mu.Lock()
	proc, ok := a.procs[taskID]
	a.mu.Unlock()
	if !ok {
		return backend.StatusGone, backend.ErrSandboxGone
	}
	select {
	case <-proc.done:
		return backend.StatusExited, nil
	default:
		return backend.StatusRunning, nil
	}
}

func (a *Adapter) Doctor(_ context.Context, _ backend.DoctorRequest) (*backend.DoctorReport, error) {
	report := &backend.DoctorReport{Backend: a.Name()}
	report.Checks = append(report.Checks, backend.DoctorCheck{
		Name:    "isolation",
		Status:  "warn",
		Message: "process backend runs sandboxes on the host without isolation",
	})
	root := a.WorkRoot
	if root == "" {
		root = os.TempDir()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		report.Checks = append(report.Checks, backend.DoctorCheck{Name: "work_root", Status: "fail", Message: err.Error()})
	} else {
		report.Checks = append(report.Checks, backend.DoctorCheck{Name: "work_root", Status: "pass", Message: fmt.Sprintf("work root %s writable", root)})
	}
	return report, nil
}

var (
	_ backend.Provisioner        = (*Adapter)(nil)
	_ backend.Doctorer           = (*Adapter)(nil)
	_ backend.CapabilityReporter = (*Adapter)(nil)
)
