package backend

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"time"

	"github.com/buildkite/taskroom/internal/task"
)

const (
	CapabilityResourceLimits = "sandbox.resource_limits"
	CapabilitySecretEnv      = "sandbox.secret_env"
	CapabilityIsolated       = "sandbox.isolated"
	CapabilityDoctor         = "diagnostics.doctor"
)

var knownCapabilityKeys = []string{
	CapabilityResourceLimits,
	CapabilitySecretEnv,
	CapabilityIsolated,
	CapabilityDoctor,
}

// ErrSandboxGone is returned by Status when the provisioner has no record of
// the task's sandbox.
var ErrSandboxGone = errors.New("sandbox not found")

// Provisioner creates and destroys one isolated execution environment per
// task. Destroy must be idempotent and treat an already-removed sandbox as
// success. Status is advisory and only used for diagnostics.
type Provisioner interface {
	Name() string
	Create(ctx context.Context, req CreateRequest) (*Handle, error)
	Destroy(ctx context.Context, taskID string) error
	Status(ctx context.Context, taskID string) (Status, error)
}

// CapabilityReporter allows provisioners to publish backend-specific
// capability flags in a machine-readable form.
type CapabilityReporter interface {
	Capabilities() map[string]bool
}

type Doctorer interface {
	Doctor(ctx context.Context, req DoctorRequest) (*DoctorReport, error)
}

// CapabilitiesFor returns a merged capability map for p.
//
// Doctorer implementations get diagnostics.doctor; everything else comes from
// CapabilityReporter.
func CapabilitiesFor(p Provisioner) map[string]bool {
	caps := make(map[string]bool, len(knownCapabilityKeys))
	for _, key := range knownCapabilityKeys {
		caps[key] = false
	}
	if p == nil {
		return caps
	}
	if _, ok := p.(Doctorer); ok {
		caps[CapabilityDoctor] = true
	}
	if reporter, ok := p.(CapabilityReporter); ok {
		maps.Copy(caps, reporter.Capabilities())
	}
	return caps
}

// SortedCapabilityKeys returns deterministic capability keys for presentation.
func SortedCapabilityKeys(caps map[string]bool) []string {
	keys := make([]string, 0, len(caps))
	for key := range caps {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

type Resources struct {
	CPU       float64 `json:"cpu"`
	MemoryMiB int64   `json:"memoryMiB"`
}

type CreateRequest struct {
	TaskID    string
	Image     string
	Resources Resources
	// Env is injected verbatim and may be logged.
	Env map[string]string
	// SecretEnv is injected without ever appearing in logs, argv or handles.
	SecretEnv map[string]string
	Command   []string
}

// EnvNames returns the sorted names of every variable the request injects.
func (r CreateRequest) EnvNames() []string {
	names := make([]string, 0, len(r.Env)+len(r.SecretEnv))
	for name := range r.Env {
		names = append(names, name)
	}
	for name := range r.SecretEnv {
		if _, dup := r.Env[name]; !dup {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

type Status string

const (
	StatusCreating Status = "creating"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
	StatusGone     Status = "gone"
	StatusUnknown  Status = "unknown"
)

// Handle describes a provisioned sandbox. It never carries env values.
type Handle struct {
	TaskID    string    `json:"taskId"`
	Name      string    `json:"name"`
	Backend   string    `json:"backend"`
	ID        string    `json:"id,omitempty"`
	Status    Status    `json:"status"`
	Resources Resources `json:"resources"`
	EnvNames  []string  `json:"envNames,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// SandboxName is the provisioner-visible name for a task's sandbox.
func SandboxName(taskID string) string {
	return "taskroom-" + task.ShortID(taskID)
}

// ProvisioningError reports a failed Create. Provisioning is never retried.
type ProvisioningError struct {
	TaskID  string
	Backend string
	Err     error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision sandbox for task %s (%s): %v", e.TaskID, e.Backend, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

type DoctorRequest struct {
	Image string
}

type DoctorReport struct {
	Backend string        `json:"backend"`
	Checks  []DoctorCheck `json:"checks"`
}

type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass|warn|fail
	Message string `json:"message"`
}
