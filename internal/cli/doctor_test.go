package cli

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/buildkite/taskroom/internal/backend"
	"github.com/buildkite/taskroom/internal/runtimeconfig"
)

type doctorTestProvisioner struct{}

func (doctorTestProvisioner) Name() string { return "doctor-test" }

func (doctorTestProvisioner) Create(_ context.Context, req backend.CreateRequest) (*backend.Handle, error) {
	return &backend.Handle{TaskID: req.TaskID, Name: backend.SandboxName(req.TaskID)}, nil
}

func (doctorTestProvisioner) Destroy(context.Context, string) error { return nil }

func (doctorTestProvisioner) Status(context.Context, string) (backend.Status, error) {
	return backend.StatusRunning, nil
}

func (doctorTestProvisioner) Doctor(_ context.Context, req backend.DoctorRequest) (*backend.DoctorReport, error) {
	return &backend.DoctorReport{
		Backend: "doctor-test",
		Checks: []backend.DoctorCheck{
			{Name: "sandbox_image", Status: "pass", Message: "image " + req.Image + " present"},
		},
	}, nil
}

func (doctorTestProvisioner) Capabilities() map[string]bool {
	return map[string]bool{
		backend.CapabilitySecretEnv: true,
		backend.CapabilityIsolated:  false,
	}
}

func makeStdoutCapture(t *testing.T) (*os.File, func() string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stdout.txt")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create stdout file: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f, func() string {
		b, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read stdout file: %v", err)
		}
		return string(b)
	}
}

func doctorRuntime(t *testing.T, stdout *os.File, cfg runtimeconfig.Config) *runtimeContext {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("TASKROOM_TLS_CERT", "")
	t.Setenv("TASKROOM_TLS_KEY", "")
	return &runtimeContext{
		Stdout:     stdout,
		Config:     cfg,
		ConfigPath: "/etc/taskroom/config.yaml",
		Backends: map[string]backend.Provisioner{
			"doctor-test": doctorTestProvisioner{},
		},
	}
}

func TestDoctorCommandJSONIncludesCapabilities(t *testing.T) {
	stdout, readStdout := makeStdoutCapture(t)
	cfg := runtimeconfig.Default()
	cfg.Sandbox.Image = "ghcr.io/acme/sandbox:1"

	cmd := DoctorCommand{Backend: "doctor-test", JSON: true}
	if err := cmd.Run(doctorRuntime(t, stdout, cfg)); err != nil {
		t.Fatalf("DoctorCommand.Run returned error: %v", err)
	}

	var payload struct {
		Backend      string                `json:"backend"`
		Capabilities map[string]bool       `json:"capabilities"`
		Checks       []backend.DoctorCheck `json:"checks"`
	}
	if err := json.Unmarshal([]byte(readStdout()), &payload); err != nil {
		t.Fatalf("unmarshal doctor JSON: %v", err)
	}
	if payload.Backend != "doctor-test" {
		t.Fatalf("unexpected backend: got %q", payload.Backend)
	}
	if !payload.Capabilities[backend.CapabilitySecretEnv] || !payload.Capabilities[backend.CapabilityDoctor] {
		t.Fatalf("unexpected capabilities: %v", payload.Capabilities)
	}
	if payload.Capabilities[backend.CapabilityIsolated] {
		t.Fatalf("expected %s=false", backend.CapabilityIsolated)
	}

	byName := map[string]backend.DoctorCheck{}
	for _, check := range payload.Checks {
		byName[check.Name] = check
	}
	if got := byName["channel"].Status; got != "warn" {
		t.Fatalf("expected memory channel warning, got %q", got)
	}
	if got := byName["sandbox_image"].Message; got != "image ghcr.io/acme/sandbox:1 present" {
		t.Fatalf("expected backend doctor checks, got %q", got)
	}
	if got := byName["secret_env"]; got.Status != "warn" || !strings.Contains(got.Message, "GITHUB_PAT") {
		t.Fatalf("expected unresolved secret warning, got %+v", got)
	}
}

func TestDoctorCommandNeverPrintsSecretValues(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("GITHUB_PAT", "ghp_supersecretvalue")
	t.Setenv("REDIS_URL", "")
	cfg, err := runtimeconfig.LoadFrom(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	stdout, readStdout := makeStdoutCapture(t)
	t.Setenv("NO_COLOR", "1")

	cmd := DoctorCommand{Backend: "doctor-test"}
	if err := cmd.Run(doctorRuntime(t, stdout, cfg)); err != nil {
		t.Fatalf("DoctorCommand.Run returned error: %v", err)
	}
	out := readStdout()
	if strings.Contains(out, "ghp_supersecretvalue") {
		t.Fatalf("doctor output leaked a secret value: %q", out)
	}
	if !strings.Contains(out, "✓ [pass] secret_env: set: GITHUB_PAT") {
		t.Fatalf("expected resolved secret name, got: %q", out)
	}
}

func TestDoctorCommandRedisChannel(t *testing.T) {
	var pinged string
	orig := pingRedis
	pingRedis = func(_ context.Context, rawURL string) error {
		pinged = rawURL
		return errors.New("connection refused")
	}
	t.Cleanup(func() { pingRedis = orig })

	stdout, readStdout := makeStdoutCapture(t)
	t.Setenv("NO_COLOR", "1")
	cfg := runtimeconfig.Default()
	cfg.Channel = runtimeconfig.ChannelConfig{Backend: runtimeconfig.ChannelRedis, RedisURL: "redis://127.0.0.1:6390/0"}

	cmd := DoctorCommand{Backend: "doctor-test"}
	if err := cmd.Run(doctorRuntime(t, stdout, cfg)); err != nil {
		t.Fatalf("DoctorCommand.Run returned error: %v", err)
	}
	if pinged != "redis://127.0.0.1:6390/0" {
		t.Fatalf("expected redis ping, got %q", pinged)
	}
	if out := readStdout(); !strings.Contains(out, "✗ [fail] channel: redis unreachable: connection refused") {
		t.Fatalf("expected channel failure line, got: %q", out)
	}
}

func TestDoctorCommandTextUsesPolishedPlainOutput(t *testing.T) {
	stdout, readStdout := makeStdoutCapture(t)
	t.Setenv("NO_COLOR", "1")

	cmd := DoctorCommand{Backend: "doctor-test"}
	if err := cmd.Run(doctorRuntime(t, stdout, runtimeconfig.Default())); err != nil {
		t.Fatalf("DoctorCommand.Run returned error: %v", err)
	}

	out := readStdout()
	for _, want := range []string{
		"doctor report (doctor-test)",
		"✓ [pass] runtime_config: using runtime config path /etc/taskroom/config.yaml",
		"! [warn] channel:",
		"✓ [pass] tls: no server certificate",
		"capability sandbox.secret_env=true",
		"summary: ",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got: %q", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Fatalf("expected plain output without ANSI escapes, got: %q", out)
	}
}

func TestImageRefCheck(t *testing.T) {
	if got := imageRefCheck("ghcr.io/acme/sandbox:1"); got.Status != "warn" || !strings.Contains(got.Message, "not digest-pinned") {
		t.Fatalf("expected tag warning, got %+v", got)
	}
	pinned := "ghcr.io/acme/sandbox@sha256:0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"
	if got := imageRefCheck(pinned); got.Status != "pass" {
		t.Fatalf("expected pinned image to pass, got %+v", got)
	}
	if got := imageRefCheck("ghcr.io/acme/Sandbox"); got.Status != "fail" {
		t.Fatalf("expected invalid reference to fail, got %+v", got)
	}
}

func TestDoctorCommandUnknownBackend(t *testing.T) {
	stdout, _ := makeStdoutCapture(t)
	cmd := DoctorCommand{Backend: "firecracker"}
	if err := cmd.Run(doctorRuntime(t, stdout, runtimeconfig.Default())); err == nil {
		t.Fatal("expected unknown backend error")
	}
}
