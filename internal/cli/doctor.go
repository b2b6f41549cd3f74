package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/buildkite/taskroom/internal/backend"
	"github.com/buildkite/taskroom/internal/channel"
	"github.com/buildkite/taskroom/internal/ociref"
	"github.com/buildkite/taskroom/internal/paths"
	"github.com/buildkite/taskroom/internal/runtimeconfig"
	"github.com/buildkite/taskroom/internal/tlsbootstrap"
	"github.com/buildkite/taskroom/internal/tlsconfig"
)

type DoctorCommand struct {
	Backend string `help:"Sandbox backend to diagnose (defaults to the runtime config)"`
	JSON    bool   `help:"Print doctor report as JSON"`
}

// pingRedis is replaced in tests.
var pingRedis = func(ctx context.Context, rawURL string) error {
	r, err := channel.NewRedis(rawURL)
	if err != nil {
		return err
	}
	defer r.Close()
	return r.Ping(ctx)
}

func (d *DoctorCommand) Run(ctx *runtimeContext) error {
	cfg := ctx.Config
	backendName := d.Backend
	if backendName == "" {
		backendName = cfg.Sandbox.Backend
	}
	provisioner, ok := ctx.Backends[backendName]
	if !ok {
		return fmt.Errorf("unknown sandbox backend %q", backendName)
	}

	checks := []backend.DoctorCheck{
		{Name: "runtime_config", Status: "pass", Message: fmt.Sprintf("using runtime config path %s", ctx.ConfigPath)},
		{Name: "backend", Status: "pass", Message: fmt.Sprintf("selected backend %s", backendName)},
	}
	if backendName == runtimeconfig.SandboxDocker {
		checks = append(checks, imageRefCheck(cfg.Sandbox.Image))
	}
	checks = append(checks, channelCheck(cfg))
	checks = append(checks, storeCheck(cfg))
	checks = append(checks, secretEnvCheck(cfg))
	checks = append(checks, tlsCheck())

	if checker, ok := provisioner.(backend.Doctorer); ok {
		doctorCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		report, err := checker.Doctor(doctorCtx, backend.DoctorRequest{Image: cfg.Sandbox.Image})
		cancel()
		if err != nil {
			return err
		}
		checks = append(checks, report.Checks...)
	} else {
		checks = append(checks, backend.DoctorCheck{
			Name:    "backend_doctor",
			Status:  "warn",
			Message: "selected backend does not expose doctor diagnostics",
		})
	}

	caps := backend.CapabilitiesFor(provisioner)
	if d.JSON {
		return writeJSON(ctx.Stdout, map[string]any{
			"backend":      backendName,
			"capabilities": caps,
			"checks":       checks,
		})
	}

	_, err := fmt.Fprint(ctx.Stdout, renderDoctorReport(backendName, checks, shouldUseANSI(ctx.Stdout)))
	if err != nil {
		return err
	}
	for _, key := range backend.SortedCapabilityKeys(caps) {
		if _, err := fmt.Fprintf(ctx.Stdout, "capability %s=%t\n", key, caps[key]); err != nil {
			return err
		}
	}
	return nil
}

func imageRefCheck(image string) backend.DoctorCheck {
	ref, err := ociref.Parse(image)
	if err != nil {
		return backend.DoctorCheck{Name: "sandbox_image_ref", Status: "fail", Message: err.Error()}
	}
	if !ref.Pinned() {
		return backend.DoctorCheck{Name: "sandbox_image_ref", Status: "warn", Message: fmt.Sprintf("%s is not digest-pinned; sandboxes may drift between tasks", ref)}
	}
	return backend.DoctorCheck{Name: "sandbox_image_ref", Status: "pass", Message: fmt.Sprintf("pinned to %s", ref.Digest)}
}

func channelCheck(cfg runtimeconfig.Config) backend.DoctorCheck {
	if cfg.Channel.Backend != runtimeconfig.ChannelRedis {
		return backend.DoctorCheck{
			Name:    "channel",
			Status:  "warn",
			Message: "in-memory channel; sandboxes outside this process cannot publish events (set REDIS_URL)",
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pingRedis(ctx, cfg.Channel.RedisURL); err != nil {
		return backend.DoctorCheck{Name: "channel", Status: "fail", Message: fmt.Sprintf("redis unreachable: %v", err)}
	}
	return backend.DoctorCheck{Name: "channel", Status: "pass", Message: "redis reachable"}
}

func storeCheck(cfg runtimeconfig.Config) backend.DoctorCheck {
	if cfg.Store.Backend != runtimeconfig.StoreSQLite {
		return backend.DoctorCheck{Name: "store", Status: "pass", Message: "in-memory task store"}
	}
	path := strings.TrimSpace(cfg.Store.Path)
	if path == "" || path == ":memory:" {
		return backend.DoctorCheck{Name: "store", Status: "pass", Message: "sqlite task store in memory"}
	}
	return backend.DoctorCheck{Name: "store", Status: "pass", Message: fmt.Sprintf("sqlite task store at %s", path)}
}

// secretEnvCheck reports configured secret names only, never values.
func secretEnvCheck(cfg runtimeconfig.Config) backend.DoctorCheck {
	names := cfg.Sandbox.SecretEnvNames
	if len(names) == 0 {
		return backend.DoctorCheck{Name: "secret_env", Status: "pass", Message: "no secret env configured"}
	}
	resolved := map[string]bool{}
	for _, name := range cfg.SecretNames() {
		resolved[name] = true
	}
	var missing []string
	for _, name := range names {
		if !resolved[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return backend.DoctorCheck{
			Name:    "secret_env",
			Status:  "warn",
			Message: fmt.Sprintf("not set in the environment: %s", strings.Join(missing, ", ")),
		}
	}
	return backend.DoctorCheck{Name: "secret_env", Status: "pass", Message: fmt.Sprintf("set: %s", strings.Join(cfg.SecretNames(), ", "))}
}

func tlsCheck() backend.DoctorCheck {
	m := tlsconfig.Discover(tlsconfig.Options{}.WithEnv())
	if m.HasServerPair() {
		return backend.DoctorCheck{Name: "tls", Status: "pass", Message: fmt.Sprintf("server certificate %s", m.CertPath)}
	}
	return backend.DoctorCheck{Name: "tls", Status: "pass", Message: "no server certificate; https:// listeners need 'taskroom tls init'"}
}

func (c *TLSInitCommand) Run(ctx *runtimeContext) error {
	dir := c.Dir
	if dir == "" {
		var err error
		dir, err = paths.TLSDir()
		if err != nil {
			return fmt.Errorf("resolve TLS directory: %w", err)
		}
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		c.Host = append(c.Host, hostname)
	}
	written, err := tlsbootstrap.Init(dir, tlsbootstrap.InitOptions{Hosts: c.Host, Force: c.Force})
	if err != nil {
		return err
	}
	for _, path := range written {
		if _, err := fmt.Fprintf(ctx.Stdout, "wrote %s\n", path); err != nil {
			return err
		}
	}
	return nil
}
