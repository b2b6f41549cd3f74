package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"connectrpc.com/connect"
	"github.com/alecthomas/kong"
	"github.com/buildkite/taskroom/internal/backend"
	"github.com/buildkite/taskroom/internal/backend/docker"
	"github.com/buildkite/taskroom/internal/backend/process"
	"github.com/buildkite/taskroom/internal/controlclient"
	"github.com/buildkite/taskroom/internal/endpoint"
	"github.com/buildkite/taskroom/internal/runtimeconfig"
	"github.com/buildkite/taskroom/internal/tlsconfig"
	"github.com/charmbracelet/log"
)

type runtimeContext struct {
	CWD        string
	Stdout     *os.File
	Stdin      *os.File
	Config     runtimeconfig.Config
	ConfigPath string
	Backends   map[string]backend.Provisioner
}

type CLI struct {
	Version kong.VersionFlag `help:"Print the taskroom version and exit"`

	Serve  ServeCommand  `cmd:"" help:"Run the taskroom orchestrator and control API"`
	Submit SubmitCommand `cmd:"" help:"Submit a task"`
	Status StatusCommand `cmd:"" help:"Show one task"`
	List   ListCommand   `cmd:"" help:"List tasks"`
	Cancel CancelCommand `cmd:"" help:"Cancel a task"`
	Answer AnswerCommand `cmd:"" help:"Answer a task's pending question"`
	Watch  WatchCommand  `cmd:"" help:"Follow a task's notifications, answering questions interactively"`
	Doctor DoctorCommand `cmd:"" help:"Run environment and backend diagnostics"`
	Config ConfigCommand `cmd:"" help:"Runtime configuration commands"`
	TLS    TLSCommand    `cmd:"" name:"tls" help:"TLS material for https:// endpoints"`
}

type ClientFlags struct {
	Host     string `help:"Control API endpoint (unix://path, http://host:port, or https://host:port)"`
	TLSCA    string `name:"tls-ca" help:"CA certificate for https:// endpoints"`
	LogLevel string `help:"Client log level (debug|info|warn|error)"`
}

type ConfigCommand struct {
	Show ConfigShowCommand `cmd:"" help:"Print the effective runtime configuration with secrets omitted"`
}

type ConfigShowCommand struct{}

type TLSCommand struct {
	Init TLSInitCommand `cmd:"" help:"Generate a private CA and server certificate"`
}

type TLSInitCommand struct {
	Dir   string   `help:"Directory for TLS material (defaults to the taskroom config dir)"`
	Host  []string `help:"Extra DNS name or IP address for the server certificate"`
	Force bool     `help:"Overwrite existing material"`
}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

var (
	newSignalChannel = func() chan os.Signal {
		return make(chan os.Signal, 2)
	}
	notifySignals = func(ch chan os.Signal, sig ...os.Signal) {
		signal.Notify(ch, sig...)
	}
	stopSignals = func(ch chan os.Signal) {
		signal.Stop(ch)
	}
)

func Run(args []string, version string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}

	runtimeCtx := &runtimeContext{
		Stdout:     os.Stdout,
		Stdin:      os.Stdin,
		Config:     cfg,
		ConfigPath: cfgPath,
		Backends:   newBackends(cfg),
	}

	cli := CLI{}
	parser, err := newParser(&cli, kong.Vars{"version": version})
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	runtimeCtx.CWD = cwd

	return ctx.Run(runtimeCtx)
}

func newParser(cli *CLI, options ...kong.Option) (*kong.Kong, error) {
	return kong.New(cli, append([]kong.Option{
		kong.Name("taskroom"),
		kong.Description("Run chat-requested coding tasks in disposable sandboxes"),
	}, options...)...)
}

func newBackends(cfg runtimeconfig.Config) map[string]backend.Provisioner {
	dockerAdapter := docker.New(cfg.Sandbox.Docker.Binary)
	dockerAdapter.Network = cfg.Sandbox.Docker.Network

	processAdapter := process.New(cfg.Sandbox.Process.WorkRoot)
	processAdapter.StopGrace = cfg.StopGrace()

	return map[string]backend.Provisioner{
		runtimeconfig.SandboxDocker:  dockerAdapter,
		runtimeconfig.SandboxProcess: processAdapter,
	}
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func (f ClientFlags) dial() (*controlclient.Client, endpoint.Endpoint, error) {
	ep, err := endpoint.Resolve(f.Host)
	if err != nil {
		return nil, endpoint.Endpoint{}, err
	}
	client, err := controlclient.New(ep, controlclient.WithTLS(tlsconfig.Options{CAPath: f.TLSCA}))
	if err != nil {
		return nil, endpoint.Endpoint{}, err
	}
	return client, ep, nil
}

func (c *ConfigShowCommand) Run(ctx *runtimeContext) error {
	out, err := ctx.Config.Redacted()
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(ctx.Stdout, "# %s\n", ctx.ConfigPath); err != nil {
		return err
	}
	_, err = ctx.Stdout.Write(out)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// describeRPCError trims connect's code prefix for terminal output.
func describeRPCError(ep endpoint.Endpoint, err error) error {
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		switch connectErr.Code() {
		case connect.CodeUnavailable:
			return fmt.Errorf("control API at %s unavailable: %s", endpointDisplay(ep), connectErr.Message())
		default:
			return errors.New(connectErr.Message())
		}
	}
	return fmt.Errorf("control API at %s: %w", endpointDisplay(ep), err)
}

func isCanceledStreamErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var connectErr *connect.Error
	if errors.As(err, &connectErr) && connectErr.Code() == connect.CodeCanceled {
		return true
	}
	return false
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}
