package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/buildkite/taskroom/internal/admission"
	"github.com/buildkite/taskroom/internal/backend"
	"github.com/buildkite/taskroom/internal/backend/docker"
	"github.com/buildkite/taskroom/internal/backend/process"
	"github.com/buildkite/taskroom/internal/channel"
	"github.com/buildkite/taskroom/internal/controlserver"
	"github.com/buildkite/taskroom/internal/endpoint"
	"github.com/buildkite/taskroom/internal/gateway"
	"github.com/buildkite/taskroom/internal/orchestrator"
	"github.com/buildkite/taskroom/internal/relay"
	"github.com/buildkite/taskroom/internal/runtimeconfig"
	"github.com/buildkite/taskroom/internal/store"
	"github.com/buildkite/taskroom/internal/task"
	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

type ServeCommand struct {
	Listen   string `help:"Listen endpoint for the control API: unix://, http://, https:// or tsnet://hostname[:port] (defaults to the runtime config or a unix socket)"`
	LogLevel string `help:"Server log level (debug|info|warn|error)"`
	Backend  string `help:"Sandbox backend (docker|process); defaults to the runtime config"`
	TLSCert  string `name:"tls-cert" help:"Server certificate for https:// listen endpoints"`
	TLSKey   string `name:"tls-key" help:"Server key for https:// listen endpoints"`
}

// services is everything serve runs, built from runtime config.
type services struct {
	orchestrator *orchestrator.Orchestrator
	hub          *gateway.Hub
	registry     *prometheus.Registry
	channel      channel.Channel
	store        store.Store
}

func (s *services) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.channel != nil {
		errs = append(errs, s.channel.Close())
	}
	return errors.Join(errs...)
}

func buildServices(ctx context.Context, cfg runtimeconfig.Config, provisioner backend.Provisioner, logger *log.Logger) (_ *services, err error) {
	validator, err := task.NewValidator(cfg.RepositoryPattern)
	if err != nil {
		return nil, err
	}

	svc := &services{registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			_ = svc.Close()
		}
	}()
	svc.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	switch cfg.Channel.Backend {
	case runtimeconfig.ChannelRedis:
		r, err := channel.NewRedis(cfg.Channel.RedisURL)
		if err != nil {
			return nil, err
		}
		svc.channel = r
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := r.Ping(pingCtx); err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
	default:
		svc.channel = channel.NewMemory(0)
	}

	switch cfg.Store.Backend {
	case runtimeconfig.StoreSQLite:
		st, err := store.OpenSQLite(ctx, cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		svc.store = st
	default:
		svc.store = store.NewMemory()
	}

	svc.hub = gateway.NewHub(logger.With("subsystem", "hub"))
	redisURL := ""
	if cfg.Channel.Backend == runtimeconfig.ChannelRedis {
		redisURL = cfg.Channel.RedisURL
	}

	svc.orchestrator, err = orchestrator.New(orchestrator.Options{
		Config: orchestrator.Config{
			AnswerTimeout:    cfg.AnswerTimeout(),
			ProvisionTimeout: cfg.ProvisionTimeout(),
			Retention:        cfg.TaskRetention(),
			SweepInterval:    cfg.SweepInterval(),
			LivenessCheck:    cfg.LivenessCheck(),
			InlineLimit:      cfg.ResultInlineLimit,
			Image:            cfg.Sandbox.Image,
			Resources:        backend.Resources{CPU: cfg.Sandbox.CPUs, MemoryMiB: cfg.Sandbox.MemoryMiB},
			Command:          cfg.Sandbox.Command,
			Env:              cfg.Sandbox.Env,
			SecretEnv:        cfg.SecretEnv(),
			RedisURL:         redisURL,
		},
		Validator:   validator,
		Admission:   admission.New(cfg.MaxConcurrentTasks, cfg.MaxQueuedTasks),
		Provisioner: provisioner,
		Relay: &relay.Relay{
			Channel:   svc.channel,
			Publisher: channel.NewRetryPublisher(svc.channel, nil),
			Names:     channel.Names{Prefix: cfg.Channel.Prefix},
			Logger:    logger.With("subsystem", "relay"),
		},
		Store:   svc.store,
		Gateway: gateway.Multi{svc.hub, gateway.Log{Logger: logger.With("subsystem", "gateway")}},
		Metrics: orchestrator.MustNewMetrics(svc.registry),
		Logger:  logger.With("subsystem", "orchestrator"),
	})
	if err != nil {
		return nil, err
	}
	if err := svc.orchestrator.Recover(ctx); err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *ServeCommand) Run(ctx *runtimeContext) error {
	cfg := ctx.Config
	level := s.LogLevel
	if level == "" {
		level = cfg.LogLevel
	}
	logger, err := newLogger(level, "server")
	if err != nil {
		return err
	}
	applyPolishedLoggerStyles(logger, shouldUseANSI(os.Stderr))

	listen := s.Listen
	if listen == "" {
		listen = cfg.Listen
	}
	ep, err := endpoint.ResolveListen(listen)
	if err != nil {
		return err
	}

	backendName := s.Backend
	if backendName == "" {
		backendName = cfg.Sandbox.Backend
	}
	provisioner, ok := ctx.Backends[backendName]
	if !ok {
		return fmt.Errorf("unknown sandbox backend %q", backendName)
	}
	switch p := provisioner.(type) {
	case *docker.Adapter:
		p.Logger = logger.With("subsystem", "backend")
	case *process.Adapter:
		p.Logger = logger.With("subsystem", "backend")
	}

	runCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	svc, err := buildServices(runCtx, cfg, provisioner, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("close services", "error", err)
		}
	}()

	if shouldShowStartupHeader(os.Stderr) {
		_ = writeStartupHeader(os.Stderr, startupHeader{
			Title: "taskroom serve",
			Fields: []startupField{
				{Key: "listen", Value: endpointDisplay(ep)},
				{Key: "backend", Value: backendName},
				{Key: "channel", Value: cfg.Channel.Backend},
				{Key: "store", Value: cfg.Store.Backend},
				{Key: "concurrency", Value: strconv.Itoa(cfg.MaxConcurrentTasks)},
				{Key: "log level", Value: effectiveLogLevel(level)},
			},
		}, shouldUseANSI(os.Stderr))
	}
	logger.Info("starting taskroom",
		"backend", backendName,
		"channel", cfg.Channel.Backend,
		"store", cfg.Store.Backend,
		"max_concurrent_tasks", cfg.MaxConcurrentTasks,
		"secret_env", cfg.SecretNames(),
	)

	server := controlserver.New(svc.orchestrator, svc.hub, logger.With("subsystem", "http"), controlserver.WithMetrics(svc.registry))
	tlsOpts := &controlserver.TLSOptions{CertPath: s.TLSCert, KeyPath: s.TLSKey}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return svc.orchestrator.Run(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return controlserver.Serve(gctx, ep, server.Handler(), logger, tlsOpts)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), orchestrator.DefaultDestroyTimeout)
		defer cancel()
		return svc.orchestrator.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
