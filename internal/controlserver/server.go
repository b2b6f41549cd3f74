// Package controlserver exposes the orchestrator over the connect control API.
package controlserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/buildkite/taskroom/internal/admission"
	"github.com/buildkite/taskroom/internal/backend"
	"github.com/buildkite/taskroom/internal/controlapi"
	"github.com/buildkite/taskroom/internal/endpoint"
	"github.com/buildkite/taskroom/internal/gateway"
	"github.com/buildkite/taskroom/internal/orchestrator"
	"github.com/buildkite/taskroom/internal/paths"
	"github.com/buildkite/taskroom/internal/task"
	"github.com/buildkite/taskroom/internal/tlsconfig"
	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"tailscale.com/tsnet"
)

// TLSOptions holds explicit TLS paths for the server.
type TLSOptions struct {
	CertPath string
	KeyPath  string
	CAPath   string
}

// Tasks is the orchestrator surface served by the control API.
type Tasks interface {
	Submit(ctx context.Context, req task.SubmitRequest) (orchestrator.SubmitResult, error)
	Get(ctx context.Context, id string) (task.Task, error)
	List(ctx context.Context) ([]task.Task, error)
	Cancel(ctx context.Context, id string) (task.Task, error)
	SubmitAnswer(ctx context.Context, id, answer string) error
	SandboxStatus(ctx context.Context, id string) (backend.Status, error)
	Stats() admission.Stats
}

// Notifications supplies per-task notification history and live updates.
type Notifications interface {
	Subscribe(taskID string) ([]gateway.Notification, <-chan gateway.Notification, <-chan struct{}, func(), error)
}

type Server struct {
	tasks    Tasks
	notes    Notifications
	gatherer prometheus.Gatherer
	logger   *log.Logger
}

type Option func(*Server)

// WithMetrics serves the gatherer's metrics on /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

func New(tasks Tasks, notes Notifications, logger *log.Logger, opts ...Option) *Server {
	s := &Server{tasks: tasks, notes: notes, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type tsnetServer interface {
	Listen(network, addr string) (net.Listener, error)
	Close() error
}

var newTSNetServer = func(ep endpoint.Endpoint, stateDir string, tsLogf func(format string, args ...any)) tsnetServer {
	return &tsnet.Server{
		Dir:      stateDir,
		Hostname: ep.TSNetHostname,
		Logf:     tsLogf,
	}
}

func tsnetLogf(logger *log.Logger) func(format string, args ...any) {
	if logger == nil {
		return nil
	}
	tsLogger := logger.With("subsystem", "tsnet")
	return func(format string, args ...any) {
		msg := strings.TrimSpace(fmt.Sprintf(format, args...))
		if msg == "" {
			return
		}
		tsLogger.Debug(msg)
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	codec := connect.WithCodec(controlapi.Codec{})

	mux.Handle(controlapi.SubmitTaskProcedure, connect.NewUnaryHandler(controlapi.SubmitTaskProcedure, s.SubmitTask, codec))
	mux.Handle(controlapi.GetTaskProcedure, connect.NewUnaryHandler(controlapi.GetTaskProcedure, s.GetTask, codec))
	mux.Handle(controlapi.ListTasksProcedure, connect.NewUnaryHandler(controlapi.ListTasksProcedure, s.ListTasks, codec))
	mux.Handle(controlapi.CancelTaskProcedure, connect.NewUnaryHandler(controlapi.CancelTaskProcedure, s.CancelTask, codec))
	mux.Handle(controlapi.AnswerQuestionProcedure, connect.NewUnaryHandler(controlapi.AnswerQuestionProcedure, s.AnswerQuestion, codec))
	mux.Handle(controlapi.StreamTaskProcedure, connect.NewServerStreamHandler(controlapi.StreamTaskProcedure, s.StreamTask, codec))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return h2c.NewHandler(mux, &http2.Server{})
}

func (s *Server) SubmitTask(ctx context.Context, req *connect.Request[controlapi.SubmitTaskRequest]) (*connect.Response[controlapi.SubmitTaskResponse], error) {
	msg := req.Msg
	res, err := s.tasks.Submit(ctx, task.SubmitRequest{
		Prompt:         msg.Prompt,
		Repository:     msg.Repository,
		Origin:         task.Origin{Channel: msg.Channel, Thread: msg.Thread, User: msg.User},
		IdempotencyKey: msg.IdempotencyKey,
	})
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&controlapi.SubmitTaskResponse{
		TaskID:    res.TaskID,
		Queued:    res.Queued,
		Position:  res.Position,
		Duplicate: res.Duplicate,
	}), nil
}

func (s *Server) GetTask(ctx context.Context, req *connect.Request[controlapi.GetTaskRequest]) (*connect.Response[controlapi.GetTaskResponse], error) {
	id := strings.TrimSpace(req.Msg.TaskID)
	if id == "" {
		return nil, toConnectError(errors.New("missing task_id"))
	}
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return nil, toConnectError(err)
	}
	out := controlapi.TaskFrom(t)
	if req.Msg.IncludeSandbox {
		status, err := s.tasks.SandboxStatus(ctx, id)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("sandbox status lookup failed", "task_id", id, "error", err)
			}
			status = backend.StatusUnknown
		}
		out.SandboxStatus = string(status)
	}
	return connect.NewResponse(&controlapi.GetTaskResponse{Task: out}), nil
}

func (s *Server) ListTasks(ctx context.Context, req *connect.Request[controlapi.ListTasksRequest]) (*connect.Response[controlapi.ListTasksResponse], error) {
	var filter task.State
	if raw := strings.TrimSpace(req.Msg.State); raw != "" {
		parsed, err := task.ParseState(raw)
		if err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
		filter = parsed
	}
	tasks, err := s.tasks.List(ctx)
	if err != nil {
		return nil, toConnectError(err)
	}
	stats := s.tasks.Stats()
	resp := &controlapi.ListTasksResponse{
		Tasks:  make([]controlapi.Task, 0, len(tasks)),
		Active: stats.Active,
		Queued: stats.Queued,
		Limit:  stats.Limit,
	}
	for _, t := range tasks {
		if filter != 0 && t.State != filter {
			continue
		}
		resp.Tasks = append(resp.Tasks, controlapi.TaskFrom(t))
	}
	return connect.NewResponse(resp), nil
}

func (s *Server) CancelTask(ctx context.Context, req *connect.Request[controlapi.CancelTaskRequest]) (*connect.Response[controlapi.CancelTaskResponse], error) {
	id := strings.TrimSpace(req.Msg.TaskID)
	if id == "" {
		return nil, toConnectError(errors.New("missing task_id"))
	}
	t, err := s.tasks.Cancel(ctx, id)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&controlapi.CancelTaskResponse{Task: controlapi.TaskFrom(t)}), nil
}

func (s *Server) AnswerQuestion(ctx context.Context, req *connect.Request[controlapi.AnswerQuestionRequest]) (*connect.Response[controlapi.AnswerQuestionResponse], error) {
	id := strings.TrimSpace(req.Msg.TaskID)
	if id == "" {
		return nil, toConnectError(errors.New("missing task_id"))
	}
	if err := s.tasks.SubmitAnswer(ctx, id, req.Msg.Answer); err != nil {
		return nil, toConnectError(err)
	}
	resp := &controlapi.AnswerQuestionResponse{TaskID: id}
	if t, err := s.tasks.Get(ctx, id); err == nil {
		resp.State = t.State.String()
	}
	return connect.NewResponse(resp), nil
}

func (s *Server) StreamTask(ctx context.Context, req *connect.Request[controlapi.StreamTaskRequest], stream *connect.ServerStream[controlapi.TaskEvent]) error {
	id := strings.TrimSpace(req.Msg.TaskID)
	if id == "" {
		return toConnectError(errors.New("missing task_id"))
	}
	t, err := s.tasks.Get(ctx, id)
	if err != nil {
		return toConnectError(err)
	}

	history, updates, done, unsubscribe, err := s.notes.Subscribe(id)
	if err != nil {
		// Tasks restored from the store carry no notification history.
		if errors.Is(err, task.ErrNotFound) && t.State.Terminal() {
			return nil
		}
		return toConnectError(err)
	}
	defer unsubscribe()

	for _, n := range history {
		if err := stream.Send(ptr(controlapi.EventFrom(n))); err != nil {
			return err
		}
	}
	if !req.Msg.Follow {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-updates:
			if !ok {
				return streamSubscriberDroppedErr(done, "task")
			}
			if err := stream.Send(ptr(controlapi.EventFrom(n))); err != nil {
				return err
			}
		case <-done:
			return drainTaskEvents(stream, updates)
		}
	}
}

func ptr[T any](v T) *T {
	return &v
}

func streamSubscriberDroppedErr(done <-chan struct{}, streamName string) error {
	select {
	case <-done:
		return nil
	default:
		return connect.NewError(
			connect.CodeResourceExhausted,
			fmt.Errorf("%s stream closed because the client could not keep up with event throughput", streamName),
		)
	}
}

func drainTaskEvents(stream *connect.ServerStream[controlapi.TaskEvent], updates <-chan gateway.Notification) error {
	for {
		select {
		case n, ok := <-updates:
			if !ok {
				return nil
			}
			if err := stream.Send(ptr(controlapi.EventFrom(n))); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func toConnectError(err error) error {
	if err == nil {
		return nil
	}
	var connectErr *connect.Error
	if errors.As(err, &connectErr) {
		return err
	}

	code := connect.CodeInternal
	switch {
	case errors.Is(err, context.Canceled):
		code = connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		code = connect.CodeDeadlineExceeded
	case errors.Is(err, task.ErrInvalidRequest), strings.HasPrefix(strings.ToLower(err.Error()), "missing "):
		code = connect.CodeInvalidArgument
	case errors.Is(err, task.ErrNotFound):
		code = connect.CodeNotFound
	case errors.Is(err, task.ErrNoPendingQuestion):
		code = connect.CodeFailedPrecondition
	case errors.Is(err, task.ErrQueueFull):
		code = connect.CodeResourceExhausted
	case errors.Is(err, orchestrator.ErrShuttingDown):
		code = connect.CodeUnavailable
	}
	return connect.NewError(code, err)
}

func Serve(ctx context.Context, ep endpoint.Endpoint, handler http.Handler, logger *log.Logger, tlsOpts *TLSOptions) error {
	listener, closeListener, err := listen(ep, tlsOpts, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = listener.Close()
		if closeListener == nil {
			return
		}
		if err := closeListener(); err != nil && logger != nil {
			logger.Warn("closing listener backend", "endpoint", ep.String(), "error", err)
		}
	}()
	if logger != nil {
		logger.Info("serving taskroom control API", "endpoint", ep.String(), "scheme", ep.Scheme, "base_url", ep.BaseURL)
	}

	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if ep.Scheme == "https" {
		if err := http2.ConfigureServer(httpServer, nil); err != nil {
			return fmt.Errorf("configure HTTP/2 for TLS: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		if ep.Scheme == "unix" {
			_ = os.Remove(ep.Address)
		}
		if logger != nil {
			logger.Info("control API shutdown complete", "endpoint", ep.String())
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		if logger != nil {
			logger.Error("control API serve failed", "error", err)
		}
		return err
	}
}

// listen opens the listener for ep. The returned close func, when non-nil,
// releases resources owned by the listener's backend after the listener
// itself is closed.
func listen(ep endpoint.Endpoint, tlsOpts *TLSOptions, logger *log.Logger) (net.Listener, func() error, error) {
	switch ep.Scheme {
	case "unix":
		if err := os.MkdirAll(filepath.Dir(ep.Address), 0o755); err != nil {
			return nil, nil, err
		}
		if err := os.Remove(ep.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, nil, err
		}
		listener, err := net.Listen("unix", ep.Address)
		if err != nil {
			return nil, nil, err
		}
		if err := os.Chmod(ep.Address, 0o600); err != nil {
			_ = listener.Close()
			return nil, nil, err
		}
		return listener, nil, nil
	case "tsnet":
		stateDir, err := paths.TSNetStateDir()
		if err != nil {
			return nil, nil, fmt.Errorf("resolve tsnet state directory: %w", err)
		}
		if err := os.MkdirAll(stateDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("create tsnet state directory: %w", err)
		}
		server := newTSNetServer(ep, stateDir, tsnetLogf(logger))
		listener, err := server.Listen("tcp", ep.HostPort)
		if err != nil {
			_ = server.Close()
			return nil, nil, fmt.Errorf("start tsnet listener for %q: %w", ep.String(), err)
		}
		return listener, server.Close, nil
	case "https":
		var opts tlsconfig.Options
		if tlsOpts != nil {
			opts = tlsconfig.Options{
				CertPath: tlsOpts.CertPath,
				KeyPath:  tlsOpts.KeyPath,
				CAPath:   tlsOpts.CAPath,
			}
		}
		tlsCfg, err := tlsconfig.ResolveServer(opts.WithEnv())
		if err != nil {
			return nil, nil, fmt.Errorf("resolve server TLS config: %w", err)
		}
		if tlsCfg == nil {
			return nil, nil, errors.New("https listen endpoint requires TLS certificates (run 'taskroom tls init' or provide --tls-cert/--tls-key)")
		}
		listener, err := tls.Listen("tcp", ep.HostPort, tlsCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("start TLS listener for %q: %w", ep.HostPort, err)
		}
		return listener, nil, nil
	case "http":
		listener, err := net.Listen("tcp", ep.HostPort)
		return listener, nil, err
	default:
		return nil, nil, fmt.Errorf("unsupported endpoint scheme %q", ep.Scheme)
	}
}
