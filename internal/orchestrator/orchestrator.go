// Package orchestrator owns the task state machine. It admits submissions,
// provisions one sandbox per admitted task, relays sandbox events to the
// requester gateway, and guarantees every sandbox is destroyed once its task
// reaches a terminal state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buildkite/taskroom/internal/admission"
	"github.com/buildkite/taskroom/internal/backend"
	"github.com/buildkite/taskroom/internal/channel"
	"github.com/buildkite/taskroom/internal/envelope"
	"github.com/buildkite/taskroom/internal/gateway"
	"github.com/buildkite/taskroom/internal/relay"
	"github.com/buildkite/taskroom/internal/store"
	"github.com/buildkite/taskroom/internal/task"
	"github.com/charmbracelet/log"
)

const (
	DefaultAnswerTimeout    = 600 * time.Second
	DefaultProvisionTimeout = 10 * time.Minute
	DefaultDestroyTimeout   = 2 * time.Minute
	DefaultRetention        = time.Hour
	DefaultSweepInterval    = 5 * time.Second
	DefaultLivenessCheck    = 30 * time.Second

	livenessTimeout = 10 * time.Second
)

var ErrShuttingDown = errors.New("orchestrator is shutting down")

// Config is the orchestrator's injected configuration. Zero durations select
// the package defaults.
type Config struct {
	AnswerTimeout    time.Duration
	ProvisionTimeout time.Duration
	DestroyTimeout   time.Duration
	Retention        time.Duration
	SweepInterval    time.Duration
	// LivenessCheck is how long a sandbox may stay silent before the sweep
	// asks the provisioner whether it is still running.
	LivenessCheck time.Duration
	InlineLimit   int

	Image     string
	Resources backend.Resources
	Command   []string
	// Env is added to every sandbox. SecretEnv is added without being logged.
	Env       map[string]string
	SecretEnv map[string]string
	// RedisURL is handed to sandboxes as REDIS_URL when the channel is Redis.
	RedisURL string
}

type Options struct {
	Config      Config
	Validator   *task.Validator
	Admission   *admission.Controller
	Provisioner backend.Provisioner
	Relay       *relay.Relay
	Store       store.Store
	Gateway     gateway.Gateway
	Metrics     *Metrics
	Logger      *log.Logger
}

type SubmitResult struct {
	TaskID    string
	Queued    bool
	Position  int
	Duplicate bool
}

type Orchestrator struct {
	config      Config
	validator   *task.Validator
	admission   *admission.Controller
	provisioner backend.Provisioner
	relay       *relay.Relay
	store       store.Store
	gateway     gateway.Gateway
	metrics     *Metrics
	logger      *log.Logger

	now func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
	byKey   map[string]string

	lifecycle sync.RWMutex
	closing   bool
	inflight  sync.WaitGroup
}

// entry is the orchestrator's view of one task. mu serializes every mutation
// of the task; it is never held while taking Orchestrator.mu.
type entry struct {
	id  string
	key string

	mu           sync.Mutex
	task         task.Task
	provisioning bool
	created      bool
	cancel       context.CancelFunc
	handle       *backend.Handle
	sub          channel.Subscription

	// lastLivenessCheck and exitSeen are owned by the sweep.
	lastLivenessCheck time.Time
	exitSeen          time.Time

	terminal    atomic.Bool
	destroyOnce sync.Once
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Provisioner == nil {
		return nil, errors.New("orchestrator: missing provisioner")
	}
	if opts.Relay == nil || opts.Relay.Channel == nil {
		return nil, errors.New("orchestrator: missing message relay")
	}
	validator := opts.Validator
	if validator == nil {
		v, err := task.NewValidator("")
		if err != nil {
			return nil, err
		}
		validator = v
	}
	ctrl := opts.Admission
	if ctrl == nil {
		ctrl = admission.New(3, 0)
	}
	st := opts.Store
	if st == nil {
		st = store.NewMemory()
	}
	gw := opts.Gateway
	if gw == nil {
		gw = gateway.Multi(nil)
	}
	return &Orchestrator{
		config:      opts.Config,
		validator:   validator,
		admission:   ctrl,
		provisioner: opts.Provisioner,
		relay:       opts.Relay,
		store:       st,
		gateway:     gw,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		entries:     map[string]*entry{},
		byKey:       map[string]string{},
	}, nil
}

func (o *Orchestrator) clock() time.Time {
	if o.now != nil {
		return o.now()
	}
	return time.Now().UTC()
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

func (o *Orchestrator) answerTimeout() time.Duration {
	return durationOr(o.config.AnswerTimeout, DefaultAnswerTimeout)
}

func (o *Orchestrator) inlineLimit() int {
	if o.config.InlineLimit > 0 {
		return o.config.InlineLimit
	}
	return gateway.DefaultInlineLimit
}

// Submit validates req and either returns the live task already holding its
// idempotency key, or creates a new pending task and hands it to admission.
// Provisioning happens asynchronously.
func (o *Orchestrator) Submit(_ context.Context, req task.SubmitRequest) (SubmitResult, error) {
	if err := o.validator.Validate(req); err != nil {
		return SubmitResult{}, err
	}
	key := task.IdempotencyKey(req)

	o.lifecycle.RLock()
	if o.closing {
		o.lifecycle.RUnlock()
		return SubmitResult{}, ErrShuttingDown
	}

	o.mu.Lock()
	if id, ok := o.byKey[key]; ok {
		if existing := o.entries[id]; existing != nil && !existing.terminal.Load() {
			o.mu.Unlock()
			o.lifecycle.RUnlock()
			pos := o.admission.Position(id)
			o.logDebug("duplicate submission", "task_id", id)
			return SubmitResult{TaskID: id, Queued: pos > 0, Position: pos, Duplicate: true}, nil
		}
	}

	now := o.clock()
	t := task.Task{
		ID:             task.NewID(),
		IdempotencyKey: key,
		Origin:         req.Origin,
		Prompt:         strings.TrimSpace(req.Prompt),
		Repository:     strings.TrimSpace(req.Repository),
		State:          task.StatePending,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	e := &entry{id: t.ID, key: key, task: t}
	o.entries[t.ID] = e
	o.byKey[key] = t.ID
	e.mu.Lock()
	o.mu.Unlock()
	o.lifecycle.RUnlock()

	decision, pos, err := o.admission.Admit(t.ID)
	if err != nil {
		e.mu.Unlock()
		o.forget(e)
		return SubmitResult{}, err
	}
	o.persistLocked(e)
	if o.logger != nil {
		o.logger.Info("task submitted", "task_id", t.ID, "repository", t.Repository, "decision", decision, "queue_position", pos)
	}
	o.gateway.OnAck(e.task.Clone(), pos)
	if decision == admission.Dispatch {
		o.startLocked(e)
	}
	e.mu.Unlock()
	o.metrics.observeAdmission(o.admission.Stats())

	return SubmitResult{TaskID: t.ID, Queued: decision == admission.Queued, Position: pos}, nil
}

// Get returns the stored snapshot of a task.
func (o *Orchestrator) Get(ctx context.Context, id string) (task.Task, error) {
	t, err := o.store.Get(ctx, id)
	if err != nil {
		return task.Task{}, err
	}
	if t.State == task.StatePending {
		t.QueuePosition = o.admission.Position(id)
	}
	return t, nil
}

func (o *Orchestrator) List(ctx context.Context) ([]task.Task, error) {
	tasks, err := o.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		if tasks[i].State == task.StatePending {
			tasks[i].QueuePosition = o.admission.Position(tasks[i].ID)
		}
	}
	return tasks, nil
}

// SandboxStatus asks the provisioner about the task's sandbox. It is advisory
// and only used for diagnostics.
func (o *Orchestrator) SandboxStatus(ctx context.Context, id string) (backend.Status, error) {
	e := o.lookup(id)
	if e == nil {
		return backend.StatusUnknown, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	e.mu.Lock()
	created := e.created
	e.mu.Unlock()
	if !created {
		return backend.StatusUnknown, nil
	}
	return o.provisioner.Status(ctx, id)
}

// Stats reports the admission controller's current occupancy.
func (o *Orchestrator) Stats() admission.Stats {
	return o.admission.Stats()
}

// SubmitAnswer answers the pending question of id. The task returns to
// running before the answer is published; if publishing fails after retries
// the task fails.
func (o *Orchestrator) SubmitAnswer(ctx context.Context, id, answer string) error {
	e := o.lookup(id)
	if e == nil {
		return fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	if strings.TrimSpace(answer) == "" {
		return fmt.Errorf("%w: empty answer", task.ErrInvalidRequest)
	}

	e.mu.Lock()
	if e.task.State != task.StateAwaitingAnswer || e.task.Question == nil {
		state := e.task.State
		e.mu.Unlock()
		o.logDebug("ignoring answer without pending question", "task_id", id, "state", state)
		return fmt.Errorf("%w: task %s is %s", task.ErrNoPendingQuestion, id, state)
	}
	if e.task.Question.Expired(o.clock()) {
		e.mu.Unlock()
		return fmt.Errorf("%w: question for task %s has expired", task.ErrNoPendingQuestion, id)
	}
	e.task.Question = nil
	if err := o.transitionLocked(e, task.StateRunning); err != nil {
		e.mu.Unlock()
		return err
	}
	o.gateway.OnProgress(e.task.Clone(), "Answer received. Resuming...")
	e.mu.Unlock()

	if err := o.relay.PublishAnswer(context.WithoutCancel(ctx), id, answer); err != nil {
		if o.logger != nil {
			o.logger.Error("answer publish failed", "task_id", id, "error", err)
		}
		e.mu.Lock()
		var cleanup func()
		if !e.task.State.Terminal() {
			msg := fmt.Sprintf("could not deliver answer: %v", err)
			cleanup = o.terminateLocked(e, task.StateFailed, msg)
			o.gateway.OnFailure(e.task.Clone(), gateway.Failure{Reason: gateway.ReasonPublish, Message: msg})
		}
		e.mu.Unlock()
		if cleanup != nil {
			cleanup()
		}
		return fmt.Errorf("publish answer: %w", err)
	}
	return nil
}

// Cancel moves a non-terminal task to cancelled. Cancelling a terminal task is
// a no-op.
func (o *Orchestrator) Cancel(_ context.Context, id string) (task.Task, error) {
	return o.cancel(id, gateway.ReasonCancelled, "cancelled by request")
}

func (o *Orchestrator) cancel(id string, reason gateway.FailureReason, msg string) (task.Task, error) {
	e := o.lookup(id)
	if e == nil {
		return task.Task{}, fmt.Errorf("%w: %s", task.ErrNotFound, id)
	}
	e.mu.Lock()
	if e.task.State.Terminal() {
		snap := e.task.Clone()
		e.mu.Unlock()
		return snap, nil
	}
	cleanup := o.terminateLocked(e, task.StateCancelled, msg)
	snap := e.task.Clone()
	o.gateway.OnFailure(snap, gateway.Failure{Reason: reason, Message: msg})
	e.mu.Unlock()
	cleanup()
	return snap, nil
}

// OnSandboxEvent applies one envelope emitted by a sandbox. Envelopes for
// unknown or finished tasks, and stale envelopes, are logged and dropped.
func (o *Orchestrator) OnSandboxEvent(env envelope.Envelope) {
	e := o.lookup(env.TaskID)
	if e == nil {
		o.logWarn("dropping event for unknown task", "task_id", env.TaskID, "kind", env.Kind)
		return
	}

	e.mu.Lock()
	if e.task.State.Terminal() {
		state := e.task.State
		e.mu.Unlock()
		o.logDebug("dropping event for finished task", "task_id", env.TaskID, "kind", env.Kind, "state", state)
		return
	}

	var cleanup func()
	switch env.Kind {
	case envelope.KindProgress:
		o.applyProgressLocked(e, env)
	case envelope.KindQuestion:
		o.applyQuestionLocked(e, env)
	case envelope.KindResult:
		cleanup = o.applyResultLocked(e, env)
	case envelope.KindError:
		msg := env.Get(envelope.KeyError)
		cleanup = o.terminateLocked(e, task.StateFailed, msg)
		o.gateway.OnFailure(e.task.Clone(), gateway.Failure{Reason: gateway.ReasonCollaborator, Message: msg})
	case envelope.KindAnswer:
	default:
		o.logWarn("dropping event of unknown kind", "task_id", env.TaskID, "kind", env.Kind)
	}
	e.mu.Unlock()

	if cleanup != nil {
		cleanup()
	}
}

func (o *Orchestrator) applyProgressLocked(e *entry, env envelope.Envelope) {
	switch env.Get(envelope.KeyStage) {
	case envelope.StageCloning:
		if e.task.State == task.StateStarting {
			o.advanceLocked(e, task.StateCloning)
		}
	case envelope.StageRunning:
		o.advanceToRunningLocked(e)
	}
	e.task.LastActivityAt = o.clock()
	o.persistLocked(e)
	o.gateway.OnProgress(e.task.Clone(), env.Get(envelope.KeyMessage))
}

func (o *Orchestrator) applyQuestionLocked(e *entry, env envelope.Envelope) {
	if e.task.State == task.StateAwaitingAnswer {
		o.logWarn("dropping stale question", "task_id", e.id)
		return
	}
	o.advanceToRunningLocked(e)

	now := o.clock()
	q := task.PendingQuestion{
		Question: env.Get(envelope.KeyQuestion),
		Options:  env.Options(),
		AskedAt:  now,
		Deadline: now.Add(o.answerTimeout()),
	}
	e.task.Question = &q
	if err := o.transitionLocked(e, task.StateAwaitingAnswer); err != nil {
		e.task.Question = nil
		o.logWarn("dropping question", "task_id", e.id, "error", err)
		return
	}
	o.gateway.OnQuestion(e.task.Clone(), q)
}

func (o *Orchestrator) applyResultLocked(e *entry, env envelope.Envelope) func() {
	if e.task.State == task.StateAwaitingAnswer {
		o.logWarn("dropping stale result while awaiting answer", "task_id", e.id)
		return nil
	}
	o.advanceToRunningLocked(e)

	cleanup := o.terminateLocked(e, task.StateCompleted, "")
	gateway.DeliverResult(o.gateway, e.task.Clone(), env.Get(envelope.KeyResult), env.Get(envelope.KeyFilename), o.inlineLimit())
	return cleanup
}

// Sweep expires unanswered questions and evicts finished tasks that have
// outlived the retention window. It also fails tasks whose sandbox stopped
// silently. It is independent of channel traffic.
func (o *Orchestrator) Sweep() {
	now := o.clock()
	retention := durationOr(o.config.Retention, DefaultRetention)

	for _, e := range o.snapshotEntries() {
		e.mu.Lock()
		if e.task.State == task.StateAwaitingAnswer && e.task.Question.Expired(now) {
			o.metrics.incAnswerTimeout()
			if o.logger != nil {
				o.logger.Info("question expired", "task_id", e.id, "deadline", e.task.Question.Deadline)
			}
			msg := "no answer before the question deadline"
			cleanup := o.terminateLocked(e, task.StateCancelled, msg)
			o.gateway.OnFailure(e.task.Clone(), gateway.Failure{Reason: gateway.ReasonAnswerTimeout, Message: msg})
			e.mu.Unlock()
			cleanup()
			continue
		}
		evict := e.task.State.Terminal() && e.task.FinishedAt != nil && now.Sub(*e.task.FinishedAt) >= retention
		checkLiveness := o.livenessDueLocked(e, now)
		e.mu.Unlock()
		if evict {
			o.forget(e)
			o.logDebug("evicted finished task", "task_id", e.id)
			continue
		}
		if checkLiveness {
			o.checkLiveness(e, now)
		}
	}
}

// livenessDueLocked reports whether e's sandbox has been silent long enough
// to ask the provisioner about it.
func (o *Orchestrator) livenessDueLocked(e *entry, now time.Time) bool {
	if e.handle == nil || e.task.State.Terminal() {
		return false
	}
	if !e.exitSeen.IsZero() {
		return true
	}
	quiet := durationOr(o.config.LivenessCheck, DefaultLivenessCheck)
	if now.Sub(e.task.LastActivityAt) < quiet || now.Sub(e.lastLivenessCheck) < quiet {
		return false
	}
	e.lastLivenessCheck = now
	return true
}

// checkLiveness fails a task whose sandbox has stopped without reporting a
// result. A task fails only after two stopped observations with no task
// activity in between.
func (o *Orchestrator) checkLiveness(e *entry, now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), livenessTimeout)
	status, err := o.provisioner.Status(ctx, e.id)
	cancel()
	stopped := errors.Is(err, backend.ErrSandboxGone) || status == backend.StatusExited || status == backend.StatusGone
	if err != nil && !stopped {
		o.logDebug("sandbox liveness check failed", "task_id", e.id, "error", err)
		return
	}

	e.mu.Lock()
	if e.task.State.Terminal() {
		e.mu.Unlock()
		return
	}
	if !stopped {
		e.exitSeen = time.Time{}
		e.mu.Unlock()
		return
	}
	if e.exitSeen.IsZero() || !e.task.LastActivityAt.Before(e.exitSeen) {
		e.exitSeen = now
		e.mu.Unlock()
		return
	}
	o.logWarn("sandbox stopped without reporting a result", "task_id", e.id, "status", status)
	msg := "sandbox exited without reporting a result"
	cleanup := o.terminateLocked(e, task.StateFailed, msg)
	o.gateway.OnFailure(e.task.Clone(), gateway.Failure{Reason: gateway.ReasonCollaborator, Message: msg})
	e.mu.Unlock()
	cleanup()
}

// Run sweeps on an interval until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(durationOr(o.config.SweepInterval, DefaultSweepInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			o.Sweep()
		}
	}
}

// Shutdown refuses new submissions, cancels every live task and waits for
// in-flight provisioning to settle.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.lifecycle.Lock()
	o.closing = true
	o.lifecycle.Unlock()

	for _, e := range o.snapshotEntries() {
		if e.terminal.Load() {
			continue
		}
		if _, err := o.cancel(e.id, gateway.ReasonShutdown, "service shutting down"); err != nil && !errors.Is(err, task.ErrNotFound) {
			o.logWarn("cancel during shutdown failed", "task_id", e.id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for provisioning: %w", ctx.Err())
	}
}

// Recover reconciles tasks left in the store by a previous run. It must be
// called before the first Submit. Finished tasks stay queryable until the
// sweep evicts them. Tasks that were still live fail with ReasonRestart and
// any sandbox they may have started is destroyed.
func (o *Orchestrator) Recover(ctx context.Context) error {
	tasks, err := o.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list stored tasks: %w", err)
	}
	now := o.clock()
	retention := durationOr(o.config.Retention, DefaultRetention)

	var orphaned []*entry
	for _, t := range tasks {
		if t.State.Terminal() {
			if t.FinishedAt == nil {
				finished := t.LastActivityAt
				t.FinishedAt = &finished
			}
			if now.Sub(*t.FinishedAt) >= retention {
				if err := o.store.Delete(ctx, t.ID); err != nil {
					o.logWarn("delete expired task", "task_id", t.ID, "error", err)
				}
				continue
			}
		}
		e := &entry{id: t.ID, key: t.IdempotencyKey, task: t}
		o.mu.Lock()
		if _, exists := o.entries[t.ID]; exists {
			o.mu.Unlock()
			continue
		}
		o.entries[t.ID] = e
		if t.IdempotencyKey != "" {
			o.byKey[t.IdempotencyKey] = t.ID
		}
		o.mu.Unlock()

		if t.State.Terminal() {
			e.terminal.Store(true)
			continue
		}
		orphaned = append(orphaned, e)
	}

	for _, e := range orphaned {
		e.mu.Lock()
		hadSandbox := e.task.State.Admitted()
		msg := fmt.Sprintf("service restarted while the task was %s", e.task.State)
		cleanup := o.terminateLocked(e, task.StateFailed, msg)
		o.gateway.OnFailure(e.task.Clone(), gateway.Failure{Reason: gateway.ReasonRestart, Message: msg})
		e.mu.Unlock()
		cleanup()
		if hadSandbox {
			o.destroy(e)
		}
	}
	if o.logger != nil && len(tasks) > 0 {
		o.logger.Info("recovered stored tasks", "total", len(tasks), "failed", len(orphaned))
	}
	return nil
}

// startLocked moves a pending task to starting and provisions it in the
// background. During shutdown the task stays pending and is cancelled by the
// shutdown sweep instead.
func (o *Orchestrator) startLocked(e *entry) {
	o.lifecycle.RLock()
	if o.closing {
		o.lifecycle.RUnlock()
		return
	}
	o.inflight.Add(1)
	o.lifecycle.RUnlock()

	if err := o.advanceLocked(e, task.StateStarting); err != nil {
		o.inflight.Done()
		o.logWarn("cannot start task", "task_id", e.id, "error", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.provisioning = true
	e.cancel = cancel
	go o.provision(ctx, e)
}

func (o *Orchestrator) provision(ctx context.Context, e *entry) {
	defer o.inflight.Done()

	sub, subErr := o.relay.SubscribeEvents(ctx, e.id, o.OnSandboxEvent)

	e.mu.Lock()
	if subErr != nil {
		var cleanup func()
		if !e.task.State.Terminal() {
			msg := fmt.Sprintf("subscribe to sandbox events: %v", subErr)
			cleanup = o.terminateLocked(e, task.StateFailed, msg)
			o.gateway.OnFailure(e.task.Clone(), gateway.Failure{Reason: gateway.ReasonProvisioning, Message: msg})
		}
		e.mu.Unlock()
		if cleanup != nil {
			cleanup()
		}
		o.destroy(e)
		return
	}
	if e.task.State.Terminal() {
		e.mu.Unlock()
		_ = sub.Close()
		o.destroy(e)
		return
	}
	e.sub = sub
	req := o.createRequest(e.task)
	e.mu.Unlock()

	if o.logger != nil {
		o.logger.Info("provisioning sandbox", "task_id", e.id, "backend", o.provisioner.Name(), "env", req.EnvNames())
	}
	createCtx, cancel := context.WithTimeout(ctx, durationOr(o.config.ProvisionTimeout, DefaultProvisionTimeout))
	handle, err := o.provisioner.Create(createCtx, req)
	cancel()

	e.mu.Lock()
	e.created = true
	if e.task.State.Terminal() {
		e.mu.Unlock()
		o.destroy(e)
		return
	}
	if err != nil {
		if o.logger != nil {
			o.logger.Error("sandbox provisioning failed", "task_id", e.id, "error", err)
		}
		msg := err.Error()
		cleanup := o.terminateLocked(e, task.StateFailed, msg)
		o.gateway.OnFailure(e.task.Clone(), gateway.Failure{Reason: gateway.ReasonProvisioning, Message: msg})
		e.mu.Unlock()
		cleanup()
		return
	}
	e.handle = handle
	if handle != nil {
		e.task.SandboxName = handle.Name
	}
	if e.task.State == task.StateStarting {
		_ = o.advanceLocked(e, task.StateCloning)
	} else {
		o.persistLocked(e)
	}
	e.mu.Unlock()
}

func (o *Orchestrator) createRequest(t task.Task) backend.CreateRequest {
	env := maps.Clone(o.config.Env)
	if env == nil {
		env = map[string]string{}
	}
	env["TASK_ID"] = t.ID
	env["REPOSITORY_URL"] = t.Repository
	env["PROMPT"] = t.Prompt
	env["TASKROOM_EVENTS_CHANNEL"] = o.relay.Names.Events(t.ID)
	env["TASKROOM_ANSWERS_CHANNEL"] = o.relay.Names.Answers(t.ID)
	env["TASKROOM_ANSWER_TIMEOUT_SECONDS"] = strconv.Itoa(int(o.answerTimeout() / time.Second))
	if o.config.RedisURL != "" {
		env["REDIS_URL"] = o.config.RedisURL
	}
	return backend.CreateRequest{
		TaskID:    t.ID,
		Image:     o.config.Image,
		Resources: o.config.Resources,
		Env:       env,
		SecretEnv: maps.Clone(o.config.SecretEnv),
		Command:   append([]string(nil), o.config.Command...),
	}
}

// dispatch starts a task promoted out of the admission queue.
func (o *Orchestrator) dispatch(id string) {
	e := o.lookup(id)
	if e == nil {
		for _, next := range o.admission.Release(id) {
			o.dispatch(next)
		}
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.task.State != task.StatePending {
		return
	}
	o.startLocked(e)
}

// terminateLocked moves e to a terminal state and returns the cleanup to run
// once e.mu is released. The caller sends the gateway's terminal
// notification while still holding the lock.
func (o *Orchestrator) terminateLocked(e *entry, to task.State, reason string) func() {
	e.task.Reason = reason
	e.task.Question = nil
	if err := o.transitionLocked(e, to); err != nil {
		o.logWarn("terminal transition rejected", "task_id", e.id, "error", err)
		return func() {}
	}
	e.terminal.Store(true)

	sub := e.sub
	e.sub = nil
	cancel := e.cancel
	destroyNow := e.provisioning && e.created

	return func() {
		if cancel != nil {
			cancel()
		}
		if sub != nil {
			if err := sub.Close(); err != nil {
				o.logDebug("closing event subscription", "task_id", e.id, "error", err)
			}
		}
		promoted := o.admission.Release(e.id)
		o.metrics.observeAdmission(o.admission.Stats())
		if destroyNow {
			o.destroy(e)
		}
		for _, id := range promoted {
			o.dispatch(id)
		}
	}
}

func (o *Orchestrator) destroy(e *entry) {
	e.destroyOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), durationOr(o.config.DestroyTimeout, DefaultDestroyTimeout))
		defer cancel()
		err := o.provisioner.Destroy(ctx, e.id)
		o.metrics.incDestroy(err)
		if err != nil {
			if o.logger != nil {
				o.logger.Error("sandbox destroy failed", "task_id", e.id, "error", err)
			}
			return
		}
		o.logDebug("sandbox destroyed", "task_id", e.id)
	})
}

// advanceLocked transitions e and reports the new status label to the
// gateway.
func (o *Orchestrator) advanceLocked(e *entry, to task.State) error {
	if err := o.transitionLocked(e, to); err != nil {
		return err
	}
	o.gateway.OnProgress(e.task.Clone(), to.Label())
	return nil
}

func (o *Orchestrator) advanceToRunningLocked(e *entry) {
	switch e.task.State {
	case task.StateStarting, task.StateCloning:
		_ = o.advanceLocked(e, task.StateRunning)
	}
}

func (o *Orchestrator) transitionLocked(e *entry, to task.State) error {
	from := e.task.State
	if !from.CanTransition(to) {
		return &task.TransitionError{TaskID: e.id, From: from, To: to}
	}
	now := o.clock()
	e.task.State = to
	e.task.LastActivityAt = now
	if to.Terminal() {
		e.task.FinishedAt = &now
	}
	o.metrics.incTransition(to)
	o.persistLocked(e)
	o.logDebug("task transition", "task_id", e.id, "from", from, "to", to)
	return nil
}

func (o *Orchestrator) persistLocked(e *entry) {
	if err := o.store.Put(context.Background(), e.task); err != nil {
		o.logWarn("persist task", "task_id", e.id, "error", err)
	}
}

func (o *Orchestrator) lookup(id string) *entry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.entries[id]
}

func (o *Orchestrator) snapshotEntries() []*entry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*entry, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, e)
	}
	return out
}

// forget removes e from the registry, the store and any gateway state.
func (o *Orchestrator) forget(e *entry) {
	o.mu.Lock()
	if o.entries[e.id] == e {
		delete(o.entries, e.id)
	}
	if o.byKey[e.key] == e.id {
		delete(o.byKey, e.key)
	}
	o.mu.Unlock()

	if err := o.store.Delete(context.Background(), e.id); err != nil {
		o.logWarn("delete task", "task_id", e.id, "error", err)
	}
	if f, ok := o.gateway.(gateway.Forgetter); ok {
		f.Forget(e.id)
	}
}

func (o *Orchestrator) logDebug(msg string, kv ...any) {
	if o.logger != nil {
		o.logger.Debug(msg, kv...)
	}
}

func (o *Orchestrator) logWarn(msg string, kv ...any) {
	if o.logger != nil {
		o.logger.Warn(msg, kv...)
	}
}
