package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/buildkite/taskroom/internal/envelope"
	"github.com/buildkite/taskroom/internal/gateway"
	"github.com/buildkite/taskroom/internal/relay"
	"github.com/buildkite/taskroom/internal/task"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSubmitRejectsInvalidRequestWithoutState(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 0)
	_, err := h.o.Submit(context.Background(), task.SubmitRequest{Prompt: "hi", Repository: "https://gitlab.com/acme/widgets"})
	if !errors.Is(err, task.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	tasks, err := h.o.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected no tasks, got %d", len(tasks))
	}
	if len(h.gw.calls) != 0 {
		t.Fatalf("expected no gateway calls, got %+v", h.gw.calls)
	}
}

func TestSubmitReturnsPromptlyWhileProvisioningBlocks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 0)
	h.prov.release = make(chan struct{})
	defer close(h.prov.release)

	start := time.Now()
	for _, prompt := range []string{"a", "b", "c", "d"} {
		h.submit(t, prompt)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("submit blocked for %s", elapsed)
	}
	<-h.prov.entered
	if got := h.o.Stats(); got.Active != 1 || got.Queued != 3 {
		t.Fatalf("unexpected admission stats %+v", got)
	}
}

func TestResubmissionReturnsLiveTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 0)
	first := h.submit(t, "investigate flaky test")
	second := h.submit(t, "investigate flaky test")

	if !second.Duplicate || second.TaskID != first.TaskID {
		t.Fatalf("expected duplicate of %s, got %+v", first.TaskID, second)
	}
	h.waitForState(t, first.TaskID, task.StateCloning)
	if got := h.prov.totalCreates(); got != 1 {
		t.Fatalf("expected one sandbox, got %d", got)
	}
	if acks := h.gw.callsFor(first.TaskID, "ack"); len(acks) != 1 {
		t.Fatalf("expected a single ack, got %d", len(acks))
	}

	h.o.OnSandboxEvent(envelope.Error(first.TaskID, "boom"))
	third := h.submit(t, "investigate flaky test")
	if third.Duplicate || third.TaskID == first.TaskID {
		t.Fatalf("expected a new task after the original finished, got %+v", third)
	}
}

func TestCallerIdempotencyKeyWins(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 0)
	a := request("one")
	a.IdempotencyKey = "event-123"
	b := request("two")
	b.IdempotencyKey = "event-123"

	first, err := h.o.Submit(context.Background(), a)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	second, err := h.o.Submit(context.Background(), b)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if second.TaskID != first.TaskID {
		t.Fatal("expected the caller key to dedupe different prompts")
	}
}

func TestAdmissionQueuesBeyondLimitInFIFOOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2, 0)
	a := h.submit(t, "a")
	b := h.submit(t, "b")
	c := h.submit(t, "c")
	d := h.submit(t, "d")

	if a.Queued || b.Queued {
		t.Fatal("expected the first two tasks to dispatch")
	}
	if !c.Queued || c.Position != 1 || !d.Queued || d.Position != 2 {
		t.Fatalf("unexpected queue positions c=%+v d=%+v", c, d)
	}
	if acks := h.gw.callsFor(c.TaskID, "ack"); len(acks) != 1 || acks[0].position != 1 {
		t.Fatalf("expected ack with queue position 1, got %+v", acks)
	}

	h.waitForState(t, a.TaskID, task.StateCloning)
	h.waitForState(t, b.TaskID, task.StateCloning)
	h.o.OnSandboxEvent(envelope.Result(a.TaskID, "done", ""))

	h.waitForState(t, c.TaskID, task.StateCloning)
	if got := h.state(t, d.TaskID); got != task.StatePending {
		t.Fatalf("expected d to stay pending, got %s", got)
	}
	snap, err := h.o.Get(context.Background(), d.TaskID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.QueuePosition != 1 {
		t.Fatalf("expected d at queue position 1, got %d", snap.QueuePosition)
	}
}

func TestSubmitFailsWhenQueueIsFull(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 1)
	h.submit(t, "a")
	h.submit(t, "b")
	_, err := h.o.Submit(context.Background(), request("c"))
	if !errors.Is(err, task.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	tasks, err := h.o.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected rejected task to leave no state, got %d tasks", len(tasks))
	}
}

func TestQuestionAnsweredWithinDeadlineReturnsToRunning(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 0)
	id := h.running(t, "a")

	h.o.OnSandboxEvent(envelope.Question(id, "which branch?", []string{"main", "dev"}))
	snap, err := h.o.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if snap.State != task.StateAwaitingAnswer || snap.Question == nil {
		t.Fatalf("expected awaiting answer with a question, got %+v", snap)
	}
	if want := h.clock.Now().Add(DefaultAnswerTimeout); !snap.Question.Deadline.Equal(want) {
		t.Fatalf("unexpected deadline %s want %s", snap.Question.Deadline, want)
	}
	questions := h.gw.callsFor(id, "question")
	if len(questions) != 1 || len(questions[0].question.Options) != 2 {
		t.Fatalf("unexpected question notifications %+v", questions)
	}

	if err := h.o.SubmitAnswer(context.Background(), id, "main"); err != nil {
		t.Fatalf("SubmitAnswer: %v", err)
	}
	snap, _ = h.o.Get(context.Background(), id)
	if snap.State != task.StateRunning || snap.Question != nil {
		t.Fatalf("expected running with no question, got %+v", snap)
	}
}

func TestQuestionTimeoutCancelsTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 0)
	id := h.running(t, "a")
	h.o.OnSandboxEvent(envelope.Question(id, "continue?", nil))

	h.clock.Advance(DefaultAnswerTimeout - time.Second)
	h.o.Sweep()
	if got := h.state(t, id); got != task.StateAwaitingAnswer {
		t.Fatalf("expected still awaiting before the deadline, got %s", got)
	}

	h.clock.Advance(time.Second)
	h.o.Sweep()

	snap, _ := h.o.Get(context.Background(), id)
	if snap.State != task.StateCancelled || snap.Question != nil {
		t.Fatalf("expected cancelled with cleared question, got %+v", snap)
	}
	terminal := h.gw.terminalCalls(id)
	if len(terminal) != 1 || terminal[0].reason != gateway.ReasonAnswerTimeout {
		t.Fatalf("expected one timeout notification, got %+v", terminal)
	}
	if got := h.prov.destroyCount(id); got != 1 {
		t.Fatalf("expected one destroy, got %d", got)
	}
	if got := testutil.ToFloat64(h.metrics.answerTimeouts); got != 1 {
		t.Fatalf("expected answer timeout metric 1, got %v", got)
	}
	if err := h.o.SubmitAnswer(context.Background(), id, "yes"); !errors.Is(err, task.ErrNoPendingQuestion) {
		t.Fatalf("expected ErrNoPendingQuestion after timeout, got %v", err)
	}
}

func TestStaleAnswersAndEventsAreIgnored(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 0)
	id := h.running(t, "a")

	if err := h.o.SubmitAnswer(context.Background(), id, "late"); !errors.Is(err, task.ErrNoPendingQuestion) {
		t.Fatalf("expected ErrNoPendingQuestion while running, got %v", err)
	}
	if got := h.state(t, id); got != task.StateRunning {
		t.Fatalf("stale answer changed state to %s", got)
	}

	h.o.OnSandboxEvent(envelope.Question(id, "first?", nil))
	h.o.OnSandboxEvent(envelope.Question(id, "second?", nil))
	h.o.OnSandboxEvent(envelope.Result(id, "too early", ""))
	h.o.OnSandboxEvent(envelope.Answer(id, "echo"))

	snap, _ := h.o.Get(context.Background(), id)
	if snap.State != task.StateAwaitingAnswer || snap.Question == nil || snap.Question.Question != "first?" {
		t.Fatalf("expected the first question to stay pending, got %+v", snap)
	}
	if n := len(h.gw.callsFor(id, "question")); n != 1 {
		t.Fatalf("expected one question notification, got %d", n)
	}
	if n := len(h.gw.terminalCalls(id)); n != 0 {
		t.Fatalf("expected no terminal notification, got %d", n)
	}
}

func TestResultDeliveryBoundary(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 0)
	inline := h.running(t, "inline")
	file := h.running(t, "file")

	h.o.OnSandboxEvent(envelope.Result(inline, strings.Repeat("x", 4000), ""))
	h.o.OnSandboxEvent(envelope.Result(file, strings.Repeat("x", 4001), ""))

	if got := h.gw.terminalCalls(inline); len(got) != 1 || got[0].kind != "result" {
		t.Fatalf("expected inline result, got %+v", got)
	}
	got := h.gw.terminalCalls(file)
	if len(got) != 1 || got[0].kind != "result_file" || got[0].filename != "result-"+file+".txt" {
		t.Fatalf("expected file result, got %+v", got)
	}
	if state := h.state(t, file); state != task.StateCompleted {
		t.Fatalf("expected completed, got %s", state)
	}
}

func TestCancelQueuedTaskSkipsDestroy(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 0)
	h.submit(t, "a")
	queued := h.submit(t, "b")

	snap, err := h.o.Cancel(context.Background(), queued.TaskID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if snap.State != task.StateCancelled {
		t.Fatalf("expected cancelled, got %s", snap.State)
	}
	if got := h.o.Stats().Queued; got != 0 {
		t.Fatalf("expected queue to be empty, got %d", got)
	}
	if h.prov.createCount(queued.TaskID) != 0 || h.prov.destroyCount(queued.TaskID) != 0 {
		t.Fatal("queued task must never touch the provisioner")
	}
	terminal := h.gw.terminalCalls(queued.TaskID)
	if len(terminal) != 1 || terminal[0].reason != gateway.ReasonCancelled {
		t.Fatalf("expected one cancellation notice, got %+v", terminal)
	}
}

func TestCancelUnknownTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 0)
	if _, err := h.o.Cancel(context.Background(), "task_missing"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelDuringStartingAwaitsCreate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 0)
	release := make(chan struct{})
	h.prov.release = release

	id := h.submit(t, "a").TaskID
	<-h.prov.entered

	snap, err := h.o.Cancel(context.Background(), id)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if snap.State != task.StateCancelled {
		t.Fatalf("expected cancelled, got %s", snap.State)
	}
	if got := h.prov.destroyCount(id); got != 0 {
		t.Fatalf("destroy ran while create was in flight (%d calls)", got)
	}

	close(release)
	waitFor(t, "destroy after create", func() bool { return h.prov.destroyCount(id) == 1 })

	order := h.prov.events()
	if len(order) != 3 || order[1] != "create-done:"+id || order[2] != "destroy:"+id {
		t.Fatalf("expected destroy after create returned, got %v", order)
	}
	if got := h.state(t, id); got != task.StateCancelled {
		t.Fatalf("expected task to stay cancelled, got %s", got)
	}
}

func TestProvisioningFailureFailsTaskAndDestroysOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 0)
	h.prov.createErr = errors.New("image pull failed")

	first := h.submit(t, "a")
	queued := h.submit(t, "b")

	h.waitForState(t, first.TaskID, task.StateFailed)
	waitFor(t, "defensive destroy", func() bool { return h.prov.destroyCount(first.TaskID) == 1 })

	terminal := h.gw.terminalCalls(first.TaskID)
	if len(terminal) != 1 || terminal[0].reason != gateway.ReasonProvisioning {
		t.Fatalf("expected a provisioning failure notice, got %+v", terminal)
	}
	if !strings.Contains(terminal[0].text, "image pull failed") {
		t.Fatalf("expected cause in failure text, got %q", terminal[0].text)
	}
	h.waitForState(t, queued.TaskID, task.StateFailed)
}

func TestTerminalStatesAbsorbLateEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 0)
	id := h.running(t, "a")

	h.o.OnSandboxEvent(envelope.Result(id, "done", ""))
	h.o.OnSandboxEvent(envelope.Error(id, "late failure"))
	h.o.OnSandboxEvent(envelope.Progress(id, "still going", envelope.StageRunning))

	snap, err := h.o.Cancel(context.Background(), id)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if snap.State != task.StateCompleted {
		t.Fatalf("expected completed to be absorbing, got %s", snap.State)
	}
	if n := len(h.gw.terminalCalls(id)); n != 1 {
		t.Fatalf("expected exactly one terminal notification, got %d", n)
	}
	if got := h.prov.destroyCount(id); got != 1 {
		t.Fatalf("expected one destroy, got %d", got)
	}
}

func TestConcurrentTerminalRaceDestroysOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 0)
	id := h.running(t, "a")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = h.o.Cancel(context.Background(), id)
		}()
		go func() {
			defer wg.Done()
			h.o.OnSandboxEvent(envelope.Error(id, "crashed"))
		}()
	}
	wg.Wait()

	if got := h.prov.destroyCount(id); got != 1 {
		t.Fatalf("expected one destroy, got %d", got)
	}
	if n := len(h.gw.terminalCalls(id)); n != 1 {
		t.Fatalf("expected one terminal notification, got %d", n)
	}
}

func TestEventsForUnknownTaskAreDropped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 0)
	h.o.OnSandboxEvent(envelope.Result("task_unknown", "x", ""))
	if len(h.gw.calls) != 0 {
		t.Fatalf("expected no notifications, got %+v", h.gw.calls)
	}
}

func TestAnswerPublishFailureFailsTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 0, func(o *Options) {
		o.Relay = &relay.Relay{Channel: o.Relay.Channel, Publisher: failingPublisher{}}
	})
	id := h.running(t, "a")
	h.o.OnSandboxEvent(envelope.Question(id, "continue?", nil))

	if err := h.o.SubmitAnswer(context.Background(), id, "yes"); err == nil {
		t.Fatal("expected publish error")
	}
	if got := h.state(t, id); got != task.StateFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	terminal := h.gw.terminalCalls(id)
	if len(terminal) != 1 || terminal[0].reason != gateway.ReasonPublish {
		t.Fatalf("expected publish failure notice, got %+v", terminal)
	}
	if got := h.prov.destroyCount(id); got != 1 {
		t.Fatalf("expected one destroy, got %d", got)
	}
}

func TestSweepEvictsFinishedTasksAfterRetention(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 0)
	id := h.running(t, "a")
	h.o.OnSandboxEvent(envelope.Result(id, "done", ""))

	h.clock.Advance(DefaultRetention - time.Minute)
	h.o.Sweep()
	if _, err := h.o.Get(context.Background(), id); err != nil {
		t.Fatalf("expected task retained, got %v", err)
	}

	h.clock.Advance(time.Minute)
	h.o.Sweep()
	if _, err := h.o.Get(context.Background(), id); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("expected task evicted, got %v", err)
	}
	if res := h.submit(t, "a"); res.Duplicate {
		t.Fatal("evicted task must not satisfy idempotency")
	}
}

func TestSweepFailsTaskWhoseSandboxExitedSilently(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 0)
	id := h.running(t, "a")
	queued := h.submit(t, "b").TaskID
	h.prov.exit(id)

	h.clock.Advance(DefaultLivenessCheck)
	h.o.Sweep()
	if got := h.prov.statusCount(id); got != 1 {
		t.Fatalf("expected one status check, got %d", got)
	}
	if got := h.state(t, id); got != task.StateRunning {
		t.Fatalf("a single stopped observation must not fail the task, got %s", got)
	}

	h.clock.Advance(DefaultSweepInterval)
	h.o.Sweep()
	if got := h.state(t, id); got != task.StateFailed {
		t.Fatalf("expected failed, got %s", got)
	}
	terminal := h.gw.terminalCalls(id)
	if len(terminal) != 1 || terminal[0].reason != gateway.ReasonCollaborator {
		t.Fatalf("expected collaborator failure notice, got %+v", terminal)
	}
	if got := h.prov.destroyCount(id); got != 1 {
		t.Fatalf("expected one destroy, got %d", got)
	}
	h.waitForState(t, queued, task.StateCloning)
}

func TestSweepLivenessCheckIsRateLimitedAndResetByActivity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 0)
	id := h.running(t, "a")

	h.clock.Advance(DefaultLivenessCheck - time.Second)
	h.o.Sweep()
	if got := h.prov.statusCount(id); got != 0 {
		t.Fatalf("active sandbox must not be checked, got %d checks", got)
	}

	h.clock.Advance(time.Second)
	h.o.Sweep()
	h.o.Sweep()
	if got := h.prov.statusCount(id); got != 1 {
		t.Fatalf("expected exactly one check per quiet period, got %d", got)
	}

	h.prov.exit(id)
	h.clock.Advance(DefaultLivenessCheck)
	h.o.Sweep()
	h.o.OnSandboxEvent(envelope.Progress(id, "still here", ""))
	h.clock.Advance(DefaultSweepInterval)
	h.o.Sweep()
	if got := h.state(t, id); got != task.StateRunning {
		t.Fatalf("activity after a stopped observation must keep the task alive, got %s", got)
	}
}

func TestCreateRequestCarriesTaskEnvironment(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 0, func(o *Options) {
		o.Config.Env = map[string]string{"LOG_LEVEL": "debug"}
		o.Config.SecretEnv = map[string]string{"GITHUB_PAT": "ghp_secret"}
		o.Config.RedisURL = "redis://redis:6379/0"
		o.Config.AnswerTimeout = 90 * time.Second
	})
	id := h.submit(t, "why is CI red").TaskID
	h.waitForState(t, id, task.StateCloning)

	h.prov.mu.Lock()
	req := h.prov.requests[id]
	h.prov.mu.Unlock()

	want := map[string]string{
		"TASK_ID":                         id,
		"REPOSITORY_URL":                  "https://github.com/acme/widgets",
		"PROMPT":                          "why is CI red",
		"TASKROOM_EVENTS_CHANNEL":         "taskroom:events:" + id,
		"TASKROOM_ANSWERS_CHANNEL":        "taskroom:answers:" + id,
		"TASKROOM_ANSWER_TIMEOUT_SECONDS": "90",
		"REDIS_URL":                       "redis://redis:6379/0",
		"LOG_LEVEL":                       "debug",
	}
	for k, v := range want {
		if req.Env[k] != v {
			t.Fatalf("env %s = %q, want %q", k, req.Env[k], v)
		}
	}
	if _, leaked := req.Env["GITHUB_PAT"]; leaked {
		t.Fatal("secret must not be in plain env")
	}
	if req.SecretEnv["GITHUB_PAT"] != "ghp_secret" {
		t.Fatal("expected secret env to be passed separately")
	}

	snap, _ := h.o.Get(context.Background(), id)
	if snap.SandboxName != "taskroom-"+task.ShortID(id) {
		t.Fatalf("unexpected sandbox name %q", snap.SandboxName)
	}
}

func TestShutdownCancelsLiveTasks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1, 0)
	running := h.running(t, "a")
	queued := h.submit(t, "b").TaskID

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.o.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for _, id := range []string{running, queued} {
		if got := h.state(t, id); got != task.StateCancelled {
			t.Fatalf("expected %s cancelled, got %s", id, got)
		}
		terminal := h.gw.terminalCalls(id)
		if len(terminal) != 1 || terminal[0].reason != gateway.ReasonShutdown {
			t.Fatalf("expected shutdown notice for %s, got %+v", id, terminal)
		}
	}
	if got := h.prov.destroyCount(running); got != 1 {
		t.Fatalf("expected running sandbox destroyed, got %d", got)
	}
	if got := h.prov.createCount(queued); got != 0 {
		t.Fatalf("queued task must not be provisioned during shutdown, got %d", got)
	}
	if _, err := h.o.Submit(context.Background(), request("c")); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestSandboxStatus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 3, 0)
	id := h.running(t, "a")
	status, err := h.o.SandboxStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("SandboxStatus: %v", err)
	}
	if status != "running" {
		t.Fatalf("unexpected status %q", status)
	}
	if _, err := h.o.SandboxStatus(context.Background(), "task_missing"); !errors.Is(err, task.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
