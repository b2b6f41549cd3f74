package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/buildkite/taskroom/internal/admission"
	"github.com/buildkite/taskroom/internal/backend"
	"github.com/buildkite/taskroom/internal/channel"
	"github.com/buildkite/taskroom/internal/envelope"
	"github.com/buildkite/taskroom/internal/gateway"
	"github.com/buildkite/taskroom/internal/relay"
	"github.com/buildkite/taskroom/internal/store"
	"github.com/buildkite/taskroom/internal/task"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeProvisioner struct {
	mu        sync.Mutex
	creates   map[string]int
	destroys  map[string]int
	order     []string
	requests  map[string]backend.CreateRequest
	exited    map[string]bool
	statuses  map[string]int
	createErr error
	// release, when set, blocks Create until closed regardless of ctx.
	release chan struct{}
	entered chan string
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{
		creates:  map[string]int{},
		destroys: map[string]int{},
		requests: map[string]backend.CreateRequest{},
		exited:   map[string]bool{},
		statuses: map[string]int{},
		entered:  make(chan string, 64),
	}
}

func (p *fakeProvisioner) Name() string { return "fake" }

func (p *fakeProvisioner) Create(_ context.Context, req backend.CreateRequest) (*backend.Handle, error) {
	p.mu.Lock()
	p.creates[req.TaskID]++
	p.requests[req.TaskID] = req
	p.order = append(p.order, "create-start:"+req.TaskID)
	release := p.release
	p.mu.Unlock()

	p.entered <- req.TaskID
	if release != nil {
		<-release
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.order = append(p.order, "create-done:"+req.TaskID)
	if p.createErr != nil {
		return nil, &backend.ProvisioningError{TaskID: req.TaskID, Backend: "fake", Err: p.createErr}
	}
	return &backend.Handle{
		TaskID:  req.TaskID,
		Name:    backend.SandboxName(req.TaskID),
		Backend: "fake",
		Status:  backend.StatusRunning,
	}, nil
}

func (p *fakeProvisioner) Destroy(_ context.Context, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroys[taskID]++
	p.order = append(p.order, "destroy:"+taskID)
	return nil
}

func (p *fakeProvisioner) Status(_ context.Context, taskID string) (backend.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[taskID]++
	if p.destroys[taskID] > 0 {
		return backend.StatusGone, nil
	}
	if p.exited[taskID] {
		return backend.StatusExited, nil
	}
	if p.creates[taskID] > 0 {
		return backend.StatusRunning, nil
	}
	return backend.StatusUnknown, backend.ErrSandboxGone
}

// exit simulates the sandbox process for id stopping on its own.
func (p *fakeProvisioner) exit(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exited[id] = true
}

func (p *fakeProvisioner) statusCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statuses[id]
}

func (p *fakeProvisioner) createCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.creates[id]
}

func (p *fakeProvisioner) destroyCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroys[id]
}

func (p *fakeProvisioner) totalCreates() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.creates {
		total += n
	}
	return total
}

func (p *fakeProvisioner) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

type call struct {
	kind     string
	taskID   string
	state    task.State
	text     string
	position int
	question task.PendingQuestion
	filename string
	reason   gateway.FailureReason
}

type recordingGateway struct {
	mu    sync.Mutex
	calls []call
}

func (g *recordingGateway) add(c call) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, c)
}

func (g *recordingGateway) OnAck(t task.Task, pos int) {
	g.add(call{kind: "ack", taskID: t.ID, state: t.State, position: pos})
}

func (g *recordingGateway) OnProgress(t task.Task, text string) {
	g.add(call{kind: "progress", taskID: t.ID, state: t.State, text: text})
}

func (g *recordingGateway) OnQuestion(t task.Task, q task.PendingQuestion) {
	g.add(call{kind: "question", taskID: t.ID, state: t.State, question: q})
}

func (g *recordingGateway) OnResult(t task.Task, text string) {
	g.add(call{kind: "result", taskID: t.ID, state: t.State, text: text})
}

func (g *recordingGateway) OnResultFile(t task.Task, filename, content string) {
	g.add(call{kind: "result_file", taskID: t.ID, state: t.State, filename: filename, text: content})
}

func (g *recordingGateway) OnFailure(t task.Task, f gateway.Failure) {
	g.add(call{kind: "failure", taskID: t.ID, state: t.State, text: f.Message, reason: f.Reason})
}

func (g *recordingGateway) callsFor(id, kind string) []call {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []call
	for _, c := range g.calls {
		if c.taskID == id && (kind == "" || c.kind == kind) {
			out = append(out, c)
		}
	}
	return out
}

func (g *recordingGateway) terminalCalls(id string) []call {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []call
	for _, c := range g.calls {
		if c.taskID != id {
			continue
		}
		switch c.kind {
		case "result", "result_file", "failure":
			out = append(out, c)
		}
	}
	return out
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, []byte) error {
	return errors.New("broker unreachable")
}

type harness struct {
	o       *Orchestrator
	prov    *fakeProvisioner
	gw      *recordingGateway
	ch      *channel.Memory
	relay   *relay.Relay
	clock   *fakeClock
	store   store.Store
	metrics *Metrics
}

type harnessOption func(*Options)

func newHarness(t *testing.T, limit, maxQueue int, opts ...harnessOption) *harness {
	t.Helper()

	mem := channel.NewMemory(64)
	t.Cleanup(func() { _ = mem.Close() })

	h := &harness{
		prov:    newFakeProvisioner(),
		gw:      &recordingGateway{},
		ch:      mem,
		relay:   &relay.Relay{Channel: mem},
		clock:   &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		store:   store.NewMemory(),
		metrics: MustNewMetrics(prometheus.NewRegistry()),
	}
	options := Options{
		Admission:   admission.New(limit, maxQueue),
		Provisioner: h.prov,
		Relay:       h.relay,
		Store:       h.store,
		Gateway:     h.gw,
		Metrics:     h.metrics,
	}
	for _, opt := range opts {
		opt(&options)
	}
	o, err := New(options)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	o.now = h.clock.Now
	h.o = o
	return h
}

func request(prompt string) task.SubmitRequest {
	return task.SubmitRequest{
		Prompt:     prompt,
		Repository: "https://github.com/acme/widgets",
		Origin:     task.Origin{Channel: "C1", Thread: "1700000000.0001", User: "U42"},
	}
}

func (h *harness) submit(t *testing.T, prompt string) SubmitResult {
	t.Helper()
	res, err := h.o.Submit(context.Background(), request(prompt))
	if err != nil {
		t.Fatalf("Submit(%q): %v", prompt, err)
	}
	return res
}

func (h *harness) state(t *testing.T, id string) task.State {
	t.Helper()
	got, err := h.o.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return got.State
}

func (h *harness) waitForState(t *testing.T, id string, want task.State) {
	t.Helper()
	waitFor(t, fmt.Sprintf("task %s to reach %s", id, want), func() bool {
		got, err := h.o.Get(context.Background(), id)
		return err == nil && got.State == want
	})
}

// running submits a task and drives it to running.
func (h *harness) running(t *testing.T, prompt string) string {
	t.Helper()
	id := h.submit(t, prompt).TaskID
	h.waitForState(t, id, task.StateCloning)
	h.o.OnSandboxEvent(envelope.Progress(id, "analysing", envelope.StageRunning))
	if got := h.state(t, id); got != task.StateRunning {
		t.Fatalf("expected running, got %s", got)
	}
	return id
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
