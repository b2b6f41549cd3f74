package orchestrator

import (
	"errors"

	"github.com/buildkite/taskroom/internal/admission"
	"github.com/buildkite/taskroom/internal/task"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for orchestrator activity. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	tasksActive    prometheus.Gauge
	tasksQueued    prometheus.Gauge
	transitions    *prometheus.CounterVec
	destroys       *prometheus.CounterVec
	answerTimeouts prometheus.Counter
}

// MustNewMetrics registers the orchestrator collectors with reg. Collectors
// already registered under the same name are reused; any other registration
// error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskroom",
			Subsystem: "orchestrator",
			Name:      "tasks_active",
			Help:      "Number of tasks holding an admission slot.",
		}),
		tasksQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskroom",
			Subsystem: "orchestrator",
			Name:      "tasks_queued",
			Help:      "Number of tasks waiting for an admission slot.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskroom",
			Subsystem: "orchestrator",
			Name:      "transitions_total",
			Help:      "Task state transitions by destination state.",
		}, []string{"state"}),
		destroys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskroom",
			Subsystem: "orchestrator",
			Name:      "sandbox_destroy_total",
			Help:      "Sandbox destroy calls by outcome.",
		}, []string{"outcome"}),
		answerTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "taskroom",
			Subsystem: "orchestrator",
			Name:      "answer_timeouts_total",
			Help:      "Questions that expired without an answer.",
		}),
	}

	m.tasksActive = register(reg, m.tasksActive)
	m.tasksQueued = register(reg, m.tasksQueued)
	m.transitions = register(reg, m.transitions)
	m.destroys = register(reg, m.destroys)
	m.answerTimeouts = register(reg, m.answerTimeouts)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (m *Metrics) observeAdmission(s admission.Stats) {
	if m == nil {
		return
	}
	m.tasksActive.Set(float64(s.Active))
	m.tasksQueued.Set(float64(s.Queued))
}

func (m *Metrics) incTransition(to task.State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to.String()).Inc()
}

func (m *Metrics) incDestroy(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.destroys.WithLabelValues(outcome).Inc()
}

func (m *Metrics) incAnswerTimeout() {
	if m == nil {
		return
	}
	m.answerTimeouts.Inc()
}
