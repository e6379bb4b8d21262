// Package metrics holds the Prometheus collectors of a scheduler process.
//
// Collectors live in a per-process registry passed around explicitly; nothing
// registers into prometheus.DefaultRegisterer. A nil *Metrics is valid and
// records nothing, which keeps tests and tools free of metrics wiring.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wegent"

type Metrics struct {
	reg *prometheus.Registry

	BreakerCalls *prometheus.CounterVec
	BreakerState *prometheus.GaugeVec

	LockAcquire *prometheus.CounterVec

	TriggerTicks      *prometheus.CounterVec
	ExecutionsCreated *prometheus.CounterVec
	TickDuration      prometheus.Histogram

	Transitions       *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	WorkerInFlight    prometheus.Gauge

	QueueOps *prometheus.CounterVec

	Published *prometheus.CounterVec
}

// New builds a registry with process/go collectors plus the scheduler collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		BreakerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "breaker", Name: "calls_total",
			Help: "Circuit breaker calls by outcome (success, failure, rejected).",
		}, []string{"breaker", "outcome"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "breaker", Name: "state",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open).",
		}, []string{"breaker"}),
		LockAcquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "lock", Name: "acquire_total",
			Help: "Distributed lock acquire attempts by result (acquired, busy, fail_open).",
		}, []string{"lock", "result"}),
		TriggerTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "trigger", Name: "ticks_total",
			Help: "Trigger evaluator ticks by result (scanned, skipped, error).",
		}, []string{"result"}),
		ExecutionsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "trigger", Name: "executions_created_total",
			Help: "Background executions created by trigger type.",
		}, []string{"trigger_type"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "trigger", Name: "tick_duration_seconds",
			Help:    "Duration of a due-subscription scan.",
			Buckets: prometheus.DefBuckets,
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "execution", Name: "transitions_total",
			Help: "Accepted execution state transitions.",
		}, []string{"from", "to"}),
		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "execution", Name: "duration_seconds",
			Help:    "Wall time from RUNNING to a terminal status.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"status"}),
		WorkerInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "worker", Name: "in_flight",
			Help: "Executions currently being processed by this process.",
		}),
		QueueOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "ops_total",
			Help: "Job queue operations (enqueue, dequeue, ack, reject, recover).",
		}, []string{"queue", "op"}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "notify", Name: "published_total",
			Help: "Execution events published by sink and result.",
		}, []string{"sink", "result"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.BreakerCalls, m.BreakerState,
		m.LockAcquire,
		m.TriggerTicks, m.ExecutionsCreated, m.TickDuration,
		m.Transitions, m.ExecutionDuration, m.WorkerInFlight,
		m.QueueOps,
		m.Published,
	)
	return m
}

// Registry exposes the underlying registry (tests, custom collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) BreakerCall(name, outcome string) {
	if m == nil {
		return
	}
	m.BreakerCalls.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

func (m *Metrics) LockResult(name, result string) {
	if m == nil {
		return
	}
	m.LockAcquire.WithLabelValues(name, result).Inc()
}

func (m *Metrics) Tick(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.TriggerTicks.WithLabelValues(result).Inc()
	if result == "scanned" {
		m.TickDuration.Observe(took.Seconds())
	}
}

func (m *Metrics) ExecutionCreated(triggerType string) {
	if m == nil {
		return
	}
	m.ExecutionsCreated.WithLabelValues(triggerType).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ExecutionFinished(status string, took time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionDuration.WithLabelValues(status).Observe(took.Seconds())
}

func (m *Metrics) InFlight(delta int) {
	if m == nil {
		return
	}
	m.WorkerInFlight.Add(float64(delta))
}

func (m *Metrics) QueueOp(queue, op string) {
	if m == nil {
		return
	}
	m.QueueOps.WithLabelValues(queue, op).Inc()
}

func (m *Metrics) PublishResult(sink string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Published.WithLabelValues(sink, result).Inc()
}
