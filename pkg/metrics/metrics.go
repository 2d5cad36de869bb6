package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyvo/ci/backend/pkg/ci"
)

// Queue operations.
const (
	OpBuildQueuePush = "build_queue_push"
	OpBuildQueuePop  = "build_queue_pop"
	OpQueueConflict  = "queue_conflict"
	OpQueueClaim     = "build_claimed"
)

// Trace operations.
const (
	TraceAccepted  = "accepted"
	TraceFinalized = "finalized"
	TraceDiscarded = "discarded"
	TraceConflict  = "conflict"
	TraceInvalid   = "invalid"
	TraceOverwrite = "overwrite"
)

// Sink receives counters and observations from the queue and trace services.
type Sink interface {
	IncrementQueueOperation(op string)
	IncrementRunnerTick(runner *ci.Runner)
	ObserveActiveRunners(count func() int)
	IncrementTraceOperation(op string)
}

// Noop discards everything.
type Noop struct{}

func (Noop) IncrementQueueOperation(string)  {}
func (Noop) IncrementRunnerTick(*ci.Runner)  {}
func (Noop) ObserveActiveRunners(func() int) {}
func (Noop) IncrementTraceOperation(string)  {}

// Prometheus exports the sink as prometheus collectors.
type Prometheus struct {
	queueOperations *prometheus.CounterVec
	runnerTicks     *prometheus.CounterVec
	activeRunners   prometheus.Histogram
	traceOperations *prometheus.CounterVec
}

// NewPrometheus creates the collectors and registers them with reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		queueOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ci",
			Subsystem: "build_queue",
			Name:      "operations_total",
			Help:      "Total number of build queue operations",
		}, []string{"operation"}),
		runnerTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ci",
			Subsystem: "build_queue",
			Name:      "runner_ticks_total",
			Help:      "Total number of runner queue ticks",
		}, []string{"runner_type", "runner_id"}),
		activeRunners: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ci",
			Subsystem: "build_queue",
			Name:      "active_runners_per_tick",
			Help:      "Number of runners with a recent queue heartbeat notified per tick",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12), // 1 .. 2048
		}),
		traceOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ci",
			Subsystem: "trace",
			Name:      "operations_total",
			Help:      "Total number of build trace operations",
		}, []string{"operation"}),
	}
	reg.MustRegister(p.queueOperations, p.runnerTicks, p.activeRunners, p.traceOperations)
	return p
}

func (p *Prometheus) IncrementQueueOperation(op string) {
	p.queueOperations.WithLabelValues(op).Inc()
}

func (p *Prometheus) IncrementRunnerTick(runner *ci.Runner) {
	p.runnerTicks.WithLabelValues(string(runner.RunnerType), strconv.FormatInt(runner.ID, 10)).Inc()
}

func (p *Prometheus) ObserveActiveRunners(count func() int) {
	p.activeRunners.Observe(float64(count()))
}

func (p *Prometheus) IncrementTraceOperation(op string) {
	p.traceOperations.WithLabelValues(op).Inc()
}

var (
	_ Sink = Noop{}
	_ Sink = (*Prometheus)(nil)
)
