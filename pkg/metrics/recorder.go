package metrics

import (
	"sync"

	"github.com/vyvo/ci/backend/pkg/ci"
)

// Recorder keeps counts in memory. Tests use it to assert on emitted operations.
type Recorder struct {
	mu            sync.Mutex
	queue         map[string]int
	trace         map[string]int
	ticks         map[int64]int
	activeRunners []int
}

func NewRecorder() *Recorder {
	return &Recorder{
		queue: map[string]int{},
		trace: map[string]int{},
		ticks: map[int64]int{},
	}
}

func (r *Recorder) IncrementQueueOperation(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue[op]++
}

func (r *Recorder) IncrementRunnerTick(runner *ci.Runner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks[runner.ID]++
}

func (r *Recorder) ObserveActiveRunners(count func() int) {
	n := count()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activeRunners = append(r.activeRunners, n)
}

func (r *Recorder) IncrementTraceOperation(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trace[op]++
}

func (r *Recorder) QueueOperations(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue[op]
}

func (r *Recorder) TraceOperations(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trace[op]
}

func (r *Recorder) RunnerTicks(runnerID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticks[runnerID]
}

func (r *Recorder) ActiveRunnerObservations() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.activeRunners...)
}

var _ Sink = (*Recorder)(nil)
