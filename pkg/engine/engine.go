// Package engine wires the queue, processing and trace services over one repository.
package engine

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyvo/ci/backend/pkg/api"
	"github.com/vyvo/ci/backend/pkg/buildstate"
	"github.com/vyvo/ci/backend/pkg/ci"
	"github.com/vyvo/ci/backend/pkg/config"
	"github.com/vyvo/ci/backend/pkg/metrics"
	"github.com/vyvo/ci/backend/pkg/pipelinedef"
	"github.com/vyvo/ci/backend/pkg/processing"
	"github.com/vyvo/ci/backend/pkg/queue"
	"github.com/vyvo/ci/backend/pkg/store"
	"github.com/vyvo/ci/backend/pkg/trace"
)

// Deps are the storage backends and settings the engine runs on. Nil stores and sinks
// fall back to in-memory implementations.
type Deps struct {
	Repo           store.Repository
	Runners        queue.RunnerQueue
	LiveTraces     trace.ChunkStore
	ArchivedTraces trace.ChunkStore
	Sink           metrics.Sink
	Features       config.Features
	PersistWorkers int
	Quota          processing.QuotaChecker
}

// Engine holds every service of a running CI server.
type Engine struct {
	Repo        store.Repository
	Runners     queue.RunnerQueue
	Queue       *queue.BuildQueueService
	Lifecycle   *queue.Lifecycle
	Requests    *queue.JobRequestService
	Builds      *processing.ProcessBuildService
	Pipelines   *processing.ProcessPipelineService
	Validation  *processing.PipelineRunnersMatchingValidationService
	Create      *processing.CreatePipelineService
	Cancel      *processing.CancelService
	Unschedule  *processing.UnscheduleService
	Play        *processing.PlayService
	Scheduled   *processing.ScheduledBuildsWorker
	Traces      *trace.Service
	Persister   *trace.Persister
	BuildStates *buildstate.Service
}

func New(d Deps) *Engine {
	if d.Repo == nil {
		d.Repo = store.NewStore()
	}
	if d.Runners == nil {
		d.Runners = queue.NewMemoryRunnerQueue()
	}
	if d.LiveTraces == nil {
		d.LiveTraces = trace.NewMemoryChunkStore()
	}
	if d.ArchivedTraces == nil {
		d.ArchivedTraces = trace.NewMemoryChunkStore()
	}
	if d.Sink == nil {
		d.Sink = metrics.Noop{}
	}

	e := &Engine{Repo: d.Repo, Runners: d.Runners}
	e.Queue = queue.NewBuildQueueService(d.Repo, d.Runners, d.Sink, d.Features)
	e.Lifecycle = queue.NewLifecycle(d.Repo, e.Queue)
	e.Requests = queue.NewJobRequestService(d.Repo, e.Lifecycle, d.Runners, d.Sink, d.Features)
	e.Builds = processing.NewProcessBuildService(e.Lifecycle)
	e.Pipelines = processing.NewProcessPipelineService(d.Repo, e.Builds)
	e.Lifecycle.SetPipelineHook(e.Pipelines)

	var opts []processing.ValidationOption
	if d.Quota != nil {
		opts = append(opts, processing.WithQuotaChecker(d.Quota))
	}
	e.Validation = processing.NewPipelineRunnersMatchingValidationService(d.Repo, e.Lifecycle, d.Features, opts...)
	e.Create = processing.NewCreatePipelineService(d.Repo, e.Validation, e.Pipelines)
	e.Cancel = processing.NewCancelService(d.Repo, e.Lifecycle)
	e.Unschedule = processing.NewUnscheduleService(d.Repo, e.Lifecycle)
	e.Play = processing.NewPlayService(d.Repo, e.Lifecycle)
	e.Scheduled = processing.NewScheduledBuildsWorker(d.Repo, e.Lifecycle)

	e.Traces = trace.NewService(d.LiveTraces, d.ArchivedTraces)
	e.Persister = trace.NewPersister(e.Traces, d.PersistWorkers)
	e.BuildStates = buildstate.NewService(d.Repo, e.Lifecycle, e.Traces, e.Persister, d.Sink, d.Features)
	return e
}

// APIServices exposes the engine to the HTTP layer.
func (e *Engine) APIServices(gatherer prometheus.Gatherer, ping func(context.Context) error) api.Services {
	return api.Services{
		Repo:           e.Repo,
		Requests:       e.Requests,
		BuildStates:    e.BuildStates,
		Traces:         e.Traces,
		Cancel:         e.Cancel,
		Unschedule:     e.Unschedule,
		Play:           e.Play,
		SubmitPipeline: e.SubmitPipeline,
		Gatherer:       gatherer,
		Ping:           ping,
	}
}

// SubmitPipeline stores p and the builds of def, drops builds no runner can take and
// starts processing.
func (e *Engine) SubmitPipeline(ctx context.Context, p *ci.Pipeline, def *pipelinedef.Definition) (*ci.Pipeline, error) {
	return e.Create.Execute(ctx, p, def)
}
