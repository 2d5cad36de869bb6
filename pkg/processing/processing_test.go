package processing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/ci/backend/pkg/ci"
	"github.com/vyvo/ci/backend/pkg/config"
	"github.com/vyvo/ci/backend/pkg/metrics"
	"github.com/vyvo/ci/backend/pkg/queue"
	"github.com/vyvo/ci/backend/pkg/store"
)

type env struct {
	repo      *store.Store
	recorder  *metrics.Recorder
	runners   *queue.MemoryRunnerQueue
	lifecycle *queue.Lifecycle
	builds    *ProcessBuildService
	pipelines *ProcessPipelineService
	features  config.Features
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		repo:     store.NewStore(),
		recorder: metrics.NewRecorder(),
		runners:  queue.NewMemoryRunnerQueue(),
		features: config.DefaultFeatures(),
	}
	bqs := queue.NewBuildQueueService(e.repo, e.runners, e.recorder, e.features)
	e.lifecycle = queue.NewLifecycle(e.repo, bqs)
	e.builds = NewProcessBuildService(e.lifecycle)
	e.pipelines = NewProcessPipelineService(e.repo, e.builds)
	e.lifecycle.SetPipelineHook(e.pipelines)
	return e
}

func (e *env) pipeline(t *testing.T, projectID int64, builds ...*ci.Build) (*ci.Pipeline, []*ci.Build) {
	t.Helper()
	ctx := context.Background()
	p, err := e.repo.CreatePipeline(ctx, &ci.Pipeline{ProjectID: projectID})
	require.NoError(t, err)
	out := make([]*ci.Build, 0, len(builds))
	for _, b := range builds {
		b.PipelineID = p.ID
		b.ProjectID = projectID
		if b.When == "" {
			b.When = ci.WhenOnSuccess
		}
		if b.SchedulingType == "" {
			b.SchedulingType = ci.SchedulingStage
		}
		created, err := e.repo.CreateBuild(ctx, b)
		require.NoError(t, err)
		out = append(out, created)
	}
	return p, out
}

func (e *env) runner(t *testing.T, r *ci.Runner) *ci.Runner {
	t.Helper()
	r.Active = true
	created, err := e.repo.CreateRunner(context.Background(), r)
	require.NoError(t, err)
	return created
}

func (e *env) status(t *testing.T, id int64) ci.Status {
	t.Helper()
	b, err := e.repo.GetBuild(context.Background(), id)
	require.NoError(t, err)
	return b.Status
}

func (e *env) fire(t *testing.T, id int64, events ...ci.Event) {
	t.Helper()
	for _, ev := range events {
		_, _, err := e.lifecycle.Fire(context.Background(), id, ev)
		require.NoError(t, err)
	}
}

type countingHook struct {
	mu    sync.Mutex
	calls int
}

func (h *countingHook) OnBuildCompleted(context.Context, int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	return nil
}

func TestProcessBuildDecisionTable(t *testing.T) {
	proceedsOn := map[ci.When][]ci.Status{
		ci.WhenOnSuccess: {ci.StatusSuccess},
		ci.WhenManual:    {ci.StatusSuccess},
		ci.WhenDelayed:   {ci.StatusSuccess},
		ci.WhenOnFailure: {ci.StatusFailed},
		ci.WhenAlways:    {ci.StatusSuccess, ci.StatusFailed},
		ci.When("never"): nil,
	}
	statuses := []ci.Status{
		ci.StatusCreated, ci.StatusPending, ci.StatusRunning, ci.StatusSuccess, ci.StatusFailed,
		ci.StatusCanceled, ci.StatusSkipped, ci.StatusManual, ci.StatusScheduled,
	}

	e := newEnv(t)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	for when, allowed := range proceedsOn {
		for _, name := range statuses {
			for _, ignored := range []bool{false, true} {
				want := false
				for _, s := range allowed {
					if s == name {
						want = true
					}
				}
				if ignored && allowed != nil {
					want = true
				}

				b := &ci.Build{Name: "job", When: when}
				if when == ci.WhenDelayed {
					b.ScheduledAt = &future
				}
				_, builds := e.pipeline(t, 1, b)

				got, err := e.builds.Execute(ctx, builds[0], ci.CompositeStatus{Name: name, Ignored: ignored})
				require.NoError(t, err)
				require.Equal(t, want, got, "when=%s name=%s ignored=%v", when, name, ignored)

				expected := ci.StatusSkipped
				if want {
					switch when {
					case ci.WhenDelayed:
						expected = ci.StatusScheduled
					case ci.WhenManual:
						expected = ci.StatusManual
					default:
						expected = ci.StatusPending
					}
				}
				assert.Equal(t, expected, e.status(t, builds[0].ID), "when=%s name=%s ignored=%v", when, name, ignored)
			}
		}
	}
}

func TestProcessBuildExamples(t *testing.T) {
	assert.False(t, Proceeds(ci.WhenOnFailure, ci.CompositeStatus{Name: ci.StatusSuccess}))
	assert.True(t, Proceeds(ci.WhenAlways, ci.CompositeStatus{Name: ci.StatusFailed}))
	assert.True(t, Proceeds(ci.WhenOnSuccess, ci.CompositeStatus{Name: ci.StatusSkipped, Ignored: true}))
	assert.False(t, Proceeds(ci.When(""), ci.CompositeStatus{Name: ci.StatusSuccess, Ignored: true}))
}

func TestDelayedBuildInThePastIsEnqueued(t *testing.T) {
	e := newEnv(t)
	past := time.Now().Add(-time.Minute)
	_, builds := e.pipeline(t, 1, &ci.Build{Name: "deploy", When: ci.WhenDelayed, ScheduledAt: &past})

	ok, err := e.builds.Execute(context.Background(), builds[0], ci.CompositeStatus{Name: ci.StatusSuccess})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ci.StatusPending, e.status(t, builds[0].ID))
}

func TestStagePipelineProgression(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p, b := e.pipeline(t, 1,
		&ci.Build{Name: "compile", Stage: "build", StageIdx: 0},
		&ci.Build{Name: "rspec", Stage: "test", StageIdx: 1},
		&ci.Build{Name: "notify", Stage: "test", StageIdx: 1, When: ci.WhenOnFailure},
		&ci.Build{Name: "cleanup", Stage: "post", StageIdx: 2, When: ci.WhenAlways},
	)
	compile, rspec, notify, cleanup := b[0].ID, b[1].ID, b[2].ID, b[3].ID

	require.NoError(t, e.pipelines.Execute(ctx, p.ID))
	assert.Equal(t, ci.StatusPending, e.status(t, compile))
	assert.Equal(t, ci.StatusCreated, e.status(t, rspec))

	e.fire(t, compile, ci.EventRun, ci.EventSucceed)
	assert.Equal(t, ci.StatusPending, e.status(t, rspec))
	assert.Equal(t, ci.StatusSkipped, e.status(t, notify))
	assert.Equal(t, ci.StatusCreated, e.status(t, cleanup))

	e.fire(t, rspec, ci.EventRun, ci.EventDrop)
	assert.Equal(t, ci.StatusPending, e.status(t, cleanup))

	e.fire(t, cleanup, ci.EventRun, ci.EventSucceed)
	got, err := e.repo.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ci.StatusFailed, got.Status)
}

func TestAllowedFailureDoesNotBlockNextStage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p, b := e.pipeline(t, 1,
		&ci.Build{Name: "lint", StageIdx: 0, AllowFailure: true},
		&ci.Build{Name: "deploy", StageIdx: 1},
	)

	require.NoError(t, e.pipelines.Execute(ctx, p.ID))
	e.fire(t, b[0].ID, ci.EventRun, ci.EventDrop)
	assert.Equal(t, ci.StatusPending, e.status(t, b[1].ID))
}

func TestOptionalManualDoesNotBlockNextStage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p, b := e.pipeline(t, 1,
		&ci.Build{Name: "review", StageIdx: 0, When: ci.WhenManual, AllowFailure: true},
		&ci.Build{Name: "test", StageIdx: 1},
	)

	require.NoError(t, e.pipelines.Execute(ctx, p.ID))
	assert.Equal(t, ci.StatusManual, e.status(t, b[0].ID))
	assert.Equal(t, ci.StatusPending, e.status(t, b[1].ID))

	got, err := e.repo.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ci.StatusPending, got.Status)
}

func TestBlockingManualHoldsPipeline(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p, b := e.pipeline(t, 1,
		&ci.Build{Name: "approve", StageIdx: 0, When: ci.WhenManual},
		&ci.Build{Name: "deploy", StageIdx: 1},
	)

	require.NoError(t, e.pipelines.Execute(ctx, p.ID))
	assert.Equal(t, ci.StatusManual, e.status(t, b[0].ID))
	assert.Equal(t, ci.StatusCreated, e.status(t, b[1].ID))

	got, err := e.repo.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ci.StatusManual, got.Status)

	e.fire(t, b[0].ID, ci.EventEnqueue, ci.EventRun, ci.EventSucceed)
	assert.Equal(t, ci.StatusPending, e.status(t, b[1].ID))
}

func TestDAGPipelineUsesNeeds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p, b := e.pipeline(t, 1,
		&ci.Build{Name: "slow", StageIdx: 0},
		&ci.Build{Name: "fast", StageIdx: 0},
		&ci.Build{Name: "after-fast", StageIdx: 1, SchedulingType: ci.SchedulingDAG, Needs: []string{"fast"}},
		&ci.Build{Name: "no-needs", StageIdx: 1, SchedulingType: ci.SchedulingDAG},
	)

	require.NoError(t, e.pipelines.Execute(ctx, p.ID))
	assert.Equal(t, ci.StatusCreated, e.status(t, b[2].ID))
	assert.Equal(t, ci.StatusPending, e.status(t, b[3].ID))

	e.fire(t, b[1].ID, ci.EventRun, ci.EventSucceed)
	assert.Equal(t, ci.StatusPending, e.status(t, b[2].ID))
	assert.Equal(t, ci.StatusPending, e.status(t, b[0].ID))

	got, err := e.repo.GetPipeline(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ci.StatusRunning, got.Status)
}

func TestQueueEntryMatchesPendingAfterProcessing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)
	p, builds := e.pipeline(t, 1,
		&ci.Build{Name: "a", StageIdx: 0},
		&ci.Build{Name: "b", StageIdx: 0, When: ci.WhenManual},
		&ci.Build{Name: "c", StageIdx: 0, When: ci.WhenDelayed, ScheduledAt: &future},
		&ci.Build{Name: "d", StageIdx: 1, When: ci.WhenOnFailure},
	)
	require.NoError(t, e.pipelines.Execute(ctx, p.ID))

	for _, b := range builds {
		status := e.status(t, b.ID)
		queued, err := e.repo.QueueEntryExists(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, status == ci.StatusPending, queued, "build %s in %s", b.Name, status)
	}
}
