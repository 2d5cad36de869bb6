package queue

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/ci/backend/pkg/ci"
	"github.com/vyvo/ci/backend/pkg/config"
	"github.com/vyvo/ci/backend/pkg/metrics"
	"github.com/vyvo/ci/backend/pkg/store"
)

type harness struct {
	repo      *store.Store
	runners   *MemoryRunnerQueue
	recorder  *metrics.Recorder
	queue     *BuildQueueService
	lifecycle *Lifecycle
}

func newHarness(t *testing.T, features config.Features) *harness {
	t.Helper()
	h := &harness{
		repo:     store.NewStore(),
		runners:  NewMemoryRunnerQueue(),
		recorder: metrics.NewRecorder(),
	}
	h.queue = NewBuildQueueService(h.repo, h.runners, h.recorder, features)
	h.lifecycle = NewLifecycle(h.repo, h.queue)
	return h
}

func (h *harness) build(t *testing.T, b *ci.Build) *ci.Build {
	t.Helper()
	ctx := context.Background()
	p, err := h.repo.CreatePipeline(ctx, &ci.Pipeline{ProjectID: b.ProjectID})
	require.NoError(t, err)
	b.PipelineID = p.ID
	created, err := h.repo.CreateBuild(ctx, b)
	require.NoError(t, err)
	return created
}

func (h *harness) runner(t *testing.T, r *ci.Runner, contacted time.Time) *ci.Runner {
	t.Helper()
	ctx := context.Background()
	r.Active = true
	created, err := h.repo.CreateRunner(ctx, r)
	require.NoError(t, err)
	if !contacted.IsZero() {
		require.NoError(t, h.repo.TouchRunner(ctx, created.ID, contacted))
	}
	return created
}

func (h *harness) inTx(t *testing.T, fn func(ctx context.Context, tx store.Tx) error) error {
	t.Helper()
	return h.repo.WithinTransaction(context.Background(), fn)
}

func (h *harness) queued(t *testing.T, buildID int64) bool {
	t.Helper()
	ok, err := h.repo.QueueEntryExists(context.Background(), buildID)
	require.NoError(t, err)
	return ok
}

func TestPushIsIdempotent(t *testing.T) {
	h := newHarness(t, config.DefaultFeatures())
	b := h.build(t, &ci.Build{ProjectID: 1})
	enqueue := ci.Transition{Event: ci.EventEnqueue, From: ci.StatusCreated, To: ci.StatusPending}

	for i := 0; i < 2; i++ {
		require.NoError(t, h.inTx(t, func(ctx context.Context, tx store.Tx) error {
			return h.queue.Push(ctx, tx, b, enqueue)
		}))
	}

	entries, err := h.repo.ListQueueEntries(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, 1, h.recorder.QueueOperations(metrics.OpBuildQueuePush))
}

func TestPushAndPopRejectWrongTransitions(t *testing.T) {
	h := newHarness(t, config.DefaultFeatures())
	b := h.build(t, &ci.Build{ProjectID: 1})
	run := ci.Transition{Event: ci.EventRun, From: ci.StatusPending, To: ci.StatusRunning}
	enqueue := ci.Transition{Event: ci.EventEnqueue, From: ci.StatusCreated, To: ci.StatusPending}

	err := h.inTx(t, func(ctx context.Context, tx store.Tx) error {
		return h.queue.Push(ctx, tx, b, run)
	})
	assert.ErrorIs(t, err, ErrInvalidQueueTransition)

	err = h.inTx(t, func(ctx context.Context, tx store.Tx) error {
		return h.queue.Pop(ctx, tx, b, enqueue)
	})
	assert.ErrorIs(t, err, ErrInvalidQueueTransition)
	assert.False(t, h.queued(t, b.ID))
}

func TestPopTwiceLeavesNoEntry(t *testing.T) {
	h := newHarness(t, config.DefaultFeatures())
	b := h.build(t, &ci.Build{ProjectID: 1})
	enqueue := ci.Transition{Event: ci.EventEnqueue, From: ci.StatusCreated, To: ci.StatusPending}
	run := ci.Transition{Event: ci.EventRun, From: ci.StatusPending, To: ci.StatusRunning}

	require.NoError(t, h.inTx(t, func(ctx context.Context, tx store.Tx) error {
		return h.queue.Push(ctx, tx, b, enqueue)
	}))
	for i := 0; i < 2; i++ {
		require.NoError(t, h.inTx(t, func(ctx context.Context, tx store.Tx) error {
			return h.queue.Pop(ctx, tx, b, run)
		}))
	}

	assert.False(t, h.queued(t, b.ID))
	assert.Equal(t, 1, h.recorder.QueueOperations(metrics.OpBuildQueuePop))
}

func TestQueueMaintenanceDisabled(t *testing.T) {
	features := config.DefaultFeatures()
	features.QueueMaintenanceEnabled = false
	h := newHarness(t, features)
	b := h.build(t, &ci.Build{ProjectID: 1})
	bogus := ci.Transition{Event: ci.EventSucceed, From: ci.StatusRunning, To: ci.StatusSuccess}

	require.NoError(t, h.inTx(t, func(ctx context.Context, tx store.Tx) error {
		if err := h.queue.Push(ctx, tx, b, bogus); err != nil {
			return err
		}
		return h.queue.Pop(ctx, tx, b, bogus)
	}))

	_, _, err := h.lifecycle.Fire(context.Background(), b.ID, ci.EventEnqueue)
	require.NoError(t, err)
	assert.False(t, h.queued(t, b.ID))
	assert.Zero(t, h.recorder.QueueOperations(metrics.OpBuildQueuePush))
}

func TestTickNotifiesRecentMatchingRunners(t *testing.T) {
	h := newHarness(t, config.DefaultFeatures())
	now := time.Now().UTC()
	b := h.build(t, &ci.Build{ProjectID: 1, Tags: []string{"docker"}})

	docker := h.runner(t, &ci.Runner{RunnerType: ci.RunnerInstance, Tags: []string{"docker"}}, now)
	windows := h.runner(t, &ci.Runner{RunnerType: ci.RunnerInstance, Tags: []string{"windows"}}, now)
	stale := h.runner(t, &ci.Runner{RunnerType: ci.RunnerInstance, Tags: []string{"docker"}}, now.Add(-2*time.Hour))

	require.NoError(t, h.queue.Tick(context.Background(), b))

	assert.Equal(t, 1, h.runners.Ticks(docker.ID))
	assert.Zero(t, h.runners.Ticks(windows.ID))
	assert.Zero(t, h.runners.Ticks(stale.ID))
	assert.Equal(t, 1, h.recorder.RunnerTicks(docker.ID))
	assert.Equal(t, 1, h.recorder.RunnerTicks(windows.ID))
	assert.Equal(t, []int{2}, h.recorder.ActiveRunnerObservations())
}

func TestTickLoadsTagsLazily(t *testing.T) {
	features := config.DefaultFeatures()
	features.PreloadRunnerTags = false
	h := newHarness(t, features)
	b := h.build(t, &ci.Build{ProjectID: 1, Tags: []string{"docker"}})
	docker := h.runner(t, &ci.Runner{RunnerType: ci.RunnerInstance, Tags: []string{"docker"}}, time.Now().UTC())

	require.NoError(t, h.queue.Tick(context.Background(), b))
	assert.Equal(t, 1, h.runners.Ticks(docker.ID))
}

func TestQueueEntryExistsIffPending(t *testing.T) {
	h := newHarness(t, config.DefaultFeatures())
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	events := []ci.Event{
		ci.EventEnqueue, ci.EventEnqueueScheduled, ci.EventRun, ci.EventSucceed, ci.EventDrop,
		ci.EventCancel, ci.EventSkip, ci.EventSchedule, ci.EventActionize, ci.EventUnschedule,
	}

	for i := 0; i < 50; i++ {
		b := h.build(t, &ci.Build{ProjectID: 1})
		for step := 0; step < 8; step++ {
			_, _, err := h.lifecycle.Fire(ctx, b.ID, events[rng.Intn(len(events))])
			if err != nil {
				require.ErrorIs(t, err, ci.ErrInvalidTransition)
			}
			current, err := h.repo.GetBuild(ctx, b.ID)
			require.NoError(t, err)
			assert.Equal(t, current.Status == ci.StatusPending, h.queued(t, b.ID),
				"build %d in %s", b.ID, current.Status)
		}
	}
}
