package queue

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
	"github.com/vyvo/ci/backend/pkg/store"
)

type hookRecorder struct {
	mu    sync.Mutex
	calls []int64
}

func (h *hookRecorder) OnBuildCompleted(_ context.Context, pipelineID int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, pipelineID)
	return nil
}

func (h *hookRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

func TestLifecycleEnqueueRunSucceed(t *testing.T) {
	h := newHarness(t, config.DefaultFeatures())
	hook := &hookRecorder{}
	h.lifecycle.SetPipelineHook(hook)
	ctx := context.Background()
	b := h.build(t, &ci.Build{ProjectID: 1})

	built, tr, err := h.lifecycle.Fire(ctx, b.ID, ci.EventEnqueue)
	require.NoError(t, err)
	assert.True(t, tr.EntersPending())
	assert.Equal(t, ci.StatusPending, built.Status)
	assert.True(t, h.queued(t, b.ID))

	built, _, err = h.lifecycle.Fire(ctx, b.ID, ci.EventRun, WithRunner(5))
	require.NoError(t, err)
	require.NotNil(t, built.RunnerID)
	assert.Equal(t, int64(5), *built.RunnerID)
	assert.False(t, h.queued(t, b.ID))
	assert.Zero(t, hook.count())

	_, _, err = h.lifecycle.Fire(ctx, b.ID, ci.EventSucceed)
	require.NoError(t, err)
	assert.Equal(t, []int64{b.PipelineID}, hook.calls)
	assert.Equal(t, 1, h.recorder.QueueOperations(metrics.OpBuildQueuePush))
	assert.Equal(t, 1, h.recorder.QueueOperations(metrics.OpBuildQueuePop))
}

func TestLifecycleDropRecordsReason(t *testing.T) {
	h := newHarness(t, config.DefaultFeatures())
	hook := &hookRecorder{}
	h.lifecycle.SetPipelineHook(hook)
	ctx := context.Background()
	b := h.build(t, &ci.Build{ProjectID: 1})
	other := h.build(t, &ci.Build{ProjectID: 1})

	dropped, _, err := h.lifecycle.Fire(ctx, b.ID, ci.EventDrop,
		WithFailureReason(ci.FailureNoMatchingRunner), SkipPipelineProcessing())
	require.NoError(t, err)
	assert.Equal(t, ci.StatusFailed, dropped.Status)
	assert.Equal(t, ci.FailureNoMatchingRunner, dropped.FailureReason)
	assert.Zero(t, hook.count())

	dropped, _, err = h.lifecycle.Fire(ctx, other.ID, ci.EventDrop)
	require.NoError(t, err)
	assert.Equal(t, ci.FailureUnknown, dropped.FailureReason)
	assert.Equal(t, 1, hook.count())
}

func TestLifecycleInvalidEventLeavesBuildUntouched(t *testing.T) {
	h := newHarness(t, config.DefaultFeatures())
	ctx := context.Background()
	b := h.build(t, &ci.Build{ProjectID: 1})

	_, _, err := h.lifecycle.Fire(ctx, b.ID, ci.EventRun)
	require.ErrorIs(t, err, ci.ErrInvalidTransition)

	got, err := h.repo.GetBuild(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, ci.StatusCreated, got.Status)

	_, _, err = h.lifecycle.Fire(ctx, 999, ci.EventEnqueue)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestLifecycleEnqueueTicksRunners(t *testing.T) {
	h := newHarness(t, config.DefaultFeatures())
	ctx := context.Background()
	runner := h.runner(t, &ci.Runner{RunnerType: ci.RunnerInstance}, time.Now().UTC())
	b := h.build(t, &ci.Build{ProjectID: 3})

	_, _, err := h.lifecycle.Fire(ctx, b.ID, ci.EventEnqueue)
	require.NoError(t, err)
	assert.Equal(t, 1, h.runners.Ticks(runner.ID))
}

func TestConcurrentRunClaimsOnce(t *testing.T) {
	h := newHarness(t, config.DefaultFeatures())
	ctx := context.Background()
	b := h.build(t, &ci.Build{ProjectID: 1})
	_, _, err := h.lifecycle.Fire(ctx, b.ID, ci.EventEnqueue)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(runnerID int64) {
			defer wg.Done()
			if _, _, err := h.lifecycle.Fire(ctx, b.ID, ci.EventRun, WithRunner(runnerID)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(int64(i + 1))
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.False(t, h.queued(t, b.ID))
}
