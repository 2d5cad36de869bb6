package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/ci/backend/pkg/ci"
	"github.com/vyvo/ci/backend/pkg/config"
	"github.com/vyvo/ci/backend/pkg/metrics"
	"github.com/vyvo/ci/backend/pkg/store"
)

// racingRepo lets another runner claim a build right before the first claim transaction.
type racingRepo struct {
	*store.Store
	lifecycle *Lifecycle
	steal     int64
	done      bool
}

func (r *racingRepo) WithinTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if !r.done {
		r.done = true
		if _, _, err := r.lifecycle.Fire(ctx, r.steal, ci.EventRun, WithRunner(99)); err != nil {
			return err
		}
	}
	return r.Store.WithinTransaction(ctx, fn)
}

func TestRequestClaimsOldestPickableBuild(t *testing.T) {
	h := newHarness(t, config.DefaultFeatures())
	ctx := context.Background()
	runner := h.runner(t, &ci.Runner{RunnerType: ci.RunnerInstance, Tags: []string{"docker"}}, time.Time{})
	windows := h.build(t, &ci.Build{ProjectID: 1, Tags: []string{"windows"}})
	first := h.build(t, &ci.Build{ProjectID: 1, Tags: []string{"docker"}})
	second := h.build(t, &ci.Build{ProjectID: 1})
	for _, b := range []*ci.Build{windows, first, second} {
		_, _, err := h.lifecycle.Fire(ctx, b.ID, ci.EventEnqueue)
		require.NoError(t, err)
	}

	svc := NewJobRequestService(h.repo, h.lifecycle, h.runners, h.recorder, config.DefaultFeatures())
	res, err := svc.Request(ctx, runner, "")
	require.NoError(t, err)
	require.NotNil(t, res.Build)
	assert.Equal(t, first.ID, res.Build.ID)
	assert.Equal(t, ci.StatusRunning, res.Build.Status)
	assert.NotEmpty(t, res.LastUpdate)
	assert.False(t, h.queued(t, first.ID))
	assert.True(t, h.queued(t, windows.ID))
	assert.Equal(t, 1, h.recorder.QueueOperations(metrics.OpQueueClaim))

	touched, err := h.repo.GetRunnerByToken(ctx, runner.Token)
	require.NoError(t, err)
	assert.NotNil(t, touched.ContactedAt)
}

func TestRequestShortCircuitsOnLatestValue(t *testing.T) {
	h := newHarness(t, config.DefaultFeatures())
	ctx := context.Background()
	runner := h.runner(t, &ci.Runner{RunnerType: ci.RunnerInstance}, time.Time{})
	svc := NewJobRequestService(h.repo, h.lifecycle, h.runners, h.recorder, config.DefaultFeatures())

	res, err := svc.Request(ctx, runner, "")
	require.NoError(t, err)
	require.Nil(t, res.Build)

	b := h.build(t, &ci.Build{ProjectID: 1})
	require.NoError(t, h.repo.WithinTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		locked, err := tx.GetBuildForUpdate(ctx, b.ID)
		if err != nil {
			return err
		}
		locked.Status = ci.StatusPending
		if err := tx.UpdateBuild(ctx, locked); err != nil {
			return err
		}
		_, err = tx.CreateQueueEntry(ctx, ci.NewQueueEntry(locked, time.Now()))
		return err
	}))

	// Nothing ticked the runner, so its last value is still current.
	again, err := svc.Request(ctx, runner, res.LastUpdate)
	require.NoError(t, err)
	assert.Nil(t, again.Build)
	assert.Equal(t, res.LastUpdate, again.LastUpdate)

	claimed, err := svc.Request(ctx, runner, "")
	require.NoError(t, err)
	require.NotNil(t, claimed.Build)
	assert.Equal(t, b.ID, claimed.Build.ID)
}

func TestRequestCountsConflicts(t *testing.T) {
	h := newHarness(t, config.DefaultFeatures())
	ctx := context.Background()
	runner := h.runner(t, &ci.Runner{RunnerType: ci.RunnerInstance}, time.Time{})
	taken := h.build(t, &ci.Build{ProjectID: 1})
	free := h.build(t, &ci.Build{ProjectID: 1})
	for _, b := range []*ci.Build{taken, free} {
		_, _, err := h.lifecycle.Fire(ctx, b.ID, ci.EventEnqueue)
		require.NoError(t, err)
	}

	svc := NewJobRequestService(h.repo, h.lifecycle, h.runners, h.recorder, config.DefaultFeatures())
	svc.lifecycle = NewLifecycle(&racingRepo{Store: h.repo, lifecycle: h.lifecycle, steal: taken.ID}, h.queue)

	res, err := svc.Request(ctx, runner, "")
	require.NoError(t, err)
	require.NotNil(t, res.Build)
	assert.Equal(t, free.ID, res.Build.ID)
	assert.Equal(t, 1, h.recorder.QueueOperations(metrics.OpQueueConflict))
}

func TestRequestLegacyScanWithoutQueue(t *testing.T) {
	features := config.DefaultFeatures()
	features.QueueMaintenanceEnabled = false
	h := newHarness(t, features)
	ctx := context.Background()
	runner := h.runner(t, &ci.Runner{RunnerType: ci.RunnerProject, ProjectIDs: []int64{2}}, time.Time{})
	other := h.build(t, &ci.Build{ProjectID: 1})
	mine := h.build(t, &ci.Build{ProjectID: 2})
	for _, b := range []*ci.Build{other, mine} {
		_, _, err := h.lifecycle.Fire(ctx, b.ID, ci.EventEnqueue)
		require.NoError(t, err)
	}

	svc := NewJobRequestService(h.repo, h.lifecycle, h.runners, h.recorder, features)
	res, err := svc.Request(ctx, runner, "")
	require.NoError(t, err)
	require.NotNil(t, res.Build)
	assert.Equal(t, mine.ID, res.Build.ID)
}
