package queue

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vyvo/ci/backend/pkg/ci"
	"github.com/vyvo/ci/backend/pkg/config"
	"github.com/vyvo/ci/backend/pkg/logger"
	"github.com/vyvo/ci/backend/pkg/metrics"
	"github.com/vyvo/ci/backend/pkg/store"
	"github.com/vyvo/ci/backend/pkg/telemetry"
)

// BuildQueueService keeps the pending-builds queue in step with build status and
// notifies runners when new work arrives.
type BuildQueueService struct {
	repo     store.Repository
	runners  RunnerQueue
	metrics  metrics.Sink
	features config.Features
	now      func() time.Time
}

func NewBuildQueueService(repo store.Repository, runners RunnerQueue, sink metrics.Sink, features config.Features) *BuildQueueService {
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &BuildQueueService{
		repo:     repo,
		runners:  runners,
		metrics:  sink,
		features: features,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Push adds the build to the queue as part of tx. Calling it twice for the same build
// leaves a single entry.
func (s *BuildQueueService) Push(ctx context.Context, tx store.Tx, build *ci.Build, t ci.Transition) error {
	if !s.features.QueueMaintenanceEnabled {
		return nil
	}
	if t.To != ci.StatusPending {
		return errors.Wrapf(ErrInvalidQueueTransition, "push for %s -> %s", t.From, t.To)
	}

	ctx, span := telemetry.Tracer("queue").Start(ctx, "queue.push")
	defer span.End()
	span.SetAttributes(attribute.Int64("build_id", build.ID))

	created, err := tx.CreateQueueEntry(ctx, ci.NewQueueEntry(build, s.now()))
	if err != nil {
		return errors.Wrapf(err, "push build %d", build.ID)
	}
	if created {
		s.metrics.IncrementQueueOperation(metrics.OpBuildQueuePush)
	}
	return nil
}

// Pop removes the build from the queue as part of tx. A missing entry is not an error.
func (s *BuildQueueService) Pop(ctx context.Context, tx store.Tx, build *ci.Build, t ci.Transition) error {
	if !s.features.QueueMaintenanceEnabled {
		return nil
	}
	if t.From != ci.StatusPending {
		return errors.Wrapf(ErrInvalidQueueTransition, "pop for %s -> %s", t.From, t.To)
	}

	ctx, span := telemetry.Tracer("queue").Start(ctx, "queue.pop")
	defer span.End()
	span.SetAttributes(attribute.Int64("build_id", build.ID))

	removed, err := tx.DeleteQueueEntry(ctx, build.ID)
	if err != nil {
		return errors.Wrapf(err, "pop build %d", build.ID)
	}
	if removed > 0 {
		s.metrics.IncrementQueueOperation(metrics.OpBuildQueuePop)
	}
	return nil
}

// Tick notifies every recently seen runner of the project that may pick the build.
func (s *BuildQueueService) Tick(ctx context.Context, build *ci.Build) error {
	ctx, span := telemetry.Tracer("queue").Start(ctx, "queue.tick")
	defer span.End()

	runners, err := s.repo.ListRunnersForProject(ctx, store.RunnerQuery{
		ProjectID:      build.ProjectID,
		ContactedSince: s.now().Add(-RunnerQueueExpiry),
		ActiveOnly:     true,
		WithTags:       s.features.PreloadRunnerTags,
	})
	if err != nil {
		return errors.Wrapf(err, "list runners for project %d", build.ProjectID)
	}
	span.SetAttributes(attribute.Int("runners", len(runners)))
	s.metrics.ObserveActiveRunners(func() int { return len(runners) })

	for _, r := range runners {
		s.metrics.IncrementRunnerTick(r)
		if !s.features.PreloadRunnerTags {
			if r.Tags, err = s.repo.RunnerTags(ctx, r.ID); err != nil {
				return errors.Wrapf(err, "load tags for runner %d", r.ID)
			}
		}
		if err := s.runners.PickBuild(ctx, r, build); err != nil {
			logger.FromContext(ctx).Warn().Err(err).
				Int64("runner_id", r.ID).
				Int64("build_id", build.ID).
				Msg("runner queue tick failed")
		}
	}
	return nil
}
