package queue

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vyvo/ci/backend/pkg/ci"
	"github.com/vyvo/ci/backend/pkg/logger"
	"github.com/vyvo/ci/backend/pkg/store"
	"github.com/vyvo/ci/backend/pkg/telemetry"
)

// PipelineHook is notified after a build reaches a completed status.
type PipelineHook interface {
	OnBuildCompleted(ctx context.Context, pipelineID int64) error
}

type fireOptions struct {
	failureReason ci.FailureReason
	runnerID      *int64
	skipPipeline  bool
	at            time.Time
}

// FireOption customizes a single Lifecycle.Fire call.
type FireOption func(*fireOptions)

// WithFailureReason records the reason when the event drops the build.
func WithFailureReason(reason ci.FailureReason) FireOption {
	return func(o *fireOptions) { o.failureReason = reason }
}

// WithRunner assigns the build to a runner.
func WithRunner(id int64) FireOption {
	return func(o *fireOptions) { o.runnerID = &id }
}

// SkipPipelineProcessing suppresses the completion hook for this transition.
func SkipPipelineProcessing() FireOption {
	return func(o *fireOptions) { o.skipPipeline = true }
}

// At overrides the transition time.
func At(t time.Time) FireOption {
	return func(o *fireOptions) { o.at = t }
}

// Lifecycle applies state machine events to stored builds and keeps the queue in
// the same transaction as the status write.
type Lifecycle struct {
	repo  store.Repository
	queue *BuildQueueService
	hook  PipelineHook
	now   func() time.Time
}

func NewLifecycle(repo store.Repository, queue *BuildQueueService) *Lifecycle {
	return &Lifecycle{
		repo:  repo,
		queue: queue,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetPipelineHook registers the completion hook. Pipeline processing depends on the
// lifecycle, so the hook is attached after both are built.
func (l *Lifecycle) SetPipelineHook(h PipelineHook) {
	l.hook = h
}

// Fire loads the build under a row lock, applies event and commits the status change
// together with the queue side effect. Runner ticks and pipeline processing run after commit.
func (l *Lifecycle) Fire(ctx context.Context, buildID int64, event ci.Event, opts ...FireOption) (*ci.Build, ci.Transition, error) {
	o := fireOptions{at: l.now()}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := telemetry.Tracer("queue").Start(ctx, "build.fire")
	defer span.End()
	span.SetAttributes(attribute.Int64("build_id", buildID), attribute.String("event", string(event)))

	var (
		build *ci.Build
		t     ci.Transition
	)
	err := l.repo.WithinTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		b, err := tx.GetBuildForUpdate(ctx, buildID)
		if err != nil {
			return err
		}
		if t, err = ci.Fire(b, event, o.at); err != nil {
			return err
		}
		if t.To == ci.StatusFailed {
			b.FailureReason = o.failureReason
			if b.FailureReason == "" {
				b.FailureReason = ci.FailureUnknown
			}
		}
		if o.runnerID != nil {
			b.RunnerID = o.runnerID
		}
		if err := tx.UpdateBuild(ctx, b); err != nil {
			return err
		}
		switch {
		case t.EntersPending():
			if err := l.queue.Push(ctx, tx, b, t); err != nil {
				return err
			}
		case t.LeavesPending():
			if err := l.queue.Pop(ctx, tx, b, t); err != nil {
				return err
			}
		}
		build = b
		return nil
	})
	if err != nil {
		return nil, ci.Transition{}, errors.Wrapf(err, "%s build %d", event, buildID)
	}

	log := logger.FromContext(ctx)
	ev := log.Debug()
	if t.To.IsCompleted() {
		ev = log.Info()
	}
	ev.Int64("build_id", build.ID).
		Int64("pipeline_id", build.PipelineID).
		Str("event", string(event)).
		Str("from", string(t.From)).
		Str("to", string(t.To)).
		Msg("build transitioned")

	if t.EntersPending() {
		if err := l.queue.Tick(ctx, build); err != nil {
			log.Warn().Err(err).Int64("build_id", build.ID).Msg("runner tick failed")
		}
	}
	if t.To.IsCompleted() && !o.skipPipeline && l.hook != nil {
		if err := l.hook.OnBuildCompleted(ctx, build.PipelineID); err != nil {
			log.Error().Err(err).Int64("pipeline_id", build.PipelineID).Msg("pipeline processing failed")
		}
	}
	return build, t, nil
}
