package processing

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vyvo/ci/backend/pkg/ci"
	"github.com/vyvo/ci/backend/pkg/logger"
	"github.com/vyvo/ci/backend/pkg/queue"
	"github.com/vyvo/ci/backend/pkg/store"
)

// ScheduledBuildsWorker enqueues delayed builds whose start time has passed.
type ScheduledBuildsWorker struct {
	repo      store.Repository
	lifecycle *queue.Lifecycle
}

func NewScheduledBuildsWorker(repo store.Repository, lifecycle *queue.Lifecycle) *ScheduledBuildsWorker {
	return &ScheduledBuildsWorker{repo: repo, lifecycle: lifecycle}
}

// Perform enqueues every due build and returns how many were enqueued. A build that
// fails to enqueue is logged and skipped.
func (w *ScheduledBuildsWorker) Perform(ctx context.Context, now time.Time) (int, error) {
	builds, err := w.repo.ListScheduledBefore(ctx, now)
	if err != nil {
		return 0, errors.Wrap(err, "list scheduled builds")
	}
	log := logger.FromContext(ctx)
	enqueued := 0
	for _, b := range builds {
		if _, _, err := w.lifecycle.Fire(ctx, b.ID, ci.EventEnqueueScheduled); err != nil {
			log.Warn().Err(err).Int64("build_id", b.ID).Msg("enqueue scheduled build failed")
			continue
		}
		enqueued++
	}
	return enqueued, nil
}

// Run calls Perform on every tick until ctx is done.
func (w *ScheduledBuildsWorker) Run(ctx context.Context, interval time.Duration) {
	log := logger.FromContext(ctx)
	log.Info().Dur("interval", interval).Msg("scheduled builds worker starting")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduled builds worker stopped")
			return
		case t := <-ticker.C:
			n, err := w.Perform(ctx, t.UTC())
			if err != nil {
				log.Error().Err(err).Msg("scheduled builds worker tick failed")
				continue
			}
			if n > 0 {
				log.Debug().Int("enqueued", n).Time("at", t).Msg("scheduled builds enqueued")
			}
		}
	}
}
