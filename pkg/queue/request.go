package queue

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vyvo/ci/backend/pkg/ci"
	"github.com/vyvo/ci/backend/pkg/config"
	"github.com/vyvo/ci/backend/pkg/logger"
	"github.com/vyvo/ci/backend/pkg/metrics"
	"github.com/vyvo/ci/backend/pkg/store"
)

// RequestResult is the answer to a runner poll.
type RequestResult struct {
	// Build is nil when nothing could be claimed.
	Build *ci.Build
	// LastUpdate is the runner queue value the runner should send on its next poll.
	LastUpdate string
}

// JobRequestService hands pending builds to polling runners.
type JobRequestService struct {
	repo      store.Repository
	lifecycle *Lifecycle
	runners   RunnerQueue
	metrics   metrics.Sink
	features  config.Features
	now       func() time.Time
}

func NewJobRequestService(repo store.Repository, lifecycle *Lifecycle, runners RunnerQueue, sink metrics.Sink, features config.Features) *JobRequestService {
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &JobRequestService{
		repo:      repo,
		lifecycle: lifecycle,
		runners:   runners,
		metrics:   sink,
		features:  features,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Request claims the oldest build the runner can pick. When lastUpdate still matches the
// runner queue value nothing changed since the previous poll and the scan is skipped.
func (s *JobRequestService) Request(ctx context.Context, runner *ci.Runner, lastUpdate string) (RequestResult, error) {
	if err := s.repo.TouchRunner(ctx, runner.ID, s.now()); err != nil {
		return RequestResult{}, errors.Wrapf(err, "touch runner %d", runner.ID)
	}

	latest, err := s.runners.IsLatest(ctx, runner, lastUpdate)
	if err != nil {
		return RequestResult{}, err
	}
	if latest {
		return RequestResult{LastUpdate: lastUpdate}, nil
	}

	// Read before scanning so ticks that land during the scan are seen on the next poll.
	value, err := s.runners.Value(ctx, runner)
	if err != nil {
		return RequestResult{}, err
	}

	candidates, err := s.candidates(ctx, runner)
	if err != nil {
		return RequestResult{}, err
	}

	log := logger.FromContext(ctx)
	for _, id := range candidates {
		build, _, err := s.lifecycle.Fire(ctx, id, ci.EventRun, WithRunner(runner.ID))
		if errors.Is(err, ci.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			s.metrics.IncrementQueueOperation(metrics.OpQueueConflict)
			log.Warn().Int64("build_id", id).Int64("runner_id", runner.ID).Msg("build already claimed")
			continue
		}
		if err != nil {
			return RequestResult{}, err
		}
		s.metrics.IncrementQueueOperation(metrics.OpQueueClaim)
		log.Info().Int64("build_id", build.ID).Int64("runner_id", runner.ID).Msg("build claimed")
		return RequestResult{Build: build, LastUpdate: value}, nil
	}
	return RequestResult{LastUpdate: value}, nil
}

func (s *JobRequestService) candidates(ctx context.Context, runner *ci.Runner) ([]int64, error) {
	if s.features.QueueMaintenanceEnabled {
		entries, err := s.repo.ListQueueEntriesForRunner(ctx, runner)
		if err != nil {
			return nil, errors.Wrap(err, "list queue entries")
		}
		ids := make([]int64, 0, len(entries))
		for _, e := range entries {
			ids = append(ids, e.BuildID)
		}
		return ids, nil
	}

	builds, err := s.repo.ListBuildsByStatus(ctx, ci.StatusPending)
	if err != nil {
		return nil, errors.Wrap(err, "list pending builds")
	}
	var ids []int64
	for _, b := range builds {
		if runner.CanPick(b) {
			ids = append(ids, b.ID)
		}
	}
	return ids, nil
}
