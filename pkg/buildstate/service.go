package buildstate

import (
	"context"
	"math"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vyvo/ci/backend/pkg/ci"
	"github.com/vyvo/ci/backend/pkg/config"
	"github.com/vyvo/ci/backend/pkg/logger"
	"github.com/vyvo/ci/backend/pkg/metrics"
	"github.com/vyvo/ci/backend/pkg/queue"
	"github.com/vyvo/ci/backend/pkg/store"
	"github.com/vyvo/ci/backend/pkg/telemetry"
	"github.com/vyvo/ci/backend/pkg/trace"
)

// AcceptTimeout is how long a runner may keep polling while its trace chunks are archived.
const AcceptTimeout = 5 * time.Minute

const maxBackoffSlot = 6

// Params is a runner's state update for a job.
type Params struct {
	State    ci.Status
	Trace    *[]byte
	Checksum string
	// FailureReason is applied when State is failed.
	FailureReason string
}

// Result tells the runner how the update was handled. Backoff is set with 202.
type Result struct {
	Status  int
	Backoff time.Duration
}

// Service applies job state updates. A final state is accepted without being applied
// while live trace chunks are still being archived.
type Service struct {
	repo      store.Repository
	lifecycle *queue.Lifecycle
	traces    *trace.Service
	persister *trace.Persister
	sink      metrics.Sink
	features  config.Features
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(
	repo store.Repository,
	lifecycle *queue.Lifecycle,
	traces *trace.Service,
	persister *trace.Persister,
	sink metrics.Sink,
	features config.Features,
	opts ...Option,
) *Service {
	s := &Service{
		repo:      repo,
		lifecycle: lifecycle,
		traces:    traces,
		persister: persister,
		sink:      sink,
		features:  features,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute handles one update for build.
func (s *Service) Execute(ctx context.Context, build *ci.Build, params Params) (Result, error) {
	ctx, span := telemetry.Tracer("buildstate").Start(ctx, "build.update_state")
	defer span.End()
	span.SetAttributes(attribute.Int64("build_id", build.ID), attribute.String("state", string(params.State)))

	// The pending state is write-once, so invalid states must never reach it.
	if !validState(params.State) {
		return Result{Status: http.StatusBadRequest}, nil
	}

	if params.Trace != nil && s.features.TraceOverwriteEnabled {
		if err := s.traces.Overwrite(ctx, build.ID, *params.Trace); err != nil {
			return Result{}, errors.Wrap(err, "overwrite trace")
		}
		s.sink.IncrementTraceOperation(metrics.TraceOverwrite)
	}

	state := params.State
	acceptAvailable := state != ci.StatusRunning && params.Checksum != "" && s.features.AcceptTraceEnabled

	var pending *ci.PendingState
	if acceptAvailable {
		var err error
		pending, err = s.ensurePendingState(ctx, build, params)
		if err != nil {
			return Result{}, err
		}
		if pending != nil {
			state = pending.State
		}
	}

	if acceptAvailable && pending != nil {
		live, err := s.traces.LiveChunksPending(ctx, build.ID)
		if err != nil {
			return Result{}, errors.Wrap(err, "check live chunks")
		}
		if live {
			elapsed := s.now().Sub(pending.CreatedAt)
			if elapsed < AcceptTimeout {
				if err := s.scheduleLiveChunks(ctx, build.ID); err != nil {
					return Result{}, err
				}
				s.sink.IncrementTraceOperation(metrics.TraceAccepted)
				return Result{Status: http.StatusAccepted, Backoff: Backoff(elapsed)}, nil
			}
			s.sink.IncrementTraceOperation(metrics.TraceDiscarded)
			if err := s.persister.PersistAll(ctx, build.ID); err != nil {
				logger.FromContext(ctx).Warn().Err(err).Int64("build_id", build.ID).Msg("persisting remaining trace chunks failed")
			}
		}
	}

	if acceptAvailable && pending != nil {
		if err := s.validateTrace(ctx, build.ID, pending); err != nil {
			return Result{}, err
		}
	}
	return s.updateBuildState(ctx, build, state, pending, params)
}

func (s *Service) updateBuildState(ctx context.Context, build *ci.Build, state ci.Status, pending *ci.PendingState, params Params) (Result, error) {
	switch state {
	case ci.StatusRunning:
		now := s.now()
		if build.NeedsTouch(now) {
			if err := s.repo.TouchBuild(ctx, build.ID, now); err != nil {
				return Result{}, errors.Wrap(err, "touch build")
			}
		}
		return Result{Status: http.StatusOK}, nil
	case ci.StatusSuccess:
		if _, _, err := s.lifecycle.Fire(ctx, build.ID, ci.EventSucceed); err != nil {
			return Result{}, err
		}
		return Result{Status: http.StatusOK}, nil
	case ci.StatusFailed:
		reason := ci.ParseFailureReason(params.FailureReason)
		if pending != nil && pending.FailureReason != "" {
			reason = pending.FailureReason
		}
		if _, _, err := s.lifecycle.Fire(ctx, build.ID, ci.EventDrop, queue.WithFailureReason(reason)); err != nil {
			return Result{}, err
		}
		return Result{Status: http.StatusOK}, nil
	default:
		return Result{Status: http.StatusBadRequest}, nil
	}
}

// ensurePendingState finds or creates the pending state of the build. Losing the create
// race re-reads the winner's row; if that also fails the update continues without one.
func (s *Service) ensurePendingState(ctx context.Context, build *ci.Build, params Params) (*ci.PendingState, error) {
	ps, err := s.repo.GetPendingState(ctx, build.ID)
	if err == nil {
		return ps, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, errors.Wrap(err, "load pending state")
	}

	ps, err = s.repo.CreatePendingState(ctx, ci.PendingState{
		BuildID:       build.ID,
		State:         params.State,
		TraceChecksum: params.Checksum,
		FailureReason: failureReasonFor(params),
		CreatedAt:     s.now(),
	})
	if err == nil {
		return ps, nil
	}
	if !errors.Is(err, store.ErrAlreadyExists) {
		return nil, errors.Wrap(err, "create pending state")
	}

	s.sink.IncrementTraceOperation(metrics.TraceConflict)
	ps, err = s.repo.GetPendingState(ctx, build.ID)
	if err != nil {
		logger.FromContext(ctx).Warn().Err(err).Int64("build_id", build.ID).Msg("pending state lost after conflict")
		return nil, nil
	}
	return ps, nil
}

func (s *Service) scheduleLiveChunks(ctx context.Context, buildID int64) error {
	indexes, err := s.traces.LiveChunks(ctx, buildID)
	if err != nil {
		return errors.Wrap(err, "list live chunks")
	}
	for _, idx := range indexes {
		s.persister.Schedule(ctx, buildID, idx)
	}
	return nil
}

func (s *Service) validateTrace(ctx context.Context, buildID int64, pending *ci.PendingState) error {
	sum, err := s.traces.Checksum(ctx, buildID)
	if err != nil {
		return errors.Wrap(err, "trace checksum")
	}
	if sum != pending.TraceChecksum {
		s.sink.IncrementTraceOperation(metrics.TraceInvalid)
		logger.FromContext(ctx).Warn().
			Int64("build_id", buildID).
			Str("expected", pending.TraceChecksum).
			Str("actual", sum).
			Msg("trace checksum mismatch")
		return nil
	}
	s.sink.IncrementTraceOperation(metrics.TraceFinalized)
	return nil
}

func validState(state ci.Status) bool {
	switch state {
	case ci.StatusRunning, ci.StatusSuccess, ci.StatusFailed:
		return true
	}
	return false
}

func failureReasonFor(params Params) ci.FailureReason {
	if params.State != ci.StatusFailed {
		return ""
	}
	return ci.ParseFailureReason(params.FailureReason)
}

// Backoff returns how long a runner should wait before retrying an accepted update. It
// doubles roughly every time elapsed doubles, from 1s up to 64s.
func Backoff(elapsed time.Duration) time.Duration {
	d := elapsed.Seconds()
	slot := 0
	if d > 1 {
		slot = int(math.Floor(math.Log2(d))) - 1
	}
	slot = max(0, min(slot, maxBackoffSlot))
	return time.Duration(1<<slot) * time.Second
}
