package processing

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/vyvo/ci/backend/pkg/ci"
	"github.com/vyvo/ci/backend/pkg/queue"
	"github.com/vyvo/ci/backend/pkg/store"
)

// action fires event when allowed reports the build is in a suitable status. A refused
// request yields an unprocessable Response; err is reserved for storage failures.
type action struct {
	repo      store.Repository
	lifecycle *queue.Lifecycle
	event     ci.Event
	allowed   func(*ci.Build) bool
	refusal   string
}

func (a action) execute(ctx context.Context, buildID int64) (ci.Response, error) {
	b, err := a.repo.GetBuild(ctx, buildID)
	if err != nil {
		return ci.Response{}, err
	}
	if !a.allowed(b) {
		return ci.Unprocessable(a.refusal), nil
	}
	updated, _, err := a.lifecycle.Fire(ctx, buildID, a.event)
	if errors.Is(err, ci.ErrInvalidTransition) {
		return ci.Unprocessable(a.refusal), nil
	}
	if err != nil {
		return ci.Response{}, err
	}
	return ci.Success(updated), nil
}

// CancelService cancels builds that have not finished.
type CancelService struct{ action }

func NewCancelService(repo store.Repository, lifecycle *queue.Lifecycle) *CancelService {
	return &CancelService{action{
		repo:      repo,
		lifecycle: lifecycle,
		event:     ci.EventCancel,
		allowed:   (*ci.Build).Cancelable,
		refusal:   "Job is not cancelable",
	}}
}

func (s *CancelService) Execute(ctx context.Context, buildID int64) (ci.Response, error) {
	return s.execute(ctx, buildID)
}

// UnscheduleService turns a delayed build into a manual one.
type UnscheduleService struct{ action }

func NewUnscheduleService(repo store.Repository, lifecycle *queue.Lifecycle) *UnscheduleService {
	return &UnscheduleService{action{
		repo:      repo,
		lifecycle: lifecycle,
		event:     ci.EventUnschedule,
		allowed:   (*ci.Build).Scheduled,
		refusal:   "Job is not scheduled",
	}}
}

func (s *UnscheduleService) Execute(ctx context.Context, buildID int64) (ci.Response, error) {
	return s.execute(ctx, buildID)
}

// PlayService enqueues a manual build.
type PlayService struct{ action }

func NewPlayService(repo store.Repository, lifecycle *queue.Lifecycle) *PlayService {
	return &PlayService{action{
		repo:      repo,
		lifecycle: lifecycle,
		event:     ci.EventEnqueue,
		allowed:   (*ci.Build).Playable,
		refusal:   "Job is not playable",
	}}
}

func (s *PlayService) Execute(ctx context.Context, buildID int64) (ci.Response, error) {
	return s.execute(ctx, buildID)
}
