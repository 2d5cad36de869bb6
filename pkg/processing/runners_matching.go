package processing

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vyvo/ci/backend/pkg/ci"
	"github.com/vyvo/ci/backend/pkg/config"
	"github.com/vyvo/ci/backend/pkg/logger"
	"github.com/vyvo/ci/backend/pkg/queue"
	"github.com/vyvo/ci/backend/pkg/store"
	"github.com/vyvo/ci/backend/pkg/telemetry"
)

// QuotaChecker decides whether a project may still use instance runners for a group of builds.
type QuotaChecker interface {
	Allows(ctx context.Context, projectID int64, builds ci.BuildMatcher) (bool, error)
}

// AllowAll enforces no quota.
type AllowAll struct{}

func (AllowAll) Allows(context.Context, int64, ci.BuildMatcher) (bool, error) { return true, nil }

// ValidationOption configures PipelineRunnersMatchingValidationService.
type ValidationOption func(*PipelineRunnersMatchingValidationService)

// WithQuotaChecker replaces the default AllowAll quota policy.
func WithQuotaChecker(q QuotaChecker) ValidationOption {
	return func(s *PipelineRunnersMatchingValidationService) { s.quota = q }
}

// PipelineRunnersMatchingValidationService fails builds of a new pipeline that no runner
// of the project could ever pick.
type PipelineRunnersMatchingValidationService struct {
	repo      store.Repository
	lifecycle *queue.Lifecycle
	features  config.Features
	quota     QuotaChecker
}

func NewPipelineRunnersMatchingValidationService(repo store.Repository, lifecycle *queue.Lifecycle, features config.Features, opts ...ValidationOption) *PipelineRunnersMatchingValidationService {
	s := &PipelineRunnersMatchingValidationService{
		repo:      repo,
		lifecycle: lifecycle,
		features:  features,
		quota:     AllowAll{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute runs once per pipeline while it is still created. Every build of an unmatched
// group is dropped before any pipeline processing happens.
func (s *PipelineRunnersMatchingValidationService) Execute(ctx context.Context, pipelineID int64) error {
	if !s.features.DropBuildsWithoutRunners {
		return nil
	}

	ctx, span := telemetry.Tracer("processing").Start(ctx, "validate_runners_matching")
	defer span.End()
	span.SetAttributes(attribute.Int64("pipeline_id", pipelineID))

	pipeline, err := s.repo.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	if pipeline.Status != ci.StatusCreated {
		return nil
	}
	builds, err := s.repo.ListPipelineBuilds(ctx, pipelineID)
	if err != nil {
		return errors.Wrapf(err, "list builds of pipeline %d", pipelineID)
	}
	if len(builds) == 0 {
		return nil
	}

	runners, err := s.repo.ListRunnersForProject(ctx, store.RunnerQuery{
		ProjectID:  pipeline.ProjectID,
		ActiveOnly: true,
		WithTags:   true,
	})
	if err != nil {
		return errors.Wrapf(err, "list runners for project %d", pipeline.ProjectID)
	}
	var instance, private []ci.RunnerMatcher
	for _, m := range ci.RunnerMatchersFor(runners) {
		if m.InstanceType() {
			instance = append(instance, m)
		} else {
			private = append(private, m)
		}
	}

	for _, bm := range ci.BuildMatchersFor(builds) {
		ok, err := s.matches(ctx, bm, instance, private)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		for _, id := range bm.BuildIDs {
			if _, _, err := s.lifecycle.Fire(ctx, id, ci.EventDrop,
				queue.WithFailureReason(ci.FailureNoMatchingRunner),
				queue.SkipPipelineProcessing(),
			); err != nil {
				return errors.Wrapf(err, "drop build %d", id)
			}
		}
		logger.FromContext(ctx).Info().
			Int64("pipeline_id", pipelineID).
			Ints64("build_ids", bm.BuildIDs).
			Strs("tags", bm.Tags).
			Bool("protected", bm.Protected).
			Msg("dropped builds without matching runners")
	}
	return nil
}

func (s *PipelineRunnersMatchingValidationService) matches(ctx context.Context, bm ci.BuildMatcher, instance, private []ci.RunnerMatcher) (bool, error) {
	for _, m := range private {
		if m.Matches(bm) {
			return true, nil
		}
	}
	for _, m := range instance {
		if m.Matches(bm) {
			return s.quota.Allows(ctx, bm.ProjectID, bm)
		}
	}
	return false, nil
}
