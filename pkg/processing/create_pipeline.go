package processing

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vyvo/ci/backend/pkg/ci"
	"github.com/vyvo/ci/backend/pkg/logger"
	"github.com/vyvo/ci/backend/pkg/pipelinedef"
	"github.com/vyvo/ci/backend/pkg/store"
)

// CreatePipelineService stores a pipeline with the builds of its definition, drops the
// builds no runner can take and then starts processing.
type CreatePipelineService struct {
	repo       store.Repository
	validation *PipelineRunnersMatchingValidationService
	pipelines  *ProcessPipelineService
	now        func() time.Time
}

func NewCreatePipelineService(repo store.Repository, validation *PipelineRunnersMatchingValidationService, pipelines *ProcessPipelineService) *CreatePipelineService {
	return &CreatePipelineService{
		repo:       repo,
		validation: validation,
		pipelines:  pipelines,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Execute returns the pipeline as it stands after the first processing pass.
func (s *CreatePipelineService) Execute(ctx context.Context, p *ci.Pipeline, def *pipelinedef.Definition) (*ci.Pipeline, error) {
	pipeline, err := s.repo.CreatePipeline(ctx, p)
	if err != nil {
		return nil, errors.Wrap(err, "create pipeline")
	}
	builds, err := pipelinedef.Build(def, pipeline, s.now())
	if err != nil {
		return nil, err
	}
	for _, b := range builds {
		if _, err := s.repo.CreateBuild(ctx, b); err != nil {
			return nil, errors.Wrapf(err, "create build %q", b.Name)
		}
	}
	if err := s.validation.Execute(ctx, pipeline.ID); err != nil {
		return nil, err
	}
	if err := s.pipelines.Execute(ctx, pipeline.ID); err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info().
		Int64("pipeline_id", pipeline.ID).
		Int64("project_id", pipeline.ProjectID).
		Int("builds", len(builds)).
		Msg("pipeline created")
	return s.repo.GetPipeline(ctx, pipeline.ID)
}
