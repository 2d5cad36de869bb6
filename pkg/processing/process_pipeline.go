package processing

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vyvo/ci/backend/pkg/ci"
	"github.com/vyvo/ci/backend/pkg/logger"
	"github.com/vyvo/ci/backend/pkg/queue"
	"github.com/vyvo/ci/backend/pkg/store"
	"github.com/vyvo/ci/backend/pkg/telemetry"
)

// ProcessPipelineService advances created builds whose predecessors have completed and
// keeps the pipeline status in line with its builds.
type ProcessPipelineService struct {
	repo   store.Repository
	builds *ProcessBuildService
}

func NewProcessPipelineService(repo store.Repository, builds *ProcessBuildService) *ProcessPipelineService {
	return &ProcessPipelineService{repo: repo, builds: builds}
}

// OnBuildCompleted reprocesses the pipeline of a finished build.
func (s *ProcessPipelineService) OnBuildCompleted(ctx context.Context, pipelineID int64) error {
	return s.Execute(ctx, pipelineID)
}

// Execute processes every ready build until a pass changes nothing, then updates the
// pipeline status.
func (s *ProcessPipelineService) Execute(ctx context.Context, pipelineID int64) error {
	ctx, span := telemetry.Tracer("processing").Start(ctx, "process_pipeline")
	defer span.End()
	span.SetAttributes(attribute.Int64("pipeline_id", pipelineID))

	for {
		builds, err := s.repo.ListPipelineBuilds(ctx, pipelineID)
		if err != nil {
			return errors.Wrapf(err, "list builds of pipeline %d", pipelineID)
		}
		changed, err := s.pass(ctx, builds)
		if err != nil {
			return err
		}
		if !changed {
			return s.updateStatus(ctx, pipelineID, builds)
		}
	}
}

// pass processes the first ready build and reports whether one was found. Statuses are
// re-read after every transition so later stages see fresh predecessors.
func (s *ProcessPipelineService) pass(ctx context.Context, builds []*ci.Build) (bool, error) {
	byName := make(map[string]*ci.Build, len(builds))
	for _, b := range builds {
		byName[b.Name] = b
	}

	for _, b := range builds {
		if b.Status != ci.StatusCreated {
			continue
		}
		preds, err := predecessors(b, builds, byName)
		if err != nil {
			return false, err
		}
		if !ci.AllCompleted(preds) {
			continue
		}
		if _, err := s.builds.Execute(ctx, b, ci.Composite(preds)); err != nil {
			if errors.Is(err, ci.ErrInvalidTransition) {
				// Someone else moved the build since we listed it.
				logger.FromContext(ctx).Warn().Err(err).Int64("build_id", b.ID).Msg("build changed during processing")
				return true, nil
			}
			return false, err
		}
		return true, nil
	}
	return false, nil
}

func predecessors(b *ci.Build, builds []*ci.Build, byName map[string]*ci.Build) ([]*ci.Build, error) {
	if b.SchedulingType == ci.SchedulingDAG {
		preds := make([]*ci.Build, 0, len(b.Needs))
		for _, name := range b.Needs {
			need, ok := byName[name]
			if !ok {
				return nil, errors.Newf("build %d needs unknown job %q", b.ID, name)
			}
			preds = append(preds, need)
		}
		return preds, nil
	}

	var preds []*ci.Build
	for _, other := range builds {
		if other.StageIdx < b.StageIdx {
			preds = append(preds, other)
		}
	}
	return preds, nil
}

func (s *ProcessPipelineService) updateStatus(ctx context.Context, pipelineID int64, builds []*ci.Build) error {
	p, err := s.repo.GetPipeline(ctx, pipelineID)
	if err != nil {
		return err
	}
	status := ci.Composite(builds).Name
	if len(builds) == 0 {
		status = ci.StatusSkipped
	}
	if status == p.Status {
		return nil
	}
	if err := s.repo.UpdatePipelineStatus(ctx, pipelineID, status); err != nil {
		return err
	}
	logger.FromContext(ctx).Info().
		Int64("pipeline_id", pipelineID).
		Str("from", string(p.Status)).
		Str("to", string(status)).
		Msg("pipeline status changed")
	return nil
}

var _ queue.PipelineHook = (*ProcessPipelineService)(nil)
