package processing

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vyvo/ci/backend/pkg/ci"
	"github.com/vyvo/ci/backend/pkg/logger"
	"github.com/vyvo/ci/backend/pkg/queue"
	"github.com/vyvo/ci/backend/pkg/telemetry"
)

// ProcessBuildService decides what happens to a created build once its predecessors are done.
type ProcessBuildService struct {
	lifecycle *queue.Lifecycle
	now       func() time.Time
}

func NewProcessBuildService(lifecycle *queue.Lifecycle) *ProcessBuildService {
	return &ProcessBuildService{
		lifecycle: lifecycle,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Proceeds reports whether a build with the given policy runs after predecessors
// that aggregate to current.
func Proceeds(when ci.When, current ci.CompositeStatus) bool {
	var allowed []ci.Status
	switch when {
	case ci.WhenOnSuccess, ci.WhenManual, ci.WhenDelayed:
		allowed = []ci.Status{ci.StatusSuccess}
	case ci.WhenOnFailure:
		allowed = []ci.Status{ci.StatusFailed}
	case ci.WhenAlways:
		allowed = []ci.Status{ci.StatusSuccess, ci.StatusFailed}
	default:
		return false
	}
	if current.Ignored {
		return true
	}
	for _, s := range allowed {
		if current.Name == s {
			return true
		}
	}
	return false
}

// Execute schedules, actionizes or enqueues the build when it proceeds and skips it
// otherwise. It returns whether the build proceeded.
func (s *ProcessBuildService) Execute(ctx context.Context, build *ci.Build, current ci.CompositeStatus) (bool, error) {
	ctx, span := telemetry.Tracer("processing").Start(ctx, "process_build")
	defer span.End()
	span.SetAttributes(attribute.Int64("build_id", build.ID))

	proceeds := Proceeds(build.When, current)
	event := ci.EventSkip
	var opts []queue.FireOption
	switch {
	case !proceeds:
		// The caller recomputes pipeline status once the pass is over.
		opts = append(opts, queue.SkipPipelineProcessing())
	case build.Schedulable(s.now()):
		event = ci.EventSchedule
	case build.Action():
		event = ci.EventActionize
	default:
		event = ci.EventEnqueue
	}

	logger.FromContext(ctx).Debug().
		Int64("build_id", build.ID).
		Str("when", string(build.When)).
		Str("current", string(current.Name)).
		Bool("ignored", current.Ignored).
		Str("event", string(event)).
		Msg("processing build")

	if _, _, err := s.lifecycle.Fire(ctx, build.ID, event, opts...); err != nil {
		return false, errors.Wrapf(err, "process build %d", build.ID)
	}
	return proceeds, nil
}
