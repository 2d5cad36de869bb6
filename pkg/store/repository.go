package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vyvo/ci/backend/pkg/ci"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists indicates a unique constraint rejected the insert.
	ErrAlreadyExists = errors.New("record already exists")
)

// Tx is the unit of work wrapping a build status write and its queue side effect.
type Tx interface {
	GetBuildForUpdate(ctx context.Context, id int64) (*ci.Build, error)
	UpdateBuild(ctx context.Context, build *ci.Build) error
	// CreateQueueEntry inserts the entry unless one exists and reports whether a row was created.
	CreateQueueEntry(ctx context.Context, entry ci.QueueEntry) (bool, error)
	// DeleteQueueEntry removes the entry of a build and returns how many rows were deleted.
	DeleteQueueEntry(ctx context.Context, buildID int64) (int, error)
}

// PipelineStore persists pipelines.
type PipelineStore interface {
	CreatePipeline(ctx context.Context, p *ci.Pipeline) (*ci.Pipeline, error)
	GetPipeline(ctx context.Context, id int64) (*ci.Pipeline, error)
	UpdatePipelineStatus(ctx context.Context, id int64, status ci.Status) error
}

// BuildStore persists builds.
type BuildStore interface {
	CreateBuild(ctx context.Context, b *ci.Build) (*ci.Build, error)
	GetBuild(ctx context.Context, id int64) (*ci.Build, error)
	ListPipelineBuilds(ctx context.Context, pipelineID int64) ([]*ci.Build, error)
	ListBuildsByStatus(ctx context.Context, status ci.Status) ([]*ci.Build, error)
	ListScheduledBefore(ctx context.Context, t time.Time) ([]*ci.Build, error)
	TouchBuild(ctx context.Context, id int64, at time.Time) error
}

// QueueStore reads the pending-builds queue. Writes only happen through Tx.
type QueueStore interface {
	QueueEntryExists(ctx context.Context, buildID int64) (bool, error)
	ListQueueEntries(ctx context.Context) ([]ci.QueueEntry, error)
	ListQueueEntriesForRunner(ctx context.Context, runner *ci.Runner) ([]ci.QueueEntry, error)
}

// RunnerQuery filters runners eligible for a project.
type RunnerQuery struct {
	ProjectID int64
	// ContactedSince keeps runners that polled at or after the time when set.
	ContactedSince time.Time
	ActiveOnly     bool
	// WithTags loads tag lists; otherwise Tags is nil and RunnerTags must be used.
	WithTags bool
}

// RunnerStore persists runners.
type RunnerStore interface {
	CreateRunner(ctx context.Context, r *ci.Runner) (*ci.Runner, error)
	GetRunnerByToken(ctx context.Context, token string) (*ci.Runner, error)
	ListRunnersForProject(ctx context.Context, q RunnerQuery) ([]*ci.Runner, error)
	RunnerTags(ctx context.Context, runnerID int64) ([]string, error)
	TouchRunner(ctx context.Context, runnerID int64, at time.Time) error
}

// PendingStateStore persists write-once pending states.
type PendingStateStore interface {
	// CreatePendingState returns ErrAlreadyExists when the build already has one.
	CreatePendingState(ctx context.Context, ps ci.PendingState) (*ci.PendingState, error)
	GetPendingState(ctx context.Context, buildID int64) (*ci.PendingState, error)
}

// Repository is everything the services need from storage.
type Repository interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	PipelineStore
	BuildStore
	QueueStore
	RunnerStore
	PendingStateStore
}

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*PostgresStore)(nil)
)
