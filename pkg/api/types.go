package api

import (
	"time"

	"github.com/vyvo/ci/backend/pkg/ci"
)

// registerRunnerRequest is the body of POST /api/v4/runners.
type registerRunnerRequest struct {
	Token       string        `json:"token"`
	Description string        `json:"description"`
	Tags        []string      `json:"tag_list"`
	Protected   bool          `json:"protected"`
	RunnerType  ci.RunnerType `json:"runner_type"`
	ProjectIDs  []int64       `json:"project_ids"`
	Active      *bool         `json:"active"`
}

type registerRunnerResponse struct {
	ID    int64  `json:"id"`
	Token string `json:"token"`
}

type jobRequest struct {
	LastUpdate string `json:"last_update"`
}

// JobPayload is what a runner receives for a claimed build.
type JobPayload struct {
	ID           int64      `json:"id"`
	PipelineID   int64      `json:"pipeline_id"`
	ProjectID    int64      `json:"project_id"`
	Name         string     `json:"name"`
	Stage        string     `json:"stage"`
	Tags         []string   `json:"tag_list"`
	AllowFailure bool       `json:"allow_failure"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
}

func newJobPayload(b *ci.Build) JobPayload {
	return JobPayload{
		ID:           b.ID,
		PipelineID:   b.PipelineID,
		ProjectID:    b.ProjectID,
		Name:         b.Name,
		Stage:        b.Stage,
		Tags:         b.Tags,
		AllowFailure: b.AllowFailure,
		StartedAt:    b.StartedAt,
	}
}

// updateJobRequest is the body of PUT /api/v4/jobs/{id}.
type updateJobRequest struct {
	State         ci.Status `json:"state"`
	Trace         *string   `json:"trace"`
	Checksum      string    `json:"checksum"`
	FailureReason string    `json:"failure_reason"`
}

// UpdateJobResponse tells the runner whether its final state was applied.
type UpdateJobResponse struct {
	Status  string `json:"status"`
	Backoff int    `json:"backoff,omitempty"`
}

// PipelineResponse is a pipeline together with its builds.
type PipelineResponse struct {
	*ci.Pipeline
	Builds []*ci.Build `json:"builds"`
}

type queueResponse struct {
	Entries []ci.QueueEntry `json:"entries"`
	Total   int             `json:"total"`
}

type errorResponse struct {
	Message string `json:"message"`
}
