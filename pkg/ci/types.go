package ci

import (
	"sort"
	"time"
)

// Status represents the lifecycle state of a build.
type Status string

const (
	StatusCreated   Status = "created"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
	StatusSkipped   Status = "skipped"
	StatusManual    Status = "manual"
	StatusScheduled Status = "scheduled"
)

// IsCompleted reports whether no further transitions are possible.
func (s Status) IsCompleted() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCanceled, StatusSkipped:
		return true
	}
	return false
}

// IsActive reports whether the build is queued or executing.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

// When is the user-declared policy deciding if a build runs after its predecessors.
type When string

const (
	WhenOnSuccess When = "on_success"
	WhenOnFailure When = "on_failure"
	WhenAlways    When = "always"
	WhenManual    When = "manual"
	WhenDelayed   When = "delayed"
)

// Valid reports whether w is a known policy.
func (w When) Valid() bool {
	switch w {
	case WhenOnSuccess, WhenOnFailure, WhenAlways, WhenManual, WhenDelayed:
		return true
	}
	return false
}

// SchedulingType selects stage-based or needs-based dependency resolution.
type SchedulingType string

const (
	SchedulingStage SchedulingType = "stage"
	SchedulingDAG   SchedulingType = "dag"
)

// FailureReason is recorded on builds that end up failed.
type FailureReason string

const (
	FailureUnknown             FailureReason = "unknown_failure"
	FailureScript              FailureReason = "script_failure"
	FailureAPI                 FailureReason = "api_failure"
	FailureStuckOrTimeout      FailureReason = "stuck_or_timeout_failure"
	FailureRunnerSystem        FailureReason = "runner_system_failure"
	FailureMissingDependency   FailureReason = "missing_dependency_failure"
	FailureRunnerUnsupported   FailureReason = "runner_unsupported"
	FailureScheduler           FailureReason = "scheduler_failure"
	FailureDataIntegrity       FailureReason = "data_integrity_failure"
	FailureNoMatchingRunner    FailureReason = "no_matching_runner"
	FailureJobExecutionTimeout FailureReason = "job_execution_timeout"
)

var knownFailureReasons = map[FailureReason]struct{}{
	FailureUnknown:             {},
	FailureScript:              {},
	FailureAPI:                 {},
	FailureStuckOrTimeout:      {},
	FailureRunnerSystem:        {},
	FailureMissingDependency:   {},
	FailureRunnerUnsupported:   {},
	FailureScheduler:           {},
	FailureDataIntegrity:       {},
	FailureNoMatchingRunner:    {},
	FailureJobExecutionTimeout: {},
}

// ParseFailureReason maps a runner-supplied reason to a known value, falling back to unknown_failure.
func ParseFailureReason(raw string) FailureReason {
	if _, ok := knownFailureReasons[FailureReason(raw)]; ok {
		return FailureReason(raw)
	}
	return FailureUnknown
}

// touchInterval bounds how stale UpdatedAt may get while a runner keeps reporting "running".
const touchInterval = 15 * time.Minute

// Build is a unit of scheduled CI work.
type Build struct {
	ID             int64          `json:"id"`
	PipelineID     int64          `json:"pipeline_id"`
	ProjectID      int64          `json:"project_id"`
	Name           string         `json:"name"`
	Stage          string         `json:"stage"`
	StageIdx       int            `json:"stage_idx"`
	Status         Status         `json:"status"`
	When           When           `json:"when"`
	Tags           []string       `json:"tag_list"`
	Protected      bool           `json:"protected"`
	SchedulingType SchedulingType `json:"scheduling_type"`
	Needs          []string       `json:"needs,omitempty"`
	AllowFailure   bool           `json:"allow_failure"`
	ScheduledAt    *time.Time     `json:"scheduled_at,omitempty"`
	RunnerID       *int64         `json:"runner_id,omitempty"`
	FailureReason  FailureReason  `json:"failure_reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
}

// Clone returns a deep copy so callers can't mutate shared slices.
func (b *Build) Clone() *Build {
	c := *b
	c.Tags = append([]string(nil), b.Tags...)
	c.Needs = append([]string(nil), b.Needs...)
	if b.ScheduledAt != nil {
		t := *b.ScheduledAt
		c.ScheduledAt = &t
	}
	if b.RunnerID != nil {
		id := *b.RunnerID
		c.RunnerID = &id
	}
	if b.StartedAt != nil {
		t := *b.StartedAt
		c.StartedAt = &t
	}
	if b.FinishedAt != nil {
		t := *b.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// SetSchedulingType assigns the scheduling type once; later changes are refused.
func (b *Build) SetSchedulingType(t SchedulingType) error {
	if b.SchedulingType != "" && b.SchedulingType != t {
		return ErrSchedulingTypeImmutable
	}
	b.SchedulingType = t
	return nil
}

// Schedulable reports whether the build should wait for a future start time.
func (b *Build) Schedulable(now time.Time) bool {
	return b.When == WhenDelayed && b.ScheduledAt != nil && b.ScheduledAt.After(now)
}

// Action reports whether the build waits for a user to play it.
func (b *Build) Action() bool {
	return b.When == WhenManual
}

func (b *Build) Cancelable() bool {
	switch b.Status {
	case StatusCreated, StatusPending, StatusRunning, StatusManual, StatusScheduled:
		return true
	}
	return false
}

func (b *Build) Scheduled() bool { return b.Status == StatusScheduled }

func (b *Build) Playable() bool { return b.Status == StatusManual }

// NeedsTouch reports whether UpdatedAt is old enough to be refreshed on a heartbeat.
func (b *Build) NeedsTouch(now time.Time) bool {
	return now.Sub(b.UpdatedAt) > touchInterval
}

// Ignored reports whether the build's outcome must not fail its dependents.
func (b *Build) Ignored() bool {
	if !b.AllowFailure {
		return false
	}
	return b.Status == StatusFailed || b.Status == StatusCanceled
}

// Pipeline groups builds created from one definition.
type Pipeline struct {
	ID        int64     `json:"id"`
	ProjectID int64     `json:"project_id"`
	Ref       string    `json:"ref"`
	Protected bool      `json:"protected"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunnerType distinguishes instance-wide runners from scoped ones.
type RunnerType string

const (
	RunnerInstance RunnerType = "instance_type"
	RunnerGroup    RunnerType = "group_type"
	RunnerProject  RunnerType = "project_type"
)

// Runner is an execution agent polling for builds.
type Runner struct {
	ID          int64      `json:"id"`
	Token       string     `json:"-"`
	Description string     `json:"description"`
	RunnerType  RunnerType `json:"runner_type"`
	ProjectIDs  []int64    `json:"project_ids,omitempty"`
	Tags        []string   `json:"tag_list"`
	Protected   bool       `json:"protected"`
	Active      bool       `json:"active"`
	ContactedAt *time.Time `json:"contacted_at,omitempty"`
}

// Clone returns a deep copy of the runner.
func (r *Runner) Clone() *Runner {
	c := *r
	c.ProjectIDs = append([]int64(nil), r.ProjectIDs...)
	c.Tags = append([]string(nil), r.Tags...)
	if r.ContactedAt != nil {
		t := *r.ContactedAt
		c.ContactedAt = &t
	}
	return &c
}

// InstanceType reports whether the runner serves every project.
func (r *Runner) InstanceType() bool {
	return r.RunnerType == RunnerInstance
}

// AssignableTo reports whether the runner may serve builds of the project.
func (r *Runner) AssignableTo(projectID int64) bool {
	if r.InstanceType() {
		return true
	}
	for _, id := range r.ProjectIDs {
		if id == projectID {
			return true
		}
	}
	return false
}

// ContactedSince reports whether the runner polled at or after the given time.
func (r *Runner) ContactedSince(t time.Time) bool {
	return r.ContactedAt != nil && !r.ContactedAt.Before(t)
}

// QueueEntry marks a build as pending and waiting for a runner.
type QueueEntry struct {
	BuildID   int64     `json:"build_id"`
	ProjectID int64     `json:"project_id"`
	Protected bool      `json:"protected"`
	Tags      []string  `json:"tag_list"`
	CreatedAt time.Time `json:"created_at"`
}

// NewQueueEntry derives the queue row for a build.
func NewQueueEntry(b *Build, now time.Time) QueueEntry {
	return QueueEntry{
		BuildID:   b.ID,
		ProjectID: b.ProjectID,
		Protected: b.Protected,
		Tags:      normalizeTags(b.Tags),
		CreatedAt: now,
	}
}

// PendingState is the write-once final state a runner announced before its trace was persisted.
type PendingState struct {
	BuildID       int64         `json:"build_id"`
	State         Status        `json:"state"`
	TraceChecksum string        `json:"trace_checksum"`
	FailureReason FailureReason `json:"failure_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
