package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/vyvo/ci/backend/pkg/ci"
)

// Store is an in-memory Repository. Transactions hold the write lock and stage
// their writes so a failing callback leaves no trace.
type Store struct {
	mu sync.RWMutex

	nextPipelineID int64
	nextBuildID    int64
	nextRunnerID   int64

	pipelines map[int64]*ci.Pipeline
	builds    map[int64]*ci.Build
	queue     map[int64]ci.QueueEntry
	runners   map[int64]*ci.Runner
	tokens    map[string]int64
	pending   map[int64]ci.PendingState

	now func() time.Time
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		pipelines: make(map[int64]*ci.Pipeline),
		builds:    make(map[int64]*ci.Build),
		queue:     make(map[int64]ci.QueueEntry),
		runners:   make(map[int64]*ci.Runner),
		tokens:    make(map[string]int64),
		pending:   make(map[int64]ci.PendingState),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type memTx struct {
	s       *Store
	builds  map[int64]*ci.Build
	inserts map[int64]ci.QueueEntry
	deletes map[int64]bool
}

// WithinTransaction runs fn against a staged view of the store. Store methods
// must not be called from inside fn.
func (s *Store) WithinTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:       s,
		builds:  make(map[int64]*ci.Build),
		inserts: make(map[int64]ci.QueueEntry),
		deletes: make(map[int64]bool),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, b := range tx.builds {
		s.builds[id] = b
	}
	for id := range tx.deletes {
		delete(s.queue, id)
	}
	for id, entry := range tx.inserts {
		s.queue[id] = entry
	}
	return nil
}

func (tx *memTx) GetBuildForUpdate(_ context.Context, id int64) (*ci.Build, error) {
	if b, ok := tx.builds[id]; ok {
		return b.Clone(), nil
	}
	b, ok := tx.s.builds[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "build %d", id)
	}
	return b.Clone(), nil
}

func (tx *memTx) UpdateBuild(_ context.Context, build *ci.Build) error {
	if _, ok := tx.s.builds[build.ID]; !ok {
		return errors.Wrapf(ErrNotFound, "build %d", build.ID)
	}
	tx.builds[build.ID] = build.Clone()
	return nil
}

func (tx *memTx) queued(buildID int64) bool {
	if tx.deletes[buildID] {
		_, ok := tx.inserts[buildID]
		return ok
	}
	if _, ok := tx.inserts[buildID]; ok {
		return true
	}
	_, ok := tx.s.queue[buildID]
	return ok
}

func (tx *memTx) CreateQueueEntry(_ context.Context, entry ci.QueueEntry) (bool, error) {
	if tx.queued(entry.BuildID) {
		return false, nil
	}
	entry.Tags = append([]string(nil), entry.Tags...)
	tx.inserts[entry.BuildID] = entry
	return true, nil
}

func (tx *memTx) DeleteQueueEntry(_ context.Context, buildID int64) (int, error) {
	if !tx.queued(buildID) {
		return 0, nil
	}
	delete(tx.inserts, buildID)
	tx.deletes[buildID] = true
	return 1, nil
}

func (s *Store) CreatePipeline(_ context.Context, p *ci.Pipeline) (*ci.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.nextPipelineID++
	c := *p
	c.ID = s.nextPipelineID
	if c.Status == "" {
		c.Status = ci.StatusCreated
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	s.pipelines[c.ID] = &c
	out := c
	return &out, nil
}

func (s *Store) GetPipeline(_ context.Context, id int64) (*ci.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pipelines[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "pipeline %d", id)
	}
	out := *p
	return &out, nil
}

func (s *Store) UpdatePipelineStatus(_ context.Context, id int64, status ci.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pipelines[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "pipeline %d", id)
	}
	p.Status = status
	p.UpdatedAt = s.now()
	return nil
}

func (s *Store) CreateBuild(_ context.Context, b *ci.Build) (*ci.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pipelines[b.PipelineID]; !ok {
		return nil, errors.Wrapf(ErrNotFound, "pipeline %d", b.PipelineID)
	}
	now := s.now()
	s.nextBuildID++
	c := b.Clone()
	c.ID = s.nextBuildID
	if c.Status == "" {
		c.Status = ci.StatusCreated
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	s.builds[c.ID] = c
	return c.Clone(), nil
}

func (s *Store) GetBuild(_ context.Context, id int64) (*ci.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.builds[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "build %d", id)
	}
	return b.Clone(), nil
}

func (s *Store) collectBuilds(keep func(*ci.Build) bool) []*ci.Build {
	var out []*ci.Build
	for _, b := range s.builds {
		if keep(b) {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) ListPipelineBuilds(_ context.Context, pipelineID int64) ([]*ci.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.collectBuilds(func(b *ci.Build) bool { return b.PipelineID == pipelineID })
	sort.SliceStable(out, func(i, j int) bool { return out[i].StageIdx < out[j].StageIdx })
	return out, nil
}

func (s *Store) ListBuildsByStatus(_ context.Context, status ci.Status) ([]*ci.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectBuilds(func(b *ci.Build) bool { return b.Status == status }), nil
}

func (s *Store) ListScheduledBefore(_ context.Context, t time.Time) ([]*ci.Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectBuilds(func(b *ci.Build) bool {
		return b.Status == ci.StatusScheduled && b.ScheduledAt != nil && !b.ScheduledAt.After(t)
	}), nil
}

func (s *Store) TouchBuild(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.builds[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "build %d", id)
	}
	b.UpdatedAt = at
	return nil
}

func (s *Store) QueueEntryExists(_ context.Context, buildID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.queue[buildID]
	return ok, nil
}

func (s *Store) ListQueueEntries(_ context.Context) ([]ci.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedEntries(func(ci.QueueEntry) bool { return true }), nil
}

// ListQueueEntriesForRunner returns queued builds the runner may pick, oldest first.
func (s *Store) ListQueueEntriesForRunner(_ context.Context, runner *ci.Runner) ([]ci.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rm := runner.Matcher()
	return s.sortedEntries(func(e ci.QueueEntry) bool {
		if !runner.AssignableTo(e.ProjectID) {
			return false
		}
		return rm.Matches(ci.BuildMatcher{ProjectID: e.ProjectID, Protected: e.Protected, Tags: e.Tags})
	}), nil
}

func (s *Store) sortedEntries(keep func(ci.QueueEntry) bool) []ci.QueueEntry {
	out := make([]ci.QueueEntry, 0, len(s.queue))
	for _, e := range s.queue {
		if !keep(e) {
			continue
		}
		e.Tags = append([]string(nil), e.Tags...)
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].BuildID < out[j].BuildID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) CreateRunner(_ context.Context, r *ci.Runner) (*ci.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := r.Clone()
	if c.Token == "" {
		c.Token = uuid.NewString()
	}
	if _, ok := s.tokens[c.Token]; ok {
		return nil, errors.Wrap(ErrAlreadyExists, "runner token")
	}
	if c.RunnerType == "" {
		c.RunnerType = ci.RunnerInstance
	}
	s.nextRunnerID++
	c.ID = s.nextRunnerID
	s.runners[c.ID] = c
	s.tokens[c.Token] = c.ID
	return c.Clone(), nil
}

func (s *Store) GetRunnerByToken(_ context.Context, token string) (*ci.Runner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokens[token]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, "runner")
	}
	return s.runners[id].Clone(), nil
}

func (s *Store) ListRunnersForProject(_ context.Context, q RunnerQuery) ([]*ci.Runner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ci.Runner
	for _, r := range s.runners {
		if !r.AssignableTo(q.ProjectID) {
			continue
		}
		if q.ActiveOnly && !r.Active {
			continue
		}
		if !q.ContactedSince.IsZero() && !r.ContactedSince(q.ContactedSince) {
			continue
		}
		c := r.Clone()
		if !q.WithTags {
			c.Tags = nil
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) RunnerTags(_ context.Context, runnerID int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runners[runnerID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "runner %d", runnerID)
	}
	return append([]string(nil), r.Tags...), nil
}

func (s *Store) TouchRunner(_ context.Context, runnerID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runners[runnerID]
	if !ok {
		return errors.Wrapf(ErrNotFound, "runner %d", runnerID)
	}
	t := at
	r.ContactedAt = &t
	return nil
}

func (s *Store) CreatePendingState(_ context.Context, ps ci.PendingState) (*ci.PendingState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[ps.BuildID]; ok {
		return nil, errors.Wrapf(ErrAlreadyExists, "pending state for build %d", ps.BuildID)
	}
	if ps.CreatedAt.IsZero() {
		ps.CreatedAt = s.now()
	}
	s.pending[ps.BuildID] = ps
	out := ps
	return &out, nil
}

func (s *Store) GetPendingState(_ context.Context, buildID int64) (*ci.PendingState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ps, ok := s.pending[buildID]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "pending state for build %d", buildID)
	}
	return &ps, nil
}
