package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vyvo/ci/backend/pkg/ci"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore persists pipelines, builds, runners and the pending queue to Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the connection and applies embedded migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres connection string is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres connection")
	}
	db.SetMaxIdleConns(5)
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	s := NewPostgresStoreFromDB(db)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromDB wraps an already opened handle without touching the schema.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema applies embedded migrations in lexical order.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin migration tx")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, name := range names {
		payload, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return errors.Wrapf(err, "read migration %s", name)
		}
		sqlText := strings.TrimSpace(string(payload))
		if sqlText == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, sqlText); err != nil {
			return errors.Wrapf(err, "apply migration %s", name)
		}
	}
	return errors.Wrap(tx.Commit(), "commit migrations")
}

func (s *PostgresStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type pgTx struct {
	tx *sql.Tx
}

// WithinTransaction commits when fn returns nil and rolls back otherwise.
func (s *PostgresStore) WithinTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

const buildColumns = `id, pipeline_id, project_id, name, stage, stage_idx, status, "when", tags, protected,
    scheduling_type, needs, allow_failure, scheduled_at, runner_id, failure_reason,
    created_at, updated_at, started_at, finished_at`

func (t *pgTx) GetBuildForUpdate(ctx context.Context, id int64) (*ci.Build, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM ci_builds WHERE id=$1 FOR UPDATE`, id)
	b, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "build %d", id)
	}
	return b, err
}

func (t *pgTx) UpdateBuild(ctx context.Context, b *ci.Build) error {
	tags, needs, err := encodeLists(b.Tags, b.Needs)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `UPDATE ci_builds SET
    status=$2, tags=$3, needs=$4, scheduling_type=$5, scheduled_at=$6, runner_id=$7,
    failure_reason=$8, updated_at=$9, started_at=$10, finished_at=$11
WHERE id=$1`,
		b.ID, string(b.Status), tags, needs, nullString(string(b.SchedulingType)), b.ScheduledAt, b.RunnerID,
		nullString(string(b.FailureReason)), b.UpdatedAt, b.StartedAt, b.FinishedAt)
	if err != nil {
		return errors.Wrapf(err, "update build %d", b.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "build %d", b.ID)
	}
	return nil
}

func (t *pgTx) CreateQueueEntry(ctx context.Context, e ci.QueueEntry) (bool, error) {
	tags, err := json.Marshal(nonNil(e.Tags))
	if err != nil {
		return false, err
	}
	res, err := t.tx.ExecContext(ctx, `INSERT INTO ci_pending_builds (build_id, project_id, protected, tags, created_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (build_id) DO NOTHING`, e.BuildID, e.ProjectID, e.Protected, tags, e.CreatedAt)
	if err != nil {
		return false, errors.Wrapf(err, "insert queue entry %d", e.BuildID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (t *pgTx) DeleteQueueEntry(ctx context.Context, buildID int64) (int, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM ci_pending_builds WHERE build_id=$1`, buildID)
	if err != nil {
		return 0, errors.Wrapf(err, "delete queue entry %d", buildID)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) CreatePipeline(ctx context.Context, p *ci.Pipeline) (*ci.Pipeline, error) {
	now := time.Now().UTC()
	c := *p
	if c.Status == "" {
		c.Status = ci.StatusCreated
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	err := s.db.QueryRowContext(ctx, `INSERT INTO ci_pipelines (project_id, ref, protected, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`, c.ProjectID, c.Ref, c.Protected, string(c.Status), c.CreatedAt, c.UpdatedAt).Scan(&c.ID)
	if err != nil {
		return nil, errors.Wrap(err, "insert pipeline")
	}
	return &c, nil
}

func (s *PostgresStore) GetPipeline(ctx context.Context, id int64) (*ci.Pipeline, error) {
	var (
		p      ci.Pipeline
		status string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, project_id, ref, protected, status, created_at, updated_at FROM ci_pipelines WHERE id=$1`, id).
		Scan(&p.ID, &p.ProjectID, &p.Ref, &p.Protected, &status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "pipeline %d", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get pipeline %d", id)
	}
	p.Status = ci.Status(status)
	return &p, nil
}

func (s *PostgresStore) UpdatePipelineStatus(ctx context.Context, id int64, status ci.Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE ci_pipelines SET status=$2, updated_at=$3 WHERE id=$1`, id, string(status), time.Now().UTC())
	if err != nil {
		return errors.Wrapf(err, "update pipeline %d", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "pipeline %d", id)
	}
	return nil
}

func (s *PostgresStore) CreateBuild(ctx context.Context, b *ci.Build) (*ci.Build, error) {
	now := time.Now().UTC()
	c := b.Clone()
	if c.Status == "" {
		c.Status = ci.StatusCreated
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	tags, needs, err := encodeLists(c.Tags, c.Needs)
	if err != nil {
		return nil, err
	}
	err = s.db.QueryRowContext(ctx, `INSERT INTO ci_builds (
    pipeline_id, project_id, name, stage, stage_idx, status, "when", tags, protected,
    scheduling_type, needs, allow_failure, scheduled_at, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
RETURNING id`,
		c.PipelineID, c.ProjectID, c.Name, c.Stage, c.StageIdx, string(c.Status), string(c.When), tags, c.Protected,
		nullString(string(c.SchedulingType)), needs, c.AllowFailure, c.ScheduledAt, c.CreatedAt, c.UpdatedAt).Scan(&c.ID)
	if err != nil {
		return nil, errors.Wrap(err, "insert build")
	}
	return c, nil
}

func (s *PostgresStore) GetBuild(ctx context.Context, id int64) (*ci.Build, error) {
	b, err := scanBuild(s.db.QueryRowContext(ctx, `SELECT `+buildColumns+` FROM ci_builds WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "build %d", id)
	}
	return b, err
}

func (s *PostgresStore) queryBuilds(ctx context.Context, where string, args ...any) ([]*ci.Build, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+buildColumns+` FROM ci_builds WHERE `+where, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query builds")
	}
	defer rows.Close()

	var out []*ci.Build
	for rows.Next() {
		b, err := scanBuild(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListPipelineBuilds(ctx context.Context, pipelineID int64) ([]*ci.Build, error) {
	return s.queryBuilds(ctx, `pipeline_id=$1 ORDER BY stage_idx, id`, pipelineID)
}

func (s *PostgresStore) ListBuildsByStatus(ctx context.Context, status ci.Status) ([]*ci.Build, error) {
	return s.queryBuilds(ctx, `status=$1 ORDER BY id`, string(status))
}

func (s *PostgresStore) ListScheduledBefore(ctx context.Context, t time.Time) ([]*ci.Build, error) {
	return s.queryBuilds(ctx, `status='scheduled' AND scheduled_at <= $1 ORDER BY id`, t)
}

func (s *PostgresStore) TouchBuild(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE ci_builds SET updated_at=$2 WHERE id=$1`, id, at)
	return errors.Wrapf(err, "touch build %d", id)
}

func (s *PostgresStore) QueueEntryExists(ctx context.Context, buildID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM ci_pending_builds WHERE build_id=$1)`, buildID).Scan(&exists)
	return exists, errors.Wrap(err, "queue entry exists")
}

func (s *PostgresStore) ListQueueEntries(ctx context.Context) ([]ci.QueueEntry, error) {
	return s.queryQueue(ctx, `SELECT build_id, project_id, protected, tags, created_at FROM ci_pending_builds ORDER BY created_at, build_id`)
}

// ListQueueEntriesForRunner filters by protection and tags in SQL; project scoping applies to
// non-instance runners.
func (s *PostgresStore) ListQueueEntriesForRunner(ctx context.Context, runner *ci.Runner) ([]ci.QueueEntry, error) {
	tags, err := json.Marshal(nonNil(runner.Tags))
	if err != nil {
		return nil, err
	}
	projects, err := json.Marshal(nonNilIDs(runner.ProjectIDs))
	if err != nil {
		return nil, err
	}
	return s.queryQueue(ctx, `SELECT build_id, project_id, protected, tags, created_at FROM ci_pending_builds
WHERE (protected = FALSE OR $1)
  AND tags <@ $2::jsonb
  AND ($3 OR project_id IN (SELECT jsonb_array_elements_text($4::jsonb)::bigint))
ORDER BY created_at, build_id`, runner.Protected, tags, runner.InstanceType(), projects)
}

func (s *PostgresStore) queryQueue(ctx context.Context, query string, args ...any) ([]ci.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query queue")
	}
	defer rows.Close()

	var out []ci.QueueEntry
	for rows.Next() {
		var (
			e   ci.QueueEntry
			raw []byte
		)
		if err := rows.Scan(&e.BuildID, &e.ProjectID, &e.Protected, &raw, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan queue entry")
		}
		if err := json.Unmarshal(raw, &e.Tags); err != nil {
			return nil, errors.Wrap(err, "decode queue tags")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateRunner(ctx context.Context, r *ci.Runner) (*ci.Runner, error) {
	c := r.Clone()
	if c.Token == "" {
		c.Token = uuid.NewString()
	}
	if c.RunnerType == "" {
		c.RunnerType = ci.RunnerInstance
	}
	tags, err := json.Marshal(nonNil(c.Tags))
	if err != nil {
		return nil, err
	}
	projects, err := json.Marshal(nonNilIDs(c.ProjectIDs))
	if err != nil {
		return nil, err
	}
	err = s.db.QueryRowContext(ctx, `INSERT INTO ci_runners (token, description, runner_type, project_ids, tags, protected, active)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		c.Token, c.Description, string(c.RunnerType), projects, tags, c.Protected, c.Active).Scan(&c.ID)
	if isUniqueViolation(err) {
		return nil, errors.Wrap(ErrAlreadyExists, "runner token")
	}
	if err != nil {
		return nil, errors.Wrap(err, "insert runner")
	}
	return c, nil
}

const runnerColumns = `id, token, description, runner_type, project_ids, protected, active, contacted_at`

func (s *PostgresStore) GetRunnerByToken(ctx context.Context, token string) (*ci.Runner, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runnerColumns+`, tags FROM ci_runners WHERE token=$1`, token)
	r, err := scanRunner(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(ErrNotFound, "runner")
	}
	return r, err
}

func (s *PostgresStore) ListRunnersForProject(ctx context.Context, q RunnerQuery) ([]*ci.Runner, error) {
	cols := runnerColumns
	if q.WithTags {
		cols += ", tags"
	}
	var contacted *time.Time
	if !q.ContactedSince.IsZero() {
		t := q.ContactedSince
		contacted = &t
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+cols+` FROM ci_runners
WHERE (runner_type = 'instance_type' OR project_ids @> to_jsonb($1::bigint))
  AND ($2 = FALSE OR active)
  AND ($3::timestamptz IS NULL OR contacted_at >= $3)
ORDER BY id`, q.ProjectID, q.ActiveOnly, contacted)
	if err != nil {
		return nil, errors.Wrap(err, "query runners")
	}
	defer rows.Close()

	var out []*ci.Runner
	for rows.Next() {
		r, err := scanRunner(rows, q.WithTags)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RunnerTags(ctx context.Context, runnerID int64) ([]string, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT tags FROM ci_runners WHERE id=$1`, runnerID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "runner %d", runnerID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "runner %d tags", runnerID)
	}
	var tags []string
	return tags, errors.Wrap(json.Unmarshal(raw, &tags), "decode runner tags")
}

func (s *PostgresStore) TouchRunner(ctx context.Context, runnerID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE ci_runners SET contacted_at=$2 WHERE id=$1`, runnerID, at)
	return errors.Wrapf(err, "touch runner %d", runnerID)
}

func (s *PostgresStore) CreatePendingState(ctx context.Context, ps ci.PendingState) (*ci.PendingState, error) {
	if ps.CreatedAt.IsZero() {
		ps.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO ci_build_pending_states (build_id, state, trace_checksum, failure_reason, created_at)
VALUES ($1,$2,$3,$4,$5)`, ps.BuildID, string(ps.State), ps.TraceChecksum, nullString(string(ps.FailureReason)), ps.CreatedAt)
	if isUniqueViolation(err) {
		return nil, errors.Wrapf(ErrAlreadyExists, "pending state for build %d", ps.BuildID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "insert pending state %d", ps.BuildID)
	}
	return &ps, nil
}

func (s *PostgresStore) GetPendingState(ctx context.Context, buildID int64) (*ci.PendingState, error) {
	var (
		ps     ci.PendingState
		state  string
		reason sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT build_id, state, trace_checksum, failure_reason, created_at
FROM ci_build_pending_states WHERE build_id=$1`, buildID).Scan(&ps.BuildID, &state, &ps.TraceChecksum, &reason, &ps.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "pending state for build %d", buildID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get pending state %d", buildID)
	}
	ps.State = ci.Status(state)
	ps.FailureReason = ci.FailureReason(reason.String)
	return &ps, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBuild(row scanner) (*ci.Build, error) {
	var (
		b                      ci.Build
		status, when           string
		tags, needs            []byte
		schedulingType, reason sql.NullString
		scheduledAt            sql.NullTime
		runnerID               sql.NullInt64
		startedAt, finishedAt  sql.NullTime
	)
	err := row.Scan(&b.ID, &b.PipelineID, &b.ProjectID, &b.Name, &b.Stage, &b.StageIdx, &status, &when, &tags, &b.Protected,
		&schedulingType, &needs, &b.AllowFailure, &scheduledAt, &runnerID, &reason,
		&b.CreatedAt, &b.UpdatedAt, &startedAt, &finishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan build")
	}
	b.Status = ci.Status(status)
	b.When = ci.When(when)
	b.SchedulingType = ci.SchedulingType(schedulingType.String)
	b.FailureReason = ci.FailureReason(reason.String)
	if err := json.Unmarshal(tags, &b.Tags); err != nil {
		return nil, errors.Wrap(err, "decode build tags")
	}
	if err := json.Unmarshal(needs, &b.Needs); err != nil {
		return nil, errors.Wrap(err, "decode build needs")
	}
	if scheduledAt.Valid {
		b.ScheduledAt = &scheduledAt.Time
	}
	if runnerID.Valid {
		b.RunnerID = &runnerID.Int64
	}
	if startedAt.Valid {
		b.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		b.FinishedAt = &finishedAt.Time
	}
	return &b, nil
}

func scanRunner(row scanner, withTags bool) (*ci.Runner, error) {
	var (
		r           ci.Runner
		runnerType  string
		projects    []byte
		tags        []byte
		contactedAt sql.NullTime
	)
	dest := []any{&r.ID, &r.Token, &r.Description, &runnerType, &projects, &r.Protected, &r.Active, &contactedAt}
	if withTags {
		dest = append(dest, &tags)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "scan runner")
	}
	r.RunnerType = ci.RunnerType(runnerType)
	if err := json.Unmarshal(projects, &r.ProjectIDs); err != nil {
		return nil, errors.Wrap(err, "decode runner projects")
	}
	if withTags {
		if err := json.Unmarshal(tags, &r.Tags); err != nil {
			return nil, errors.Wrap(err, "decode runner tags")
		}
	}
	if contactedAt.Valid {
		r.ContactedAt = &contactedAt.Time
	}
	return &r, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func encodeLists(tags, needs []string) ([]byte, []byte, error) {
	t, err := json.Marshal(nonNil(tags))
	if err != nil {
		return nil, nil, err
	}
	n, err := json.Marshal(nonNil(needs))
	if err != nil {
		return nil, nil, err
	}
	return t, n, nil
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func nonNilIDs(list []int64) []int64 {
	if list == nil {
		return []int64{}
	}
	return list
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
