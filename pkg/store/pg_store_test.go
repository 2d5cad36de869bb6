package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyvo/ci/backend/pkg/ci"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

func TestPostgresCreateQueueEntryReportsCreated(t *testing.T) {
	s, mock := newMockStore(t)
	entry := ci.QueueEntry{BuildID: 5, ProjectID: 1, Tags: []string{"docker"}, CreatedAt: time.Now()}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO ci_pending_builds`)).
		WithArgs(int64(5), int64(1), false, []byte(`["docker"]`), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO ci_pending_builds`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	var first, second bool
	err := s.WithinTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		if first, err = tx.CreateQueueEntry(ctx, entry); err != nil {
			return err
		}
		second, err = tx.CreateQueueEntry(ctx, entry)
		return err
	})
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresTransactionRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM ci_pending_builds`)).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := s.WithinTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		n, err := tx.DeleteQueueEntry(ctx, 9)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPendingStateUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO ci_build_pending_states`)).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := s.CreatePendingState(context.Background(), ci.PendingState{BuildID: 3, State: ci.StatusSuccess})
	require.ErrorIs(t, err, ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetBuildNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM ci_builds WHERE id=$1`)).
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetBuild(context.Background(), 42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresGetBuildForUpdate(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	cols := []string{"id", "pipeline_id", "project_id", "name", "stage", "stage_idx", "status", "when", "tags", "protected",
		"scheduling_type", "needs", "allow_failure", "scheduled_at", "runner_id", "failure_reason",
		"created_at", "updated_at", "started_at", "finished_at"}
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			int64(7), int64(1), int64(2), "rspec", "test", 1, "pending", "on_success", []byte(`["docker"]`), true,
			"stage", []byte(`[]`), false, nil, nil, nil,
			now, now, nil, nil))
	mock.ExpectCommit()

	var got *ci.Build
	err := s.WithinTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		var err error
		got, err = tx.GetBuildForUpdate(ctx, 7)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, ci.StatusPending, got.Status)
	assert.Equal(t, []string{"docker"}, got.Tags)
	assert.True(t, got.Protected)
	assert.Equal(t, ci.SchedulingStage, got.SchedulingType)
	assert.Nil(t, got.RunnerID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreateRunnerDuplicateToken(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO ci_runners`)).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := s.CreateRunner(context.Background(), &ci.Runner{Token: "dup"})
	require.ErrorIs(t, err, ErrAlreadyExists)
}
