package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/visionq/internal/domain"
)

var columns = []string{
	"id", "owner_id", "payload_ref", "parameters", "state", "attempt_count", "max_attempts",
	"version", "created_at", "updated_at", "deadline_at", "run_at", "result_ref", "error", "last_failure",
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock, db
}

func testJob(now time.Time) *domain.Job {
	return &domain.Job{
		ID:           "job-1",
		OwnerID:      "u1",
		PayloadRef:   "uploads/img1.jpg",
		Parameters:   domain.Parameters{ConfidenceThreshold: domain.Float(0.5), MaxObjects: 10}.WithDefaults(),
		State:        domain.Pending,
		AttemptCount: 1,
		MaxAttempts:  3,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
		DeadlineAt:   now.Add(time.Hour),
		RunAt:        now,
	}
}

func TestInsert(t *testing.T) {
	s, mock, _ := newMock(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	j := testJob(now)

	mock.ExpectExec(`insert into jobs`).
		WithArgs("job-1", "u1", "uploads/img1.jpg", sqlmock.AnyArg(), "PENDING", 1, 3,
			int64(1), now, now, now.Add(time.Hour), now, nil, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Insert(context.Background(), j))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertDuplicate(t *testing.T) {
	s, mock, _ := newMock(t)
	j := testJob(time.Now())

	mock.ExpectExec(`insert into jobs`).WillReturnError(&pgconn.PgError{Code: "23505"})

	err := s.Insert(context.Background(), j)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet(t *testing.T) {
	s, mock, _ := newMock(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	rows := sqlmock.NewRows(columns).AddRow(
		"job-1", "u1", "uploads/img1.jpg",
		[]byte(`{"confidence_threshold":0.5,"max_objects":10,"model_types":["DETECTION","POSE"],"model_size":"small"}`),
		"FAILED", int64(3), int64(3), int64(7), now, now, now.Add(time.Hour), now,
		nil, []byte(`{"kind":"RetryExhausted","cause":"Timeout","message":"too slow"}`),
		[]byte(`{"kind":"Timeout","message":"too slow"}`),
	)
	mock.ExpectQuery(`select .* from jobs where id = \$1`).WithArgs("job-1").WillReturnRows(rows)

	j, err := s.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, j.State)
	assert.Equal(t, 3, j.AttemptCount)
	assert.Equal(t, int64(7), j.Version)
	assert.Equal(t, 0.5, j.Parameters.Threshold())
	assert.Equal(t, 10, j.Parameters.MaxObjects)
	assert.Equal(t, []domain.ModelType{domain.ModelDetection, domain.ModelPose}, j.Parameters.ModelTypes)
	assert.Nil(t, j.ResultRef)
	require.NotNil(t, j.Error)
	assert.Equal(t, domain.KindRetryExhausted, j.Error.Kind)
	assert.Equal(t, domain.KindTimeout, j.Error.Cause)
	require.NotNil(t, j.LastFailure)
	assert.Equal(t, domain.KindTimeout, j.LastFailure.Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	s, mock, _ := newMock(t)
	mock.ExpectQuery(`select .* from jobs where id = \$1`).WithArgs("nope").WillReturnRows(sqlmock.NewRows(columns))

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCompareAndSwap(t *testing.T) {
	s, mock, _ := newMock(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	j := testJob(now)
	ref := "results/job-1.json"
	j.State = domain.Succeeded
	j.ResultRef = &ref

	mock.ExpectQuery(`update jobs`).
		WithArgs("SUCCEEDED", 1, now, ref, nil, nil, now, "job-1", "DISPATCHED", 1).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(3)))

	ok, err := s.CompareAndSwap(context.Background(), j, domain.Dispatched, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(3), j.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompareAndSwapConflict(t *testing.T) {
	s, mock, _ := newMock(t)
	j := testJob(time.Now())
	j.Version = 5

	mock.ExpectQuery(`update jobs`).WillReturnRows(sqlmock.NewRows([]string{"version"}))

	ok, err := s.CompareAndSwap(context.Background(), j, domain.Pending, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(5), j.Version, "version untouched when the swap loses")
}

func TestListOverdue(t *testing.T) {
	s, mock, _ := newMock(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	params := []byte(`{"confidence_threshold":0.25,"max_objects":300,"model_types":["DETECTION","POSE"],"model_size":"small"}`)

	rows := sqlmock.NewRows(columns).
		AddRow("a", "u1", "p1", params, "DISPATCHED", int64(1), int64(3), int64(2), now, now, now.Add(-time.Minute), now, nil, nil, nil).
		AddRow("b", "u1", "p2", params, "PENDING", int64(3), int64(3), int64(6), now, now, now.Add(-time.Second), now, nil, nil, nil)
	mock.ExpectQuery(`deadline_at < \$1`).WithArgs(now, 50).WillReturnRows(rows)

	jobs, err := s.ListOverdue(context.Background(), now, 50)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].ID)
	assert.Equal(t, domain.Dispatched, jobs[0].State)
	assert.Equal(t, 3, jobs[1].AttemptCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListStalePendingRejectsUnknownState(t *testing.T) {
	s, mock, _ := newMock(t)
	now := time.Now().UTC()
	params := []byte(`{}`)

	rows := sqlmock.NewRows(columns).
		AddRow("a", "u1", "p1", params, "queued", int64(1), int64(3), int64(1), now, now, now, now, nil, nil, nil)
	mock.ExpectQuery(`state = 'PENDING'`).WithArgs(now, 10).WillReturnRows(rows)

	_, err := s.ListStalePending(context.Background(), now, 10)
	assert.Error(t, err)
}

func TestLeader(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	l := NewLeader(db, 42)
	ctx := context.Background()

	mock.ExpectQuery(`select pg_try_advisory_lock\(\$1\)`).WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))
	ok, err := l.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectQuery(`select pg_try_advisory_lock\(\$1\)`).WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	ok, err = l.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// Held: no new lock query, only a liveness check on the pinned session.
	ok, err = l.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(`select pg_advisory_unlock\(\$1\)`).WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, l.Release(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLeaderUnlocksWhenSessionCheckFailsOnShutdown(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	l := NewLeader(db, 42)
	mock.ExpectQuery(`select pg_try_advisory_lock\(\$1\)`).WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mock.ExpectPing().WillReturnError(context.Canceled)
	mock.ExpectExec(`select pg_advisory_unlock\(\$1\)`).WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = l.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)

	require.NoError(t, l.Release(context.Background()), "nothing left to release")
	assert.NoError(t, mock.ExpectationsWereMet())
}
