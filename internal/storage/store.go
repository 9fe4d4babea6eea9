package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/SirClappington/visionq/internal/domain"
)

var ErrDuplicate = stderrors.New("job already exists")

// Store is the Postgres job store. It is the single source of truth for
// job state; every mutation after insert goes through CompareAndSwap.
type Store struct{ db *sql.DB }

func New(db *sql.DB) *Store { return &Store{db} }

const jobColumns = `id, owner_id, payload_ref, parameters, state, attempt_count, max_attempts,
version, created_at, updated_at, deadline_at, run_at, result_ref, error, last_failure`

// Insert persists a new job row.
func (s *Store) Insert(ctx context.Context, j *domain.Job) error {
	params, err := json.Marshal(j.Parameters)
	if err != nil {
		return errors.Wrap(err, "marshal parameters")
	}
	jobErr, err := jsonOrNil(j.Error)
	if err != nil {
		return err
	}
	lastFailure, err := jsonOrNil(j.LastFailure)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `insert into jobs(`+jobColumns+`)
values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		j.ID, j.OwnerID, j.PayloadRef, params, string(j.State), j.AttemptCount, j.MaxAttempts,
		j.Version, j.CreatedAt.UTC(), j.UpdatedAt.UTC(), j.DeadlineAt.UTC(), j.RunAt.UTC(),
		stringOrNil(j.ResultRef), jobErr, lastFailure,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == "23505" {
			return errors.Wrapf(ErrDuplicate, "insert job %s", j.ID)
		}
		return errors.Wrapf(err, "insert job %s", j.ID)
	}
	return nil
}

// Get returns the job or domain.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `select `+jobColumns+` from jobs where id = $1`, id)
	j, err := scanJob(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get job %s", id)
	}
	return j, nil
}

// CompareAndSwap writes next only if the stored row still has the expected
// state and attempt count. It reports false when another writer got there
// first. On success next.Version holds the committed version.
func (s *Store) CompareAndSwap(ctx context.Context, next *domain.Job, expectedState domain.State, expectedAttempt int) (bool, error) {
	jobErr, err := jsonOrNil(next.Error)
	if err != nil {
		return false, err
	}
	lastFailure, err := jsonOrNil(next.LastFailure)
	if err != nil {
		return false, err
	}
	var version int64
	err = s.db.QueryRowContext(ctx, `update jobs
   set state = $1,
       attempt_count = $2,
       run_at = $3,
       result_ref = $4,
       error = $5,
       last_failure = $6,
       updated_at = $7,
       version = version + 1
 where id = $8
   and state = $9
   and attempt_count = $10
returning version`,
		string(next.State), next.AttemptCount, next.RunAt.UTC(), stringOrNil(next.ResultRef),
		jobErr, lastFailure, next.UpdatedAt.UTC(),
		next.ID, string(expectedState), expectedAttempt,
	).Scan(&version)
	if stderrors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "compare and swap job %s", next.ID)
	}
	next.Version = version
	return true, nil
}

// ListOverdue returns non-terminal jobs whose deadline passed before now.
func (s *Store) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	return s.list(ctx, `select `+jobColumns+` from jobs
 where state in ('PENDING', 'DISPATCHED', 'RUNNING')
   and deadline_at < $1
 order by deadline_at asc
 limit $2`, now.UTC(), limit)
}

// ListStalePending returns PENDING jobs that became due for dispatch before
// the given instant and are still waiting.
func (s *Store) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*domain.Job, error) {
	return s.list(ctx, `select `+jobColumns+` from jobs
 where state = 'PENDING'
   and run_at < $1
 order by run_at asc
 limit $2`, before.UTC(), limit)
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	defer rows.Close()

	var out []*domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		out = append(out, j)
	}
	return out, errors.Wrap(rows.Err(), "iterate jobs")
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		j                   domain.Job
		state               string
		params              []byte
		resultRef           sql.NullString
		jobErr, lastFailure []byte
	)
	if err := row.Scan(&j.ID, &j.OwnerID, &j.PayloadRef, &params, &state, &j.AttemptCount, &j.MaxAttempts,
		&j.Version, &j.CreatedAt, &j.UpdatedAt, &j.DeadlineAt, &j.RunAt, &resultRef, &jobErr, &lastFailure); err != nil {
		return nil, err
	}
	st, err := domain.ParseState(state)
	if err != nil {
		return nil, err
	}
	j.State = st
	if err := json.Unmarshal(params, &j.Parameters); err != nil {
		return nil, errors.Wrap(err, "decode parameters")
	}
	if resultRef.Valid {
		v := resultRef.String
		j.ResultRef = &v
	}
	if len(jobErr) > 0 {
		j.Error = &domain.JobError{}
		if err := json.Unmarshal(jobErr, j.Error); err != nil {
			return nil, errors.Wrap(err, "decode error")
		}
	}
	if len(lastFailure) > 0 {
		j.LastFailure = &domain.Failure{}
		if err := json.Unmarshal(lastFailure, j.LastFailure); err != nil {
			return nil, errors.Wrap(err, "decode last failure")
		}
	}
	return &j, nil
}

func stringOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func jsonOrNil[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "marshal json column")
	}
	return b, nil
}
