package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Leader holds a session-level Postgres advisory lock on a dedicated
// connection. Advisory locks belong to the session, so the connection is
// pinned for as long as leadership is held, and a connection that may still
// hold the lock is discarded rather than returned to the pool.
type Leader struct {
	db  *sql.DB
	key int64

	mu   sync.Mutex
	conn *sql.Conn
	held bool
}

func NewLeader(db *sql.DB, key int64) *Leader {
	return &Leader{db: db, key: key}
}

const unlockTimeout = 2 * time.Second

// Acquire returns true while this process holds the lock. A broken session
// drops leadership and the next call tries again on a fresh connection.
func (l *Leader) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		if err := l.conn.PingContext(ctx); err == nil {
			return true, nil
		}
		// ctx may already be cancelled; unlock on a context of our own.
		unlock, cancel := context.WithTimeout(context.Background(), unlockTimeout)
		_ = l.unlockLocked(unlock)
		cancel()
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
	}
	if l.conn == nil {
		conn, err := l.db.Conn(ctx)
		if err != nil {
			return false, errors.Wrap(err, "open leader connection")
		}
		l.conn = conn
	}

	var ok bool
	if err := l.conn.QueryRowContext(ctx, "select pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		// The lock may have been granted before the error.
		l.discardLocked()
		return false, errors.Wrap(err, "try advisory lock")
	}
	l.held = ok
	return ok, nil
}

// Release gives up leadership and returns the connection to the pool.
func (l *Leader) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}
	return l.unlockLocked(ctx)
}

// unlockLocked releases the lock and the connection. When the unlock fails
// the connection is discarded, which ends the session and frees the lock.
func (l *Leader) unlockLocked(ctx context.Context) error {
	if !l.held {
		l.closeLocked()
		return nil
	}
	if _, err := l.conn.ExecContext(ctx, "select pg_advisory_unlock($1)", l.key); err != nil {
		l.discardLocked()
		return errors.Wrap(err, "advisory unlock")
	}
	l.closeLocked()
	return nil
}

func (l *Leader) discardLocked() {
	if l.conn != nil {
		_ = l.conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	l.closeLocked()
}

func (l *Leader) closeLocked() {
	if l.conn != nil {
		_ = l.conn.Close()
	}
	l.conn = nil
	l.held = false
}
