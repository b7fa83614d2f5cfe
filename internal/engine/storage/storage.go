// Package storage is the PostgreSQL persistence for the job engine. Every
// operation that reads and mutates related rows runs inside one
// transaction; write conflicts and deadlocks are surfaced as transient
// errors so callers can retry with backoff.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cloudweav/jobcore/internal/engine/domain"
)

// Storage implements the engine's job, sync queue and join store
// interfaces on top of PostgreSQL.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger

	lockMu   sync.Mutex
	lockConn *sql.Conn
}

// New creates a storage instance over an established connection pool.
func New(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// inTx runs fn inside a transaction, committing on success.
func (s *Storage) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", mapError(err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return mapError(err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", mapError(err))
	}
	return nil
}

// Postgres error classes worth a retry: serialization failures, deadlocks
// and unique violations from concurrent create-if-absent races.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqUniqueViolation      = "23505"
)

// mapError wraps retryable driver errors as domain.TransientError and
// passes everything else through.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqSerializationFailure, pqDeadlockDetected, pqUniqueViolation:
			return domain.NewTransientError(err)
		}
	}
	return err
}

// TryLock acquires the cluster-wide advisory lock without blocking. The
// lock is session-scoped, so the connection is pinned until Unlock.
func (s *Storage) TryLock(ctx context.Context, key int64) (bool, error) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	if s.lockConn != nil {
		return false, nil
	}

	conn, err := s.db.DB.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("try advisory lock %d: %w", key, err)
	}
	if !acquired {
		_ = conn.Close()
		return false, nil
	}

	s.lockConn = conn
	return true, nil
}

// Unlock releases the advisory lock and returns the pinned connection to
// the pool.
func (s *Storage) Unlock(ctx context.Context, key int64) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	if s.lockConn == nil {
		return nil
	}
	_, err := s.lockConn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, key)
	_ = s.lockConn.Close()
	s.lockConn = nil
	if err != nil {
		return fmt.Errorf("release advisory lock %d: %w", key, err)
	}
	return nil
}
