package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudweav/jobcore/internal/engine/domain"
)

const joinColumns = `id, job_id, joined_job_id, owner_node, wakeup_handler, wakeup_dispatcher,
	poll_interval_ms, next_wakeup, expiration, created`

// joinRow is the table shape of a join record; the poll interval is
// stored in milliseconds.
type joinRow struct {
	ID               int64     `db:"id"`
	JobID            int64     `db:"job_id"`
	JoinedJobID      int64     `db:"joined_job_id"`
	OwnerNode        string    `db:"owner_node"`
	WakeupHandler    string    `db:"wakeup_handler"`
	WakeupDispatcher string    `db:"wakeup_dispatcher"`
	PollIntervalMS   int64     `db:"poll_interval_ms"`
	NextWakeup       time.Time `db:"next_wakeup"`
	Expiration       time.Time `db:"expiration"`
	Created          time.Time `db:"created"`
}

func (r *joinRow) toDomain() *domain.JoinRecord {
	return &domain.JoinRecord{
		ID:               r.ID,
		JobID:            r.JobID,
		JoinedJobID:      r.JoinedJobID,
		OwnerNode:        r.OwnerNode,
		WakeupHandler:    r.WakeupHandler,
		WakeupDispatcher: r.WakeupDispatcher,
		PollInterval:     time.Duration(r.PollIntervalMS) * time.Millisecond,
		NextWakeup:       r.NextWakeup,
		Expiration:       r.Expiration,
		Created:          r.Created,
	}
}

// Insert stores a join record and fills in the assigned id.
func (s *Storage) Insert(ctx context.Context, rec *domain.JoinRecord) (int64, error) {
	query := `
		INSERT INTO job_joins (job_id, joined_job_id, owner_node, wakeup_handler, wakeup_dispatcher,
			poll_interval_ms, next_wakeup, expiration)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created`

	err := s.db.QueryRowxContext(ctx, query,
		rec.JobID, rec.JoinedJobID, rec.OwnerNode, rec.WakeupHandler, rec.WakeupDispatcher,
		rec.PollInterval.Milliseconds(), rec.NextWakeup, rec.Expiration,
	).Scan(&rec.ID, &rec.Created)
	if err != nil {
		return 0, fmt.Errorf("insert join of job %d on %d: %w", rec.JobID, rec.JoinedJobID, mapError(err))
	}
	return rec.ID, nil
}

// Delete removes the record linking jobID to joinedJobID and returns the
// number of records removed.
func (s *Storage) Delete(ctx context.Context, jobID, joinedJobID int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM job_joins WHERE job_id = $1 AND joined_job_id = $2`, jobID, joinedJobID)
	if err != nil {
		return 0, fmt.Errorf("delete join of job %d on %d: %w", jobID, joinedJobID, mapError(err))
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

// DeleteByID removes one join record.
func (s *Storage) DeleteByID(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_joins WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete join record %d: %w", id, mapError(err))
	}
	return nil
}

// FindJoinersOf lists the records of jobs waiting on the given job.
func (s *Storage) FindJoinersOf(ctx context.Context, joinedJobID int64) ([]*domain.JoinRecord, error) {
	rows := []joinRow{}
	query := `SELECT ` + joinColumns + ` FROM job_joins WHERE joined_job_id = $1 ORDER BY id`
	if err := s.db.SelectContext(ctx, &rows, query, joinedJobID); err != nil {
		return nil, fmt.Errorf("list joiners of job %d: %w", joinedJobID, mapError(err))
	}
	return joinRowsToDomain(rows), nil
}

// FindDue returns unexpired records whose next wakeup time has passed.
func (s *Storage) FindDue(ctx context.Context, now time.Time, limit int) ([]*domain.JoinRecord, error) {
	rows := []joinRow{}
	query := `
		SELECT ` + joinColumns + ` FROM job_joins
		WHERE next_wakeup <= $1 AND expiration > $1
		ORDER BY next_wakeup, id
		LIMIT NULLIF($2, 0)`
	if err := s.db.SelectContext(ctx, &rows, query, now, limit); err != nil {
		return nil, fmt.Errorf("list due join records: %w", mapError(err))
	}
	return joinRowsToDomain(rows), nil
}

// FindExpired returns records whose expiration has passed.
func (s *Storage) FindExpired(ctx context.Context, now time.Time, limit int) ([]*domain.JoinRecord, error) {
	rows := []joinRow{}
	query := `
		SELECT ` + joinColumns + ` FROM job_joins
		WHERE expiration <= $1
		ORDER BY expiration, id
		LIMIT NULLIF($2, 0)`
	if err := s.db.SelectContext(ctx, &rows, query, now, limit); err != nil {
		return nil, fmt.Errorf("list expired join records: %w", mapError(err))
	}
	return joinRowsToDomain(rows), nil
}

// UpdateNextWakeup advances the record's next poll deadline.
func (s *Storage) UpdateNextWakeup(ctx context.Context, id int64, next time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE job_joins SET next_wakeup = $1 WHERE id = $2`, next, id)
	if err != nil {
		return fmt.Errorf("update next wakeup of join record %d: %w", id, mapError(err))
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return domain.ErrJoinNotFound
	}
	return nil
}

func joinRowsToDomain(rows []joinRow) []*domain.JoinRecord {
	out := make([]*domain.JoinRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out
}
