package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/cloudweav/jobcore/internal/engine/domain"
)

const jobColumns = `id, dispatcher, cmd, cmd_info, status, process_status, result_code, result,
	pending_signals, wakeup_dispatcher, wakeup_handler, init_owner, executing_owner,
	completing_owner, instance_type, instance_id, created, last_updated, last_polled`

// Persist inserts the job and fills in the store-assigned id and
// timestamps.
func (s *Storage) Persist(ctx context.Context, job *domain.Job) (int64, error) {
	query := `
		INSERT INTO jobs (dispatcher, cmd, cmd_info, status, process_status, result_code, result,
			pending_signals, wakeup_dispatcher, wakeup_handler, init_owner, executing_owner,
			completing_owner, instance_type, instance_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING id, created, last_updated, last_polled`

	err := s.db.QueryRowxContext(ctx, query,
		job.Dispatcher, job.Cmd, job.CmdInfo, job.Status, job.ProcessStatus, job.ResultCode,
		job.Result, job.PendingSignals, job.WakeupDispatcher, job.WakeupHandler, job.InitOwner,
		job.ExecutingOwner, job.CompletingOwner, job.InstanceType, job.InstanceID,
	).Scan(&job.ID, &job.Created, &job.LastUpdated, &job.LastPolled)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", mapError(err))
	}
	return job.ID, nil
}

// FindByID fetches one job, returning domain.ErrJobNotFound when absent.
func (s *Storage) FindByID(ctx context.Context, id int64) (*domain.Job, error) {
	var job domain.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	if err := s.db.GetContext(ctx, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("select job %d: %w", id, mapError(err))
	}
	return &job, nil
}

// List pages jobs newest first using a (created, id) keyset cursor.
func (s *Storage) List(ctx context.Context, f domain.JobFilter) ([]*domain.Job, error) {
	conditions := make([]string, 0, 5)
	args := make([]any, 0, 6)

	addCondition := func(clause string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}

	if f.Status != "" {
		addCondition("status = $%d", f.Status)
	}
	if f.Dispatcher != "" {
		addCondition("dispatcher = $%d", f.Dispatcher)
	}
	if f.InstanceType != "" {
		addCondition("instance_type = $%d", f.InstanceType)
	}
	if f.InstanceID != 0 {
		addCondition("instance_id = $%d", f.InstanceID)
	}
	if f.Cursor != nil {
		args = append(args, f.Cursor.Created, f.Cursor.ID)
		conditions = append(conditions, fmt.Sprintf("(created, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created DESC, id DESC"
	if f.PageSize > 0 {
		args = append(args, f.PageSize)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	jobs := []*domain.Job{}
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, fmt.Errorf("list jobs: %w", mapError(err))
	}
	return jobs, nil
}

// MarkInProgress transitions a non-terminal job to IN_PROGRESS under the
// executing owner.
func (s *Storage) MarkInProgress(ctx context.Context, id int64, owner string) (*domain.Job, error) {
	var job domain.Job
	query := `
		UPDATE jobs
		SET status = $1, executing_owner = $2, last_updated = NOW()
		WHERE id = $3 AND status IN ($4, $5)
		RETURNING ` + jobColumns

	err := s.db.GetContext(ctx, &job, query,
		domain.JobStatusInProgress, owner, id, domain.JobStatusQueued, domain.JobStatusInProgress)
	if err == nil {
		return &job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mark job %d in progress: %w", id, mapError(err))
	}

	existing, findErr := s.FindByID(ctx, id)
	if findErr != nil {
		return nil, findErr
	}
	if existing.Status.IsTerminal() {
		return nil, domain.ErrJobTerminal
	}
	return nil, fmt.Errorf("mark job %d in progress: unexpected status %s", id, existing.Status)
}

// UpdateProgress records interim progress on a running job.
func (s *Storage) UpdateProgress(ctx context.Context, id int64, processStatus int, result string) error {
	query := `
		UPDATE jobs
		SET process_status = $1, result = $2, last_updated = NOW()
		WHERE id = $3 AND status = $4`

	res, err := s.db.ExecContext(ctx, query, processStatus, result, id, domain.JobStatusInProgress)
	if err != nil {
		return fmt.Errorf("update job %d progress: %w", id, mapError(err))
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		if _, findErr := s.FindByID(ctx, id); findErr != nil {
			return findErr
		}
		return domain.ErrJobNotRunning
	}
	return nil
}

// Complete moves the job to a terminal state. It reports false without
// changes when the job already finished, making completion idempotent.
func (s *Storage) Complete(ctx context.Context, id int64, status domain.JobStatus, resultCode int, result, completingOwner string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = $1, result_code = $2, result = $3, completing_owner = $4,
			executing_owner = '', last_updated = NOW()
		WHERE id = $5 AND status NOT IN ($6, $7, $8)`

	res, err := s.db.ExecContext(ctx, query, status, resultCode, result, completingOwner, id,
		domain.JobStatusSucceeded, domain.JobStatusFailed, domain.JobStatusCancelled)
	if err != nil {
		return false, fmt.Errorf("complete job %d: %w", id, mapError(err))
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, findErr := s.FindByID(ctx, id); findErr != nil {
			return false, findErr
		}
		return false, nil
	}
	return true, nil
}

// TakeSignals atomically reads and clears the pending signal bits.
func (s *Storage) TakeSignals(ctx context.Context, id int64) (int, error) {
	query := `
		WITH current AS (
			SELECT id, pending_signals FROM jobs WHERE id = $1 FOR UPDATE
		)
		UPDATE jobs
		SET pending_signals = 0, last_updated = NOW()
		FROM current
		WHERE jobs.id = current.id
		RETURNING current.pending_signals`

	var signals int
	if err := s.db.QueryRowxContext(ctx, query, id).Scan(&signals); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrJobNotFound
		}
		return 0, fmt.Errorf("take signals of job %d: %w", id, mapError(err))
	}
	return signals, nil
}

// SetWakeup sets the WAKEUP signal bit and, when given, records the
// dispatcher that resumes the job after restarts.
func (s *Storage) SetWakeup(ctx context.Context, id int64, wakeupDispatcher, wakeupHandler string) error {
	query := `
		UPDATE jobs
		SET pending_signals = pending_signals | $1,
			wakeup_dispatcher = CASE WHEN $2 <> '' THEN $2 ELSE wakeup_dispatcher END,
			wakeup_handler = CASE WHEN $2 <> '' THEN $3 ELSE wakeup_handler END,
			last_updated = NOW()
		WHERE id = $4`

	res, err := s.db.ExecContext(ctx, query, domain.SignalWakeup, wakeupDispatcher, wakeupHandler, id)
	if err != nil {
		return fmt.Errorf("set wakeup on job %d: %w", id, mapError(err))
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// ClearExecutingOwner releases the execution claim of a suspended job.
func (s *Storage) ClearExecutingOwner(ctx context.Context, id int64) error {
	query := `UPDATE jobs SET executing_owner = '', last_updated = NOW() WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("clear executing owner of job %d: %w", id, mapError(err))
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// TouchPolled records that a client observed the job, resetting the
// completed-job retention clock.
func (s *Storage) TouchPolled(ctx context.Context, id int64, t time.Time) error {
	query := `UPDATE jobs SET last_polled = $1 WHERE id = $2`
	if _, err := s.db.ExecContext(ctx, query, t, id); err != nil {
		return fmt.Errorf("touch job %d: %w", id, mapError(err))
	}
	return nil
}

// FindPendingForInstance lists non-terminal jobs targeting one resource.
func (s *Storage) FindPendingForInstance(ctx context.Context, instanceType string, instanceID int64) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE instance_type = $1 AND instance_id = $2 AND status NOT IN ($3, $4, $5)
		ORDER BY created, id`

	jobs := []*domain.Job{}
	err := s.db.SelectContext(ctx, &jobs, query, instanceType, instanceID,
		domain.JobStatusSucceeded, domain.JobStatusFailed, domain.JobStatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs of %s/%d: %w", instanceType, instanceID, mapError(err))
	}
	return jobs, nil
}

// FindWakeupPending lists non-terminal jobs with an undelivered signal
// and no execution in flight, oldest first.
func (s *Storage) FindWakeupPending(ctx context.Context, limit int) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE pending_signals <> 0 AND executing_owner = '' AND status NOT IN ($1, $2, $3)
		ORDER BY last_updated, id
		LIMIT NULLIF($4, 0)`

	jobs := []*domain.Job{}
	err := s.db.SelectContext(ctx, &jobs, query,
		domain.JobStatusSucceeded, domain.JobStatusFailed, domain.JobStatusCancelled, limit)
	if err != nil {
		return nil, fmt.Errorf("list wakeup pending jobs: %w", mapError(err))
	}
	return jobs, nil
}

// FindExpiredUnfinished returns stale non-terminal jobs past the cutoff.
func (s *Storage) FindExpiredUnfinished(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE created < $1 AND status NOT IN ($2, $3, $4)
		ORDER BY created, id
		LIMIT $5`

	jobs := []*domain.Job{}
	err := s.db.SelectContext(ctx, &jobs, query, cutoff,
		domain.JobStatusSucceeded, domain.JobStatusFailed, domain.JobStatusCancelled, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired unfinished jobs: %w", mapError(err))
	}
	return jobs, nil
}

// FindExpiredCompleted returns terminal jobs nobody has polled since the
// cutoff.
func (s *Storage) FindExpiredCompleted(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE last_polled < $1 AND status IN ($2, $3, $4)
		ORDER BY last_polled, id
		LIMIT $5`

	jobs := []*domain.Job{}
	err := s.db.SelectContext(ctx, &jobs, query, cutoff,
		domain.JobStatusSucceeded, domain.JobStatusFailed, domain.JobStatusCancelled, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired completed jobs: %w", mapError(err))
	}
	return jobs, nil
}

// DeleteJobs removes jobs and their join records in one transaction.
func (s *Storage) DeleteJobs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM job_joins WHERE job_id = ANY($1) OR joined_job_id = ANY($1)`, pq.Array(ids)); err != nil {
			return fmt.Errorf("delete join records: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
			return fmt.Errorf("delete jobs: %w", err)
		}
		return nil
	})
}

// ResetOrphaned fails every non-terminal job still claimed by the given
// node and returns the affected ids.
func (s *Storage) ResetOrphaned(ctx context.Context, owner string, resultCode int, result string) ([]int64, error) {
	query := `
		UPDATE jobs
		SET status = $1, result_code = $2, result = $3, executing_owner = '',
			completing_owner = $4, last_updated = NOW()
		WHERE executing_owner = $4 AND status NOT IN ($5, $6, $7)
		RETURNING id`

	ids := []int64{}
	err := s.db.SelectContext(ctx, &ids, query, domain.JobStatusFailed, resultCode, result, owner,
		domain.JobStatusSucceeded, domain.JobStatusFailed, domain.JobStatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("reset orphaned jobs of %s: %w", owner, mapError(err))
	}
	return ids, nil
}
