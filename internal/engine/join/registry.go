package join

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/cloudweav/jobcore/internal/engine/domain"
)

// Store persists join records.
type Store interface {
	Insert(ctx context.Context, rec *domain.JoinRecord) (int64, error)
	// Delete removes the record linking jobID to joinedJobID and returns
	// the number of records removed.
	Delete(ctx context.Context, jobID, joinedJobID int64) (int, error)
	DeleteByID(ctx context.Context, id int64) error
	FindJoinersOf(ctx context.Context, joinedJobID int64) ([]*domain.JoinRecord, error)
	// FindDue returns unexpired records whose next wakeup time has passed.
	FindDue(ctx context.Context, now time.Time, limit int) ([]*domain.JoinRecord, error)
	// FindExpired returns records whose expiration has passed.
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*domain.JoinRecord, error)
	UpdateNextWakeup(ctx context.Context, id int64, next time.Time) error
}

// Jobs is the slice of the job store the registry needs: marking the wakeup
// signal durably so delivery survives lost notifications and restarts.
type Jobs interface {
	FindByID(ctx context.Context, id int64) (*domain.Job, error)
	// SetWakeup sets the WAKEUP pending signal and records which
	// dispatcher resumes the job.
	SetWakeup(ctx context.Context, jobID int64, wakeupDispatcher, wakeupHandler string) error
}

// Registry records "job A waits on job B" dependencies and resolves them
// when B completes or when the periodic scan finds a due or expired join.
// Resolution only marks durable state; actual re-scheduling of the woken
// job is the scheduler's business.
type Registry struct {
	store  Store
	jobs   Jobs
	logger *slog.Logger
}

// NewRegistry creates a join registry.
func NewRegistry(store Store, jobs Jobs, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		jobs:   jobs,
		logger: logger,
	}
}

// Join records that jobID suspends until joinedJobID completes, polling at
// pollInterval and giving up after timeout. The named wakeup dispatcher is
// the one resumed instead of the job's primary dispatcher.
func (r *Registry) Join(ctx context.Context, jobID, joinedJobID int64, ownerNode, wakeupHandler, wakeupDispatcher string, pollInterval, timeout time.Duration) error {
	now := time.Now()
	rec := &domain.JoinRecord{
		JobID:            jobID,
		JoinedJobID:      joinedJobID,
		OwnerNode:        ownerNode,
		WakeupHandler:    wakeupHandler,
		WakeupDispatcher: wakeupDispatcher,
		PollInterval:     pollInterval,
		NextWakeup:       now.Add(pollInterval),
		Expiration:       now.Add(timeout),
		Created:          now,
	}
	if _, err := r.store.Insert(ctx, rec); err != nil {
		return fmt.Errorf("insert join %d->%d: %w", jobID, joinedJobID, err)
	}

	r.logger.Debug("Join recorded",
		slog.Int64("job_id", jobID),
		slog.Int64("joined_job_id", joinedJobID),
		slog.Duration("poll_interval", pollInterval),
		slog.Duration("timeout", timeout),
	)
	return nil
}

// Disjoin releases the dependency early, for callers that no longer need
// to wait. Missing records are not an error; the join may already have
// been resolved.
func (r *Registry) Disjoin(ctx context.Context, jobID, joinedJobID int64) error {
	n, err := r.store.Delete(ctx, jobID, joinedJobID)
	if err != nil {
		return fmt.Errorf("disjoin %d->%d: %w", jobID, joinedJobID, err)
	}
	if n > 0 {
		r.logger.Debug("Join released",
			slog.Int64("job_id", jobID),
			slog.Int64("joined_job_id", joinedJobID),
		)
	}
	return nil
}

// ResolveCompleted handles the completion of joinedJobID: every joiner's
// record is cleared and its WAKEUP signal set durably. Returns the ids of
// the woken jobs so the scheduler can resubmit the ones not gated by a
// sync queue.
func (r *Registry) ResolveCompleted(ctx context.Context, joinedJobID int64) ([]int64, error) {
	recs, err := r.store.FindJoinersOf(ctx, joinedJobID)
	if err != nil {
		return nil, fmt.Errorf("find joiners of %d: %w", joinedJobID, err)
	}

	var woken []int64
	var errs *multierror.Error
	for _, rec := range recs {
		if err := r.store.DeleteByID(ctx, rec.ID); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if err := r.jobs.SetWakeup(ctx, rec.JobID, rec.WakeupDispatcher, rec.WakeupHandler); err != nil {
			if errors.Is(err, domain.ErrJobNotFound) {
				continue
			}
			errs = multierror.Append(errs, err)
			continue
		}
		woken = append(woken, rec.JobID)
		r.logger.Info("Joined job woken by completion",
			slog.Int64("job_id", rec.JobID),
			slog.Int64("joined_job_id", joinedJobID),
		)
	}
	return woken, errs.ErrorOrNil()
}

// WakeupScan drives the at-least-once side of wakeup delivery. Joins whose
// poll time has elapsed get their WAKEUP signal set again and their next
// wakeup advanced; joins past expiration are removed for good. The
// returned job ids are re-armed by the caller (queue markers reset or job
// resubmitted) so forward progress is guaranteed even when a completion
// notification was lost.
func (r *Registry) WakeupScan(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	var woken []int64
	var errs *multierror.Error

	expired, err := r.store.FindExpired(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("find expired joins: %w", err)
	}
	for _, rec := range expired {
		if err := r.store.DeleteByID(ctx, rec.ID); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if err := r.jobs.SetWakeup(ctx, rec.JobID, rec.WakeupDispatcher, rec.WakeupHandler); err != nil {
			if !errors.Is(err, domain.ErrJobNotFound) {
				errs = multierror.Append(errs, err)
			}
			continue
		}
		woken = append(woken, rec.JobID)
		r.logger.Warn("Join expired, waking joiner",
			slog.Int64("job_id", rec.JobID),
			slog.Int64("joined_job_id", rec.JoinedJobID),
			slog.Time("expiration", rec.Expiration),
		)
	}

	due, err := r.store.FindDue(ctx, now, limit)
	if err != nil {
		return woken, fmt.Errorf("find due joins: %w", err)
	}
	for _, rec := range due {
		if err := r.store.UpdateNextWakeup(ctx, rec.ID, now.Add(rec.PollInterval)); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if err := r.jobs.SetWakeup(ctx, rec.JobID, rec.WakeupDispatcher, rec.WakeupHandler); err != nil {
			if !errors.Is(err, domain.ErrJobNotFound) {
				errs = multierror.Append(errs, err)
			}
			continue
		}
		woken = append(woken, rec.JobID)
		r.logger.Debug("Join poll due, waking joiner",
			slog.Int64("job_id", rec.JobID),
			slog.Int64("joined_job_id", rec.JoinedJobID),
		)
	}

	return woken, errs.ErrorOrNil()
}
