package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/cloudweav/jobcore/internal/engine/domain"
)

// reaperLockKey identifies the cluster-wide advisory lock the reaper runs
// under. All nodes share the key; the one holding it reaps, the rest skip
// the cycle.
const reaperLockKey int64 = 0x6a6f6263_0001

// runReaperCycle expires old job records and force-cancels queue items
// blocked past the cancel threshold. Skipping a contended cycle is normal;
// another node is reaping.
func (e *Engine) runReaperCycle(ctx context.Context) error {
	ok, err := e.locker.TryLock(ctx, reaperLockKey)
	if err != nil {
		return err
	}
	if !ok {
		e.logger.Debug("Reaper lock held elsewhere, skipping cycle")
		return nil
	}
	defer func() {
		if err := e.locker.Unlock(ctx, reaperLockKey); err != nil {
			e.logger.Error("Failed to release reaper lock", slog.String("error", err.Error()))
		}
	}()

	var errs *multierror.Error
	now := time.Now()

	if err := e.expungeUnfinished(ctx, now.Add(-e.cfg.JobRetention)); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := e.expungeCompleted(ctx, now.Add(-e.cfg.JobRetention)); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := e.cancelBlockedItems(ctx, now.Add(-e.cfg.BlockedCancelThreshold)); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// expungeUnfinished removes non-terminal jobs older than the retention
// window. They were never picked up, or their owner is long gone; either
// way keeping them only blocks queues.
func (e *Engine) expungeUnfinished(ctx context.Context, cutoff time.Time) error {
	jobs, err := e.jobs.FindExpiredUnfinished(ctx, cutoff, e.cfg.ReaperBatch)
	if err != nil {
		return err
	}

	var errs *multierror.Error
	ids := make([]int64, 0, len(jobs))
	for _, job := range jobs {
		item, err := e.queues.ItemForJob(ctx, job.ID)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if item != nil {
			if err := e.queues.Release(ctx, item.ID); err != nil && !errors.Is(err, domain.ErrItemNotFound) {
				errs = multierror.Append(errs, err)
				continue
			}
		}
		ids = append(ids, job.ID)
		e.logger.Warn("Expunging expired unfinished job",
			slog.Int64("job_id", job.ID),
			slog.String("dispatcher", job.Dispatcher),
			slog.Time("created", job.Created),
		)
	}

	if len(ids) > 0 {
		if err := e.jobs.DeleteJobs(ctx, ids); err != nil {
			errs = multierror.Append(errs, err)
		} else {
			e.metrics.JobsReaped.Add(float64(len(ids)))
		}
	}
	return errs.ErrorOrNil()
}

// expungeCompleted enforces the retention policy on terminal jobs.
func (e *Engine) expungeCompleted(ctx context.Context, cutoff time.Time) error {
	jobs, err := e.jobs.FindExpiredCompleted(ctx, cutoff, e.cfg.ReaperBatch)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	ids := make([]int64, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID)
	}
	if err := e.jobs.DeleteJobs(ctx, ids); err != nil {
		return err
	}
	e.metrics.JobsReaped.Add(float64(len(ids)))
	e.logger.Info("Expunged expired completed jobs", slog.Int("count", len(ids)))
	return nil
}

// cancelBlockedItems force-fails queue items claimed longer than the
// cancel threshold so their queues can make progress, regardless of
// whether the dispatcher is still nominally running. Completion is
// idempotent, so a dispatcher finishing concurrently loses the race
// cleanly.
func (e *Engine) cancelBlockedItems(ctx context.Context, cutoff time.Time) error {
	items, err := e.queues.ItemsBlockedSince(ctx, cutoff, e.cfg.ReaperBatch)
	if err != nil {
		return err
	}

	var errs *multierror.Error
	for _, item := range items {
		e.logger.Warn("Force-cancelling sync queue item blocked too long",
			slog.Int64("item_id", item.ID),
			slog.Int64("queue_id", item.QueueID),
			slog.String("owner", item.ProcessingOwner),
		)
		if item.ContentType == domain.ContentTypeJob {
			if err := e.CompleteJob(ctx, item.ContentID, domain.JobStatusFailed, domain.ResultCodeTimeout,
				"job was blocked in its sync queue too long and has been cancelled"); err != nil {
				errs = multierror.Append(errs, err)
			}
			e.monitor.UnregisterByJobID(item.ContentID)
		}
		if err := e.queues.Release(ctx, item.ID); err != nil && !errors.Is(err, domain.ErrItemNotFound) {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
