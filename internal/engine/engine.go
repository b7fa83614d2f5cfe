// Package engine is the job lifecycle core: submission, durable state
// tracking, sync-queue gated scheduling, join/wakeup resolution, heartbeat
// monitoring and garbage collection. Business logic stays behind the
// Dispatcher interface; the engine never interprets a job's payload.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cloudweav/jobcore/internal/engine/domain"
	"github.com/cloudweav/jobcore/internal/engine/join"
	"github.com/cloudweav/jobcore/internal/engine/syncqueue"
)

// JobStore is the durable job persistence consumed by the engine. All
// multi-row mutations happen inside one transaction per call in the
// implementation.
type JobStore interface {
	Persist(ctx context.Context, job *domain.Job) (int64, error)
	FindByID(ctx context.Context, id int64) (*domain.Job, error)
	List(ctx context.Context, f domain.JobFilter) ([]*domain.Job, error)
	// MarkInProgress moves a non-terminal job to IN_PROGRESS under the
	// executing owner, returning domain.ErrJobTerminal when it already
	// finished.
	MarkInProgress(ctx context.Context, id int64, owner string) (*domain.Job, error)
	UpdateProgress(ctx context.Context, id int64, processStatus int, result string) error
	// Complete moves the job to a terminal state, reporting false without
	// changes when it is already terminal.
	Complete(ctx context.Context, id int64, status domain.JobStatus, resultCode int, result, completingOwner string) (bool, error)
	// TakeSignals atomically reads and clears the pending signal bits.
	TakeSignals(ctx context.Context, id int64) (int, error)
	SetWakeup(ctx context.Context, id int64, wakeupDispatcher, wakeupHandler string) error
	ClearExecutingOwner(ctx context.Context, id int64) error
	TouchPolled(ctx context.Context, id int64, t time.Time) error
	FindPendingForInstance(ctx context.Context, instanceType string, instanceID int64) ([]*domain.Job, error)
	// FindWakeupPending lists non-terminal jobs holding an undelivered
	// signal with no execution in flight.
	FindWakeupPending(ctx context.Context, limit int) ([]*domain.Job, error)
	FindExpiredUnfinished(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Job, error)
	FindExpiredCompleted(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Job, error)
	DeleteJobs(ctx context.Context, ids []int64) error
	// ResetOrphaned fails every non-terminal job executing on the given
	// node and returns the affected ids.
	ResetOrphaned(ctx context.Context, owner string, resultCode int, result string) ([]int64, error)
}

// Locker is the cluster-wide mutual exclusion used by the reaper. The
// PostgreSQL implementation rides on advisory locks.
type Locker interface {
	TryLock(ctx context.Context, key int64) (bool, error)
	Unlock(ctx context.Context, key int64) error
}

// Config holds engine tuning. The pool size is fixed configuration sized
// to the store's connection budget, not elastic.
type Config struct {
	NodeID                 string
	PoolSize               int
	DrainInterval          time.Duration
	DrainBatch             int
	WakeupScanInterval     time.Duration
	WakeupScanBatch        int
	HeartbeatScanInterval  time.Duration
	HeartbeatWarnAfter     time.Duration
	ReaperInterval         time.Duration
	ReaperBatch            int
	JobRetention           time.Duration
	BlockedCancelThreshold time.Duration
	WaitPollInterval       time.Duration
}

func (c *Config) applyDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = time.Second
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = 2 * c.PoolSize
	}
	if c.WakeupScanInterval <= 0 {
		c.WakeupScanInterval = 3 * time.Second
	}
	if c.WakeupScanBatch <= 0 {
		c.WakeupScanBatch = 100
	}
	if c.HeartbeatScanInterval <= 0 {
		c.HeartbeatScanInterval = 10 * time.Second
	}
	if c.HeartbeatWarnAfter <= 0 {
		c.HeartbeatWarnAfter = 2 * time.Minute
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = time.Minute
	}
	if c.ReaperBatch <= 0 {
		c.ReaperBatch = 100
	}
	if c.JobRetention <= 0 {
		c.JobRetention = 24 * time.Hour
	}
	if c.BlockedCancelThreshold <= 0 {
		c.BlockedCancelThreshold = time.Hour
	}
	if c.WaitPollInterval <= 0 {
		c.WaitPollInterval = time.Second
	}
}

// task is one scheduling attempt handed to the worker pool.
type task struct {
	jobID    int64
	itemID   int64
	queueID  int64
	fromPool bool
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Jobs     JobStore
	Queues   *syncqueue.Manager
	Joins    *join.Registry
	Notifier Notifier
	Locker   Locker
	Monitor  *Monitor
	Metrics  *Metrics
	Logger   *slog.Logger
}

// Engine runs the job lifecycle on top of the shared persistent store. All
// in-memory state (worker pool, active task map) is process-local and
// rebuilt from the store on restart.
type Engine struct {
	cfg      Config
	jobs     JobStore
	queues   *syncqueue.Manager
	joins    *join.Registry
	notifier Notifier
	locker   Locker
	monitor  *Monitor
	metrics  *Metrics
	logger   *slog.Logger

	dispatchersMu sync.RWMutex
	dispatchers   map[string]Dispatcher

	tasks    chan task
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	runCtx    context.Context
	runCancel context.CancelFunc
}

// New creates an engine. Call Start before submitting work.
func New(cfg Config, deps Deps) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:         cfg,
		jobs:        deps.Jobs,
		queues:      deps.Queues,
		joins:       deps.Joins,
		notifier:    deps.Notifier,
		locker:      deps.Locker,
		monitor:     deps.Monitor,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		dispatchers: make(map[string]Dispatcher),
		tasks:       make(chan task, cfg.PoolSize),
		stopChan:    make(chan struct{}),
	}
	if e.monitor == nil {
		e.monitor = NewMonitor(cfg.HeartbeatWarnAfter, deps.Logger)
	}
	if e.notifier == nil {
		e.notifier = NewLocalNotifier()
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(prometheus.NewRegistry(), e.monitor)
	}
	return e
}

// Monitor exposes the heartbeat monitor for introspection.
func (e *Engine) Monitor() *Monitor {
	return e.monitor
}

// Queues exposes the sync queue manager for introspection.
func (e *Engine) Queues() *syncqueue.Manager {
	return e.queues
}

// NodeID returns the identity this engine claims work under.
func (e *Engine) NodeID() string {
	return e.cfg.NodeID
}

// Start recovers leftovers of this node's previous incarnation, then
// spawns the worker pool and the maintenance loop.
func (e *Engine) Start(ctx context.Context) error {
	e.runCtx, e.runCancel = context.WithCancel(context.Background())

	if err := e.startupRecovery(ctx); err != nil {
		e.logger.Warn("Startup recovery finished with errors",
			slog.String("node_id", e.cfg.NodeID),
			slog.String("error", err.Error()),
		)
	}

	e.logger.Info("Starting job engine",
		slog.String("node_id", e.cfg.NodeID),
		slog.Int("pool_size", e.cfg.PoolSize),
		slog.Duration("drain_interval", e.cfg.DrainInterval),
	)

	for i := 0; i < e.cfg.PoolSize; i++ {
		e.wg.Add(1)
		go e.workerLoop(i)
	}

	e.wg.Add(1)
	go e.maintenanceLoop()

	return nil
}

// Stop shuts the engine down, waiting for in-flight executions.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.logger.Info("Stopping job engine", slog.String("node_id", e.cfg.NodeID))
		close(e.stopChan)
		if e.runCancel != nil {
			e.runCancel()
		}
		e.wg.Wait()
		e.logger.Info("Job engine stopped")
	})
}

// workerLoop is one worker of the bounded pool.
func (e *Engine) workerLoop(workerNum int) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopChan:
			return
		case t := <-e.tasks:
			e.runJob(e.runCtx, t)
		}
	}
}

// maintenanceLoop is the low-frequency timer driving the queue drain, the
// wakeup scan, the heartbeat scan and the reaper. These are short
// periodic tasks, kept off the worker pool.
func (e *Engine) maintenanceLoop() {
	defer e.wg.Done()

	drain := time.NewTicker(e.cfg.DrainInterval)
	defer drain.Stop()
	wakeup := time.NewTicker(e.cfg.WakeupScanInterval)
	defer wakeup.Stop()
	heartbeat := time.NewTicker(e.cfg.HeartbeatScanInterval)
	defer heartbeat.Stop()
	reap := time.NewTicker(e.cfg.ReaperInterval)
	defer reap.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-drain.C:
			e.drainSweep(e.runCtx)
		case <-wakeup.C:
			e.wakeupSweep(e.runCtx)
		case <-heartbeat.C:
			e.monitor.Scan(time.Now())
		case <-reap.C:
			if err := e.runReaperCycle(e.runCtx); err != nil {
				e.logger.Error("Reaper cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Submit persists the job and schedules it for execution. With inline set
// the job runs on the caller's goroutine, which is meant for lightweight
// recursive jobs spawned from inside a dispatcher.
func (e *Engine) Submit(ctx context.Context, job *domain.Job, inline bool) (int64, error) {
	job.InitOwner = e.cfg.NodeID
	if job.Status == "" {
		job.Status = domain.JobStatusQueued
	}
	id, err := e.jobs.Persist(ctx, job)
	if err != nil {
		return 0, fmt.Errorf("persist job: %w", err)
	}
	e.metrics.JobsSubmitted.Inc()
	e.logger.Info("Job submitted",
		slog.Int64("job_id", id),
		slog.String("dispatcher", job.Dispatcher),
		slog.String("cmd", job.Cmd),
		slog.Bool("inline", inline),
	)

	if inline {
		e.runJob(ctx, task{jobID: id})
		return id, nil
	}

	select {
	case e.tasks <- task{jobID: id, fromPool: true}:
	case <-e.stopChan:
		return id, domain.ErrEngineStopped
	case <-ctx.Done():
		// Persisted but not scheduled; the drain sweep cannot see it
		// without a queue item, so surface the error.
		return id, ctx.Err()
	}
	return id, nil
}

// SubmitWithSync persists the job and routes it through the sync queue of
// the named resource scope instead of scheduling it directly. Execution
// happens when a drain cycle admits the queue item. A persistent enqueue
// failure is fatal for the submission: the job is failed and the error
// surfaced.
func (e *Engine) SubmitWithSync(ctx context.Context, job *domain.Job, resourceType string, resourceID int64, queueSizeLimit int) (int64, error) {
	job.InitOwner = e.cfg.NodeID
	if job.Status == "" {
		job.Status = domain.JobStatusQueued
	}
	id, err := e.jobs.Persist(ctx, job)
	if err != nil {
		return 0, fmt.Errorf("persist job: %w", err)
	}
	e.metrics.JobsSubmitted.Inc()

	queue, err := e.queues.Enqueue(ctx, resourceType, resourceID, domain.ContentTypeJob, id, queueSizeLimit)
	if err != nil {
		if cerr := e.CompleteJob(ctx, id, domain.JobStatusFailed, domain.ResultCodeInternalError,
			"failed to queue job for execution"); cerr != nil {
			e.logger.Error("Failed to fail unqueueable job",
				slog.Int64("job_id", id),
				slog.String("error", cerr.Error()),
			)
		}
		return id, fmt.Errorf("enqueue job %d: %w", id, err)
	}

	e.logger.Info("Job submitted through sync queue",
		slog.Int64("job_id", id),
		slog.String("dispatcher", job.Dispatcher),
		slog.String("resource_type", resourceType),
		slog.Int64("resource_id", resourceID),
		slog.Int("queue_size_limit", queueSizeLimit),
	)

	// Kick the queue right away so an idle scope does not wait a full
	// drain interval.
	e.drainQueue(ctx, queue.ID)
	return id, nil
}

// QueryJob returns a snapshot of the job and records the poll.
func (e *Engine) QueryJob(ctx context.Context, jobID int64) (*domain.Job, error) {
	job, err := e.jobs.FindByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := e.jobs.TouchPolled(ctx, jobID, time.Now()); err != nil {
		e.logger.Debug("Failed to record job poll", slog.Int64("job_id", jobID))
	}
	return job, nil
}

// ListJobs returns jobs matching the filter.
func (e *Engine) ListJobs(ctx context.Context, f domain.JobFilter) ([]*domain.Job, error) {
	return e.jobs.List(ctx, f)
}

// PendingJobsForInstance finds non-terminal jobs attached to an entity.
func (e *Engine) PendingJobsForInstance(ctx context.Context, instanceType string, instanceID int64) ([]*domain.Job, error) {
	return e.jobs.FindPendingForInstance(ctx, instanceType, instanceID)
}

// CompleteJob moves the job to a terminal state, wakes its dependents and
// publishes a state change notification. Completing an already-terminal
// job is a no-op, so completion races between a dispatcher and an external
// cancellation resolve to whichever call lands first.
func (e *Engine) CompleteJob(ctx context.Context, jobID int64, status domain.JobStatus, resultCode int, result string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("completion status %q is not terminal", status)
	}

	changed, err := e.jobs.Complete(ctx, jobID, status, resultCode, result, e.cfg.NodeID)
	if err != nil {
		return fmt.Errorf("complete job %d: %w", jobID, err)
	}
	if !changed {
		e.logger.Debug("Job already terminal, completion ignored", slog.Int64("job_id", jobID))
		return nil
	}

	e.metrics.JobsCompleted.WithLabelValues(string(status)).Inc()
	e.logger.Info("Job completed",
		slog.Int64("job_id", jobID),
		slog.String("status", string(status)),
		slog.Int("result_code", resultCode),
	)

	e.publishState(ctx, jobID, status, resultCode)

	woken, err := e.joins.ResolveCompleted(ctx, jobID)
	if err != nil {
		e.logger.Warn("Join resolution finished with errors",
			slog.Int64("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
	for _, w := range woken {
		e.metrics.WakeupsSent.Inc()
		e.wakeUp(ctx, w)
	}
	return nil
}

// UpdateProgress updates the progress indicator of a running job. It does
// not change the job's status and is rejected outside IN_PROGRESS.
func (e *Engine) UpdateProgress(ctx context.Context, jobID int64, processStatus int, result string) error {
	if err := e.jobs.UpdateProgress(ctx, jobID, processStatus, result); err != nil {
		return err
	}
	e.logger.Debug("Job progress updated",
		slog.Int64("job_id", jobID),
		slog.Int("process_status", processStatus),
	)
	return nil
}

// Join records that jobID waits for joinedJobID. If the joined job is
// already terminal the wakeup is delivered immediately instead of waiting
// for the scan.
func (e *Engine) Join(ctx context.Context, jobID, joinedJobID int64, wakeupHandler, wakeupDispatcher string, pollInterval, timeout time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = e.cfg.WakeupScanInterval
	}
	if timeout <= 0 {
		timeout = e.cfg.BlockedCancelThreshold
	}
	if err := e.joins.Join(ctx, jobID, joinedJobID, e.cfg.NodeID, wakeupHandler, wakeupDispatcher, pollInterval, timeout); err != nil {
		return err
	}

	// The joined job may have completed while the record was written;
	// resolve right away rather than waiting out a poll interval.
	joined, err := e.jobs.FindByID(ctx, joinedJobID)
	if err == nil && joined.Status.IsTerminal() {
		woken, rerr := e.joins.ResolveCompleted(ctx, joinedJobID)
		if rerr != nil {
			e.logger.Warn("Immediate join resolution failed",
				slog.Int64("joined_job_id", joinedJobID),
				slog.String("error", rerr.Error()),
			)
		}
		for _, w := range woken {
			e.metrics.WakeupsSent.Inc()
			e.wakeUp(ctx, w)
		}
	}
	return nil
}

// Disjoin releases a join early.
func (e *Engine) Disjoin(ctx context.Context, jobID, joinedJobID int64) error {
	return e.joins.Disjoin(ctx, jobID, joinedJobID)
}

// WaitFor blocks until the job reaches a terminal state or the timeout
// elapses. It listens on the change notification channel and polls the
// store on a fallback interval, so missed notifications only cost latency.
func (e *Engine) WaitFor(ctx context.Context, jobID int64, timeout time.Duration) (domain.JobStatus, error) {
	events, cancel := e.notifier.Subscribe(jobID)
	defer cancel()

	check := func() (domain.JobStatus, bool, error) {
		job, err := e.jobs.FindByID(ctx, jobID)
		if err != nil {
			return "", false, err
		}
		if terr := e.jobs.TouchPolled(ctx, jobID, time.Now()); terr != nil {
			e.logger.Debug("Failed to record job poll", slog.Int64("job_id", jobID))
		}
		return job.Status, job.Status.IsTerminal(), nil
	}

	if status, done, err := check(); err != nil || done {
		return status, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(e.cfg.WaitPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", domain.ErrWaitTimeout
		case ev := <-events:
			if ev.Status.IsTerminal() {
				return ev.Status, nil
			}
		case <-poll.C:
			if status, done, err := check(); err != nil || done {
				return status, err
			}
		}
	}
}

// wakeUp re-arms a job whose WAKEUP signal was just set. A job gated by a
// sync queue keeps FIFO fairness: its claimed item is returned to the
// queue and the queue drained, so the next admission re-runs it. A job
// with no queue item is resubmitted to the pool directly.
func (e *Engine) wakeUp(ctx context.Context, jobID int64) {
	item, err := e.queues.ItemForJob(ctx, jobID)
	if err != nil {
		e.logger.Error("Failed to look up queue item for woken job",
			slog.Int64("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return
	}

	if item == nil {
		select {
		case e.tasks <- task{jobID: jobID, fromPool: true}:
		default:
			// Pool is busy; the signal stays durably set on the job and
			// the pending-signal sweep re-delivers it.
			e.logger.Debug("Worker pool busy, wakeup deferred to sweep",
				slog.Int64("job_id", jobID),
			)
		}
		return
	}

	if item.IsClaimed() {
		if err := e.queues.ReturnToQueue(ctx, item.ID); err != nil {
			e.logger.Error("Failed to return woken job's queue item",
				slog.Int64("job_id", jobID),
				slog.Int64("item_id", item.ID),
				slog.String("error", err.Error()),
			)
			return
		}
	}
	e.drainQueue(ctx, item.QueueID)
}

// drainSweep admits ready items across all queues, bounded per cycle.
func (e *Engine) drainSweep(ctx context.Context) {
	items, err := e.queues.DequeueAny(ctx, e.cfg.NodeID, e.cfg.DrainBatch)
	if err != nil {
		e.logger.Error("Queue drain sweep failed", slog.String("error", err.Error()))
		return
	}

	saturated := false
	for _, item := range items {
		if saturated || !e.tryScheduleItem(ctx, item) {
			saturated = true
			e.metrics.QueueReturned.Inc()
			if err := e.queues.ReturnToQueue(ctx, item.ID); err != nil {
				e.logger.Error("Failed to return unstarted queue item",
					slog.Int64("item_id", item.ID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		e.metrics.QueueAdmitted.Inc()
	}
}

// drainQueue admits as much of one queue as its limit and the pool allow.
func (e *Engine) drainQueue(ctx context.Context, queueID int64) {
	for {
		item, err := e.queues.DequeueOne(ctx, queueID, e.cfg.NodeID)
		if err != nil {
			e.logger.Error("Queue drain failed",
				slog.Int64("queue_id", queueID),
				slog.String("error", err.Error()),
			)
			return
		}
		if item == nil {
			return
		}
		if !e.tryScheduleItem(ctx, item) {
			e.metrics.QueueReturned.Inc()
			if err := e.queues.ReturnToQueue(ctx, item.ID); err != nil {
				e.logger.Error("Failed to return unstarted queue item",
					slog.Int64("item_id", item.ID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
		e.metrics.QueueAdmitted.Inc()
	}
}

// tryScheduleItem hands a claimed item to the pool without blocking.
// Non-job items have no dispatcher and are purged with a warning.
func (e *Engine) tryScheduleItem(ctx context.Context, item *domain.SyncQueueItem) bool {
	if item.ContentType != domain.ContentTypeJob {
		e.logger.Warn("Purging sync queue item with unknown content type",
			slog.Int64("item_id", item.ID),
			slog.String("content_type", item.ContentType),
		)
		if err := e.queues.Release(ctx, item.ID); err != nil {
			e.logger.Error("Failed to purge unknown queue item",
				slog.Int64("item_id", item.ID),
				slog.String("error", err.Error()),
			)
		}
		return true
	}

	select {
	case e.tasks <- task{jobID: item.ContentID, itemID: item.ID, queueID: item.QueueID, fromPool: true}:
		return true
	default:
		return false
	}
}

// wakeupSweep delivers due and expired join wakeups (at-least-once), then
// re-delivers signals whose earlier hand-off was dropped on a full pool.
func (e *Engine) wakeupSweep(ctx context.Context) {
	woken, err := e.joins.WakeupScan(ctx, time.Now(), e.cfg.WakeupScanBatch)
	if err != nil {
		e.logger.Error("Wakeup scan failed", slog.String("error", err.Error()))
	}
	for _, jobID := range woken {
		e.metrics.WakeupsSent.Inc()
		e.wakeUp(ctx, jobID)
	}
	e.redeliverPending(ctx)
}

// redeliverPending resubmits jobs whose WAKEUP signal is set but whose
// join record is already resolved, so no join scan will wake them again.
// Queue-gated jobs are left to the drain sweep; pool-bound ones are handed
// back to the workers, waiting out another sweep when the pool is still
// full.
func (e *Engine) redeliverPending(ctx context.Context) {
	jobs, err := e.jobs.FindWakeupPending(ctx, e.cfg.WakeupScanBatch)
	if err != nil {
		e.logger.Error("Pending signal scan failed", slog.String("error", err.Error()))
		return
	}
	for _, job := range jobs {
		item, err := e.queues.ItemForJob(ctx, job.ID)
		if err != nil {
			e.logger.Error("Failed to look up queue item for pending signal",
				slog.Int64("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if item != nil {
			continue
		}
		select {
		case e.tasks <- task{jobID: job.ID, fromPool: true}:
			e.metrics.WakeupsSent.Inc()
		default:
			return
		}
	}
}

// runJob is one scheduling attempt: resolve the dispatcher, run it,
// complete the job, then always release the queue slot and drain the
// queue for the next candidate.
func (e *Engine) runJob(ctx context.Context, t task) {
	job, err := e.jobs.FindByID(ctx, t.jobID)
	if err != nil {
		if !errors.Is(err, domain.ErrJobNotFound) {
			e.logger.Error("Failed to load job for execution",
				slog.Int64("job_id", t.jobID),
				slog.String("error", err.Error()),
			)
		}
		e.finishQueueItem(ctx, t)
		return
	}
	if job.Status.IsTerminal() {
		// Cancelled from outside while waiting in the queue.
		e.finishQueueItem(ctx, t)
		return
	}

	signals, err := e.jobs.TakeSignals(ctx, t.jobID)
	if err != nil {
		e.logger.Error("Failed to take job signals",
			slog.Int64("job_id", t.jobID),
			slog.String("error", err.Error()),
		)
		signals = 0
	}

	dispatcherName := job.Dispatcher
	wakeupHandler := ""
	if signals&domain.SignalWakeup != 0 && job.WakeupDispatcher != "" {
		dispatcherName = job.WakeupDispatcher
		wakeupHandler = job.WakeupHandler
	}

	d, ok := e.dispatcher(dispatcherName)
	if !ok {
		e.logger.Error("No dispatcher registered for job",
			slog.Int64("job_id", t.jobID),
			slog.String("dispatcher", dispatcherName),
		)
		if err := e.CompleteJob(ctx, t.jobID, domain.JobStatusFailed, domain.ResultCodeInternalError,
			fmt.Sprintf("no dispatcher registered under %q", dispatcherName)); err != nil {
			e.logger.Error("Failed to fail undispatchable job",
				slog.Int64("job_id", t.jobID),
				slog.String("error", err.Error()),
			)
		}
		e.finishQueueItem(ctx, t)
		return
	}

	job, err = e.jobs.MarkInProgress(ctx, t.jobID, e.cfg.NodeID)
	if err != nil {
		// Lost a race with an external completion; nothing to run.
		e.finishQueueItem(ctx, t)
		return
	}
	e.publishState(ctx, t.jobID, domain.JobStatusInProgress, 0)

	runSeq := e.monitor.Register(t.jobID, t.fromPool)
	ec := &ExecutionContext{
		Job:           job,
		NodeID:        e.cfg.NodeID,
		Signals:       signals,
		WakeupHandler: wakeupHandler,
		engine:        e,
		runSeq:        runSeq,
	}

	res := e.invoke(ctx, d, ec)
	e.monitor.Unregister(runSeq)

	if res.Suspended {
		// The job joined another job. Its queue slot stays claimed so the
		// scope remains serialized; the wakeup path re-arms the item.
		if err := e.jobs.ClearExecutingOwner(ctx, t.jobID); err != nil {
			e.logger.Error("Failed to clear executing owner of suspended job",
				slog.Int64("job_id", t.jobID),
				slog.String("error", err.Error()),
			)
		}
		e.logger.Debug("Job suspended pending join", slog.Int64("job_id", t.jobID))
		return
	}

	if err := e.CompleteJob(ctx, t.jobID, res.Status, res.ResultCode, res.Result); err != nil {
		e.logger.Error("Failed to complete job after execution",
			slog.Int64("job_id", t.jobID),
			slog.String("error", err.Error()),
		)
	}
	e.finishQueueItem(ctx, t)
}

// invoke runs the dispatcher, converting panics, errors and non-terminal
// results into a generic internal failure. Details are logged, never
// propagated into the job result.
func (e *Engine) invoke(ctx context.Context, d Dispatcher, ec *ExecutionContext) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Dispatcher panicked",
				slog.Int64("job_id", ec.Job.ID),
				slog.String("dispatcher", ec.Job.Dispatcher),
				slog.Any("panic", r),
			)
			res = Failed(domain.ResultCodeInternalError, "job execution failed with an internal error")
		}
	}()

	out, err := d.Execute(ctx, ec)
	if err != nil {
		e.logger.Error("Dispatcher returned error",
			slog.Int64("job_id", ec.Job.ID),
			slog.String("dispatcher", ec.Job.Dispatcher),
			slog.String("error", err.Error()),
		)
		return Failed(domain.ResultCodeInternalError, "job execution failed with an internal error")
	}
	if out.Suspended {
		return out
	}
	if !out.Status.IsTerminal() {
		e.logger.Error("Dispatcher returned non-terminal result",
			slog.Int64("job_id", ec.Job.ID),
			slog.String("status", string(out.Status)),
		)
		return Failed(domain.ResultCodeInternalError, "job execution failed with an internal error")
	}
	return out
}

// finishQueueItem releases the task's queue slot and drains the queue for
// the next candidate.
func (e *Engine) finishQueueItem(ctx context.Context, t task) {
	if t.itemID == 0 {
		return
	}
	if err := e.queues.Release(ctx, t.itemID); err != nil && !errors.Is(err, domain.ErrItemNotFound) {
		e.logger.Error("Failed to release sync queue item",
			slog.Int64("item_id", t.itemID),
			slog.String("error", err.Error()),
		)
	}
	e.drainQueue(ctx, t.queueID)
}

// publishState announces a state change on the notification channel.
// Delivery is best effort.
func (e *Engine) publishState(ctx context.Context, jobID int64, status domain.JobStatus, resultCode int) {
	ev := JobStateEvent{
		JobID:      jobID,
		Status:     status,
		ResultCode: resultCode,
		NodeID:     e.cfg.NodeID,
		Timestamp:  time.Now(),
	}
	if err := e.notifier.PublishJobStateChanged(ctx, ev); err != nil {
		e.logger.Debug("Failed to publish job state change",
			slog.Int64("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}
