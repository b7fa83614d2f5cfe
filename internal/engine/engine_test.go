package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudweav/jobcore/internal/engine"
	"github.com/cloudweav/jobcore/internal/engine/domain"
	"github.com/cloudweav/jobcore/internal/engine/join"
	"github.com/cloudweav/jobcore/internal/engine/storage/memstore"
	"github.com/cloudweav/jobcore/internal/engine/syncqueue"
)

const testNode = "node-test"

func startEngine(t *testing.T, store *memstore.Store, mutate func(*engine.Config)) *engine.Engine {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := engine.Config{
		NodeID:                 testNode,
		PoolSize:               4,
		DrainInterval:          10 * time.Millisecond,
		WakeupScanInterval:     10 * time.Millisecond,
		HeartbeatScanInterval:  time.Hour,
		ReaperInterval:         time.Hour,
		JobRetention:           time.Hour,
		BlockedCancelThreshold: time.Hour,
		WaitPollInterval:       10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	queues := syncqueue.NewManager(store, store, syncqueue.Policy{}, syncqueue.Config{}, logger)
	eng := engine.New(cfg, engine.Deps{
		Jobs:   store,
		Queues: queues,
		Joins:  join.NewRegistry(store, store, logger),
		Locker: store,
		Logger: logger,
	})
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)
	return eng
}

func newEngine(t *testing.T, mutate func(*engine.Config)) (*engine.Engine, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	return startEngine(t, store, mutate), store
}

func newJob(dispatcher, cmd string) *domain.Job {
	return &domain.Job{
		Dispatcher:   dispatcher,
		Cmd:          cmd,
		CmdInfo:      `{"id":1}`,
		InstanceType: "volume",
		InstanceID:   1,
	}
}

func waitTerminal(t *testing.T, eng *engine.Engine, jobID int64) domain.JobStatus {
	t.Helper()
	status, err := eng.WaitFor(context.Background(), jobID, 5*time.Second)
	require.NoError(t, err)
	return status
}

func TestSubmitRunsJobToCompletion(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t, nil)
	eng.RegisterDispatcher("work", engine.DispatcherFunc(func(ctx context.Context, ec *engine.ExecutionContext) (engine.Result, error) {
		return engine.Succeeded("done"), nil
	}))

	id, err := eng.Submit(ctx, newJob("work", "volume.create"), false)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusSucceeded, waitTerminal(t, eng, id))

	job, err := store.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCodeOK, job.ResultCode)
	assert.Equal(t, "done", job.Result)
	assert.Equal(t, testNode, job.InitOwner)
	assert.Equal(t, testNode, job.CompletingOwner)
}

func TestSubmitInlineRunsOnCallerGoroutine(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t, nil)
	eng.RegisterDispatcher("work", engine.DispatcherFunc(func(ctx context.Context, ec *engine.ExecutionContext) (engine.Result, error) {
		return engine.Succeeded(""), nil
	}))

	id, err := eng.Submit(ctx, newJob("work", "volume.create"), true)
	require.NoError(t, err)

	// Inline execution finished before Submit returned
	job, err := store.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, job.Status)
}

func TestUnknownDispatcherFailsJob(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t, nil)

	id, err := eng.Submit(ctx, newJob("nope", "volume.create"), false)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusFailed, waitTerminal(t, eng, id))

	job, err := store.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCodeInternalError, job.ResultCode)
}

func TestDispatcherPanicIsContained(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t, nil)
	eng.RegisterDispatcher("work", engine.DispatcherFunc(func(ctx context.Context, ec *engine.ExecutionContext) (engine.Result, error) {
		panic("secret internal detail")
	}))

	id, err := eng.Submit(ctx, newJob("work", "volume.create"), false)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusFailed, waitTerminal(t, eng, id))

	job, err := store.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCodeInternalError, job.ResultCode)
	assert.NotContains(t, job.Result, "secret internal detail")
}

func TestDispatcherErrorFailsJob(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngine(t, nil)
	eng.RegisterDispatcher("work", engine.DispatcherFunc(func(ctx context.Context, ec *engine.ExecutionContext) (engine.Result, error) {
		return engine.Result{}, errors.New("backend unavailable")
	}))

	id, err := eng.Submit(ctx, newJob("work", "volume.create"), false)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusFailed, waitTerminal(t, eng, id))
}

func TestDispatcherNonTerminalResultFailsJob(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngine(t, nil)
	eng.RegisterDispatcher("work", engine.DispatcherFunc(func(ctx context.Context, ec *engine.ExecutionContext) (engine.Result, error) {
		return engine.Result{Status: domain.JobStatusInProgress}, nil
	}))

	id, err := eng.Submit(ctx, newJob("work", "volume.create"), false)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusFailed, waitTerminal(t, eng, id))
}

func TestCompleteJobRejectsNonTerminalStatus(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t, nil)

	id, err := store.Persist(ctx, newJob("work", "volume.create"))
	require.NoError(t, err)

	err = eng.CompleteJob(ctx, id, domain.JobStatusInProgress, 0, "")
	assert.Error(t, err)
}

func TestCompleteJobIdempotentOnTerminal(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t, nil)

	id, err := store.Persist(ctx, newJob("work", "volume.create"))
	require.NoError(t, err)

	require.NoError(t, eng.CompleteJob(ctx, id, domain.JobStatusCancelled, domain.ResultCodeOK, "cancelled by operator"))
	// The second completion loses the race and changes nothing
	require.NoError(t, eng.CompleteJob(ctx, id, domain.JobStatusSucceeded, domain.ResultCodeOK, "late result"))

	job, err := store.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, job.Status)
	assert.Equal(t, "cancelled by operator", job.Result)
}

func TestUpdateProgressRequiresRunningJob(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t, nil)

	id, err := store.Persist(ctx, newJob("work", "volume.create"))
	require.NoError(t, err)

	err = eng.UpdateProgress(ctx, id, 50, "halfway")
	assert.ErrorIs(t, err, domain.ErrJobNotRunning)

	err = eng.UpdateProgress(ctx, 9999, 50, "halfway")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestDispatcherReportsProgress(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t, nil)
	eng.RegisterDispatcher("work", engine.DispatcherFunc(func(ctx context.Context, ec *engine.ExecutionContext) (engine.Result, error) {
		ec.Heartbeat()
		if err := ec.UpdateProgress(ctx, 75, "almost there"); err != nil {
			return engine.Result{}, err
		}
		return engine.Succeeded("done"), nil
	}))

	id, err := eng.Submit(ctx, newJob("work", "volume.snapshot"), false)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusSucceeded, waitTerminal(t, eng, id))

	job, err := store.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 75, job.ProcessStatus)
}

func TestSubmitWithSyncSerializesSameScope(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngine(t, nil)

	var running, maxRunning int64
	eng.RegisterDispatcher("work", engine.DispatcherFunc(func(ctx context.Context, ec *engine.ExecutionContext) (engine.Result, error) {
		n := atomic.AddInt64(&running, 1)
		for {
			m := atomic.LoadInt64(&maxRunning)
			if n <= m || atomic.CompareAndSwapInt64(&maxRunning, m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&running, -1)
		return engine.Succeeded(""), nil
	}))

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := eng.SubmitWithSync(ctx, newJob("work", "vm.start"), "vm", 42, 1)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		assert.Equal(t, domain.JobStatusSucceeded, waitTerminal(t, eng, id))
	}

	assert.Equal(t, int64(1), atomic.LoadInt64(&maxRunning))

	// The last slot is released just after the completion notification
	require.Eventually(t, func() bool {
		q, err := eng.Queues().QueueByScope(ctx, "vm", 42)
		return err == nil && q != nil && q.QueueSize == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWaitForTimesOut(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngine(t, nil)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	eng.RegisterDispatcher("work", engine.DispatcherFunc(func(ctx context.Context, ec *engine.ExecutionContext) (engine.Result, error) {
		<-release
		return engine.Succeeded(""), nil
	}))

	id, err := eng.Submit(ctx, newJob("work", "volume.create"), false)
	require.NoError(t, err)

	_, err = eng.WaitFor(ctx, id, 50*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrWaitTimeout)
}

func TestWaitForUnknownJob(t *testing.T) {
	eng, _ := newEngine(t, nil)

	_, err := eng.WaitFor(context.Background(), 12345, time.Second)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestQueryJobRecordsPoll(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t, nil)

	id, err := store.Persist(ctx, newJob("work", "volume.create"))
	require.NoError(t, err)

	job, err := eng.QueryJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)

	job, err = store.FindByID(ctx, id)
	require.NoError(t, err)
	assert.False(t, job.LastPolled.IsZero())

	_, err = eng.QueryJob(ctx, 9999)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestJoinWakesJobWhenJoinedJobCompletes(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngine(t, nil)

	childRelease := make(chan struct{})
	eng.RegisterDispatcher("child", engine.DispatcherFunc(func(ctx context.Context, ec *engine.ExecutionContext) (engine.Result, error) {
		<-childRelease
		return engine.Succeeded("child done"), nil
	}))

	childID, err := eng.Submit(ctx, newJob("child", "volume.copy"), false)
	require.NoError(t, err)

	var attempts int64
	var handlerSeen atomic.Value
	eng.RegisterDispatcher("parent", engine.DispatcherFunc(func(ctx context.Context, ec *engine.ExecutionContext) (engine.Result, error) {
		atomic.AddInt64(&attempts, 1)
		if !ec.Woken() {
			if err := ec.Join(ctx, childID, "onChildDone", "parent", time.Minute, time.Hour); err != nil {
				return engine.Result{}, err
			}
			return engine.Suspend(), nil
		}
		handlerSeen.Store(ec.WakeupHandler)
		return engine.Succeeded("parent done"), nil
	}))

	parentID, err := eng.Submit(ctx, newJob("parent", "vm.migrate"), false)
	require.NoError(t, err)

	// Let the parent reach its suspension before the child finishes
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&attempts) == 1
	}, 2*time.Second, 5*time.Millisecond)
	close(childRelease)

	assert.Equal(t, domain.JobStatusSucceeded, waitTerminal(t, eng, childID))
	assert.Equal(t, domain.JobStatusSucceeded, waitTerminal(t, eng, parentID))
	assert.Equal(t, int64(2), atomic.LoadInt64(&attempts))
	assert.Equal(t, "onChildDone", handlerSeen.Load())
}

func TestJoinOnTerminalJobWakesImmediately(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t, nil)

	childID, err := store.Persist(ctx, newJob("none", "volume.copy"))
	require.NoError(t, err)
	require.NoError(t, eng.CompleteJob(ctx, childID, domain.JobStatusSucceeded, domain.ResultCodeOK, ""))

	var attempts int64
	eng.RegisterDispatcher("parent", engine.DispatcherFunc(func(ctx context.Context, ec *engine.ExecutionContext) (engine.Result, error) {
		atomic.AddInt64(&attempts, 1)
		if !ec.Woken() {
			if err := ec.Join(ctx, childID, "onChildDone", "parent", time.Minute, time.Hour); err != nil {
				return engine.Result{}, err
			}
			return engine.Suspend(), nil
		}
		return engine.Succeeded(""), nil
	}))

	parentID, err := eng.Submit(ctx, newJob("parent", "vm.migrate"), false)
	require.NoError(t, err)

	assert.Equal(t, domain.JobStatusSucceeded, waitTerminal(t, eng, parentID))
	assert.Equal(t, int64(2), atomic.LoadInt64(&attempts))
}

func TestSuspendedSyncJobKeepsQueueSlot(t *testing.T) {
	ctx := context.Background()
	eng, _ := newEngine(t, nil)

	childRelease := make(chan struct{})
	eng.RegisterDispatcher("child", engine.DispatcherFunc(func(ctx context.Context, ec *engine.ExecutionContext) (engine.Result, error) {
		<-childRelease
		return engine.Succeeded(""), nil
	}))
	childID, err := eng.Submit(ctx, newJob("child", "volume.copy"), false)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	record := func(step string) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
	}

	eng.RegisterDispatcher("parent", engine.DispatcherFunc(func(ctx context.Context, ec *engine.ExecutionContext) (engine.Result, error) {
		if !ec.Woken() {
			record("parent:start")
			if err := ec.Join(ctx, childID, "onChildDone", "parent", time.Minute, time.Hour); err != nil {
				return engine.Result{}, err
			}
			return engine.Suspend(), nil
		}
		record("parent:woken")
		return engine.Succeeded(""), nil
	}))
	eng.RegisterDispatcher("other", engine.DispatcherFunc(func(ctx context.Context, ec *engine.ExecutionContext) (engine.Result, error) {
		record("other:run")
		return engine.Succeeded(""), nil
	}))

	parentID, err := eng.SubmitWithSync(ctx, newJob("parent", "vm.migrate"), "vm", 7, 1)
	require.NoError(t, err)
	otherID, err := eng.SubmitWithSync(ctx, newJob("other", "vm.reboot"), "vm", 7, 1)
	require.NoError(t, err)

	// While the parent is suspended its queue slot stays claimed, so the
	// second job on the scope must not be admitted.
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"parent:start"}, order)
	mu.Unlock()

	close(childRelease)
	assert.Equal(t, domain.JobStatusSucceeded, waitTerminal(t, eng, parentID))
	assert.Equal(t, domain.JobStatusSucceeded, waitTerminal(t, eng, otherID))

	mu.Lock()
	assert.Equal(t, []string{"parent:start", "parent:woken", "other:run"}, order)
	mu.Unlock()
}

func TestOnNodeLeftFailsWorkOfDepartedNode(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t, nil)

	// A job the departed node claimed through a sync queue
	queuedID, err := store.Persist(ctx, newJob("work", "vm.start"))
	require.NoError(t, err)
	q, err := eng.Queues().Enqueue(ctx, "vm", 1, domain.ContentTypeJob, queuedID, 1)
	require.NoError(t, err)
	item, err := eng.Queues().DequeueOne(ctx, q.ID, "node-dead")
	require.NoError(t, err)
	require.NotNil(t, item)

	// A job it was executing outside any queue
	orphan := newJob("work", "vm.stop")
	orphan.Status = domain.JobStatusInProgress
	orphan.ExecutingOwner = "node-dead"
	orphanID, err := store.Persist(ctx, orphan)
	require.NoError(t, err)

	require.NoError(t, eng.OnNodeLeft(ctx, []string{"node-dead"}))

	for _, id := range []int64{queuedID, orphanID} {
		job, err := store.FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, job.Status)
		assert.Equal(t, domain.ResultCodeInternalError, job.ResultCode)
	}

	held, err := eng.Queues().ItemsOwnedBy(ctx, "node-dead")
	require.NoError(t, err)
	assert.Empty(t, held)

	q, err = eng.Queues().QueueByScope(ctx, "vm", 1)
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, 0, q.QueueSize)
}

func TestStartupRecoveryFailsPreviousIncarnationsJobs(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	stale := newJob("work", "vm.start")
	stale.Status = domain.JobStatusInProgress
	stale.ExecutingOwner = testNode
	staleID, err := store.Persist(ctx, stale)
	require.NoError(t, err)

	startEngine(t, store, nil)

	job, err := store.FindByID(ctx, staleID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Empty(t, job.ExecutingOwner)
}

func TestReaperExpungesExpiredJobs(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	// Both records age past the retention window immediately
	doneID, err := store.Persist(ctx, newJob("work", "vm.start"))
	require.NoError(t, err)
	_, err = store.Complete(ctx, doneID, domain.JobStatusSucceeded, domain.ResultCodeOK, "", testNode)
	require.NoError(t, err)
	staleID, err := store.Persist(ctx, newJob("work", "vm.stop"))
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	startEngine(t, store, func(cfg *engine.Config) {
		cfg.ReaperInterval = 20 * time.Millisecond
		cfg.JobRetention = time.Millisecond
	})

	require.Eventually(t, func() bool {
		_, err1 := store.FindByID(ctx, doneID)
		_, err2 := store.FindByID(ctx, staleID)
		return errors.Is(err1, domain.ErrJobNotFound) && errors.Is(err2, domain.ErrJobNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWakeupRedeliveredAfterPoolSaturation(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t, func(cfg *engine.Config) {
		cfg.PoolSize = 1
		cfg.WakeupScanInterval = 20 * time.Millisecond
	})

	blockRelease := make(chan struct{})
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(blockRelease) }) }
	t.Cleanup(release)

	var blocked int64
	eng.RegisterDispatcher("blocker", engine.DispatcherFunc(func(ctx context.Context, ec *engine.ExecutionContext) (engine.Result, error) {
		atomic.AddInt64(&blocked, 1)
		<-blockRelease
		return engine.Succeeded(""), nil
	}))

	var woken atomic.Value
	eng.RegisterDispatcher("rejoin", engine.DispatcherFunc(func(ctx context.Context, ec *engine.ExecutionContext) (engine.Result, error) {
		woken.Store(ec.Woken())
		return engine.Succeeded(""), nil
	}))

	// Fill the single worker and the task buffer
	_, err := eng.Submit(ctx, newJob("blocker", "vm.start"), false)
	require.NoError(t, err)
	_, err = eng.Submit(ctx, newJob("blocker", "vm.stop"), false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&blocked) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// A joiner suspended earlier whose join was resolved while the pool
	// was saturated: the record is gone, only the durable signal remains
	joiner := newJob("rejoin", "vm.migrate")
	joiner.Status = domain.JobStatusInProgress
	joinerID, err := store.Persist(ctx, joiner)
	require.NoError(t, err)
	require.NoError(t, store.SetWakeup(ctx, joinerID, "rejoin", "onDone"))

	// While the pool stays full the signal must stay pending, not be lost
	time.Sleep(100 * time.Millisecond)
	job, err := store.FindByID(ctx, joinerID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusInProgress, job.Status)
	assert.True(t, job.HasWakeup())

	release()
	assert.Equal(t, domain.JobStatusSucceeded, waitTerminal(t, eng, joinerID))
	assert.Equal(t, true, woken.Load())
}

func TestReaperKeepsRecentlyPolledCompletedJobs(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t, func(cfg *engine.Config) {
		cfg.ReaperInterval = 20 * time.Millisecond
		cfg.JobRetention = 60 * time.Millisecond
	})

	id, err := store.Persist(ctx, newJob("work", "vm.start"))
	require.NoError(t, err)
	_, err = store.Complete(ctx, id, domain.JobStatusSucceeded, domain.ResultCodeOK, "", testNode)
	require.NoError(t, err)

	// Polling resets the retention clock, so the result outlives several
	// reaper cycles
	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		_, err := eng.QueryJob(ctx, id)
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}
	_, err = store.FindByID(ctx, id)
	require.NoError(t, err)

	// Once nobody polls, retention expires the record
	require.Eventually(t, func() bool {
		_, err := store.FindByID(ctx, id)
		return errors.Is(err, domain.ErrJobNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReaperCancelsBlockedQueueItems(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t, func(cfg *engine.Config) {
		cfg.ReaperInterval = 20 * time.Millisecond
		cfg.BlockedCancelThreshold = 30 * time.Millisecond
	})

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	eng.RegisterDispatcher("work", engine.DispatcherFunc(func(ctx context.Context, ec *engine.ExecutionContext) (engine.Result, error) {
		<-release
		return engine.Succeeded("late"), nil
	}))

	id, err := eng.SubmitWithSync(ctx, newJob("work", "vm.start"), "vm", 9, 1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := store.FindByID(ctx, id)
		return err == nil && job.Status == domain.JobStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	job, err := store.FindByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ResultCodeTimeout, job.ResultCode)

	// The reaper releases the claimed slot right after failing the job
	require.Eventually(t, func() bool {
		q, err := eng.Queues().QueueByScope(ctx, "vm", 9)
		return err == nil && q != nil && q.QueueSize == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPendingJobsForInstance(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t, nil)

	pending := newJob("work", "volume.create")
	pendingID, err := store.Persist(ctx, pending)
	require.NoError(t, err)

	done, err := store.Persist(ctx, newJob("work", "volume.delete"))
	require.NoError(t, err)
	_, err = store.Complete(ctx, done, domain.JobStatusSucceeded, domain.ResultCodeOK, "", testNode)
	require.NoError(t, err)

	other := newJob("work", "vm.start")
	other.InstanceType = "vm"
	_, err = store.Persist(ctx, other)
	require.NoError(t, err)

	jobs, err := eng.PendingJobsForInstance(ctx, "volume", 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, pendingID, jobs[0].ID)
}

func TestListJobsFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	eng, store := newEngine(t, nil)

	_, err := store.Persist(ctx, newJob("work", "vm.start"))
	require.NoError(t, err)
	doneID, err := store.Persist(ctx, newJob("work", "vm.stop"))
	require.NoError(t, err)
	_, err = store.Complete(ctx, doneID, domain.JobStatusFailed, domain.ResultCodeInternalError, "", testNode)
	require.NoError(t, err)

	jobs, err := eng.ListJobs(ctx, domain.JobFilter{Status: domain.JobStatusFailed})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, doneID, jobs[0].ID)
}
