package engine

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ActiveTaskRecord tracks one in-flight execution. Records are keyed by a
// run sequence number rather than the job id because a job id can be
// re-entered across attempts while the run sequence is unique for the
// process lifetime. The map is process-local and rebuilt empty on restart.
type ActiveTaskRecord struct {
	RunSeq        int64     `json:"run_seq"`
	JobID         int64     `json:"job_id"`
	FromPool      bool      `json:"from_pool"`
	Started       time.Time `json:"started"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Monitor keeps the in-memory active task map and flags executions that
// stop reporting progress. Flagging is observability only; cancellation of
// stuck work belongs to the reaper.
type Monitor struct {
	mu        sync.Mutex
	seq       int64
	tasks     map[int64]*ActiveTaskRecord
	warnAfter time.Duration
	logger    *slog.Logger
}

// NewMonitor creates a heartbeat monitor. warnAfter is the silence
// threshold after which a task is logged as possibly stuck.
func NewMonitor(warnAfter time.Duration, logger *slog.Logger) *Monitor {
	return &Monitor{
		tasks:     make(map[int64]*ActiveTaskRecord),
		warnAfter: warnAfter,
		logger:    logger,
	}
}

// Register records the start of an execution and returns its run sequence.
func (m *Monitor) Register(jobID int64, fromPool bool) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	now := time.Now()
	m.tasks[m.seq] = &ActiveTaskRecord{
		RunSeq:        m.seq,
		JobID:         jobID,
		FromPool:      fromPool,
		Started:       now,
		LastHeartbeat: now,
	}
	return m.seq
}

// Heartbeat refreshes the liveness tick of a running task. Unknown run
// sequences are ignored; the task may already have finished.
func (m *Monitor) Heartbeat(runSeq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.tasks[runSeq]; ok {
		rec.LastHeartbeat = time.Now()
	}
}

// Unregister drops the record when an execution finishes.
func (m *Monitor) Unregister(runSeq int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, runSeq)
}

// UnregisterByJobID forcibly drops monitoring state for a job, used when
// the job is cancelled from outside its execution.
func (m *Monitor) UnregisterByJobID(jobID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for seq, rec := range m.tasks {
		if rec.JobID == jobID {
			delete(m.tasks, seq)
		}
	}
}

// Scan logs a warning for every task silent past the threshold and
// returns the flagged records.
func (m *Monitor) Scan(now time.Time) []ActiveTaskRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stale []ActiveTaskRecord
	for _, rec := range m.tasks {
		silence := now.Sub(rec.LastHeartbeat)
		if silence > m.warnAfter {
			stale = append(stale, *rec)
			m.logger.Warn("Active task has stopped reporting progress",
				slog.Int64("run_seq", rec.RunSeq),
				slog.Int64("job_id", rec.JobID),
				slog.Duration("silent_for", silence),
				slog.Time("started", rec.Started),
			)
		}
	}
	sort.Slice(stale, func(a, b int) bool { return stale[a].RunSeq < stale[b].RunSeq })
	return stale
}

// Snapshot returns a read-only copy of the active task map for the
// introspection endpoint.
func (m *Monitor) Snapshot() []ActiveTaskRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ActiveTaskRecord, 0, len(m.tasks))
	for _, rec := range m.tasks {
		out = append(out, *rec)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].RunSeq < out[b].RunSeq })
	return out
}

// ActiveCount reports how many executions are currently tracked.
func (m *Monitor) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}
