package engine

import (
	"context"
	"time"

	"github.com/cloudweav/jobcore/internal/engine/domain"
)

// Result is what a dispatcher hands back for one scheduling attempt.
// Either Status is terminal, or Suspended is set because the job joined
// another job and will be resumed by a wakeup.
type Result struct {
	Status     domain.JobStatus
	ResultCode int
	Result     string
	Suspended  bool
}

// Succeeded builds a successful terminal result.
func Succeeded(result string) Result {
	return Result{Status: domain.JobStatusSucceeded, ResultCode: domain.ResultCodeOK, Result: result}
}

// Failed builds a failed terminal result.
func Failed(resultCode int, result string) Result {
	return Result{Status: domain.JobStatusFailed, ResultCode: resultCode, Result: result}
}

// Suspend reports that the job is waiting on a joined job and must keep
// its sync queue slot until woken.
func Suspend() Result {
	return Result{Suspended: true}
}

// Dispatcher executes one job command. Implementations decode the job's
// CmdInfo payload themselves; the engine never interprets it. A dispatcher
// is invoked at most once per scheduling attempt but must tolerate being
// re-entered on a later attempt after a wakeup, with its previously stored
// partial result.
type Dispatcher interface {
	Execute(ctx context.Context, ec *ExecutionContext) (Result, error)
}

// DispatcherFunc adapts a plain function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, ec *ExecutionContext) (Result, error)

// Execute calls f.
func (f DispatcherFunc) Execute(ctx context.Context, ec *ExecutionContext) (Result, error) {
	return f(ctx, ec)
}

// ExecutionContext is passed explicitly into every dispatcher invocation.
// It carries the job under execution and the engine capabilities a
// dispatcher may use, so no ambient per-thread state is needed.
type ExecutionContext struct {
	// Job is a snapshot of the job at dispatch time.
	Job *domain.Job
	// NodeID identifies the node running this attempt.
	NodeID string
	// Signals holds the pending signals cleared at entry; a wakeup
	// re-entry sees SignalWakeup here.
	Signals int
	// WakeupHandler is the handler name recorded on the join that woke
	// this job, empty on a first run.
	WakeupHandler string

	engine *Engine
	runSeq int64
}

// Woken reports whether this attempt is a wakeup re-entry.
func (ec *ExecutionContext) Woken() bool {
	return ec.Signals&domain.SignalWakeup != 0
}

// Heartbeat reports liveness during a long-running step.
func (ec *ExecutionContext) Heartbeat() {
	ec.engine.monitor.Heartbeat(ec.runSeq)
}

// UpdateProgress updates the job's progress indicator.
func (ec *ExecutionContext) UpdateProgress(ctx context.Context, processStatus int, result string) error {
	return ec.engine.UpdateProgress(ctx, ec.Job.ID, processStatus, result)
}

// Join suspends this job until the given job completes. The dispatcher
// should return Suspend() right after a successful Join.
func (ec *ExecutionContext) Join(ctx context.Context, joinedJobID int64, wakeupHandler, wakeupDispatcher string, pollInterval, timeout time.Duration) error {
	return ec.engine.Join(ctx, ec.Job.ID, joinedJobID, wakeupHandler, wakeupDispatcher, pollInterval, timeout)
}

// Disjoin releases a join this job no longer needs to wait on.
func (ec *ExecutionContext) Disjoin(ctx context.Context, joinedJobID int64) error {
	return ec.engine.Disjoin(ctx, ec.Job.ID, joinedJobID)
}

// RegisterDispatcher installs a dispatcher under the given name. Jobs
// whose dispatcher name is not registered fail with an internal error.
func (e *Engine) RegisterDispatcher(name string, d Dispatcher) {
	e.dispatchersMu.Lock()
	defer e.dispatchersMu.Unlock()
	e.dispatchers[name] = d
}

// dispatcher resolves a registered dispatcher by name.
func (e *Engine) dispatcher(name string) (Dispatcher, bool) {
	e.dispatchersMu.RLock()
	defer e.dispatchersMu.RUnlock()
	d, ok := e.dispatchers[name]
	return d, ok
}
