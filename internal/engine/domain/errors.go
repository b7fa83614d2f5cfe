package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job id does not exist in the store
	ErrJobNotFound = errors.New("job not found")

	// ErrJobTerminal is returned when mutating a job already in a final state
	ErrJobTerminal = errors.New("job already in a terminal state")

	// ErrJobNotRunning is returned when a progress update targets a job
	// that is not IN_PROGRESS
	ErrJobNotRunning = errors.New("job is not in progress")

	// ErrQueueNotFound is returned when a sync queue id or scope is unknown
	ErrQueueNotFound = errors.New("sync queue not found")

	// ErrItemNotFound is returned when a sync queue item id is unknown
	ErrItemNotFound = errors.New("sync queue item not found")

	// ErrJoinNotFound is returned when no join record links the two jobs
	ErrJoinNotFound = errors.New("join record not found")

	// ErrUnknownDispatcher is returned when no dispatcher is registered
	// under the name carried by a job
	ErrUnknownDispatcher = errors.New("unknown dispatcher")

	// ErrPoolSaturated is returned when the worker pool cannot take
	// another job right now; queue items hitting this are returned to
	// their queue, not failed
	ErrPoolSaturated = errors.New("worker pool saturated")

	// ErrWaitTimeout is returned by WaitFor when the job did not reach a
	// terminal state within the deadline
	ErrWaitTimeout = errors.New("timed out waiting for job completion")

	// ErrEngineStopped is returned when submitting to an engine that has
	// been shut down
	ErrEngineStopped = errors.New("engine stopped")
)

// TransientError wraps store contention errors worth a bounded retry,
// such as write conflicts on queue admission.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient store error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as retryable.
func NewTransientError(err error) error {
	return &TransientError{Err: err}
}

// IsTransient reports whether err is a retryable store error.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
