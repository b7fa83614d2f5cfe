package domain

import "time"

// JobStatus is the lifecycle state of a job.
// QUEUED -> IN_PROGRESS -> {SUCCEEDED | FAILED | CANCELLED}; terminal states never change.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusInProgress JobStatus = "IN_PROGRESS"
	JobStatusSucceeded  JobStatus = "SUCCEEDED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
)

// IsTerminal reports whether s is a final state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Pending signal bits carried in Job.PendingSignals.
const (
	// SignalWakeup is set when a joined-on job completed or a join timed out.
	SignalWakeup = 1 << 0
)

// Result codes for terminal jobs.
const (
	ResultCodeOK            = 0
	ResultCodeInternalError = 530
	ResultCodeTimeout       = 531
)

// Job is one unit of asynchronous work. Identity is assigned by the store
// at persist time; domain-specific command fields live in the opaque
// CmdInfo payload and are decoded only by the owning dispatcher.
type Job struct {
	ID               int64     `db:"id"`
	Dispatcher       string    `db:"dispatcher"`
	Cmd              string    `db:"cmd"`
	CmdInfo          string    `db:"cmd_info"`
	Status           JobStatus `db:"status"`
	ProcessStatus    int       `db:"process_status"`
	ResultCode       int       `db:"result_code"`
	Result           string    `db:"result"`
	PendingSignals   int       `db:"pending_signals"`
	WakeupDispatcher string    `db:"wakeup_dispatcher"`
	WakeupHandler    string    `db:"wakeup_handler"`
	InitOwner        string    `db:"init_owner"`
	ExecutingOwner   string    `db:"executing_owner"`
	CompletingOwner  string    `db:"completing_owner"`
	InstanceType     string    `db:"instance_type"`
	InstanceID       int64     `db:"instance_id"`
	Created          time.Time `db:"created"`
	LastUpdated      time.Time `db:"last_updated"`
	LastPolled       time.Time `db:"last_polled"`
}

// HasWakeup reports whether the wakeup signal bit is set.
func (j *Job) HasWakeup() bool {
	return j.PendingSignals&SignalWakeup != 0
}
