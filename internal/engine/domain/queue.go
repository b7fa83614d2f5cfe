package domain

import "time"

// Content types referenced by sync queue items. Almost everything is a job;
// the generic pair leaves room for pseudo-job work units.
const (
	ContentTypeJob = "job"
)

// UnlimitedQueueSize disables the concurrency bound for a queue.
const UnlimitedQueueSize = 0

// SyncQueue serializes execution against one named resource scope,
// e.g. ("host", 42). QueueSize is the live count of claimed items and
// QueueSize <= QueueSizeLimit is the single admission truth; the same-kind
// concurrency exception widens the effective limit by one at claim time,
// the stored limit never changes.
type SyncQueue struct {
	ID                int64     `db:"id"`
	ObjectType        string    `db:"object_type"`
	ObjectID          int64     `db:"object_id"`
	QueueSize         int       `db:"queue_size"`
	QueueSizeLimit    int       `db:"queue_size_limit"`
	LastProcessNumber int64     `db:"last_process_number"`
	LastUpdated       time.Time `db:"last_updated"`
}

// SyncQueueItem is one FIFO entry in a SyncQueue. A non-empty
// ProcessingOwner means the item is claimed and counts toward the queue's
// active size; an empty one means it is still waiting.
type SyncQueueItem struct {
	ID               int64      `db:"id"`
	QueueID          int64      `db:"queue_id"`
	ContentType      string     `db:"content_type"`
	ContentID        int64      `db:"content_id"`
	ProcessingOwner  string     `db:"processing_owner"`
	ProcessNumber    int64      `db:"process_number"`
	ProcessStartTime *time.Time `db:"process_start_time"`
	Created          time.Time  `db:"created"`
}

// IsClaimed reports whether the item is currently held by a node.
func (i *SyncQueueItem) IsClaimed() bool {
	return i.ProcessingOwner != ""
}

// JoinRecord declares that JobID waits for JoinedJobID to complete.
// It is resolved (deleted) exactly once, either by the completion callback
// or by the expiration scan.
type JoinRecord struct {
	ID               int64         `db:"id"`
	JobID            int64         `db:"job_id"`
	JoinedJobID      int64         `db:"joined_job_id"`
	OwnerNode        string        `db:"owner_node"`
	WakeupHandler    string        `db:"wakeup_handler"`
	WakeupDispatcher string        `db:"wakeup_dispatcher"`
	PollInterval     time.Duration `db:"poll_interval"`
	NextWakeup       time.Time     `db:"next_wakeup"`
	Expiration       time.Time     `db:"expiration"`
	Created          time.Time     `db:"created"`
}
