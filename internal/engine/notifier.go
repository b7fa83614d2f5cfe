package engine

import (
	"context"
	"sync"
	"time"

	"github.com/cloudweav/jobcore/internal/engine/domain"
)

// JobStateEvent announces that a job changed state. Delivery is best
// effort; consumers fall back to polling the store.
type JobStateEvent struct {
	JobID      int64            `json:"job_id"`
	Status     domain.JobStatus `json:"status"`
	ResultCode int              `json:"result_code"`
	NodeID     string           `json:"node_id"`
	Timestamp  time.Time        `json:"timestamp"`
}

// Notifier is the change-notification channel. The production
// implementation rides on the message bus; an in-process one serves tests
// and single-node runs.
type Notifier interface {
	// PublishJobStateChanged announces the event. Failures are logged by
	// the caller, never treated as fatal.
	PublishJobStateChanged(ctx context.Context, ev JobStateEvent) error
	// Subscribe returns a channel of events for the job id and a cancel
	// function. Events may be dropped when the subscriber lags.
	Subscribe(jobID int64) (<-chan JobStateEvent, func())
}

// LocalNotifier fans events out to in-process subscribers. Sends never
// block; a slow subscriber misses events and is expected to poll.
type LocalNotifier struct {
	mu     sync.Mutex
	nextID int64
	subs   map[int64]map[int64]chan JobStateEvent
}

// NewLocalNotifier creates an in-process notifier.
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[int64]map[int64]chan JobStateEvent)}
}

// PublishJobStateChanged delivers the event to current subscribers.
func (n *LocalNotifier) PublishJobStateChanged(ctx context.Context, ev JobStateEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ch := range n.subs[ev.JobID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe registers interest in one job's state changes.
func (n *LocalNotifier) Subscribe(jobID int64) (<-chan JobStateEvent, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextID++
	id := n.nextID
	ch := make(chan JobStateEvent, 4)
	if n.subs[jobID] == nil {
		n.subs[jobID] = make(map[int64]chan JobStateEvent)
	}
	n.subs[jobID][id] = ch

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if m := n.subs[jobID]; m != nil {
			delete(m, id)
			if len(m) == 0 {
				delete(n.subs, jobID)
			}
		}
	}
	return ch, cancel
}
