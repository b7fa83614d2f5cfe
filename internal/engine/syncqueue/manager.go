package syncqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go"

	"github.com/cloudweav/jobcore/internal/engine/domain"
)

// Policy configures the subsequent-concurrency escape hatch. A job kind in
// AllowSameKind may run as the one extra item alongside an already-active
// item of the same kind. SecondaryScope maps such a job onto the coarser
// queue it also contends on (e.g. the host owning a volume); both queues
// are checked before admission and adjusted together afterwards.
type Policy struct {
	AllowSameKind  map[string]bool
	SecondaryScope func(job *domain.Job) (objectType string, objectID int64, ok bool)
	// SecondaryLimit is the concurrency bound applied when a secondary
	// queue is created lazily at admission time.
	SecondaryLimit int
}

// SameKindAllowed reports whether kind may use the extra concurrent slot.
func (p Policy) SameKindAllowed(kind string) bool {
	return p.AllowSameKind[kind]
}

// Store is the transactional persistence the manager runs on. Every method
// that inspects and mutates queue state (ClaimNext, ClaimReady, PurgeItem,
// ReturnItem) must do so atomically with respect to concurrent calls.
type Store interface {
	// EnsureQueue creates the queue row for the scope if absent and
	// returns it. The limit is applied on create; an existing queue keeps
	// its configured limit.
	EnsureQueue(ctx context.Context, objectType string, objectID int64, limit int) (*domain.SyncQueue, error)
	// InsertItem appends a waiting item to the queue.
	InsertItem(ctx context.Context, queueID int64, contentType string, contentID int64) (*domain.SyncQueueItem, error)
	// ClaimNext claims the oldest waiting item of the queue if admission
	// passes under pol, returning nil when nothing is admissible.
	ClaimNext(ctx context.Context, queueID int64, owner string, pol Policy) (*domain.SyncQueueItem, error)
	// ClaimReady applies the same admission across all queues with
	// waiting items, claiming at most max items.
	ClaimReady(ctx context.Context, owner string, max int, pol Policy) ([]*domain.SyncQueueItem, error)
	// PurgeItem deletes the item and decrements its queue's active size;
	// secondaryQueueID, when non-zero, is decremented in the same
	// transaction.
	PurgeItem(ctx context.Context, itemID int64, secondaryQueueID int64) error
	// ReturnItem clears the item's processing fields without deleting it,
	// preserving its FIFO position.
	ReturnItem(ctx context.Context, itemID int64, secondaryQueueID int64) error

	QueueByID(ctx context.Context, id int64) (*domain.SyncQueue, error)
	QueueByScope(ctx context.Context, objectType string, objectID int64) (*domain.SyncQueue, error)
	ItemByID(ctx context.Context, id int64) (*domain.SyncQueueItem, error)
	ItemByContent(ctx context.Context, contentType string, contentID int64) (*domain.SyncQueueItem, error)
	ItemsByOwner(ctx context.Context, owner string) ([]*domain.SyncQueueItem, error)
	// ItemsBlockedSince returns claimed items whose processing started
	// before the cutoff.
	ItemsBlockedSince(ctx context.Context, cutoff time.Time, limit int) ([]*domain.SyncQueueItem, error)
}

// JobLookup resolves job-backed queue items to their jobs.
type JobLookup interface {
	FindByID(ctx context.Context, id int64) (*domain.Job, error)
}

// Config holds manager tuning.
type Config struct {
	// EnqueueRetries bounds the randomized-backoff retry on transient
	// store contention during Enqueue.
	EnqueueRetries uint
	// EnqueueRetryDelay is the base delay between enqueue attempts.
	EnqueueRetryDelay time.Duration
}

// Manager admits and serializes job execution per named resource scope.
type Manager struct {
	store  Store
	jobs   JobLookup
	policy Policy
	cfg    Config
	logger *slog.Logger
}

// NewManager creates a sync queue manager.
func NewManager(store Store, jobs JobLookup, policy Policy, cfg Config, logger *slog.Logger) *Manager {
	if cfg.EnqueueRetries == 0 {
		cfg.EnqueueRetries = 3
	}
	if cfg.EnqueueRetryDelay <= 0 {
		cfg.EnqueueRetryDelay = 100 * time.Millisecond
	}
	return &Manager{
		store:  store,
		jobs:   jobs,
		policy: policy,
		cfg:    cfg,
		logger: logger,
	}
}

// Enqueue ensures the queue for the resource scope exists and appends a new
// item. Transient store contention is retried a bounded number of times
// with randomized backoff; exhausting the retries is fatal for the
// submission and surfaced to the caller.
func (m *Manager) Enqueue(ctx context.Context, objectType string, objectID int64, contentType string, contentID int64, queueSizeLimit int) (*domain.SyncQueue, error) {
	var queue *domain.SyncQueue

	err := retry.Do(
		func() error {
			q, err := m.store.EnsureQueue(ctx, objectType, objectID, queueSizeLimit)
			if err != nil {
				return err
			}
			if _, err := m.store.InsertItem(ctx, q.ID, contentType, contentID); err != nil {
				return err
			}
			queue = q
			return nil
		},
		retry.Attempts(m.cfg.EnqueueRetries),
		retry.Delay(m.cfg.EnqueueRetryDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.MaxJitter(m.cfg.EnqueueRetryDelay),
		retry.RetryIf(domain.IsTransient),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		m.logger.Error("Failed to enqueue sync queue item",
			slog.String("object_type", objectType),
			slog.Int64("object_id", objectID),
			slog.String("content_type", contentType),
			slog.Int64("content_id", contentID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("enqueue %s/%d on %s/%d: %w", contentType, contentID, objectType, objectID, err)
	}

	m.logger.Debug("Sync queue item enqueued",
		slog.Int64("queue_id", queue.ID),
		slog.String("object_type", objectType),
		slog.Int64("object_id", objectID),
		slog.Int64("content_id", contentID),
	)
	return queue, nil
}

// DequeueOne claims the next admissible item of one queue for ownerNode,
// returning nil when the queue is empty or its concurrency budget is used
// up. Admission is strictly FIFO, except that the head item may be admitted
// one slot over the limit when its job kind is allow-listed and exactly one
// active item of the same kind is running.
func (m *Manager) DequeueOne(ctx context.Context, queueID int64, ownerNode string) (*domain.SyncQueueItem, error) {
	item, err := m.store.ClaimNext(ctx, queueID, ownerNode, m.policy)
	if err != nil {
		return nil, fmt.Errorf("dequeue from queue %d: %w", queueID, err)
	}
	if item != nil {
		m.logger.Debug("Sync queue item claimed",
			slog.Int64("queue_id", queueID),
			slog.Int64("item_id", item.ID),
			slog.Int64("process_number", item.ProcessNumber),
			slog.String("owner", ownerNode),
		)
	}
	return item, nil
}

// DequeueAny claims up to maxItems admissible items across all queues.
// Used by the periodic drain sweep.
func (m *Manager) DequeueAny(ctx context.Context, ownerNode string, maxItems int) ([]*domain.SyncQueueItem, error) {
	items, err := m.store.ClaimReady(ctx, ownerNode, maxItems, m.policy)
	if err != nil {
		return nil, fmt.Errorf("dequeue ready items: %w", err)
	}
	if len(items) > 0 {
		m.logger.Debug("Sync queue drain claimed items",
			slog.Int("count", len(items)),
			slog.String("owner", ownerNode),
		)
	}
	return items, nil
}

// Release purges the item after its work finished, successfully or not,
// freeing the queue slot. For job kinds with a secondary queue dependency
// the secondary queue's active count is decremented in lockstep.
func (m *Manager) Release(ctx context.Context, itemID int64) error {
	item, err := m.store.ItemByID(ctx, itemID)
	if err != nil {
		return err
	}
	secondary, err := m.secondaryQueueID(ctx, item)
	if err != nil {
		return err
	}
	if err := m.store.PurgeItem(ctx, itemID, secondary); err != nil {
		return fmt.Errorf("purge item %d: %w", itemID, err)
	}
	m.logger.Debug("Sync queue item released",
		slog.Int64("item_id", itemID),
		slog.Int64("queue_id", item.QueueID),
	)
	return nil
}

// ReturnToQueue clears the item's ownership so it is picked up by a later
// drain cycle, keeping its FIFO position. Used when a claimed item could
// not actually start, and by the wakeup scan to re-arm suspended jobs.
func (m *Manager) ReturnToQueue(ctx context.Context, itemID int64) error {
	item, err := m.store.ItemByID(ctx, itemID)
	if err != nil {
		return err
	}
	if !item.IsClaimed() {
		return nil
	}
	secondary, err := m.secondaryQueueID(ctx, item)
	if err != nil {
		return err
	}
	if err := m.store.ReturnItem(ctx, itemID, secondary); err != nil {
		return fmt.Errorf("return item %d: %w", itemID, err)
	}
	m.logger.Debug("Sync queue item returned to queue",
		slog.Int64("item_id", itemID),
		slog.Int64("queue_id", item.QueueID),
	)
	return nil
}

// ItemForJob finds the queue item gating the given job, if any.
func (m *Manager) ItemForJob(ctx context.Context, jobID int64) (*domain.SyncQueueItem, error) {
	return m.store.ItemByContent(ctx, domain.ContentTypeJob, jobID)
}

// ItemsOwnedBy lists items currently claimed by a node. Used by the
// membership adapter during departure cleanup.
func (m *Manager) ItemsOwnedBy(ctx context.Context, ownerNode string) ([]*domain.SyncQueueItem, error) {
	return m.store.ItemsByOwner(ctx, ownerNode)
}

// ItemsBlockedSince lists claimed items processing since before the cutoff.
// Used by the reaper's force-cancel pass.
func (m *Manager) ItemsBlockedSince(ctx context.Context, cutoff time.Time, limit int) ([]*domain.SyncQueueItem, error) {
	return m.store.ItemsBlockedSince(ctx, cutoff, limit)
}

// QueueByScope looks up a queue by its resource scope.
func (m *Manager) QueueByScope(ctx context.Context, objectType string, objectID int64) (*domain.SyncQueue, error) {
	return m.store.QueueByScope(ctx, objectType, objectID)
}

// secondaryQueueID resolves the id of the coarser queue a job-backed item
// also counts against, or zero when the item's kind has no secondary scope.
func (m *Manager) secondaryQueueID(ctx context.Context, item *domain.SyncQueueItem) (int64, error) {
	if item.ContentType != domain.ContentTypeJob || m.policy.SecondaryScope == nil {
		return 0, nil
	}
	job, err := m.jobs.FindByID(ctx, item.ContentID)
	if err != nil {
		// The job may already be reaped; the primary queue can still be
		// decremented on its own.
		return 0, nil
	}
	objType, objID, ok := m.policy.SecondaryScope(job)
	if !ok {
		return 0, nil
	}
	q, err := m.store.QueueByScope(ctx, objType, objID)
	if err != nil || q == nil {
		return 0, nil
	}
	return q.ID, nil
}
