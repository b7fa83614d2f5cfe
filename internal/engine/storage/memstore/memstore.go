// Package memstore is an in-memory implementation of the engine's store
// interfaces. It mirrors the transactional semantics of the PostgreSQL
// storage under a single mutex and backs unit tests and local runs where
// no database is available.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cloudweav/jobcore/internal/engine/domain"
	"github.com/cloudweav/jobcore/internal/engine/syncqueue"
)

// Store holds all engine state in process memory. It is safe for
// concurrent use.
type Store struct {
	mu sync.Mutex

	jobs      map[int64]*domain.Job
	nextJobID int64

	queues       map[int64]*domain.SyncQueue
	queueByScope map[string]int64
	nextQueueID  int64

	items      map[int64]*domain.SyncQueueItem
	nextItemID int64

	joins      map[int64]*domain.JoinRecord
	nextJoinID int64

	locks map[int64]bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		jobs:         make(map[int64]*domain.Job),
		queues:       make(map[int64]*domain.SyncQueue),
		queueByScope: make(map[string]int64),
		items:        make(map[int64]*domain.SyncQueueItem),
		joins:        make(map[int64]*domain.JoinRecord),
		locks:        make(map[int64]bool),
	}
}

func scopeKey(objectType string, objectID int64) string {
	return fmt.Sprintf("%s/%d", objectType, objectID)
}

// ---- job store ----

// Persist stores the job and assigns its id.
func (s *Store) Persist(ctx context.Context, job *domain.Job) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextJobID++
	now := time.Now()
	stored := *job
	stored.ID = s.nextJobID
	if stored.Status == "" {
		stored.Status = domain.JobStatusQueued
	}
	stored.Created = now
	stored.LastUpdated = now
	stored.LastPolled = now
	s.jobs[stored.ID] = &stored
	job.ID = stored.ID
	job.Created = now
	return stored.ID, nil
}

// FindByID returns a copy of the job.
func (s *Store) FindByID(ctx context.Context, id int64) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobCopy(id)
}

func (s *Store) jobCopy(id int64) (*domain.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// MarkInProgress moves a non-terminal job to IN_PROGRESS under the given
// executing owner and returns the updated job.
func (s *Store) MarkInProgress(ctx context.Context, id int64, owner string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	if j.Status.IsTerminal() {
		return nil, domain.ErrJobTerminal
	}
	j.Status = domain.JobStatusInProgress
	j.ExecutingOwner = owner
	j.LastUpdated = time.Now()
	cp := *j
	return &cp, nil
}

// UpdateProgress updates the free-form progress indicator of a running job.
func (s *Store) UpdateProgress(ctx context.Context, id int64, processStatus int, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	if j.Status != domain.JobStatusInProgress {
		return domain.ErrJobNotRunning
	}
	j.ProcessStatus = processStatus
	if result != "" {
		j.Result = result
	}
	j.LastUpdated = time.Now()
	return nil
}

// Complete moves the job to a terminal state. Reports false without
// changing anything when the job is already terminal.
func (s *Store) Complete(ctx context.Context, id int64, status domain.JobStatus, resultCode int, result, completingOwner string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, domain.ErrJobNotFound
	}
	if j.Status.IsTerminal() {
		return false, nil
	}
	j.Status = status
	j.ResultCode = resultCode
	j.Result = result
	j.CompletingOwner = completingOwner
	j.ExecutingOwner = ""
	j.LastUpdated = time.Now()
	return true, nil
}

// TakeSignals atomically reads and clears the job's pending signals.
func (s *Store) TakeSignals(ctx context.Context, id int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return 0, domain.ErrJobNotFound
	}
	signals := j.PendingSignals
	j.PendingSignals = 0
	j.LastUpdated = time.Now()
	return signals, nil
}

// SetWakeup sets the WAKEUP signal and records the resuming dispatcher.
func (s *Store) SetWakeup(ctx context.Context, id int64, wakeupDispatcher, wakeupHandler string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	j.PendingSignals |= domain.SignalWakeup
	if wakeupDispatcher != "" {
		j.WakeupDispatcher = wakeupDispatcher
		j.WakeupHandler = wakeupHandler
	}
	j.LastUpdated = time.Now()
	return nil
}

// ClearExecutingOwner drops the executing owner after a run attempt.
func (s *Store) ClearExecutingOwner(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	j.ExecutingOwner = ""
	j.LastUpdated = time.Now()
	return nil
}

// TouchPolled records when the job was last observed by a poller.
func (s *Store) TouchPolled(ctx context.Context, id int64, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	j.LastPolled = t
	return nil
}

// List returns jobs matching the filter, newest first.
func (s *Store) List(ctx context.Context, f domain.JobFilter) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := s.sortedJobs()
	// newest first
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].Created.Equal(jobs[b].Created) {
			return jobs[a].ID > jobs[b].ID
		}
		return jobs[a].Created.After(jobs[b].Created)
	})

	var out []*domain.Job
	for _, j := range jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Dispatcher != "" && j.Dispatcher != f.Dispatcher {
			continue
		}
		if f.InstanceType != "" && (j.InstanceType != f.InstanceType || j.InstanceID != f.InstanceID) {
			continue
		}
		if f.Cursor != nil {
			after := j.Created.After(f.Cursor.Created) ||
				(j.Created.Equal(f.Cursor.Created) && j.ID >= f.Cursor.ID)
			if after {
				continue
			}
		}
		cp := *j
		out = append(out, &cp)
		if f.PageSize > 0 && len(out) >= f.PageSize {
			break
		}
	}
	return out, nil
}

// FindPendingForInstance lists non-terminal jobs attached to the entity.
func (s *Store) FindPendingForInstance(ctx context.Context, instanceType string, instanceID int64) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Job
	for _, j := range s.sortedJobs() {
		if j.InstanceType == instanceType && j.InstanceID == instanceID && !j.Status.IsTerminal() {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

// FindWakeupPending lists non-terminal jobs with an undelivered signal and
// no execution in flight.
func (s *Store) FindWakeupPending(ctx context.Context, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Job
	for _, j := range s.sortedJobs() {
		if j.Status.IsTerminal() || j.PendingSignals == 0 || j.ExecutingOwner != "" {
			continue
		}
		cp := *j
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// FindExpiredUnfinished lists non-terminal jobs created before the cutoff.
func (s *Store) FindExpiredUnfinished(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Job, error) {
	return s.findExpired(cutoff, limit, false)
}

// FindExpiredCompleted lists terminal jobs nobody has polled since the
// cutoff.
func (s *Store) FindExpiredCompleted(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Job, error) {
	return s.findExpired(cutoff, limit, true)
}

func (s *Store) findExpired(cutoff time.Time, limit int, terminal bool) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Job
	for _, j := range s.sortedJobs() {
		if j.Status.IsTerminal() != terminal {
			continue
		}
		// Retention for finished jobs runs off the last poll, so a result
		// somebody still reads stays; unfinished jobs age from creation.
		ref := j.Created
		if terminal {
			ref = j.LastPolled
		}
		if !ref.Before(cutoff) {
			continue
		}
		cp := *j
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// DeleteJobs removes job records for good.
func (s *Store) DeleteJobs(ctx context.Context, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.jobs, id)
	}
	return nil
}

// ResetOrphaned fails every non-terminal job whose executing owner is the
// given node and returns the affected job ids. Used during crash recovery
// and node-departure cleanup.
func (s *Store) ResetOrphaned(ctx context.Context, owner string, resultCode int, result string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	for _, j := range s.sortedJobs() {
		if j.Status.IsTerminal() || j.ExecutingOwner != owner {
			continue
		}
		j.Status = domain.JobStatusFailed
		j.ResultCode = resultCode
		j.Result = result
		j.ExecutingOwner = ""
		j.CompletingOwner = owner
		j.LastUpdated = time.Now()
		ids = append(ids, j.ID)
	}
	return ids, nil
}

func (s *Store) sortedJobs() []*domain.Job {
	out := make([]*domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// ---- sync queue store ----

// EnsureQueue creates the queue for the scope if absent.
func (s *Store) EnsureQueue(ctx context.Context, objectType string, objectID int64, limit int) (*domain.SyncQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.ensureQueueLocked(objectType, objectID, limit)
	cp := *q
	return &cp, nil
}

func (s *Store) ensureQueueLocked(objectType string, objectID int64, limit int) *domain.SyncQueue {
	key := scopeKey(objectType, objectID)
	if id, ok := s.queueByScope[key]; ok {
		return s.queues[id]
	}
	s.nextQueueID++
	q := &domain.SyncQueue{
		ID:             s.nextQueueID,
		ObjectType:     objectType,
		ObjectID:       objectID,
		QueueSizeLimit: limit,
		LastUpdated:    time.Now(),
	}
	s.queues[q.ID] = q
	s.queueByScope[key] = q.ID
	return q
}

// InsertItem appends a waiting item to the queue.
func (s *Store) InsertItem(ctx context.Context, queueID int64, contentType string, contentID int64) (*domain.SyncQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queues[queueID]; !ok {
		return nil, domain.ErrQueueNotFound
	}
	s.nextItemID++
	item := &domain.SyncQueueItem{
		ID:          s.nextItemID,
		QueueID:     queueID,
		ContentType: contentType,
		ContentID:   contentID,
		Created:     time.Now(),
	}
	s.items[item.ID] = item
	cp := *item
	return &cp, nil
}

// ClaimNext claims the oldest waiting item of the queue if admission
// passes, atomically with respect to other claims.
func (s *Store) ClaimNext(ctx context.Context, queueID int64, owner string, pol syncqueue.Policy) (*domain.SyncQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimNextLocked(queueID, owner, pol)
}

func (s *Store) claimNextLocked(queueID int64, owner string, pol syncqueue.Policy) (*domain.SyncQueueItem, error) {
	q, ok := s.queues[queueID]
	if !ok {
		return nil, domain.ErrQueueNotFound
	}

	waiting := s.queueItemsLocked(queueID, false)
	if len(waiting) == 0 {
		return nil, nil
	}
	head := waiting[0]

	secondary, ok := s.admitLocked(q, head, pol)
	if !ok {
		return nil, nil
	}

	now := time.Now()
	q.LastProcessNumber++
	q.QueueSize++
	q.LastUpdated = now
	if secondary != nil {
		secondary.QueueSize++
		secondary.LastUpdated = now
	}
	head.ProcessingOwner = owner
	head.ProcessNumber = q.LastProcessNumber
	head.ProcessStartTime = &now

	cp := *head
	return &cp, nil
}

// admitLocked applies the admission rule: active count below the limit, or
// the documented same-kind exception letting one extra allow-listed item
// run beside a single active item of the same kind. The secondary queue of
// the head item's kind, when configured, must also have capacity.
func (s *Store) admitLocked(q *domain.SyncQueue, head *domain.SyncQueueItem, pol syncqueue.Policy) (*domain.SyncQueue, bool) {
	limited := q.QueueSizeLimit != domain.UnlimitedQueueSize

	headJob := s.itemJobLocked(head)

	if limited && q.QueueSize >= q.QueueSizeLimit {
		if headJob == nil || !pol.SameKindAllowed(headJob.Cmd) {
			return nil, false
		}
		active := s.queueItemsLocked(q.ID, true)
		if len(active) != 1 {
			return nil, false
		}
		activeJob := s.itemJobLocked(active[0])
		if activeJob == nil || activeJob.Cmd != headJob.Cmd {
			return nil, false
		}
	}

	if headJob != nil && pol.SecondaryScope != nil {
		objType, objID, ok := pol.SecondaryScope(headJob)
		if ok {
			sq := s.ensureQueueLocked(objType, objID, pol.SecondaryLimit)
			if sq.QueueSizeLimit != domain.UnlimitedQueueSize && sq.QueueSize >= sq.QueueSizeLimit {
				return nil, false
			}
			return sq, true
		}
	}
	return nil, true
}

func (s *Store) itemJobLocked(item *domain.SyncQueueItem) *domain.Job {
	if item.ContentType != domain.ContentTypeJob {
		return nil
	}
	return s.jobs[item.ContentID]
}

// queueItemsLocked returns the queue's items, claimed or waiting, in FIFO
// order.
func (s *Store) queueItemsLocked(queueID int64, claimed bool) []*domain.SyncQueueItem {
	var out []*domain.SyncQueueItem
	for _, it := range s.items {
		if it.QueueID == queueID && it.IsClaimed() == claimed {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Created.Equal(out[b].Created) {
			return out[a].ID < out[b].ID
		}
		return out[a].Created.Before(out[b].Created)
	})
	return out
}

// ClaimReady claims up to max admissible items across all queues.
func (s *Store) ClaimReady(ctx context.Context, owner string, max int, pol syncqueue.Policy) ([]*domain.SyncQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queueIDs := make([]int64, 0, len(s.queues))
	for id := range s.queues {
		queueIDs = append(queueIDs, id)
	}
	sort.Slice(queueIDs, func(a, b int) bool { return queueIDs[a] < queueIDs[b] })

	var out []*domain.SyncQueueItem
	for _, qid := range queueIDs {
		for max <= 0 || len(out) < max {
			item, err := s.claimNextLocked(qid, owner, pol)
			if err != nil {
				return out, err
			}
			if item == nil {
				break
			}
			out = append(out, item)
		}
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, nil
}

// PurgeItem deletes the item and releases its queue slot. Decrementing a
// queue below zero is a programming error and panics.
func (s *Store) PurgeItem(ctx context.Context, itemID int64, secondaryQueueID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return domain.ErrItemNotFound
	}
	if item.IsClaimed() {
		s.decrementLocked(item.QueueID)
		if secondaryQueueID != 0 {
			s.decrementLocked(secondaryQueueID)
		}
	}
	delete(s.items, itemID)
	return nil
}

// ReturnItem clears the item's processing fields, keeping FIFO position.
func (s *Store) ReturnItem(ctx context.Context, itemID int64, secondaryQueueID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return domain.ErrItemNotFound
	}
	if !item.IsClaimed() {
		return nil
	}
	s.decrementLocked(item.QueueID)
	if secondaryQueueID != 0 {
		s.decrementLocked(secondaryQueueID)
	}
	item.ProcessingOwner = ""
	item.ProcessNumber = 0
	item.ProcessStartTime = nil
	return nil
}

func (s *Store) decrementLocked(queueID int64) {
	q, ok := s.queues[queueID]
	if !ok {
		return
	}
	if q.QueueSize <= 0 {
		panic(fmt.Sprintf("sync queue %d decremented below zero", queueID))
	}
	q.QueueSize--
	q.LastUpdated = time.Now()
}

// QueueByID returns a copy of the queue.
func (s *Store) QueueByID(ctx context.Context, id int64) (*domain.SyncQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[id]
	if !ok {
		return nil, domain.ErrQueueNotFound
	}
	cp := *q
	return &cp, nil
}

// QueueByScope returns the queue for the resource scope, or nil when the
// scope has never been queued against.
func (s *Store) QueueByScope(ctx context.Context, objectType string, objectID int64) (*domain.SyncQueue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.queueByScope[scopeKey(objectType, objectID)]
	if !ok {
		return nil, nil
	}
	cp := *s.queues[id]
	return &cp, nil
}

// ItemByID returns a copy of the item.
func (s *Store) ItemByID(ctx context.Context, id int64) (*domain.SyncQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return nil, domain.ErrItemNotFound
	}
	cp := *it
	return &cp, nil
}

// ItemByContent finds the item referencing the content pair, or nil.
func (s *Store) ItemByContent(ctx context.Context, contentType string, contentID int64) (*domain.SyncQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, it := range s.items {
		if it.ContentType == contentType && it.ContentID == contentID {
			cp := *it
			return &cp, nil
		}
	}
	return nil, nil
}

// ItemsByOwner lists items claimed by the node.
func (s *Store) ItemsByOwner(ctx context.Context, owner string) ([]*domain.SyncQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.SyncQueueItem
	for _, it := range s.items {
		if it.ProcessingOwner == owner {
			cp := *it
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

// ItemsBlockedSince lists claimed items processing since before the cutoff.
func (s *Store) ItemsBlockedSince(ctx context.Context, cutoff time.Time, limit int) ([]*domain.SyncQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.SyncQueueItem
	for _, it := range s.items {
		if it.IsClaimed() && it.ProcessStartTime != nil && it.ProcessStartTime.Before(cutoff) {
			cp := *it
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- join store ----

// Insert stores a join record and assigns its id.
func (s *Store) Insert(ctx context.Context, rec *domain.JoinRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextJoinID++
	stored := *rec
	stored.ID = s.nextJoinID
	s.joins[stored.ID] = &stored
	rec.ID = stored.ID
	return stored.ID, nil
}

// Delete removes the record linking the two jobs.
func (s *Store) Delete(ctx context.Context, jobID, joinedJobID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.joins {
		if rec.JobID == jobID && rec.JoinedJobID == joinedJobID {
			delete(s.joins, id)
			n++
		}
	}
	return n, nil
}

// DeleteByID removes one join record.
func (s *Store) DeleteByID(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.joins, id)
	return nil
}

// FindJoinersOf lists records of jobs waiting on joinedJobID.
func (s *Store) FindJoinersOf(ctx context.Context, joinedJobID int64) ([]*domain.JoinRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.JoinRecord
	for _, rec := range s.sortedJoins() {
		if rec.JoinedJobID == joinedJobID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

// FindDue lists unexpired records whose next wakeup time has passed.
func (s *Store) FindDue(ctx context.Context, now time.Time, limit int) ([]*domain.JoinRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.JoinRecord
	for _, rec := range s.sortedJoins() {
		if !rec.NextWakeup.After(now) && rec.Expiration.After(now) {
			cp := *rec
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// FindExpired lists records whose expiration has passed.
func (s *Store) FindExpired(ctx context.Context, now time.Time, limit int) ([]*domain.JoinRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.JoinRecord
	for _, rec := range s.sortedJoins() {
		if !rec.Expiration.After(now) {
			cp := *rec
			out = append(out, &cp)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// UpdateNextWakeup advances a record's poll deadline.
func (s *Store) UpdateNextWakeup(ctx context.Context, id int64, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.joins[id]
	if !ok {
		return domain.ErrJoinNotFound
	}
	rec.NextWakeup = next
	return nil
}

func (s *Store) sortedJoins() []*domain.JoinRecord {
	out := make([]*domain.JoinRecord, 0, len(s.joins))
	for _, rec := range s.joins {
		out = append(out, rec)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

// ---- advisory lock ----

// TryLock acquires the keyed lock without blocking, reporting success.
func (s *Store) TryLock(ctx context.Context, key int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locks[key] {
		return false, nil
	}
	s.locks[key] = true
	return true, nil
}

// Unlock releases the keyed lock.
func (s *Store) Unlock(ctx context.Context, key int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, key)
	return nil
}
