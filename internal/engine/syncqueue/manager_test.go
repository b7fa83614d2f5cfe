package syncqueue_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudweav/jobcore/internal/engine/domain"
	"github.com/cloudweav/jobcore/internal/engine/storage/memstore"
	"github.com/cloudweav/jobcore/internal/engine/syncqueue"
)

func newManager(t *testing.T, policy syncqueue.Policy) (*syncqueue.Manager, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	mgr := syncqueue.NewManager(store, store, policy, syncqueue.Config{}, slog.Default())
	return mgr, store
}

func persistJob(t *testing.T, store *memstore.Store, cmd string, instanceID int64) *domain.Job {
	t.Helper()
	job := &domain.Job{
		Dispatcher:   "test",
		Cmd:          cmd,
		Status:       domain.JobStatusQueued,
		InstanceType: "volume",
		InstanceID:   instanceID,
	}
	_, err := store.Persist(context.Background(), job)
	require.NoError(t, err)
	return job
}

func enqueueJob(t *testing.T, mgr *syncqueue.Manager, objectType string, objectID int64, jobID int64, limit int) *domain.SyncQueue {
	t.Helper()
	q, err := mgr.Enqueue(context.Background(), objectType, objectID, domain.ContentTypeJob, jobID, limit)
	require.NoError(t, err)
	return q
}

func TestEnqueueCreatesQueueAndItem(t *testing.T) {
	ctx := context.Background()
	mgr, store := newManager(t, syncqueue.Policy{})
	job := persistJob(t, store, "vm.start", 1)

	q := enqueueJob(t, mgr, "vm", 1, job.ID, 1)
	assert.Equal(t, "vm", q.ObjectType)
	assert.Equal(t, int64(1), q.ObjectID)
	assert.Equal(t, 1, q.QueueSizeLimit)
	assert.Equal(t, 0, q.QueueSize)

	item, err := mgr.ItemForJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, q.ID, item.QueueID)
	assert.False(t, item.IsClaimed())
}

func TestEnqueueKeepsExistingLimit(t *testing.T) {
	ctx := context.Background()
	mgr, store := newManager(t, syncqueue.Policy{})
	jobA := persistJob(t, store, "vm.start", 1)
	jobB := persistJob(t, store, "vm.stop", 1)

	enqueueJob(t, mgr, "vm", 1, jobA.ID, 2)
	// A later submission with a different limit must not reconfigure the queue
	enqueueJob(t, mgr, "vm", 1, jobB.ID, 5)

	q, err := mgr.QueueByScope(ctx, "vm", 1)
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Equal(t, 2, q.QueueSizeLimit)
}

func TestDequeueRespectsFIFOAndLimit(t *testing.T) {
	ctx := context.Background()
	mgr, store := newManager(t, syncqueue.Policy{})
	first := persistJob(t, store, "vm.start", 1)
	second := persistJob(t, store, "vm.stop", 1)

	q := enqueueJob(t, mgr, "vm", 1, first.ID, 1)
	enqueueJob(t, mgr, "vm", 1, second.ID, 1)

	item, err := mgr.DequeueOne(ctx, q.ID, "node-a")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, first.ID, item.ContentID)
	assert.Equal(t, "node-a", item.ProcessingOwner)
	assert.Equal(t, int64(1), item.ProcessNumber)

	// Concurrency budget is used up
	blocked, err := mgr.DequeueOne(ctx, q.ID, "node-a")
	require.NoError(t, err)
	assert.Nil(t, blocked)

	require.NoError(t, mgr.Release(ctx, item.ID))

	next, err := mgr.DequeueOne(ctx, q.ID, "node-a")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, second.ID, next.ContentID)
	assert.Equal(t, int64(2), next.ProcessNumber)
}

func TestDequeueUnlimitedQueue(t *testing.T) {
	ctx := context.Background()
	mgr, store := newManager(t, syncqueue.Policy{})

	var q *domain.SyncQueue
	for i := 0; i < 5; i++ {
		job := persistJob(t, store, "vm.start", 1)
		q = enqueueJob(t, mgr, "vm", 1, job.ID, domain.UnlimitedQueueSize)
	}

	for i := 0; i < 5; i++ {
		item, err := mgr.DequeueOne(ctx, q.ID, "node-a")
		require.NoError(t, err)
		require.NotNil(t, item, "claim %d should be admitted", i+1)
	}
}

func TestSameKindExceptionAdmitsOneExtra(t *testing.T) {
	ctx := context.Background()
	policy := syncqueue.Policy{
		AllowSameKind: map[string]bool{"snapshot.create": true},
	}
	mgr, store := newManager(t, policy)

	jobs := make([]*domain.Job, 3)
	var q *domain.SyncQueue
	for i := range jobs {
		jobs[i] = persistJob(t, store, "snapshot.create", 1)
		q = enqueueJob(t, mgr, "volume", 1, jobs[i].ID, 1)
	}

	first, err := mgr.DequeueOne(ctx, q.ID, "node-a")
	require.NoError(t, err)
	require.NotNil(t, first)

	// The queue is at its limit, but the head is an allow-listed kind and
	// exactly one item of the same kind is active
	extra, err := mgr.DequeueOne(ctx, q.ID, "node-a")
	require.NoError(t, err)
	require.NotNil(t, extra)
	assert.Equal(t, jobs[1].ID, extra.ContentID)

	// With two active items the exception no longer applies
	third, err := mgr.DequeueOne(ctx, q.ID, "node-a")
	require.NoError(t, err)
	assert.Nil(t, third)
}

func TestSameKindExceptionRequiresMatchingActiveKind(t *testing.T) {
	ctx := context.Background()
	policy := syncqueue.Policy{
		AllowSameKind: map[string]bool{"snapshot.create": true},
	}
	mgr, store := newManager(t, policy)

	running := persistJob(t, store, "volume.resize", 1)
	waiting := persistJob(t, store, "snapshot.create", 1)

	q := enqueueJob(t, mgr, "volume", 1, running.ID, 1)
	enqueueJob(t, mgr, "volume", 1, waiting.ID, 1)

	first, err := mgr.DequeueOne(ctx, q.ID, "node-a")
	require.NoError(t, err)
	require.NotNil(t, first)

	// The single active item is a different kind, so the head stays queued
	blocked, err := mgr.DequeueOne(ctx, q.ID, "node-a")
	require.NoError(t, err)
	assert.Nil(t, blocked)
}

func TestSameKindExceptionDeniedForUnlistedKind(t *testing.T) {
	ctx := context.Background()
	mgr, store := newManager(t, syncqueue.Policy{})

	var q *domain.SyncQueue
	for i := 0; i < 2; i++ {
		job := persistJob(t, store, "snapshot.create", 1)
		q = enqueueJob(t, mgr, "volume", 1, job.ID, 1)
	}

	first, err := mgr.DequeueOne(ctx, q.ID, "node-a")
	require.NoError(t, err)
	require.NotNil(t, first)

	blocked, err := mgr.DequeueOne(ctx, q.ID, "node-a")
	require.NoError(t, err)
	assert.Nil(t, blocked)
}

func TestSecondaryScopePropagation(t *testing.T) {
	ctx := context.Background()
	policy := syncqueue.Policy{
		SecondaryScope: func(job *domain.Job) (string, int64, bool) {
			// Volumes 1 and 2 both live on host 7
			return "host", 7, true
		},
		SecondaryLimit: 1,
	}
	mgr, store := newManager(t, policy)

	onVolumeOne := persistJob(t, store, "snapshot.create", 1)
	onVolumeTwo := persistJob(t, store, "snapshot.create", 2)

	qOne := enqueueJob(t, mgr, "volume", 1, onVolumeOne.ID, 1)
	qTwo := enqueueJob(t, mgr, "volume", 2, onVolumeTwo.ID, 1)

	first, err := mgr.DequeueOne(ctx, qOne.ID, "node-a")
	require.NoError(t, err)
	require.NotNil(t, first)

	host, err := mgr.QueueByScope(ctx, "host", 7)
	require.NoError(t, err)
	require.NotNil(t, host)
	assert.Equal(t, 1, host.QueueSize)

	// The shared host queue is full, so the other volume's job must wait
	blocked, err := mgr.DequeueOne(ctx, qTwo.ID, "node-a")
	require.NoError(t, err)
	assert.Nil(t, blocked)

	// Releasing the first job frees the host slot in lockstep
	require.NoError(t, mgr.Release(ctx, first.ID))

	host, err = mgr.QueueByScope(ctx, "host", 7)
	require.NoError(t, err)
	assert.Equal(t, 0, host.QueueSize)

	next, err := mgr.DequeueOne(ctx, qTwo.ID, "node-a")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, onVolumeTwo.ID, next.ContentID)
}

func TestReturnToQueueKeepsFIFOPosition(t *testing.T) {
	ctx := context.Background()
	mgr, store := newManager(t, syncqueue.Policy{})
	first := persistJob(t, store, "vm.start", 1)
	second := persistJob(t, store, "vm.stop", 1)

	q := enqueueJob(t, mgr, "vm", 1, first.ID, 1)
	enqueueJob(t, mgr, "vm", 1, second.ID, 1)

	item, err := mgr.DequeueOne(ctx, q.ID, "node-a")
	require.NoError(t, err)
	require.NotNil(t, item)

	require.NoError(t, mgr.ReturnToQueue(ctx, item.ID))

	current, err := mgr.QueueByScope(ctx, "vm", 1)
	require.NoError(t, err)
	assert.Equal(t, 0, current.QueueSize)

	// The returned item keeps its position ahead of the second job
	again, err := mgr.DequeueOne(ctx, q.ID, "node-b")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, item.ID, again.ID)
	assert.Equal(t, first.ID, again.ContentID)
	assert.Equal(t, "node-b", again.ProcessingOwner)
}

func TestReturnToQueueUnclaimedIsNoop(t *testing.T) {
	ctx := context.Background()
	mgr, store := newManager(t, syncqueue.Policy{})
	job := persistJob(t, store, "vm.start", 1)
	enqueueJob(t, mgr, "vm", 1, job.ID, 1)

	item, err := mgr.ItemForJob(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, mgr.ReturnToQueue(ctx, item.ID))

	current, err := mgr.QueueByScope(ctx, "vm", 1)
	require.NoError(t, err)
	assert.Equal(t, 0, current.QueueSize)
}

func TestDequeueAnyClaimsAcrossQueues(t *testing.T) {
	ctx := context.Background()
	mgr, store := newManager(t, syncqueue.Policy{})

	for i := int64(1); i <= 3; i++ {
		job := persistJob(t, store, "vm.start", i)
		enqueueJob(t, mgr, "vm", i, job.ID, 1)
	}

	items, err := mgr.DequeueAny(ctx, "node-a", 2)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	rest, err := mgr.DequeueAny(ctx, "node-a", 10)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestDequeueAnyDrainsQueueToLimit(t *testing.T) {
	ctx := context.Background()
	mgr, store := newManager(t, syncqueue.Policy{})

	// One queue with room for three, one serialized queue with two waiting
	for i := 0; i < 3; i++ {
		job := persistJob(t, store, "vm.start", 1)
		enqueueJob(t, mgr, "vm", 1, job.ID, 3)
	}
	for i := 0; i < 2; i++ {
		job := persistJob(t, store, "host.maintain", 2)
		enqueueJob(t, mgr, "host", 2, job.ID, 1)
	}

	// A single sweep admits each queue up to its own limit
	items, err := mgr.DequeueAny(ctx, "node-a", 10)
	require.NoError(t, err)
	assert.Len(t, items, 4)

	qVM, err := mgr.QueueByScope(ctx, "vm", 1)
	require.NoError(t, err)
	require.NotNil(t, qVM)
	assert.Equal(t, 3, qVM.QueueSize)

	qHost, err := mgr.QueueByScope(ctx, "host", 2)
	require.NoError(t, err)
	require.NotNil(t, qHost)
	assert.Equal(t, 1, qHost.QueueSize)
}

func TestItemsOwnedBy(t *testing.T) {
	ctx := context.Background()
	mgr, store := newManager(t, syncqueue.Policy{})

	jobA := persistJob(t, store, "vm.start", 1)
	jobB := persistJob(t, store, "vm.start", 2)
	qA := enqueueJob(t, mgr, "vm", 1, jobA.ID, 1)
	enqueueJob(t, mgr, "vm", 2, jobB.ID, 1)

	_, err := mgr.DequeueOne(ctx, qA.ID, "node-a")
	require.NoError(t, err)

	owned, err := mgr.ItemsOwnedBy(ctx, "node-a")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, jobA.ID, owned[0].ContentID)

	none, err := mgr.ItemsOwnedBy(ctx, "node-b")
	require.NoError(t, err)
	assert.Empty(t, none)
}
