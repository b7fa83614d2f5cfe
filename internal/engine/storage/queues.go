package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cloudweav/jobcore/internal/engine/domain"
	"github.com/cloudweav/jobcore/internal/engine/syncqueue"
)

const queueColumns = `id, object_type, object_id, queue_size, queue_size_limit, last_process_number, last_updated`

const itemColumns = `id, queue_id, content_type, content_id,
	COALESCE(processing_owner, '') AS processing_owner,
	COALESCE(process_number, 0) AS process_number,
	process_start_time, created`

// EnsureQueue creates the queue row for the scope if absent and returns
// it. The limit only applies on create; an existing queue keeps its
// configured limit.
func (s *Storage) EnsureQueue(ctx context.Context, objectType string, objectID int64, limit int) (*domain.SyncQueue, error) {
	insert := `
		INSERT INTO sync_queues (object_type, object_id, queue_size_limit)
		VALUES ($1, $2, $3)
		ON CONFLICT (object_type, object_id) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, insert, objectType, objectID, limit); err != nil {
		return nil, fmt.Errorf("ensure queue %s/%d: %w", objectType, objectID, mapError(err))
	}

	var q domain.SyncQueue
	query := `SELECT ` + queueColumns + ` FROM sync_queues WHERE object_type = $1 AND object_id = $2`
	if err := s.db.GetContext(ctx, &q, query, objectType, objectID); err != nil {
		return nil, fmt.Errorf("select queue %s/%d: %w", objectType, objectID, mapError(err))
	}
	return &q, nil
}

// InsertItem appends a waiting item at the tail of the queue.
func (s *Storage) InsertItem(ctx context.Context, queueID int64, contentType string, contentID int64) (*domain.SyncQueueItem, error) {
	item := domain.SyncQueueItem{
		QueueID:     queueID,
		ContentType: contentType,
		ContentID:   contentID,
	}
	query := `
		INSERT INTO sync_queue_items (queue_id, content_type, content_id)
		VALUES ($1, $2, $3)
		RETURNING id, created`

	if err := s.db.QueryRowxContext(ctx, query, queueID, contentType, contentID).Scan(&item.ID, &item.Created); err != nil {
		return nil, fmt.Errorf("insert queue item: %w", mapError(err))
	}
	return &item, nil
}

// ClaimNext claims the oldest waiting item of the queue if admission
// passes, returning nil when nothing is admissible.
func (s *Storage) ClaimNext(ctx context.Context, queueID int64, owner string, pol syncqueue.Policy) (*domain.SyncQueueItem, error) {
	var item *domain.SyncQueueItem
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		item, err = s.claimNextTx(ctx, tx, queueID, owner, pol)
		return err
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// ClaimReady applies admission across every queue with waiting items,
// claiming at most max of them in one transaction.
func (s *Storage) ClaimReady(ctx context.Context, owner string, max int, pol syncqueue.Policy) ([]*domain.SyncQueueItem, error) {
	var claimed []*domain.SyncQueueItem
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		queueIDs := []int64{}
		query := `
			SELECT DISTINCT queue_id FROM sync_queue_items
			WHERE processing_owner IS NULL
			ORDER BY queue_id`
		if err := tx.SelectContext(ctx, &queueIDs, query); err != nil {
			return fmt.Errorf("list ready queues: %w", err)
		}

		for _, queueID := range queueIDs {
			// Drain each queue to its admission limit, not one item per sweep
			for max <= 0 || len(claimed) < max {
				item, err := s.claimNextTx(ctx, tx, queueID, owner, pol)
				if err != nil {
					return err
				}
				if item == nil {
					break
				}
				claimed = append(claimed, item)
			}
			if max > 0 && len(claimed) >= max {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// claimNextTx locks the queue row, checks admission on the head item and
// claims it together with its secondary queue slot.
func (s *Storage) claimNextTx(ctx context.Context, tx *sqlx.Tx, queueID int64, owner string, pol syncqueue.Policy) (*domain.SyncQueueItem, error) {
	var q domain.SyncQueue
	err := tx.GetContext(ctx, &q, `SELECT `+queueColumns+` FROM sync_queues WHERE id = $1 FOR UPDATE`, queueID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrQueueNotFound
		}
		return nil, fmt.Errorf("lock queue %d: %w", queueID, err)
	}

	var head domain.SyncQueueItem
	headQuery := `
		SELECT ` + itemColumns + ` FROM sync_queue_items
		WHERE queue_id = $1 AND processing_owner IS NULL
		ORDER BY created, id
		LIMIT 1
		FOR UPDATE`
	if err := tx.GetContext(ctx, &head, headQuery, queueID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select head of queue %d: %w", queueID, err)
	}

	headJob, err := s.itemJobTx(ctx, tx, &head)
	if err != nil {
		return nil, err
	}

	limited := q.QueueSizeLimit != domain.UnlimitedQueueSize
	if limited && q.QueueSize >= q.QueueSizeLimit {
		ok, err := s.sameKindAdmitTx(ctx, tx, &q, headJob, pol)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
	}

	var secondaryID int64
	if headJob != nil && pol.SecondaryScope != nil {
		objType, objID, ok := pol.SecondaryScope(headJob)
		if ok {
			sq, err := s.ensureQueueForUpdateTx(ctx, tx, objType, objID, pol.SecondaryLimit)
			if err != nil {
				return nil, err
			}
			if sq.QueueSizeLimit != domain.UnlimitedQueueSize && sq.QueueSize >= sq.QueueSizeLimit {
				return nil, nil
			}
			secondaryID = sq.ID
		}
	}

	var processNumber int64
	claimQueue := `
		UPDATE sync_queues
		SET queue_size = queue_size + 1, last_process_number = last_process_number + 1, last_updated = NOW()
		WHERE id = $1
		RETURNING last_process_number`
	if err := tx.QueryRowxContext(ctx, claimQueue, queueID).Scan(&processNumber); err != nil {
		return nil, fmt.Errorf("claim slot on queue %d: %w", queueID, err)
	}
	if secondaryID != 0 {
		bump := `UPDATE sync_queues SET queue_size = queue_size + 1, last_updated = NOW() WHERE id = $1`
		if _, err := tx.ExecContext(ctx, bump, secondaryID); err != nil {
			return nil, fmt.Errorf("claim slot on secondary queue %d: %w", secondaryID, err)
		}
	}

	var started time.Time
	claimItem := `
		UPDATE sync_queue_items
		SET processing_owner = $1, process_number = $2, process_start_time = NOW()
		WHERE id = $3
		RETURNING process_start_time`
	if err := tx.QueryRowxContext(ctx, claimItem, owner, processNumber, head.ID).Scan(&started); err != nil {
		return nil, fmt.Errorf("claim queue item %d: %w", head.ID, err)
	}

	head.ProcessingOwner = owner
	head.ProcessNumber = processNumber
	head.ProcessStartTime = &started
	return &head, nil
}

// sameKindAdmitTx checks the subsequent-concurrency exception on a full
// queue: the head must be an allow-listed job kind and the only active
// item must be a job of the same kind.
func (s *Storage) sameKindAdmitTx(ctx context.Context, tx *sqlx.Tx, q *domain.SyncQueue, headJob *domain.Job, pol syncqueue.Policy) (bool, error) {
	if headJob == nil || !pol.SameKindAllowed(headJob.Cmd) {
		return false, nil
	}

	activeKinds := []string{}
	query := `
		SELECT COALESCE(j.cmd, '')
		FROM sync_queue_items i
		LEFT JOIN jobs j ON i.content_type = $1 AND j.id = i.content_id
		WHERE i.queue_id = $2 AND i.processing_owner IS NOT NULL`
	if err := tx.SelectContext(ctx, &activeKinds, query, domain.ContentTypeJob, q.ID); err != nil {
		return false, fmt.Errorf("inspect active items of queue %d: %w", q.ID, err)
	}
	return len(activeKinds) == 1 && activeKinds[0] == headJob.Cmd, nil
}

// ensureQueueForUpdateTx creates the scope's queue row if absent and
// returns it locked.
func (s *Storage) ensureQueueForUpdateTx(ctx context.Context, tx *sqlx.Tx, objectType string, objectID int64, limit int) (*domain.SyncQueue, error) {
	insert := `
		INSERT INTO sync_queues (object_type, object_id, queue_size_limit)
		VALUES ($1, $2, $3)
		ON CONFLICT (object_type, object_id) DO NOTHING`
	if _, err := tx.ExecContext(ctx, insert, objectType, objectID, limit); err != nil {
		return nil, fmt.Errorf("ensure queue %s/%d: %w", objectType, objectID, err)
	}

	var q domain.SyncQueue
	query := `SELECT ` + queueColumns + ` FROM sync_queues WHERE object_type = $1 AND object_id = $2 FOR UPDATE`
	if err := tx.GetContext(ctx, &q, query, objectType, objectID); err != nil {
		return nil, fmt.Errorf("lock queue %s/%d: %w", objectType, objectID, err)
	}
	return &q, nil
}

func (s *Storage) itemJobTx(ctx context.Context, tx *sqlx.Tx, item *domain.SyncQueueItem) (*domain.Job, error) {
	if item.ContentType != domain.ContentTypeJob {
		return nil, nil
	}
	var job domain.Job
	if err := tx.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, item.ContentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select job %d of queue item %d: %w", item.ContentID, item.ID, err)
	}
	return &job, nil
}

// PurgeItem deletes the item and releases its claimed slots. The queue
// size check constraint rejects a decrement below zero.
func (s *Storage) PurgeItem(ctx context.Context, itemID int64, secondaryQueueID int64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		item, err := s.itemForUpdateTx(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if item.IsClaimed() {
			if err := decrementQueueTx(ctx, tx, item.QueueID); err != nil {
				return err
			}
			if secondaryQueueID != 0 {
				if err := decrementQueueTx(ctx, tx, secondaryQueueID); err != nil {
					return err
				}
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue_items WHERE id = $1`, itemID); err != nil {
			return fmt.Errorf("delete queue item %d: %w", itemID, err)
		}
		return nil
	})
}

// ReturnItem clears the item's processing fields without deleting it, so
// it keeps its FIFO position for a later claim.
func (s *Storage) ReturnItem(ctx context.Context, itemID int64, secondaryQueueID int64) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		item, err := s.itemForUpdateTx(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if !item.IsClaimed() {
			return nil
		}
		if err := decrementQueueTx(ctx, tx, item.QueueID); err != nil {
			return err
		}
		if secondaryQueueID != 0 {
			if err := decrementQueueTx(ctx, tx, secondaryQueueID); err != nil {
				return err
			}
		}
		reset := `
			UPDATE sync_queue_items
			SET processing_owner = NULL, process_number = NULL, process_start_time = NULL
			WHERE id = $1`
		if _, err := tx.ExecContext(ctx, reset, itemID); err != nil {
			return fmt.Errorf("return queue item %d: %w", itemID, err)
		}
		return nil
	})
}

func (s *Storage) itemForUpdateTx(ctx context.Context, tx *sqlx.Tx, itemID int64) (*domain.SyncQueueItem, error) {
	var item domain.SyncQueueItem
	query := `SELECT ` + itemColumns + ` FROM sync_queue_items WHERE id = $1 FOR UPDATE`
	if err := tx.GetContext(ctx, &item, query, itemID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrItemNotFound
		}
		return nil, fmt.Errorf("lock queue item %d: %w", itemID, err)
	}
	return &item, nil
}

func decrementQueueTx(ctx context.Context, tx *sqlx.Tx, queueID int64) error {
	query := `
		UPDATE sync_queues
		SET queue_size = queue_size - 1, last_updated = NOW()
		WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, queueID); err != nil {
		return fmt.Errorf("release slot on queue %d: %w", queueID, err)
	}
	return nil
}

// QueueByID fetches one queue, returning domain.ErrQueueNotFound when
// absent.
func (s *Storage) QueueByID(ctx context.Context, id int64) (*domain.SyncQueue, error) {
	var q domain.SyncQueue
	if err := s.db.GetContext(ctx, &q, `SELECT `+queueColumns+` FROM sync_queues WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrQueueNotFound
		}
		return nil, fmt.Errorf("select queue %d: %w", id, mapError(err))
	}
	return &q, nil
}

// QueueByScope returns the queue for the resource scope, or nil when the
// scope has never been queued against.
func (s *Storage) QueueByScope(ctx context.Context, objectType string, objectID int64) (*domain.SyncQueue, error) {
	var q domain.SyncQueue
	query := `SELECT ` + queueColumns + ` FROM sync_queues WHERE object_type = $1 AND object_id = $2`
	if err := s.db.GetContext(ctx, &q, query, objectType, objectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select queue %s/%d: %w", objectType, objectID, mapError(err))
	}
	return &q, nil
}

// ItemByID fetches one item, returning domain.ErrItemNotFound when
// absent.
func (s *Storage) ItemByID(ctx context.Context, id int64) (*domain.SyncQueueItem, error) {
	var item domain.SyncQueueItem
	if err := s.db.GetContext(ctx, &item, `SELECT `+itemColumns+` FROM sync_queue_items WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrItemNotFound
		}
		return nil, fmt.Errorf("select queue item %d: %w", id, mapError(err))
	}
	return &item, nil
}

// ItemByContent finds the item referencing the content pair, or nil.
func (s *Storage) ItemByContent(ctx context.Context, contentType string, contentID int64) (*domain.SyncQueueItem, error) {
	var item domain.SyncQueueItem
	query := `SELECT ` + itemColumns + ` FROM sync_queue_items WHERE content_type = $1 AND content_id = $2`
	if err := s.db.GetContext(ctx, &item, query, contentType, contentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("select queue item for %s/%d: %w", contentType, contentID, mapError(err))
	}
	return &item, nil
}

// ItemsByOwner lists items claimed by the node.
func (s *Storage) ItemsByOwner(ctx context.Context, owner string) ([]*domain.SyncQueueItem, error) {
	items := []*domain.SyncQueueItem{}
	query := `SELECT ` + itemColumns + ` FROM sync_queue_items WHERE processing_owner = $1 ORDER BY id`
	if err := s.db.SelectContext(ctx, &items, query, owner); err != nil {
		return nil, fmt.Errorf("list queue items of %s: %w", owner, mapError(err))
	}
	return items, nil
}

// ItemsBlockedSince lists claimed items processing since before the
// cutoff.
func (s *Storage) ItemsBlockedSince(ctx context.Context, cutoff time.Time, limit int) ([]*domain.SyncQueueItem, error) {
	items := []*domain.SyncQueueItem{}
	query := `
		SELECT ` + itemColumns + ` FROM sync_queue_items
		WHERE processing_owner IS NOT NULL AND process_start_time < $1
		ORDER BY id
		LIMIT NULLIF($2, 0)`
	if err := s.db.SelectContext(ctx, &items, query, cutoff, limit); err != nil {
		return nil, fmt.Errorf("list blocked queue items: %w", mapError(err))
	}
	return items, nil
}
