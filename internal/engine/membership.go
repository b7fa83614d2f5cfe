package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/cloudweav/jobcore/internal/engine/domain"
)

// OnNodeJoined reacts to nodes entering the cluster. Nothing needs
// releasing; the new node recovers its own leftovers on startup.
func (e *Engine) OnNodeJoined(ctx context.Context, nodes []string) {
	for _, node := range nodes {
		e.logger.Info("Cluster node joined", slog.String("node", node))
	}
}

// OnNodeLeft cleans up after departed nodes: every sync queue item they
// held is released and the corresponding job failed with an explicit
// departure result, so no queue slot stays stuck behind a dead owner.
func (e *Engine) OnNodeLeft(ctx context.Context, nodes []string) error {
	var errs *multierror.Error
	for _, node := range nodes {
		e.logger.Warn("Cluster node left, cleaning up its work", slog.String("node", node))
		if err := e.cleanupNode(ctx, node); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// startupRecovery clears leftovers of this node's previous incarnation
// before it accepts new work.
func (e *Engine) startupRecovery(ctx context.Context) error {
	e.logger.Info("Recovering work owned by previous incarnation",
		slog.String("node_id", e.cfg.NodeID),
	)
	return e.cleanupNode(ctx, e.cfg.NodeID)
}

func (e *Engine) cleanupNode(ctx context.Context, node string) error {
	var errs *multierror.Error
	result := fmt.Sprintf("job was cancelled because node %s restarted or departed", node)

	items, err := e.queues.ItemsOwnedBy(ctx, node)
	if err != nil {
		return fmt.Errorf("find queue items of node %s: %w", node, err)
	}
	for _, item := range items {
		if item.ContentType == domain.ContentTypeJob {
			if err := e.CompleteJob(ctx, item.ContentID, domain.JobStatusFailed,
				domain.ResultCodeInternalError, result); err != nil {
				errs = multierror.Append(errs, err)
			}
			e.monitor.UnregisterByJobID(item.ContentID)
		}
		if err := e.queues.Release(ctx, item.ID); err != nil && !errors.Is(err, domain.ErrItemNotFound) {
			errs = multierror.Append(errs, err)
			continue
		}
		e.logger.Info("Released sync queue item of departed node",
			slog.Int64("item_id", item.ID),
			slog.String("node", node),
		)
	}

	// Jobs the node was executing outside any queue.
	ids, err := e.jobs.ResetOrphaned(ctx, node, domain.ResultCodeInternalError, result)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, id := range ids {
		e.monitor.UnregisterByJobID(id)
		e.publishState(ctx, id, domain.JobStatusFailed, domain.ResultCodeInternalError)
		e.logger.Warn("Failed orphaned job of departed node",
			slog.Int64("job_id", id),
			slog.String("node", node),
		)
	}
	return errs.ErrorOrNil()
}
