// Package events carries job state change announcements across the
// cluster. Every node publishes to one fanout exchange and consumes its
// own transient queue; waiting clients on any node see completions
// without polling the store.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cloudweav/jobcore/internal/engine"
	"github.com/cloudweav/jobcore/shared/rabbitmq"
)

const contentTypeJSON = "application/json"

// BusNotifier implements engine.Notifier over the message bus.
// Subscriptions stay in-process; Run feeds them from the bus so events
// published by any node reach local subscribers.
type BusNotifier struct {
	client *rabbitmq.Client
	nodeID string
	local  *engine.LocalNotifier
	logger *slog.Logger
}

// NewBusNotifier creates a notifier on an established bus connection.
func NewBusNotifier(client *rabbitmq.Client, nodeID string, logger *slog.Logger) *BusNotifier {
	return &BusNotifier{
		client: client,
		nodeID: nodeID,
		local:  engine.NewLocalNotifier(),
		logger: logger,
	}
}

// PublishJobStateChanged announces the event on the bus. Local
// subscribers receive it through the node's own queue binding.
func (n *BusNotifier) PublishJobStateChanged(ctx context.Context, ev engine.JobStateEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal job state event: %w", err)
	}
	return n.client.PublishWithRetry(ctx, body, contentTypeJSON)
}

// Subscribe registers in-process interest in one job's state changes.
func (n *BusNotifier) Subscribe(jobID int64) (<-chan engine.JobStateEvent, func()) {
	return n.local.Subscribe(jobID)
}

// Run consumes the bus and fans events out to local subscribers until the
// context is cancelled or the delivery stream closes.
func (n *BusNotifier) Run(ctx context.Context) error {
	deliveries, err := n.client.Consume(n.nodeID)
	if err != nil {
		return fmt.Errorf("start job state consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("job state delivery stream closed")
			}
			var ev engine.JobStateEvent
			if err := json.Unmarshal(d.Body, &ev); err != nil {
				n.logger.Warn("dropping malformed job state event",
					slog.Int("body_size", len(d.Body)),
					slog.Any("error", err),
				)
				continue
			}
			_ = n.local.PublishJobStateChanged(ctx, ev)
		}
	}
}
