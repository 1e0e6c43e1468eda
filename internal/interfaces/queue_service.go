package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/atlas/internal/models"
)

// QueueService manages the persistent work-item queue.
//
// Delivery is at-least-once with no ordering guarantee; workers must be
// idempotent. A received item stays invisible for the visibility timeout
// and reappears unless acked. Items failed past the receive cap divert
// to the dead-letter sink.
type QueueService interface {
	// Enqueue sends a work item. Best effort: on failure the job stays
	// pending and the health monitor reclaims it.
	Enqueue(ctx context.Context, item *models.WorkItem) error

	// Receive long-polls for zero or one item. Returns
	// models.ErrNoMessage when nothing became visible within the wait.
	Receive(ctx context.Context, wait time.Duration) (*models.QueueMessage, error)

	// Ack deletes a delivered item on success
	Ack(ctx context.Context, receipt string) error

	// Fail releases an item for redelivery. Items past the receive cap
	// are moved to the dead-letter sink instead.
	Fail(ctx context.Context, receipt string) error

	// Extend pushes out the visibility deadline for a long-running item
	Extend(ctx context.Context, receipt string, d time.Duration) error

	// Length returns the count of visible items
	Length(ctx context.Context) (int, error)

	// Stats returns queue counters for diagnostics
	Stats(ctx context.Context) (map[string]interface{}, error)
}
