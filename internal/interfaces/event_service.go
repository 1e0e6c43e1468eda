package interfaces

import "github.com/ternarybob/atlas/internal/models"

// EventSink receives broadcast events for delivery to one edge (the
// WebSocket hub, a test recorder). Send must not block; implementations
// drop or queue internally.
type EventSink interface {
	// Deliver hands an event to the sink. A false return signals the
	// sink is gone and should be removed.
	Deliver(event *models.BroadcastEvent) bool

	// ID identifies the sink for registry bookkeeping
	ID() string
}

// EventService fans out job updates and log lines to subscribed sinks.
// Publishing never blocks the orchestration path: delivery is scheduled
// on a detached goroutine and failures only unregister the stale sink.
type EventService interface {
	// Subscribe registers a sink with a TTL; returns the subscription
	Subscribe(sink EventSink, jobID string) *models.Subscription

	// Unsubscribe removes a sink by subscription ID
	Unsubscribe(id string)

	// PublishJobUpdate broadcasts the job's current status
	PublishJobUpdate(job *models.Job)

	// PublishLog broadcasts an appended log entry
	PublishLog(jobID string, entry models.JobLogEntry)

	// SubscriberCount returns the live sink count
	SubscriberCount() int

	// Close stops the TTL reaper and drops all sinks
	Close() error
}
