package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/common"
	"github.com/ternarybob/atlas/internal/interfaces"
	"github.com/ternarybob/atlas/internal/models"
)

type entry struct {
	sink interfaces.EventSink
	sub  *models.Subscription
}

// Service implements EventService with a TTL subscription registry.
// Delivery runs on detached goroutines so a slow or dead sink never
// stalls the caller; a sink that reports itself gone is unregistered.
type Service struct {
	entries map[string]*entry
	mu      sync.RWMutex
	ttl     time.Duration
	logger  arbor.ILogger
	done    chan struct{}
	closed  sync.Once
}

// NewService creates a new event service
func NewService(config *common.WebSocketConfig, logger arbor.ILogger) interfaces.EventService {
	ttl := 2 * time.Hour
	if config != nil {
		ttl = common.DurationOr(config.SubscriptionTTL, ttl)
	}

	s := &Service{
		entries: make(map[string]*entry),
		ttl:     ttl,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go s.reapLoop()
	return s
}

// Subscribe registers a sink. An empty jobID receives events for all jobs.
func (s *Service) Subscribe(sink interfaces.EventSink, jobID string) *models.Subscription {
	now := models.NowMillis()
	sub := &models.Subscription{
		ID:        uuid.New().String(),
		JobID:     jobID,
		CreatedAt: now,
		ExpiresAt: now + s.ttl.Milliseconds(),
	}

	s.mu.Lock()
	s.entries[sub.ID] = &entry{sink: sink, sub: sub}
	count := len(s.entries)
	s.mu.Unlock()

	s.logger.Debug().
		Str("subscription_id", sub.ID).
		Str("job_id", jobID).
		Int("subscriber_count", count).
		Msg("Event sink subscribed")

	return sub
}

// Unsubscribe removes a sink by subscription ID
func (s *Service) Unsubscribe(id string) {
	s.mu.Lock()
	_, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()

	if ok {
		s.logger.Debug().Str("subscription_id", id).Msg("Event sink unsubscribed")
	}
}

// PublishJobUpdate broadcasts the job's current status
func (s *Service) PublishJobUpdate(job *models.Job) {
	s.publish(models.NewJobUpdateEvent(job))
}

// PublishLog broadcasts an appended log entry
func (s *Service) PublishLog(jobID string, entry models.JobLogEntry) {
	s.publish(models.NewLogEvent(jobID, entry))
}

// publish fans out one event. The subscriber snapshot is taken under the
// read lock; delivery happens outside it on detached goroutines.
func (s *Service) publish(event *models.BroadcastEvent) {
	now := models.NowMillis()

	s.mu.RLock()
	targets := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.sub.Expired(now) {
			continue
		}
		if e.sub.JobID != "" && e.sub.JobID != event.JobID {
			continue
		}
		targets = append(targets, e)
	}
	s.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	for _, e := range targets {
		go func(e *entry) {
			if !e.sink.Deliver(event) {
				s.Unsubscribe(e.sub.ID)
			}
		}(e)
	}
}

// SubscriberCount returns the live sink count
func (s *Service) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the TTL reaper and drops all sinks
func (s *Service) Close() error {
	s.closed.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.entries = make(map[string]*entry)
		s.mu.Unlock()
		s.logger.Info().Msg("Event service closed")
	})
	return nil
}

func (s *Service) reapLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.reapExpired()
		}
	}
}

func (s *Service) reapExpired() {
	now := models.NowMillis()

	s.mu.Lock()
	removed := 0
	for id, e := range s.entries {
		if e.sub.Expired(now) {
			delete(s.entries, id)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Debug().Int("removed", removed).Msg("Reaped expired event subscriptions")
	}
}
