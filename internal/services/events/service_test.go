package events

import (
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/common"
	"github.com/ternarybob/atlas/internal/models"
)

// chanSink buffers delivered events on a channel for assertions
type chanSink struct {
	id    string
	ch    chan *models.BroadcastEvent
	alive bool
}

func newChanSink(id string) *chanSink {
	return &chanSink{id: id, ch: make(chan *models.BroadcastEvent, 16), alive: true}
}

func (c *chanSink) Deliver(event *models.BroadcastEvent) bool {
	if !c.alive {
		return false
	}
	select {
	case c.ch <- event:
	default:
	}
	return true
}

func (c *chanSink) ID() string { return c.id }

func waitEvent(t *testing.T, sink *chanSink) *models.BroadcastEvent {
	t.Helper()
	select {
	case event := <-sink.ch:
		return event
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNoEvent(t *testing.T, sink *chanSink) {
	t.Helper()
	select {
	case event := <-sink.ch:
		t.Fatalf("unexpected event delivered: type=%s job=%s", event.Type, event.JobID)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestService(t *testing.T, ttl string) *Service {
	t.Helper()
	svc := NewService(&common.WebSocketConfig{SubscriptionTTL: ttl}, arbor.NewLogger())
	t.Cleanup(func() { svc.Close() })
	return svc.(*Service)
}

func testJob(id string, status models.JobStatus) *models.Job {
	job := models.NewJob(id, models.JobTypeSyncExtract, "https://example.com", models.JobParams{})
	job.Status = status
	return job
}

func TestPublishJobUpdateRouting(t *testing.T) {
	svc := newTestService(t, "1h")

	matching := newChanSink("sink-match")
	all := newChanSink("sink-all")
	other := newChanSink("sink-other")

	svc.Subscribe(matching, "job-1")
	svc.Subscribe(all, "")
	svc.Subscribe(other, "job-2")

	svc.PublishJobUpdate(testJob("job-1", models.JobStatusProcessing))

	for _, sink := range []*chanSink{matching, all} {
		event := waitEvent(t, sink)
		if event.Type != models.EventTypeJobUpdate {
			t.Errorf("sink %s: got type %q, want %q", sink.id, event.Type, models.EventTypeJobUpdate)
		}
		if event.JobID != "job-1" {
			t.Errorf("sink %s: got job %q, want job-1", sink.id, event.JobID)
		}
		if event.Status != models.JobStatusProcessing {
			t.Errorf("sink %s: got status %q, want processing", sink.id, event.Status)
		}
	}
	assertNoEvent(t, other)
}

func TestPublishLogEvent(t *testing.T) {
	svc := newTestService(t, "1h")

	sink := newChanSink("sink-1")
	svc.Subscribe(sink, "job-1")

	entry := models.NewJobLogEntry("info", "fetched page 3", "corr-1")
	svc.PublishLog("job-1", entry)

	event := waitEvent(t, sink)
	if event.Type != models.EventTypeLog {
		t.Errorf("got type %q, want %q", event.Type, models.EventTypeLog)
	}
	if event.Message != "fetched page 3" {
		t.Errorf("got message %q, want %q", event.Message, "fetched page 3")
	}
	if event.Level != "info" {
		t.Errorf("got level %q, want info", event.Level)
	}
	if event.Timestamp == 0 {
		t.Error("event timestamp not set")
	}
}

func TestDeadSinkIsRemoved(t *testing.T) {
	svc := newTestService(t, "1h")

	dead := newChanSink("sink-dead")
	dead.alive = false
	svc.Subscribe(dead, "")

	if got := svc.SubscriberCount(); got != 1 {
		t.Fatalf("got %d subscribers before publish, want 1", got)
	}

	svc.PublishJobUpdate(testJob("job-1", models.JobStatusCompleted))

	// Removal happens on the delivery goroutine
	deadline := time.Now().Add(time.Second)
	for svc.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("dead sink not removed, count=%d", svc.SubscriberCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestExpiredSubscriptionNotDelivered(t *testing.T) {
	svc := newTestService(t, "30ms")

	sink := newChanSink("sink-1")
	svc.Subscribe(sink, "job-1")
	time.Sleep(60 * time.Millisecond)

	svc.PublishJobUpdate(testJob("job-1", models.JobStatusProcessing))
	assertNoEvent(t, sink)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	svc := newTestService(t, "1h")

	sink := newChanSink("sink-1")
	sub := svc.Subscribe(sink, "job-1")
	svc.Unsubscribe(sub.ID)

	if got := svc.SubscriberCount(); got != 0 {
		t.Fatalf("got %d subscribers after unsubscribe, want 0", got)
	}

	svc.PublishJobUpdate(testJob("job-1", models.JobStatusProcessing))
	assertNoEvent(t, sink)
}

func TestCloseDropsAllSinks(t *testing.T) {
	svc := newTestService(t, "1h")

	svc.Subscribe(newChanSink("a"), "")
	svc.Subscribe(newChanSink("b"), "job-1")

	if err := svc.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := svc.SubscriberCount(); got != 0 {
		t.Errorf("got %d subscribers after close, want 0", got)
	}
}
