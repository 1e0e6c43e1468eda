package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/common"
	"github.com/ternarybob/atlas/internal/interfaces"
	"github.com/ternarybob/atlas/internal/models"
	badgerstorage "github.com/ternarybob/atlas/internal/storage/badger"
)

func newTestQueue(t *testing.T, visibility string, maxReceive int) (*BadgerQueue, interfaces.DeadLetterStorage) {
	t.Helper()

	logger := arbor.NewLogger()
	bdb, err := badgerstorage.NewBadgerDB(logger, &common.BadgerConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to open badger: %v", err)
	}
	t.Cleanup(func() { bdb.Close() })

	deadLetter := badgerstorage.NewDeadLetterStorage(bdb, logger)

	q, err := NewBadgerQueue(bdb.Store().Badger(), &common.QueueConfig{
		Name:              "test-jobs",
		VisibilityTimeout: visibility,
		MaxReceive:        maxReceive,
		PollInterval:      "10ms",
	}, deadLetter, logger)
	if err != nil {
		t.Fatalf("failed to create queue: %v", err)
	}
	return q, deadLetter
}

func testWorkItem(jobID string) *models.WorkItem {
	return &models.WorkItem{
		JobID:     jobID,
		Type:      models.JobTypeAutonomousExtract,
		Timestamp: models.NowMillis(),
	}
}

func TestEnqueueReceiveAck(t *testing.T) {
	q, _ := newTestQueue(t, "1m", 3)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testWorkItem("job-1")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	msg, err := q.Receive(ctx, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if msg.Item.JobID != "job-1" {
		t.Errorf("got job %q, want job-1", msg.Item.JobID)
	}
	if msg.ReceiveCount != 1 {
		t.Errorf("got receive count %d, want 1", msg.ReceiveCount)
	}

	if err := q.Ack(ctx, msg.Receipt); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}

	if _, err := q.Receive(ctx, 30*time.Millisecond); !errors.Is(err, models.ErrNoMessage) {
		t.Errorf("got %v after ack, want ErrNoMessage", err)
	}
}

func TestReceiveEmptyQueue(t *testing.T) {
	q, _ := newTestQueue(t, "1m", 3)

	start := time.Now()
	_, err := q.Receive(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, models.ErrNoMessage) {
		t.Fatalf("got %v, want ErrNoMessage", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Receive blocked for %v, want prompt return after wait", elapsed)
	}
}

func TestReceiveRespectsContextCancel(t *testing.T) {
	q, _ := newTestQueue(t, "1m", 3)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := q.Receive(ctx, 10*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestClaimedMessageInvisibleUntilTimeout(t *testing.T) {
	q, _ := newTestQueue(t, "60ms", 5)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testWorkItem("job-1")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	first, err := q.Receive(ctx, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("first Receive failed: %v", err)
	}

	// Claimed message must not be redelivered while invisible
	if _, err := q.Receive(ctx, 20*time.Millisecond); !errors.Is(err, models.ErrNoMessage) {
		t.Fatalf("got %v while message claimed, want ErrNoMessage", err)
	}

	// After the visibility timeout the message reappears
	time.Sleep(80 * time.Millisecond)
	second, err := q.Receive(ctx, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("redelivery Receive failed: %v", err)
	}
	if second.Receipt != first.Receipt {
		t.Errorf("got receipt %q on redelivery, want %q", second.Receipt, first.Receipt)
	}
	if second.ReceiveCount != 2 {
		t.Errorf("got receive count %d on redelivery, want 2", second.ReceiveCount)
	}
}

func TestFailReleasesImmediately(t *testing.T) {
	q, _ := newTestQueue(t, "1h", 5)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testWorkItem("job-1")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	msg, err := q.Receive(ctx, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	if err := q.Fail(ctx, msg.Receipt); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	redelivered, err := q.Receive(ctx, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Receive after Fail failed: %v", err)
	}
	if redelivered.ReceiveCount != 2 {
		t.Errorf("got receive count %d after fail, want 2", redelivered.ReceiveCount)
	}
}

func TestExhaustedMessageDivertsToDeadLetter(t *testing.T) {
	q, deadLetter := newTestQueue(t, "1h", 2)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testWorkItem("job-poison")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Burn through the allowed attempts
	for i := 0; i < 2; i++ {
		msg, err := q.Receive(ctx, 100*time.Millisecond)
		if err != nil {
			t.Fatalf("Receive attempt %d failed: %v", i+1, err)
		}
		if err := q.Fail(ctx, msg.Receipt); err != nil {
			t.Fatalf("Fail attempt %d failed: %v", i+1, err)
		}
	}

	if _, err := q.Receive(ctx, 30*time.Millisecond); !errors.Is(err, models.ErrNoMessage) {
		t.Errorf("got %v for exhausted message, want ErrNoMessage", err)
	}

	items, err := deadLetter.List(ctx, 10)
	if err != nil {
		t.Fatalf("dead letter List failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d dead letter items, want 1", len(items))
	}
	if items[0].JobID != "job-poison" {
		t.Errorf("got dead letter job %q, want job-poison", items[0].JobID)
	}
}

func TestReceiveDeliversOldestFirst(t *testing.T) {
	q, _ := newTestQueue(t, "1m", 3)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testWorkItem("job-first")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := q.Enqueue(ctx, testWorkItem("job-second")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	msg, err := q.Receive(ctx, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if msg.Item.JobID != "job-first" {
		t.Errorf("got %q first, want job-first", msg.Item.JobID)
	}
}

func TestExtendKeepsMessageClaimed(t *testing.T) {
	q, _ := newTestQueue(t, "60ms", 5)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testWorkItem("job-1")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	msg, err := q.Receive(ctx, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	if err := q.Extend(ctx, msg.Receipt, time.Hour); err != nil {
		t.Fatalf("Extend failed: %v", err)
	}

	// Past the original visibility timeout the message stays claimed
	time.Sleep(80 * time.Millisecond)
	if _, err := q.Receive(ctx, 30*time.Millisecond); !errors.Is(err, models.ErrNoMessage) {
		t.Errorf("got %v after extend, want ErrNoMessage", err)
	}
}

func TestAckIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t, "1m", 3)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testWorkItem("job-1")); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	msg, err := q.Receive(ctx, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	if err := q.Ack(ctx, msg.Receipt); err != nil {
		t.Fatalf("first Ack failed: %v", err)
	}
	if err := q.Ack(ctx, msg.Receipt); err != nil {
		t.Errorf("second Ack failed: %v", err)
	}
}

func TestLengthAndStats(t *testing.T) {
	q, _ := newTestQueue(t, "1h", 3)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, testWorkItem("job-"+id)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	length, err := q.Length(ctx)
	if err != nil {
		t.Fatalf("Length failed: %v", err)
	}
	if length != 3 {
		t.Errorf("got length %d, want 3", length)
	}

	// Claim one so the counters split
	if _, err := q.Receive(ctx, 100*time.Millisecond); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats["visible"] != 2 {
		t.Errorf("got visible %v, want 2", stats["visible"])
	}
	if stats["inflight"] != 1 {
		t.Errorf("got inflight %v, want 1", stats["inflight"])
	}
}
