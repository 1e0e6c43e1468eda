// -----------------------------------------------------------------------
// Badger Queue - Persistent work-item queue with visibility timeouts
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/common"
	"github.com/ternarybob/atlas/internal/interfaces"
	"github.com/ternarybob/atlas/internal/models"
)

// storedMessage is the internal structure stored in Badger
type storedMessage struct {
	ID           string           `json:"id"`
	Item         *models.WorkItem `json:"item"`
	EnqueuedAt   time.Time        `json:"enqueued_at"`
	VisibleAt    time.Time        `json:"visible_at"`
	ReceiveCount int              `json:"receive_count"`
}

// BadgerQueue implements a persistent at-least-once queue on BadgerDB.
//
// Message data lives at queue:{name}:msg:{id}; a visibility index at
// queue:{name}:index:{visibleAt}:{id} orders messages by the time they
// become deliverable. Claiming a message moves its index key forward by
// the visibility timeout, so an unacked message reappears on its own.
type BadgerQueue struct {
	db                *badger.DB
	queueName         string
	visibilityTimeout time.Duration
	maxReceive        int
	pollInterval      time.Duration
	deadLetter        interfaces.DeadLetterStorage
	logger            arbor.ILogger
}

// NewBadgerQueue creates a Badger-backed queue service
func NewBadgerQueue(db *badger.DB, config *common.QueueConfig, deadLetter interfaces.DeadLetterStorage, logger arbor.ILogger) (*BadgerQueue, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if config.Name == "" {
		return nil, errors.New("queue name is required")
	}

	visibility := common.DurationOr(config.VisibilityTimeout, 6*time.Minute)
	poll := common.DurationOr(config.PollInterval, time.Second)
	maxReceive := config.MaxReceive
	if maxReceive <= 0 {
		maxReceive = 3
	}

	return &BadgerQueue{
		db:                db,
		queueName:         config.Name,
		visibilityTimeout: visibility,
		maxReceive:        maxReceive,
		pollInterval:      poll,
		deadLetter:        deadLetter,
		logger:            logger,
	}, nil
}

// Enqueue adds a work item, immediately visible
func (q *BadgerQueue) Enqueue(ctx context.Context, item *models.WorkItem) error {
	id := uuid.New().String()
	msg := storedMessage{
		ID:         id,
		Item:       item,
		EnqueuedAt: time.Now(),
		VisibleAt:  time.Now(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(q.msgKey(id), data); err != nil {
			return err
		}
		return txn.Set(q.indexKey(msg.VisibleAt, id), []byte{})
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue work item for job %s: %w", item.JobID, err)
	}

	q.logger.Debug().Str("job_id", item.JobID).Str("message_id", id).Msg("Work item enqueued")
	return nil
}

// Receive long-polls for one visible message, claiming it for the
// visibility timeout. Returns models.ErrNoMessage when the wait expires
// with nothing deliverable.
func (q *BadgerQueue) Receive(ctx context.Context, wait time.Duration) (*models.QueueMessage, error) {
	deadline := time.Now().Add(wait)
	for {
		msg, poison, err := q.tryReceive()
		for _, p := range poison {
			q.divertToDeadLetter(ctx, p)
		}
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, models.ErrNoMessage) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, models.ErrNoMessage
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// tryReceive claims the first visible message in one transaction.
// Messages past the receive cap are deleted inside the transaction and
// returned for dead-letter diversion after commit.
func (q *BadgerQueue) tryReceive() (*models.QueueMessage, []*storedMessage, error) {
	var claimed storedMessage
	var poison []*storedMessage
	found := false

	err := q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:index:", q.queueName))
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)

			ts, id, err := q.parseIndexKey(key)
			if err != nil {
				continue
			}
			// Index keys sort by timestamp: a future entry means nothing
			// later is visible either.
			if ts.After(now) {
				break
			}

			item, err := txn.Get(q.msgKey(id))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					// Dangling index entry, clean it up
					if err := txn.Delete(key); err != nil {
						return err
					}
					continue
				}
				return err
			}

			var msg storedMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}

			if msg.ReceiveCount >= q.maxReceive {
				if err := txn.Delete(key); err != nil {
					return err
				}
				if err := txn.Delete(q.msgKey(id)); err != nil {
					return err
				}
				poison = append(poison, &msg)
				continue
			}

			// Claim: bump the receive count and push visibility forward
			msg.ReceiveCount++
			msg.VisibleAt = now.Add(q.visibilityTimeout)

			data, err := json.Marshal(msg)
			if err != nil {
				return err
			}
			if err := txn.Set(q.msgKey(id), data); err != nil {
				return err
			}
			if err := txn.Delete(key); err != nil {
				return err
			}
			if err := txn.Set(q.indexKey(msg.VisibleAt, id), []byte{}); err != nil {
				return err
			}

			claimed = msg
			found = true
			return nil
		}
		return models.ErrNoMessage
	})

	if err != nil {
		return nil, poison, err
	}
	if !found {
		return nil, poison, models.ErrNoMessage
	}

	return &models.QueueMessage{
		Receipt:      claimed.ID,
		Item:         claimed.Item,
		ReceiveCount: claimed.ReceiveCount,
	}, poison, nil
}

// Ack deletes a delivered message
func (q *BadgerQueue) Ack(ctx context.Context, receipt string) error {
	return q.db.Update(func(txn *badger.Txn) error {
		msg, err := q.readMessage(txn, receipt)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil // already gone
			}
			return err
		}

		if err := txn.Delete(q.indexKey(msg.VisibleAt, receipt)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Delete(q.msgKey(receipt))
	})
}

// Fail releases a message for immediate redelivery. Messages past the
// receive cap divert to the dead-letter sink instead.
func (q *BadgerQueue) Fail(ctx context.Context, receipt string) error {
	var poison *storedMessage

	err := q.db.Update(func(txn *badger.Txn) error {
		msg, err := q.readMessage(txn, receipt)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}

		if msg.ReceiveCount >= q.maxReceive {
			if err := txn.Delete(q.indexKey(msg.VisibleAt, receipt)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := txn.Delete(q.msgKey(receipt)); err != nil {
				return err
			}
			poison = msg
			return nil
		}

		oldVisibleAt := msg.VisibleAt
		msg.VisibleAt = time.Now()

		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := txn.Set(q.msgKey(receipt), data); err != nil {
			return err
		}
		if err := txn.Delete(q.indexKey(oldVisibleAt, receipt)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(q.indexKey(msg.VisibleAt, receipt), []byte{})
	})
	if err != nil {
		return err
	}

	if poison != nil {
		q.divertToDeadLetter(ctx, poison)
	}
	return nil
}

// Extend pushes out the visibility deadline for a claimed message
func (q *BadgerQueue) Extend(ctx context.Context, receipt string, d time.Duration) error {
	return q.db.Update(func(txn *badger.Txn) error {
		msg, err := q.readMessage(txn, receipt)
		if err != nil {
			return err
		}

		oldVisibleAt := msg.VisibleAt
		msg.VisibleAt = time.Now().Add(d)

		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		if err := txn.Set(q.msgKey(receipt), data); err != nil {
			return err
		}
		if err := txn.Delete(q.indexKey(oldVisibleAt, receipt)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(q.indexKey(msg.VisibleAt, receipt), []byte{})
	})
}

// Length counts messages currently visible
func (q *BadgerQueue) Length(ctx context.Context) (int, error) {
	count := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:index:", q.queueName))
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ts, _, err := q.parseIndexKey(it.Item().Key())
			if err != nil {
				continue
			}
			if ts.After(now) {
				break
			}
			count++
		}
		return nil
	})
	return count, err
}

// Stats returns queue counters for diagnostics
func (q *BadgerQueue) Stats(ctx context.Context) (map[string]interface{}, error) {
	visible := 0
	inflight := 0
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(fmt.Sprintf("queue:%s:index:", q.queueName))
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ts, _, err := q.parseIndexKey(it.Item().Key())
			if err != nil {
				continue
			}
			if ts.After(now) {
				inflight++
			} else {
				visible++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	stats := map[string]interface{}{
		"queue":    q.queueName,
		"visible":  visible,
		"inflight": inflight,
		"total":    visible + inflight,
	}
	if q.deadLetter != nil {
		if dead, err := q.deadLetter.Count(ctx); err == nil {
			stats["deadLettered"] = dead
		}
	}
	return stats, nil
}

func (q *BadgerQueue) divertToDeadLetter(ctx context.Context, msg *storedMessage) {
	if q.deadLetter == nil || msg.Item == nil {
		return
	}
	reason := fmt.Sprintf("exhausted %d delivery attempts", msg.ReceiveCount)
	if err := q.deadLetter.Store(ctx, msg.Item, reason); err != nil {
		q.logger.Error().Err(err).Str("job_id", msg.Item.JobID).Msg("Failed to store dead letter")
	}
}

func (q *BadgerQueue) readMessage(txn *badger.Txn, id string) (*storedMessage, error) {
	item, err := txn.Get(q.msgKey(id))
	if err != nil {
		return nil, err
	}
	var msg storedMessage
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &msg)
	}); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Helpers

func (q *BadgerQueue) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", q.queueName, id))
}

func (q *BadgerQueue) indexKey(visibleAt time.Time, id string) []byte {
	ts := visibleAt.UnixNano()
	// Zero pad to 20 digits so string ordering matches numeric ordering
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", q.queueName, ts, id))
}

func (q *BadgerQueue) parseIndexKey(key []byte) (time.Time, string, error) {
	prefixStr := fmt.Sprintf("queue:%s:index:", q.queueName)
	if len(key) <= len(prefixStr) {
		return time.Time{}, "", fmt.Errorf("invalid key length")
	}

	suffix := string(key[len(prefixStr):])
	if len(suffix) < 21 { // 20 digits + 1 colon
		return time.Time{}, "", fmt.Errorf("invalid suffix length")
	}

	tsStr := suffix[:20]
	id := suffix[21:]

	var ts int64
	if _, err := fmt.Sscanf(tsStr, "%d", &ts); err != nil {
		return time.Time{}, "", err
	}

	return time.Unix(0, ts), id, nil
}
