package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoMessage is returned when the queue has nothing visible
var ErrNoMessage = errors.New("no messages in queue")

// WorkItem is the queue message dispatching a job to a worker.
// Keep it small: just enough to route, with the params snapshot so the
// worker can start without an extra read.
type WorkItem struct {
	JobID     string    `json:"jobId"`
	Type      JobType   `json:"type"`
	Params    JobParams `json:"params"`
	Timestamp int64     `json:"timestamp"` // enqueue time, Unix milliseconds
}

// NewWorkItem builds a work item from a job record
func NewWorkItem(job *Job) *WorkItem {
	return &WorkItem{
		JobID:     job.ID,
		Type:      job.Type,
		Params:    job.Params,
		Timestamp: NowMillis(),
	}
}

// ToJSON serializes the work item for queue storage
func (w *WorkItem) ToJSON() ([]byte, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal work item: %w", err)
	}
	return data, nil
}

// WorkItemFromJSON deserializes a work item from queue storage
func WorkItemFromJSON(data []byte) (*WorkItem, error) {
	var item WorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal work item: %w", err)
	}
	return &item, nil
}

// QueueMessage is a work item claimed from the queue, carrying the
// receipt handle used to ack or fail it.
type QueueMessage struct {
	Receipt      string    `json:"receipt"`
	Item         *WorkItem `json:"item"`
	ReceiveCount int       `json:"receiveCount"`
}
