package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/common"
	"github.com/ternarybob/atlas/internal/interfaces"
	"github.com/ternarybob/atlas/internal/models"
)

// Mock implementations

type mockJobStorage struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	logs map[string][]models.JobLogEntry

	appendLogErr error
	lastFilter   models.JobFilter
}

func newMockJobStorage() *mockJobStorage {
	return &mockJobStorage{
		jobs: make(map[string]*models.Job),
		logs: make(map[string][]models.JobLogEntry),
	}
}

func (m *mockJobStorage) Put(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return models.ErrJobAlreadyExists
	}
	if err := job.Validate(); err != nil {
		return err
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *mockJobStorage) Get(ctx context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	return job.Clone(), nil
}

func (m *mockJobStorage) Update(ctx context.Context, id string, patch models.JobPatch) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	if patch.Status != nil && *patch.Status != job.Status {
		if !job.Status.CanTransition(*patch.Status) {
			return nil, &models.InvalidTransitionError{JobID: id, From: job.Status, To: *patch.Status}
		}
		job.Status = *patch.Status
	}
	if patch.Result != nil {
		job.Result = patch.Result
	}
	if patch.Error != nil {
		job.Error = *patch.Error
	}
	if patch.Heartbeat != nil {
		job.Heartbeat = *patch.Heartbeat
	}
	job.Touch()
	return job.Clone(), nil
}

func (m *mockJobStorage) AppendLog(ctx context.Context, id string, entry models.JobLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendLogErr != nil {
		return m.appendLogErr
	}
	m.logs[id] = append(m.logs[id], entry)
	return nil
}

func (m *mockJobStorage) GetLogs(ctx context.Context, id string, limit int) ([]models.JobLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logs[id], nil
}

func (m *mockJobStorage) List(ctx context.Context, filter models.JobFilter) (*models.JobPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFilter = filter
	page := &models.JobPage{}
	for _, job := range m.jobs {
		page.Jobs = append(page.Jobs, job.Clone())
	}
	return page, nil
}

func (m *mockJobStorage) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return models.ErrJobNotFound
	}
	delete(m.jobs, id)
	delete(m.logs, id)
	return nil
}

func (m *mockJobStorage) DeleteExpired(ctx context.Context) (int, error) { return 0, nil }

func (m *mockJobStorage) stored(id string) *models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id]
}

type mockQueueService struct {
	enqueueErr error

	mu    sync.Mutex
	items []*models.WorkItem
}

func (m *mockQueueService) Enqueue(ctx context.Context, item *models.WorkItem) error {
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, item)
	return nil
}

func (m *mockQueueService) Receive(ctx context.Context, wait time.Duration) (*models.QueueMessage, error) {
	return nil, models.ErrNoMessage
}
func (m *mockQueueService) Ack(ctx context.Context, receipt string) error  { return nil }
func (m *mockQueueService) Fail(ctx context.Context, receipt string) error { return nil }
func (m *mockQueueService) Extend(ctx context.Context, receipt string, d time.Duration) error {
	return nil
}
func (m *mockQueueService) Length(ctx context.Context) (int, error) { return 0, nil }
func (m *mockQueueService) Stats(ctx context.Context) (map[string]interface{}, error) {
	return nil, nil
}

type mockEventService struct {
	mu      sync.Mutex
	updates []*models.Job
	logs    []models.JobLogEntry
}

func (m *mockEventService) PublishJobUpdate(job *models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, job)
}

func (m *mockEventService) PublishLog(jobID string, entry models.JobLogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
}

func (m *mockEventService) Subscribe(sink interfaces.EventSink, jobID string) *models.Subscription {
	return nil
}
func (m *mockEventService) Unsubscribe(id string) {}
func (m *mockEventService) SubscriberCount() int  { return 0 }
func (m *mockEventService) Close() error          { return nil }

// Test helpers

func newTestService() (*service, *mockJobStorage, *mockQueueService, *mockEventService) {
	storage := newMockJobStorage()
	queue := &mockQueueService{}
	events := &mockEventService{}
	config := &common.JobsConfig{
		RetentionDays:    7,
		StoreCapBytes:    256 * 1024,
		LogEntryCapBytes: 2048,
		ListPageSize:     50,
	}
	svc := NewService(storage, queue, events, config, arbor.NewLogger()).(*service)
	return svc, storage, queue, events
}

// Tests

func TestCreateJobPersistsAndEnqueues(t *testing.T) {
	svc, storage, queue, events := newTestService()

	job, err := svc.CreateJob(context.Background(), models.JobTypeSyncExtract, "https://shop.example/widgets", models.JobParams{
		ExtractionInstructions: "Get widget names",
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if !strings.HasPrefix(job.ID, "job_") {
		t.Errorf("job ID = %q, want job_ prefix", job.ID)
	}
	if !strings.HasPrefix(job.CorrelationID, "req_") {
		t.Errorf("correlation ID = %q, want req_ prefix", job.CorrelationID)
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("status = %s, want pending", job.Status)
	}
	if job.ExpiresAt <= job.CreatedAt {
		t.Errorf("ExpiresAt = %d, want after CreatedAt %d", job.ExpiresAt, job.CreatedAt)
	}

	if storage.stored(job.ID) == nil {
		t.Error("job not persisted")
	}
	if len(queue.items) != 1 || queue.items[0].JobID != job.ID {
		t.Errorf("work item not enqueued: %v", queue.items)
	}
	if len(events.updates) == 0 {
		t.Error("no job update event published")
	}
	if len(events.logs) == 0 {
		t.Error("no creation log broadcast")
	}
}

func TestCreateJobWildcardEnablesAutonomous(t *testing.T) {
	svc, _, _, _ := newTestService()

	job, err := svc.CreateJob(context.Background(), models.JobTypeSyncExtract, "https://news.example/*", models.JobParams{
		ExtractionInstructions: "Get article titles",
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if job.Type != models.JobTypeAutonomousExtract {
		t.Errorf("type = %s, want autonomous promotion", job.Type)
	}
	if job.URL != "https://news.example/" {
		t.Errorf("URL = %q, want wildcard stripped", job.URL)
	}
	if !job.Params.Wildcard || !job.Params.Autonomous {
		t.Errorf("wildcard flags not set: %+v", job.Params)
	}
}

func TestCreateJobValidation(t *testing.T) {
	svc, _, _, _ := newTestService()

	tests := []struct {
		name   string
		url    string
		params models.JobParams
	}{
		{"empty url", "", models.JobParams{}},
		{"not a url", "widgets for sale", models.JobParams{}},
		{"max pages over cap", "https://shop.example/", models.JobParams{MaxPages: 1000}},
		{"unknown model tier", "https://shop.example/", models.JobParams{Model: "gpt-9"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateJob(context.Background(), models.JobTypeSyncExtract, tt.url, tt.params)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !models.IsValidationError(err) {
				t.Errorf("error type = %T, want ValidationError: %v", err, err)
			}
		})
	}
}

func TestCreateJobEnqueueFailureLeavesPending(t *testing.T) {
	svc, storage, queue, _ := newTestService()
	queue.enqueueErr = fmt.Errorf("queue offline")

	job, err := svc.CreateJob(context.Background(), models.JobTypeScrape, "https://shop.example/", models.JobParams{})
	if err != nil {
		t.Fatalf("CreateJob should tolerate enqueue failure: %v", err)
	}

	stored := storage.stored(job.ID)
	if stored == nil || stored.Status != models.JobStatusPending {
		t.Errorf("job should remain pending for monitor reclaim, got %+v", stored)
	}
}

func TestJobLifecycleTransitions(t *testing.T) {
	svc, storage, _, _ := newTestService()

	job, err := svc.CreateJob(context.Background(), models.JobTypeSyncExtract, "https://shop.example/", models.JobParams{})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	started, err := svc.StartJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}
	if started.Status != models.JobStatusProcessing || started.Heartbeat == 0 {
		t.Errorf("start did not stamp processing+heartbeat: %+v", started)
	}

	result := map[string]interface{}{"pages": []interface{}{}}
	if err := svc.CompleteJob(context.Background(), job.ID, result); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	if stored := storage.stored(job.ID); stored.Status != models.JobStatusCompleted || stored.Result == nil {
		t.Errorf("completion not persisted: %+v", stored)
	}

	// Completed is terminal.
	if err := svc.FailJob(context.Background(), job.ID, "too late"); err == nil {
		t.Error("failing a completed job should be rejected")
	}
}

func TestCancelJobRecordsReason(t *testing.T) {
	svc, storage, _, _ := newTestService()

	job, _ := svc.CreateJob(context.Background(), models.JobTypeCrawl, "https://shop.example/", models.JobParams{})
	if err := svc.CancelJob(context.Background(), job.ID); err != nil {
		t.Fatalf("CancelJob failed: %v", err)
	}

	stored := storage.stored(job.ID)
	if stored.Status != models.JobStatusCancelled || stored.Error == "" {
		t.Errorf("cancel must set status and reason: %+v", stored)
	}
}

func TestCompleteJobWithNoteKeepsResultAndError(t *testing.T) {
	svc, storage, _, _ := newTestService()

	job, _ := svc.CreateJob(context.Background(), models.JobTypeAutonomousExtract, "https://shop.example/", models.JobParams{Autonomous: true})
	if _, err := svc.StartJob(context.Background(), job.ID); err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}

	result := map[string]interface{}{"_timeout_fallback": true}
	if err := svc.CompleteJobWithNote(context.Background(), job.ID, result, "time budget exhausted"); err != nil {
		t.Fatalf("CompleteJobWithNote failed: %v", err)
	}

	stored := storage.stored(job.ID)
	if stored.Status != models.JobStatusCompleted {
		t.Errorf("status = %s, want completed", stored.Status)
	}
	if stored.Error != "time budget exhausted" {
		t.Errorf("note not recorded: %q", stored.Error)
	}
	if stored.Result["_timeout_fallback"] != true {
		t.Errorf("result not kept: %v", stored.Result)
	}
}

func TestGetJobMergesLogs(t *testing.T) {
	svc, _, _, _ := newTestService()

	job, _ := svc.CreateJob(context.Background(), models.JobTypeSyncExtract, "https://shop.example/", models.JobParams{})
	svc.AppendLog(context.Background(), job.ID, "info", "working on it")

	fetched, err := svc.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if len(fetched.Logs) < 2 {
		t.Errorf("logs not merged, got %d entries", len(fetched.Logs))
	}

	missing, err := svc.GetJob(context.Background(), "job_missing")
	if err != nil || missing != nil {
		t.Errorf("absent job should be (nil, nil), got (%v, %v)", missing, err)
	}
}

func TestAppendLogSwallowsStorageFailure(t *testing.T) {
	svc, storage, _, events := newTestService()

	job, _ := svc.CreateJob(context.Background(), models.JobTypeSyncExtract, "https://shop.example/", models.JobParams{})
	storage.appendLogErr = fmt.Errorf("disk full")

	before := len(events.logs)
	svc.AppendLog(context.Background(), job.ID, "info", "should not broadcast")
	if len(events.logs) != before {
		t.Error("failed append must not broadcast")
	}
}

func TestListJobsAppliesDefaultPageSize(t *testing.T) {
	svc, storage, _, _ := newTestService()

	if _, err := svc.ListJobs(context.Background(), models.JobFilter{}); err != nil {
		t.Fatalf("ListJobs failed: %v", err)
	}
	if storage.lastFilter.Limit != 50 {
		t.Errorf("default limit = %d, want 50", storage.lastFilter.Limit)
	}
}

func TestNormalizeOutputSchema(t *testing.T) {
	obj := map[string]interface{}{"type": "object"}

	tests := []struct {
		name    string
		raw     interface{}
		wantNil bool
		wantErr bool
		wantKey string
	}{
		{"absent", nil, true, false, ""},
		{"structured object", obj, false, false, "type"},
		{"json text", `{"type": "object", "properties": {}}`, false, false, "type"},
		{"yaml text", "type: object\nproperties:\n  name:\n    type: string\n", false, false, "properties"},
		{"blank text", "   ", true, false, ""},
		{"garbage text", ": : :\n\t- bad", false, true, ""},
		{"unsupported type", 42, false, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			schema, err := NormalizeOutputSchema(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", schema)
				}
				if !models.IsValidationError(err) {
					t.Errorf("error type = %T, want ValidationError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeOutputSchema failed: %v", err)
			}
			if tt.wantNil {
				if schema != nil {
					t.Errorf("expected nil schema, got %v", schema)
				}
				return
			}
			if _, ok := schema[tt.wantKey]; !ok {
				t.Errorf("schema missing key %q: %v", tt.wantKey, schema)
			}
		})
	}
}

func TestHeartbeatStampsLiveness(t *testing.T) {
	svc, storage, _, _ := newTestService()

	job, _ := svc.CreateJob(context.Background(), models.JobTypeSyncExtract, "https://shop.example/", models.JobParams{})
	if _, err := svc.StartJob(context.Background(), job.ID); err != nil {
		t.Fatalf("StartJob failed: %v", err)
	}

	first := storage.stored(job.ID).Heartbeat
	time.Sleep(2 * time.Millisecond)
	if err := svc.Heartbeat(context.Background(), job.ID); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if storage.stored(job.ID).Heartbeat <= first {
		t.Error("heartbeat did not advance")
	}
}
