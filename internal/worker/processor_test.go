package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/common"
	"github.com/ternarybob/atlas/internal/models"
)

// Mock implementations

type mockQueue struct {
	mu      sync.Mutex
	acked   []string
	failed  []string
	receive func() (*models.QueueMessage, error)
}

func (m *mockQueue) Enqueue(ctx context.Context, item *models.WorkItem) error { return nil }

func (m *mockQueue) Receive(ctx context.Context, wait time.Duration) (*models.QueueMessage, error) {
	if m.receive != nil {
		return m.receive()
	}
	return nil, models.ErrNoMessage
}

func (m *mockQueue) Ack(ctx context.Context, receipt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, receipt)
	return nil
}

func (m *mockQueue) Fail(ctx context.Context, receipt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, receipt)
	return nil
}

func (m *mockQueue) Extend(ctx context.Context, receipt string, d time.Duration) error { return nil }
func (m *mockQueue) Length(ctx context.Context) (int, error)                           { return 0, nil }
func (m *mockQueue) Stats(ctx context.Context) (map[string]interface{}, error)         { return nil, nil }

func (m *mockQueue) ackedReceipts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.acked...)
}

func (m *mockQueue) failedReceipts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.failed...)
}

type mockJobs struct {
	mu sync.Mutex

	jobs map[string]*models.Job

	started    []string
	completed  map[string]map[string]interface{}
	notes      map[string]string
	failures   map[string]string
	timeouts   map[string]string
	heartbeats int

	completeErr   error
	updateErr     error
	updateApplied bool
}

func newMockJobs() *mockJobs {
	return &mockJobs{
		jobs:      make(map[string]*models.Job),
		completed: make(map[string]map[string]interface{}),
		notes:     make(map[string]string),
		failures:  make(map[string]string),
		timeouts:  make(map[string]string),
	}
}

func (m *mockJobs) CreateJob(ctx context.Context, jobType models.JobType, url string, params models.JobParams) (*models.Job, error) {
	return nil, nil
}

func (m *mockJobs) GetJob(ctx context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.jobs[id], nil
}

func (m *mockJobs) ListJobs(ctx context.Context, filter models.JobFilter) (*models.JobPage, error) {
	return nil, nil
}

func (m *mockJobs) UpdateJob(ctx context.Context, id string, patch models.JobPatch) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	m.updateApplied = true
	return nil, nil
}

func (m *mockJobs) StartJob(ctx context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, id)
	return m.jobs[id], nil
}

func (m *mockJobs) CompleteJob(ctx context.Context, id string, result map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErr != nil {
		return m.completeErr
	}
	m.completed[id] = result
	return nil
}

func (m *mockJobs) CompleteJobWithNote(ctx context.Context, id string, result map[string]interface{}, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completeErr != nil {
		return m.completeErr
	}
	m.completed[id] = result
	m.notes[id] = note
	return nil
}

func (m *mockJobs) FailJob(ctx context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id] = reason
	return nil
}

func (m *mockJobs) TimeoutJob(ctx context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeouts[id] = reason
	return nil
}

func (m *mockJobs) CancelJob(ctx context.Context, id string) error              { return nil }
func (m *mockJobs) DeleteJob(ctx context.Context, id string) error              { return nil }
func (m *mockJobs) AppendLog(ctx context.Context, jobID, level, message string) {}

func (m *mockJobs) Heartbeat(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats++
	return nil
}

type stubExecutor struct {
	mu     sync.Mutex
	calls  int
	result *ExecutionResult
	err    error
	run    func(ctx context.Context, job *models.Job) (*ExecutionResult, error)
}

func (s *stubExecutor) Execute(ctx context.Context, job *models.Job) (*ExecutionResult, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.run != nil {
		return s.run(ctx, job)
	}
	return s.result, s.err
}

func (s *stubExecutor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Test helpers

func newTestProcessor() (*Processor, *mockQueue, *mockJobs) {
	queue := &mockQueue{}
	jobs := newMockJobs()
	config := &common.WorkerConfig{
		Concurrency:       1,
		HeartbeatInterval: "10ms",
		CleanupReserve:    "30s",
		ProcessBudget:     "15m",
		MinStartBudget:    "60s",
	}
	p := NewProcessor(config, queue, jobs, arbor.NewLogger())
	p.exit = func(code int) { panic(fmt.Sprintf("exit(%d)", code)) }
	return p, queue, jobs
}

func seedJob(jobs *mockJobs, id string, jobType models.JobType, status models.JobStatus) *models.Job {
	job := &models.Job{
		ID:        id,
		Type:      jobType,
		Status:    status,
		URL:       "https://shop.example/widgets",
		CreatedAt: models.NowMillis(),
		UpdatedAt: models.NowMillis(),
	}
	jobs.jobs[id] = job
	return job
}

func message(jobID string, receipt string) *models.QueueMessage {
	return &models.QueueMessage{
		Receipt:      receipt,
		Item:         &models.WorkItem{JobID: jobID, Type: models.JobTypeSyncExtract, Timestamp: models.NowMillis()},
		ReceiveCount: 1,
	}
}

// Tests

func TestProcessCompletesJob(t *testing.T) {
	p, queue, jobs := newTestProcessor()
	seedJob(jobs, "job_ok", models.JobTypeSyncExtract, models.JobStatusPending)

	exec := &stubExecutor{result: &ExecutionResult{Data: map[string]interface{}{"pages": []interface{}{}}}}
	p.Register(models.JobTypeSyncExtract, exec)

	p.process(0, message("job_ok", "r1"))

	if exec.callCount() != 1 {
		t.Fatalf("executor calls = %d, want 1", exec.callCount())
	}
	if len(jobs.started) != 1 || jobs.started[0] != "job_ok" {
		t.Errorf("job not started: %v", jobs.started)
	}
	if _, ok := jobs.completed["job_ok"]; !ok {
		t.Error("job not completed")
	}
	if got := queue.ackedReceipts(); len(got) != 1 || got[0] != "r1" {
		t.Errorf("item not acked: %v", got)
	}
}

func TestProcessPartialResultCarriesNote(t *testing.T) {
	p, _, jobs := newTestProcessor()
	seedJob(jobs, "job_partial", models.JobTypeAutonomousExtract, models.JobStatusPending)

	exec := &stubExecutor{result: &ExecutionResult{
		Data: map[string]interface{}{"_timeout_fallback": true},
		Note: "completed with partial results",
	}}
	p.Register(models.JobTypeAutonomousExtract, exec)

	msg := message("job_partial", "r1")
	msg.Item.Type = models.JobTypeAutonomousExtract
	p.process(0, msg)

	if jobs.notes["job_partial"] == "" {
		t.Error("partial completion note not recorded")
	}
}

func TestProcessRedeliveredCompletedJobIsDropped(t *testing.T) {
	p, queue, jobs := newTestProcessor()
	seedJob(jobs, "job_done", models.JobTypeSyncExtract, models.JobStatusCompleted)

	exec := &stubExecutor{result: &ExecutionResult{Data: map[string]interface{}{}}}
	p.Register(models.JobTypeSyncExtract, exec)

	p.process(0, message("job_done", "r2"))

	if exec.callCount() != 0 {
		t.Error("executor must not run for a settled job")
	}
	if len(jobs.started) != 0 {
		t.Error("settled job must not restart")
	}
	if got := queue.ackedReceipts(); len(got) != 1 {
		t.Errorf("settled redelivery must ack, got %v", got)
	}
}

func TestProcessCancelledJobIsDropped(t *testing.T) {
	p, queue, jobs := newTestProcessor()
	seedJob(jobs, "job_cxl", models.JobTypeSyncExtract, models.JobStatusCancelled)

	exec := &stubExecutor{}
	p.Register(models.JobTypeSyncExtract, exec)

	p.process(0, message("job_cxl", "r3"))

	if exec.callCount() != 0 {
		t.Error("executor must not run for a cancelled job")
	}
	if len(queue.ackedReceipts()) != 1 {
		t.Error("cancelled redelivery must ack")
	}
}

func TestProcessRefusesStartNearBudget(t *testing.T) {
	p, queue, jobs := newTestProcessor()
	seedJob(jobs, "job_late", models.JobTypeSyncExtract, models.JobStatusPending)

	exec := &stubExecutor{}
	p.Register(models.JobTypeSyncExtract, exec)

	// Pretend the process has nearly exhausted its wall-clock budget.
	p.startedAt = time.Now().Add(-(15*time.Minute - 30*time.Second))

	p.process(0, message("job_late", "r4"))

	if exec.callCount() != 0 {
		t.Error("executor must not run under the start budget")
	}
	if len(jobs.started) != 0 {
		t.Error("job must stay pending")
	}
	if got := queue.failedReceipts(); len(got) != 1 || got[0] != "r4" {
		t.Errorf("item must be released for redelivery, got %v", got)
	}
	if len(queue.ackedReceipts()) != 0 {
		t.Error("refused item must not be acked")
	}
}

func TestProcessFailsJobOnExecutorError(t *testing.T) {
	p, queue, jobs := newTestProcessor()
	seedJob(jobs, "job_err", models.JobTypeSyncExtract, models.JobStatusPending)

	exec := &stubExecutor{err: fmt.Errorf("no data extracted after 3 page(s)")}
	p.Register(models.JobTypeSyncExtract, exec)

	p.process(0, message("job_err", "r5"))

	reason, ok := jobs.failures["job_err"]
	if !ok {
		t.Fatal("executor error must fail the job")
	}
	if !strings.Contains(reason, "no data extracted") {
		t.Errorf("reason = %q", reason)
	}
	if len(queue.ackedReceipts()) != 1 {
		t.Error("failed job item must still ack; retries ride job status, not the queue")
	}
}

func TestProcessTimesOutJobOnDeadline(t *testing.T) {
	p, _, jobs := newTestProcessor()
	seedJob(jobs, "job_slow", models.JobTypeSyncExtract, models.JobStatusPending)

	exec := &stubExecutor{err: fmt.Errorf("run aborted: %w", context.DeadlineExceeded)}
	p.Register(models.JobTypeSyncExtract, exec)

	p.process(0, message("job_slow", "r6"))

	if _, ok := jobs.timeouts["job_slow"]; !ok {
		t.Error("deadline error must mark the job timed out, not failed")
	}
	if _, ok := jobs.failures["job_slow"]; ok {
		t.Error("deadline error must not double-write failed")
	}
}

func TestProcessPanicRecoveryFailsAndAcks(t *testing.T) {
	p, queue, jobs := newTestProcessor()
	seedJob(jobs, "job_boom", models.JobTypeSyncExtract, models.JobStatusPending)

	exec := &stubExecutor{run: func(ctx context.Context, job *models.Job) (*ExecutionResult, error) {
		panic("executor exploded")
	}}
	p.Register(models.JobTypeSyncExtract, exec)

	p.process(0, message("job_boom", "r7"))

	reason, ok := jobs.failures["job_boom"]
	if !ok {
		t.Fatal("panic must fail the job")
	}
	if !strings.Contains(reason, "panic") {
		t.Errorf("reason = %q, want panic marker", reason)
	}
	if len(queue.ackedReceipts()) != 1 {
		t.Error("panicked item must ack to stop redelivery storms")
	}
}

func TestProcessUnroutableTypeFailsJob(t *testing.T) {
	p, queue, jobs := newTestProcessor()
	seedJob(jobs, "job_odd", models.JobTypeCrawl, models.JobStatusPending)

	p.process(0, message("job_odd", "r8"))

	reason, ok := jobs.failures["job_odd"]
	if !ok {
		t.Fatal("unroutable job must fail")
	}
	if !strings.Contains(reason, "no executor") {
		t.Errorf("reason = %q", reason)
	}
	if len(queue.ackedReceipts()) != 1 {
		t.Error("unroutable item must ack")
	}
}

func TestProcessMissingJobDropsItem(t *testing.T) {
	p, queue, jobs := newTestProcessor()

	exec := &stubExecutor{}
	p.Register(models.JobTypeSyncExtract, exec)

	p.process(0, message("job_gone", "r9"))

	if exec.callCount() != 0 {
		t.Error("executor must not run without a job record")
	}
	if len(jobs.started) != 0 {
		t.Error("nothing to start")
	}
	if len(queue.ackedReceipts()) != 1 {
		t.Error("dangling item must ack")
	}
}

func TestTerminalWriteRetriesStatusOnly(t *testing.T) {
	p, _, jobs := newTestProcessor()
	seedJob(jobs, "job_flaky", models.JobTypeSyncExtract, models.JobStatusPending)

	jobs.completeErr = fmt.Errorf("store write failed")
	exec := &stubExecutor{result: &ExecutionResult{Data: map[string]interface{}{"pages": []interface{}{}}}}
	p.Register(models.JobTypeSyncExtract, exec)

	p.process(0, message("job_flaky", "r10"))

	if !jobs.updateApplied {
		t.Error("terminal write failure must retry with a status-only patch")
	}
}

func TestTerminalWriteDoubleFailureExits(t *testing.T) {
	p, _, jobs := newTestProcessor()
	seedJob(jobs, "job_doomed", models.JobTypeSyncExtract, models.JobStatusPending)

	jobs.completeErr = fmt.Errorf("store write failed")
	jobs.updateErr = fmt.Errorf("store still down")
	exec := &stubExecutor{result: &ExecutionResult{Data: map[string]interface{}{}}}
	p.Register(models.JobTypeSyncExtract, exec)

	var exitCodes []int
	p.exit = func(code int) { exitCodes = append(exitCodes, code) }

	p.process(0, message("job_doomed", "r11"))

	if len(exitCodes) != 1 || exitCodes[0] != 1 {
		t.Errorf("exit codes = %v, want [1] after a double terminal write failure", exitCodes)
	}
}

func TestHeartbeatRunsWhileProcessing(t *testing.T) {
	p, _, jobs := newTestProcessor()
	seedJob(jobs, "job_beat", models.JobTypeSyncExtract, models.JobStatusPending)

	exec := &stubExecutor{run: func(ctx context.Context, job *models.Job) (*ExecutionResult, error) {
		time.Sleep(60 * time.Millisecond)
		return &ExecutionResult{Data: map[string]interface{}{}}, nil
	}}
	p.Register(models.JobTypeSyncExtract, exec)

	p.process(0, message("job_beat", "r12"))

	jobs.mu.Lock()
	beats := jobs.heartbeats
	jobs.mu.Unlock()
	if beats == 0 {
		t.Error("no heartbeat recorded during a 60ms execution with a 10ms interval")
	}
}

func TestConsumeBacksOffWhenIdle(t *testing.T) {
	p, queue, _ := newTestProcessor()

	var mu sync.Mutex
	receives := 0
	queue.receive = func() (*models.QueueMessage, error) {
		mu.Lock()
		receives++
		mu.Unlock()
		return nil, models.ErrNoMessage
	}

	p.Start()
	time.Sleep(450 * time.Millisecond)
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	// 100+200+400 ms of backoff allows at most a handful of polls; a
	// tight loop would rack up thousands.
	if receives == 0 || receives > 6 {
		t.Errorf("receive calls = %d, want 1..6 under exponential backoff", receives)
	}
}
