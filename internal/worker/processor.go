// -----------------------------------------------------------------------
// Worker processor - Queue consumers with deadline and final-write
// discipline
// -----------------------------------------------------------------------

package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/common"
	"github.com/ternarybob/atlas/internal/interfaces"
	"github.com/ternarybob/atlas/internal/models"
)

const (
	idleBackoffMin = 100 * time.Millisecond
	idleBackoffMax = 5 * time.Second
	receiveWait    = time.Second
)

// Processor consumes work items and drives the registered executors.
// Delivery is at-least-once: every path through process() must end in an
// Ack or a Fail so items never wedge invisible until the queue's
// visibility timeout.
type Processor struct {
	config    *common.WorkerConfig
	queue     interfaces.QueueService
	jobs      interfaces.JobService
	executors map[models.JobType]Executor
	logger    arbor.ILogger

	startedAt time.Time
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	// exit is swapped out in tests; the default escalates a double
	// store failure on a terminal write to a non-zero process exit so
	// the monitor reconciles the job.
	exit func(code int)
}

// NewProcessor creates a worker processor over the queue and job
// lifecycle manager.
func NewProcessor(config *common.WorkerConfig, queue interfaces.QueueService, jobs interfaces.JobService, logger arbor.ILogger) *Processor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		config:    config,
		queue:     queue,
		jobs:      jobs,
		executors: make(map[models.JobType]Executor),
		logger:    logger,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		exit:      os.Exit,
	}
}

// Register binds an executor to a job type
func (p *Processor) Register(jobType models.JobType, executor Executor) {
	p.executors[jobType] = executor
	p.logger.Info().
		Str("job_type", string(jobType)).
		Msg("Executor registered")
}

// Start launches the consumer goroutines
func (p *Processor) Start() {
	concurrency := p.config.Concurrency
	if concurrency <= 0 {
		concurrency = 2
	}

	p.logger.Info().
		Int("concurrency", concurrency).
		Msg("Starting worker processor")

	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.consume(i)
	}
}

// Stop cancels the consumers and waits for in-flight jobs
func (p *Processor) Stop() {
	p.logger.Info().Msg("Stopping worker processor...")
	p.cancel()
	p.wg.Wait()
	p.logger.Info().Msg("Worker processor stopped")
}

// consume is one consumer loop: receive, process, back off when idle
func (p *Processor) consume(workerID int) {
	defer p.wg.Done()

	p.logger.Debug().
		Int("worker_id", workerID).
		Msg("Worker started")

	backoff := idleBackoffMin
	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debug().
				Int("worker_id", workerID).
				Msg("Worker stopping")
			return
		default:
		}

		msg, err := p.queue.Receive(p.ctx, receiveWait)
		if err != nil {
			if p.ctx.Err() != nil {
				return
			}
			if !errors.Is(err, models.ErrNoMessage) {
				p.logger.Error().
					Err(err).
					Int("worker_id", workerID).
					Msg("Queue receive failed")
			}
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > idleBackoffMax {
				backoff = idleBackoffMax
			}
			continue
		}

		backoff = idleBackoffMin
		p.process(workerID, msg)
	}
}

// process runs one delivered work item end to end
func (p *Processor) process(workerID int, msg *models.QueueMessage) {
	jobID := msg.Item.JobID
	startTime := time.Now()

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Int("worker_id", workerID).
				Str("job_id", jobID).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", common.GetStackTrace()).
				Msg("PANIC RECOVERED in job execution")
			if err := p.jobs.FailJob(context.Background(), jobID, fmt.Sprintf("worker panic: %v", r)); err != nil {
				p.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to fail panicked job")
			}
			p.ack(msg.Receipt, jobID)
		}
	}()

	// Starting a job the process cannot finish wastes the attempt;
	// release the item so a fresh process picks it up.
	remaining := p.remaining()
	minStart := common.DurationOr(p.config.MinStartBudget, 60*time.Second)
	if remaining < minStart {
		p.logger.Warn().
			Str("job_id", jobID).
			Dur("remaining", remaining).
			Dur("min_start", minStart).
			Msg("Refusing job start near process budget, releasing for redelivery")
		if err := p.queue.Fail(context.Background(), msg.Receipt); err != nil {
			p.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to release work item")
		}
		return
	}

	job, err := p.jobs.GetJob(p.ctx, jobID)
	if err != nil {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to load job for work item")
		if err := p.queue.Fail(context.Background(), msg.Receipt); err != nil {
			p.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to release work item")
		}
		return
	}
	if job == nil {
		p.logger.Warn().Str("job_id", jobID).Msg("Work item references a missing job, dropping")
		p.ack(msg.Receipt, jobID)
		return
	}

	// At-least-once delivery: a finished or cancelled job can come
	// around again. Acknowledge and move on.
	if job.Status == models.JobStatusCompleted || job.Status == models.JobStatusCancelled {
		p.logger.Info().
			Str("job_id", jobID).
			Str("status", string(job.Status)).
			Int("receive_count", msg.ReceiveCount).
			Msg("Redelivered item for settled job, dropping")
		p.ack(msg.Receipt, jobID)
		return
	}

	executor, ok := p.executors[job.Type]
	if !ok {
		reason := fmt.Sprintf("no executor registered for job type %s", job.Type)
		p.logger.Error().Str("job_id", jobID).Str("job_type", string(job.Type)).Msg(reason)
		if err := p.jobs.FailJob(p.ctx, jobID, reason); err != nil {
			p.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to fail unroutable job")
		}
		p.ack(msg.Receipt, jobID)
		return
	}

	if _, err := p.jobs.StartJob(p.ctx, jobID); err != nil {
		p.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to transition job to processing")
		if err := p.queue.Fail(context.Background(), msg.Receipt); err != nil {
			p.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to release work item")
		}
		return
	}

	p.logger.Info().
		Int("worker_id", workerID).
		Str("job_id", jobID).
		Str("job_type", string(job.Type)).
		Str("url", job.URL).
		Int("receive_count", msg.ReceiveCount).
		Msg("Processing job")

	hbCtx, stopHeartbeat := context.WithCancel(p.ctx)
	defer stopHeartbeat()
	go p.heartbeatLoop(hbCtx, jobID)

	runCtx, cancelRun := context.WithDeadline(p.ctx, p.startedAt.Add(p.processBudget()))
	defer cancelRun()

	result, execErr := executor.Execute(runCtx, job)

	// Stop stamping liveness before the terminal write lands.
	stopHeartbeat()

	if execErr != nil {
		p.settleFailure(jobID, execErr)
	} else {
		p.settleSuccess(jobID, result)
	}

	p.logger.Info().
		Int("worker_id", workerID).
		Str("job_id", jobID).
		Dur("duration", time.Since(startTime)).
		Msg("Job settled")

	p.ack(msg.Receipt, jobID)
}

// settleSuccess writes the terminal completed status with the result
func (p *Processor) settleSuccess(jobID string, result *ExecutionResult) {
	ctx := context.Background()

	var err error
	if result.Note != "" {
		err = p.jobs.CompleteJobWithNote(ctx, jobID, result.Data, result.Note)
	} else {
		err = p.jobs.CompleteJob(ctx, jobID, result.Data)
	}
	if err == nil {
		return
	}

	p.logger.Error().Err(err).Str("job_id", jobID).Msg("Terminal write failed, retrying status-only")
	p.forceTerminalStatus(jobID, models.JobStatusCompleted, err)
}

// settleFailure writes the terminal failed or timeout status
func (p *Processor) settleFailure(jobID string, execErr error) {
	ctx := context.Background()

	var err error
	var status models.JobStatus
	if errors.Is(execErr, context.DeadlineExceeded) {
		status = models.JobStatusTimeout
		err = p.jobs.TimeoutJob(ctx, jobID, execErr.Error())
	} else {
		status = models.JobStatusFailed
		err = p.jobs.FailJob(ctx, jobID, execErr.Error())
	}
	if err == nil {
		return
	}

	p.logger.Error().Err(err).Str("job_id", jobID).Msg("Terminal write failed, retrying status-only")
	p.forceTerminalStatus(jobID, status, err)
}

// forceTerminalStatus retries a failed terminal write with a minimal
// status-only patch. A second failure exits the process non-zero so the
// monitor reconciles the job from the store's last state.
func (p *Processor) forceTerminalStatus(jobID string, status models.JobStatus, cause error) {
	note := fmt.Sprintf("terminal write degraded: %v", cause)
	if _, err := p.jobs.UpdateJob(context.Background(), jobID, models.JobPatch{Status: &status, Error: &note}); err != nil {
		p.logger.Error().
			Err(err).
			Str("job_id", jobID).
			Str("status", string(status)).
			Msg("FATAL: terminal status write failed twice, exiting for monitor reconciliation")
		p.exit(1)
	}
}

// ack acknowledges a work item, logging rather than failing on error:
// the job record is already settled and redelivery is a harmless no-op.
func (p *Processor) ack(receipt, jobID string) {
	if err := p.queue.Ack(context.Background(), receipt); err != nil {
		p.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to acknowledge work item")
	}
}

// heartbeatLoop stamps liveness while a job runs
func (p *Processor) heartbeatLoop(ctx context.Context, jobID string) {
	interval := common.DurationOr(p.config.HeartbeatInterval, 10*time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.jobs.Heartbeat(context.Background(), jobID); err != nil {
				p.logger.Warn().Err(err).Str("job_id", jobID).Msg("Heartbeat write failed")
			}
		}
	}
}

func (p *Processor) processBudget() time.Duration {
	return common.DurationOr(p.config.ProcessBudget, 15*time.Minute)
}

// remaining is the unspent share of the process wall-clock budget
func (p *Processor) remaining() time.Duration {
	return p.processBudget() - time.Since(p.startedAt)
}
