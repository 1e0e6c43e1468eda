// -----------------------------------------------------------------------
// Health monitor: scheduled reclamation of stuck, orphaned and expired
// jobs, plus the aggregate health report.
// -----------------------------------------------------------------------

package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/common"
	"github.com/ternarybob/atlas/internal/interfaces"
	"github.com/ternarybob/atlas/internal/models"
)

// sweepScanLimit caps how many records one sweep examines per status.
// Anything past the cap is picked up on the next cycle.
const sweepScanLimit = 500

// Service implements the MonitorService interface
type Service struct {
	config     *common.MonitorConfig
	budgetUSD  float64
	jobs       interfaces.JobService
	storage    interfaces.JobStorage
	deadLetter interfaces.DeadLetterStorage
	queue      interfaces.QueueService
	llm        interfaces.LLMService
	logger     arbor.ILogger

	cron      *cron.Cron
	prober    *tierProber
	startedAt time.Time

	mu       sync.Mutex
	running  bool
	sweeping bool
}

// NewService creates a health monitor over the job store, queue and
// model router. budgetUSD is the monthly spend cap for the alarm flag;
// zero disables it.
func NewService(config *common.MonitorConfig, budgetUSD float64, jobs interfaces.JobService, storage interfaces.JobStorage, deadLetter interfaces.DeadLetterStorage, queue interfaces.QueueService, llm interfaces.LLMService, logger arbor.ILogger) *Service {
	return &Service{
		config:     config,
		budgetUSD:  budgetUSD,
		jobs:       jobs,
		storage:    storage,
		deadLetter: deadLetter,
		queue:      queue,
		llm:        llm,
		logger:     logger,
		cron:       cron.New(),
		prober:     newTierProber(probeCacheTTL),
		startedAt:  time.Now(),
	}
}

// Start registers the sweep on the configured cron schedule
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("monitor already running")
	}

	schedule := s.config.Schedule
	if schedule == "" {
		schedule = "*/2 * * * *"
	}

	if _, err := s.cron.AddFunc(schedule, s.runSweep); err != nil {
		return fmt.Errorf("failed to add monitor sweep to cron: %w", err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", schedule).
		Msg("Health monitor started")

	return nil
}

// Stop halts the cron schedule
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.cron.Stop()
	s.running = false

	s.logger.Info().Msg("Health monitor stopped")
}

// runSweep is the cron entry point: panic-guarded, skipped when the
// previous sweep is still in flight.
func (s *Service) runSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("PANIC RECOVERED in monitor sweep")
		}
	}()

	s.mu.Lock()
	if s.sweeping {
		s.logger.Debug().Msg("Previous sweep still running, skipping this cycle")
		s.mu.Unlock()
		return
	}
	s.sweeping = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.sweeping = false
		s.mu.Unlock()
	}()

	s.Sweep(context.Background())
}

// Sweep runs one reclamation pass over the job store
func (s *Service) Sweep(ctx context.Context) models.SweepSummary {
	startTime := time.Now()
	var summary models.SweepSummary

	summary.Recovered, summary.Failed = s.sweepStuck(ctx)
	summary.Orphaned = s.sweepOrphaned(ctx)

	expired, err := s.storage.DeleteExpired(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Retention eviction failed")
	} else {
		summary.Expired = expired
	}

	s.logger.Info().
		Int("recovered", summary.Recovered).
		Int("failed", summary.Failed).
		Int("orphaned", summary.Orphaned).
		Int("expired", summary.Expired).
		Dur("duration", time.Since(startTime)).
		Msg("Monitor sweep completed")

	return summary
}

// sweepStuck scans processing jobs and reclaims the stuck ones. A stuck
// job with partial results is promoted to completed; one without goes to
// failed and its work item is dead-lettered.
func (s *Service) sweepStuck(ctx context.Context) (recovered, failed int) {
	page, err := s.storage.List(ctx, models.JobFilter{
		Status: models.JobStatusProcessing,
		Limit:  sweepScanLimit,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Stuck-job scan failed")
		return 0, 0
	}

	now := models.NowMillis()
	for _, job := range page.Jobs {
		reason := s.stuckReason(job, now)
		if reason == "" {
			continue
		}

		if len(job.Result) > 0 {
			note := "recovered by monitor: " + reason
			if err := s.jobs.CompleteJobWithNote(ctx, job.ID, job.Result, note); err != nil {
				s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to recover stuck job")
				continue
			}
			recovered++
			s.logger.Info().
				Str("job_id", job.ID).
				Str("reason", reason).
				Msg("Stuck job completed with partial results")
			continue
		}

		if err := s.jobs.FailJob(ctx, job.ID, "stuck: "+reason); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to fail stuck job")
			continue
		}
		if err := s.deadLetter.Store(ctx, models.NewWorkItem(job), reason); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to dead-letter stuck job")
		}
		failed++
		s.logger.Warn().
			Str("job_id", job.ID).
			Str("reason", reason).
			Msg("Stuck job failed and dead-lettered")
	}

	return recovered, failed
}

// sweepOrphaned fails pending jobs that no worker claimed within the
// orphan window.
func (s *Service) sweepOrphaned(ctx context.Context) int {
	page, err := s.storage.List(ctx, models.JobFilter{
		Status: models.JobStatusPending,
		Limit:  sweepScanLimit,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Orphaned-job scan failed")
		return 0
	}

	window := common.DurationOr(s.config.PendingOrphan, 10*time.Minute)
	now := models.NowMillis()

	orphaned := 0
	for _, job := range page.Jobs {
		age := time.Duration(now-job.CreatedAt) * time.Millisecond
		if age <= window {
			continue
		}
		reason := fmt.Sprintf("orphaned: not claimed by a worker within %s", window)
		if err := s.jobs.FailJob(ctx, job.ID, reason); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to fail orphaned job")
			continue
		}
		orphaned++
		s.logger.Warn().
			Str("job_id", job.ID).
			Dur("age", age).
			Msg("Orphaned pending job failed")
	}

	return orphaned
}

// stuckReason classifies a processing job, returning empty when healthy
func (s *Service) stuckReason(job *models.Job, now int64) string {
	staleUpdated := common.DurationOr(s.config.StaleUpdated, 5*time.Minute)
	staleHeartbeat := common.DurationOr(s.config.StaleHeartbeat, 2*time.Minute)
	maxProcessing := common.DurationOr(s.config.MaxProcessing, 10*time.Minute)

	sinceUpdate := time.Duration(now-job.UpdatedAt) * time.Millisecond
	if sinceUpdate > staleUpdated {
		return fmt.Sprintf("no update for %s", sinceUpdate.Round(time.Second))
	}
	if job.Heartbeat > 0 {
		sinceBeat := time.Duration(now-job.Heartbeat) * time.Millisecond
		if sinceBeat > staleHeartbeat {
			return fmt.Sprintf("heartbeat lost for %s", sinceBeat.Round(time.Second))
		}
	}
	sinceCreate := time.Duration(now-job.CreatedAt) * time.Millisecond
	if sinceCreate > maxProcessing {
		return fmt.Sprintf("processing for %s", sinceCreate.Round(time.Second))
	}
	return ""
}

// Report assembles the health snapshot served on /health
func (s *Service) Report(ctx context.Context) *models.HealthReport {
	report := &models.HealthReport{
		Status:        "healthy",
		Version:       common.GetVersion(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Timestamp:     models.NowMillis(),
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	report.HeapAllocBytes = mem.HeapAlloc
	report.Goroutines = runtime.NumGoroutine()

	report.Store = s.probeStore(ctx)
	if !report.Store.Reachable {
		report.Status = "degraded"
	}

	depth, err := s.queue.Length(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Queue depth probe failed")
		depth = -1
	}
	report.QueueDepth = depth

	report.Tiers = s.prober.probe(ctx, s.llm, s.logger)
	for _, tier := range report.Tiers {
		if !tier.Available {
			report.Status = "degraded"
			break
		}
	}

	report.SpendMonthUSD = s.llm.SpendMonthUSD()
	report.BudgetAlarm = s.budgetUSD > 0 && report.SpendMonthUSD >= s.budgetUSD

	return report
}

// probeStore times one read against the job store. The probe key never
// exists; reachability is the read completing without a storage error.
func (s *Service) probeStore(ctx context.Context) models.StoreHealth {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	_, err := s.storage.Get(probeCtx, "job_probe")
	health := models.StoreHealth{
		Reachable: err == nil,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if err != nil {
		health.Error = err.Error()
	}
	return health
}
