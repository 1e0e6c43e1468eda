package interfaces

import (
	"context"

	"github.com/ternarybob/atlas/internal/models"
)

// MonitorService reaps stuck and orphaned jobs on a cron schedule and
// assembles the aggregate health report served on /health.
type MonitorService interface {
	// Start schedules the periodic sweep
	Start() error

	// Stop halts the schedule; a sweep in flight finishes
	Stop()

	// Sweep runs one reclamation pass: stuck processing jobs are
	// recovered or failed, stale pending jobs are orphaned, expired
	// records are evicted.
	Sweep(ctx context.Context) models.SweepSummary

	// Report assembles the current health snapshot
	Report(ctx context.Context) *models.HealthReport
}
