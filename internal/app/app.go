// -----------------------------------------------------------------------
// Application wiring - builds the service graph and owns its lifecycle
// -----------------------------------------------------------------------

package app

import (
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/atlas/internal/common"
	"github.com/ternarybob/atlas/internal/handlers"
	"github.com/ternarybob/atlas/internal/interfaces"
	"github.com/ternarybob/atlas/internal/models"
	"github.com/ternarybob/atlas/internal/queue"
	"github.com/ternarybob/atlas/internal/services/events"
	"github.com/ternarybob/atlas/internal/services/fetcher"
	jobsvc "github.com/ternarybob/atlas/internal/services/jobs"
	"github.com/ternarybob/atlas/internal/services/llm"
	"github.com/ternarybob/atlas/internal/services/monitor"
	"github.com/ternarybob/atlas/internal/services/orchestrator"
	"github.com/ternarybob/atlas/internal/services/report"
	storage "github.com/ternarybob/atlas/internal/storage/badger"
	"github.com/ternarybob/atlas/internal/worker"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager

	// Event fan-out and the log bridge feeding the WebSocket stream
	EventService interfaces.EventService
	LogStreamer  *handlers.LogStreamer

	// Job pipeline
	Queue      interfaces.QueueService
	JobService interfaces.JobService
	Processor  *worker.Processor

	// Extraction services
	FetchService interfaces.FetchService
	LLMService   interfaces.LLMService
	UsageLedger  *llm.UsageLedger
	Orchestrator *orchestrator.Orchestrator

	// Reporting and health
	ReportService  interfaces.ReportService
	MonitorService *monitor.Service

	// HTTP handlers
	JobHandler    *handlers.JobHandler
	ReportHandler *handlers.ReportHandler
	HealthHandler *handlers.HealthHandler
	WSHandler     *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	// Initialize database
	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	// Event service and WebSocket handler come first so every later
	// component can publish updates, and so the log bridge has a hub
	// to relay into before services start chattering.
	app.EventService = events.NewService(&cfg.WebSocket, logger)
	app.WSHandler = handlers.NewWebSocketHandler(app.EventService, logger, &cfg.WebSocket)

	// Bridge arbor's context channel into the WebSocket stream
	app.LogStreamer = handlers.NewLogStreamer(app.WSHandler, &cfg.WebSocket)
	logger.SetChannel("context", app.LogStreamer.Channel())
	app.LogStreamer.Start()

	// Initialize services
	if err := app.initServices(); err != nil {
		return nil, err
	}

	// Initialize handlers
	app.initHandlers()

	// Start the worker after handlers exist so job activity streams to
	// connected clients from the first message onward
	app.Processor.Start()
	logger.Debug().Msg("Worker processor started")

	if err := app.MonitorService.Start(); err != nil {
		return nil, fmt.Errorf("failed to start monitor: %w", err)
	}

	// Periodic queue depth broadcasts for connected clients
	app.WSHandler.StartStatusBroadcaster(app.Queue, common.DurationOr(cfg.WebSocket.StatusInterval, 5*time.Second))

	logger.Info().
		Str("environment", cfg.Environment).
		Int("worker_concurrency", cfg.Worker.Concurrency).
		Str("queue", cfg.Queue.Name).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger)
func (a *App) initDatabase() error {
	manager, err := storage.NewManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}
	a.StorageManager = manager

	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	return nil
}

// initServices initializes all business services in dependency order.
//
// JOB PIPELINE:
// 1. BadgerQueue - persistent delivery queue over the shared Badger store
// 2. JobService  - job records, status transitions, capped log append
// 3. Processor   - leases queue messages and drives the executors
// 4. Executors   - scrape, crawl and the two extraction modes
func (a *App) initServices() error {
	store, ok := a.StorageManager.DB().(*badgerhold.Store)
	if !ok {
		return fmt.Errorf("storage manager does not expose a badgerhold store")
	}
	deadLetter := a.StorageManager.DeadLetterStorage()

	// Queue shares the storage manager's Badger instance so a job record
	// and its queue message commit against the same store
	q, err := queue.NewBadgerQueue(store.Badger(), &a.Config.Queue, deadLetter, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}
	a.Queue = q

	a.JobService = jobsvc.NewService(a.StorageManager.JobStorage(), a.Queue, a.EventService, &a.Config.Jobs, a.Logger)

	a.FetchService, err = fetcher.NewService(&a.Config.Fetcher, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize fetcher: %w", err)
	}

	a.UsageLedger = llm.NewUsageLedger(store, a.Logger)
	a.LLMService, err = llm.NewService(&a.Config.LLM, &a.Config.Features, a.UsageLedger, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize LLM service: %w", err)
	}

	a.Orchestrator = orchestrator.NewOrchestrator(&a.Config.Orchestrator, a.FetchService, a.LLMService, a.JobService, a.Logger)

	a.Processor = worker.NewProcessor(&a.Config.Worker, a.Queue, a.JobService, a.Logger)
	a.Processor.Register(models.JobTypeSyncExtract, worker.NewSyncExtractExecutor(a.Orchestrator))
	a.Processor.Register(models.JobTypeAutonomousExtract, worker.NewAutonomousExtractExecutor(a.Orchestrator))
	a.Processor.Register(models.JobTypeScrape, worker.NewScrapeExecutor(a.FetchService, a.Logger))
	a.Processor.Register(models.JobTypeCrawl, worker.NewCrawlExecutor(&a.Config.Orchestrator, a.FetchService, a.Logger))

	a.MonitorService = monitor.NewService(&a.Config.Monitor, a.Config.LLM.BudgetMonthlyUSD, a.JobService, a.StorageManager.JobStorage(), deadLetter, a.Queue, a.LLMService, a.Logger)

	a.ReportService = report.NewService(a.Logger)

	return nil
}

// initHandlers initializes HTTP handlers
func (a *App) initHandlers() {
	a.JobHandler = handlers.NewJobHandler(a.JobService, a.Logger)
	a.ReportHandler = handlers.NewReportHandler(a.JobService, a.ReportService, a.Logger)
	a.HealthHandler = handlers.NewHealthHandler(a.MonitorService, a.Logger)
}

// Close closes all application resources in reverse start order
func (a *App) Close() error {
	// Detach the log bridge first so shutdown chatter does not queue up
	// behind a closing WebSocket hub
	if a.LogStreamer != nil {
		a.LogStreamer.Stop()
	}

	if a.MonitorService != nil {
		a.MonitorService.Stop()
	}

	// Stop the worker before the services it executes against
	if a.Processor != nil {
		a.Processor.Stop()
		a.Logger.Info().Msg("Worker processor stopped")
	}

	if a.WSHandler != nil {
		a.WSHandler.Close()
	}

	if a.LLMService != nil {
		if err := a.LLMService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close LLM service")
		}
	}

	if a.FetchService != nil {
		if err := a.FetchService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close fetch service")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	// Queue state lives in the shared Badger store, closed with storage
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
