package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/explico/internal/common"
	"github.com/ternarybob/explico/internal/handlers"
	"github.com/ternarybob/explico/internal/interfaces"
	"github.com/ternarybob/explico/internal/queue"
	"github.com/ternarybob/explico/internal/services/artifacts"
	"github.com/ternarybob/explico/internal/services/extractor"
	"github.com/ternarybob/explico/internal/services/heuristics"
	"github.com/ternarybob/explico/internal/services/intake"
	"github.com/ternarybob/explico/internal/services/llm"
	"github.com/ternarybob/explico/internal/services/pipeline"
	"github.com/ternarybob/explico/internal/services/scheduler"
	"github.com/ternarybob/explico/internal/storage/postgres"
	"github.com/ternarybob/explico/internal/workers"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Storage and transport
	JobStorage interfaces.JobStorage
	Queue      interfaces.QueueService
	Artifacts  *artifacts.Service

	// Pipeline stages
	Extractor  *extractor.Service
	Classifier *heuristics.Classifier
	Curator    *llm.Curator
	Analyst    *llm.Analyst

	// Services
	IntakeService interfaces.IntakeService
	Runner        *pipeline.Runner
	Processor     *workers.Processor
	Reaper        *workers.Reaper
	Scheduler     *scheduler.Service

	// HTTP handlers
	APIHandler     *handlers.APIHandler
	EnqueueHandler *handlers.EnqueueHandler
	JobHandler     *handlers.JobHandler
	CacheHandler   *handlers.CacheHandler

	// owner is this process's consumer identity, stamped on every row lock.
	owner string
}

// New initializes the application with all dependencies and starts the
// background workers. Callers own the returned App and must Close it.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initQueue(); err != nil {
		app.JobStorage.Close()
		return nil, fmt.Errorf("failed to initialize queue: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.Queue.Close()
		app.JobStorage.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	// Workers start last so every dependency they touch is ready.
	app.Processor.Start()
	app.Scheduler.Start()

	logger.Info().
		Str("owner", app.owner).
		Int("concurrency", cfg.Worker.Concurrency).
		Bool("llm_enabled", cfg.LLM.Enabled && app.Analyst != nil).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage connects Postgres and applies migrations.
func (a *App) initStorage() error {
	store, err := postgres.NewStore(a.Config, a.Logger)
	if err != nil {
		return err
	}
	a.JobStorage = postgres.NewJobStorage(store, a.Logger)
	return nil
}

// initQueue connects Redis and creates the consumer groups.
func (a *App) initQueue() error {
	rq, err := queue.NewRedisQueue(a.Config, a.Logger)
	if err != nil {
		return err
	}
	if err := rq.EnsureGroups(context.Background()); err != nil {
		rq.Close()
		return err
	}
	a.Queue = rq
	a.owner = rq.Consumer()
	return nil
}

// initServices initializes the business services in dependency order:
// artifacts, extractor, classifier, LLM roles, intake, pipeline, reaper.
func (a *App) initServices() error {
	var err error

	a.Artifacts, err = artifacts.NewService(a.Config, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize artifact store: %w", err)
	}

	a.Extractor = extractor.NewService(a.Config, a.Logger)
	if err := a.Extractor.Warmup(context.Background()); err != nil {
		// Extraction retries per job; a cold pool only slows the first one.
		a.Logger.Warn().Err(err).Msg("Browser pool warmup failed")
	}

	a.Classifier, err = heuristics.NewClassifier(a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize classifier: %w", err)
	}

	if a.Config.LLM.Enabled {
		if err := a.initLLMRoles(); err != nil {
			// The pipeline falls back to heuristic commits while the roles
			// are nil, so a missing API key degrades instead of crashing.
			a.Logger.Warn().Err(err).Msg("LLM stages unavailable - committing heuristic results")
			a.Curator = nil
			a.Analyst = nil
		}
	}

	a.IntakeService = intake.NewService(a.JobStorage, a.Queue, a.Config, a.Logger)

	a.Runner = pipeline.NewRunner(a.Config, pipeline.RunnerOptions{
		Storage:    a.JobStorage,
		Artifacts:  a.Artifacts,
		Extractor:  a.Extractor,
		Classifier: a.Classifier,
		Curator:    a.Curator,
		Analyst:    a.Analyst,
		Owner:      a.owner,
	}, a.Logger)

	a.Processor = workers.NewProcessor(a.Config, a.JobStorage, a.Queue, a.Runner, a.owner, a.Logger)
	a.Reaper = workers.NewReaper(a.Config, a.JobStorage, a.Queue, a.Logger)

	a.Scheduler, err = scheduler.NewService(a.Config, a.Reaper, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	return nil
}

// initLLMRoles builds the curator and analyst over their provider clients.
func (a *App) initLLMRoles() error {
	ctx := context.Background()

	curatorClient, err := llm.NewClient(ctx, a.Config, a.Config.LLM.CuratorModel, a.Logger)
	if err != nil {
		return fmt.Errorf("curator client for %s: %w", a.Config.LLM.CuratorModel, err)
	}

	analystClient, err := llm.NewClient(ctx, a.Config, a.Config.LLM.AnalystModel, a.Logger)
	if err != nil {
		return fmt.Errorf("analyst client for %s: %w", a.Config.LLM.AnalystModel, err)
	}

	a.Curator = llm.NewCurator(curatorClient, a.Logger)
	a.Analyst = llm.NewAnalyst(analystClient, a.Logger)

	a.Logger.Info().
		Str("curator_model", a.Config.LLM.CuratorModel).
		Str("analyst_model", a.Config.LLM.AnalystModel).
		Msg("LLM roles initialized")
	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.JobStorage, a.Queue)
	a.EnqueueHandler = handlers.NewEnqueueHandler(a.IntakeService, a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.JobStorage, a.Artifacts, a.Logger)
	a.CacheHandler = handlers.NewCacheHandler(a.IntakeService, a.Logger)
}

// Close stops the workers and releases all resources. Stop order matters:
// the scheduler stops feeding work, the processor drains in-flight jobs,
// then the connections close under it.
func (a *App) Close() error {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}

	if a.Processor != nil {
		a.Processor.Stop()
		a.Logger.Info().Msg("Job processor stopped")
	}

	if a.Extractor != nil {
		if err := a.Extractor.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close browser pool")
		}
	}

	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close queue connection")
		}
	}

	if a.JobStorage != nil {
		a.JobStorage.Close()
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
