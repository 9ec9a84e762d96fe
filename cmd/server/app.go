package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"seo-agents/backend/internal/agents"
	"seo-agents/backend/internal/cache"
	"seo-agents/backend/internal/config"
	"seo-agents/backend/internal/dag"
	"seo-agents/backend/internal/database"
	"seo-agents/backend/internal/eventbus"
	"seo-agents/backend/internal/logging"
	"seo-agents/backend/internal/orchestrator"
	"seo-agents/backend/internal/outbox"
	"seo-agents/backend/internal/queue"
	"seo-agents/backend/internal/repository"
	"seo-agents/backend/internal/scheduler"
	"seo-agents/backend/internal/services"
	"seo-agents/backend/internal/tools"
	"seo-agents/backend/internal/workflows"
)

// app holds every wired component. Which of them a subcommand runs is
// decided by the caller.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	pool   *pgxpool.Pool

	queue      queue.Queue
	worker     *queue.Worker
	engine     *orchestrator.Engine
	scheduler  *scheduler.Scheduler
	dispatcher *outbox.Dispatcher
	bus        *eventbus.Bus
	cache      *cache.Cache
	flows      *services.FlowService
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// ready pings the database when one is configured.
func (a *app) ready(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	return a.pool.Ping(ctx)
}

func buildApp(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	var (
		runs        repository.RunStore
		schedules   repository.ScheduleStore
		outboxStore outbox.Store
	)
	switch cfg.Storage.Driver {
	case "postgres":
		pool, err := database.Connect(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		if err := database.Migrate(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, err
		}
		runs = repository.NewPostgresRunStore(pool)
		schedules = repository.NewPostgresScheduleStore(pool)
		outboxStore = outbox.NewPostgresStore(pool)
		a.queue = queue.NewPostgresQueue(pool)
	default:
		runs = repository.NewMemoryRunStore()
		schedules = repository.NewMemoryScheduleStore()
		outboxStore = outbox.NewMemoryStore()
		a.queue = queue.NewMemoryQueue()
	}

	flowReg := dag.NewRegistry()
	defs, err := workflows.Builtin()
	if err != nil {
		a.Close()
		return nil, err
	}
	if dir := cfg.Orchestrator.WorkflowsDir; dir != "" {
		extra, err := workflows.LoadDir(dir)
		if err != nil {
			a.Close()
			return nil, err
		}
		defs = append(defs, extra...)
	}
	if err := workflows.RegisterAll(flowReg, defs); err != nil {
		a.Close()
		return nil, err
	}

	toolReg := tools.NewRegistry(
		tools.WithTimeout(cfg.Tools.Timeout),
		tools.WithRateLimit(cfg.Tools.RequestsPerSecond, cfg.Tools.Burst),
		tools.WithMaxResponseBytes(cfg.Tools.MaxResponseBytes),
	)
	if err := tools.RegisterBuiltins(toolReg, cfg.Tools.NetworkAllowlist); err != nil {
		a.Close()
		return nil, err
	}
	agentReg := agents.NewRegistry()
	if err := agents.RegisterBuiltins(agentReg); err != nil {
		a.Close()
		return nil, err
	}

	events := outbox.NewWriter(outboxStore)
	a.engine, err = orchestrator.New(flowReg, agentReg, toolReg, runs, a.queue, events, logger, orchestrator.Options{
		WorkspaceRoot:  cfg.Orchestrator.WorkspaceRoot,
		StageTimeout:   cfg.Orchestrator.StageTimeout,
		StaleAfter:     cfg.Orchestrator.StaleAfter,
		CancelPoll:     cfg.Orchestrator.CancelPoll,
		JobMaxAttempts: cfg.Queue.MaxAttempts,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	a.scheduler = scheduler.New(schedules, a.queue, a.engine, events, logger)

	a.worker = queue.NewWorker(a.queue, logger, queue.WorkerOptions{
		Concurrency:       cfg.Queue.Concurrency,
		PollInterval:      cfg.Queue.PollInterval,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
	})
	a.engine.Register(a.worker)
	a.scheduler.Register(a.worker)

	a.bus = eventbus.New(logger)
	a.cache = cache.New(cfg.Cache.Size, cfg.Cache.TTL)

	var notifier outbox.Notifier
	if cfg.Outbox.WebhookURL != "" {
		notifier = services.NewWebhookNotifier(cfg.Outbox.WebhookURL, cfg.Outbox.WebhookTimeout)
	}
	a.dispatcher = outbox.NewDispatcher(outboxStore, a.bus, a.cache, notifier, logger, outbox.Options{
		PollInterval:   cfg.Outbox.PollInterval,
		BatchSize:      cfg.Outbox.BatchSize,
		MaxRetries:     cfg.Outbox.MaxRetries,
		WebhookTimeout: cfg.Outbox.WebhookTimeout,
	})

	a.flows = services.NewFlowService(a.engine, a.scheduler, a.cache)
	return a, nil
}
