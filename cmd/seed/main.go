package main

import (
	"context"
	"errors"
	"flag"
	"log"

	"seo-agents/backend/internal/apperrors"
	"seo-agents/backend/internal/config"
	"seo-agents/backend/internal/database"
	"seo-agents/backend/internal/logging"
	"seo-agents/backend/internal/outbox"
	"seo-agents/backend/internal/queue"
	"seo-agents/backend/internal/repository"
	"seo-agents/backend/internal/scheduler"
	"seo-agents/backend/internal/workflows"
	"seo-agents/backend/pkg/models"
)

func main() {
	ctx := context.Background()
	logger := logging.NewLogger()

	configFile := flag.String("config", "", "Path to config file")
	tenantID := flag.String("tenant", "local-dev", "Tenant to seed")
	flag.Parse()

	// Load config
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to DB
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool, logger); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}

	defs, err := workflows.Builtin()
	if err != nil {
		log.Fatalf("Failed to load workflows: %v", err)
	}
	known := make(map[string]bool, len(defs))
	for _, d := range defs {
		known[d.Name] = true
	}

	store := repository.NewPostgresScheduleStore(pool)
	events := outbox.NewWriter(outbox.NewPostgresStore(pool))
	sched := scheduler.New(store, queue.NewPostgresQueue(pool), nil, events, logger)

	seeds := []models.Schedule{
		{ID: "weekly-audit", FlowName: "seo_audit", ProjectID: "docs", Cron: "0 6 * * 1", Timezone: "UTC",
			Input: map[string]any{"url": "https://example.com/"}, Enabled: true},
		{ID: "daily-keywords", FlowName: "keyword_refresh", ProjectID: "docs", Cron: "30 5 * * *", Timezone: "UTC",
			SeedKeyword: "garden tools", Input: map[string]any{"url": "https://example.com/blog"}, Enabled: true},
		{ID: "monthly-audit", FlowName: "seo_audit", ProjectID: "shop", Cron: "@monthly",
			Input: map[string]any{"url": "https://shop.example.com/"}, Enabled: false},
	}

	for _, s := range seeds {
		if !known[s.FlowName] {
			logger.Warn("Skipping schedule for unknown workflow", "id", s.ID, "flow", s.FlowName)
			continue
		}
		s.TenantID = *tenantID
		saved, err := sched.UpsertSchedule(ctx, s)
		if errors.Is(err, apperrors.ErrScheduleConflict) {
			logger.Info("Skipping existing schedule", "id", s.ID)
			continue
		}
		if err != nil {
			log.Printf("Failed to seed schedule %s: %v", s.ID, err)
			continue
		}
		logger.Info("Seeded schedule", "tenant_id", saved.TenantID, "id", saved.ID, "flow", saved.FlowName, "enabled", saved.Enabled)
	}
	logger.Info("Seeding complete!")
}
