package services

import (
	"context"

	"seo-agents/backend/internal/orchestrator"
	"seo-agents/backend/pkg/models"
)

// Orchestrator starts, cancels and reports on flow runs.
type Orchestrator interface {
	StartFlow(ctx context.Context, flowName string, in orchestrator.FlowInput) (*models.FlowRun, error)
	CancelFlow(ctx context.Context, runID string) (*models.FlowRun, error)
	GetRun(ctx context.Context, runID string) (*models.FlowRun, error)
	ListRuns(ctx context.Context, tenantID string) ([]*models.FlowRun, error)
	Workflows() []models.WorkflowDefinition
}

// ScheduleManager manages recurring flow triggers.
type ScheduleManager interface {
	UpsertSchedule(ctx context.Context, s models.Schedule) (*models.Schedule, error)
	RemoveSchedule(ctx context.Context, tenantID, id string) error
	GetSchedule(ctx context.Context, tenantID, id string) (*models.Schedule, error)
	Schedules(ctx context.Context, tenantID string) ([]*models.Schedule, error)
	ListSchedules(ctx context.Context) ([]models.ScheduleInfo, error)
}
