package repository

import (
	"context"
	"time"

	"seo-agents/backend/pkg/models"
)

// StageUpdate is the result written when a running stage settles.
type StageUpdate struct {
	// Status is succeeded, failed, or pending for a retry.
	Status models.StageStatus
	Output map[string]any
	Error  string
}

// RunStore persists flow runs and their stage states. Every mutating method
// is a compare-and-swap: it reports false when the row was not in the
// expected state, which callers treat as a lost race or duplicate delivery.
type RunStore interface {
	// CreateRun inserts a run with its stage states.
	CreateRun(ctx context.Context, run *models.FlowRun) error
	// GetRun returns the run with id, or apperrors.ErrNotFound.
	GetRun(ctx context.Context, id string) (*models.FlowRun, error)
	// ListRuns returns a tenant's runs, newest first.
	ListRuns(ctx context.Context, tenantID string) ([]*models.FlowRun, error)
	// ClaimStage moves a stage to running for the given 1-based attempt. It
	// succeeds when the stage is pending with attempts = attempt-1, or when
	// it is running the same attempt and started more than staleAfter ago by
	// the store's clock.
	ClaimStage(ctx context.Context, runID, stageID string, attempt int, staleAfter time.Duration) (bool, error)
	// FinishStage settles a stage that is running the given attempt.
	FinishStage(ctx context.Context, runID, stageID string, attempt int, upd StageUpdate) (bool, error)
	// DecrementDeps atomically decrements a pending stage's dependency
	// countdown and returns the remaining count. ok is false when the stage
	// is no longer pending or the count was already zero.
	DecrementDeps(ctx context.Context, runID, stageID string) (remaining int, ok bool, err error)
	// SkipStages marks the listed stages skipped if they are still pending and
	// returns the ids that changed.
	SkipStages(ctx context.Context, runID string, stageIDs []string) ([]string, error)
	// SetRunStatus moves a run from one status to another.
	SetRunStatus(ctx context.Context, runID string, from, to models.RunStatus) (bool, error)
}

// ScheduleStore persists recurring triggers.
type ScheduleStore interface {
	// UpsertSchedule inserts or updates a schedule keyed by (tenant, id).
	UpsertSchedule(ctx context.Context, s *models.Schedule) error
	// GetSchedule returns a schedule, or apperrors.ErrNotFound.
	GetSchedule(ctx context.Context, tenantID, id string) (*models.Schedule, error)
	// DeleteSchedule removes a schedule and reports whether it existed.
	DeleteSchedule(ctx context.Context, tenantID, id string) (bool, error)
	// ListSchedules returns a tenant's schedules, or every tenant's when
	// tenantID is empty.
	ListSchedules(ctx context.Context, tenantID string) ([]*models.Schedule, error)
}
