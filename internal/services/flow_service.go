package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"seo-agents/backend/internal/apperrors"
	"seo-agents/backend/internal/cache"
	"seo-agents/backend/internal/database"
	"seo-agents/backend/internal/orchestrator"
	"seo-agents/backend/internal/scheduler"
	"seo-agents/backend/pkg/models"
)

// FlowService is the tenant-scoped facade the API and MCP surfaces call. It
// hides runs and schedules of other tenants and serves list reads from the
// dashboard cache.
type FlowService struct {
	orch      Orchestrator
	schedules ScheduleManager
	cache     *cache.Cache
}

// NewFlowService creates a new FlowService. c may be nil.
func NewFlowService(orch Orchestrator, schedules ScheduleManager, c *cache.Cache) *FlowService {
	return &FlowService{orch: orch, schedules: schedules, cache: c}
}

// StartFlow starts flowName for the tenant.
func (s *FlowService) StartFlow(ctx context.Context, tenantID, flowName, projectID string, params map[string]any) (*models.FlowRun, error) {
	run, err := s.orch.StartFlow(ctx, flowName, orchestrator.FlowInput{
		TenantID:  tenantID,
		ProjectID: projectID,
		Params:    params,
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(tenantID, "runs")
	return run, nil
}

// GetRun returns one of the tenant's runs. The tenant rides on ctx so a
// row-secured store filters the lookup itself.
func (s *FlowService) GetRun(ctx context.Context, tenantID, runID string) (*models.FlowRun, error) {
	run, err := s.orch.GetRun(database.WithTenant(ctx, tenantID), runID)
	if err != nil {
		return nil, err
	}
	if run.TenantID != tenantID {
		return nil, fmt.Errorf("run %s: %w", runID, apperrors.ErrNotFound)
	}
	return run, nil
}

// CancelFlow cancels one of the tenant's runs.
func (s *FlowService) CancelFlow(ctx context.Context, tenantID, runID string) (*models.FlowRun, error) {
	if _, err := s.GetRun(ctx, tenantID, runID); err != nil {
		return nil, err
	}
	run, err := s.orch.CancelFlow(ctx, runID)
	if err != nil {
		return nil, err
	}
	s.invalidate(tenantID, "runs")
	return run, nil
}

// ListRuns returns the tenant's runs, newest first.
func (s *FlowService) ListRuns(ctx context.Context, tenantID string) ([]*models.FlowRun, error) {
	var runs []*models.FlowRun
	err := s.cached(cache.Key(tenantID, "runs", "list"), &runs, func() (any, error) {
		return s.orch.ListRuns(ctx, tenantID)
	})
	return runs, err
}

// Workflows returns the registered workflow definitions.
func (s *FlowService) Workflows() []models.WorkflowDefinition {
	return s.orch.Workflows()
}

// UpsertSchedule saves a schedule owned by the tenant.
func (s *FlowService) UpsertSchedule(ctx context.Context, tenantID string, sched models.Schedule) (*models.Schedule, error) {
	sched.TenantID = tenantID
	saved, err := s.schedules.UpsertSchedule(ctx, sched)
	if err != nil {
		return nil, err
	}
	s.invalidate(tenantID, "schedules")
	return saved, nil
}

// GetSchedule returns one of the tenant's schedules.
func (s *FlowService) GetSchedule(ctx context.Context, tenantID, id string) (*models.Schedule, error) {
	return s.schedules.GetSchedule(ctx, tenantID, id)
}

// RemoveSchedule deletes one of the tenant's schedules.
func (s *FlowService) RemoveSchedule(ctx context.Context, tenantID, id string) error {
	if err := s.schedules.RemoveSchedule(ctx, tenantID, id); err != nil {
		return err
	}
	s.invalidate(tenantID, "schedules")
	return nil
}

// ListSchedules returns the tenant's stored schedules.
func (s *FlowService) ListSchedules(ctx context.Context, tenantID string) ([]*models.Schedule, error) {
	var out []*models.Schedule
	err := s.cached(cache.Key(tenantID, "schedules", "list"), &out, func() (any, error) {
		return s.schedules.Schedules(ctx, tenantID)
	})
	return out, err
}

// Triggers returns the tenant's active triggers with their next fire times.
func (s *FlowService) Triggers(ctx context.Context, tenantID string) ([]models.ScheduleInfo, error) {
	all, err := s.schedules.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	prefix := scheduler.TriggerKey(tenantID, "")
	out := make([]models.ScheduleInfo, 0, len(all))
	for _, info := range all {
		if strings.HasPrefix(info.ID, prefix) {
			out = append(out, info)
		}
	}
	return out, nil
}

// cached decodes key into dst, or loads, stores and decodes it.
func (s *FlowService) cached(key string, dst any, load func() (any, error)) error {
	if s.cache != nil {
		if data, ok := s.cache.Get(key); ok {
			if err := json.Unmarshal(data, dst); err == nil {
				return nil
			}
		}
	}
	v, err := load()
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if s.cache != nil {
		s.cache.Set(key, data)
	}
	return json.Unmarshal(data, dst)
}

func (s *FlowService) invalidate(tenantID, area string) {
	if s.cache != nil {
		s.cache.InvalidatePrefix(cache.Key(tenantID, area))
	}
}
