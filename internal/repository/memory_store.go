package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"seo-agents/backend/internal/apperrors"
	"seo-agents/backend/pkg/models"
)

// MemoryRunStore is an in-process RunStore. A single mutex serializes every
// mutation, which makes each CAS and countdown step atomic.
type MemoryRunStore struct {
	mu   sync.Mutex
	runs map[string]*models.FlowRun
}

// NewMemoryRunStore creates an empty MemoryRunStore.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]*models.FlowRun)}
}

func (s *MemoryRunStore) CreateRun(_ context.Context, run *models.FlowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *MemoryRunStore) GetRun(_ context.Context, id string) (*models.FlowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, apperrors.ErrNotFound)
	}
	return run.Clone(), nil
}

func (s *MemoryRunStore) ListRuns(_ context.Context, tenantID string) ([]*models.FlowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.FlowRun
	for _, run := range s.runs {
		if run.TenantID == tenantID {
			out = append(out, run.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryRunStore) ClaimStage(_ context.Context, runID, stageID string, attempt int, staleAfter time.Duration) (bool, error) {
	staleBefore := time.Now().Add(-staleAfter)
	return s.mutateStage(runID, stageID, func(st *models.StageState) bool {
		fresh := st.Status == models.StageStatusPending && st.PendingDeps == 0 && st.Attempts == attempt-1
		stale := st.Status == models.StageStatusRunning && st.Attempts == attempt &&
			st.StartedAt != nil && st.StartedAt.Before(staleBefore)
		if !fresh && !stale {
			return false
		}
		now := time.Now().UTC()
		st.Status = models.StageStatusRunning
		st.Attempts = attempt
		st.StartedAt = &now
		st.FinishedAt = nil
		return true
	})
}

func (s *MemoryRunStore) FinishStage(_ context.Context, runID, stageID string, attempt int, upd StageUpdate) (bool, error) {
	return s.mutateStage(runID, stageID, func(st *models.StageState) bool {
		if st.Status != models.StageStatusRunning || st.Attempts != attempt {
			return false
		}
		st.Status = upd.Status
		st.Output = upd.Output
		st.Error = upd.Error
		if upd.Status.Terminal() {
			now := time.Now().UTC()
			st.FinishedAt = &now
		}
		return true
	})
}

func (s *MemoryRunStore) DecrementDeps(_ context.Context, runID, stageID string) (int, bool, error) {
	remaining := 0
	ok, err := s.mutateStage(runID, stageID, func(st *models.StageState) bool {
		if st.Status != models.StageStatusPending || st.PendingDeps <= 0 {
			return false
		}
		st.PendingDeps--
		remaining = st.PendingDeps
		return true
	})
	return remaining, ok, err
}

func (s *MemoryRunStore) SkipStages(_ context.Context, runID string, stageIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, apperrors.ErrNotFound)
	}
	now := time.Now().UTC()
	var skipped []string
	for _, id := range stageIDs {
		st, ok := run.Stages[id]
		if !ok || st.Status != models.StageStatusPending {
			continue
		}
		st.Status = models.StageStatusSkipped
		st.FinishedAt = &now
		run.Stages[id] = st
		skipped = append(skipped, id)
	}
	if len(skipped) > 0 {
		run.UpdatedAt = now
	}
	return skipped, nil
}

func (s *MemoryRunStore) SetRunStatus(_ context.Context, runID string, from, to models.RunStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return false, fmt.Errorf("run %s: %w", runID, apperrors.ErrNotFound)
	}
	if run.Status != from {
		return false, nil
	}
	run.Status = to
	run.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryRunStore) mutateStage(runID, stageID string, fn func(*models.StageState) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return false, fmt.Errorf("run %s: %w", runID, apperrors.ErrNotFound)
	}
	st, ok := run.Stages[stageID]
	if !ok {
		return false, fmt.Errorf("stage %s of run %s: %w", stageID, runID, apperrors.ErrNotFound)
	}
	if !fn(&st) {
		return false, nil
	}
	run.Stages[stageID] = st
	run.UpdatedAt = time.Now().UTC()
	return true, nil
}

// MemoryScheduleStore is an in-process ScheduleStore.
type MemoryScheduleStore struct {
	mu        sync.Mutex
	schedules map[string]*models.Schedule
}

// NewMemoryScheduleStore creates an empty MemoryScheduleStore.
func NewMemoryScheduleStore() *MemoryScheduleStore {
	return &MemoryScheduleStore{schedules: make(map[string]*models.Schedule)}
}

func scheduleKey(tenantID, id string) string { return tenantID + "/" + id }

func (s *MemoryScheduleStore) UpsertSchedule(_ context.Context, sched *models.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	key := scheduleKey(sched.TenantID, sched.ID)
	if existing, ok := s.schedules[key]; ok {
		sched.CreatedAt = existing.CreatedAt
	} else {
		sched.CreatedAt = now
	}
	sched.UpdatedAt = now
	cp := *sched
	s.schedules[key] = &cp
	return nil
}

func (s *MemoryScheduleStore) GetSchedule(_ context.Context, tenantID, id string) (*models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[scheduleKey(tenantID, id)]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", id, apperrors.ErrNotFound)
	}
	cp := *sched
	return &cp, nil
}

func (s *MemoryScheduleStore) DeleteSchedule(_ context.Context, tenantID, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := scheduleKey(tenantID, id)
	if _, ok := s.schedules[key]; !ok {
		return false, nil
	}
	delete(s.schedules, key)
	return true, nil
}

func (s *MemoryScheduleStore) ListSchedules(_ context.Context, tenantID string) ([]*models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Schedule
	for _, sched := range s.schedules {
		if tenantID == "" || sched.TenantID == tenantID {
			cp := *sched
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
