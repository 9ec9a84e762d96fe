package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seo-agents/backend/internal/apperrors"
	"seo-agents/backend/pkg/models"
)

func newDiamondRun(tenant string) *models.FlowRun {
	now := time.Now().UTC().Truncate(time.Millisecond)
	deps := map[string]int{"A": 0, "B": 1, "C": 1, "D": 2}
	stages := make(map[string]models.StageState, len(deps))
	for id, n := range deps {
		stages[id] = models.StageState{StageID: id, Status: models.StageStatusPending, PendingDeps: n}
	}
	return &models.FlowRun{
		ID:        uuid.New().String(),
		TenantID:  tenant,
		ProjectID: "p1",
		FlowName:  "diamond",
		Status:    models.RunStatusRunning,
		Input:     map[string]any{"url": "https://example.com"},
		Stages:    stages,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func runStoreSuite(t *testing.T, runs RunStore, schedules ScheduleStore) {
	ctx := context.Background()

	t.Run("Create and Get", func(t *testing.T) {
		run := newDiamondRun("t1")
		require.NoError(t, runs.CreateRun(ctx, run))

		got, err := runs.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, run.FlowName, got.FlowName)
		assert.Equal(t, models.RunStatusRunning, got.Status)
		assert.Equal(t, "https://example.com", got.Input["url"])
		require.Len(t, got.Stages, 4)
		assert.Equal(t, 2, got.Stages["D"].PendingDeps)

		_, err = runs.GetRun(ctx, "missing")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)

		list, err := runs.ListRuns(ctx, "t1")
		require.NoError(t, err)
		assert.NotEmpty(t, list)
	})

	t.Run("Claim is a compare-and-swap", func(t *testing.T) {
		run := newDiamondRun("t1")
		require.NoError(t, runs.CreateRun(ctx, run))
		const staleAfter = time.Hour

		ok, err := runs.ClaimStage(ctx, run.ID, "B", 1, staleAfter)
		require.NoError(t, err)
		assert.False(t, ok, "stage with pending dependencies cannot run")

		ok, err = runs.ClaimStage(ctx, run.ID, "A", 1, staleAfter)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = runs.ClaimStage(ctx, run.ID, "A", 1, staleAfter)
		require.NoError(t, err)
		assert.False(t, ok, "duplicate delivery loses")

		// A crashed worker's claim can be taken over once stale.
		time.Sleep(20 * time.Millisecond)
		ok, err = runs.ClaimStage(ctx, run.ID, "A", 1, time.Millisecond)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = runs.FinishStage(ctx, run.ID, "A", 1, StageUpdate{Status: models.StageStatusPending, Error: "flaky"})
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = runs.ClaimStage(ctx, run.ID, "A", 2, staleAfter)
		require.NoError(t, err)
		assert.True(t, ok, "retry claims the next attempt")

		ok, err = runs.FinishStage(ctx, run.ID, "A", 1, StageUpdate{Status: models.StageStatusSucceeded})
		require.NoError(t, err)
		assert.False(t, ok, "old attempt cannot settle")

		ok, err = runs.FinishStage(ctx, run.ID, "A", 2, StageUpdate{
			Status: models.StageStatusSucceeded,
			Output: map[string]any{"status": float64(200)},
		})
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := runs.GetRun(ctx, run.ID)
		require.NoError(t, err)
		a := got.Stages["A"]
		assert.Equal(t, models.StageStatusSucceeded, a.Status)
		assert.Equal(t, 2, a.Attempts)
		assert.Equal(t, float64(200), a.Output["status"])
		assert.NotNil(t, a.FinishedAt)
	})

	t.Run("concurrent decrements observe zero once", func(t *testing.T) {
		run := newDiamondRun("t1")
		require.NoError(t, runs.CreateRun(ctx, run))

		var zeros atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				remaining, ok, err := runs.DecrementDeps(ctx, run.ID, "D")
				assert.NoError(t, err)
				if ok && remaining == 0 {
					zeros.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), zeros.Load())

		_, ok, err := runs.DecrementDeps(ctx, run.ID, "D")
		require.NoError(t, err)
		assert.False(t, ok, "countdown never goes negative")
	})

	t.Run("SkipStages only touches pending stages", func(t *testing.T) {
		run := newDiamondRun("t1")
		require.NoError(t, runs.CreateRun(ctx, run))
		_, err := runs.ClaimStage(ctx, run.ID, "A", 1, time.Hour)
		require.NoError(t, err)

		skipped, err := runs.SkipStages(ctx, run.ID, []string{"A", "B", "D"})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"B", "D"}, skipped)
	})

	t.Run("SetRunStatus", func(t *testing.T) {
		run := newDiamondRun("t1")
		require.NoError(t, runs.CreateRun(ctx, run))
		ok, err := runs.SetRunStatus(ctx, run.ID, models.RunStatusRunning, models.RunStatusCancelled)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = runs.SetRunStatus(ctx, run.ID, models.RunStatusRunning, models.RunStatusFailed)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Schedules", func(t *testing.T) {
		sched := &models.Schedule{
			TenantID: "t1", ID: "weekly", FlowName: "seo_audit", ProjectID: "p1",
			Cron: "0 6 * * 1", Timezone: "UTC", Enabled: true,
			Input: map[string]any{"url": "https://example.com"},
		}
		require.NoError(t, schedules.UpsertSchedule(ctx, sched))
		created := sched.CreatedAt
		assert.False(t, created.IsZero())

		sched.Enabled = false
		require.NoError(t, schedules.UpsertSchedule(ctx, sched))

		got, err := schedules.GetSchedule(ctx, "t1", "weekly")
		require.NoError(t, err)
		assert.False(t, got.Enabled)
		assert.Equal(t, "https://example.com", got.Input["url"])
		assert.WithinDuration(t, created, got.CreatedAt, time.Millisecond)

		require.NoError(t, schedules.UpsertSchedule(ctx, &models.Schedule{
			TenantID: "t2", ID: "weekly", FlowName: "seo_audit", Cron: "@daily", Enabled: true,
		}))
		all, err := schedules.ListSchedules(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)
		mine, err := schedules.ListSchedules(ctx, "t2")
		require.NoError(t, err)
		assert.Len(t, mine, 1)

		deleted, err := schedules.DeleteSchedule(ctx, "t1", "weekly")
		require.NoError(t, err)
		assert.True(t, deleted)
		_, err = schedules.GetSchedule(ctx, "t1", "weekly")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}
