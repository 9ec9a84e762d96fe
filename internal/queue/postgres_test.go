package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seo-agents/backend/internal/database/dbtest"
)

func TestPostgresQueue(t *testing.T) {
	pool := dbtest.Start(t)
	q := NewPostgresQueue(pool)
	ctx := context.Background()

	t.Run("Enqueue Claim Ack", func(t *testing.T) {
		id, err := q.Enqueue(ctx, "stage.execute", []byte(`{"stageId":"a"}`), EnqueueOptions{JobID: "r1:a:1"})
		require.NoError(t, err)
		assert.Equal(t, "r1:a:1", id)

		_, err = q.Enqueue(ctx, "stage.execute", []byte(`{}`), EnqueueOptions{JobID: "r1:a:1"})
		assert.ErrorIs(t, err, ErrDuplicate)

		jobs, err := q.Claim(ctx, 10, "w1", time.Minute)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, 1, jobs[0].Attempts)
		assert.JSONEq(t, `{"stageId":"a"}`, string(jobs[0].Payload))

		again, err := q.Claim(ctx, 10, "w2", time.Minute)
		require.NoError(t, err)
		assert.Empty(t, again, "leased job is skipped")

		require.NoError(t, q.Ack(ctx, jobs[0]))
	})

	t.Run("Nack dead-letters at max attempts", func(t *testing.T) {
		_, err := q.Enqueue(ctx, "x", nil, EnqueueOptions{JobID: "dl", MaxAttempts: 1})
		require.NoError(t, err)
		jobs, err := q.Claim(ctx, 1, "w1", time.Minute)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		require.NoError(t, q.Nack(ctx, jobs[0], errors.New("boom")))

		dead, err := q.ListDeadLetters(ctx, 10)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, "boom", dead[0].LastError)
	})

	t.Run("repeatable upsert and remove", func(t *testing.T) {
		for _, pattern := range []string{"*/5 * * * *", "0 3 * * *"} {
			_, err := q.Enqueue(ctx, "schedule.fire", []byte(`{}`), EnqueueOptions{
				Repeat: &Repeat{Pattern: pattern, TZ: "Europe/Berlin", Key: "schedule:t:daily"},
			})
			require.NoError(t, err)
		}
		reps, err := q.ListRepeatable(ctx)
		require.NoError(t, err)
		require.Len(t, reps, 1)
		assert.Equal(t, "0 3 * * *", reps[0].Pattern)
		assert.True(t, reps[0].NextRun.After(time.Now()))

		removed, err := q.RemoveRepeatable(ctx, "schedule:t:daily")
		require.NoError(t, err)
		assert.True(t, removed)
	})
}
