package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"seo-agents/backend/internal/observability"
)

// PostgresQueue is a Queue backed by the queue_jobs and queue_repeatables
// tables. Competing consumers claim with FOR UPDATE SKIP LOCKED.
type PostgresQueue struct {
	db *pgxpool.Pool
}

// NewPostgresQueue creates a PostgresQueue on an existing pool.
func NewPostgresQueue(db *pgxpool.Pool) *PostgresQueue {
	return &PostgresQueue{db: db}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, name string, payload []byte, opts EnqueueOptions) (string, error) {
	if len(payload) == 0 {
		payload = []byte("null")
	}
	if opts.Repeat != nil {
		return q.upsertRepeatable(ctx, name, payload, opts.Repeat)
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	tag, err := q.db.Exec(ctx, `
		INSERT INTO queue_jobs (id, name, payload, max_attempts, run_at)
		VALUES ($1, $2, $3, $4, now() + $5::interval)
		ON CONFLICT (id) DO NOTHING`,
		id, name, payload, maxAttempts(opts.MaxAttempts), intervalLiteral(opts.Delay))
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return id, ErrDuplicate
	}
	observability.QueueJobs.WithLabelValues("postgres", name, "enqueued").Inc()
	return id, nil
}

func (q *PostgresQueue) upsertRepeatable(ctx context.Context, name string, payload []byte, r *Repeat) (string, error) {
	if r.Key == "" {
		return "", fmt.Errorf("repeatable job %s needs a key", name)
	}
	next, err := NextFire(r.Pattern, r.TZ, time.Now())
	if err != nil {
		return "", err
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO queue_repeatables (key, name, payload, pattern, tz, next_run_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (key) DO UPDATE SET
			name = EXCLUDED.name,
			payload = EXCLUDED.payload,
			pattern = EXCLUDED.pattern,
			tz = EXCLUDED.tz,
			next_run_at = EXCLUDED.next_run_at,
			updated_at = now()`,
		r.Key, name, payload, r.Pattern, r.TZ, next)
	if err != nil {
		return "", fmt.Errorf("failed to register repeatable %s: %w", r.Key, err)
	}
	return r.Key, nil
}

func (q *PostgresQueue) Claim(ctx context.Context, max int, consumer string, visibility time.Duration) ([]Job, error) {
	if max <= 0 {
		max = 1
	}
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	if err := q.promote(ctx); err != nil {
		return nil, err
	}

	receipt := uuid.NewString()
	rows, err := q.db.Query(ctx, `
		WITH due AS (
			SELECT id FROM queue_jobs
			WHERE status = 'ready'
			  AND run_at <= now()
			  AND (locked_until IS NULL OR locked_until < now())
			ORDER BY run_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE queue_jobs j SET
			attempts = j.attempts + 1,
			locked_by = $2,
			locked_until = now() + $3::interval,
			receipt = $4
		FROM due WHERE j.id = due.id
		RETURNING j.id, j.name, j.payload, j.attempts, j.max_attempts, j.run_at, coalesce(j.last_error, '')`,
		max, consumer, intervalLiteral(visibility), receipt)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j := Job{Receipt: receipt, ClaimedBy: consumer}
		if err := rows.Scan(&j.ID, &j.Name, &j.Payload, &j.Attempts, &j.MaxAttempts, &j.RunAt, &j.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// promote materializes due repeatable triggers into jobs. Concurrent
// consumers skip triggers another one is already promoting.
func (q *PostgresQueue) promote(ctx context.Context) error {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin promote: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT key, name, payload, pattern, tz, next_run_at
		FROM queue_repeatables
		WHERE next_run_at <= now()
		FOR UPDATE SKIP LOCKED`)
	if err != nil {
		return fmt.Errorf("failed to select repeatables: %w", err)
	}
	var due []RepeatableJob
	for rows.Next() {
		var r RepeatableJob
		if err := rows.Scan(&r.Key, &r.Name, &r.Payload, &r.Pattern, &r.TZ, &r.NextRun); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan repeatable: %w", err)
		}
		due = append(due, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}

	now := time.Now()
	for _, r := range due {
		id := fmt.Sprintf("%s:%d", r.Key, r.NextRun.Unix())
		if _, err := tx.Exec(ctx, `
			INSERT INTO queue_jobs (id, name, payload, max_attempts, run_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING`,
			id, r.Name, r.Payload, DefaultMaxAttempts, r.NextRun); err != nil {
			return fmt.Errorf("failed to promote %s: %w", r.Key, err)
		}
		next, err := NextFire(r.Pattern, r.TZ, now)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE queue_repeatables SET next_run_at = $2 WHERE key = $1`, r.Key, next); err != nil {
			return fmt.Errorf("failed to advance %s: %w", r.Key, err)
		}
	}
	return tx.Commit(ctx)
}

func (q *PostgresQueue) Ack(ctx context.Context, job Job) error {
	_, err := q.db.Exec(ctx, `DELETE FROM queue_jobs WHERE id = $1 AND receipt = $2`, job.ID, job.Receipt)
	if err != nil {
		return fmt.Errorf("failed to ack %s: %w", job.ID, err)
	}
	observability.QueueJobs.WithLabelValues("postgres", job.Name, "acked").Inc()
	return nil
}

func (q *PostgresQueue) Nack(ctx context.Context, job Job, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	var status string
	err := q.db.QueryRow(ctx, `
		UPDATE queue_jobs SET
			status = CASE WHEN attempts >= max_attempts THEN 'dead' ELSE 'ready' END,
			run_at = now() + $3::interval,
			locked_by = NULL,
			locked_until = NULL,
			last_error = $4
		WHERE id = $1 AND receipt = $2
		RETURNING status`,
		job.ID, job.Receipt, intervalLiteral(nackDelay(job.Attempts)), msg).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to nack %s: %w", job.ID, err)
	}
	outcome := "nacked"
	if status == "dead" {
		outcome = "dead"
	}
	observability.QueueJobs.WithLabelValues("postgres", job.Name, outcome).Inc()
	return nil
}

func (q *PostgresQueue) RemoveRepeatable(ctx context.Context, key string) (bool, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM queue_repeatables WHERE key = $1`, key)
	if err != nil {
		return false, fmt.Errorf("failed to remove repeatable %s: %w", key, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (q *PostgresQueue) ListRepeatable(ctx context.Context) ([]RepeatableJob, error) {
	rows, err := q.db.Query(ctx, `
		SELECT key, name, payload, pattern, tz, next_run_at
		FROM queue_repeatables ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list repeatables: %w", err)
	}
	defer rows.Close()
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (RepeatableJob, error) {
		var r RepeatableJob
		err := row.Scan(&r.Key, &r.Name, &r.Payload, &r.Pattern, &r.TZ, &r.NextRun)
		return r, err
	})
}

func (q *PostgresQueue) ListDeadLetters(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.Query(ctx, `
		SELECT id, name, payload, attempts, max_attempts, run_at, coalesce(last_error, '')
		FROM queue_jobs WHERE status = 'dead'
		ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Job, error) {
		var j Job
		err := row.Scan(&j.ID, &j.Name, &j.Payload, &j.Attempts, &j.MaxAttempts, &j.RunAt, &j.LastError)
		return j, err
	})
}

func intervalLiteral(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}
