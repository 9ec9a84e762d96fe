package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"seo-agents/backend/internal/apperrors"
	"seo-agents/backend/internal/database"
	"seo-agents/backend/pkg/models"
)

// PostgresRunStore is a PostgreSQL implementation of the RunStore interface.
type PostgresRunStore struct {
	db *pgxpool.Pool
}

// NewPostgresRunStore creates a new PostgresRunStore.
func NewPostgresRunStore(db *pgxpool.Pool) *PostgresRunStore {
	return &PostgresRunStore{db: db}
}

// querier is satisfied by both a pooled connection and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// read runs fn scoped to the tenant carried by ctx, or to every tenant when
// ctx carries none.
func (s *PostgresRunStore) read(ctx context.Context, fn func(q querier) error) error {
	if tenantID, ok := database.TenantFrom(ctx); ok {
		return database.WithTenantConn(ctx, s.db, tenantID, func(conn *pgxpool.Conn) error { return fn(conn) })
	}
	return database.WithSystemTx(ctx, s.db, func(tx pgx.Tx) error { return fn(tx) })
}

// system runs a state transition that addresses rows by run id.
func (s *PostgresRunStore) system(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return database.WithSystemTx(ctx, s.db, fn)
}

const stageColumns = `stage_id, status, pending_deps, attempts, output, coalesce(error, ''), started_at, finished_at`

// CreateRun inserts the run and all of its stages in one tenant-scoped transaction.
func (s *PostgresRunStore) CreateRun(ctx context.Context, run *models.FlowRun) error {
	input := run.Input
	if input == nil {
		input = map[string]any{}
	}
	return database.WithTenantTx(ctx, s.db, run.TenantID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO flow_runs (id, tenant_id, project_id, flow_name, status, input, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			run.ID, run.TenantID, run.ProjectID, run.FlowName, run.Status, input, run.CreatedAt, run.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}
		batch := &pgx.Batch{}
		for _, st := range run.Stages {
			batch.Queue(`
				INSERT INTO stage_states (run_id, stage_id, status, pending_deps, attempts)
				VALUES ($1, $2, $3, $4, $5)`,
				run.ID, st.StageID, st.Status, st.PendingDeps, st.Attempts)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert stages: %w", err)
		}
		return nil
	})
}

// GetRun retrieves a run and its stages by id. A tenant on ctx hides other
// tenants' runs.
func (s *PostgresRunStore) GetRun(ctx context.Context, id string) (*models.FlowRun, error) {
	var run models.FlowRun
	err := s.read(ctx, func(q querier) error {
		err := q.QueryRow(ctx, `
			SELECT id, tenant_id, project_id, flow_name, status, input, created_at, updated_at
			FROM flow_runs WHERE id = $1`, id).
			Scan(&run.ID, &run.TenantID, &run.ProjectID, &run.FlowName, &run.Status, &run.Input, &run.CreatedAt, &run.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("run %s: %w", id, apperrors.ErrNotFound)
		}
		if err != nil {
			return apperrors.Transient(fmt.Errorf("failed to get run: %w", err))
		}
		stages, err := loadStages(ctx, q, []string{id})
		if err != nil {
			return err
		}
		run.Stages = stages[id]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns a tenant's runs, newest first.
func (s *PostgresRunStore) ListRuns(ctx context.Context, tenantID string) ([]*models.FlowRun, error) {
	var runs []*models.FlowRun
	err := database.WithTenantConn(ctx, s.db, tenantID, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT id, tenant_id, project_id, flow_name, status, input, created_at, updated_at
			FROM flow_runs WHERE tenant_id = $1
			ORDER BY created_at DESC LIMIT 200`, tenantID)
		if err != nil {
			return apperrors.Transient(fmt.Errorf("failed to list runs: %w", err))
		}
		defer rows.Close()

		var ids []string
		for rows.Next() {
			var run models.FlowRun
			if err := rows.Scan(&run.ID, &run.TenantID, &run.ProjectID, &run.FlowName, &run.Status, &run.Input, &run.CreatedAt, &run.UpdatedAt); err != nil {
				return fmt.Errorf("failed to scan run: %w", err)
			}
			runs = append(runs, &run)
			ids = append(ids, run.ID)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()
		if len(ids) == 0 {
			return nil
		}

		stages, err := loadStages(ctx, conn, ids)
		if err != nil {
			return err
		}
		for _, run := range runs {
			run.Stages = stages[run.ID]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

func loadStages(ctx context.Context, q querier, runIDs []string) (map[string]map[string]models.StageState, error) {
	rows, err := q.Query(ctx, `SELECT run_id, `+stageColumns+` FROM stage_states WHERE run_id = ANY($1)`, runIDs)
	if err != nil {
		return nil, apperrors.Transient(fmt.Errorf("failed to load stages: %w", err))
	}
	defer rows.Close()

	out := make(map[string]map[string]models.StageState, len(runIDs))
	for rows.Next() {
		var runID string
		var st models.StageState
		if err := rows.Scan(&runID, &st.StageID, &st.Status, &st.PendingDeps, &st.Attempts, &st.Output, &st.Error, &st.StartedAt, &st.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stage: %w", err)
		}
		if out[runID] == nil {
			out[runID] = make(map[string]models.StageState)
		}
		out[runID][st.StageID] = st
	}
	return out, rows.Err()
}

// ClaimStage is a single conditional UPDATE, so concurrent workers holding
// duplicate deliveries of the same job race on the row lock and exactly one wins.
// Staleness is judged by the database clock, the same clock that wrote started_at.
func (s *PostgresRunStore) ClaimStage(ctx context.Context, runID, stageID string, attempt int, staleAfter time.Duration) (bool, error) {
	var claimed bool
	err := s.system(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE stage_states SET
				status = 'running',
				attempts = $3,
				started_at = now(),
				finished_at = NULL
			WHERE run_id = $1 AND stage_id = $2 AND (
				(status = 'pending' AND pending_deps = 0 AND attempts = $3 - 1)
				OR (status = 'running' AND attempts = $3 AND started_at < now() - make_interval(secs => $4))
			)`, runID, stageID, attempt, staleAfter.Seconds())
		if err != nil {
			return apperrors.Transient(fmt.Errorf("failed to claim stage: %w", err))
		}
		claimed = tag.RowsAffected() == 1
		if claimed {
			return touch(ctx, tx, runID)
		}
		return nil
	})
	return claimed, err
}

// FinishStage settles a running stage.
func (s *PostgresRunStore) FinishStage(ctx context.Context, runID, stageID string, attempt int, upd StageUpdate) (bool, error) {
	var finished *time.Time
	if upd.Status.Terminal() {
		now := time.Now().UTC()
		finished = &now
	}
	var ok bool
	err := s.system(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE stage_states SET
				status = $4,
				output = $5,
				error = nullif($6, ''),
				finished_at = $7
			WHERE run_id = $1 AND stage_id = $2 AND status = 'running' AND attempts = $3`,
			runID, stageID, attempt, upd.Status, upd.Output, upd.Error, finished)
		if err != nil {
			return apperrors.Transient(fmt.Errorf("failed to finish stage: %w", err))
		}
		ok = tag.RowsAffected() == 1
		if ok {
			return touch(ctx, tx, runID)
		}
		return nil
	})
	return ok, err
}

// DecrementDeps relies on the row lock taken by UPDATE: concurrent parents
// serialize, each observes its own post-decrement value, and only one sees zero.
func (s *PostgresRunStore) DecrementDeps(ctx context.Context, runID, stageID string) (int, bool, error) {
	var remaining int
	var ok bool
	err := s.system(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			UPDATE stage_states SET pending_deps = pending_deps - 1
			WHERE run_id = $1 AND stage_id = $2 AND status = 'pending' AND pending_deps > 0
			RETURNING pending_deps`, runID, stageID).Scan(&remaining)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return apperrors.Transient(fmt.Errorf("failed to decrement dependencies: %w", err))
		}
		ok = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return remaining, ok, nil
}

// SkipStages marks still-pending stages skipped.
func (s *PostgresRunStore) SkipStages(ctx context.Context, runID string, stageIDs []string) ([]string, error) {
	if len(stageIDs) == 0 {
		return nil, nil
	}
	var skipped []string
	err := s.system(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			UPDATE stage_states SET status = 'skipped', finished_at = now()
			WHERE run_id = $1 AND stage_id = ANY($2) AND status = 'pending'
			RETURNING stage_id`, runID, stageIDs)
		if err != nil {
			return apperrors.Transient(fmt.Errorf("failed to skip stages: %w", err))
		}
		skipped, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return fmt.Errorf("failed to scan skipped stages: %w", err)
		}
		if len(skipped) > 0 {
			return touch(ctx, tx, runID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return skipped, nil
}

// SetRunStatus moves a run between statuses.
func (s *PostgresRunStore) SetRunStatus(ctx context.Context, runID string, from, to models.RunStatus) (bool, error) {
	var ok bool
	err := s.system(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE flow_runs SET status = $3, updated_at = now()
			WHERE id = $1 AND status = $2`, runID, from, to)
		if err != nil {
			return apperrors.Transient(fmt.Errorf("failed to set run status: %w", err))
		}
		ok = tag.RowsAffected() == 1
		return nil
	})
	return ok, err
}

func touch(ctx context.Context, q querier, runID string) error {
	if _, err := q.Exec(ctx, `UPDATE flow_runs SET updated_at = now() WHERE id = $1`, runID); err != nil {
		return apperrors.Transient(fmt.Errorf("failed to touch run: %w", err))
	}
	return nil
}
