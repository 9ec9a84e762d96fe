package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"seo-agents/backend/internal/apperrors"
	"seo-agents/backend/internal/database"
	"seo-agents/backend/pkg/models"
)

// PostgresScheduleStore is a PostgreSQL implementation of the ScheduleStore interface.
type PostgresScheduleStore struct {
	db *pgxpool.Pool
}

// NewPostgresScheduleStore creates a new PostgresScheduleStore.
func NewPostgresScheduleStore(db *pgxpool.Pool) *PostgresScheduleStore {
	return &PostgresScheduleStore{db: db}
}

const scheduleColumns = `tenant_id, id, flow_name, project_id, seed_keyword, cron, timezone, input, enabled, created_at, updated_at`

func scanSchedule(row pgx.Row) (*models.Schedule, error) {
	var s models.Schedule
	err := row.Scan(&s.TenantID, &s.ID, &s.FlowName, &s.ProjectID, &s.SeedKeyword, &s.Cron, &s.Timezone, &s.Input, &s.Enabled, &s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

// UpsertSchedule inserts or updates a schedule and fills in its timestamps.
func (s *PostgresScheduleStore) UpsertSchedule(ctx context.Context, sched *models.Schedule) error {
	input := sched.Input
	if input == nil {
		input = map[string]any{}
	}
	return database.WithTenantTx(ctx, s.db, sched.TenantID, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `
			INSERT INTO schedules (tenant_id, id, flow_name, project_id, seed_keyword, cron, timezone, input, enabled)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (tenant_id, id) DO UPDATE SET
				flow_name = EXCLUDED.flow_name,
				project_id = EXCLUDED.project_id,
				seed_keyword = EXCLUDED.seed_keyword,
				cron = EXCLUDED.cron,
				timezone = EXCLUDED.timezone,
				input = EXCLUDED.input,
				enabled = EXCLUDED.enabled,
				updated_at = now()
			RETURNING created_at, updated_at`,
			sched.TenantID, sched.ID, sched.FlowName, sched.ProjectID, sched.SeedKeyword,
			sched.Cron, sched.Timezone, input, sched.Enabled).
			Scan(&sched.CreatedAt, &sched.UpdatedAt)
		if err != nil {
			return apperrors.Transient(fmt.Errorf("failed to upsert schedule: %w", err))
		}
		return nil
	})
}

// GetSchedule retrieves a schedule by tenant and id.
func (s *PostgresScheduleStore) GetSchedule(ctx context.Context, tenantID, id string) (*models.Schedule, error) {
	var sched *models.Schedule
	err := database.WithTenantConn(ctx, s.db, tenantID, func(conn *pgxpool.Conn) error {
		var err error
		sched, err = scanSchedule(conn.QueryRow(ctx,
			`SELECT `+scheduleColumns+` FROM schedules WHERE tenant_id = $1 AND id = $2`, tenantID, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("schedule %s: %w", id, apperrors.ErrNotFound)
		}
		if err != nil {
			return apperrors.Transient(fmt.Errorf("failed to get schedule: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sched, nil
}

// DeleteSchedule removes a schedule row.
func (s *PostgresScheduleStore) DeleteSchedule(ctx context.Context, tenantID, id string) (bool, error) {
	var deleted bool
	err := database.WithTenantTx(ctx, s.db, tenantID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM schedules WHERE tenant_id = $1 AND id = $2`, tenantID, id)
		if err != nil {
			return apperrors.Transient(fmt.Errorf("failed to delete schedule: %w", err))
		}
		deleted = tag.RowsAffected() > 0
		return nil
	})
	return deleted, err
}

// ListSchedules returns schedules for one tenant, or all when tenantID is
// empty. Only the scheduler's resync lists across tenants.
func (s *PostgresScheduleStore) ListSchedules(ctx context.Context, tenantID string) ([]*models.Schedule, error) {
	var out []*models.Schedule
	list := func(q querier) error {
		rows, err := q.Query(ctx, `
			SELECT `+scheduleColumns+` FROM schedules
			WHERE $1 = '' OR tenant_id = $1
			ORDER BY tenant_id, id`, tenantID)
		if err != nil {
			return apperrors.Transient(fmt.Errorf("failed to list schedules: %w", err))
		}
		defer rows.Close()
		for rows.Next() {
			sched, err := scanSchedule(rows)
			if err != nil {
				return fmt.Errorf("failed to scan schedule: %w", err)
			}
			out = append(out, sched)
		}
		return rows.Err()
	}
	var err error
	if tenantID == "" {
		err = database.WithSystemTx(ctx, s.db, func(tx pgx.Tx) error { return list(tx) })
	} else {
		err = database.WithTenantConn(ctx, s.db, tenantID, func(conn *pgxpool.Conn) error { return list(conn) })
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
