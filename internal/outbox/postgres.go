package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"seo-agents/backend/pkg/models"
)

// PostgresStore is the events_outbox table.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore on an existing pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, eventType string, payload json.RawMessage) (int64, error) {
	return AppendTx(ctx, s.db, eventType, payload)
}

// Execer is satisfied by a pool, a connection and a transaction.
type Execer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AppendTx inserts an outbox row through db, which may be the transaction
// performing the business write the event describes.
func AppendTx(ctx context.Context, db Execer, eventType string, payload json.RawMessage) (int64, error) {
	var id int64
	err := db.QueryRow(ctx,
		`INSERT INTO events_outbox (event_type, payload) VALUES ($1, $2) RETURNING id`,
		eventType, payload).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return id, nil
}

// Claim begins a transaction and locks the next rows. Rows locked by a
// concurrent dispatcher are skipped rather than waited on.
func (s *PostgresStore) Claim(ctx context.Context, limit, maxRetries int) (Batch, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin outbox transaction: %w", err)
	}
	rows, err := tx.Query(ctx, `
		SELECT id, event_type, payload, dispatched, retry_count, coalesce(last_error, ''), created_at, dispatched_at
		FROM events_outbox
		WHERE dispatched = false AND retry_count < $2
		ORDER BY created_at, id
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit, maxRetries)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("failed to select outbox events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.OutboxEvent, error) {
		var ev models.OutboxEvent
		err := row.Scan(&ev.ID, &ev.EventType, &ev.Payload, &ev.Dispatched, &ev.RetryCount, &ev.LastError, &ev.CreatedAt, &ev.DispatchedAt)
		return ev, err
	})
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("failed to scan outbox events: %w", err)
	}
	return &postgresBatch{tx: tx, events: events}, nil
}

type postgresBatch struct {
	tx     pgx.Tx
	events []models.OutboxEvent
}

func (b *postgresBatch) Events() []models.OutboxEvent { return b.events }

func (b *postgresBatch) MarkDispatched(ctx context.Context, id int64) error {
	_, err := b.tx.Exec(ctx, `
		UPDATE events_outbox SET dispatched = true, dispatched_at = now(), last_error = NULL
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark event %d dispatched: %w", id, err)
	}
	return nil
}

func (b *postgresBatch) MarkFailed(ctx context.Context, id int64, cause string) error {
	_, err := b.tx.Exec(ctx, `
		UPDATE events_outbox SET retry_count = retry_count + 1, last_error = $2
		WHERE id = $1`, id, cause)
	if err != nil {
		return fmt.Errorf("failed to mark event %d failed: %w", id, err)
	}
	return nil
}

func (b *postgresBatch) Commit(ctx context.Context) error {
	return b.tx.Commit(ctx)
}

func (b *postgresBatch) Rollback(ctx context.Context) error {
	return b.tx.Rollback(ctx)
}
