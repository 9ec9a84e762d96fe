// Package outbox implements the transactional outbox: writers append domain
// events to a durable table and the Dispatcher fans them out at least once.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"seo-agents/backend/pkg/models"
)

// Store is the durable events_outbox table.
type Store interface {
	// Append inserts an undispatched row and returns its id.
	Append(ctx context.Context, eventType string, payload json.RawMessage) (int64, error)
	// Claim opens a unit of work holding up to limit undispatched rows with
	// retry_count < maxRetries, oldest first. Rows claimed by another open
	// batch are skipped.
	Claim(ctx context.Context, limit, maxRetries int) (Batch, error)
}

// Batch is one poll cycle's claimed rows. Row outcomes become visible only
// on Commit.
type Batch interface {
	Events() []models.OutboxEvent
	MarkDispatched(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, cause string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Writer appends domain events. Every payload carries the tenant and project
// routing header so the dispatcher can scope fan-out.
type Writer struct {
	store Store
}

// NewWriter creates a Writer on store.
func NewWriter(store Store) *Writer {
	return &Writer{store: store}
}

// Emit appends an event whose payload is fields plus tenantId and projectId.
func (w *Writer) Emit(ctx context.Context, eventType string, scope models.EventScope, fields map[string]any) error {
	body := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		body[k] = v
	}
	body["tenantId"] = scope.TenantID
	body["projectId"] = scope.ProjectID

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	if _, err := w.store.Append(ctx, eventType, payload); err != nil {
		return fmt.Errorf("failed to append %s: %w", eventType, err)
	}
	return nil
}
