package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"seo-agents/backend/pkg/models"
)

// ErrBatchClosed is returned when a batch is used after Commit or Rollback.
var ErrBatchClosed = errors.New("outbox batch already closed")

// MemoryStore is an in-process Store. Claimed rows stay locked until their
// batch commits or rolls back, mirroring SKIP LOCKED.
type MemoryStore struct {
	mu     sync.Mutex
	rows   []*models.OutboxEvent
	nextID int64
	locked map[int64]bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locked: make(map[int64]bool)}
}

func (s *MemoryStore) Append(_ context.Context, eventType string, payload json.RawMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.rows = append(s.rows, &models.OutboxEvent{
		ID:        s.nextID,
		EventType: eventType,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: time.Now().UTC(),
	})
	return s.nextID, nil
}

func (s *MemoryStore) Claim(_ context.Context, limit, maxRetries int) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var picked []models.OutboxEvent
	for _, row := range s.rows {
		if len(picked) >= limit {
			break
		}
		if row.Dispatched || row.RetryCount >= maxRetries || s.locked[row.ID] {
			continue
		}
		s.locked[row.ID] = true
		picked = append(picked, *row)
	}
	return &memoryBatch{store: s, events: picked, ops: make(map[int64]func(*models.OutboxEvent))}, nil
}

// Rows returns a snapshot of every row ordered by id.
func (s *MemoryStore) Rows() []models.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OutboxEvent, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type memoryBatch struct {
	store  *MemoryStore
	events []models.OutboxEvent
	ops    map[int64]func(*models.OutboxEvent)
	closed bool
}

func (b *memoryBatch) Events() []models.OutboxEvent { return b.events }

func (b *memoryBatch) MarkDispatched(_ context.Context, id int64) error {
	if b.closed {
		return ErrBatchClosed
	}
	now := time.Now().UTC()
	b.ops[id] = func(row *models.OutboxEvent) {
		row.Dispatched = true
		row.DispatchedAt = &now
		row.LastError = ""
	}
	return nil
}

func (b *memoryBatch) MarkFailed(_ context.Context, id int64, cause string) error {
	if b.closed {
		return ErrBatchClosed
	}
	b.ops[id] = func(row *models.OutboxEvent) {
		row.RetryCount++
		row.LastError = cause
	}
	return nil
}

func (b *memoryBatch) Commit(_ context.Context) error {
	if b.closed {
		return ErrBatchClosed
	}
	b.closed = true
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	for _, row := range b.store.rows {
		if op, ok := b.ops[row.ID]; ok {
			op(row)
		}
	}
	b.unlockLocked()
	return nil
}

func (b *memoryBatch) Rollback(_ context.Context) error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	b.unlockLocked()
	return nil
}

func (b *memoryBatch) unlockLocked() {
	for _, ev := range b.events {
		delete(b.store.locked, ev.ID)
	}
}
