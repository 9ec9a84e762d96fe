package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"seo-agents/backend/internal/cache"
	"seo-agents/backend/internal/eventbus"
	"seo-agents/backend/internal/logging"
	"seo-agents/backend/pkg/models"
)

// flakyPublisher fails the first delivery of selected event ids.
type flakyPublisher struct {
	mu         sync.Mutex
	inner      Publisher
	failOnce   map[string]bool
	alwaysFail bool
	calls      []string
}

func (p *flakyPublisher) Publish(ctx context.Context, eventID string, scope models.EventScope, eventType string, payload json.RawMessage) (models.AgentEvent, error) {
	p.mu.Lock()
	p.calls = append(p.calls, eventID)
	fail := p.alwaysFail || p.failOnce[eventID]
	delete(p.failOnce, eventID)
	p.mu.Unlock()
	if fail {
		return models.AgentEvent{}, errors.New("subscriber unavailable")
	}
	return p.inner.Publish(ctx, eventID, scope, eventType, payload)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) Notify(ctx context.Context, ev models.AgentEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func appendEvents(t *testing.T, w *Writer, types ...string) {
	t.Helper()
	for i, typ := range types {
		require.NoError(t, w.Emit(context.Background(), typ, models.EventScope{TenantID: "acme", ProjectID: "p1"}, map[string]any{"n": i + 1}))
	}
}

func TestDispatcher_RetriesFailedRowOnNextPoll(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	appendEvents(t, NewWriter(store), "stage.started", "stage.succeeded", "flow.completed")

	bus := eventbus.New(logging.Discard())
	sub, stop := bus.Subscribe("acme")
	defer stop()
	pub := &flakyPublisher{inner: bus, failOnce: map[string]bool{"outbox-2": true}}
	d := NewDispatcher(store, pub, nil, nil, logging.Discard(), Options{MaxRetries: 3})

	stats, err := d.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Claimed: 3, Dispatched: 2, Failed: 1}, stats)

	rows := store.Rows()
	assert.True(t, rows[0].Dispatched)
	assert.NotNil(t, rows[0].DispatchedAt)
	assert.False(t, rows[1].Dispatched)
	assert.Equal(t, 1, rows[1].RetryCount)
	assert.Equal(t, "publish: subscriber unavailable", rows[1].LastError)
	assert.True(t, rows[2].Dispatched)

	stats, err = d.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Claimed: 1, Dispatched: 1}, stats)

	rows = store.Rows()
	for _, row := range rows {
		assert.True(t, row.Dispatched, "row %d", row.ID)
	}
	assert.Equal(t, 1, rows[1].RetryCount)
	assert.Empty(t, rows[1].LastError)

	var seen []string
	for len(sub) > 0 {
		seen = append(seen, (<-sub).ID)
	}
	assert.Equal(t, []string{"outbox-1", "outbox-3", "outbox-2"}, seen)
}

func TestDispatcher_ExhaustedRowsAreNeverSelectedAgain(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	appendEvents(t, NewWriter(store), "stage.failed")

	pub := &flakyPublisher{inner: eventbus.New(logging.Discard()), alwaysFail: true}
	d := NewDispatcher(store, pub, nil, nil, logging.Discard(), Options{MaxRetries: 2})

	for i := 0; i < 4; i++ {
		_, err := d.PollOnce(ctx)
		require.NoError(t, err)
	}
	assert.Len(t, pub.calls, 2)
	row := store.Rows()[0]
	assert.Equal(t, 2, row.RetryCount)
	assert.False(t, row.Dispatched)
}

func TestDispatcher_RejectsPayloadWithoutTenant(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := store.Append(ctx, "stage.started", json.RawMessage(`{"stageId":"A"}`))
	require.NoError(t, err)
	_, err = store.Append(ctx, "stage.started", json.RawMessage(`not json`))
	require.NoError(t, err)

	d := NewDispatcher(store, eventbus.New(logging.Discard()), nil, nil, logging.Discard(), Options{})
	stats, err := d.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Failed)
	assert.Contains(t, store.Rows()[0].LastError, "tenantId")
}

func TestDispatcher_InvalidatesCacheForDomainEvents(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	appendEvents(t, NewWriter(store), "stage.started", "schedule.updated")

	c := cache.New(16, time.Minute)
	c.Set(cache.Key("acme", "schedules", "list"), []byte("[]"))
	c.Set(cache.Key("acme", "runs", "list"), []byte("[]"))

	d := NewDispatcher(store, eventbus.New(logging.Discard()), c, nil, logging.Discard(), Options{})
	_, err := d.PollOnce(ctx)
	require.NoError(t, err)

	_, ok := c.Get(cache.Key("acme", "schedules", "list"))
	assert.False(t, ok)
	_, ok = c.Get(cache.Key("acme", "runs", "list"))
	assert.True(t, ok, "stage.started does not invalidate")
	assert.True(t, InvalidatesCache("flow.completed"))
	assert.False(t, InvalidatesCache("stage.started"))
}

func TestDispatcher_WebhookFailureDoesNotFailRow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	appendEvents(t, NewWriter(store), "flow.completed")

	notified := make(chan struct{})
	n := &mockNotifier{}
	n.On("Notify", mock.Anything, mock.MatchedBy(func(ev models.AgentEvent) bool {
		return ev.Type == "flow.completed" && ev.ID == "outbox-1"
	})).Run(func(mock.Arguments) { close(notified) }).Return(errors.New("webhook down"))

	d := NewDispatcher(store, eventbus.New(logging.Discard()), nil, n, logging.Discard(), Options{})
	stats, err := d.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dispatched)

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not called")
	}
	n.AssertExpectations(t)
	assert.True(t, store.Rows()[0].Dispatched)
}

func TestMemoryStore_ConcurrentBatchesSkipLockedRows(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	appendEvents(t, NewWriter(store), "a", "b", "c")

	first, err := store.Claim(ctx, 2, 5)
	require.NoError(t, err)
	second, err := store.Claim(ctx, 10, 5)
	require.NoError(t, err)
	require.Len(t, first.Events(), 2)
	require.Len(t, second.Events(), 1)
	assert.Equal(t, int64(3), second.Events()[0].ID)

	require.NoError(t, first.Rollback(ctx))
	third, err := store.Claim(ctx, 10, 5)
	require.NoError(t, err)
	assert.Len(t, third.Events(), 2, "rolled back rows are claimable again")
}

func TestDispatcher_RunStopsOnCancel(t *testing.T) {
	store := NewMemoryStore()
	appendEvents(t, NewWriter(store), "stage.started")
	d := NewDispatcher(store, eventbus.New(logging.Discard()), nil, nil, logging.Discard(), Options{PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return store.Rows()[0].Dispatched }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
