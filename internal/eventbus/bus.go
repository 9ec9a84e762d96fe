// Package eventbus fans agent events out to in-process subscribers. Each
// tenant's events carry a strictly increasing seq assigned at publish time.
package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"seo-agents/backend/internal/logging"
	"seo-agents/backend/pkg/models"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

type subscriber struct {
	tenantID string
	ch       chan models.AgentEvent
}

// Bus is an in-memory publish/subscribe hub partitioned by tenant.
// Delivery is best effort: a subscriber whose buffer is full misses events
// and can detect the gap from seq.
type Bus struct {
	mu     sync.Mutex
	seq    map[string]uint64
	subs   map[uint64]*subscriber
	nextID uint64
	buffer int
	logger *logging.Logger
	now    func() time.Time
}

// New creates a Bus.
func New(logger *logging.Logger) *Bus {
	return &Bus{
		seq:    make(map[string]uint64),
		subs:   make(map[uint64]*subscriber),
		buffer: DefaultBuffer,
		logger: logger.Component("eventbus"),
		now:    time.Now,
	}
}

// Publish assigns the next seq for the tenant and delivers the event to that
// tenant's subscribers. An empty eventID gets a fresh uuid. It fails only
// when ctx is already done.
func (b *Bus) Publish(ctx context.Context, eventID string, scope models.EventScope, eventType string, payload json.RawMessage) (models.AgentEvent, error) {
	if err := ctx.Err(); err != nil {
		return models.AgentEvent{}, err
	}
	if eventID == "" {
		eventID = uuid.NewString()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq[scope.TenantID]++
	ev := models.AgentEvent{
		ID:        eventID,
		Seq:       b.seq[scope.TenantID],
		TenantID:  scope.TenantID,
		ProjectID: scope.ProjectID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: b.now().UTC(),
	}
	for id, sub := range b.subs {
		if sub.tenantID != scope.TenantID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("Dropping event for slow subscriber", "subscriber", id, "tenant", scope.TenantID, "seq", ev.Seq)
		}
	}
	return ev, nil
}

// Subscribe registers a subscriber for tenantID. The returned function
// unsubscribes and closes the channel.
func (b *Bus) Subscribe(tenantID string) (<-chan models.AgentEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	sub := &subscriber{tenantID: tenantID, ch: make(chan models.AgentEvent, b.buffer)}
	b.subs[id] = sub

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(sub.ch)
		})
	}
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
