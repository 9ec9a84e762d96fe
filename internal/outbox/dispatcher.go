package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"seo-agents/backend/internal/cache"
	"seo-agents/backend/internal/logging"
	"seo-agents/backend/internal/observability"
	"seo-agents/backend/pkg/models"
)

// Publisher delivers an event to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, eventID string, scope models.EventScope, eventType string, payload json.RawMessage) (models.AgentEvent, error)
}

// Invalidator drops cached entries.
type Invalidator interface {
	InvalidatePrefix(prefix string) int
}

// Notifier sends an out-of-band notification for a dispatched event.
type Notifier interface {
	Notify(ctx context.Context, ev models.AgentEvent) error
}

// invalidates maps each cache-invalidating event type to the cache area it
// makes stale.
var invalidates = map[string]string{
	"flow.completed":    "runs",
	"stage.succeeded":   "runs",
	"schedule.updated":  "schedules",
	"schedule.removed":  "schedules",
	"content.published": "content",
	"keyword.updated":   "keywords",
}

// InvalidatesCache reports whether eventType drops cached dashboard data.
func InvalidatesCache(eventType string) bool {
	_, ok := invalidates[eventType]
	return ok
}

// Options tunes a Dispatcher.
type Options struct {
	PollInterval   time.Duration
	BatchSize      int
	MaxRetries     int
	WebhookTimeout time.Duration
}

// Stats summarizes one poll cycle.
type Stats struct {
	Claimed    int
	Dispatched int
	Failed     int
}

// Dispatcher polls the outbox and fans each row out to the event bus, the
// cache and an optional webhook.
type Dispatcher struct {
	store    Store
	bus      Publisher
	cache    Invalidator
	notifier Notifier
	logger   *logging.Logger
	opts     Options
}

// NewDispatcher creates a Dispatcher. cache and notifier may be nil.
func NewDispatcher(store Store, bus Publisher, cache Invalidator, notifier Notifier, logger *logging.Logger, opts Options) *Dispatcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.WebhookTimeout <= 0 {
		opts.WebhookTimeout = 5 * time.Second
	}
	return &Dispatcher{
		store:    store,
		bus:      bus,
		cache:    cache,
		notifier: notifier,
		logger:   logger.Component("outbox"),
		opts:     opts,
	}
}

// Run polls every PollInterval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("Outbox dispatcher started", "poll_interval", d.opts.PollInterval, "batch_size", d.opts.BatchSize)
	t := time.NewTicker(d.opts.PollInterval)
	defer t.Stop()
	for {
		if _, err := d.PollOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("Outbox poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox dispatcher stopped")
			return nil
		case <-t.C:
		}
	}
}

// PollOnce runs a single claim, fan-out and commit cycle. A row's fan-out
// failure is recorded on that row and never aborts the batch.
func (d *Dispatcher) PollOnce(ctx context.Context) (Stats, error) {
	start := time.Now()
	defer func() { observability.OutboxPollDuration.Observe(time.Since(start).Seconds()) }()
	ctx, span := observability.StartSpan(ctx, "outbox.poll")
	defer span.End()

	var stats Stats
	batch, err := d.store.Claim(ctx, d.opts.BatchSize, d.opts.MaxRetries)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return stats, err
	}
	defer func() { _ = batch.Rollback(context.WithoutCancel(ctx)) }()

	events := batch.Events()
	stats.Claimed = len(events)
	span.SetAttributes(attribute.Int("outbox.claimed", stats.Claimed))
	if len(events) == 0 {
		return stats, nil
	}

	for _, row := range events {
		if ferr := d.fanOut(ctx, row); ferr != nil {
			stats.Failed++
			observability.OutboxDispatched.WithLabelValues(row.EventType, "failed").Inc()
			d.logger.Warn("Outbox fan-out failed", "event_id", row.ID, "event_type", row.EventType, "retry_count", row.RetryCount+1, "error", ferr)
			if err := batch.MarkFailed(ctx, row.ID, ferr.Error()); err != nil {
				return stats, err
			}
			continue
		}
		stats.Dispatched++
		observability.OutboxDispatched.WithLabelValues(row.EventType, "dispatched").Inc()
		if err := batch.MarkDispatched(ctx, row.ID); err != nil {
			return stats, err
		}
	}

	if err := batch.Commit(ctx); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return stats, fmt.Errorf("failed to commit outbox batch: %w", err)
	}
	return stats, nil
}

func (d *Dispatcher) fanOut(ctx context.Context, row models.OutboxEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fan-out panic: %v", r)
		}
	}()

	var scope models.EventScope
	if err := json.Unmarshal(row.Payload, &scope); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if scope.TenantID == "" {
		return errors.New("payload has no tenantId")
	}

	// The row id is the event id so redelivered rows can be deduplicated downstream.
	ev, err := d.bus.Publish(ctx, "outbox-"+strconv.FormatInt(row.ID, 10), scope, row.EventType, row.Payload)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	if area, ok := invalidates[row.EventType]; ok && d.cache != nil {
		d.cache.InvalidatePrefix(cache.Key(scope.TenantID, area))
	}

	if d.notifier != nil {
		go d.notify(ev)
	}
	return nil
}

func (d *Dispatcher) notify(ev models.AgentEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.WebhookTimeout)
	defer cancel()
	if err := d.notifier.Notify(ctx, ev); err != nil {
		observability.WebhookFailures.Inc()
		d.logger.Debug("Webhook notification failed", "event_id", ev.ID, "error", err)
	}
}
