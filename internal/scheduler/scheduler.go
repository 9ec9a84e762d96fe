// Package scheduler turns persisted schedules into repeatable queue triggers
// and starts a flow run each time a trigger fires.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"seo-agents/backend/internal/apperrors"
	"seo-agents/backend/internal/logging"
	"seo-agents/backend/internal/observability"
	"seo-agents/backend/internal/orchestrator"
	"seo-agents/backend/internal/queue"
	"seo-agents/backend/internal/repository"
	"seo-agents/backend/pkg/models"
)

// JobScheduleFire is the queue job name a trigger materializes.
const JobScheduleFire = "schedule.fire"

// FlowStarter starts flow runs.
type FlowStarter interface {
	StartFlow(ctx context.Context, flowName string, in orchestrator.FlowInput) (*models.FlowRun, error)
	HasWorkflow(name string) bool
}

// EventEmitter writes domain events.
type EventEmitter interface {
	Emit(ctx context.Context, eventType string, scope models.EventScope, fields map[string]any) error
}

// fire is the payload each trigger carries.
type fire struct {
	TenantID   string         `json:"tenantId"`
	ScheduleID string         `json:"scheduleId"`
	FlowName   string         `json:"flowName"`
	ProjectID  string         `json:"projectId,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
}

// TriggerKey is the repeatable key of a schedule. It is unique per schedule,
// so a schedule never has more than one active trigger.
func TriggerKey(tenantID, id string) string {
	return "schedule:" + tenantID + ":" + id
}

// Scheduler manages schedules and their triggers.
type Scheduler struct {
	store    repository.ScheduleStore
	queue    queue.Queue
	starter  FlowStarter
	events   EventEmitter
	logger   *logging.Logger
	validate *validator.Validate
	now      func() time.Time
}

// New creates a Scheduler. events may be nil.
func New(store repository.ScheduleStore, q queue.Queue, starter FlowStarter, events EventEmitter, logger *logging.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		queue:    q,
		starter:  starter,
		events:   events,
		logger:   logger.Component("scheduler"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

// Register binds the fire handler on w.
func (s *Scheduler) Register(w *queue.Worker) {
	w.Handle(JobScheduleFire, s.HandleFire)
}

// UpsertSchedule validates and stores a schedule, then brings its trigger in
// line: disabled schedules have none, enabled ones have exactly one.
func (s *Scheduler) UpsertSchedule(ctx context.Context, sched models.Schedule) (*models.Schedule, error) {
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}
	if err := s.validate.Struct(sched); err != nil {
		return nil, apperrors.Validationf("invalid schedule: %v", err)
	}
	if _, _, err := queue.ParseCron(sched.Cron, sched.Timezone); err != nil {
		return nil, apperrors.Validationf("%v", err)
	}
	if s.starter != nil && !s.starter.HasWorkflow(sched.FlowName) {
		return nil, fmt.Errorf("workflow %q: %w", sched.FlowName, apperrors.ErrNotFound)
	}

	existing, err := s.store.GetSchedule(ctx, sched.TenantID, sched.ID)
	switch {
	case err == nil:
		if existing.FlowName != sched.FlowName {
			return nil, fmt.Errorf("%w: schedule %s already runs %s", apperrors.ErrScheduleConflict, sched.ID, existing.FlowName)
		}
	case errors.Is(err, apperrors.ErrNotFound):
	default:
		return nil, err
	}

	if err := s.store.UpsertSchedule(ctx, &sched); err != nil {
		return nil, fmt.Errorf("failed to save schedule: %w", err)
	}
	if err := s.syncTrigger(ctx, &sched); err != nil {
		return nil, err
	}
	s.emit(ctx, &sched, "schedule.updated", map[string]any{
		"enabled": sched.Enabled, "cron": sched.Cron, "timezone": sched.Timezone,
	})
	s.logger.Info("Schedule saved", "tenant_id", sched.TenantID, "schedule_id", sched.ID, "flow", sched.FlowName, "enabled", sched.Enabled)
	return &sched, nil
}

// RemoveSchedule deletes a schedule and its trigger. A trigger registered
// under another key is found by matching its job name, flow and pattern.
func (s *Scheduler) RemoveSchedule(ctx context.Context, tenantID, id string) error {
	sched, err := s.store.GetSchedule(ctx, tenantID, id)
	if err != nil && !errors.Is(err, apperrors.ErrNotFound) {
		return err
	}

	removed, err := s.queue.RemoveRepeatable(ctx, TriggerKey(tenantID, id))
	if err != nil {
		return fmt.Errorf("failed to remove trigger: %w", err)
	}
	if !removed && sched != nil {
		if removed, err = s.removeMatching(ctx, sched); err != nil {
			return err
		}
	}

	if sched == nil {
		if !removed {
			return fmt.Errorf("schedule %s: %w", id, apperrors.ErrNotFound)
		}
		return nil
	}
	if _, err := s.store.DeleteSchedule(ctx, tenantID, id); err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	s.emit(ctx, sched, "schedule.removed", nil)
	s.logger.Info("Schedule removed", "tenant_id", tenantID, "schedule_id", id, "trigger_removed", removed)
	return nil
}

func (s *Scheduler) removeMatching(ctx context.Context, sched *models.Schedule) (bool, error) {
	triggers, err := s.queue.ListRepeatable(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list triggers: %w", err)
	}
	removed := false
	for _, rj := range triggers {
		if rj.Name != JobScheduleFire || rj.Pattern != sched.Cron || !sameTZ(rj.TZ, sched.Timezone) {
			continue
		}
		var f fire
		if err := json.Unmarshal(rj.Payload, &f); err != nil || f.FlowName != sched.FlowName {
			continue
		}
		if f.TenantID != "" && f.TenantID != sched.TenantID {
			continue
		}
		ok, err := s.queue.RemoveRepeatable(ctx, rj.Key)
		if err != nil {
			return removed, fmt.Errorf("failed to remove trigger %s: %w", rj.Key, err)
		}
		removed = removed || ok
	}
	return removed, nil
}

// GetSchedule returns one stored schedule.
func (s *Scheduler) GetSchedule(ctx context.Context, tenantID, id string) (*models.Schedule, error) {
	return s.store.GetSchedule(ctx, tenantID, id)
}

// Schedules returns a tenant's stored schedules, enabled or not.
func (s *Scheduler) Schedules(ctx context.Context, tenantID string) ([]*models.Schedule, error) {
	return s.store.ListSchedules(ctx, tenantID)
}

// ListSchedules describes every active trigger, soonest first.
func (s *Scheduler) ListSchedules(ctx context.Context) ([]models.ScheduleInfo, error) {
	triggers, err := s.queue.ListRepeatable(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	now := s.now()
	out := make([]models.ScheduleInfo, 0, len(triggers))
	for _, rj := range triggers {
		if rj.Name != JobScheduleFire {
			continue
		}
		next := rj.NextRun
		if next.IsZero() {
			if next, err = queue.NextFire(rj.Pattern, rj.TZ, now); err != nil {
				continue
			}
		}
		out = append(out, models.ScheduleInfo{ID: rj.Key, Pattern: rj.Pattern, Timezone: rj.TZ, NextFireTime: next})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextFireTime.Equal(out[j].NextFireTime) {
			return out[i].NextFireTime.Before(out[j].NextFireTime)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// HandleFire starts the flow of the schedule a trigger belongs to. The stored
// row is authoritative; a fire for a removed or disabled schedule is dropped.
func (s *Scheduler) HandleFire(ctx context.Context, job queue.Job) error {
	var f fire
	if err := job.Decode(&f); err != nil || f.TenantID == "" || f.ScheduleID == "" {
		s.logger.Error("Dropping malformed schedule fire", "job_id", job.ID, "error", err)
		observability.ScheduleFires.WithLabelValues("invalid").Inc()
		return nil
	}
	log := s.logger.With("tenant_id", f.TenantID, "schedule_id", f.ScheduleID, "job_id", job.ID)

	sched, err := s.store.GetSchedule(ctx, f.TenantID, f.ScheduleID)
	if errors.Is(err, apperrors.ErrNotFound) {
		log.Warn("Schedule no longer exists, removing its trigger")
		if _, err := s.queue.RemoveRepeatable(ctx, TriggerKey(f.TenantID, f.ScheduleID)); err != nil {
			log.Warn("Failed to remove orphaned trigger", "error", err)
		}
		observability.ScheduleFires.WithLabelValues("skipped").Inc()
		return nil
	}
	if err != nil {
		return err
	}
	if !sched.Enabled {
		observability.ScheduleFires.WithLabelValues("skipped").Inc()
		return nil
	}

	run, err := s.starter.StartFlow(ctx, sched.FlowName, orchestrator.FlowInput{
		TenantID:  sched.TenantID,
		ProjectID: sched.ProjectID,
		Params:    fireParams(sched),
	})
	if err != nil {
		var verr *apperrors.ValidationError
		if errors.Is(err, apperrors.ErrNotFound) || errors.As(err, &verr) {
			log.Error("Schedule cannot start its flow", "flow", sched.FlowName, "error", err)
			observability.ScheduleFires.WithLabelValues("failed").Inc()
			return nil
		}
		observability.ScheduleFires.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to start scheduled flow: %w", err)
	}
	observability.ScheduleFires.WithLabelValues("started").Inc()
	log.Info("Scheduled flow started", "flow", sched.FlowName, "run_id", run.ID)
	return nil
}

// Resync re-registers the trigger of every enabled schedule and drops
// triggers whose schedule is gone or disabled. It returns the number of
// active triggers.
func (s *Scheduler) Resync(ctx context.Context) (int, error) {
	rows, err := s.store.ListSchedules(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("failed to list schedules: %w", err)
	}
	wanted := make(map[string]bool, len(rows))
	active := 0
	for _, sched := range rows {
		if err := s.syncTrigger(ctx, sched); err != nil {
			return active, err
		}
		if sched.Enabled {
			wanted[TriggerKey(sched.TenantID, sched.ID)] = true
			active++
		}
	}

	triggers, err := s.queue.ListRepeatable(ctx)
	if err != nil {
		return active, fmt.Errorf("failed to list triggers: %w", err)
	}
	for _, rj := range triggers {
		if rj.Name != JobScheduleFire || wanted[rj.Key] {
			continue
		}
		if _, err := s.queue.RemoveRepeatable(ctx, rj.Key); err != nil {
			return active, fmt.Errorf("failed to remove orphaned trigger %s: %w", rj.Key, err)
		}
		s.logger.Info("Removed orphaned trigger", "key", rj.Key)
	}
	s.logger.Info("Schedules resynced", "active", active, "total", len(rows))
	return active, nil
}

// syncTrigger registers, replaces or removes the trigger of sched. An
// unchanged trigger is left alone so its next fire time is kept.
func (s *Scheduler) syncTrigger(ctx context.Context, sched *models.Schedule) error {
	key := TriggerKey(sched.TenantID, sched.ID)
	if !sched.Enabled {
		if _, err := s.queue.RemoveRepeatable(ctx, key); err != nil {
			return fmt.Errorf("failed to remove trigger: %w", err)
		}
		return nil
	}

	want := fire{
		TenantID:   sched.TenantID,
		ScheduleID: sched.ID,
		FlowName:   sched.FlowName,
		ProjectID:  sched.ProjectID,
		Input:      fireParams(sched),
	}
	payload, err := json.Marshal(want)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger payload: %w", err)
	}

	current, err := s.findTrigger(ctx, key)
	if err != nil {
		return err
	}
	if current != nil && current.Pattern == sched.Cron && sameTZ(current.TZ, sched.Timezone) && samePayload(current.Payload, payload) {
		return nil
	}
	_, err = s.queue.Enqueue(ctx, JobScheduleFire, payload, queue.EnqueueOptions{
		Repeat: &queue.Repeat{Pattern: sched.Cron, TZ: sched.Timezone, Key: key},
	})
	if err != nil {
		return fmt.Errorf("failed to register trigger: %w", err)
	}
	return nil
}

func (s *Scheduler) findTrigger(ctx context.Context, key string) (*queue.RepeatableJob, error) {
	triggers, err := s.queue.ListRepeatable(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}
	for i := range triggers {
		if triggers[i].Key == key {
			return &triggers[i], nil
		}
	}
	return nil, nil
}

func (s *Scheduler) emit(ctx context.Context, sched *models.Schedule, eventType string, fields map[string]any) {
	if s.events == nil {
		return
	}
	body := map[string]any{"scheduleId": sched.ID, "flowName": sched.FlowName}
	for k, v := range fields {
		body[k] = v
	}
	scope := models.EventScope{TenantID: sched.TenantID, ProjectID: sched.ProjectID}
	if err := s.events.Emit(ctx, eventType, scope, body); err != nil {
		s.logger.Warn("Failed to emit event", "event_type", eventType, "schedule_id", sched.ID, "error", err)
	}
}

// fireParams is the run input of a fire: the stored input plus the seed
// keyword when one is set.
func fireParams(sched *models.Schedule) map[string]any {
	params := make(map[string]any, len(sched.Input)+1)
	for k, v := range sched.Input {
		params[k] = v
	}
	if sched.SeedKeyword != "" {
		params["seed_keyword"] = sched.SeedKeyword
	}
	return params
}

func sameTZ(a, b string) bool {
	norm := func(tz string) string {
		if tz == "" {
			return "UTC"
		}
		return tz
	}
	return strings.EqualFold(norm(a), norm(b))
}

// samePayload compares JSON documents by value, since a store may
// re-encode them.
func samePayload(a, b []byte) bool {
	var x, y any
	if json.Unmarshal(a, &x) != nil || json.Unmarshal(b, &y) != nil {
		return false
	}
	return reflect.DeepEqual(x, y)
}
