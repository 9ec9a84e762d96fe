// Package orchestrator drives flow runs through their stage graph. Stages
// execute on queue workers; the engine persists every transition through a
// compare-and-swap on the run store so duplicate deliveries and lost races
// settle exactly one outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"

	"seo-agents/backend/internal/agents"
	"seo-agents/backend/internal/apperrors"
	"seo-agents/backend/internal/dag"
	"seo-agents/backend/internal/logging"
	"seo-agents/backend/internal/observability"
	"seo-agents/backend/internal/queue"
	"seo-agents/backend/internal/repository"
	"seo-agents/backend/internal/tools"
	"seo-agents/backend/pkg/models"
)

// JobStageExecute is the queue job name for one stage attempt.
const JobStageExecute = "stage.execute"

// DefaultProject is used when a flow is started without a project id.
const DefaultProject = "default"

// FlowInput starts a run.
type FlowInput struct {
	TenantID  string         `json:"tenant_id"`
	ProjectID string         `json:"project_id"`
	Params    map[string]any `json:"params,omitempty"`
}

// StageJob is the payload of a stage.execute job.
type StageJob struct {
	FlowRunID string `json:"flowRunId"`
	StageID   string `json:"stageId"`
	Attempt   int    `json:"attempt"`
}

// JobID is the dedupe id for one stage attempt.
func (j StageJob) JobID() string {
	return fmt.Sprintf("%s:%s:%d", j.FlowRunID, j.StageID, j.Attempt)
}

// Options tunes the engine.
type Options struct {
	// WorkspaceRoot holds one directory per run.
	WorkspaceRoot string
	// StageTimeout applies to stages that declare none.
	StageTimeout time.Duration
	// StaleAfter is how long a running stage may go without settling before
	// a redelivered job may take it over.
	StaleAfter time.Duration
	// CancelPoll is how often an executing stage checks for run cancellation.
	CancelPoll time.Duration
	// JobMaxAttempts bounds queue-level redelivery of stage jobs.
	JobMaxAttempts int
	// ToolPolicy narrows every tool call made by agents. Nil keeps each
	// tool's declared permission.
	ToolPolicy *models.ToolPermission
}

// Engine is the orchestrator.
type Engine struct {
	flows  *dag.Registry
	agents *agents.Registry
	tools  *tools.Registry
	runs   repository.RunStore
	queue  queue.Queue
	events agents.EventEmitter
	logger *logging.Logger
	opts   Options
}

var segmentRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// New creates an Engine and checks that every registered workflow only
// names registered agents. events may be nil.
func New(flows *dag.Registry, agentReg *agents.Registry, toolReg *tools.Registry, runs repository.RunStore, q queue.Queue, events agents.EventEmitter, logger *logging.Logger, opts Options) (*Engine, error) {
	for _, name := range flows.Names() {
		g, _ := flows.Get(name)
		for _, st := range g.Stages() {
			if _, err := agentReg.Get(st.AgentID); err != nil {
				return nil, fmt.Errorf("workflow %s stage %s: %w", name, st.ID, err)
			}
		}
	}
	if opts.WorkspaceRoot == "" {
		opts.WorkspaceRoot = filepath.Join(os.TempDir(), "seo-agents", "workspaces")
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = 2 * time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 10 * time.Minute
	}
	if opts.CancelPoll <= 0 {
		opts.CancelPoll = 2 * time.Second
	}
	return &Engine{
		flows:  flows,
		agents: agentReg,
		tools:  toolReg,
		runs:   runs,
		queue:  q,
		events: events,
		logger: logger.Component("orchestrator"),
		opts:   opts,
	}, nil
}

// Register binds the stage handler on w.
func (e *Engine) Register(w *queue.Worker) {
	w.Handle(JobStageExecute, e.HandleStageJob)
}

// HasWorkflow reports whether a workflow named name is registered.
func (e *Engine) HasWorkflow(name string) bool {
	_, ok := e.flows.Get(name)
	return ok
}

// Workflows returns the registered workflow definitions.
func (e *Engine) Workflows() []models.WorkflowDefinition {
	names := e.flows.Names()
	defs := make([]models.WorkflowDefinition, 0, len(names))
	for _, name := range names {
		g, _ := e.flows.Get(name)
		defs = append(defs, g.Definition())
	}
	return defs
}

// StartFlow creates a run of flowName and enqueues its root stages. It
// returns once the roots are queued.
func (e *Engine) StartFlow(ctx context.Context, flowName string, in FlowInput) (*models.FlowRun, error) {
	graph, ok := e.flows.Get(flowName)
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", flowName, apperrors.ErrNotFound)
	}
	if in.ProjectID == "" {
		in.ProjectID = DefaultProject
	}
	if !segmentRe.MatchString(in.TenantID) {
		return nil, apperrors.Validationf("invalid tenant id %q", in.TenantID)
	}
	if !segmentRe.MatchString(in.ProjectID) {
		return nil, apperrors.Validationf("invalid project id %q", in.ProjectID)
	}

	ctx, span := observability.StartSpan(ctx, "orchestrator.start_flow")
	defer span.End()

	now := time.Now().UTC()
	run := &models.FlowRun{
		ID:        uuid.New().String(),
		TenantID:  in.TenantID,
		ProjectID: in.ProjectID,
		FlowName:  flowName,
		Status:    models.RunStatusRunning,
		Input:     in.Params,
		Stages:    make(map[string]models.StageState),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, st := range graph.Stages() {
		run.Stages[st.ID] = models.StageState{
			StageID:     st.ID,
			Status:      models.StageStatusPending,
			PendingDeps: graph.DependencyCount(st.ID),
		}
	}

	if err := os.MkdirAll(e.workspacePath(run), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	observability.RunsStarted.WithLabelValues(flowName).Inc()
	e.emit(ctx, run, "flow.started", map[string]any{"flowName": flowName})
	e.logger.Info("Flow started", "run_id", run.ID, "flow", flowName, "tenant_id", run.TenantID)

	for _, st := range graph.RootStages() {
		if err := e.enqueueStage(ctx, StageJob{FlowRunID: run.ID, StageID: st.ID, Attempt: 1}, 0); err != nil {
			return nil, err
		}
	}
	return run, nil
}

// GetRun returns a run snapshot.
func (e *Engine) GetRun(ctx context.Context, runID string) (*models.FlowRun, error) {
	return e.runs.GetRun(ctx, runID)
}

// ListRuns returns a tenant's runs, newest first.
func (e *Engine) ListRuns(ctx context.Context, tenantID string) ([]*models.FlowRun, error) {
	return e.runs.ListRuns(ctx, tenantID)
}

// CancelFlow marks a running run cancelled and skips its pending stages.
// Stages already executing observe the cancellation cooperatively.
// Cancelling a finished run returns it unchanged.
func (e *Engine) CancelFlow(ctx context.Context, runID string) (*models.FlowRun, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}
	ok, err := e.runs.SetRunStatus(ctx, runID, models.RunStatusRunning, models.RunStatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel run: %w", err)
	}
	if !ok {
		return e.runs.GetRun(ctx, runID)
	}

	ids := make([]string, 0, len(run.Stages))
	for id := range run.Stages {
		ids = append(ids, id)
	}
	skipped, err := e.runs.SkipStages(ctx, runID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to skip pending stages: %w", err)
	}
	for _, id := range skipped {
		observability.StageTransitions.WithLabelValues(run.FlowName, string(models.StageStatusSkipped)).Inc()
		e.emit(ctx, run, "stage.skipped", map[string]any{"stageId": id, "reason": "cancelled"})
	}
	observability.RunsFinished.WithLabelValues(run.FlowName, string(models.RunStatusCancelled)).Inc()
	e.emit(ctx, run, "flow.cancelled", map[string]any{"skipped": skipped})
	e.logger.Info("Flow cancelled", "run_id", runID, "skipped", len(skipped))
	return e.runs.GetRun(ctx, runID)
}

// enqueueStage queues one stage attempt unless the run has stopped. A job
// id that is already queued counts as success.
func (e *Engine) enqueueStage(ctx context.Context, j StageJob, delay time.Duration) error {
	run, err := e.runs.GetRun(ctx, j.FlowRunID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		e.logger.Debug("Not enqueueing stage of stopped run", "run_id", j.FlowRunID, "stage_id", j.StageID, "status", run.Status)
		return nil
	}
	payload, err := marshalJob(j)
	if err != nil {
		return err
	}
	_, err = e.queue.Enqueue(ctx, JobStageExecute, payload, queue.EnqueueOptions{
		JobID:       j.JobID(),
		Delay:       delay,
		MaxAttempts: e.opts.JobMaxAttempts,
	})
	if errors.Is(err, queue.ErrDuplicate) {
		e.logger.Debug("Stage job already queued", "job_id", j.JobID())
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue stage %s: %w", j.StageID, err)
	}
	return nil
}

func (e *Engine) workspacePath(run *models.FlowRun) string {
	return filepath.Join(e.opts.WorkspaceRoot, run.TenantID, run.ProjectID, run.ID)
}

// emit writes an event and logs, rather than returns, a failure.
func (e *Engine) emit(ctx context.Context, run *models.FlowRun, eventType string, fields map[string]any) {
	if e.events == nil {
		return
	}
	body := map[string]any{"flowRunId": run.ID, "flowName": run.FlowName}
	for k, v := range fields {
		body[k] = v
	}
	scope := models.EventScope{TenantID: run.TenantID, ProjectID: run.ProjectID}
	if err := e.events.Emit(ctx, eventType, scope, body); err != nil {
		e.logger.Warn("Failed to emit event", "event_type", eventType, "run_id", run.ID, "error", err)
	}
}
