package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"seo-agents/backend/internal/agents"
	"seo-agents/backend/internal/apperrors"
	"seo-agents/backend/internal/dag"
	"seo-agents/backend/internal/observability"
	"seo-agents/backend/internal/queue"
	"seo-agents/backend/internal/repository"
	"seo-agents/backend/internal/tools"
	"seo-agents/backend/pkg/models"
)

func marshalJob(j StageJob) ([]byte, error) {
	payload, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal stage job: %w", err)
	}
	return payload, nil
}

// HandleStageJob executes one stage attempt. Stage failures are recorded on
// the run and never returned; only store and queue errors are, so the queue
// redelivers the job.
func (e *Engine) HandleStageJob(ctx context.Context, job queue.Job) error {
	var sj StageJob
	if err := job.Decode(&sj); err != nil || sj.FlowRunID == "" || sj.StageID == "" || sj.Attempt < 1 {
		e.logger.Error("Dropping malformed stage job", "job_id", job.ID, "error", err)
		return nil
	}
	log := e.logger.With("run_id", sj.FlowRunID, "stage_id", sj.StageID, "attempt", sj.Attempt)

	run, err := e.runs.GetRun(ctx, sj.FlowRunID)
	if errors.Is(err, apperrors.ErrNotFound) {
		log.Warn("Dropping stage job for unknown run")
		return nil
	}
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		log.Debug("Dropping stage job for stopped run", "status", run.Status)
		return nil
	}
	graph, ok := e.flows.Get(run.FlowName)
	if !ok {
		log.Error("Dropping stage job for unregistered workflow", "flow", run.FlowName)
		return nil
	}
	stage, ok := graph.Stage(sj.StageID)
	if !ok {
		log.Error("Dropping stage job for unknown stage", "flow", run.FlowName)
		return nil
	}

	claimed, err := e.runs.ClaimStage(ctx, run.ID, stage.ID, sj.Attempt, e.opts.StaleAfter)
	if err != nil {
		return fmt.Errorf("failed to claim stage: %w", err)
	}
	if !claimed {
		log.Debug("Stage claim lost, re-driving from stored state")
		return e.redrive(context.WithoutCancel(ctx), run.ID, graph, stage, sj.Attempt)
	}
	observability.StageTransitions.WithLabelValues(run.FlowName, string(models.StageStatusRunning)).Inc()
	e.emit(ctx, run, "stage.started", map[string]any{"stageId": stage.ID, "attempt": sj.Attempt})

	out, runErr := e.execute(ctx, run, stage, sj.Attempt)
	// Settlement must land even when the worker is shutting down.
	settle := context.WithoutCancel(ctx)
	if runErr == nil {
		return e.succeed(settle, run, graph, stage, sj.Attempt, out)
	}
	return e.fail(settle, run, graph, stage, sj.Attempt, runErr)
}

// execute runs the stage's agent under the stage timeout and a cancellation
// watcher.
func (e *Engine) execute(ctx context.Context, run *models.FlowRun, stage models.StageDefinition, attempt int) (agents.Output, error) {
	agent, err := e.agents.Get(stage.AgentID)
	if err != nil {
		return nil, err
	}

	timeout := stage.Timeout
	if timeout <= 0 {
		timeout = e.opts.StageTimeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sctx, span := observability.StartSpan(sctx, "orchestrator.stage",
		attribute.String("flow.name", run.FlowName),
		attribute.String("flow.run_id", run.ID),
		attribute.String("stage.id", stage.ID),
		attribute.String("agent.id", stage.AgentID),
		attribute.Int("stage.attempt", attempt),
	)
	defer span.End()

	cancelled := func(ctx context.Context) (bool, error) { return e.isCancelled(ctx, run.ID) }
	var observed atomic.Bool
	stop := e.watchCancel(sctx, cancel, cancelled, &observed)
	defer stop()

	actx := agents.NewContext(agents.Context{
		TenantID:      run.TenantID,
		ProjectID:     run.ProjectID,
		RunID:         run.ID,
		StageID:       stage.ID,
		WorkspacePath: e.workspacePath(run),
		Tools: agents.BindTools(e.tools, tools.Invocation{
			TenantID:  run.TenantID,
			Workspace: e.workspacePath(run),
			Policy:    e.opts.ToolPolicy,
		}),
		Events: e.events,
	}, cancelled)

	start := time.Now()
	out, err := runAgent(sctx, agent, stageInput(run, stage), actx)
	observability.StageDuration.WithLabelValues(run.FlowName, stage.AgentID).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
	case observed.Load():
		err = fmt.Errorf("%w: %w", apperrors.ErrCancelled, err)
	case errors.Is(sctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		err = fmt.Errorf("%w: stage %s exceeded %s: %w", apperrors.ErrTimeout, stage.ID, timeout, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func runAgent(ctx context.Context, a agents.Agent, in agents.Input, actx *agents.Context) (out agents.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent %s panicked: %v", a.ID(), r)
		}
	}()
	return a.Run(ctx, in, actx)
}

// stageInput overlays the run input on the stage's static params and
// collects the outputs of the stage's dependencies.
func stageInput(run *models.FlowRun, stage models.StageDefinition) agents.Input {
	params := make(map[string]any, len(stage.Params)+len(run.Input))
	maps.Copy(params, stage.Params)
	maps.Copy(params, run.Input)
	in := agents.Input{Params: params}
	if len(stage.DependsOn) > 0 {
		in.Upstream = make(map[string]map[string]any, len(stage.DependsOn))
		for _, dep := range stage.DependsOn {
			in.Upstream[dep] = run.Stages[dep].Output
		}
	}
	return in
}

func (e *Engine) isCancelled(ctx context.Context, runID string) (bool, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	return run.Status == models.RunStatusCancelled, nil
}

// watchCancel polls for run cancellation and cancels the stage context when
// it sees one. The returned func stops the watcher and waits for it.
func (e *Engine) watchCancel(ctx context.Context, cancel context.CancelFunc, cancelled func(context.Context) (bool, error), observed *atomic.Bool) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(e.opts.CancelPoll)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				stop, err := cancelled(ctx)
				if err != nil {
					continue
				}
				if stop {
					observed.Store(true)
					cancel()
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// succeed records the output and releases dependents whose countdown this
// completion brings to zero.
func (e *Engine) succeed(ctx context.Context, run *models.FlowRun, graph *dag.Graph, stage models.StageDefinition, attempt int, out agents.Output) error {
	ok, err := e.runs.FinishStage(ctx, run.ID, stage.ID, attempt, repository.StageUpdate{
		Status: models.StageStatusSucceeded,
		Output: out,
	})
	if err != nil {
		return fmt.Errorf("failed to record stage success: %w", err)
	}
	if !ok {
		e.logger.Warn("Stage settled elsewhere, discarding result", "run_id", run.ID, "stage_id", stage.ID, "attempt", attempt)
		return nil
	}
	observability.StageTransitions.WithLabelValues(run.FlowName, string(models.StageStatusSucceeded)).Inc()
	e.emit(ctx, run, "stage.succeeded", map[string]any{"stageId": stage.ID, "attempt": attempt})

	for _, dep := range graph.DependentsOf(stage.ID) {
		remaining, ok, err := e.runs.DecrementDeps(ctx, run.ID, dep)
		if err != nil {
			return fmt.Errorf("failed to release dependent %s: %w", dep, err)
		}
		// Only the completion that observes zero enqueues the dependent.
		if !ok || remaining > 0 {
			continue
		}
		if err := e.enqueueStage(ctx, StageJob{FlowRunID: run.ID, StageID: dep, Attempt: 1}, 0); err != nil {
			return err
		}
	}
	return e.evaluate(ctx, run.ID)
}

// fail retries the stage when the error and policy allow it, otherwise marks
// it failed and skips everything downstream.
func (e *Engine) fail(ctx context.Context, run *models.FlowRun, graph *dag.Graph, stage models.StageDefinition, attempt int, cause error) error {
	policy := stage.RetryPolicy.WithDefaults()
	log := e.logger.With("run_id", run.ID, "stage_id", stage.ID, "attempt", attempt)

	if apperrors.Retryable(cause) && attempt < policy.MaxAttempts {
		ok, err := e.runs.FinishStage(ctx, run.ID, stage.ID, attempt, repository.StageUpdate{
			Status: models.StageStatusPending,
			Error:  cause.Error(),
		})
		if err != nil {
			return fmt.Errorf("failed to record stage retry: %w", err)
		}
		if !ok {
			return nil
		}
		delay := queue.Backoff(policy.InitialBackoff, policy.MaxBackoff, policy.Multiplier, attempt)
		observability.StageTransitions.WithLabelValues(run.FlowName, "retrying").Inc()
		e.emit(ctx, run, "stage.retrying", map[string]any{
			"stageId": stage.ID, "attempt": attempt, "nextAttempt": attempt + 1,
			"delayMs": delay.Milliseconds(), "error": cause.Error(),
		})
		log.Warn("Stage failed, retrying", "delay", delay, "error", cause)
		return e.enqueueStage(ctx, StageJob{FlowRunID: run.ID, StageID: stage.ID, Attempt: attempt + 1}, delay)
	}

	ok, err := e.runs.FinishStage(ctx, run.ID, stage.ID, attempt, repository.StageUpdate{
		Status: models.StageStatusFailed,
		Error:  cause.Error(),
	})
	if err != nil {
		return fmt.Errorf("failed to record stage failure: %w", err)
	}
	if !ok {
		return nil
	}
	observability.StageTransitions.WithLabelValues(run.FlowName, string(models.StageStatusFailed)).Inc()
	e.emit(ctx, run, "stage.failed", map[string]any{"stageId": stage.ID, "attempt": attempt, "error": cause.Error()})
	log.Error("Stage failed", "retryable", apperrors.Retryable(cause), "error", cause)

	skipped, err := e.runs.SkipStages(ctx, run.ID, graph.TransitiveDependents(stage.ID))
	if err != nil {
		return fmt.Errorf("failed to skip dependents: %w", err)
	}
	for _, id := range skipped {
		observability.StageTransitions.WithLabelValues(run.FlowName, string(models.StageStatusSkipped)).Inc()
		e.emit(ctx, run, "stage.skipped", map[string]any{"stageId": id, "reason": "upstream " + stage.ID + " failed"})
	}
	return e.evaluate(ctx, run.ID)
}

// redrive repeats the follow-up of an attempt that was already settled. A
// delivery whose earlier handling recorded the outcome but failed to enqueue
// the next job lands here on redelivery; job ids keep the repeats idempotent.
func (e *Engine) redrive(ctx context.Context, runID string, graph *dag.Graph, stage models.StageDefinition, attempt int) error {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	st, ok := run.Stages[stage.ID]
	if !ok {
		return nil
	}

	switch {
	case st.Status == models.StageStatusSucceeded:
		for _, dep := range graph.DependentsOf(stage.ID) {
			if !ready(run, graph, dep) {
				continue
			}
			// Every parent has succeeded, so the true countdown is zero.
			for n := run.Stages[dep].PendingDeps; n > 0; n-- {
				remaining, ok, err := e.runs.DecrementDeps(ctx, run.ID, dep)
				if err != nil {
					return fmt.Errorf("failed to release dependent %s: %w", dep, err)
				}
				if !ok || remaining == 0 {
					break
				}
			}
			if err := e.enqueueStage(ctx, StageJob{FlowRunID: run.ID, StageID: dep, Attempt: 1}, 0); err != nil {
				return err
			}
		}
	case st.Status == models.StageStatusPending && st.Attempts == attempt:
		policy := stage.RetryPolicy.WithDefaults()
		if attempt >= policy.MaxAttempts {
			return nil
		}
		delay := queue.Backoff(policy.InitialBackoff, policy.MaxBackoff, policy.Multiplier, attempt)
		return e.enqueueStage(ctx, StageJob{FlowRunID: run.ID, StageID: stage.ID, Attempt: attempt + 1}, delay)
	case st.Status == models.StageStatusFailed:
		skipped, err := e.runs.SkipStages(ctx, run.ID, graph.TransitiveDependents(stage.ID))
		if err != nil {
			return fmt.Errorf("failed to skip dependents: %w", err)
		}
		for _, id := range skipped {
			observability.StageTransitions.WithLabelValues(run.FlowName, string(models.StageStatusSkipped)).Inc()
			e.emit(ctx, run, "stage.skipped", map[string]any{"stageId": id, "reason": "upstream " + stage.ID + " failed"})
		}
	default:
		return nil
	}
	return e.evaluate(ctx, run.ID)
}

// ready reports whether a stage has never been attempted and every one of
// its dependencies has succeeded.
func ready(run *models.FlowRun, graph *dag.Graph, id string) bool {
	st, ok := run.Stages[id]
	if !ok || st.Status != models.StageStatusPending || st.Attempts > 0 {
		return false
	}
	def, ok := graph.Stage(id)
	if !ok {
		return false
	}
	for _, parent := range def.DependsOn {
		if run.Stages[parent].Status != models.StageStatusSucceeded {
			return false
		}
	}
	return true
}

// evaluate finishes the run once every stage is terminal.
func (e *Engine) evaluate(ctx context.Context, runID string) error {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	final := models.RunStatusSucceeded
	for _, st := range run.Stages {
		if !st.Status.Terminal() {
			return nil
		}
		if st.Status != models.StageStatusSucceeded {
			final = models.RunStatusFailed
		}
	}
	ok, err := e.runs.SetRunStatus(ctx, runID, models.RunStatusRunning, final)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if !ok {
		return nil
	}
	observability.RunsFinished.WithLabelValues(run.FlowName, string(final)).Inc()
	e.emit(ctx, run, "flow.completed", map[string]any{"status": final})
	e.logger.Info("Flow finished", "run_id", runID, "flow", run.FlowName, "status", final)
	return nil
}
