package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seo-agents/backend/internal/agents"
	"seo-agents/backend/internal/apperrors"
	"seo-agents/backend/internal/dag"
	"seo-agents/backend/internal/logging"
	"seo-agents/backend/internal/outbox"
	"seo-agents/backend/internal/queue"
	"seo-agents/backend/internal/repository"
	"seo-agents/backend/internal/tools"
	"seo-agents/backend/pkg/models"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine *Engine
	queue  *queue.MemoryQueue
	clock  *testClock
	runs   *repository.MemoryRunStore
	outbox *outbox.MemoryStore
	worker *queue.Worker
	root   string
}

func newHarness(t *testing.T, defs []models.WorkflowDefinition, agentList []agents.Agent, opts Options) *harness {
	t.Helper()
	return newHarnessWithQueue(t, defs, agentList, opts, nil)
}

// newHarnessWithQueue lets wrap decorate the queue the engine enqueues into.
// The worker still claims from the underlying memory queue.
func newHarnessWithQueue(t *testing.T, defs []models.WorkflowDefinition, agentList []agents.Agent, opts Options, wrap func(queue.Queue) queue.Queue) *harness {
	t.Helper()
	flows := dag.NewRegistry()
	for _, def := range defs {
		_, err := flows.Register(def)
		require.NoError(t, err)
	}
	agentReg := agents.NewRegistry()
	for _, a := range agentList {
		require.NoError(t, agentReg.Register(a))
	}
	toolReg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(toolReg, nil))

	clock := &testClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	q := queue.NewMemoryQueue(queue.WithClock(clock.Now))
	runs := repository.NewMemoryRunStore()
	store := outbox.NewMemoryStore()
	if opts.WorkspaceRoot == "" {
		opts.WorkspaceRoot = t.TempDir()
	}
	if opts.CancelPoll == 0 {
		opts.CancelPoll = 5 * time.Millisecond
	}

	var enq queue.Queue = q
	if wrap != nil {
		enq = wrap(q)
	}
	engine, err := New(flows, agentReg, toolReg, runs, enq, outbox.NewWriter(store), logging.Discard(), opts)
	require.NoError(t, err)
	w := queue.NewWorker(q, logging.Discard(), queue.WorkerOptions{Name: "test", Concurrency: 4})
	engine.Register(w)
	return &harness{engine: engine, queue: q, clock: clock, runs: runs, outbox: store, worker: w, root: opts.WorkspaceRoot}
}

// drain processes jobs until the queue is empty, advancing the clock past
// retry delays.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		n, err := h.worker.ProcessOnce(context.Background())
		require.NoError(t, err)
		if n == 0 {
			if h.queue.Len() == 0 {
				return
			}
			h.clock.Advance(time.Minute)
		}
	}
	t.Fatal("queue did not drain")
}

func (h *harness) eventTypes() []string {
	var out []string
	for _, row := range h.outbox.Rows() {
		out = append(out, row.EventType)
	}
	return out
}

func count(items []string, want string) int {
	n := 0
	for _, s := range items {
		if s == want {
			n++
		}
	}
	return n
}

func diamond(agentOf func(id string) string) models.WorkflowDefinition {
	return models.WorkflowDefinition{
		Name: "diamond",
		Stages: []models.StageDefinition{
			{ID: "A", AgentID: agentOf("A")},
			{ID: "B", AgentID: agentOf("B"), DependsOn: []string{"A"}},
			{ID: "C", AgentID: agentOf("C"), DependsOn: []string{"A"}},
			{ID: "D", AgentID: agentOf("D"), DependsOn: []string{"B", "C"}},
		},
	}
}

// flakyQueue fails the first enqueue of every job id ending in one of the
// given suffixes.
type flakyQueue struct {
	queue.Queue
	mu       sync.Mutex
	suffixes []string
	failed   map[string]bool
}

func newFlakyQueue(q queue.Queue, suffixes ...string) *flakyQueue {
	return &flakyQueue{Queue: q, suffixes: suffixes, failed: make(map[string]bool)}
}

func (f *flakyQueue) Enqueue(ctx context.Context, name string, payload []byte, opts queue.EnqueueOptions) (string, error) {
	f.mu.Lock()
	for _, suffix := range f.suffixes {
		if strings.HasSuffix(opts.JobID, suffix) && !f.failed[opts.JobID] {
			f.failed[opts.JobID] = true
			f.mu.Unlock()
			return "", errors.New("connection reset by peer")
		}
	}
	f.mu.Unlock()
	return f.Queue.Enqueue(ctx, name, payload, opts)
}

func (f *flakyQueue) Failures() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.failed)
}

// recorder is an agent that records every invocation.
type recorder struct {
	id    string
	mu    sync.Mutex
	calls []agents.Input
	run   func(ctx context.Context, in agents.Input, actx *agents.Context) (agents.Output, error)
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Run(ctx context.Context, in agents.Input, actx *agents.Context) (agents.Output, error) {
	r.mu.Lock()
	r.calls = append(r.calls, in)
	r.mu.Unlock()
	if r.run != nil {
		return r.run(ctx, in, actx)
	}
	return agents.Output{"by": actx.StageID}, nil
}

func (r *recorder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func stageAgents(ids ...string) (map[string]*recorder, []agents.Agent) {
	byID := make(map[string]*recorder, len(ids))
	list := make([]agents.Agent, 0, len(ids))
	for _, id := range ids {
		r := &recorder{id: "agent_" + id}
		byID[id] = r
		list = append(list, r)
	}
	return byID, list
}

func TestEngine_DiamondRunsEveryStageOnce(t *testing.T) {
	recs, list := stageAgents("A", "B", "C", "D")
	h := newHarness(t, []models.WorkflowDefinition{diamond(func(id string) string { return "agent_" + id })}, list, Options{})
	ctx := context.Background()

	run, err := h.engine.StartFlow(ctx, "diamond", FlowInput{TenantID: "acme", ProjectID: "site", Params: map[string]any{"url": "https://example.com"}})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.Equal(t, 2, run.Stages["D"].PendingDeps)

	pending := h.queue.Pending()
	require.Len(t, pending, 1, "only the root is enqueued")
	assert.Equal(t, run.ID+":A:1", pending[0].ID)
	assert.Equal(t, JobStageExecute, pending[0].Name)

	h.drain(t)

	got, err := h.engine.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, got.Status)
	for id, rec := range recs {
		assert.Equal(t, 1, rec.Calls(), "stage %s", id)
		assert.Equal(t, models.StageStatusSucceeded, got.Stages[id].Status)
		assert.Equal(t, 1, got.Stages[id].Attempts)
	}

	d := recs["D"].calls[0]
	assert.Equal(t, map[string]map[string]any{"B": {"by": "B"}, "C": {"by": "C"}}, d.Upstream)
	assert.Equal(t, "https://example.com", d.Params["url"])

	events := h.eventTypes()
	assert.Equal(t, "flow.started", events[0])
	assert.Equal(t, 4, count(events, "stage.started"))
	assert.Equal(t, 4, count(events, "stage.succeeded"))
	assert.Equal(t, 1, count(events, "flow.completed"))

	info, err := os.Stat(filepath.Join(h.root, "acme", "site", run.ID))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestEngine_ConcurrentSiblingsEnqueueJoinOnce(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	barrier := func(ctx context.Context, _ agents.Input, actx *agents.Context) (agents.Output, error) {
		arrived.Done()
		done := make(chan struct{})
		go func() { arrived.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			return nil, errors.New("sibling never ran concurrently")
		}
		return agents.Output{"by": actx.StageID}, nil
	}
	recs, list := stageAgents("A", "B", "C", "D")
	recs["B"].run = barrier
	recs["C"].run = barrier
	h := newHarness(t, []models.WorkflowDefinition{diamond(func(id string) string { return "agent_" + id })}, list, Options{})
	ctx := context.Background()

	run, err := h.engine.StartFlow(ctx, "diamond", FlowInput{TenantID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, DefaultProject, run.ProjectID)

	n, err := h.worker.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = h.worker.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "B and C run in the same poll")

	pending := h.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, run.ID+":D:1", pending[0].ID)

	h.drain(t)
	assert.Equal(t, 1, recs["D"].Calls())
}

func TestEngine_DuplicateDeliveryRunsAgentOnce(t *testing.T) {
	recs, list := stageAgents("A", "B", "C", "D")
	h := newHarness(t, []models.WorkflowDefinition{diamond(func(id string) string { return "agent_" + id })}, list, Options{})
	ctx := context.Background()

	run, err := h.engine.StartFlow(ctx, "diamond", FlowInput{TenantID: "acme"})
	require.NoError(t, err)
	job := h.queue.Pending()[0]

	require.NoError(t, h.engine.HandleStageJob(ctx, job))
	require.NoError(t, h.engine.HandleStageJob(ctx, job))
	assert.Equal(t, 1, recs["A"].Calls())

	got, err := h.engine.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Stages["B"].PendingDeps)
	assert.Equal(t, 0, got.Stages["C"].PendingDeps)
}

func TestEngine_RetriesTransientFailures(t *testing.T) {
	var attempts atomic.Int32
	flaky := &recorder{id: "flaky", run: func(context.Context, agents.Input, *agents.Context) (agents.Output, error) {
		if attempts.Add(1) < 3 {
			return nil, apperrors.Transient(errors.New("connection reset"))
		}
		return agents.Output{"ok": true}, nil
	}}
	def := models.WorkflowDefinition{Name: "single", Stages: []models.StageDefinition{{
		ID: "fetch", AgentID: "flaky",
		RetryPolicy: models.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 10 * time.Second, Multiplier: 2},
	}}}
	h := newHarness(t, []models.WorkflowDefinition{def}, []agents.Agent{flaky}, Options{})
	ctx := context.Background()

	run, err := h.engine.StartFlow(ctx, "single", FlowInput{TenantID: "acme"})
	require.NoError(t, err)

	_, err = h.worker.ProcessOnce(ctx)
	require.NoError(t, err)
	pending := h.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, run.ID+":fetch:2", pending[0].ID)
	assert.Equal(t, h.clock.Now().Add(time.Second), pending[0].RunAt, "first retry waits the initial backoff")

	h.drain(t)

	got, err := h.engine.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, got.Status)
	assert.Equal(t, 3, got.Stages["fetch"].Attempts)
	assert.Equal(t, 2, count(h.eventTypes(), "stage.retrying"))
}

func TestEngine_ExhaustedRetriesSkipDependentsOnly(t *testing.T) {
	broken := &recorder{id: "broken", run: func(context.Context, agents.Input, *agents.Context) (agents.Output, error) {
		return nil, errors.New("upstream 503")
	}}
	ok := &recorder{id: "ok"}
	def := models.WorkflowDefinition{Name: "branches", Stages: []models.StageDefinition{
		{ID: "A", AgentID: "broken", RetryPolicy: models.RetryPolicy{MaxAttempts: 2}},
		{ID: "B", AgentID: "ok", DependsOn: []string{"A"}},
		{ID: "C", AgentID: "ok", DependsOn: []string{"B"}},
		{ID: "X", AgentID: "ok"},
	}}
	h := newHarness(t, []models.WorkflowDefinition{def}, []agents.Agent{broken, ok}, Options{})
	ctx := context.Background()

	run, err := h.engine.StartFlow(ctx, "branches", FlowInput{TenantID: "acme"})
	require.NoError(t, err)
	h.drain(t)

	got, err := h.engine.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.Equal(t, models.StageStatusFailed, got.Stages["A"].Status)
	assert.Equal(t, 2, got.Stages["A"].Attempts)
	assert.Equal(t, "upstream 503", got.Stages["A"].Error)
	assert.Equal(t, models.StageStatusSkipped, got.Stages["B"].Status)
	assert.Equal(t, models.StageStatusSkipped, got.Stages["C"].Status)
	assert.Equal(t, models.StageStatusSucceeded, got.Stages["X"].Status, "unrelated branch continues")
	assert.Equal(t, 2, broken.Calls())
	assert.Equal(t, 1, ok.Calls())
	assert.Equal(t, 2, count(h.eventTypes(), "stage.skipped"))
}

func TestEngine_FatalErrorsAreNotRetried(t *testing.T) {
	denied := &recorder{id: "denied", run: func(context.Context, agents.Input, *agents.Context) (agents.Output, error) {
		return nil, apperrors.Denied("fs_mode", "write requires read-write")
	}}
	def := models.WorkflowDefinition{Name: "single", Stages: []models.StageDefinition{{ID: "s", AgentID: "denied"}}}
	h := newHarness(t, []models.WorkflowDefinition{def}, []agents.Agent{denied}, Options{})
	ctx := context.Background()

	run, err := h.engine.StartFlow(ctx, "single", FlowInput{TenantID: "acme"})
	require.NoError(t, err)
	h.drain(t)

	got, err := h.engine.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageStatusFailed, got.Stages["s"].Status)
	assert.Equal(t, 1, got.Stages["s"].Attempts)
	assert.Equal(t, 0, count(h.eventTypes(), "stage.retrying"))
}

func TestEngine_StageTimeout(t *testing.T) {
	slow := &recorder{id: "slow", run: func(ctx context.Context, _ agents.Input, _ *agents.Context) (agents.Output, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	def := models.WorkflowDefinition{Name: "single", Stages: []models.StageDefinition{{
		ID: "s", AgentID: "slow", Timeout: 20 * time.Millisecond, RetryPolicy: models.RetryPolicy{MaxAttempts: 1},
	}}}
	h := newHarness(t, []models.WorkflowDefinition{def}, []agents.Agent{slow}, Options{CancelPoll: time.Hour})
	ctx := context.Background()

	run, err := h.engine.StartFlow(ctx, "single", FlowInput{TenantID: "acme"})
	require.NoError(t, err)
	h.drain(t)

	got, err := h.engine.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageStatusFailed, got.Stages["s"].Status)
	assert.Contains(t, got.Stages["s"].Error, "timeout")
}

func TestEngine_CancelBeforePickupDropsJobs(t *testing.T) {
	recs, list := stageAgents("A", "B", "C", "D")
	h := newHarness(t, []models.WorkflowDefinition{diamond(func(id string) string { return "agent_" + id })}, list, Options{})
	ctx := context.Background()

	run, err := h.engine.StartFlow(ctx, "diamond", FlowInput{TenantID: "acme"})
	require.NoError(t, err)
	got, err := h.engine.CancelFlow(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, got.Status)
	for id, st := range got.Stages {
		assert.Equal(t, models.StageStatusSkipped, st.Status, "stage %s", id)
	}

	h.drain(t)
	assert.Equal(t, 0, recs["A"].Calls(), "queued root is dropped at pickup")

	again, err := h.engine.CancelFlow(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, again.Status)
	events := h.eventTypes()
	assert.Equal(t, 1, count(events, "flow.cancelled"))
	assert.Equal(t, 4, count(events, "stage.skipped"))
}

func TestEngine_CancelStopsInFlightAgent(t *testing.T) {
	started := make(chan struct{})
	var sawCancel atomic.Bool
	blocking := &recorder{id: "blocking", run: func(ctx context.Context, _ agents.Input, actx *agents.Context) (agents.Output, error) {
		close(started)
		<-ctx.Done()
		sawCancel.Store(errors.Is(actx.CheckCancelled(context.Background()), apperrors.ErrCancelled))
		return nil, ctx.Err()
	}}
	after := &recorder{id: "after"}
	def := models.WorkflowDefinition{Name: "pair", Stages: []models.StageDefinition{
		{ID: "first", AgentID: "blocking"},
		{ID: "second", AgentID: "after", DependsOn: []string{"first"}},
	}}
	h := newHarness(t, []models.WorkflowDefinition{def}, []agents.Agent{blocking, after}, Options{})
	ctx := context.Background()

	run, err := h.engine.StartFlow(ctx, "pair", FlowInput{TenantID: "acme"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.worker.ProcessOnce(ctx)
		done <- err
	}()
	<-started
	_, err = h.engine.CancelFlow(ctx, run.ID)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight agent did not observe cancellation")
	}
	assert.True(t, sawCancel.Load())

	got, err := h.engine.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, got.Status)
	assert.Equal(t, models.StageStatusFailed, got.Stages["first"].Status)
	assert.Contains(t, got.Stages["first"].Error, apperrors.ErrCancelled.Error())
	assert.Equal(t, models.StageStatusSkipped, got.Stages["second"].Status)
	assert.Equal(t, 0, after.Calls())
	assert.Zero(t, h.queue.Len())
}

func TestEngine_StartFlowErrors(t *testing.T) {
	_, list := stageAgents("A", "B", "C", "D")
	h := newHarness(t, []models.WorkflowDefinition{diamond(func(id string) string { return "agent_" + id })}, list, Options{})
	ctx := context.Background()

	_, err := h.engine.StartFlow(ctx, "missing", FlowInput{TenantID: "acme"})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = h.engine.StartFlow(ctx, "diamond", FlowInput{TenantID: "../etc"})
	var verr *apperrors.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Zero(t, h.queue.Len())

	_, err = h.engine.GetRun(ctx, "nope")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestNew_RejectsUnknownAgents(t *testing.T) {
	flows := dag.NewRegistry()
	_, err := flows.Register(diamond(func(string) string { return "ghost" }))
	require.NoError(t, err)

	_, err = New(flows, agents.NewRegistry(), tools.NewRegistry(), repository.NewMemoryRunStore(), queue.NewMemoryQueue(), nil, logging.Discard(), Options{})
	assert.ErrorIs(t, err, apperrors.ErrAgentNotFound)
}

func TestEngine_StaleRunningStageIsTakenOver(t *testing.T) {
	recs, list := stageAgents("A", "B", "C", "D")
	h := newHarness(t, []models.WorkflowDefinition{diamond(func(id string) string { return "agent_" + id })}, list, Options{StaleAfter: time.Millisecond})
	ctx := context.Background()

	run, err := h.engine.StartFlow(ctx, "diamond", FlowInput{TenantID: "acme"})
	require.NoError(t, err)
	// A worker claimed A and crashed before settling it.
	claimed, err := h.runs.ClaimStage(ctx, run.ID, "A", 1, time.Hour)
	require.NoError(t, err)
	require.True(t, claimed)
	time.Sleep(5 * time.Millisecond)

	h.drain(t)
	assert.Equal(t, 1, recs["A"].Calls())
	got, err := h.engine.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, got.Status)
}

func TestEngine_FailedDependentEnqueueIsRedriven(t *testing.T) {
	recs, list := stageAgents("A", "B")
	def := models.WorkflowDefinition{Name: "chain", Stages: []models.StageDefinition{
		{ID: "A", AgentID: "agent_A"},
		{ID: "B", AgentID: "agent_B", DependsOn: []string{"A"}},
	}}
	var flaky *flakyQueue
	h := newHarnessWithQueue(t, []models.WorkflowDefinition{def}, list, Options{}, func(q queue.Queue) queue.Queue {
		flaky = newFlakyQueue(q, ":B:1")
		return flaky
	})
	ctx := context.Background()

	run, err := h.engine.StartFlow(ctx, "chain", FlowInput{TenantID: "acme"})
	require.NoError(t, err)

	_, err = h.worker.ProcessOnce(ctx)
	require.NoError(t, err)
	got, err := h.engine.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, models.StageStatusSucceeded, got.Stages["A"].Status)
	require.Equal(t, 1, flaky.Failures())
	pending := h.queue.Pending()
	require.Len(t, pending, 1, "the settled job is redelivered")
	assert.Equal(t, run.ID+":A:1", pending[0].ID)

	h.drain(t)

	got, err = h.engine.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, got.Status)
	assert.Equal(t, models.StageStatusSucceeded, got.Stages["B"].Status)
	assert.Equal(t, 1, recs["A"].Calls(), "redelivery does not rerun the settled stage")
	assert.Equal(t, 1, recs["B"].Calls())
	assert.Equal(t, 1, count(h.eventTypes(), "flow.completed"))
}

func TestEngine_FailedRetryEnqueueIsRedriven(t *testing.T) {
	var attempts atomic.Int32
	flakyAgent := &recorder{id: "flaky", run: func(context.Context, agents.Input, *agents.Context) (agents.Output, error) {
		if attempts.Add(1) == 1 {
			return nil, apperrors.Transient(errors.New("connection reset"))
		}
		return agents.Output{"ok": true}, nil
	}}
	def := models.WorkflowDefinition{Name: "single", Stages: []models.StageDefinition{{
		ID: "fetch", AgentID: "flaky", RetryPolicy: models.RetryPolicy{MaxAttempts: 3},
	}}}
	var flaky *flakyQueue
	h := newHarnessWithQueue(t, []models.WorkflowDefinition{def}, []agents.Agent{flakyAgent}, Options{}, func(q queue.Queue) queue.Queue {
		flaky = newFlakyQueue(q, ":fetch:2")
		return flaky
	})
	ctx := context.Background()

	run, err := h.engine.StartFlow(ctx, "single", FlowInput{TenantID: "acme"})
	require.NoError(t, err)
	h.drain(t)

	assert.Equal(t, 1, flaky.Failures())
	got, err := h.engine.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, got.Status)
	assert.Equal(t, 2, got.Stages["fetch"].Attempts)
	assert.Equal(t, 2, flakyAgent.Calls())
}

func TestEngine_DiamondFailedBranchSkipsJoin(t *testing.T) {
	recs, list := stageAgents("A", "B", "C", "D")
	var started sync.WaitGroup
	started.Add(2)
	release := make(chan struct{})
	gate := func(result error) func(context.Context, agents.Input, *agents.Context) (agents.Output, error) {
		return func(ctx context.Context, _ agents.Input, actx *agents.Context) (agents.Output, error) {
			started.Done()
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if result != nil {
				return nil, result
			}
			return agents.Output{"by": actx.StageID}, nil
		}
	}
	recs["B"].run = gate(apperrors.Validationf("keyword list is empty"))
	recs["C"].run = gate(nil)
	h := newHarness(t, []models.WorkflowDefinition{diamond(func(id string) string { return "agent_" + id })}, list, Options{})
	ctx := context.Background()

	run, err := h.engine.StartFlow(ctx, "diamond", FlowInput{TenantID: "acme"})
	require.NoError(t, err)
	_, err = h.worker.ProcessOnce(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := h.worker.ProcessOnce(ctx)
		done <- err
	}()
	started.Wait()

	mid, err := h.engine.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StageStatusSucceeded, mid.Stages["A"].Status)
	assert.Equal(t, models.StageStatusRunning, mid.Stages["B"].Status)
	assert.Equal(t, models.StageStatusRunning, mid.Stages["C"].Status)
	assert.Equal(t, models.StageStatusPending, mid.Stages["D"].Status)
	assert.Equal(t, 2, mid.Stages["D"].PendingDeps)

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("branches did not settle")
	}
	h.drain(t)

	got, err := h.engine.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.Equal(t, models.StageStatusFailed, got.Stages["B"].Status)
	assert.Equal(t, 1, got.Stages["B"].Attempts, "fatal errors are not retried")
	assert.Equal(t, models.StageStatusSucceeded, got.Stages["C"].Status)
	assert.Equal(t, models.StageStatusSkipped, got.Stages["D"].Status)
	assert.Equal(t, 0, recs["D"].Calls())
	assert.Zero(t, h.queue.Len())

	events := h.eventTypes()
	assert.Equal(t, 1, count(events, "stage.failed"))
	assert.Equal(t, 1, count(events, "stage.skipped"))
	assert.Equal(t, 1, count(events, "flow.completed"))
}

func TestEngine_SettledStageWithUnreleasedDependentIsRedriven(t *testing.T) {
	recs, list := stageAgents("A", "B")
	def := models.WorkflowDefinition{Name: "chain", Stages: []models.StageDefinition{
		{ID: "A", AgentID: "agent_A"},
		{ID: "B", AgentID: "agent_B", DependsOn: []string{"A"}},
	}}
	h := newHarness(t, []models.WorkflowDefinition{def}, list, Options{})
	ctx := context.Background()

	run, err := h.engine.StartFlow(ctx, "chain", FlowInput{TenantID: "acme"})
	require.NoError(t, err)
	// A worker recorded A's success and died before releasing B.
	claimed, err := h.runs.ClaimStage(ctx, run.ID, "A", 1, time.Hour)
	require.NoError(t, err)
	require.True(t, claimed)
	ok, err := h.runs.FinishStage(ctx, run.ID, "A", 1, repository.StageUpdate{Status: models.StageStatusSucceeded, Output: map[string]any{"by": "A"}})
	require.NoError(t, err)
	require.True(t, ok)

	h.drain(t)

	got, err := h.engine.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, got.Status)
	assert.Equal(t, 0, got.Stages["B"].PendingDeps)
	assert.Equal(t, 0, recs["A"].Calls())
	assert.Equal(t, 1, recs["B"].Calls())
}
