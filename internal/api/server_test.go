package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seo-agents/backend/internal/agents"
	"seo-agents/backend/internal/cache"
	"seo-agents/backend/internal/dag"
	"seo-agents/backend/internal/eventbus"
	"seo-agents/backend/internal/logging"
	"seo-agents/backend/internal/orchestrator"
	"seo-agents/backend/internal/outbox"
	"seo-agents/backend/internal/queue"
	"seo-agents/backend/internal/repository"
	"seo-agents/backend/internal/scheduler"
	"seo-agents/backend/internal/services"
	"seo-agents/backend/internal/tools"
	"seo-agents/backend/internal/workflows"
	"seo-agents/backend/pkg/models"
)

type testStack struct {
	handler http.Handler
	bus     *eventbus.Bus
	queue   *queue.MemoryQueue
}

func newTestStack(t *testing.T, ready func(context.Context) error) *testStack {
	t.Helper()
	logger := logging.Discard()

	flows := dag.NewRegistry()
	defs, err := workflows.Builtin()
	require.NoError(t, err)
	require.NoError(t, workflows.RegisterAll(flows, defs))

	agentReg := agents.NewRegistry()
	require.NoError(t, agents.RegisterBuiltins(agentReg))
	toolReg := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(toolReg, nil))

	q := queue.NewMemoryQueue()
	events := outbox.NewWriter(outbox.NewMemoryStore())
	engine, err := orchestrator.New(flows, agentReg, toolReg, repository.NewMemoryRunStore(), q, events, logger,
		orchestrator.Options{WorkspaceRoot: t.TempDir()})
	require.NoError(t, err)
	sched := scheduler.New(repository.NewMemoryScheduleStore(), q, engine, events, logger)

	bus := eventbus.New(logger)
	svc := services.NewFlowService(engine, sched, cache.New(64, time.Minute))
	srv := NewServer(svc, eventbus.NewStreamHandler(bus, logger), logger, ready)
	return &testStack{handler: srv.New(), bus: bus, queue: q}
}

func (s *testStack) do(t *testing.T, method, path, tenant, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if tenant != "" {
		req.Header.Set(TenantHeader, tenant)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) ProblemDetails {
	t.Helper()
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var p ProblemDetails
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestHealthAndReadiness(t *testing.T) {
	stack := newTestStack(t, func(context.Context) error { return errors.New("db down") })

	rec := stack.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = stack.do(t, http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "db down", status.Detail)
}

func TestMetricsEndpoint(t *testing.T) {
	stack := newTestStack(t, nil)
	rec := stack.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestAPI_RequiresTenant(t *testing.T) {
	stack := newTestStack(t, nil)

	rec := stack.do(t, http.MethodGet, "/api/v1/runs", "", "")
	assert.Equal(t, http.StatusUnauthorized, decodeProblem(t, rec).Status)

	rec = stack.do(t, http.MethodGet, "/api/v1/runs", "../etc", "")
	assert.Equal(t, http.StatusBadRequest, decodeProblem(t, rec).Status)
}

func TestAPI_StartAndInspectRun(t *testing.T) {
	stack := newTestStack(t, nil)

	rec := stack.do(t, http.MethodPost, "/api/v1/flows/seo_audit/runs", "acme",
		`{"project_id":"site","params":{"url":"https://example.com"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var run models.FlowRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "acme", run.TenantID)
	assert.Equal(t, models.RunStatusRunning, run.Status)
	assert.Equal(t, 1, stack.queue.Len(), "only the root stage is enqueued")

	rec = stack.do(t, http.MethodGet, "/api/v1/runs/"+run.ID, "acme", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = stack.do(t, http.MethodGet, "/api/v1/runs/"+run.ID, "globex", "")
	assert.Equal(t, http.StatusNotFound, decodeProblem(t, rec).Status)

	rec = stack.do(t, http.MethodGet, "/api/v1/runs", "acme", "")
	var runs []models.FlowRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs, 1)

	rec = stack.do(t, http.MethodPost, "/api/v1/runs/"+run.ID+"/cancel", "acme", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, models.RunStatusCancelled, run.Status)
}

func TestAPI_UnknownFlowIsNotFound(t *testing.T) {
	stack := newTestStack(t, nil)
	rec := stack.do(t, http.MethodPost, "/api/v1/flows/nope/runs", "acme", "")
	p := decodeProblem(t, rec)
	assert.Equal(t, http.StatusNotFound, p.Status)
	assert.Equal(t, "/api/v1/flows/nope/runs", p.Instance)
}

func TestAPI_ScheduleLifecycle(t *testing.T) {
	stack := newTestStack(t, nil)

	rec := stack.do(t, http.MethodPut, "/api/v1/schedules/weekly", "acme",
		`{"flow_name":"keyword_refresh","cron":"0 6 * * 1","enabled":true}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = stack.do(t, http.MethodGet, "/api/v1/schedules/triggers", "acme", "")
	var infos []models.ScheduleInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "0 6 * * 1", infos[0].Pattern)

	rec = stack.do(t, http.MethodPut, "/api/v1/schedules/weekly", "acme",
		`{"flow_name":"seo_audit","cron":"0 6 * * 1","enabled":true}`)
	assert.Equal(t, http.StatusConflict, decodeProblem(t, rec).Status)

	rec = stack.do(t, http.MethodPut, "/api/v1/schedules/bad", "acme",
		`{"flow_name":"keyword_refresh","cron":"not a cron","enabled":true}`)
	assert.Equal(t, http.StatusBadRequest, decodeProblem(t, rec).Status)

	rec = stack.do(t, http.MethodGet, "/api/v1/schedules", "acme", "")
	var scheds []models.Schedule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &scheds))
	assert.Len(t, scheds, 1)

	rec = stack.do(t, http.MethodDelete, "/api/v1/schedules/weekly", "acme", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = stack.do(t, http.MethodGet, "/api/v1/schedules/weekly", "acme", "")
	assert.Equal(t, http.StatusNotFound, decodeProblem(t, rec).Status)
}

func TestAPI_EventStream(t *testing.T) {
	stack := newTestStack(t, nil)
	srv := httptest.NewServer(stack.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events?tenant=acme"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return stack.bus.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	_, err = stack.bus.Publish(ctx, "outbox-1", models.EventScope{TenantID: "globex"}, "flow.started", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = stack.bus.Publish(ctx, "outbox-2", models.EventScope{TenantID: "acme"}, "flow.completed", json.RawMessage(`{"status":"succeeded"}`))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev models.AgentEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "outbox-2", ev.ID)
	assert.Equal(t, "flow.completed", ev.Type)
}
