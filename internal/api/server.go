// Package api exposes the orchestration subsystem over HTTP.
package api

import (
	"context"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"seo-agents/backend/internal/apperrors"
	"seo-agents/backend/internal/eventbus"
	"seo-agents/backend/internal/logging"
	"seo-agents/backend/internal/services"
	"seo-agents/backend/pkg/models"
)

const (
	// TenantHeader carries the caller's tenant on every /api/v1 request.
	TenantHeader = "X-Tenant-ID"
	tenantKey    = "tenant"
)

var tenantRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Server holds the HTTP handlers.
type Server struct {
	flows  *services.FlowService
	stream *eventbus.StreamHandler
	logger *logging.Logger
	ready  func(ctx context.Context) error
}

// NewServer creates a Server. ready may be nil, in which case /readyz
// always reports ok.
func NewServer(flows *services.FlowService, stream *eventbus.StreamHandler, logger *logging.Logger, ready func(ctx context.Context) error) *Server {
	return &Server{flows: flows, stream: stream, logger: logger.Component("api"), ready: ready}
}

// New returns an echo instance with the middleware chain and every route
// registered.
func (s *Server) New() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler(s.logger)
	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware("seo-agents"))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("Request handled",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			)
			return nil
		},
	}))
	s.Register(e)
	return e
}

// Register mounts the routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.HandleHealth)
	e.GET("/readyz", s.HandleReady)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	g := e.Group("/api/v1", requireTenant)
	g.GET("/workflows", s.listWorkflows)
	g.POST("/flows/:name/runs", s.startFlow)
	g.GET("/runs", s.listRuns)
	g.GET("/runs/:id", s.getRun)
	g.POST("/runs/:id/cancel", s.cancelRun)
	g.GET("/schedules", s.listSchedules)
	g.GET("/schedules/triggers", s.listTriggers)
	g.PUT("/schedules/:id", s.upsertSchedule)
	g.GET("/schedules/:id", s.getSchedule)
	g.DELETE("/schedules/:id", s.removeSchedule)
	g.GET("/events", s.streamEvents)
}

// requireTenant resolves the tenant from the header, or the query string
// for websocket clients that cannot set headers.
func requireTenant(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		tenant := c.Request().Header.Get(TenantHeader)
		if tenant == "" {
			tenant = c.QueryParam("tenant")
		}
		if tenant == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing "+TenantHeader)
		}
		if !tenantRe.MatchString(tenant) {
			return apperrors.Validationf("invalid tenant id %q", tenant)
		}
		c.Set(tenantKey, tenant)
		return next(c)
	}
}

func tenantOf(c echo.Context) string {
	t, _ := c.Get(tenantKey).(string)
	return t
}

type startFlowRequest struct {
	ProjectID string         `json:"project_id"`
	Params    map[string]any `json:"params"`
}

func (s *Server) listWorkflows(c echo.Context) error {
	return c.JSON(http.StatusOK, s.flows.Workflows())
}

func (s *Server) startFlow(c echo.Context) error {
	var req startFlowRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return apperrors.Validationf("invalid request body: %v", err)
		}
	}
	run, err := s.flows.StartFlow(c.Request().Context(), tenantOf(c), c.Param("name"), req.ProjectID, req.Params)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, run)
}

func (s *Server) listRuns(c echo.Context) error {
	runs, err := s.flows.ListRuns(c.Request().Context(), tenantOf(c))
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []*models.FlowRun{}
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) getRun(c echo.Context) error {
	run, err := s.flows.GetRun(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) cancelRun(c echo.Context) error {
	run, err := s.flows.CancelFlow(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) listSchedules(c echo.Context) error {
	out, err := s.flows.ListSchedules(c.Request().Context(), tenantOf(c))
	if err != nil {
		return err
	}
	if out == nil {
		out = []*models.Schedule{}
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) listTriggers(c echo.Context) error {
	out, err := s.flows.Triggers(c.Request().Context(), tenantOf(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) upsertSchedule(c echo.Context) error {
	var sched models.Schedule
	if err := c.Bind(&sched); err != nil {
		return apperrors.Validationf("invalid request body: %v", err)
	}
	sched.ID = c.Param("id")
	saved, err := s.flows.UpsertSchedule(c.Request().Context(), tenantOf(c), sched)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, saved)
}

func (s *Server) getSchedule(c echo.Context) error {
	sched, err := s.flows.GetSchedule(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sched)
}

func (s *Server) removeSchedule(c echo.Context) error {
	if err := s.flows.RemoveSchedule(c.Request().Context(), tenantOf(c), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// streamEvents hijacks the connection, so any error after the upgrade has
// already been reported to the client.
func (s *Server) streamEvents(c echo.Context) error {
	if s.stream == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "event stream disabled")
	}
	_ = s.stream.Serve(c.Response(), c.Request(), tenantOf(c))
	return nil
}
