package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"seo-agents/backend/internal/apperrors"
	"seo-agents/backend/internal/logging"
)

// Version is reported by the health endpoints.
const Version = "1.0.0"

// HealthStatus represents the health check response
type HealthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Detail    string    `json:"detail,omitempty"`
}

// HandleHealth returns basic health status (always returns 200 OK)
func (s *Server) HandleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthStatus{
		Status:    "ok",
		Timestamp: time.Now(),
		Service:   "seo-agents",
		Version:   Version,
	})
}

// HandleReady reports 503 while a dependency such as the database is unreachable.
func (s *Server) HandleReady(c echo.Context) error {
	status := HealthStatus{Status: "ok", Timestamp: time.Now(), Service: "seo-agents", Version: Version}
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			status.Status = "unavailable"
			status.Detail = err.Error()
			return c.JSON(http.StatusServiceUnavailable, status)
		}
	}
	return c.JSON(http.StatusOK, status)
}

// ProblemDetails represents an RFC 7807 Problem Details response
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// statusOf maps an error to its HTTP status and title.
func statusOf(err error) (int, string) {
	var verr *apperrors.ValidationError
	var herr *echo.HTTPError
	switch {
	case errors.As(err, &herr):
		return herr.Code, http.StatusText(herr.Code)
	case errors.As(err, &verr):
		return http.StatusBadRequest, "Invalid Request"
	case errors.Is(err, apperrors.ErrNotFound), errors.Is(err, apperrors.ErrAgentNotFound), errors.Is(err, apperrors.ErrToolNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, apperrors.ErrScheduleConflict):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, apperrors.ErrPermissionDenied):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, apperrors.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Timeout"
	case errors.Is(err, apperrors.ErrTransientIO):
		return http.StatusServiceUnavailable, "Service Unavailable"
	}
	return http.StatusInternalServerError, "Internal Server Error"
}

// ErrorHandler writes every handler error as an RFC 7807 Problem Details
// JSON response.
func ErrorHandler(logger *logging.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, title := statusOf(err)
		detail := err.Error()
		var herr *echo.HTTPError
		if errors.As(err, &herr) {
			if msg, ok := herr.Message.(string); ok {
				detail = msg
			}
		}
		if status >= http.StatusInternalServerError {
			logger.Error("Request failed", "method", c.Request().Method, "path", c.Path(), "status", status, "error", err)
		}
		problem := ProblemDetails{
			Type:     "about:blank",
			Title:    title,
			Status:   status,
			Detail:   detail,
			Instance: c.Request().URL.Path,
		}
		c.Response().Header().Set(echo.HeaderContentType, "application/problem+json")
		c.Response().WriteHeader(status)
		if err := c.Echo().JSONSerializer.Serialize(c, problem, ""); err != nil {
			logger.Error("Failed to encode problem response", "error", err)
		}
	}
}
