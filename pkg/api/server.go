package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/debug-host/debug-host/pkg/log"
	"github.com/debug-host/debug-host/pkg/telemetry"
	"github.com/debug-host/debug-host/pkg/types"
)

const shutdownTimeout = 10 * time.Second

// Server runs the two loopback listeners: the MCP-style server and the
// auxiliary REST server.
type Server struct {
	svc    *Service
	mcp    *echo.Echo
	rest   *echo.Echo
	addr   string
	mcpP   int
	restP  int
	logger zerolog.Logger
}

// NewServer builds both echo instances with routes attached
func NewServer(svc *Service) *Server {
	s := &Server{
		svc:    svc,
		addr:   svc.cfg.BindAddr,
		mcpP:   svc.cfg.MCPPort,
		restP:  svc.cfg.APIPort,
		logger: log.WithComponent("api"),
	}
	s.mcp = s.newEcho()
	s.rest = s.newEcho()
	s.routes()
	return s
}

func (s *Server) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.telemetryMiddleware())
	e.HTTPErrorHandler = s.errorHandler
	return e
}

// telemetryMiddleware records request counters and latency
func (s *Server) telemetryMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = statusFor(types.CodeOf(err))
				}
			}
			method := c.Request().Method
			telemetry.APIRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
			telemetry.APIRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// errorEnvelope is the wire shape of every request-scoped error
type errorEnvelope struct {
	Error *types.Error `json:"error"`
}

// statusFor maps error codes to HTTP statuses
func statusFor(code types.ErrorCode) int {
	switch code {
	case types.ErrValidation, types.ErrInvalidPort, types.ErrPortOutOfRange,
		types.ErrSystemReserved, types.ErrInvalidProjectType:
		return http.StatusBadRequest
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrConflict, types.ErrPortInUse, types.ErrPortInUseExternal,
		types.ErrProjectMismatch, types.ErrStateViolation, types.ErrResourceExhausted,
		types.ErrNoAvailablePorts:
		return http.StatusConflict
	case types.ErrTimeout, types.ErrStartTimeout:
		return http.StatusRequestTimeout
	case types.ErrDaemonUnavailable, types.ErrExternal:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	if he, ok := err.(*echo.HTTPError); ok {
		msg := fmt.Sprintf("%v", he.Message)
		coded := types.NewError(types.ErrValidation, msg)
		if he.Code == http.StatusNotFound {
			coded = types.NewError(types.ErrNotFound, msg)
		}
		_ = c.JSON(he.Code, errorEnvelope{Error: coded})
		return
	}
	coded := types.AsError(err)
	_ = c.JSON(statusFor(coded.Code), errorEnvelope{Error: coded})
}

func (s *Server) routes() {
	// MCP-style surface plus the SSE log stream
	s.mcp.POST("/mcp/initialize", s.handleInitialize)
	s.mcp.POST("/mcp/tools/list", s.handleToolsList)
	s.mcp.POST("/mcp/tools/call", s.handleToolsCall)
	s.mcp.GET("/mcp/logs/:projectId/stream", s.handleLogStream)
	s.mcp.GET("/health", s.handleHealth)

	// auxiliary REST surface
	s.rest.GET("/health", s.handleHealth)
	s.rest.GET("/metrics", echo.WrapHandler(telemetry.Handler()))
	s.rest.GET("/api/docs", s.handleDocs)

	s.rest.GET("/api/servers", s.handleListProjects)
	s.rest.GET("/api/projects", s.handleListProjects)
	s.rest.POST("/api/projects", s.handleRegister)
	s.rest.GET("/api/servers/:id/status", s.handleProjectStatus)
	s.rest.POST("/api/projects/:id/start", s.handleStart)
	s.rest.POST("/api/projects/:id/stop", s.handleStop)
	s.rest.POST("/api/projects/:id/restart", s.handleRestart)
	s.rest.DELETE("/api/projects/:id", s.handleRemove)
	s.rest.GET("/api/projects/:id/health", s.handleProjectHealth)
	s.rest.GET("/api/projects/:id/config", s.handleGetConfig)
	s.rest.PUT("/api/projects/:id/config", s.handlePutConfig)
	s.rest.POST("/api/projects/batch", s.handleBatch)
	s.rest.POST("/api/projects/:id/exec", s.handleExec)

	s.rest.GET("/api/ports/suggest", s.handlePortSuggest)
	s.rest.GET("/api/ports/:port/check", s.handlePortCheck)

	s.rest.GET("/api/metrics/containers", s.handleMetricContainers)
	s.rest.GET("/api/metrics/stats", s.handleMetricStats)
	s.rest.GET("/api/metrics/:containerId", s.handleMetricLatest)
	s.rest.GET("/api/metrics/:containerId/history", s.handleMetricHistory)
	s.rest.GET("/api/metrics/:containerId/stream", s.handleMetricStream)

	s.rest.GET("/api/logs/:projectId/search", s.handleLogSearch)
}

// Start runs both listeners; it returns on the first fatal listen error
func (s *Server) Start() error {
	errCh := make(chan error, 2)
	go func() {
		addr := fmt.Sprintf("%s:%d", s.addr, s.mcpP)
		s.logger.Info().Str("addr", addr).Msg("mcp server listening")
		if err := s.mcp.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		addr := fmt.Sprintf("%s:%d", s.addr, s.restP)
		s.logger.Info().Str("addr", addr).Msg("rest server listening")
		if err := s.rest.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return <-errCh
}

// Shutdown drains both listeners
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	mcpErr := s.mcp.Shutdown(ctx)
	restErr := s.rest.Shutdown(ctx)
	if mcpErr != nil {
		return mcpErr
	}
	return restErr
}
