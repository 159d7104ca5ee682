package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/debug-host/debug-host/pkg/logs"
	"github.com/debug-host/debug-host/pkg/metrics"
	"github.com/debug-host/debug-host/pkg/types"
)

func (s *Server) handleHealth(c echo.Context) error {
	resp := map[string]any{
		"status":   "ok",
		"uptime":   s.svc.Uptime().String(),
		"projects": s.svc.projects.Count(),
	}
	if s.svc.healthEng != nil {
		resp["overall"] = s.svc.healthEng.Overall()
		resp["components"] = s.svc.healthEng.Records()
	}
	if s.svc.recovery != nil {
		resp["recovery"] = s.svc.recovery.Stats()
	}
	if s.svc.ports != nil {
		resp["ports"] = s.svc.ports.Stats()
	}
	if s.svc.metStore != nil {
		resp["metrics"] = s.svc.metStore.Stats()
	}
	if s.svc.logBroker != nil {
		resp["logSubscribers"] = s.svc.logBroker.SubscriberCount()
		resp["logSubscribersDropped"] = s.svc.logBroker.Dropped()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListProjects(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"projects": s.svc.ListStatuses()})
}

func (s *Server) handleRegister(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return types.WrapError(types.ErrValidation, "invalid request body", err)
	}
	p, err := s.svc.Register(req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) handleProjectStatus(c echo.Context) error {
	st, err := s.svc.Status(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleStart(c echo.Context) error {
	native := c.QueryParam("native") == "true"
	p, err := s.svc.Start(c.Request().Context(), c.Param("id"), native)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleStop(c echo.Context) error {
	p, err := s.svc.Stop(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleRestart(c echo.Context) error {
	p, err := s.svc.Restart(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleRemove(c echo.Context) error {
	if err := s.svc.Remove(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleProjectHealth(c echo.Context) error {
	h, err := s.svc.Health(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h)
}

func (s *Server) handleGetConfig(c echo.Context) error {
	p, err := s.svc.projects.Get(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ConfigUpdate{
		Env:         p.Env,
		Volumes:     p.Volumes,
		Port:        p.Port,
		NetworkMode: p.NetworkMode,
		Command:     p.Command,
	})
}

func (s *Server) handlePutConfig(c echo.Context) error {
	var upd ConfigUpdate
	if err := c.Bind(&upd); err != nil {
		return types.WrapError(types.ErrValidation, "invalid request body", err)
	}
	p, err := s.svc.UpdateConfig(c.Param("id"), upd)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

type batchRequest struct {
	Op  string   `json:"op"`
	IDs []string `json:"ids"`
}

func (s *Server) handleBatch(c echo.Context) error {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return types.WrapError(types.ErrValidation, "invalid request body", err)
	}
	results, err := s.svc.Batch(c.Request().Context(), req.Op, req.IDs)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"results": results})
}

type execRequest struct {
	Argv []string `json:"argv"`
}

func (s *Server) handleExec(c echo.Context) error {
	var req execRequest
	if err := c.Bind(&req); err != nil {
		return types.WrapError(types.ErrValidation, "invalid request body", err)
	}
	result, err := s.svc.Exec(c.Request().Context(), c.Param("id"), req.Argv)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handlePortSuggest(c echo.Context) error {
	ptype := types.ProjectType(c.QueryParam("type"))
	count := 3
	if raw := c.QueryParam("count"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			count = n
		}
	}
	suggested, err := s.svc.ports.Suggest(ptype, count)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"type": ptype, "ports": suggested})
}

func (s *Server) handlePortCheck(c echo.Context) error {
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil {
		return types.Errorf(types.ErrValidation, "invalid port %q", c.Param("port"))
	}
	allocated, alloc, osFree := s.svc.ports.CheckPort(port)
	resp := map[string]any{
		"port":      port,
		"allocated": allocated,
		"osFree":    osFree,
	}
	if alloc != nil {
		resp["allocation"] = alloc
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleMetricContainers(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"containers": s.svc.metStore.Containers()})
}

func (s *Server) handleMetricLatest(c echo.Context) error {
	sample, err := s.svc.metStore.Latest(c.Param("containerId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sample)
}

func (s *Server) handleMetricHistory(c echo.Context) error {
	opts := metrics.QueryOptions{
		Resolution: metrics.Resolution(c.QueryParam("resolution")),
	}
	if raw := c.QueryParam("startTime"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return types.Errorf(types.ErrValidation, "invalid startTime %q", raw)
		}
		opts.StartTime = v
	}
	if raw := c.QueryParam("endTime"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return types.Errorf(types.ErrValidation, "invalid endTime %q", raw)
		}
		opts.EndTime = v
	}
	if raw := c.QueryParam("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return types.Errorf(types.ErrValidation, "invalid limit %q", raw)
		}
		opts.Limit = v
	}
	result, err := s.svc.metStore.Query(c.Param("containerId"), opts)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleMetricStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.svc.metStore.Stats())
}

func (s *Server) handleLogSearch(c echo.Context) error {
	_, containerName, err := s.svc.containerNameFor(c.Param("projectId"))
	if err != nil {
		return err
	}

	opts := logs.SearchOptions{
		Containers: []string{containerName},
		Facets:     c.QueryParam("facets") == "true",
	}
	if raw := c.QueryParam("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			opts.Limit = v
		}
	}
	if raw := c.QueryParam("startTime"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			opts.StartTime = v
		}
	}
	if raw := c.QueryParam("endTime"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			opts.EndTime = v
		}
	}
	result, err := s.svc.search.Search(c.QueryParam("q"), opts)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

// handleDocs is the self-describing endpoint listing routes and tools
func (s *Server) handleDocs(c echo.Context) error {
	endpoints := []map[string]string{
		{"method": "POST", "path": "/mcp/initialize", "description": "Capabilities and server info"},
		{"method": "POST", "path": "/mcp/tools/list", "description": "List MCP tool definitions"},
		{"method": "POST", "path": "/mcp/tools/call", "description": "Invoke an MCP tool"},
		{"method": "GET", "path": "/mcp/logs/:projectId/stream", "description": "SSE log stream"},
		{"method": "GET", "path": "/health", "description": "Liveness, uptime, subsystem stats"},
		{"method": "GET", "path": "/metrics", "description": "Prometheus telemetry"},
		{"method": "GET", "path": "/api/docs", "description": "This document"},
		{"method": "GET", "path": "/api/projects", "description": "List projects with derived status"},
		{"method": "POST", "path": "/api/projects", "description": "Register a workspace"},
		{"method": "GET", "path": "/api/servers/:id/status", "description": "Single project status"},
		{"method": "POST", "path": "/api/projects/:id/start", "description": "Start a project (?native=true bypasses containers)"},
		{"method": "POST", "path": "/api/projects/:id/stop", "description": "Stop a project"},
		{"method": "POST", "path": "/api/projects/:id/restart", "description": "Restart a project"},
		{"method": "DELETE", "path": "/api/projects/:id", "description": "Remove a project"},
		{"method": "GET", "path": "/api/projects/:id/health", "description": "Project health"},
		{"method": "GET", "path": "/api/projects/:id/config", "description": "Project configuration"},
		{"method": "PUT", "path": "/api/projects/:id/config", "description": "Update project configuration"},
		{"method": "POST", "path": "/api/projects/batch", "description": "Batch start/stop/restart/remove"},
		{"method": "POST", "path": "/api/projects/:id/exec", "description": "Run a command in the container"},
		{"method": "GET", "path": "/api/ports/suggest", "description": "Suggest free ports for a stack"},
		{"method": "GET", "path": "/api/ports/:port/check", "description": "Check a port's allocation and OS state"},
		{"method": "GET", "path": "/api/metrics/containers", "description": "Containers with metric data"},
		{"method": "GET", "path": "/api/metrics/:containerId", "description": "Latest sample"},
		{"method": "GET", "path": "/api/metrics/:containerId/history", "description": "Historical samples"},
		{"method": "GET", "path": "/api/metrics/:containerId/stream", "description": "SSE metric stream"},
		{"method": "GET", "path": "/api/metrics/stats", "description": "Metric store counters"},
		{"method": "GET", "path": "/api/logs/:projectId/search", "description": "Search a project's logs"},
	}
	return c.JSON(http.StatusOK, map[string]any{
		"service":     "debug-host",
		"generatedAt": time.Now().Format(time.RFC3339),
		"endpoints":   endpoints,
		"tools":       toolDefinitions(),
	})
}
