package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/debug-host/debug-host/pkg/logs"
	"github.com/debug-host/debug-host/pkg/metrics"
	"github.com/debug-host/debug-host/pkg/types"
)

const protocolVersion = "2024-11-05"

// handleInitialize reports capabilities and server identity
func (s *Server) handleInitialize(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": false},
			"resources": map[string]any{},
			"logging":   map[string]any{},
		},
		"serverInfo": map[string]string{
			"name":    "debug-host",
			"version": s.svc.version,
		},
	})
}

func (s *Server) handleToolsList(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"tools": toolDefinitions()})
}

type toolCallRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// handleToolsCall dispatches a tool invocation. Tool failures come back
// in-band as {result:null, error:{...}} with status 200 so the caller can
// distinguish transport problems from tool problems.
func (s *Server) handleToolsCall(c echo.Context) error {
	var req toolCallRequest
	if err := c.Bind(&req); err != nil {
		return types.WrapError(types.ErrValidation, "invalid request body", err)
	}
	if req.Name == "" {
		return types.NewError(types.ErrValidation, "tool name is required")
	}

	result, err := s.callTool(c, req.Name, req.Arguments)
	if err != nil {
		return c.JSON(http.StatusOK, map[string]any{
			"result": nil,
			"error":  types.AsError(err),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"result": result,
		"error":  nil,
	})
}

// bindArgs decodes the arguments payload into a tool-specific struct
func bindArgs(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return types.WrapError(types.ErrValidation, "invalid tool arguments", err)
	}
	return nil
}

func (s *Server) callTool(c echo.Context, name string, raw json.RawMessage) (any, error) {
	ctx := c.Request().Context()

	switch name {
	case "register_project":
		var req RegisterRequest
		if err := bindArgs(raw, &req); err != nil {
			return nil, err
		}
		return s.svc.Register(req)

	case "list_projects":
		return map[string]any{"projects": s.svc.ListStatuses()}, nil

	case "project_status":
		var args struct {
			ID string `json:"id"`
		}
		if err := bindArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.svc.Status(args.ID)

	case "start_project":
		var args struct {
			ID     string `json:"id"`
			Native bool   `json:"native"`
		}
		if err := bindArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.svc.Start(ctx, args.ID, args.Native)

	case "stop_project":
		var args struct {
			ID string `json:"id"`
		}
		if err := bindArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.svc.Stop(ctx, args.ID)

	case "restart_project":
		var args struct {
			ID string `json:"id"`
		}
		if err := bindArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.svc.Restart(ctx, args.ID)

	case "remove_project":
		var args struct {
			ID string `json:"id"`
		}
		if err := bindArgs(raw, &args); err != nil {
			return nil, err
		}
		if err := s.svc.Remove(ctx, args.ID); err != nil {
			return nil, err
		}
		return map[string]any{"removed": args.ID}, nil

	case "get_logs":
		var args struct {
			ID    string `json:"id"`
			Tail  int    `json:"tail"`
			Level string `json:"level"`
		}
		if err := bindArgs(raw, &args); err != nil {
			return nil, err
		}
		_, containerName, err := s.svc.containerNameFor(args.ID)
		if err != nil {
			return nil, err
		}
		if args.Tail <= 0 {
			args.Tail = 100
		}
		entries := s.svc.logStore.Tail(containerName, args.Tail)
		if args.Level != "" {
			filter := logs.Filter{Levels: []types.LogLevel{types.LogLevel(args.Level)}}
			kept := entries[:0]
			for _, e := range entries {
				if filter.Match(e) {
					kept = append(kept, e)
				}
			}
			entries = kept
		}
		return map[string]any{"container": containerName, "entries": entries}, nil

	case "search_logs":
		var args struct {
			ID        string `json:"id"`
			Query     string `json:"query"`
			Limit     int    `json:"limit"`
			StartTime int64  `json:"startTime"`
			EndTime   int64  `json:"endTime"`
			Facets    bool   `json:"facets"`
		}
		if err := bindArgs(raw, &args); err != nil {
			return nil, err
		}
		_, containerName, err := s.svc.containerNameFor(args.ID)
		if err != nil {
			return nil, err
		}
		return s.svc.search.Search(args.Query, logs.SearchOptions{
			Containers: []string{containerName},
			Limit:      args.Limit,
			StartTime:  args.StartTime,
			EndTime:    args.EndTime,
			Facets:     args.Facets,
		})

	case "get_metrics":
		var args struct {
			ContainerID string `json:"containerId"`
		}
		if err := bindArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.svc.metStore.Latest(args.ContainerID)

	case "metrics_history":
		var args struct {
			ContainerID string `json:"containerId"`
			Resolution  string `json:"resolution"`
			StartTime   int64  `json:"startTime"`
			EndTime     int64  `json:"endTime"`
			Limit       int    `json:"limit"`
		}
		if err := bindArgs(raw, &args); err != nil {
			return nil, err
		}
		return s.svc.metStore.Query(args.ContainerID, metrics.QueryOptions{
			Resolution: metrics.Resolution(args.Resolution),
			StartTime:  args.StartTime,
			EndTime:    args.EndTime,
			Limit:      args.Limit,
		})

	case "suggest_ports":
		var args struct {
			Type  string `json:"type"`
			Count int    `json:"count"`
		}
		if err := bindArgs(raw, &args); err != nil {
			return nil, err
		}
		if args.Count <= 0 {
			args.Count = 3
		}
		suggested, err := s.svc.ports.Suggest(types.ProjectType(args.Type), args.Count)
		if err != nil {
			return nil, err
		}
		return map[string]any{"type": args.Type, "ports": suggested}, nil

	case "check_port":
		var args struct {
			Port json.Number `json:"port"`
		}
		if err := bindArgs(raw, &args); err != nil {
			return nil, err
		}
		port, err := strconv.Atoi(args.Port.String())
		if err != nil {
			return nil, types.Errorf(types.ErrValidation, "invalid port %q", args.Port.String())
		}
		allocated, alloc, osFree := s.svc.ports.CheckPort(port)
		out := map[string]any{"port": port, "allocated": allocated, "osFree": osFree}
		if alloc != nil {
			out["allocation"] = alloc
		}
		return out, nil

	case "host_health":
		out := map[string]any{
			"uptime":   s.svc.Uptime().String(),
			"projects": s.svc.projects.Count(),
		}
		if s.svc.healthEng != nil {
			out["overall"] = s.svc.healthEng.Overall()
			out["components"] = s.svc.healthEng.Records()
		}
		if s.svc.recovery != nil {
			out["recovery"] = s.svc.recovery.Stats()
		}
		return out, nil
	}

	return nil, types.Errorf(types.ErrNotFound, "unknown tool %q", name)
}

// toolDefinition describes one callable tool
type toolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

func objectSchema(required []string, props map[string]any) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func boolProp(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}

func toolDefinitions() []toolDefinition {
	idOnly := objectSchema([]string{"id"}, map[string]any{
		"id": strProp("Project identifier"),
	})

	return []toolDefinition{
		{
			Name:        "register_project",
			Description: "Register a workspace directory as a managed project. Stack type, command and port are detected when omitted.",
			InputSchema: objectSchema([]string{"name", "path"}, map[string]any{
				"name":    strProp("Unique project name"),
				"path":    strProp("Absolute path to the workspace directory"),
				"type":    strProp("Stack type override (node, python, go, java, rust, php, ruby, dotnet, static)"),
				"port":    intProp("Preferred port; allocated from the stack band when omitted"),
				"command": strProp("Run command override"),
				"env":     map[string]any{"type": "object", "description": "Environment variables"},
			}),
		},
		{
			Name:        "list_projects",
			Description: "List every registered project with derived runtime status.",
			InputSchema: objectSchema(nil, map[string]any{}),
		},
		{
			Name:        "project_status",
			Description: "Status of one project: record, container state and latest metric sample.",
			InputSchema: idOnly,
		},
		{
			Name:        "start_project",
			Description: "Start a project in its container, or natively with native=true.",
			InputSchema: objectSchema([]string{"id"}, map[string]any{
				"id":     strProp("Project identifier"),
				"native": boolProp("Run as a host process instead of a container"),
			}),
		},
		{
			Name:        "stop_project",
			Description: "Stop a running project, honoring the configured grace period.",
			InputSchema: idOnly,
		},
		{
			Name:        "restart_project",
			Description: "Stop then start a project.",
			InputSchema: idOnly,
		},
		{
			Name:        "remove_project",
			Description: "Remove a project, its container and its port allocations.",
			InputSchema: idOnly,
		},
		{
			Name:        "get_logs",
			Description: "Recent log entries for a project, optionally filtered by level.",
			InputSchema: objectSchema([]string{"id"}, map[string]any{
				"id":    strProp("Project identifier"),
				"tail":  intProp("Number of entries, newest last (default 100)"),
				"level": strProp("Minimum level filter (debug, info, warn, error)"),
			}),
		},
		{
			Name:        "search_logs",
			Description: "Full-text search over a project's indexed logs.",
			InputSchema: objectSchema([]string{"id", "query"}, map[string]any{
				"id":        strProp("Project identifier"),
				"query":     strProp("Search query"),
				"limit":     intProp("Maximum hits"),
				"startTime": intProp("Window start, unix milliseconds"),
				"endTime":   intProp("Window end, unix milliseconds"),
				"facets":    boolProp("Include level and stream facet counts"),
			}),
		},
		{
			Name:        "get_metrics",
			Description: "Latest resource sample for a container.",
			InputSchema: objectSchema([]string{"containerId"}, map[string]any{
				"containerId": strProp("Container identifier or name"),
			}),
		},
		{
			Name:        "metrics_history",
			Description: "Historical samples for a container at raw or aggregated resolution.",
			InputSchema: objectSchema([]string{"containerId"}, map[string]any{
				"containerId": strProp("Container identifier or name"),
				"resolution":  strProp("raw, minute, fiveMinute, fifteenMinute, hour or day"),
				"startTime":   intProp("Window start, unix milliseconds"),
				"endTime":     intProp("Window end, unix milliseconds"),
				"limit":       intProp("Downsample to at most this many points"),
			}),
		},
		{
			Name:        "suggest_ports",
			Description: "Suggest free ports from the band for a stack type.",
			InputSchema: objectSchema([]string{"type"}, map[string]any{
				"type":  strProp("Stack type selecting the band"),
				"count": intProp("How many suggestions (default 3)"),
			}),
		},
		{
			Name:        "check_port",
			Description: "Report a port's allocation record and whether the OS considers it free.",
			InputSchema: objectSchema([]string{"port"}, map[string]any{
				"port": intProp("Port number"),
			}),
		},
		{
			Name:        "host_health",
			Description: "Overall host health with per-component records and recovery statistics.",
			InputSchema: objectSchema(nil, map[string]any{}),
		},
	}
}
