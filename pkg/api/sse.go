package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/debug-host/debug-host/pkg/logs"
	"github.com/debug-host/debug-host/pkg/metrics"
	"github.com/debug-host/debug-host/pkg/types"
)

const heartbeatEvery = 30 * time.Second

// sseWriter frames events onto an established event stream
type sseWriter struct {
	resp *echo.Response
}

func newSSEWriter(c echo.Context) *sseWriter {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set("Cache-Control", "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	return &sseWriter{resp: resp}
}

// send writes one named event with a JSON payload and flushes
func (w *sseWriter) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w.resp, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	w.resp.Flush()
	return nil
}

// sendError emits the error event; the stream stays HTTP 200 on the wire
func (w *sseWriter) sendError(err error) {
	_ = w.send("error", errorEnvelope{Error: types.AsError(err)})
}

// handleLogStream is the SSE log stream for one project's container
func (s *Server) handleLogStream(c echo.Context) error {
	projectID := c.Param("projectId")

	containerName := c.QueryParam("containerName")
	if containerName == "" {
		_, name, err := s.svc.containerNameFor(projectID)
		if err != nil {
			return err
		}
		containerName = name
	}

	filter, err := logFilterFromQuery(c)
	if err != nil {
		return err
	}

	tail := 0
	if raw := c.QueryParam("tail"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			tail = v
		}
	}
	includeHistory := c.QueryParam("includeHistory") == "true"
	follow := c.QueryParam("follow") != "false"

	w := newSSEWriter(c)
	if err := w.send("connected", map[string]any{
		"projectId": projectID,
		"container": containerName,
	}); err != nil {
		return nil
	}

	sub := s.svc.logBroker.Subscribe(containerName, filter)
	defer s.svc.logBroker.Unsubscribe(sub)

	if includeHistory || tail > 0 {
		history := s.svc.logStore.Tail(containerName, tail)
		delivered := 0
		for i, e := range history {
			if !filter.Match(e) {
				continue
			}
			if err := w.send("historical", map[string]any{
				"entry":  e,
				"isLast": i == len(history)-1,
			}); err != nil {
				return nil
			}
			delivered++
			if delivered%10 == 0 && i < len(history)-1 {
				time.Sleep(25 * time.Millisecond)
			}
		}
	}
	if !follow {
		return nil
	}

	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()
	ctx := c.Request().Context()

	for {
		select {
		case entry := <-sub.C:
			if err := w.send("message", entry); err != nil {
				return nil
			}
		case <-heartbeat.C:
			if err := w.send("heartbeat", map[string]int64{"time": time.Now().UnixMilli()}); err != nil {
				return nil
			}
		case <-sub.Done:
			w.sendError(types.NewError(types.ErrInternal, "log subscription terminated"))
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// logFilterFromQuery builds the subscriber filter from query parameters
func logFilterFromQuery(c echo.Context) (logs.Filter, error) {
	filter := logs.Filter{
		Stream:   types.LogStream(c.QueryParam("stream")),
		Contains: c.QueryParam("search"),
	}
	if raw := c.QueryParam("level"); raw != "" {
		for _, l := range strings.Split(raw, ",") {
			filter.Levels = append(filter.Levels, types.LogLevel(strings.TrimSpace(l)))
		}
	}
	if raw := c.QueryParam("regex"); raw != "" {
		re, err := regexp.Compile(raw)
		if err != nil {
			return filter, types.WrapError(types.ErrValidation, "invalid regex filter", err)
		}
		filter.Regex = re
	}
	return filter, nil
}

// handleMetricStream is the SSE metric stream for one container
func (s *Server) handleMetricStream(c echo.Context) error {
	containerID := c.Param("containerId")

	interval := metrics.Interval(c.QueryParam("interval"))
	if interval != "" {
		if _, ok := metrics.IntervalDuration(interval); !ok {
			return types.Errorf(types.ErrValidation, "unknown interval %q", interval)
		}
	}

	var kinds []metrics.MetricKind
	if raw := c.QueryParam("metrics"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			switch kind := metrics.MetricKind(strings.TrimSpace(k)); kind {
			case metrics.MetricCPU, metrics.MetricMemory, metrics.MetricNetwork, metrics.MetricDisk:
				kinds = append(kinds, kind)
			default:
				return types.Errorf(types.ErrValidation, "unknown metric family %q", k)
			}
		}
	}
	includeHistory := c.QueryParam("includeHistory") == "true"

	w := newSSEWriter(c)
	if err := w.send("stream_started", map[string]any{
		"container": containerID,
		"interval":  interval,
	}); err != nil {
		return nil
	}

	sub := s.svc.metStream.Subscribe(containerID, interval, kinds, includeHistory)
	defer s.svc.metStream.Unsubscribe(sub)

	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()
	ctx := c.Request().Context()

	for {
		select {
		case ev := <-sub.C:
			if err := w.send(ev.Type, ev); err != nil {
				return nil
			}
		case <-heartbeat.C:
			if err := w.send("heartbeat", map[string]int64{"time": time.Now().UnixMilli()}); err != nil {
				return nil
			}
		case <-sub.Done:
			w.sendError(types.NewError(types.ErrInternal, "metric subscription terminated"))
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
