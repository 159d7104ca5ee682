package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/debug-host/debug-host/pkg/types"
)

func newTestServer(t *testing.T) (*Server, *testEnv) {
	t.Helper()
	env := newTestService(t)
	return NewServer(env.svc), env
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(echoContentType, "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

const echoContentType = "Content-Type"

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, body := doJSON(t, srv.rest, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "uptime")
}

func TestErrorEnvelopeShape(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, body := doJSON(t, srv.rest, http.MethodGet, "/api/servers/nope/status", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(types.ErrNotFound), errObj["code"])
	assert.NotEmpty(t, errObj["message"])
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		code types.ErrorCode
		want int
	}{
		{types.ErrValidation, http.StatusBadRequest},
		{types.ErrInvalidPort, http.StatusBadRequest},
		{types.ErrNotFound, http.StatusNotFound},
		{types.ErrConflict, http.StatusConflict},
		{types.ErrStateViolation, http.StatusConflict},
		{types.ErrNoAvailablePorts, http.StatusConflict},
		{types.ErrTimeout, http.StatusRequestTimeout},
		{types.ErrStartTimeout, http.StatusRequestTimeout},
		{types.ErrDaemonUnavailable, http.StatusBadGateway},
		{types.ErrInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.code), string(tc.code))
	}
}

func TestRegisterEndpoint(t *testing.T) {
	srv, env := newTestServer(t)
	payload := `{"name":"web","path":"` + env.workspace + `","type":"node","command":"npm start"}`
	rec, body := doJSON(t, srv.rest, http.MethodPost, "/api/projects", payload)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "web", body["name"])
	assert.NotEmpty(t, body["id"])
}

func TestRegisterEndpointRejectsBadBody(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, body := doJSON(t, srv.rest, http.MethodPost, "/api/projects", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, string(types.ErrValidation), errObj["code"])
}

func TestLifecycleEndpoints(t *testing.T) {
	srv, env := newTestServer(t)
	p := registerNode(t, env, "web")

	rec, body := doJSON(t, srv.rest, http.MethodPost, "/api/projects/"+p.ID+"/start", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(types.ProjectStateRunning), body["state"])

	rec, _ = doJSON(t, srv.rest, http.MethodPost, "/api/projects/"+p.ID+"/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, body = doJSON(t, srv.rest, http.MethodPost, "/api/projects/"+p.ID+"/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(types.ProjectStateStopped), body["state"])

	rec, _ = doJSON(t, srv.rest, http.MethodDelete, "/api/projects/"+p.ID, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPortEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	rec, body := doJSON(t, srv.rest, http.MethodGet, "/api/ports/suggest?type=node&count=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["ports"], 2)

	rec, body = doJSON(t, srv.rest, http.MethodGet, "/api/ports/3000/check", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3000), body["port"])
	assert.Equal(t, false, body["allocated"])

	rec, _ = doJSON(t, srv.rest, http.MethodGet, "/api/ports/banana/check", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricHistoryValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, body := doJSON(t, srv.rest, http.MethodGet, "/api/metrics/ctr-1/history?limit=banana", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, string(types.ErrValidation), errObj["code"])
}

func TestDocsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec, body := doJSON(t, srv.rest, http.MethodGet, "/api/docs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "debug-host", body["service"])
	assert.NotEmpty(t, body["endpoints"])
	assert.NotEmpty(t, body["tools"])
}

func TestShutdownIsClean(t *testing.T) {
	srv, _ := newTestServer(t)
	assert.NoError(t, srv.Shutdown(context.Background()))
}
