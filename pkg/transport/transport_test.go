package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcprepl-proxy/pkg/events"
	"github.com/stacklok/mcprepl-proxy/pkg/registry"
	"github.com/stacklok/mcprepl-proxy/pkg/security"
	"github.com/stacklok/mcprepl-proxy/pkg/session"
	"github.com/stacklok/mcprepl-proxy/pkg/telemetry"
	"github.com/stacklok/mcprepl-proxy/pkg/toolset"
)

type fakeRegistry struct {
	snaps map[string]registry.Snapshot
}

func (f *fakeRegistry) List() []registry.Snapshot {
	out := make([]registry.Snapshot, 0, len(f.snaps))
	for _, s := range f.snaps {
		out = append(out, s)
	}
	return out
}

func (f *fakeRegistry) Get(id string) (registry.Snapshot, bool) {
	s, ok := f.snaps[id]
	return s, ok
}

func (f *fakeRegistry) Unregister(id string) {
	delete(f.snaps, id)
}

func (f *fakeRegistry) Register(id string, port, pid int, metadata map[string]string) error {
	f.snaps[id] = registry.Snapshot{ID: id, Port: port, PID: pid, Status: registry.StatusReady}
	return nil
}

func (f *fakeRegistry) Heartbeat(id string, port, pid int, metadata map[string]string) {
	f.snaps[id] = registry.Snapshot{ID: id, Port: port, PID: pid, Status: registry.StatusReady}
}

type fakeRouter struct {
	target string
	err    error
	body   []byte
	status int
}

func (f *fakeRouter) Resolve(r *http.Request) (string, error) {
	return f.target, f.err
}

func (f *fakeRouter) Forward(ctx context.Context, target string, header http.Header, body []byte) ([]byte, int, error) {
	return f.body, f.status, nil
}

func newTestFront() *Front {
	gate := security.NewGate(&security.Config{Mode: security.ModeLax})
	sessions := session.New()
	bus := events.NewBus(10)
	reg := &fakeRegistry{snaps: map[string]registry.Snapshot{}}
	rt := &fakeRouter{target: "a", body: []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`), status: http.StatusOK}
	tools := toolset.New(reg, nil, bus, 4000, time.Now())
	return New(gate, sessions, bus, reg, rt, tools, nil)
}

func TestHandleCORS(t *testing.T) {
	f := newTestFront()
	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	f.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandleGetNotAllowed(t *testing.T) {
	f := newTestFront()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	f.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHandleInitializeAssignsSessionID(t *testing.T) {
	f := newTestFront()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	f.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("Mcp-Session-Id"))
}

func TestHandleDeleteRequiresSessionHeader(t *testing.T) {
	f := newTestFront()
	req := httptest.NewRequest(http.MethodDelete, "/", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	f.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRPCForwardsUnknownMethodsToRouter(t *testing.T) {
	f := newTestFront()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"eval/run"}`))
	req.Header.Set("X-MCPRepl-Target", "a")
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	f.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "result")
}

func TestHandleRPCNoTargetReturnsJSONRPCError(t *testing.T) {
	f := newTestFront()
	f.rt = &fakeRouter{err: assertErr{}}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"2.0","id":3,"method":"eval/run"}`))
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	f.Handler().ServeHTTP(w, req)

	assert.Contains(t, w.Body.String(), "error")
}

func TestHandleRPCToolsListMergesBackendTools(t *testing.T) {
	f := newTestFront()
	reg := f.reg.(*fakeRegistry)
	reg.snaps["a"] = registry.Snapshot{ID: "a", Status: registry.StatusReady}
	f.rt = &fakeRouter{
		target: "a", status: http.StatusOK,
		body: []byte(`{"jsonrpc":"2.0","id":"proxy-tools-list","result":{"tools":[{"name":"backend_tool"}]}}`),
	}

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"2.0","id":4,"method":"tools/list"}`))
	req.Header.Set("X-MCPRepl-Target", "a")
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	f.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "backend_tool")
	assert.Contains(t, w.Body.String(), "proxy_status")
}

func TestHandleRPCEmptyBodyIsParseError(t *testing.T) {
	f := newTestFront()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	f.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "-32700")
}

func TestHandleRPCUnknownSessionIDReturnsNotFound(t *testing.T) {
	f := newTestFront()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"2.0","id":5,"method":"eval/run"}`))
	req.Header.Set("Mcp-Session-Id", "does-not-exist")
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	f.Handler().ServeHTTP(w, req)

	assert.Contains(t, w.Body.String(), "-32001")
}

type assertErr struct{}

func (assertErr) Error() string { return "no target" }

func TestDashboardMetricsNotFoundWhenTelemetryDisabled(t *testing.T) {
	f := newTestFront()
	req := httptest.NewRequest(http.MethodGet, "/dashboard/api/metrics", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	f.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDashboardMetricsServedWhenTelemetryEnabled(t *testing.T) {
	f := newTestFront()
	m, _, err := telemetry.New(telemetry.Config{EnableMetricsPath: true}, func() int64 { return 0 })
	require.NoError(t, err)
	f.metrics = m

	req := httptest.NewRequest(http.MethodGet, "/dashboard/api/metrics", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	w := httptest.NewRecorder()
	f.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
