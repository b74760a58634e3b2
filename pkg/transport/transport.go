// Package transport implements the TransportFront (spec §4.1): the single
// streamable-HTTP JSON-RPC endpoint MCP clients talk to, plus the
// dashboard's REST/SSE surface (spec §6).
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/stacklok/mcprepl-proxy/pkg/events"
	"github.com/stacklok/mcprepl-proxy/pkg/logger"
	"github.com/stacklok/mcprepl-proxy/pkg/registry"
	"github.com/stacklok/mcprepl-proxy/pkg/router"
	"github.com/stacklok/mcprepl-proxy/pkg/security"
	"github.com/stacklok/mcprepl-proxy/pkg/session"
	"github.com/stacklok/mcprepl-proxy/pkg/telemetry"
	"github.com/stacklok/mcprepl-proxy/pkg/toolset"
)

// DefaultRateLimit caps requests per second, per client IP, ahead of the
// security gate (spec §4.1/§7 "defend against a misbehaving client before
// it reaches routing logic"); burst is double that (20 req/s, burst 40).
const DefaultRateLimit = 20

// DefaultSSEPollInterval governs how often the dashboard SSE stream
// flushes to the client when idle (spec §9(a), resolved).
const DefaultSSEPollInterval = 500 * time.Millisecond

const middlewareTimeout = 60 * time.Second
const readHeaderTimeout = 10 * time.Second

// backendToolsListTimeout bounds the synchronous fetch of a bound backend's
// own tools/list when answering the proxy-wide tools/list (spec §4.1
// "fetched synchronously with a short timeout (fallback: proxy tools only)").
const backendToolsListTimeout = 3 * time.Second

// Registry is the subset of *registry.Registry TransportFront needs.
type Registry interface {
	List() []registry.Snapshot
	Get(id string) (registry.Snapshot, bool)
	Register(id string, port, pid int, metadata map[string]string) error
	Unregister(id string)
	Heartbeat(id string, port, pid int, metadata map[string]string)
}

// Router is the subset of *router.Router TransportFront needs.
type Router interface {
	Resolve(r *http.Request) (string, error)
	Forward(ctx context.Context, target string, header http.Header, body []byte) ([]byte, int, error)
}

// Front wires the security gate, session table, event bus, registry,
// router, and proxy toolset into one HTTP handler (spec §4.1).
type Front struct {
	gate      *security.Gate
	sessions  *session.SessionTable
	bus       *events.Bus
	reg       Registry
	rt        Router
	tools     *toolset.Toolset
	metrics   *telemetry.Metrics
	startedAt time.Time
	proxyPort int

	// OnSelfShutdown/OnSelfRestart back the dashboard's self-destruct
	// endpoints (spec §4.1 "POST .../restart, POST .../shutdown"). pkg/proxy
	// does not set them; a nil hook answers 501.
	OnSelfShutdown func()
	OnSelfRestart  func()

	limiters *perIPLimiters
}

// New constructs a Front. metrics may be nil, in which case
// /dashboard/api/metrics responds 404 rather than panicking (spec's
// Non-goals exclude requiring metrics to be always-on).
func New(gate *security.Gate, sessions *session.SessionTable, bus *events.Bus, reg Registry, rt Router, tools *toolset.Toolset, metrics *telemetry.Metrics) *Front {
	return &Front{
		gate:      gate,
		sessions:  sessions,
		bus:       bus,
		reg:       reg,
		rt:        rt,
		tools:     tools,
		metrics:   metrics,
		startedAt: time.Now().UTC(),
		limiters:  newPerIPLimiters(rate.Limit(DefaultRateLimit), DefaultRateLimit*2),
	}
}

// SetProxyPort records the port the proxy is bound to, used by
// /dashboard/api/proxy-info.
func (f *Front) SetProxyPort(port int) { f.proxyPort = port }

// Handler builds the full chi router: JSON-RPC at "/", dashboard REST and
// SSE under "/dashboard/api" (spec §4.1, §6).
func (f *Front) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Timeout(middlewareTimeout), f.recoverer)

	r.Route("/", func(r chi.Router) {
		r.Use(f.rateLimit)
		r.Post("/", f.handleRPC)
		r.Options("/", f.handleCORS)
		r.Delete("/", f.handleDelete)
		r.Get("/", f.handleGetNotAllowed)
	})

	r.Route("/dashboard/api", func(r chi.Router) {
		r.Get("/proxy-info", f.dashboardProxyInfo)
		r.Get("/sessions", f.dashboardSessions)
		r.Post("/session/{id}/shutdown", f.dashboardSessionShutdown)
		r.Post("/session/{id}/restart", f.dashboardSessionRestart)
		r.Get("/tools", f.dashboardTools)
		r.Get("/directories", f.dashboardDirectories)
		r.Get("/logs", f.dashboardLogs)
		r.Get("/events", f.dashboardEvents)
		r.Get("/events/stream", f.dashboardEventStream)
		r.Get("/metrics", f.dashboardMetrics)
		r.Post("/restart", f.dashboardSelfRestart)
		r.Post("/shutdown", f.dashboardSelfShutdown)
	})

	r.Get("/dashboard/*", f.dashboardStatic)

	return r
}

// Serve runs the HTTP server on addr until ctx is cancelled (spec §4.1
// "own HTTP server lifecycle"), mirroring the teacher's Serve shape.
func (f *Front) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              addr,
		Handler:           f.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// recoverer catches panics at the HTTP handler boundary and replies with a
// sanitized JSON-RPC -32603, matching spec §7's "Internal errors" taxonomy
// (panics are caught at the connection boundary, never crash the process).
func (f *Front) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Errorw("panic handling request", "error", rec, "path", r.URL.Path)
				f.writeJSONRPCErrorFull(w, "null", -32603, "internal error", http.StatusInternalServerError, nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (f *Front) handleCORS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", router.SessionHeader+", "+router.TargetHeader+", Authorization, Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

func (f *Front) handleGetNotAllowed(w http.ResponseWriter, _ *http.Request) {
	f.writeJSONRPCErrorFull(w, "null", -32600, "method not allowed; use POST for JSON-RPC (SSE is not offered on this path)", http.StatusMethodNotAllowed, nil)
}

func (f *Front) handleDelete(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get(router.SessionHeader)
	if sid == "" {
		http.Error(w, "missing "+router.SessionHeader, http.StatusBadRequest)
		return
	}
	f.sessions.Delete(sid)
	w.WriteHeader(http.StatusNoContent)
}

// rpcEnvelope is the generic JSON-RPC 2.0 request shape (spec §6).
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

func (f *Front) handleRPC(w http.ResponseWriter, r *http.Request) {
	if rej := f.gate.Check(r); rej != nil {
		f.writeJSONRPCErrorFull(w, "null", -32000, rej.Message, rej.StatusCode(), nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		f.writeJSONRPCErrorFull(w, "null", -32700, "failed to read request body", http.StatusBadRequest, nil)
		return
	}
	if len(body) == 0 {
		f.writeJSONRPCErrorFull(w, "null", -32700, "empty request body", http.StatusBadRequest, nil)
		return
	}

	var env rpcEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		f.writeJSONRPCErrorFull(w, "null", -32700, "parse error: "+err.Error(), http.StatusBadRequest, nil)
		return
	}

	if strings.HasPrefix(env.Method, "notifications/") {
		w.WriteHeader(http.StatusOK)
		return
	}

	sid := r.Header.Get(router.SessionHeader)
	var clientSession *session.ClientSession
	if sid != "" {
		s, ok := f.sessions.Get(sid)
		if !ok {
			f.writeJSONRPCError(w, string(env.ID), -32001, "session not found")
			return
		}
		s.Touch()
		clientSession = s
	}

	f.bus.Publish(events.Event{
		Type: events.TypeRequest, Method: env.Method, RequestID: string(env.ID), SessionID: sid,
	})

	switch env.Method {
	case "initialize":
		f.handleInitialize(w, r, env)
	case "logging/setLevel":
		f.handleLoggingSetLevel(w, env)
	case "tools/list":
		f.handleToolsList(w, r, env)
	case "prompts/list", "resources/list":
		f.writeResult(w, env.ID, map[string]any{"prompts": []any{}, "resources": []any{}})
	case "proxy/register":
		f.handleProxyRegister(w, env)
	case "proxy/unregister":
		f.handleProxyUnregister(w, env)
	case "proxy/heartbeat":
		f.handleProxyHeartbeat(w, env)
	case "proxy/status":
		f.handleProxyStatus(w, env)
	case "tools/call":
		f.handleToolsCall(w, r, env, body, clientSession)
	default:
		f.handleGenericForward(w, r, env, body)
	}
}

func (f *Front) handleInitialize(w http.ResponseWriter, r *http.Request, env rpcEnvelope) {
	existingSID := r.Header.Get(router.SessionHeader)
	if existingSID != "" {
		if s, ok := f.sessions.Get(existingSID); ok && s.Initialized {
			f.writeJSONRPCError(w, string(env.ID), -32600, "session already initialized")
			return
		}
	}

	s := f.sessions.Create()
	s.Initialized = true
	if target := r.Header.Get(router.TargetHeader); target != "" {
		s.TargetID = target
	}

	w.Header().Set(router.SessionHeader, s.ID)
	f.writeResult(w, env.ID, map[string]any{
		"protocolVersion": "2024-11-05",
		"serverInfo":      map[string]any{"name": "mcprepl-proxy", "version": "0.1.0"},
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"prompts":   map[string]any{},
			"resources": map[string]any{},
			"logging":   map[string]any{},
		},
	})
}

// rfc5424Levels maps the subset of RFC 5424 severity names the `logging/
// setLevel` method accepts onto slog's four levels (spec §4.1).
var rfc5424Levels = map[string]slog.Level{
	"debug":     slog.LevelDebug,
	"info":      slog.LevelInfo,
	"notice":    slog.LevelInfo,
	"warning":   slog.LevelWarn,
	"warn":      slog.LevelWarn,
	"error":     slog.LevelError,
	"err":       slog.LevelError,
	"critical":  slog.LevelError,
	"crit":      slog.LevelError,
	"alert":     slog.LevelError,
	"emergency": slog.LevelError,
	"emerg":     slog.LevelError,
}

func (f *Front) handleLoggingSetLevel(w http.ResponseWriter, env rpcEnvelope) {
	var params struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(env.Params, &params); err != nil {
		f.writeJSONRPCError(w, string(env.ID), -32602, "invalid params: "+err.Error())
		return
	}
	level, ok := rfc5424Levels[strings.ToLower(params.Level)]
	if !ok {
		f.writeJSONRPCError(w, string(env.ID), -32602, fmt.Sprintf("unknown log level %q", params.Level))
		return
	}
	logger.SetLevel(level)
	f.writeResult(w, env.ID, map[string]any{})
}

func (f *Front) resolveOptionalTarget(r *http.Request) string {
	if sid := r.Header.Get(router.SessionHeader); sid != "" {
		if s, ok := f.sessions.Get(sid); ok && s.TargetID != "" {
			return s.TargetID
		}
	}
	return r.Header.Get(router.TargetHeader)
}

func (f *Front) handleToolsList(w http.ResponseWriter, r *http.Request, env rpcEnvelope) {
	tools := make([]any, 0, len(f.tools.Tools()))
	for _, t := range f.tools.Tools() {
		tools = append(tools, t)
	}

	target := f.resolveOptionalTarget(r)
	if target != "" {
		if snap, ok := f.reg.Get(target); ok && snap.Status == registry.StatusReady {
			ctx, cancel := context.WithTimeout(r.Context(), backendToolsListTimeout)
			defer cancel()
			reqBody := []byte(`{"jsonrpc":"2.0","id":"proxy-tools-list","method":"tools/list"}`)
			respBody, status, err := f.rt.Forward(ctx, target, r.Header, reqBody)
			if err == nil && status == http.StatusOK {
				var parsed struct {
					Result struct {
						Tools []json.RawMessage `json:"tools"`
					} `json:"result"`
				}
				if json.Unmarshal(respBody, &parsed) == nil {
					for _, t := range parsed.Result.Tools {
						tools = append(tools, t)
					}
				}
			}
		}
	}

	f.writeResult(w, env.ID, map[string]any{"tools": tools})
}

func (f *Front) isProxyTool(name string) bool {
	for _, t := range f.tools.Tools() {
		if t.Name == name {
			return true
		}
	}
	return false
}

func (f *Front) handleToolsCall(w http.ResponseWriter, r *http.Request, env rpcEnvelope, body []byte, _ *session.ClientSession) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(env.Params, &params); err != nil {
		f.writeJSONRPCError(w, string(env.ID), -32602, "invalid params: "+err.Error())
		return
	}

	if !f.isProxyTool(params.Name) {
		// forwardNow (reached via handleGenericForward) publishes its own
		// TOOL_CALL/OUTPUT pair for "tools/call" bodies (spec §8 S1);
		// publishing here too would double them, so the proxy-tool branch
		// below is the only other TOOL_CALL/OUTPUT source.
		f.handleGenericForward(w, r, env, body)
		return
	}

	start := time.Now()
	f.bus.Publish(events.Event{Type: events.TypeToolCall, Method: "tools/call", RequestID: string(env.ID), Payload: map[string]any{"tool": params.Name}})

	result, err := f.tools.Call(r.Context(), params.Name, params.Arguments)
	if err != nil {
		f.writeJSONRPCError(w, string(env.ID), -32603, err.Error())
		return
	}

	f.bus.Publish(events.Event{
		Type: events.TypeOutput, Method: "tools/call", RequestID: string(env.ID),
		Payload: map[string]any{"tool": params.Name, "duration_millis": time.Since(start).Milliseconds(), "is_error": result.IsError},
	})

	f.writeResult(w, env.ID, result)
}

func (f *Front) handleGenericForward(w http.ResponseWriter, r *http.Request, env rpcEnvelope, body []byte) {
	target, err := f.rt.Resolve(r)
	if err != nil {
		f.writeNoTargetError(w, env)
		return
	}

	snap, known := f.reg.Get(target)
	var done chan struct{}
	if known && snap.Status != registry.StatusReady && snap.Status != registry.StatusStopped {
		done = make(chan struct{})
		if flusher, ok := w.(http.Flusher); ok {
			go router.RunKeepalive(r.Context(), w, flusher, router.KeepaliveInterval(env.Method), router.KeepaliveFiller(env.Method), nil, done)
		}
	}

	respBody, status, err := f.rt.Forward(r.Context(), target, r.Header, body)
	if done != nil {
		close(done)
	}
	if err != nil {
		f.writeForwardError(w, env, target, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

func (f *Front) writeNoTargetError(w http.ResponseWriter, env rpcEnvelope) {
	backends := f.reg.List()
	if len(backends) == 0 {
		f.writeJSONRPCError(w, string(env.ID), -32002, "no Julia REPL backends registered; call start_julia_session with a project_path to launch one")
		return
	}
	names := make([]string, 0, len(backends))
	for _, b := range backends {
		names = append(names, b.ID)
	}
	sort.Strings(names)
	f.writeJSONRPCError(w, string(env.ID), -32002, fmt.Sprintf("no target backend: set Mcp-Session-Id or X-MCPRepl-Target to one of %v", names))
}

func (f *Front) writeForwardError(w http.ResponseWriter, env rpcEnvelope, target string, err error) {
	logger.Warnw("forward failed", "target", target, "method", env.Method, "error", err)

	var notFound *registry.NotFoundError
	switch {
	case errors.As(err, &notFound):
		f.writeJSONRPCErrorFull(w, string(env.ID), -32002, err.Error(), http.StatusNotFound, nil)
	case errors.Is(err, router.ErrStopped):
		f.writeJSONRPCErrorFull(w, string(env.ID), -32003, err.Error(), http.StatusServiceUnavailable, nil)
	default:
		f.writeJSONRPCErrorFull(w, string(env.ID), -32005, err.Error(), http.StatusServiceUnavailable, nil)
	}
}

type registerParams struct {
	ID       string            `json:"id"`
	Port     int               `json:"port"`
	PID      int               `json:"pid"`
	Metadata map[string]string `json:"metadata"`
}

func (f *Front) handleProxyRegister(w http.ResponseWriter, env rpcEnvelope) {
	var p registerParams
	if err := json.Unmarshal(env.Params, &p); err != nil {
		f.writeJSONRPCError(w, string(env.ID), -32602, "invalid params: "+err.Error())
		return
	}
	if err := f.reg.Register(p.ID, p.Port, p.PID, p.Metadata); err != nil {
		var dup *registry.DuplicateRegistrationError
		if errors.As(err, &dup) {
			f.writeJSONRPCErrorFull(w, string(env.ID), -32000, err.Error(), http.StatusConflict, map[string]any{
				"existing_pid": dup.ExistingPID, "existing_port": dup.ExistingPort,
				"requested_pid": dup.RequestedPID, "requested_port": dup.RequestedPort,
			})
			return
		}
		f.writeJSONRPCError(w, string(env.ID), -32603, err.Error())
		return
	}
	f.writeResult(w, env.ID, map[string]any{"status": "registered"})
}

func (f *Front) handleProxyUnregister(w http.ResponseWriter, env rpcEnvelope) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(env.Params, &p); err != nil {
		f.writeJSONRPCError(w, string(env.ID), -32602, "invalid params: "+err.Error())
		return
	}
	f.reg.Unregister(p.ID)
	f.writeResult(w, env.ID, map[string]any{"status": "unregistered"})
}

func (f *Front) handleProxyHeartbeat(w http.ResponseWriter, env rpcEnvelope) {
	var p registerParams
	if err := json.Unmarshal(env.Params, &p); err != nil {
		f.writeJSONRPCError(w, string(env.ID), -32602, "invalid params: "+err.Error())
		return
	}
	f.reg.Heartbeat(p.ID, p.Port, p.PID, p.Metadata)
	f.bus.Publish(events.Event{Type: events.TypeHeartbeat, BackendID: p.ID})
	f.writeResult(w, env.ID, map[string]any{"status": "ok"})
}

func (f *Front) handleProxyStatus(w http.ResponseWriter, env rpcEnvelope) {
	snapshots := f.reg.List()
	counts := map[string]int{}
	for _, s := range snapshots {
		counts[string(s.Status)]++
	}
	f.writeResult(w, env.ID, map[string]any{
		"uptime_seconds":   time.Since(f.startedAt).Seconds(),
		"registered_count": len(snapshots),
		"status_counts":    counts,
	})
}

func (f *Front) writeResult(w http.ResponseWriter, id json.RawMessage, result any) {
	w.Header().Set("Content-Type", "application/json")
	resp, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": idOrNull(id), "result": result})
	if err != nil {
		f.writeJSONRPCErrorFull(w, string(id), -32603, "failed to marshal result: "+err.Error(), http.StatusInternalServerError, nil)
		return
	}
	_, _ = w.Write(resp)
}

func idOrNull(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

func (f *Front) writeJSONRPCError(w http.ResponseWriter, id string, code int, message string) {
	f.writeJSONRPCErrorFull(w, id, code, message, http.StatusOK, nil)
}

func (f *Front) writeJSONRPCErrorFull(w http.ResponseWriter, id string, code int, message string, status int, data any) {
	if id == "" {
		id = "null"
	}
	errObj := map[string]any{"code": code, "message": message}
	if data != nil {
		errObj["data"] = data
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      json.RawMessage(id),
		"error":   errObj,
	})
	_, _ = w.Write(resp)
}

func (f *Front) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := security.ClientIP(r)
		if !f.limiters.allow(ip) {
			f.writeJSONRPCErrorFull(w, "null", -32000, "rate limit exceeded", http.StatusTooManyRequests, nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
