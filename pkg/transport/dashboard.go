package transport

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/mcprepl-proxy/pkg/events"
	"github.com/stacklok/mcprepl-proxy/pkg/launcher"
	"github.com/stacklok/mcprepl-proxy/pkg/process"
)

// directoryListLimit caps how many entries /directories returns, per spec
// §6 "truncated to a reasonable number for display".
const directoryListLimit = 20

// dashboardProxyInfo reports the proxy's own identity for the dashboard
// header (spec §6 "/dashboard/api/proxy-info").
func (f *Front) dashboardProxyInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"port":          f.proxyPort,
		"uptime_seconds": time.Since(f.startedAt).Seconds(),
		"backend_count": len(f.reg.List()),
		"session_count": f.sessionCount(),
	})
}

func (f *Front) sessionCount() int {
	if f.sessions == nil {
		return 0
	}
	// SessionTable doesn't expose Len via the Front's Registry interface;
	// go through the concrete type since dashboard endpoints are
	// first-party, not proxied MCP traffic.
	return f.sessions.Len()
}

// dashboardSessions lists every registered backend's status (spec §6
// "/dashboard/api/sessions").
func (f *Front) dashboardSessions(w http.ResponseWriter, _ *http.Request) {
	snapshots := f.reg.List()
	out := make([]map[string]any, 0, len(snapshots))
	for _, s := range snapshots {
		out = append(out, map[string]any{
			"id":                s.ID,
			"status":            string(s.Status),
			"port":              s.Port,
			"pid":               s.PID,
			"last_heartbeat":    s.LastHeartbeat,
			"missed_heartbeats": s.MissedHeartbeats,
			"last_error":        s.LastError,
			"pending_count":     s.PendingCount,
		})
	}
	writeJSON(w, out)
}

// dashboardSessionShutdown unregisters the named backend, used by the
// dashboard's "shutdown session" button (spec §6).
func (f *Front) dashboardSessionShutdown(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := f.reg.Get(id)
	if !ok {
		http.Error(w, "backend not found", http.StatusNotFound)
		return
	}
	if snap.PID > 0 {
		_ = process.Terminate(snap.PID)
	}
	f.reg.Unregister(id)
	w.WriteHeader(http.StatusNoContent)
}

// dashboardSessionRestart terminates the named backend's process and
// unregisters it, leaving it to the client to relaunch via
// start_julia_session (spec §6 "restart session" button; the proxy itself
// has no record of the original project directory to relaunch with).
func (f *Front) dashboardSessionRestart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, ok := f.reg.Get(id)
	if !ok {
		http.Error(w, "backend not found", http.StatusNotFound)
		return
	}
	if snap.PID > 0 {
		_ = process.Terminate(snap.PID)
	}
	f.reg.Unregister(id)
	writeJSON(w, map[string]any{"status": "restarting", "id": id})
}

// dashboardTools reports the proxy's own tool catalog (spec §6
// "/dashboard/api/tools").
func (f *Front) dashboardTools(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, f.tools.Tools())
}

// dashboardDirectories lists the immediate children of a directory,
// flagging which look like Julia projects, for the dashboard's "start
// session" directory picker (spec §6 "/dashboard/api/directories").
func (f *Front) dashboardDirectories(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			http.Error(w, "cannot resolve home directory", http.StatusInternalServerError)
			return
		}
		path = home
	} else if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		http.Error(w, "cannot read directory: "+err.Error(), http.StatusBadRequest)
		return
	}

	type dirEntry struct {
		Name            string `json:"name"`
		Path            string `json:"path"`
		IsJuliaProject  bool   `json:"is_julia_project"`
	}
	dirs := make([]dirEntry, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		full := filepath.Join(path, e.Name())
		dirs = append(dirs, dirEntry{Name: e.Name(), Path: full, IsJuliaProject: launcher.IsJuliaProject(full)})
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name < dirs[j].Name })
	truncated := false
	if len(dirs) > directoryListLimit {
		dirs = dirs[:directoryListLimit]
		truncated = true
	}

	writeJSON(w, map[string]any{
		"path":             path,
		"is_julia_project": launcher.IsJuliaProject(path),
		"directories":      dirs,
		"truncated":        truncated,
	})
}

// dashboardLogs returns the tail of a backend's captured log, for the
// dashboard's log viewer (spec §6 "/dashboard/api/logs").
func (f *Front) dashboardLogs(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id query parameter", http.StatusBadRequest)
		return
	}
	lines := 0
	if raw := r.URL.Query().Get("lines"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			lines = n
		}
	}
	tail, err := f.tools.TailLog(id, lines)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"id": id, "log": tail})
}

// dashboardEvents returns recent events from the bus, optionally filtered
// to events after a watermark (since=) and/or restricted to one backend
// (id=), the same id= backend-ID semantic dashboardEventStream uses (spec
// §6 "/dashboard/api/events").
func (f *Front) dashboardEvents(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	recent := f.bus.Recent(limit)

	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err := strconv.ParseInt(raw, 10, 64)
		if err == nil {
			filtered := make([]events.Event, 0, len(recent))
			for _, ev := range recent {
				if ev.ID > since {
					filtered = append(filtered, ev)
				}
			}
			recent = filtered
		}
	}

	if backendID := r.URL.Query().Get("id"); backendID != "" {
		filtered := make([]events.Event, 0, len(recent))
		for _, ev := range recent {
			if ev.BackendID == backendID {
				filtered = append(filtered, ev)
			}
		}
		recent = filtered
	}

	writeJSON(w, recent)
}

// dashboardEventStream streams new events as Server-Sent Events (spec §6
// "/dashboard/api/events/stream", §9(a)). The first frame is always
// "event: connected" so the client can distinguish a fresh stream from a
// reconnect before any real events arrive.
func (f *Front) dashboardEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	backendID := r.URL.Query().Get("id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	_, _ = w.Write([]byte("event: connected\ndata: {}\n\n"))
	flusher.Flush()

	ch, unsub := f.bus.Subscribe(0)
	defer unsub()

	ticker := time.NewTicker(DefaultSSEPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if backendID != "" && ev.BackendID != backendID {
				continue
			}
			writeSSE(w, ev)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": keepalive\n\n"))
			flusher.Flush()
		}
	}
}

// dashboardMetrics serves the Prometheus scrape endpoint (spec §6
// "/dashboard/api/metrics"), when telemetry is configured.
func (f *Front) dashboardMetrics(w http.ResponseWriter, r *http.Request) {
	if f.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusNotFound)
		return
	}
	f.metrics.Handler().ServeHTTP(w, r)
}

// dashboardSelfRestart asks the owning process to restart the proxy
// itself (spec §6 "POST /dashboard/api/restart"). pkg/proxy does not set
// OnSelfRestart, so in the proxy binary this endpoint answers 501.
func (f *Front) dashboardSelfRestart(w http.ResponseWriter, _ *http.Request) {
	if f.OnSelfRestart == nil {
		http.Error(w, "self-restart not supported", http.StatusNotImplemented)
		return
	}
	writeJSON(w, map[string]any{"status": "restarting"})
	go f.OnSelfRestart()
}

// dashboardSelfShutdown asks the owning process to shut the proxy down
// (spec §6 "POST /dashboard/api/shutdown").
func (f *Front) dashboardSelfShutdown(w http.ResponseWriter, _ *http.Request) {
	if f.OnSelfShutdown == nil {
		http.Error(w, "self-shutdown not supported", http.StatusNotImplemented)
		return
	}
	writeJSON(w, map[string]any{"status": "shutting_down"})
	go f.OnSelfShutdown()
}

// dashboardStatic serves the dashboard's static assets. No bundled
// assets ship in this module (spec's Non-goals exclude a bundled
// frontend build), so every request 404s; an embedding deployment can
// front this path with its own file server instead.
func (f *Front) dashboardStatic(w http.ResponseWriter, _ *http.Request) {
	http.NotFound(w, nil)
}

func writeSSE(w http.ResponseWriter, ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("event: update\n"))
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n\n"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
