// Package toolset implements the ProxyToolset (spec §4.9): the fixed set
// of MCP tools the proxy itself answers, as opposed to forwarding to a
// backend — status introspection, session listing, and launching new
// Julia REPL backends.
package toolset

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/xeipuuv/gojsonschema"

	"github.com/stacklok/mcprepl-proxy/pkg/events"
	"github.com/stacklok/mcprepl-proxy/pkg/logger"
	"github.com/stacklok/mcprepl-proxy/pkg/process"
	"github.com/stacklok/mcprepl-proxy/pkg/registry"
)

// DefaultLaunchPollInterval is how often start_julia_session polls the
// registry while waiting for the spawned backend to register (spec §4.9).
const DefaultLaunchPollInterval = 100 * time.Millisecond

// DefaultLaunchTimeout bounds the total wait in start_julia_session.
const DefaultLaunchTimeout = 30 * time.Second

// Registry is the subset of *registry.Registry the toolset needs.
type Registry interface {
	List() []registry.Snapshot
	Get(id string) (registry.Snapshot, bool)
	Unregister(id string)
}

// Launcher starts a new backend process, returning its assigned id once
// spawned (registration itself happens asynchronously, via heartbeat).
// Satisfied by *launcher.Launcher.
type Launcher interface {
	Launch(ctx context.Context, directory, name string) (id string, err error)
	TailLog(id string, lines int) (string, error)
}

// Toolset answers the proxy's own MCP tool calls.
type Toolset struct {
	reg       Registry
	launcher  Launcher
	bus       *events.Bus
	proxyPort int
	startedAt time.Time
}

// New constructs a Toolset bound to reg and launcher. bus, if nil, makes
// start_julia_session's launch-attempt event publication a no-op (e.g. in
// unit tests).
func New(reg Registry, launcher Launcher, bus *events.Bus, proxyPort int, startedAt time.Time) *Toolset {
	return &Toolset{reg: reg, launcher: launcher, bus: bus, proxyPort: proxyPort, startedAt: startedAt}
}

// Tools returns the mcp.Tool descriptors this toolset answers, for
// inclusion in tools/list responses (spec §4.9).
func (t *Toolset) Tools() []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        "help",
			Description: "Describe the proxy tools available and how to use them",
			InputSchema: mcp.ToolInputSchema{Type: "object"},
		},
		{
			Name:        "proxy_status",
			Description: "Report the proxy's own uptime, port, and registered backend count",
			InputSchema: mcp.ToolInputSchema{Type: "object"},
		},
		{
			Name:        "list_julia_sessions",
			Description: "List every registered Julia REPL backend and its lifecycle status",
			InputSchema: mcp.ToolInputSchema{Type: "object"},
		},
		{
			Name:        "dashboard_url",
			Description: "Return the URL of the proxy's web dashboard",
			InputSchema: mcp.ToolInputSchema{Type: "object"},
		},
		{
			Name:        "start_julia_session",
			Description: "Launch a new Julia REPL backend in the given project directory",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"project_path": map[string]any{"type": "string", "description": "Julia project directory"},
					"session_name": map[string]any{"type": "string", "description": "Session name (default: directory base name)"},
				},
				Required: []string{"project_path"},
			},
		},
		{
			Name:        "kill_stale_sessions",
			Description: "Unregister backends that are disconnected, reconnecting, or stopped",
			InputSchema: mcp.ToolInputSchema{
				Type: "object",
				Properties: map[string]any{
					"dry_run":    map[string]any{"type": "boolean", "description": "Report what would be killed without killing"},
					"force":      map[string]any{"type": "boolean", "description": "Kill every backend, ready ones included, not just disconnected/reconnecting/stopped"},
					"proxy_port": map[string]any{"type": "integer", "description": "Restrict to backends on this port"},
				},
			},
		},
	}
}

var startSessionSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"properties": {
		"project_path": {"type": "string", "minLength": 1},
		"session_name": {"type": "string"}
	},
	"required": ["project_path"]
}`)

var killStaleSchema = gojsonschema.NewStringLoader(`{
	"type": "object",
	"properties": {
		"dry_run": {"type": "boolean"},
		"force": {"type": "boolean"},
		"proxy_port": {"type": "integer"}
	}
}`)

// Call dispatches one proxy tool by name. Unknown names return an
// isError result rather than an error, matching MCP tool-call semantics.
func (t *Toolset) Call(ctx context.Context, name string, args json.RawMessage) (*mcp.CallToolResult, error) {
	switch name {
	case "help":
		return t.help(), nil
	case "proxy_status":
		return t.proxyStatus(), nil
	case "list_julia_sessions":
		return t.listSessions(), nil
	case "dashboard_url":
		return t.dashboardURL(), nil
	case "start_julia_session":
		return t.startSession(ctx, args)
	case "kill_stale_sessions":
		return t.killStale(args)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown proxy tool %q", name)), nil
	}
}

func (t *Toolset) help() *mcp.CallToolResult {
	names := make([]string, 0, len(t.Tools()))
	for _, tool := range t.Tools() {
		names = append(names, fmt.Sprintf("%s: %s", tool.Name, tool.Description))
	}
	text := "mcprepl-proxy tools:\n"
	for _, n := range names {
		text += "  - " + n + "\n"
	}
	return mcp.NewToolResultText(text)
}

func (t *Toolset) proxyStatus() *mcp.CallToolResult {
	return mcp.NewToolResultStructuredOnly(map[string]any{
		"port":             t.proxyPort,
		"uptime_seconds":   time.Since(t.startedAt).Seconds(),
		"registered_count": len(t.reg.List()),
	})
}

func (t *Toolset) listSessions() *mcp.CallToolResult {
	snapshots := t.reg.List()
	out := make([]map[string]any, 0, len(snapshots))
	for _, s := range snapshots {
		out = append(out, map[string]any{
			"id":                s.ID,
			"status":            string(s.Status),
			"port":              s.Port,
			"pid":                s.PID,
			"missed_heartbeats": s.MissedHeartbeats,
			"last_error":        s.LastError,
			"pending_count":     s.PendingCount,
		})
	}
	return mcp.NewToolResultStructuredOnly(map[string]any{"sessions": out})
}

func (t *Toolset) dashboardURL() *mcp.CallToolResult {
	return mcp.NewToolResultText(fmt.Sprintf("http://127.0.0.1:%d/dashboard/", t.proxyPort))
}

type startSessionArgs struct {
	ProjectPath string `json:"project_path"`
	SessionName string `json:"session_name"`
}

func (t *Toolset) startSession(ctx context.Context, args json.RawMessage) (*mcp.CallToolResult, error) {
	if err := validate(args, startSessionSchema); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var parsed startSessionArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
	}
	name := parsed.SessionName
	if name == "" {
		name = filepath.Base(parsed.ProjectPath)
	}

	// Refuse, rather than race into a duplicate-registration error, if this
	// name is already live (spec §4.9, §8 boundary behaviors).
	if _, ok := t.reg.Get(name); ok {
		return mcp.NewToolResultError(fmt.Sprintf("a backend named %q is already registered", name)), nil
	}

	launchCtx, cancel := context.WithTimeout(ctx, DefaultLaunchTimeout)
	defer cancel()

	if t.bus != nil {
		// Records the launch attempt itself, distinct from the Registry's
		// own AGENT_START on successful registration (SPEC_FULL §4.9).
		t.bus.Publish(events.Event{
			Type: events.TypeAgentStart,
			Payload: map[string]any{"session_name": name, "project_path": parsed.ProjectPath, "launch_attempt": true},
		})
	}

	id, err := t.launcher.Launch(launchCtx, parsed.ProjectPath, name)
	if err != nil {
		return mcp.NewToolResultError("failed to launch: " + err.Error()), nil
	}

	if err := t.waitForRegistration(launchCtx, id); err != nil {
		tail, _ := t.launcher.TailLog(id, 500)
		return mcp.NewToolResultError(fmt.Sprintf("backend %q did not register within 30 seconds: %v\nlog tail:\n%s", id, err, tail)), nil
	}

	snap, _ := t.reg.Get(id)
	return mcp.NewToolResultStructuredOnly(map[string]any{"id": id, "status": "ready", "port": snap.Port, "pid": snap.PID}), nil
}

// TailLog exposes the launcher's log tail for the dashboard's
// /dashboard/api/logs endpoint (spec §4.1 dashboard REST), so transport
// doesn't need its own reference to the Launcher.
func (t *Toolset) TailLog(id string, lines int) (string, error) {
	if t.launcher == nil {
		return "", fmt.Errorf("no launcher configured")
	}
	return t.launcher.TailLog(id, lines)
}

func (t *Toolset) waitForRegistration(ctx context.Context, id string) error {
	ticker := time.NewTicker(DefaultLaunchPollInterval)
	defer ticker.Stop()
	for {
		if snap, ok := t.reg.Get(id); ok && snap.Status == registry.StatusReady {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

type killStaleArgs struct {
	DryRun    bool `json:"dry_run"`
	Force     bool `json:"force"`
	ProxyPort int  `json:"proxy_port"`
}

func (t *Toolset) killStale(args json.RawMessage) (*mcp.CallToolResult, error) {
	if len(args) > 0 {
		if err := validate(args, killStaleSchema); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
	}
	var parsed killStaleArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &parsed); err != nil {
			return mcp.NewToolResultError("invalid arguments: " + err.Error()), nil
		}
	}

	var killed []string
	for _, s := range t.reg.List() {
		if parsed.ProxyPort != 0 && s.Port != parsed.ProxyPort {
			continue
		}
		stale := parsed.Force ||
			s.Status == registry.StatusDisconnected ||
			s.Status == registry.StatusStopped ||
			s.Status == registry.StatusReconnecting
		if !stale {
			continue
		}
		killed = append(killed, s.ID)
		if !parsed.DryRun {
			if s.PID > 0 {
				if err := process.Terminate(s.PID); err != nil {
					logger.Warnw("failed to signal stale backend", "backend_id", s.ID, "pid", s.PID, "error", err)
				}
			}
			t.reg.Unregister(s.ID)
			logger.Infow("killed stale backend", "backend_id", s.ID)
		}
	}

	return mcp.NewToolResultStructuredOnly(map[string]any{"killed": killed, "dry_run": parsed.DryRun}), nil
}

func validate(args json.RawMessage, schemaLoader gojsonschema.JSONLoader) error {
	if len(args) == 0 {
		args = []byte("{}")
	}
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(args))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid arguments: %v", msgs)
	}
	return nil
}
