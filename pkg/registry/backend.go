// Package registry implements the proxy's authoritative, mutex-guarded map
// of backend connections (spec §3, §4.4) — the BackendID -> BackendConnection
// registry, its lifecycle state machine, and the per-backend pending-request
// buffer used while a backend is unreachable.
package registry

import (
	"net/http"
	"strconv"
	"time"
)

// Status is a BackendConnection's lifecycle state (spec §4.12).
type Status string

const (
	// StatusReady means the backend is reachable and accepting forwarded requests.
	StatusReady Status = "ready"
	// StatusDisconnected means the backend missed heartbeats or a forward failed.
	StatusDisconnected Status = "disconnected"
	// StatusReconnecting means a Reconnector is actively probing the backend.
	StatusReconnecting Status = "reconnecting"
	// StatusStopped is terminal until a fresh proxy/register call.
	StatusStopped Status = "stopped"
)

// PendingRequest is one buffered (request, client stream) pair awaiting
// delivery once its backend recovers (spec §3 "pending").
type PendingRequest struct {
	// Body is the raw JSON-RPC request body to replay on flush.
	Body []byte
	// Header carries the headers of the original inbound request, needed to
	// reconstruct the forward call (e.g. X-MCPRepl-Target, Mcp-Session-Id).
	Header http.Header
	// ResponseWriter is the original client's stream. It is nil once the
	// entry has been claimed or the client disconnected.
	ResponseWriter http.ResponseWriter
	// Done is closed when the entry has been handled (flushed, drained with
	// an error, or abandoned because the client went away), so the HTTP
	// handler that enqueued it knows when to return.
	Done chan struct{}
	// Err, if non-nil once Done is closed, is the error the entry was
	// drained with (reconnection timeout, permanently stopped, ...).
	Err error
	// Closed reports whether the client's TCP stream is known to have
	// closed; checked by the keepalive writer (spec §4.7/§5).
	Closed func() bool
	// EnqueuedAt records when the entry was buffered, for FIFO ordering and
	// for the 60s reconnection-wait budget (spec §4.8).
	EnqueuedAt time.Time
}

// BackendConnection is a single registered REPL backend (spec §3).
type BackendConnection struct {
	ID               string
	Port             int
	PID              int
	Status           Status
	LastHeartbeat    time.Time
	MissedHeartbeats int
	LastError        string
	Metadata         map[string]string
	DisconnectTime   *time.Time

	pending []*PendingRequest
}

// Snapshot is an immutable copy of a BackendConnection's fields, safe to
// read after the registry's lock is released (spec §4.4: "no HTTP I/O or
// long waits are performed while holding [the mutex]").
type Snapshot struct {
	ID               string
	Port             int
	PID              int
	Status           Status
	LastHeartbeat    time.Time
	MissedHeartbeats int
	LastError        string
	Metadata         map[string]string
	DisconnectTime   *time.Time
	PendingCount     int
}

func (b *BackendConnection) snapshot() Snapshot {
	md := make(map[string]string, len(b.Metadata))
	for k, v := range b.Metadata {
		md[k] = v
	}
	return Snapshot{
		ID:               b.ID,
		Port:             b.Port,
		PID:              b.PID,
		Status:           b.Status,
		LastHeartbeat:    b.LastHeartbeat,
		MissedHeartbeats: b.MissedHeartbeats,
		LastError:        b.LastError,
		Metadata:         md,
		DisconnectTime:   b.DisconnectTime,
		PendingCount:     len(b.pending),
	}
}

// BaseURL returns the backend's own HTTP JSON-RPC endpoint.
func (s Snapshot) BaseURL() string {
	return "http://127.0.0.1:" + strconv.Itoa(s.Port) + "/"
}
