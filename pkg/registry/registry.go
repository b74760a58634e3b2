package registry

import (
	"sync"
	"time"
)

// EventPublisher is the minimal surface Registry needs from the event
// pipeline (spec §4.3/§4.4: register/unregister emit AGENT_START/AGENT_STOP).
// Satisfied by *events.Bus.
type EventPublisher interface {
	PublishBackendEvent(backendID, eventType string, payload map[string]any)
}

// Registry is the authoritative, mutex-guarded map of backend connections
// (spec §4.4). All reads and writes hold reg.mu; no I/O happens while it is
// held — callers that need to act on a transition (flush pending requests,
// notify sessions) are invoked after the lock is released, via the
// OnReady/OnRegister hooks.
type Registry struct {
	mu       sync.Mutex
	backends map[string]*BackendConnection
	events   EventPublisher

	// OnReady is invoked, outside the lock, whenever a backend transitions
	// into StatusReady with a non-empty pending queue. It receives the
	// backend id and its drained pending queue to flush (spec §4.4, §4.7).
	OnReady func(id string, pending []*PendingRequest)

	// OnRegister is invoked, outside the lock, after a successful
	// proxy/register (new or in-place update), to broadcast
	// tools/list_changed to open client sessions (spec §4.4).
	OnRegister func(id string)
}

// New constructs an empty Registry publishing lifecycle events to events.
func New(events EventPublisher) *Registry {
	return &Registry{
		backends: make(map[string]*BackendConnection),
		events:   events,
	}
}

// Register implements proxy/register (spec §4.4, §8 S3).
//
// If id is already present with the same pid, it is updated in place (the
// process-restart case). If present with a different pid, the call is
// rejected with *DuplicateRegistrationError and the existing row is left
// untouched. Otherwise a new ready row is created.
func (reg *Registry) Register(id string, port, pid int, metadata map[string]string) error {
	var (
		flush    []*PendingRequest
		isNew    bool
		rejected *DuplicateRegistrationError
	)

	reg.mu.Lock()
	existing, ok := reg.backends[id]
	switch {
	case ok && existing.PID == pid:
		existing.Port = port
		existing.Metadata = metadata
		existing.Status = StatusReady
		existing.LastError = ""
		existing.MissedHeartbeats = 0
		existing.DisconnectTime = nil
		existing.LastHeartbeat = time.Now().UTC()
		if len(existing.pending) > 0 {
			flush = existing.pending
			existing.pending = nil
		}
	case ok:
		rejected = &DuplicateRegistrationError{
			ID: id, ExistingPID: existing.PID, ExistingPort: existing.Port,
			RequestedPID: pid, RequestedPort: port,
		}
	default:
		isNew = true
		reg.backends[id] = &BackendConnection{
			ID:            id,
			Port:          port,
			PID:           pid,
			Status:        StatusReady,
			LastHeartbeat: time.Now().UTC(),
			Metadata:      metadata,
		}
	}
	reg.mu.Unlock()

	if rejected != nil {
		return rejected
	}

	if isNew && reg.events != nil {
		reg.events.PublishBackendEvent(id, "AGENT_START", map[string]any{"port": port, "pid": pid})
	}
	if len(flush) > 0 && reg.OnReady != nil {
		reg.OnReady(id, flush)
	}
	if reg.OnRegister != nil {
		reg.OnRegister(id)
	}
	return nil
}

// Unregister implements proxy/unregister: remove the row unconditionally,
// from any state, and emit AGENT_STOP (spec §4.4).
func (reg *Registry) Unregister(id string) {
	reg.mu.Lock()
	_, existed := reg.backends[id]
	delete(reg.backends, id)
	reg.mu.Unlock()

	if existed && reg.events != nil {
		reg.events.PublishBackendEvent(id, "AGENT_STOP", nil)
	}
}

// Heartbeat implements proxy/heartbeat (spec §4.4). A heartbeat whose pid
// doesn't match the registered pid is rejected silently (returns nil, no
// effect) to guard against a stale/duplicate process reasserting identity.
// An unknown id is re-created from the heartbeat's own port/pid/metadata,
// enabling recovery across proxy restarts.
func (reg *Registry) Heartbeat(id string, port, pid int, metadata map[string]string) {
	var flush []*PendingRequest
	var created bool

	reg.mu.Lock()
	existing, ok := reg.backends[id]
	switch {
	case !ok:
		created = true
		reg.backends[id] = &BackendConnection{
			ID:            id,
			Port:          port,
			PID:           pid,
			Status:        StatusReady,
			LastHeartbeat: time.Now().UTC(),
			Metadata:      metadata,
		}
	case existing.PID != pid:
		// Silently ignored: identity mismatch.
	default:
		existing.Port = port
		existing.Metadata = metadata
		existing.MissedHeartbeats = 0
		existing.LastHeartbeat = time.Now().UTC()
		if existing.Status != StatusReady {
			existing.Status = StatusReady
			existing.LastError = ""
			existing.DisconnectTime = nil
			if len(existing.pending) > 0 {
				flush = existing.pending
				existing.pending = nil
			}
		}
	}
	reg.mu.Unlock()

	if created && reg.events != nil {
		reg.events.PublishBackendEvent(id, "AGENT_START", map[string]any{"port": port, "pid": pid})
	}
	if len(flush) > 0 && reg.OnReady != nil {
		reg.OnReady(id, flush)
	}
}

// Get returns a point-in-time Snapshot of id, or false if unknown.
func (reg *Registry) Get(id string) (Snapshot, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	b, ok := reg.backends[id]
	if !ok {
		return Snapshot{}, false
	}
	return b.snapshot(), true
}

// List returns a snapshot of every registered backend.
func (reg *Registry) List() []Snapshot {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]Snapshot, 0, len(reg.backends))
	for _, b := range reg.backends {
		out = append(out, b.snapshot())
	}
	return out
}

// SetStatus transitions id to status, recording errMsg as LastError (spec
// §4.4). Transitioning to StatusReady with pending work schedules a flush
// via OnReady. Transitioning to StatusDisconnected sets DisconnectTime if
// unset. Transitioning to StatusStopped fails every pending request with a
// "backend <id> permanently stopped" error (not errMsg) and clears the
// queue (spec invariant: pending is empty for ready/stopped).
func (reg *Registry) SetStatus(id string, status Status, errMsg string) {
	var flush []*PendingRequest
	var drained []*PendingRequest

	reg.mu.Lock()
	b, ok := reg.backends[id]
	if ok {
		b.Status = status
		b.LastError = errMsg
		switch status {
		case StatusReady:
			b.LastError = ""
			b.MissedHeartbeats = 0
			b.DisconnectTime = nil
			if len(b.pending) > 0 {
				flush = b.pending
				b.pending = nil
			}
		case StatusDisconnected:
			if b.DisconnectTime == nil {
				now := time.Now().UTC()
				b.DisconnectTime = &now
			}
		case StatusStopped:
			drained = b.pending
			b.pending = nil
		}
	}
	reg.mu.Unlock()

	if !ok {
		return
	}
	for _, p := range drained {
		p.Err = &stoppedError{id: id}
		close(p.Done)
	}
	if len(flush) > 0 && reg.OnReady != nil {
		reg.OnReady(id, flush)
	}
}

// Enqueue appends p to id's pending queue, returning false if id is
// unknown. Used by Router when a backend is disconnected/reconnecting
// (spec §4.8).
func (reg *Registry) Enqueue(id string, p *PendingRequest) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	b, ok := reg.backends[id]
	if !ok {
		return false
	}
	b.pending = append(b.pending, p)
	return true
}

// RemoveFromPending removes p from id's pending queue if still present,
// used when a client's stream is discovered closed before flush (spec §5,
// §8 boundary behaviors).
func (reg *Registry) RemoveFromPending(id string, p *PendingRequest) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	b, ok := reg.backends[id]
	if !ok {
		return
	}
	for i, q := range b.pending {
		if q == p {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return
		}
	}
}

// IncrementMissedHeartbeats bumps id's miss counter and records lastErr,
// used by Router's forward-failure path. HeartbeatMonitor's stale-backend
// demotion does not call it, so a heartbeat timeout leaves the counter
// unchanged.
func (reg *Registry) IncrementMissedHeartbeats(id, lastErr string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if b, ok := reg.backends[id]; ok {
		b.MissedHeartbeats++
		b.LastError = lastErr
	}
}

type stoppedError struct{ id string }

func (e *stoppedError) Error() string {
	return "backend " + e.id + " permanently stopped"
}
