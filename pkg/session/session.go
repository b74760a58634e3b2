// Package session implements the proxy's table of connected MCP client
// sessions (spec §3 ClientSession, §4.5 SessionTable) — session creation,
// lookup, idle reaping, and the bounded notification mailbox each session
// uses to receive SSE-delivered server->client messages.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMailboxSize bounds the number of queued notifications per session
// before the oldest is dropped (spec §4.5/§5: bounded, non-blocking).
const DefaultMailboxSize = 32

// DefaultIdleTimeout is how long a session may go without activity before
// SessionTable.Reap considers it eligible for removal (spec §4.5).
const DefaultIdleTimeout = time.Hour

// ClientSession is one connected MCP client (spec §3).
type ClientSession struct {
	ID          string
	TargetID    string // bound backend id, or "" if not yet bound
	CreatedAt   time.Time
	LastActive  time.Time
	Initialized bool

	mu      sync.Mutex
	mailbox chan []byte
}

func newClientSession(id string, mailboxSize int) *ClientSession {
	now := time.Now().UTC()
	return &ClientSession{
		ID:         id,
		CreatedAt:  now,
		LastActive: now,
		mailbox:    make(chan []byte, mailboxSize),
	}
}

// Touch records activity, resetting the idle-reap clock.
func (s *ClientSession) Touch() {
	s.mu.Lock()
	s.LastActive = time.Now().UTC()
	s.mu.Unlock()
}

// Notify enqueues a message for SSE delivery. If the mailbox is full, the
// oldest queued message is dropped to make room (spec §4.5 "bounded,
// drop-oldest"), so a slow SSE reader can't apply backpressure to senders.
func (s *ClientSession) Notify(msg []byte) {
	for {
		select {
		case s.mailbox <- msg:
			return
		default:
		}
		select {
		case <-s.mailbox:
		default:
			return
		}
	}
}

// Mailbox returns the channel to range over for SSE delivery.
func (s *ClientSession) Mailbox() <-chan []byte {
	return s.mailbox
}

func (s *ClientSession) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.LastActive)
}

// SessionTable is the mutex-guarded map of live ClientSessions (spec §4.5).
type SessionTable struct {
	mu          sync.Mutex
	sessions    map[string]*ClientSession
	mailboxSize int
	idleTimeout time.Duration
}

// Option configures a SessionTable at construction.
type Option func(*SessionTable)

// WithMailboxSize overrides DefaultMailboxSize.
func WithMailboxSize(n int) Option {
	return func(t *SessionTable) { t.mailboxSize = n }
}

// WithIdleTimeout overrides DefaultIdleTimeout.
func WithIdleTimeout(d time.Duration) Option {
	return func(t *SessionTable) { t.idleTimeout = d }
}

// New constructs an empty SessionTable.
func New(opts ...Option) *SessionTable {
	t := &SessionTable{
		sessions:    make(map[string]*ClientSession),
		mailboxSize: DefaultMailboxSize,
		idleTimeout: DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Create allocates a new ClientSession with a fresh uuid, per the
// Mcp-Session-Id the transport hands back to the client on `initialize`
// (spec §4.1/§6).
func (t *SessionTable) Create() *ClientSession {
	s := newClientSession(uuid.NewString(), t.mailboxSize)
	t.mu.Lock()
	t.sessions[s.ID] = s
	t.mu.Unlock()
	return s
}

// Get returns the session for id, or false if unknown.
func (t *SessionTable) Get(id string) (*ClientSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	return s, ok
}

// TargetFor reports the backend a session is bound to, satisfying
// router.SessionBinder (spec §4.3 "Router prefers the session's bound
// target over the X-MCPRepl-Target header").
func (t *SessionTable) TargetFor(sessionID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok || s.TargetID == "" {
		return "", false
	}
	return s.TargetID, true
}

// Bind assigns a session's target backend, satisfying router.SessionBinder.
func (t *SessionTable) Bind(sessionID, targetID string) {
	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	t.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.TargetID = targetID
	s.mu.Unlock()
}

// Delete removes a session (spec §4.1 DELETE /).
func (t *SessionTable) Delete(id string) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}

// Len reports the number of live sessions.
func (t *SessionTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// NotifyAll enqueues msg on every session bound to targetID (or every
// session, if targetID is ""), used to broadcast tools/list_changed after a
// backend registers (spec §4.4/§4.5).
func (t *SessionTable) NotifyAll(targetID string, msg []byte) {
	t.mu.Lock()
	matches := make([]*ClientSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		if targetID == "" || s.TargetID == targetID {
			matches = append(matches, s)
		}
	}
	t.mu.Unlock()

	for _, s := range matches {
		s.Notify(msg)
	}
}

// Reap removes sessions idle longer than the configured idle timeout,
// returning the ids removed (spec §4.5: "SessionTable periodically reaps
// sessions idle past the timeout").
func (t *SessionTable) Reap() []string {
	now := time.Now().UTC()
	var removed []string

	t.mu.Lock()
	for id, s := range t.sessions {
		if s.idleSince(now) > t.idleTimeout {
			removed = append(removed, id)
			delete(t.sessions, id)
		}
	}
	t.mu.Unlock()

	return removed
}

// RunReaper starts a background loop calling Reap every interval until stop
// is closed. pkg/proxy runs it as one of Run's supervised errgroup tasks
// (spec §5 background tasks).
func (t *SessionTable) RunReaper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.Reap()
		}
	}
}
