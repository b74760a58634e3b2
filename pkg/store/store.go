package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stacklok/mcprepl-proxy/pkg/events"
	"github.com/stacklok/mcprepl-proxy/pkg/logger"
)

// DefaultRetention is how long rows are kept before Cleanup removes them
// (spec §4.6 "retention").
const DefaultRetention = 30 * 24 * time.Hour

// EventStore persists events.Bus traffic to sqlite. It implements
// events.Sink: Append failures are logged and swallowed rather than
// propagated, so a disk problem degrades the audit trail instead of taking
// down the proxy (spec §7 "safe-log-and-swallow").
type EventStore struct {
	db *DB
}

// NewEventStore wraps an already-open DB.
func NewEventStore(db *DB) *EventStore {
	return &EventStore{db: db}
}

// Append implements events.Sink.
func (s *EventStore) Append(ev events.Event) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		logger.Errorw("marshal event payload", "error", err, "event_id", ev.ID)
		return
	}
	_, err = s.db.DB().Exec(
		`INSERT INTO events (id, event_type, backend_id, session_id, request_id, method, timestamp, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), ev.BackendID, ev.SessionID, ev.RequestID, ev.Method, ev.Timestamp, string(payload),
	)
	if err != nil {
		logger.Errorw("persist event", "error", err, "event_id", ev.ID)
	}
}

// RecordSession inserts or updates a session's row (spec §3 PersistedSession).
func (s *EventStore) RecordSession(id, targetID string, createdAt, lastActive time.Time) {
	_, err := s.db.DB().Exec(
		`INSERT INTO sessions (id, target_id, created_at, last_active) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET target_id=excluded.target_id, last_active=excluded.last_active`,
		id, targetID, createdAt, lastActive,
	)
	if err != nil {
		logger.Errorw("record session", "error", err, "session_id", id)
	}
}

// CloseSession marks a session as torn down.
func (s *EventStore) CloseSession(id string, closedAt time.Time) {
	if _, err := s.db.DB().Exec(`UPDATE sessions SET closed_at = ? WHERE id = ?`, closedAt, id); err != nil {
		logger.Errorw("close session", "error", err, "session_id", id)
	}
}

// Interaction is one logged request/response pair (spec §3).
type Interaction struct {
	SessionID  string
	RequestID  string
	Method     string
	Request    string
	Response   string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// RecordInteraction inserts a completed request/response pair for audit
// and replay-debugging purposes.
func (s *EventStore) RecordInteraction(i Interaction) {
	_, err := s.db.DB().Exec(
		`INSERT INTO interactions (session_id, request_id, method, request, response, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		i.SessionID, i.RequestID, i.Method, i.Request, i.Response, i.StartedAt, i.FinishedAt,
	)
	if err != nil {
		logger.Errorw("record interaction", "error", err, "session_id", i.SessionID, "request_id", i.RequestID)
	}
}

// Cleanup deletes events and interactions older than retention, and closed
// sessions older than retention. Intended to run on a daily background
// tick (spec §4.6/§5).
func (s *EventStore) Cleanup(ctx context.Context, retention time.Duration) error {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := time.Now().UTC().Add(-retention)

	if _, err := s.db.DB().ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, cutoff); err != nil {
		return err
	}
	if _, err := s.db.DB().ExecContext(ctx, `DELETE FROM interactions WHERE started_at < ?`, cutoff); err != nil {
		return err
	}
	_, err := s.db.DB().ExecContext(ctx, `DELETE FROM sessions WHERE closed_at IS NOT NULL AND closed_at < ?`, cutoff)
	return err
}

// RunCleanup starts a background loop calling Cleanup every interval until
// stop is closed, logging (not propagating) any error.
func (s *EventStore) RunCleanup(ctx context.Context, interval, retention time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.Cleanup(ctx, retention); err != nil {
				logger.Errorw("event store cleanup", "error", err)
			}
		}
	}
}
