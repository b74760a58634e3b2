package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcprepl-proxy/pkg/events"
)

func TestOpenCreatesSchema(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(t.Context(), dbPath)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"sessions", "events", "interactions"} {
		var name string
		err := db.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		assert.NoError(t, err, "table %q should exist", table)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db1, err := Open(t.Context(), dbPath)
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	db2, err := Open(t.Context(), dbPath)
	require.NoError(t, err)
	defer db2.Close()
}

func TestAppendPersistsEvent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(t.Context(), dbPath)
	require.NoError(t, err)
	defer db.Close()

	es := NewEventStore(db)
	es.Append(events.Event{ID: 1, Type: events.TypeAgentStart, BackendID: "a", Timestamp: time.Now().UTC()})

	var count int
	require.NoError(t, db.DB().QueryRow(`SELECT COUNT(*) FROM events`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestRecordAndCloseSession(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(t.Context(), dbPath)
	require.NoError(t, err)
	defer db.Close()

	es := NewEventStore(db)
	now := time.Now().UTC()
	es.RecordSession("s1", "backend-a", now, now)
	es.CloseSession("s1", now)

	var closedAt *time.Time
	require.NoError(t, db.DB().QueryRow(`SELECT closed_at FROM sessions WHERE id = ?`, "s1").Scan(&closedAt))
	assert.NotNil(t, closedAt)
}

func TestCleanupRemovesOldRows(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(t.Context(), dbPath)
	require.NoError(t, err)
	defer db.Close()

	es := NewEventStore(db)
	old := time.Now().UTC().Add(-48 * time.Hour)
	es.Append(events.Event{ID: 1, Type: events.TypeRequest, Timestamp: old})
	es.Append(events.Event{ID: 2, Type: events.TypeRequest, Timestamp: time.Now().UTC()})

	require.NoError(t, es.Cleanup(t.Context(), 24*time.Hour))

	var count int
	require.NoError(t, db.DB().QueryRow(`SELECT COUNT(*) FROM events`).Scan(&count))
	assert.Equal(t, 1, count)
}
