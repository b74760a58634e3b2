package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcprepl-proxy/pkg/registry"
)

type fakeRegistry struct {
	snapshots []registry.Snapshot
	status    map[string]registry.Status
	errMsg    map[string]string
}

func newFakeRegistry(snaps ...registry.Snapshot) *fakeRegistry {
	return &fakeRegistry{snapshots: snaps, status: map[string]registry.Status{}, errMsg: map[string]string{}}
}

func (f *fakeRegistry) List() []registry.Snapshot { return f.snapshots }

func (f *fakeRegistry) SetStatus(id string, status registry.Status, errMsg string) {
	f.status[id] = status
	f.errMsg[id] = errMsg
}

func TestScanDemotesStaleBackend(t *testing.T) {
	reg := newFakeRegistry(registry.Snapshot{
		ID: "a", Status: registry.StatusReady, LastHeartbeat: time.Now().UTC().Add(-time.Minute),
	})

	var staled []string
	m := New(reg, nil, time.Millisecond, 30*time.Second, func(id string) { staled = append(staled, id) })
	m.scan()

	require.Equal(t, registry.StatusDisconnected, reg.status["a"])
	assert.Equal(t, []string{"a"}, staled)
}

func TestScanLeavesFreshBackendAlone(t *testing.T) {
	reg := newFakeRegistry(registry.Snapshot{
		ID: "a", Status: registry.StatusReady, LastHeartbeat: time.Now().UTC(),
	})

	m := New(reg, nil, time.Millisecond, 30*time.Second, nil)
	m.scan()

	_, demoted := reg.status["a"]
	assert.False(t, demoted)
}

func TestScanIgnoresNonReadyBackends(t *testing.T) {
	reg := newFakeRegistry(registry.Snapshot{
		ID: "a", Status: registry.StatusStopped, LastHeartbeat: time.Now().UTC().Add(-time.Hour),
	})

	m := New(reg, nil, time.Millisecond, 30*time.Second, nil)
	m.scan()

	_, touched := reg.status["a"]
	assert.False(t, touched)
}
