package registry

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	events []string
}

func (f *fakePublisher) PublishBackendEvent(backendID, eventType string, payload map[string]any) {
	f.events = append(f.events, backendID+":"+eventType)
}

func TestRegisterThenUnregisterThenGetIsNil(t *testing.T) {
	reg := New(&fakePublisher{})
	require.NoError(t, reg.Register("a", 4001, 100, nil))

	_, ok := reg.Get("a")
	assert.True(t, ok)

	reg.Unregister("a")
	_, ok = reg.Get("a")
	assert.False(t, ok)
}

func TestRegisterSameIDSamePIDUpdatesInPlace(t *testing.T) {
	reg := New(&fakePublisher{})
	require.NoError(t, reg.Register("a", 4001, 100, map[string]string{"v": "1"}))
	require.NoError(t, reg.Register("a", 4002, 100, map[string]string{"v": "2"}))

	snap, ok := reg.Get("a")
	require.True(t, ok)
	assert.Equal(t, 4002, snap.Port)
	assert.Equal(t, "2", snap.Metadata["v"])
}

func TestRegisterSameIDDifferentPIDRejectedAndFirstUnchanged(t *testing.T) {
	reg := New(&fakePublisher{})
	require.NoError(t, reg.Register("a", 4001, 100, nil))

	err := reg.Register("a", 4002, 200, nil)
	require.Error(t, err)
	var dup *DuplicateRegistrationError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, 100, dup.ExistingPID)
	assert.Equal(t, 200, dup.RequestedPID)

	snap, ok := reg.Get("a")
	require.True(t, ok)
	assert.Equal(t, 4001, snap.Port)
	assert.Equal(t, 100, snap.PID)
}

func TestHeartbeatOnUnknownIDActsLikeRegister(t *testing.T) {
	reg := New(&fakePublisher{})
	reg.Heartbeat("b", 4003, 300, map[string]string{"name": "worksheet"})

	snap, ok := reg.Get("b")
	require.True(t, ok)
	assert.Equal(t, StatusReady, snap.Status)
	assert.Equal(t, 300, snap.PID)
}

func TestHeartbeatPIDMismatchIsIgnored(t *testing.T) {
	reg := New(&fakePublisher{})
	require.NoError(t, reg.Register("a", 4001, 100, nil))

	reg.Heartbeat("a", 4099, 999, nil)

	snap, ok := reg.Get("a")
	require.True(t, ok)
	assert.Equal(t, 100, snap.PID)
	assert.Equal(t, 4001, snap.Port)
}

func TestHeartbeatPromotesDisconnectedToReady(t *testing.T) {
	reg := New(&fakePublisher{})
	require.NoError(t, reg.Register("a", 4001, 100, nil))
	reg.SetStatus("a", StatusDisconnected, "missed heartbeats")

	var flushed []string
	reg.OnReady = func(id string, pending []*PendingRequest) {
		flushed = append(flushed, id)
	}

	p := &PendingRequest{Done: make(chan struct{})}
	reg.Enqueue("a", p)

	reg.Heartbeat("a", 4001, 100, nil)

	snap, ok := reg.Get("a")
	require.True(t, ok)
	assert.Equal(t, StatusReady, snap.Status)
	assert.Equal(t, []string{"a"}, flushed)
}

func TestSetStatusStoppedDrainsPendingWithError(t *testing.T) {
	reg := New(&fakePublisher{})
	require.NoError(t, reg.Register("a", 4001, 100, nil))

	p := &PendingRequest{Done: make(chan struct{}), ResponseWriter: noopWriter{}}
	reg.Enqueue("a", p)

	reg.SetStatus("a", StatusStopped, "outage exceeded 2 minutes")

	select {
	case <-p.Done:
	default:
		t.Fatal("expected pending request to be drained")
	}
	assert.Error(t, p.Err)

	snap, ok := reg.Get("a")
	require.True(t, ok)
	assert.Equal(t, 0, snap.PendingCount)
}

func TestRegisterEmitsAgentStartEvent(t *testing.T) {
	pub := &fakePublisher{}
	reg := New(pub)
	require.NoError(t, reg.Register("a", 4001, 100, nil))
	assert.Contains(t, pub.events, "a:AGENT_START")
}

func TestUnregisterEmitsAgentStopEvent(t *testing.T) {
	pub := &fakePublisher{}
	reg := New(pub)
	require.NoError(t, reg.Register("a", 4001, 100, nil))
	reg.Unregister("a")
	assert.Contains(t, pub.events, "a:AGENT_STOP")
}

func TestUnregisterUnknownIDDoesNotEmit(t *testing.T) {
	pub := &fakePublisher{}
	reg := New(pub)
	reg.Unregister("nope")
	assert.Empty(t, pub.events)
}

func TestListReturnsAllBackends(t *testing.T) {
	reg := New(&fakePublisher{})
	require.NoError(t, reg.Register("a", 4001, 100, nil))
	require.NoError(t, reg.Register("b", 4002, 200, nil))

	list := reg.List()
	assert.Len(t, list, 2)
}

type noopWriter struct{}

func (noopWriter) Header() http.Header         { return http.Header{} }
func (noopWriter) Write(b []byte) (int, error) { return len(b), nil }
func (noopWriter) WriteHeader(statusCode int)  {}
