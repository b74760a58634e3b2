package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAssignsIncrementingIDs(t *testing.T) {
	bus := NewBus(10)
	e1 := bus.Publish(Event{Type: TypeAgentStart})
	e2 := bus.Publish(Event{Type: TypeAgentStop})
	assert.Less(t, e1.ID, e2.ID)
}

func TestRingBufferEvictsOldestWhenFull(t *testing.T) {
	bus := NewBus(3)
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: TypeRequest})
	}
	recent := bus.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, int64(3), recent[0].ID)
	assert.Equal(t, int64(5), recent[2].ID)
}

func TestRecentHonorsLimit(t *testing.T) {
	bus := NewBus(10)
	for i := 0; i < 5; i++ {
		bus.Publish(Event{Type: TypeRequest})
	}
	assert.Len(t, bus.Recent(2), 2)
	assert.Len(t, bus.Recent(100), 5)
}

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	bus := NewBus(10)
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	bus.Publish(Event{Type: TypeAgentStart, BackendID: "a"})

	select {
	case ev := <-ch:
		assert.Equal(t, "a", ev.BackendID)
	default:
		t.Fatal("expected subscriber to receive event")
	}
}

func TestSubscribeDropsWhenMailboxFull(t *testing.T) {
	bus := NewBus(10)
	ch, unsub := bus.Subscribe(1)
	defer unsub()

	bus.Publish(Event{Type: TypeRequest})
	bus.Publish(Event{Type: TypeRequest}) // dropped, mailbox full

	assert.Len(t, ch, 1)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(10)
	ch, unsub := bus.Subscribe(4)
	unsub()

	bus.Publish(Event{Type: TypeRequest})
	assert.Equal(t, 0, bus.SubscriberCount())
	assert.Len(t, ch, 0)
}

type fakeSink struct {
	events []Event
}

func (f *fakeSink) Append(ev Event) {
	f.events = append(f.events, ev)
}

func TestPublishForwardsToSink(t *testing.T) {
	bus := NewBus(10)
	sink := &fakeSink{}
	bus.SetSink(sink)

	bus.Publish(Event{Type: TypeError})
	require.Len(t, sink.events, 1)
	assert.Equal(t, TypeError, sink.events[0].Type)
}

func TestExtractMethodAndID(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{}}`)
	assert.Equal(t, "tools/call", ExtractMethod(body))
	assert.Equal(t, "7", ExtractID(body))

	assert.Equal(t, "", ExtractMethod([]byte(`{"jsonrpc":"2.0","id":7,"result":{}}`)))
}
