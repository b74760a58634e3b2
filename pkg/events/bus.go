package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// DefaultBufferCapacity is the ring buffer's default size (spec §4.6).
const DefaultBufferCapacity = 10000

// DefaultMailboxSize bounds each subscriber's queue (spec §4.6).
const DefaultMailboxSize = 32

// Sink receives every event the bus publishes, for durable persistence
// (spec §4.6: "if an EventStore sink is registered, Publish also forwards
// to it"). Implemented by *store.EventStore. Errors are the sink's
// responsibility to log; Publish never blocks on or propagates them.
type Sink interface {
	Append(Event)
}

// Bus is the in-memory event pipeline: a fixed-capacity ring buffer plus a
// set of bounded subscriber mailboxes (spec §4.6).
type Bus struct {
	mu       sync.Mutex
	buf      []Event
	head     int // index of oldest entry
	size     int
	capacity int
	nextID   atomic.Int64

	subs map[int]chan Event
	next int

	sink    Sink
	counter metric.Int64Counter
}

// NewBus constructs a Bus with the given ring capacity (DefaultBufferCapacity
// if capacity <= 0).
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Bus{
		buf:      make([]Event, capacity),
		capacity: capacity,
		subs:     make(map[int]chan Event),
	}
}

// SetSink registers a durable sink. Not safe to call concurrently with
// Publish; intended to be set once during wiring.
func (b *Bus) SetSink(sink Sink) {
	b.sink = sink
}

// SetCounter registers an instrument incremented once per Publish (SPEC_FULL
// §4 ambient observability). Not safe to call concurrently with Publish;
// intended to be set once during wiring. nil (the default) is a no-op.
func (b *Bus) SetCounter(counter metric.Int64Counter) {
	b.counter = counter
}

// Publish appends ev to the ring (assigning it an ID and timestamp if
// unset) and fans it out to every subscriber's mailbox, dropping the
// message for any subscriber whose mailbox is full rather than blocking
// (spec §4.6 "publish must never block on a slow subscriber").
func (b *Bus) Publish(ev Event) Event {
	ev.ID = b.nextID.Add(1)
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	if b.size < b.capacity {
		b.buf[(b.head+b.size)%b.capacity] = ev
		b.size++
	} else {
		b.buf[b.head] = ev
		b.head = (b.head + 1) % b.capacity
	}
	subs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}

	if b.sink != nil {
		b.sink.Append(ev)
	}
	if b.counter != nil {
		b.counter.Add(context.Background(), 1)
	}
	return ev
}

// PublishBackendEvent satisfies registry.EventPublisher, wrapping a bare
// (backendID, type, payload) triple into an Event.
func (b *Bus) PublishBackendEvent(backendID, eventType string, payload map[string]any) {
	b.Publish(Event{Type: Type(eventType), BackendID: backendID, Payload: payload})
}

// Recent returns up to limit of the most recently published events, oldest
// first. limit <= 0 returns everything currently buffered.
func (b *Bus) Recent(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	start := b.size - n
	for i := 0; i < n; i++ {
		out[i] = b.buf[(b.head+start+i)%b.capacity]
	}
	return out
}

// Subscribe registers a new mailbox and returns it along with an unsubscribe
// func. Used by the SSE endpoint (spec §4.6/§6).
func (b *Bus) Subscribe(mailboxSize int) (<-chan Event, func()) {
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}
	ch := make(chan Event, mailboxSize)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// SubscriberCount reports the number of live subscriptions, for
// /dashboard/api/metrics.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
