// Package heartbeat implements HeartbeatMonitor (spec §4.6): a ticking
// background loop that demotes backends whose last heartbeat is too old
// from ready to disconnected, handing off recovery to a Reconnector.
package heartbeat

import (
	"context"
	"time"

	"github.com/stacklok/mcprepl-proxy/pkg/events"
	"github.com/stacklok/mcprepl-proxy/pkg/logger"
	"github.com/stacklok/mcprepl-proxy/pkg/registry"
)

// DefaultTickInterval is how often the monitor scans the registry.
const DefaultTickInterval = time.Second

// DefaultStaleAfter is how long a backend may go without a heartbeat
// before it is considered stale (spec §4.6).
const DefaultStaleAfter = 30 * time.Second

// Registry is the subset of *registry.Registry the monitor needs.
type Registry interface {
	List() []registry.Snapshot
	SetStatus(id string, status registry.Status, errMsg string)
}

// Monitor periodically demotes stale ready backends.
type Monitor struct {
	reg        Registry
	events     *events.Bus
	tick       time.Duration
	staleAfter time.Duration
	onStale    func(id string)
}

// New constructs a Monitor. onStale, if non-nil, is invoked after a backend
// is demoted — the proxy wiring uses it to kick off a Reconnector probe.
func New(reg Registry, bus *events.Bus, tick, staleAfter time.Duration, onStale func(id string)) *Monitor {
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Monitor{reg: reg, events: bus, tick: tick, staleAfter: staleAfter, onStale: onStale}
}

// Run blocks, scanning the registry every tick, until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scan()
		}
	}
}

func (m *Monitor) scan() {
	now := time.Now().UTC()
	for _, b := range m.reg.List() {
		if b.Status != registry.StatusReady {
			continue
		}
		if now.Sub(b.LastHeartbeat) <= m.staleAfter {
			continue
		}

		logger.Warnw("backend heartbeat stale, demoting", "backend_id", b.ID, "last_heartbeat", b.LastHeartbeat)
		m.reg.SetStatus(b.ID, registry.StatusDisconnected, "heartbeat stale")
		if m.events != nil {
			m.events.Publish(events.Event{
				Type:      events.TypeError,
				BackendID: b.ID,
				Payload:   map[string]any{"reason": "heartbeat_stale", "last_heartbeat": b.LastHeartbeat},
			})
		}
		if m.onStale != nil {
			m.onStale(b.ID)
		}
	}
}
