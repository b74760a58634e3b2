// Package reconnect implements the Reconnector (spec §4.7): per-backend
// probe tasks that retry a disconnected backend's HTTP endpoint on a
// backoff cadence, promote it back to ready on success, and give up after
// a bounded number of attempts or a 2-minute outage.
package reconnect

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/mcprepl-proxy/pkg/events"
	"github.com/stacklok/mcprepl-proxy/pkg/logger"
	"github.com/stacklok/mcprepl-proxy/pkg/registry"
)

// DefaultProbeInterval is the steady-state retry cadence (spec §4.7).
const DefaultProbeInterval = time.Second

// DefaultMaxAttempts bounds how many probes a Reconnector makes before
// giving up on a backend (spec §4.7).
const DefaultMaxAttempts = 30

// DefaultOutageLimit demotes a backend to stopped once it has been
// unreachable this long (spec §4.7 "2-minute-outage" rule).
const DefaultOutageLimit = 2 * time.Minute

// Registry is the subset of *registry.Registry the Reconnector needs.
type Registry interface {
	SetStatus(id string, status registry.Status, errMsg string)
	Get(id string) (registry.Snapshot, bool)
}

// Prober checks whether a backend is reachable. The default implementation
// issues a GET against the backend's base URL; tests inject a fake.
type Prober func(ctx context.Context, baseURL string) error

// HTTPProber probes baseURL with a short-timeout GET, treating any HTTP
// response, whatever its status code, as reachable; only a transport error
// counts as a failed probe.
func HTTPProber(client *http.Client) Prober {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	return func(ctx context.Context, baseURL string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		return nil
	}
}

// Reconnector drives recovery probes for disconnected backends.
type Reconnector struct {
	reg         Registry
	events      *events.Bus
	probe       Prober
	interval    time.Duration
	maxAttempts int
	outageLimit time.Duration
	onReady     func(id string)
}

// New constructs a Reconnector. onReady, if non-nil, is invoked after a
// successful probe promotes id back to ready. The registry's pending-request
// flush is already triggered by that SetStatus call, not by onReady.
func New(reg Registry, bus *events.Bus, probe Prober, onReady func(id string)) *Reconnector {
	return &Reconnector{
		reg:         reg,
		events:      bus,
		probe:       probe,
		interval:    DefaultProbeInterval,
		maxAttempts: DefaultMaxAttempts,
		outageLimit: DefaultOutageLimit,
		onReady:     onReady,
	}
}

// Probe runs the recovery loop for one backend until it succeeds, attempts
// are exhausted, the outage limit is hit, or ctx is cancelled. Intended to
// be launched as its own goroutine per disconnected backend (spec §4.7,
// §5 "one Reconnector task per disconnected backend").
func (r *Reconnector) Probe(ctx context.Context, id, baseURL string) {
	start := time.Now()

	backOff := backoff.NewExponentialBackOff()
	backOff.InitialInterval = r.interval
	backOff.MaxInterval = r.interval
	backOff.Multiplier = 1 // fixed cadence per spec §4.7, not exponential

	operation := func() (struct{}, error) {
		if snap, ok := r.reg.Get(id); !ok || snap.Status == registry.StatusStopped {
			return struct{}{}, backoff.Permanent(errGone)
		}
		if time.Since(start) > r.outageLimit {
			return struct{}{}, backoff.Permanent(errOutageExceeded)
		}
		if err := r.probe(ctx, baseURL); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backOff),
		backoff.WithMaxTries(uint(r.maxAttempts)),
	)

	switch {
	case err == nil:
		r.reg.SetStatus(id, registry.StatusReady, "")
		logger.Infow("backend reconnected", "backend_id", id)
		if r.events != nil {
			r.events.Publish(events.Event{Type: events.TypeReconnect, BackendID: id})
		}
		if r.onReady != nil {
			r.onReady(id)
		}
	case err == errGone:
		// Backend was unregistered or already stopped; nothing to do.
	default:
		logger.Warnw("backend reconnection exhausted", "backend_id", id, "error", err)
		r.reg.SetStatus(id, registry.StatusStopped, "reconnection failed: "+err.Error())
		if r.events != nil {
			r.events.Publish(events.Event{Type: events.TypeError, BackendID: id, Payload: map[string]any{"reason": "reconnect_exhausted"}})
		}
	}
}

var (
	errGone           = permanentErr("backend no longer tracked")
	errOutageExceeded = permanentErr("outage exceeded reconnection budget")
)

type permanentErr string

func (e permanentErr) Error() string { return string(e) }
