// Package router implements the Router (spec §4.8): resolving an inbound
// request to a target backend and forwarding, buffering, or rejecting it
// according to that backend's current lifecycle status.
package router

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/stacklok/mcprepl-proxy/pkg/events"
	"github.com/stacklok/mcprepl-proxy/pkg/logger"
	"github.com/stacklok/mcprepl-proxy/pkg/registry"
)

// TargetHeader names the header a client may set to pick a backend
// explicitly, used when Mcp-Session-Id isn't yet bound (spec §4.8).
const TargetHeader = "X-MCPRepl-Target"

// SessionHeader is the standard MCP session header (spec §6).
const SessionHeader = "Mcp-Session-Id"

// DefaultConnectTimeout bounds dialing a ready backend (spec §4.8).
const DefaultConnectTimeout = 5 * time.Second

// DefaultReadTimeout bounds waiting for a ready backend's response.
const DefaultReadTimeout = 30 * time.Second

// ErrNoTarget is returned when a request names no session and no explicit
// target header (spec §4.8 "none -> error").
var ErrNoTarget = errors.New("no target backend: missing Mcp-Session-Id and X-MCPRepl-Target")

// ErrStopped is returned when the resolved backend is permanently stopped.
var ErrStopped = errors.New("backend permanently stopped")

// SessionBinder resolves/updates which backend a client session is bound
// to. Satisfied by *session.SessionTable, which pkg/proxy passes directly.
type SessionBinder interface {
	TargetFor(sessionID string) (string, bool)
	Bind(sessionID, targetID string)
}

// Registry is the subset of *registry.Registry the Router needs.
type Registry interface {
	Get(id string) (registry.Snapshot, bool)
	Enqueue(id string, p *registry.PendingRequest) bool
	RemoveFromPending(id string, p *registry.PendingRequest)
	SetStatus(id string, status registry.Status, errMsg string)
	IncrementMissedHeartbeats(id, lastErr string)
}

// Router resolves a target backend for each inbound request and forwards,
// buffers, or rejects it based on that backend's status.
type Router struct {
	reg      Registry
	sessions SessionBinder
	events   *events.Bus
	client   *http.Client
	latency  metric.Float64Histogram

	// OnDisconnect is invoked, with the backend id, immediately after a
	// forward failure demotes a backend to disconnected — the same signal
	// HeartbeatMonitor's onStale sends, so a Reconnector probe starts
	// regardless of which path detected the outage (spec §4.7/§4.8).
	// Wired by pkg/proxy; nil is a no-op (e.g. in unit tests).
	OnDisconnect func(id string)
}

// New constructs a Router. client, if nil, gets DefaultConnectTimeout /
// DefaultReadTimeout defaults.
func New(reg Registry, sessions SessionBinder, bus *events.Bus, client *http.Client) *Router {
	if client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = (&net.Dialer{Timeout: DefaultConnectTimeout}).DialContext
		client = &http.Client{Timeout: DefaultReadTimeout, Transport: transport}
	}
	return &Router{reg: reg, sessions: sessions, events: bus, client: client}
}

// SetLatencyRecorder registers an instrument fed the duration of every
// successful forward to a ready backend (SPEC_FULL §4 ambient
// observability). Not safe to call concurrently with Forward/Flush;
// intended to be set once during wiring. nil (the default) is a no-op.
func (rt *Router) SetLatencyRecorder(h metric.Float64Histogram) {
	rt.latency = h
}

// Resolve picks the target backend id for an inbound request, per spec
// §4.8: bound session first, then the explicit override header, else
// ErrNoTarget.
func (rt *Router) Resolve(r *http.Request) (string, error) {
	if sid := r.Header.Get(SessionHeader); sid != "" {
		if target, ok := rt.sessions.TargetFor(sid); ok && target != "" {
			return target, nil
		}
	}
	if target := r.Header.Get(TargetHeader); target != "" {
		return target, nil
	}
	return "", ErrNoTarget
}

// Forward dispatches body to target according to its current status (spec
// §4.8/§4.12). For a ready backend it forwards synchronously and returns
// the backend's response body and status code. For disconnected/
// reconnecting it buffers the request and blocks until flushed, the
// reconnection budget expires, or ctx is cancelled. For stopped it returns
// ErrStopped immediately.
func (rt *Router) Forward(ctx context.Context, target string, header http.Header, body []byte) ([]byte, int, error) {
	snap, ok := rt.reg.Get(target)
	if !ok {
		return nil, 0, &registry.NotFoundError{ID: target}
	}

	switch snap.Status {
	case registry.StatusReady:
		return rt.forwardNow(ctx, snap, target, header, body)
	case registry.StatusStopped:
		return nil, 0, ErrStopped
	default: // disconnected, reconnecting
		return rt.bufferAndWait(ctx, target, header, body)
	}
}

func (rt *Router) forwardNow(ctx context.Context, snap registry.Snapshot, target string, header http.Header, body []byte) ([]byte, int, error) {
	method := events.ExtractMethod(body)
	reqID := events.ExtractID(body)
	isToolCall := method == "tools/call"
	var progressToken string

	if isToolCall && rt.events != nil {
		progressToken = target + ":" + method + ":" + strconv.FormatInt(time.Now().UnixNano(), 10)
		rt.events.Publish(events.Event{
			Type: events.TypeProgress, BackendID: target, Method: method, RequestID: reqID,
			Payload: map[string]any{"token": progressToken, "step": 1, "total": 2},
		})
	}

	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, snap.BaseURL(), bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header = header.Clone()
	req.Header.Set("Content-Type", "application/json")

	if rt.events != nil {
		evType := events.TypeCodeExecution
		if isToolCall {
			evType = events.TypeToolCall
		}
		rt.events.Publish(events.Event{Type: evType, BackendID: target, Method: method, RequestID: reqID})
	}

	resp, err := rt.client.Do(req)
	if err != nil {
		rt.handleForwardFailure(target, err)
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		rt.handleForwardFailure(target, err)
		return nil, 0, err
	}

	elapsed := time.Since(start)
	durationMillis := elapsed.Milliseconds()
	if rt.latency != nil {
		rt.latency.Record(ctx, elapsed.Seconds())
	}
	if rt.events != nil {
		rt.events.Publish(events.Event{
			Type: events.TypeOutput, BackendID: target, Method: method, RequestID: reqID,
			Payload: map[string]any{"status_code": resp.StatusCode, "duration_millis": durationMillis},
		})
		if isToolCall {
			rt.events.Publish(events.Event{
				Type: events.TypeProgress, BackendID: target, Method: method, RequestID: reqID,
				Payload: map[string]any{"token": progressToken, "step": 2, "total": 2},
			})
		}
	}
	return respBody, resp.StatusCode, nil
}

// handleForwardFailure implements the forward-failure half of spec §4.8:
// a failed forward demotes the backend, which starts the same
// disconnected -> (reconnecting -> stopped after 2min) path a missed
// heartbeat would — including spawning the Reconnector probe that drives
// that path, via OnDisconnect, the same way HeartbeatMonitor's onStale
// does.
func (rt *Router) handleForwardFailure(target string, err error) {
	logger.Warnw("forward to backend failed", "backend_id", target, "error", err)
	rt.reg.IncrementMissedHeartbeats(target, err.Error())
	rt.reg.SetStatus(target, registry.StatusDisconnected, err.Error())
	if rt.events != nil {
		rt.events.Publish(events.Event{
			Type: events.TypeError, BackendID: target,
			Payload: map[string]any{"reason": "forward_failed", "error": err.Error()},
		})
	}
	if rt.OnDisconnect != nil {
		rt.OnDisconnect(target)
	}
}

// bufferAndWait enqueues body on target's pending queue and blocks until
// the registry signals completion (flush, drain-with-error, or ctx done).
func (rt *Router) bufferAndWait(ctx context.Context, target string, header http.Header, body []byte) ([]byte, int, error) {
	p := &registry.PendingRequest{
		Body:       body,
		Header:     header,
		Done:       make(chan struct{}),
		EnqueuedAt: time.Now().UTC(),
	}
	if !rt.reg.Enqueue(target, p) {
		return nil, 0, &registry.NotFoundError{ID: target}
	}

	select {
	case <-p.Done:
		if p.Err != nil {
			return nil, 0, p.Err
		}
		return p.Body, http.StatusOK, nil
	case <-ctx.Done():
		rt.reg.RemoveFromPending(target, p)
		return nil, 0, ctx.Err()
	}
}

// Flush implements the signature registry.Registry.OnReady expects: it
// forwards every buffered request to the now-ready backend and wakes each
// waiting caller with the result (spec §4.4/§4.8 "flush pending on
// transition to ready").
func (rt *Router) Flush(target string, pending []*registry.PendingRequest) {
	snap, ok := rt.reg.Get(target)
	if !ok {
		for _, p := range pending {
			p.Err = &registry.NotFoundError{ID: target}
			close(p.Done)
		}
		return
	}

	for _, p := range pending {
		body, _, err := rt.forwardNow(context.Background(), snap, target, p.Header, p.Body)
		if err != nil {
			p.Err = err
		} else {
			p.Body = body
		}
		close(p.Done)
	}
}
