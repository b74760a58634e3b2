package router

import (
	"context"
	"net/http"
	"time"
)

// Keepalive intervals while a request sits buffered waiting for its
// backend to reconnect (spec §4.7/§5). KeepaliveInterval selects by
// JSON-RPC method only: every tools/call, whichever tool it names, gets
// KeepaliveIntervalExTool; every other method uses the slower cadence.
const (
	KeepaliveIntervalExTool = 5 * time.Second
	KeepaliveIntervalOther  = 15 * time.Second
	KeepaliveMaxBudget      = 60 * time.Second
)

// keepaliveFillerToolCall is an SSE comment line: safe for tools/call,
// whose stream the client is expected to read frame-by-frame rather than
// parse as a single JSON document.
const keepaliveFillerToolCall = ": keepalive\n\n"

// keepaliveFillerGeneric is pure whitespace: a generic forwarded method's
// eventual response is a single JSON document written over the same
// connection, and leading whitespace is the only filler a JSON parser
// ignores without corrupting that document.
const keepaliveFillerGeneric = "\n"

// KeepaliveInterval picks the cadence for method.
func KeepaliveInterval(method string) time.Duration {
	if method == "tools/call" {
		return KeepaliveIntervalExTool
	}
	return KeepaliveIntervalOther
}

// KeepaliveFiller picks the bytes RunKeepalive writes while buffering
// method: a human-readable SSE comment for tools/call, pure whitespace for
// every other forwarded method (spec §4.7/§5).
func KeepaliveFiller(method string) []byte {
	if method == "tools/call" {
		return []byte(keepaliveFillerToolCall)
	}
	return []byte(keepaliveFillerGeneric)
}

// RunKeepalive writes filler to w every interval, up to KeepaliveMaxBudget
// total, stopping early if done fires or the client stream is reported
// closed. It never writes after done fires.
func RunKeepalive(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, interval time.Duration, filler []byte, closed func() bool, done <-chan struct{}) {
	if interval <= 0 {
		interval = KeepaliveIntervalOther
	}
	if len(filler) == 0 {
		filler = []byte(keepaliveFillerGeneric)
	}
	deadline := time.NewTimer(KeepaliveMaxBudget)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
			if closed != nil && closed() {
				return
			}
			if _, err := w.Write(filler); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
