// Package events implements the proxy's in-memory event stream (spec §3
// Event, §4.6 EventBus) — a bounded ring buffer feeding both SSE
// subscribers and, when configured, a durable EventStore sink.
package events

import (
	"time"

	"github.com/tidwall/gjson"
)

// Type enumerates the kinds of Event the bus carries (spec §3).
type Type string

const (
	TypeRegister      Type = "REGISTER"
	TypeAgentStart    Type = "AGENT_START"
	TypeAgentStop     Type = "AGENT_STOP"
	TypeRequest       Type = "REQUEST"
	TypeToolCall      Type = "TOOL_CALL"
	TypeCodeExecution Type = "CODE_EXECUTION"
	TypeOutput        Type = "OUTPUT"
	TypeError         Type = "ERROR"
	TypeHeartbeat     Type = "HEARTBEAT"
	TypeProgress      Type = "PROGRESS"
	TypeDisconnect    Type = "DISCONNECT"
	TypeReconnect     Type = "RECONNECT"
)

// Event is one entry in the proxy's audit trail (spec §3).
type Event struct {
	ID        int64
	Type      Type
	BackendID string
	SessionID string
	RequestID string
	Method    string
	Timestamp time.Time
	Payload   map[string]any
}

// ExtractMethod pulls the JSON-RPC "method" field out of a raw request body
// without a full unmarshal, used to label REQUEST events and to route
// transport-level control methods (spec §4.1, §4.6). Returns "" if body
// isn't a JSON object with a string method field (e.g. a response or a
// malformed request).
func ExtractMethod(body []byte) string {
	result := gjson.GetBytes(body, "method")
	if !result.Exists() || result.Type != gjson.String {
		return ""
	}
	return result.String()
}

// ExtractID pulls the JSON-RPC "id" field, rendered as a string regardless
// of whether the wire value was a number or a string (spec §3 RequestID).
func ExtractID(body []byte) string {
	result := gjson.GetBytes(body, "id")
	if !result.Exists() {
		return ""
	}
	return result.Raw
}
