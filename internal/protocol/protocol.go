// ABOUTME: Wire types shared by the WebSocket client transport and the bridge.
// ABOUTME: Defines request/response/event frames, roles, and event tags.

package protocol

import (
	"encoding/json"
	"time"
)

// Role identifies which transport a connection arrived on.
type Role string

const (
	RoleClient Role = "client"
	RoleNode   Role = "node"
)

// Request is a method call frame received from a client connection.
type Request struct {
	Method    string          `json:"method"`
	RequestID string          `json:"requestId"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// Response is the reply to a Request, correlated by RequestID.
type Response struct {
	Type      string          `json:"type"` // always "response"
	RequestID string          `json:"requestId"`
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// NewResponse builds a successful response, marshaling result to JSON.
// A result that fails to marshal is reported as an internal error.
func NewResponse(requestID string, result any) *Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return ErrorResponse(requestID, Internal("encoding result: "+err.Error()))
	}
	return &Response{Type: "response", RequestID: requestID, OK: true, Result: raw}
}

// ErrorResponse builds a failed response carrying a typed error.
func ErrorResponse(requestID string, err *Error) *Response {
	return &Response{Type: "response", RequestID: requestID, OK: false, Error: err}
}

// Event tags. Every event published through the broadcaster carries exactly
// one of these.
const (
	EventAgent           = "agent"
	EventChat            = "chat"
	EventPresence        = "presence"
	EventTick            = "tick"
	EventHealth          = "health"
	EventHeartbeat       = "heartbeat"
	EventCron            = "cron"
	EventNodePairRequest = "node.pair.request"
	EventNodePairResult  = "node.pair.result"
	EventVoiceWake       = "voicewake.changed"
	EventShutdown        = "shutdown"
)

// EventTags lists every event tag a connection may subscribe to.
var EventTags = []string{
	EventAgent,
	EventChat,
	EventPresence,
	EventTick,
	EventHealth,
	EventHeartbeat,
	EventCron,
	EventNodePairRequest,
	EventNodePairResult,
	EventVoiceWake,
	EventShutdown,
}

// ValidTag reports whether tag is a known event tag.
func ValidTag(tag string) bool {
	for _, t := range EventTags {
		if t == tag {
			return true
		}
	}
	return false
}

// Event is one broadcast occurrence. Seq is assigned by the broadcaster and
// is monotonically increasing across all tags.
type Event struct {
	Tag     string
	Seq     uint64
	Time    time.Time
	Payload any
}

// EventFrame is the wire shape of an event push to a subscribed connection.
type EventFrame struct {
	Type    string `json:"type"` // always "event"
	Event   string `json:"event"`
	Seq     uint64 `json:"seq"`
	Payload any    `json:"payload,omitempty"`
}

// Frame wraps an Event for delivery.
func (e *Event) Frame() *EventFrame {
	return &EventFrame{Type: "event", Event: e.Tag, Seq: e.Seq, Payload: e.Payload}
}
