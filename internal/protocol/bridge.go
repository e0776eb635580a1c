// ABOUTME: Newline-delimited JSON framing for the bridge (node) transport.
// ABOUTME: One JSON object per line, discriminated by a "type" field.

package protocol

import (
	"encoding/json"
	"strings"
)

// Bridge frame discriminants. Inbound (node -> gateway): hello, pair, rpc,
// invoke-res, pong. Outbound (gateway -> node): hello-ok, pair-ok,
// pair-rejected, res, invoke, ping, event, error.
const (
	BridgeHello        = "hello"
	BridgeHelloOK      = "hello-ok"
	BridgePair         = "pair"
	BridgePairOK       = "pair-ok"
	BridgePairRejected = "pair-rejected"
	BridgeRPC          = "rpc"
	BridgeRes          = "res"
	BridgeInvoke       = "invoke"
	BridgeInvokeRes    = "invoke-res"
	BridgePing         = "ping"
	BridgePong         = "pong"
	BridgeEvent        = "event"
	BridgeError        = "error"
)

// BridgeFrame is the superset wire shape for one line on the bridge
// transport. Which fields are meaningful depends on Type.
type BridgeFrame struct {
	Type string `json:"type"`

	// hello / pair
	NodeID      string   `json:"nodeId,omitempty"`
	DisplayName string   `json:"displayName,omitempty"`
	Token       string   `json:"token,omitempty"`
	Platform    string   `json:"platform,omitempty"`
	Version     string   `json:"version,omitempty"`
	Caps        []string `json:"caps,omitempty"`
	Commands    []string `json:"commands,omitempty"`
	Silent      bool     `json:"silent,omitempty"`

	// rpc / res / invoke / invoke-res / ping / pong
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	OK     *bool           `json:"ok,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`

	// invoke
	Command string `json:"command,omitempty"`

	// hello-ok
	ServerName string `json:"serverName,omitempty"`

	// event
	Event   string `json:"event,omitempty"`
	Seq     uint64 `json:"seq,omitempty"`
	Payload any    `json:"payload,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseBridgeLine decodes one bridge line. Malformed JSON or a missing
// discriminant yields a validation error; the caller decides whether the
// violation is fatal (pre-hello) or merely rejected (post-hello).
func ParseBridgeLine(line []byte) (*BridgeFrame, *Error) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" {
		return nil, Validation("", "empty frame")
	}
	var frame BridgeFrame
	if err := json.Unmarshal([]byte(trimmed), &frame); err != nil {
		return nil, Validation("", "frame is not valid JSON")
	}
	if frame.Type == "" {
		return nil, Validation("type", "missing frame discriminant")
	}
	return &frame, nil
}

// BridgeErrorFrame builds an outbound error line from a wire Error.
func BridgeErrorFrame(err *Error) *BridgeFrame {
	return &BridgeFrame{Type: BridgeError, Code: string(err.Code), Message: err.Message}
}
