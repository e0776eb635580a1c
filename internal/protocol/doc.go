// Package protocol defines the wire contract shared by the WebSocket client
// port and the TCP bridge port: frame types, the error taxonomy, event tags,
// and the per-method parameter schemas validated before dispatch.
package protocol
