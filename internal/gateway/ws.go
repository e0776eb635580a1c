// ABOUTME: WebSocket connection manager: handshake state machine, payload
// ABOUTME: caps, event writer pump, and presence bookkeeping per connection.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/den-gateway/internal/presence"
	"github.com/2389/den-gateway/internal/protocol"
)

// connState is the per-connection protocol state machine.
type connState int

const (
	stateConnecting connState = iota
	stateAwaitingHandshake
	stateActive
	stateClosing
	stateClosed
)

// connectParams is the payload of the connect handshake frame.
type connectParams struct {
	Token  string `json:"token"`
	Client struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"client"`
	Subscribe []string `json:"subscribe"`
}

// helloSnapshot is the connect response: presence and health at this
// instant plus the event tags the connection will receive.
type helloSnapshot struct {
	Server   string            `json:"server"`
	Presence presence.Snapshot `json:"presence"`
	Health   map[string]any    `json:"health"`
	Events   []string          `json:"events"`
}

// wsServer owns the set of WebSocket client connections.
type wsServer struct {
	gw     *Gateway
	logger *slog.Logger

	mu    sync.Mutex
	conns map[string]*wsConn
}

func newWSServer(gw *Gateway) *wsServer {
	return &wsServer{
		gw:     gw,
		logger: gw.logger.With("component", "ws"),
		conns:  make(map[string]*wsConn),
	}
}

// wsConn is one client connection. Satisfies rpc.Caller.
type wsConn struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	mu    sync.Mutex
	state connState

	writeMu sync.Mutex
}

func (c *wsConn) ID() string          { return c.id }
func (c *wsConn) Role() protocol.Role { return protocol.RoleClient }

func (c *wsConn) setState(s connState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *wsConn) getState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// write serializes frame writes; responses and event pushes interleave but
// never corrupt each other.
func (c *wsConn) write(ctx context.Context, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (s *wsServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	id := uuid.New().String()
	c := &wsConn{
		id:     id,
		conn:   conn,
		state:  stateConnecting,
		logger: s.logger.With("conn", id[:8]),
	}

	// The read limit sits above the payload cap so an oversized frame can
	// be rejected with a typed error instead of a transport close.
	conn.SetReadLimit(s.gw.cfg.Server.MaxPayloadBytes + 64*1024)

	s.register(c)
	defer s.unregister(c)

	ctx := r.Context()
	c.setState(stateAwaitingHandshake)
	if !s.handshake(ctx, c) {
		c.setState(stateClosed)
		_ = conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}

	c.setState(stateActive)
	s.serveActive(ctx, c)
	c.setState(stateClosed)
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func (s *wsServer) register(c *wsConn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
}

// unregister drops the connection, removes presence, and announces the
// change to remaining subscribers.
func (s *wsServer) unregister(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()

	if _, removed := s.gw.registry.Remove(c.id); removed {
		s.gw.bus.Publish(protocol.EventPresence, s.gw.registry.Snapshot())
		c.logger.Info("client disconnected")
	}
}

// closeAll force-closes every live connection during shutdown.
func (s *wsServer) closeAll() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.setState(stateClosing)
		_ = c.conn.Close(websocket.StatusGoingAway, "shutting down")
	}
}

// handshake enforces first-frame-must-be-connect. Any other first frame is
// a protocol violation and the connection closes with a diagnostic.
func (s *wsServer) handshake(ctx context.Context, c *wsConn) bool {
	var req protocol.Request
	if err := wsjson.Read(ctx, c.conn, &req); err != nil {
		return false
	}

	if req.Method != "connect" {
		c.logger.Warn("first frame was not connect", "method", req.Method)
		_ = c.write(ctx, protocol.ErrorResponse(req.RequestID, protocol.ProtocolViolation("first frame must be connect")))
		return false
	}

	spec, _ := protocol.LookupMethod("connect")
	if perr := spec.ValidateParams(req.Params); perr != nil {
		_ = c.write(ctx, protocol.ErrorResponse(req.RequestID, perr))
		return false
	}

	var params connectParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			_ = c.write(ctx, protocol.ErrorResponse(req.RequestID, protocol.Validation("params", "params is not valid JSON")))
			return false
		}
	}

	if perr := s.authenticate(params.Token); perr != nil {
		_ = c.write(ctx, protocol.ErrorResponse(req.RequestID, perr))
		return false
	}

	tags := params.Subscribe
	if len(tags) == 0 {
		tags = protocol.EventTags
	}
	for _, tag := range tags {
		if !protocol.ValidTag(tag) {
			_ = c.write(ctx, protocol.ErrorResponse(req.RequestID, protocol.Validation("params.subscribe", "unknown event tag: "+tag)))
			return false
		}
	}

	s.gw.registry.Upsert(presence.Record{
		ConnID:      c.id,
		Role:        protocol.RoleClient,
		DisplayName: params.Client.Name,
	})

	snapshot := helloSnapshot{
		Server:   ServerName,
		Presence: s.gw.registry.Snapshot(),
		Health: map[string]any{
			"status":        "ok",
			"uptimeSeconds": int(time.Since(s.gw.startedAt).Seconds()),
		},
		Events: tags,
	}
	if err := c.write(ctx, protocol.NewResponse(req.RequestID, snapshot)); err != nil {
		return false
	}

	// Presence fan-out happens after the hello so the new client's first
	// observed presence state is its own snapshot.
	s.gw.bus.Publish(protocol.EventPresence, s.gw.registry.Snapshot())
	c.logger.Info("client connected", "name", params.Client.Name, "tags", len(tags))

	go s.pumpEvents(ctx, c, tags)
	return true
}

// authenticate verifies the connect bearer token when auth is configured.
func (s *wsServer) authenticate(token string) *protocol.Error {
	if !s.gw.verifier.Enabled() {
		return nil
	}
	if token == "" {
		return protocol.ProtocolViolation("connect requires a token")
	}
	if _, err := s.gw.verifier.Verify(token); err != nil {
		return protocol.ProtocolViolation("invalid token")
	}
	return nil
}

// pumpEvents forwards broadcaster events to the client in publish order.
// A client too slow to drain its outbox is kicked by the broadcaster; the
// connection follows it down.
func (s *wsServer) pumpEvents(ctx context.Context, c *wsConn, tags []string) {
	sub := s.gw.bus.Subscribe(ctx, tags)
	for ev := range sub.C {
		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := c.write(writeCtx, ev.Frame())
		cancel()
		if err != nil {
			return
		}
	}
	if sub.Kicked() {
		c.logger.Warn("client too slow, shedding")
		c.setState(stateClosing)
		_ = c.conn.Close(websocket.StatusPolicyViolation, "event buffer overflow")
	}
}

// serveActive is the read loop for an Active connection.
func (s *wsServer) serveActive(ctx context.Context, c *wsConn) {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			continue
		}

		if int64(len(data)) > s.gw.cfg.Server.MaxPayloadBytes {
			// Rejected without processing; the connection stays Active.
			reqID := requestIDOf(data)
			_ = c.write(ctx, protocol.ErrorResponse(reqID, protocol.CapacityExceeded(
				fmt.Sprintf("frame of %d bytes exceeds cap of %d", len(data), s.gw.cfg.Server.MaxPayloadBytes))))
			continue
		}

		var req protocol.Request
		if err := json.Unmarshal(data, &req); err != nil {
			_ = c.write(ctx, protocol.ErrorResponse("", protocol.Validation("", "frame is not valid JSON")))
			continue
		}
		if req.Method == "" {
			_ = c.write(ctx, protocol.ErrorResponse(req.RequestID, protocol.Validation("method", "method is required")))
			continue
		}

		// Dispatch concurrently: a long agent call must not block pings,
		// other requests, or event delivery on this connection.
		go func(req protocol.Request) {
			resp := s.gw.dispatcher.Dispatch(ctx, c, &req)
			if err := c.write(ctx, resp); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Debug("response write failed", "method", req.Method, "error", err)
				return
			}
			if resp.Error != nil && resp.Error.Fatal() {
				c.logger.Warn("closing after protocol violation", "method", req.Method)
				c.setState(stateClosing)
				_ = c.conn.Close(websocket.StatusPolicyViolation, string(resp.Error.Code))
			}
		}(req)
	}
}

// requestIDOf best-effort extracts requestId from an oversized or
// otherwise unprocessed frame so the error can still correlate.
func requestIDOf(data []byte) string {
	var probe struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.RequestID
}
