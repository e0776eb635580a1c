// ABOUTME: TCP bridge server for paired nodes: newline-JSON framing, hello and
// ABOUTME: pairing handshake, rpc dispatch, invoke correlation, keepalive.

package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/2389/den-gateway/internal/config"
	"github.com/2389/den-gateway/internal/events"
	"github.com/2389/den-gateway/internal/pairing"
	"github.com/2389/den-gateway/internal/presence"
	"github.com/2389/den-gateway/internal/protocol"
	"github.com/2389/den-gateway/internal/rpc"
)

const (
	// mdnsService is the service type node clients browse for.
	mdnsService = "_den-bridge._tcp"

	// maxLineBytes bounds one bridge frame. Nodes ship screenshots inline.
	maxLineBytes = 8 * 1024 * 1024

	pairingWindow = 5 * time.Minute
)

// ErrNodeNotConnected indicates the target node has no live connection.
var ErrNodeNotConnected = errors.New("node not connected")

// ErrNoPendingPairing indicates there is no pairing request for the node.
var ErrNoPendingPairing = errors.New("no pending pairing request for node")

// Dispatcher routes rpc frames arriving over the bridge. Satisfied by
// *rpc.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, caller rpc.Caller, req *protocol.Request) *protocol.Response
}

// pairRequestPayload is the payload of node.pair.request events.
type pairRequestPayload struct {
	NodeID      string   `json:"nodeId"`
	DisplayName string   `json:"displayName,omitempty"`
	Platform    string   `json:"platform,omitempty"`
	Caps        []string `json:"caps,omitempty"`
	Silent      bool     `json:"silent,omitempty"`
}

// pairResultPayload is the payload of node.pair.result events.
type pairResultPayload struct {
	NodeID   string `json:"nodeId"`
	Approved bool   `json:"approved"`
}

// Server owns the bridge listener and every node connection.
type Server struct {
	cfg        config.BridgeConfig
	serverName string
	dispatcher Dispatcher
	registry   *presence.Registry
	nodes      *pairing.Store
	bus        *events.Broadcaster
	logger     *slog.Logger

	mu       sync.Mutex
	conns    map[string]*nodeConn // node id -> live connection
	pending  map[string]*pendingPair
	listener net.Listener
	mdns     *zeroconf.Server
	closed   bool
	wg       sync.WaitGroup
}

type pendingPair struct {
	conn     *nodeConn
	decision chan bool
}

// NewServer creates a bridge server. The listener starts on Start.
func NewServer(cfg config.BridgeConfig, serverName string, dispatcher Dispatcher, registry *presence.Registry, nodes *pairing.Store, bus *events.Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:        cfg,
		serverName: serverName,
		dispatcher: dispatcher,
		registry:   registry,
		nodes:      nodes,
		bus:        bus,
		logger:     logger.With("component", "bridge"),
		conns:      make(map[string]*nodeConn),
		pending:    make(map[string]*pendingPair),
	}
}

// Start binds the listener and begins accepting node connections. Returns
// once the listener is bound; connections are served in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("bridge listen on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("bridge listening", "addr", ln.Addr().String())

	if s.cfg.MDNS {
		s.advertise(ln)
	}

	s.wg.Add(1)
	go s.acceptLoop(ctx, ln)
	return nil
}

// Addr returns the bound listener address, for tests and banners.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// advertise registers the bridge on mDNS so nodes can discover it.
func (s *Server) advertise(ln net.Listener) {
	port := 0
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	} else if _, p, err := net.SplitHostPort(ln.Addr().String()); err == nil {
		port, _ = strconv.Atoi(p)
	}
	instance := s.cfg.MDNSInstance
	if instance == "" {
		instance = s.serverName
	}
	mdns, err := zeroconf.Register(instance, mdnsService, "local.", port, []string{"server=" + s.serverName}, nil)
	if err != nil {
		s.logger.Warn("mdns register failed", "error", err)
		return
	}
	s.mdns = mdns
	s.logger.Info("mdns advertised", "instance", instance, "service", mdnsService, "port", port)
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(ctx, conn)
		}()
	}
}

// Shutdown closes the listener and every node connection, then waits for
// connection goroutines to drain.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ln := s.listener
	mdns := s.mdns
	conns := make([]*nodeConn, 0, len(s.conns))
	for _, nc := range s.conns {
		conns = append(conns, nc)
	}
	pending := make([]*pendingPair, 0, len(s.pending))
	for id, pp := range s.pending {
		pending = append(pending, pp)
		delete(s.pending, id)
	}
	s.mu.Unlock()

	for _, pp := range pending {
		pp.decision <- false
		pp.conn.close()
	}

	if mdns != nil {
		mdns.Shutdown()
	}
	if ln != nil {
		_ = ln.Close()
	}
	for _, nc := range conns {
		nc.close()
	}
	s.wg.Wait()
	s.logger.Info("bridge stopped")
}

// ResolvePairing approves or rejects the pending pairing request for a
// node. Called by the dispatcher on node.pair.approve / node.pair.reject.
func (s *Server) ResolvePairing(nodeID string, approve bool) error {
	s.mu.Lock()
	pp, ok := s.pending[nodeID]
	if ok {
		delete(s.pending, nodeID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNoPendingPairing
	}
	pp.decision <- approve
	return nil
}

// Invoke sends a command frame to a paired node and waits for the
// correlated invoke-res.
func (s *Server) Invoke(ctx context.Context, nodeID, command string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	s.mu.Lock()
	nc, ok := s.conns[nodeID]
	s.mu.Unlock()
	if !ok {
		return nil, protocol.Unavailable("node not connected: " + nodeID)
	}
	return nc.invokeCommand(ctx, command, params, timeout)
}

// serve runs one node connection from accept to close.
func (s *Server) serve(ctx context.Context, conn net.Conn) {
	nc := &nodeConn{
		server: s,
		conn:   conn,
		logger: s.logger.With("remote", conn.RemoteAddr().String()),
		invoke: make(map[string]chan *protocol.BridgeFrame),
	}
	defer nc.close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	// Handshake: the first frame must be hello or pair.
	if !scanner.Scan() {
		return
	}
	frame, perr := protocol.ParseBridgeLine(scanner.Bytes())
	if perr != nil {
		nc.send(protocol.BridgeErrorFrame(protocol.ProtocolViolation(perr.Message)))
		return
	}
	switch frame.Type {
	case protocol.BridgeHello, protocol.BridgePair:
	default:
		nc.send(protocol.BridgeErrorFrame(protocol.ProtocolViolation("first frame must be hello or pair")))
		return
	}
	if frame.NodeID == "" {
		nc.send(protocol.BridgeErrorFrame(protocol.Validation("nodeId", "nodeId is required")))
		return
	}
	if !s.handshake(nc, frame) {
		return
	}
	defer s.retire(nc)

	stopPing := nc.startPing(s.cfg.PingInterval)
	defer stopPing()

	stopEvents := s.forwardEvents(ctx, nc)
	defer stopEvents()

	for scanner.Scan() {
		frame, perr := protocol.ParseBridgeLine(scanner.Bytes())
		if perr != nil {
			// Post-hello violations reject the frame, not the connection.
			nc.send(protocol.BridgeErrorFrame(perr))
			continue
		}
		s.handleFrame(ctx, nc, frame)
	}
	if err := scanner.Err(); err != nil {
		nc.logger.Debug("bridge read ended", "error", err)
	}
}

// handshake pairs or authenticates the node. Returns false when the
// connection must close.
func (s *Server) handshake(nc *nodeConn, frame *protocol.BridgeFrame) bool {
	nc.id = frame.NodeID
	nc.displayName = frame.DisplayName
	nc.caps = frame.Caps
	nc.commands = frame.Commands

	if frame.Type == protocol.BridgeHello && frame.Token != "" {
		if !s.nodes.VerifyToken(frame.NodeID, frame.Token) {
			nc.send(protocol.BridgeErrorFrame(protocol.Unavailable("invalid node token")))
			nc.logger.Warn("node hello with bad token", "node_id", frame.NodeID)
			return false
		}
		nc.send(&protocol.BridgeFrame{Type: protocol.BridgeHelloOK, ServerName: s.serverName})
		s.activate(nc)
		return true
	}

	// No token: interactive pairing, surfaced to subscribed clients.
	return s.pair(nc, frame)
}

func (s *Server) pair(nc *nodeConn, frame *protocol.BridgeFrame) bool {
	pp := &pendingPair{conn: nc, decision: make(chan bool, 1)}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.pending[nc.id] = pp
	s.mu.Unlock()

	s.bus.Publish(protocol.EventNodePairRequest, pairRequestPayload{
		NodeID:      nc.id,
		DisplayName: nc.displayName,
		Platform:    frame.Platform,
		Caps:        nc.caps,
		Silent:      frame.Silent,
	})
	nc.logger.Info("pairing requested", "node_id", nc.id)

	var approved bool
	select {
	case approved = <-pp.decision:
	case <-time.After(pairingWindow):
		s.mu.Lock()
		delete(s.pending, nc.id)
		s.mu.Unlock()
		nc.send(protocol.BridgeErrorFrame(protocol.Timeout("pairing window expired")))
		return false
	}

	s.bus.Publish(protocol.EventNodePairResult, pairResultPayload{NodeID: nc.id, Approved: approved})
	if !approved {
		nc.send(&protocol.BridgeFrame{Type: protocol.BridgePairRejected})
		nc.logger.Info("pairing rejected", "node_id", nc.id)
		return false
	}

	token, err := s.nodes.Approve(pairing.Node{
		ID:          nc.id,
		DisplayName: nc.displayName,
		Platform:    frame.Platform,
		Caps:        nc.caps,
		Commands:    nc.commands,
	})
	if err != nil {
		nc.send(protocol.BridgeErrorFrame(protocol.Internal("persisting pairing: " + err.Error())))
		return false
	}
	nc.send(&protocol.BridgeFrame{Type: protocol.BridgePairOK, Token: token, ServerName: s.serverName})
	nc.logger.Info("pairing approved", "node_id", nc.id)
	s.activate(nc)
	return true
}

// activate registers the paired connection and announces presence.
func (s *Server) activate(nc *nodeConn) {
	s.mu.Lock()
	if old, ok := s.conns[nc.id]; ok && old != nc {
		old.close()
	}
	s.conns[nc.id] = nc
	s.mu.Unlock()

	nc.paired = true
	s.nodes.TouchLastSeen(nc.id)
	s.registry.Upsert(presence.Record{
		ConnID:       nc.id,
		Role:         protocol.RoleNode,
		DisplayName:  nc.displayName,
		Capabilities: nc.caps,
		Paired:       true,
	})
	s.bus.Publish(protocol.EventPresence, s.registry.Snapshot())
	nc.logger.Info("node active", "node_id", nc.id, "caps", nc.caps)
}

// retire removes the connection from presence and announces the change.
func (s *Server) retire(nc *nodeConn) {
	s.mu.Lock()
	if s.conns[nc.id] == nc {
		delete(s.conns, nc.id)
	}
	delete(s.pending, nc.id)
	s.mu.Unlock()

	if !nc.paired {
		return
	}
	if _, removed := s.registry.Remove(nc.id); removed {
		s.bus.Publish(protocol.EventPresence, s.registry.Snapshot())
	}
	nc.logger.Info("node disconnected", "node_id", nc.id)
}

// handleFrame processes one post-handshake frame.
func (s *Server) handleFrame(ctx context.Context, nc *nodeConn, frame *protocol.BridgeFrame) {
	switch frame.Type {
	case protocol.BridgeRPC:
		if frame.Method == "" || frame.ID == "" {
			nc.send(protocol.BridgeErrorFrame(protocol.Validation("id", "rpc frames need id and method")))
			return
		}
		// Handlers may block (agent); keep the reader free.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			req := &protocol.Request{Method: frame.Method, RequestID: frame.ID, Params: frame.Params}
			resp := s.dispatcher.Dispatch(ctx, nc, req)
			ok := resp.OK
			nc.send(&protocol.BridgeFrame{
				Type:   protocol.BridgeRes,
				ID:     resp.RequestID,
				OK:     &ok,
				Result: resp.Result,
				Error:  resp.Error,
			})
		}()
	case protocol.BridgeInvokeRes:
		nc.resolveInvoke(frame)
	case protocol.BridgePong:
		s.registry.Touch(nc.id)
		s.nodes.TouchLastSeen(nc.id)
	case protocol.BridgePing:
		nc.send(&protocol.BridgeFrame{Type: protocol.BridgePong, ID: frame.ID})
	default:
		nc.send(protocol.BridgeErrorFrame(protocol.Validation("type", "unexpected frame type: "+frame.Type)))
	}
}

// forwardEvents pumps broadcaster events to the node as event frames. A
// node too slow to drain its outbox is kicked by the broadcaster, which
// closes the subscription channel; the connection follows.
func (s *Server) forwardEvents(ctx context.Context, nc *nodeConn) func() {
	subCtx, cancel := context.WithCancel(ctx)
	sub := s.bus.Subscribe(subCtx, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.C {
			nc.send(&protocol.BridgeFrame{
				Type:    protocol.BridgeEvent,
				Event:   ev.Tag,
				Seq:     ev.Seq,
				Payload: ev.Payload,
			})
		}
		if sub.Kicked() {
			nc.logger.Warn("node too slow, shedding", "node_id", nc.id)
			nc.close()
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
