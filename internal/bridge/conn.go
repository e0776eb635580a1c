// ABOUTME: One live node connection: serialized line writes, ping loop, and
// ABOUTME: invoke correlation by request id.

package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/den-gateway/internal/protocol"
)

// nodeConn is one bridge connection. It satisfies rpc.Caller so node rpc
// frames flow through the same dispatcher as client frames.
type nodeConn struct {
	server *Server
	conn   net.Conn
	logger *slog.Logger

	id          string
	displayName string
	caps        []string
	commands    []string
	paired      bool

	writeMu sync.Mutex
	encErr  bool

	invokeMu sync.Mutex
	invoke   map[string]chan *protocol.BridgeFrame

	closeOnce sync.Once
}

func (nc *nodeConn) ID() string          { return nc.id }
func (nc *nodeConn) Role() protocol.Role { return protocol.RoleNode }

// send writes one frame as a single line. Writes from the ping loop, event
// pump, and rpc responders are serialized here.
func (nc *nodeConn) send(frame *protocol.BridgeFrame) {
	nc.writeMu.Lock()
	defer nc.writeMu.Unlock()
	if nc.encErr {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		nc.logger.Error("encoding bridge frame", "error", err)
		return
	}
	data = append(data, '\n')
	if _, err := nc.conn.Write(data); err != nil {
		nc.encErr = true
		nc.logger.Debug("bridge write failed", "error", err)
	}
}

func (nc *nodeConn) close() {
	nc.closeOnce.Do(func() {
		_ = nc.conn.Close()
		nc.invokeMu.Lock()
		for id, ch := range nc.invoke {
			close(ch)
			delete(nc.invoke, id)
		}
		nc.invokeMu.Unlock()
	})
}

// startPing sends periodic pings; pongs refresh presence in handleFrame.
func (nc *nodeConn) startPing(interval time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				nc.send(&protocol.BridgeFrame{Type: protocol.BridgePing, ID: uuid.New().String()})
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}

// invoke sends a command to the node and waits for its invoke-res.
func (nc *nodeConn) invokeCommand(ctx context.Context, command string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	id := uuid.New().String()
	ch := make(chan *protocol.BridgeFrame, 1)

	nc.invokeMu.Lock()
	nc.invoke[id] = ch
	nc.invokeMu.Unlock()
	defer func() {
		nc.invokeMu.Lock()
		delete(nc.invoke, id)
		nc.invokeMu.Unlock()
	}()

	nc.send(&protocol.BridgeFrame{Type: protocol.BridgeInvoke, ID: id, Command: command, Params: params})

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame, ok := <-ch:
		if !ok {
			return nil, protocol.Transport("node disconnected during invoke")
		}
		if frame.OK != nil && !*frame.OK {
			if frame.Error != nil {
				return nil, frame.Error
			}
			return nil, protocol.Internal("node reported failure")
		}
		return frame.Result, nil
	case <-timer.C:
		return nil, protocol.Timeout("invoke timed out: " + command)
	case <-ctx.Done():
		return nil, protocol.AsError(ctx.Err())
	}
}

// resolveInvoke routes an invoke-res to its waiter. Unmatched ids are
// stale (timed out) and dropped.
func (nc *nodeConn) resolveInvoke(frame *protocol.BridgeFrame) {
	nc.invokeMu.Lock()
	ch, ok := nc.invoke[frame.ID]
	if ok {
		delete(nc.invoke, frame.ID)
	}
	nc.invokeMu.Unlock()
	if ok {
		ch <- frame
	}
}
