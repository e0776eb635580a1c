// ABOUTME: RPC dispatcher: validate, idempotency lookup, singleflight execute.
// ABOUTME: Transport-agnostic; WS and bridge callers go through the same path.

package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/den-gateway/internal/agentrun"
	"github.com/2389/den-gateway/internal/cron"
	"github.com/2389/den-gateway/internal/events"
	"github.com/2389/den-gateway/internal/idempotency"
	"github.com/2389/den-gateway/internal/pairing"
	"github.com/2389/den-gateway/internal/presence"
	"github.com/2389/den-gateway/internal/protocol"
	"github.com/2389/den-gateway/internal/session"
	"github.com/2389/den-gateway/internal/store"
)

// Caller identifies the connection issuing a request. Implemented by the
// WS connection manager and the bridge server.
type Caller interface {
	ID() string
	Role() protocol.Role
}

// Deliverer hands an outbound message to its chat surface. The surface
// adapters are external; the gateway only guarantees at-most-once delivery
// per idempotency key.
type Deliverer interface {
	Deliver(ctx context.Context, sessionKey, text string) error
}

// NodeInvoker executes a command on a paired node and returns its response.
// Implemented by the bridge server.
type NodeInvoker interface {
	Invoke(ctx context.Context, nodeID, command string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error)
}

// Pairer resolves a pending node pairing request. Implemented by the bridge
// server, which surfaces the decision to the waiting node.
type Pairer interface {
	ResolvePairing(nodeID string, approve bool) error
}

// handler executes one validated method call.
type handler func(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.Error)

// Deps wires the dispatcher to the rest of the gateway. Deliverer, Invoker,
// and Pairer may be nil when the corresponding transport is disabled.
type Deps struct {
	Sessions  *session.Store
	Presence  *presence.Registry
	Cache     *idempotency.Cache
	Bus       *events.Broadcaster
	Agents    *agentrun.Manager
	Cron      *cron.Scheduler
	Nodes     *pairing.Store
	Store     store.Store
	Deliverer Deliverer
	Invoker   NodeInvoker
	Pairer    Pairer
	Logger    *slog.Logger
}

// Dispatcher routes validated frames to method handlers, enforcing the
// idempotency contract for methods that declare it.
type Dispatcher struct {
	deps      Deps
	handlers  map[string]handler
	flight    singleflight.Group
	startedAt time.Time
	logger    *slog.Logger
}

// NewDispatcher builds the method table.
func NewDispatcher(deps Deps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		deps:      deps,
		startedAt: time.Now(),
		logger:    logger.With("component", "rpc"),
	}
	d.handlers = map[string]handler{
		"send":              d.handleSend,
		"agent":             d.handleAgent,
		"chat.send":         d.handleChatSend,
		"chat.history":      d.handleChatHistory,
		"chat.abort":        d.handleChatAbort,
		"sessions.list":     d.handleSessionsList,
		"sessions.get":      d.handleSessionsGet,
		"sessions.reset":    d.handleSessionsReset,
		"sessions.delete":   d.handleSessionsDelete,
		"sessions.patch":    d.handleSessionsPatch,
		"config.get":        d.handleConfigGet,
		"config.set":        d.handleConfigSet,
		"cron.add":          d.handleCronAdd,
		"cron.list":         d.handleCronList,
		"cron.remove":       d.handleCronRemove,
		"voicewake.get":     d.handleVoicewakeGet,
		"voicewake.set":     d.handleVoicewakeSet,
		"node.list":         d.handleNodeList,
		"node.invoke":       d.handleNodeInvoke,
		"node.pair.approve": d.handleNodePairApprove,
		"node.pair.reject":  d.handleNodePairReject,
		"system-status":     d.handleSystemStatus,
		"system-presence":   d.handleSystemPresence,
		"wake":              d.handleWake,
	}
	return d
}

// BindBridge attaches the bridge transport after construction. The bridge
// needs the dispatcher to route node rpc frames, so the cycle resolves
// here, before any listener starts.
func (d *Dispatcher) BindBridge(invoker NodeInvoker, pairer Pairer) {
	d.deps.Invoker = invoker
	d.deps.Pairer = pairer
}

// Dispatch runs one method call end to end and always returns a response
// frame correlated to the request. Validation precedes everything else.
func (d *Dispatcher) Dispatch(ctx context.Context, caller Caller, req *protocol.Request) *protocol.Response {
	spec, ok := protocol.LookupMethod(req.Method)
	if !ok {
		return protocol.ErrorResponse(req.RequestID, protocol.MethodNotFound(req.Method))
	}
	if perr := spec.ValidateParams(req.Params); perr != nil {
		return protocol.ErrorResponse(req.RequestID, perr)
	}
	if req.Method == "connect" {
		// connect is consumed by the transport handshake, never dispatched.
		return protocol.ErrorResponse(req.RequestID, protocol.ProtocolViolation("connect is only valid as the first frame"))
	}
	h, ok := d.handlers[req.Method]
	if !ok {
		return protocol.ErrorResponse(req.RequestID, protocol.MethodNotFound(req.Method))
	}

	if spec.Idempotent {
		if key := idempotencyKey(req.Params); key != "" {
			return d.dispatchIdempotent(ctx, caller, req, h, key)
		}
	}

	result, perr := h(ctx, caller, req.Params)
	if perr != nil {
		d.logger.Debug("method failed", "method", req.Method, "conn", caller.ID(), "code", perr.Code)
		return protocol.ErrorResponse(req.RequestID, perr)
	}
	return protocol.NewResponse(req.RequestID, result)
}

// dispatchIdempotent enforces the at-most-once contract: a replayed key
// within the TTL returns the first successful result; the same key with a
// different payload is a conflict; concurrent calls on one key share a
// single execution. Execution is detached from the caller's ctx so a
// dropped connection cannot abandon a half-done effect.
func (d *Dispatcher) dispatchIdempotent(ctx context.Context, caller Caller, req *protocol.Request, h handler, key string) *protocol.Response {
	hash := idempotency.HashPayload(req.Params)

	if entry, ok := d.deps.Cache.Get(key); ok {
		if entry.PayloadHash != hash {
			return protocol.ErrorResponse(req.RequestID, protocol.IdempotencyConflict(key))
		}
		d.logger.Debug("idempotent replay served from cache", "method", req.Method, "key", key)
		return &protocol.Response{Type: "response", RequestID: req.RequestID, OK: true, Result: entry.Result}
	}

	execCtx := context.WithoutCancel(ctx)
	raw, err, shared := d.flight.Do(key, func() (any, error) {
		// Recheck under the flight: an earlier call on this key may have
		// completed between the cache miss and here.
		if entry, ok := d.deps.Cache.Get(key); ok {
			if entry.PayloadHash != hash {
				return nil, protocol.IdempotencyConflict(key)
			}
			return entry.Result, nil
		}
		result, perr := h(execCtx, caller, req.Params)
		if perr != nil {
			return nil, perr
		}
		encoded, merr := json.Marshal(result)
		if merr != nil {
			return nil, protocol.Internal("encoding result: " + merr.Error())
		}
		// Success only. Failures stay uncached so a retry re-executes.
		d.deps.Cache.Put(key, hash, encoded)
		return json.RawMessage(encoded), nil
	})
	if err != nil {
		return protocol.ErrorResponse(req.RequestID, protocol.AsError(err))
	}
	// A waiter that joined another caller's flight shared that caller's
	// result; its own payload still has to match the cached one.
	if shared {
		if entry, ok := d.deps.Cache.Get(key); ok && entry.PayloadHash != hash {
			return protocol.ErrorResponse(req.RequestID, protocol.IdempotencyConflict(key))
		}
	}
	return &protocol.Response{Type: "response", RequestID: req.RequestID, OK: true, Result: raw.(json.RawMessage)}
}

// idempotencyKey extracts the key without decoding the full param shape.
func idempotencyKey(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var probe struct {
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return ""
	}
	return probe.IdempotencyKey
}
