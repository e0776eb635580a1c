// ABOUTME: Method handlers for the RPC surface.
// ABOUTME: Handlers touch the session store, presence, cron, nodes, and events.

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/den-gateway/internal/agentrun"
	"github.com/2389/den-gateway/internal/cron"
	"github.com/2389/den-gateway/internal/protocol"
	"github.com/2389/den-gateway/internal/session"
	"github.com/2389/den-gateway/internal/store"
)

const defaultInvokeTimeout = 30 * time.Second

// chatEvent is the payload of chat events.
type chatEvent struct {
	SessionKey string `json:"sessionKey"`
	Direction  string `json:"direction"` // "in" or "out"
	Text       string `json:"text"`
}

// splitSessionKey derives surface and address from a "surface:address" key.
func splitSessionKey(key string) (surface, address string) {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i], key[i+1:]
	}
	return "unknown", key
}

func (d *Dispatcher) handleSend(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Message    string `json:"message"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Validation("params", err.Error())
	}

	surface, address := splitSessionKey(p.SessionKey)
	if _, _, err := d.deps.Sessions.GetOrCreate(ctx, p.SessionKey, surface, address); err != nil {
		return nil, protocol.AsError(err)
	}

	if d.deps.Deliverer != nil {
		if err := d.deps.Deliverer.Deliver(ctx, p.SessionKey, p.Message); err != nil {
			return nil, protocol.Unavailable("surface delivery failed: " + err.Error())
		}
	}
	d.appendTranscript(ctx, p.SessionKey, "gateway", "out", p.Message)
	d.deps.Bus.Publish(protocol.EventChat, chatEvent{SessionKey: p.SessionKey, Direction: "out", Text: p.Message})

	return map[string]any{"delivered": true, "sessionKey": p.SessionKey}, nil
}

func (d *Dispatcher) handleAgent(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Message    string `json:"message"`
		Thinking   string `json:"thinking"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Validation("params", err.Error())
	}

	surface, address := splitSessionKey(p.SessionKey)
	if _, _, err := d.deps.Sessions.GetOrCreate(ctx, p.SessionKey, surface, address); err != nil {
		return nil, protocol.AsError(err)
	}
	if p.Thinking != "" {
		level := session.ThinkingLevel(p.Thinking)
		if _, err := d.deps.Sessions.Apply(ctx, p.SessionKey, session.Patch{Thinking: &level}); err != nil {
			return nil, protocol.AsError(err)
		}
	}

	d.appendTranscript(ctx, p.SessionKey, "caller", "in", p.Message)

	run, err := d.deps.Agents.Start(p.SessionKey, p.Message)
	if errors.Is(err, agentrun.ErrRunActive) {
		return nil, protocol.Unavailable("agent run already active for session")
	}
	if err != nil {
		return nil, protocol.AsError(err)
	}

	result, outcome, err := run.Wait(ctx)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	if result.Reply != "" {
		d.appendTranscript(ctx, p.SessionKey, "agent", "out", result.Reply)
	}
	return map[string]any{"runId": run.ID, "outcome": string(outcome), "reply": result.Reply}, nil
}

func (d *Dispatcher) handleChatSend(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Message    string `json:"message"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Validation("params", err.Error())
	}

	surface, address := splitSessionKey(p.SessionKey)
	if _, _, err := d.deps.Sessions.GetOrCreate(ctx, p.SessionKey, surface, address); err != nil {
		return nil, protocol.AsError(err)
	}

	cmd, err := d.deps.Sessions.ApplyCommand(ctx, p.SessionKey, p.Message)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	if cmd.Handled {
		if cmd.ClearTranscript && d.deps.Store != nil {
			if derr := d.deps.Store.DeleteTranscript(ctx, p.SessionKey); derr != nil {
				d.logger.Warn("transcript wipe failed", "session", p.SessionKey, "error", derr)
			}
		}
		d.deps.Bus.Publish(protocol.EventChat, chatEvent{SessionKey: p.SessionKey, Direction: "out", Text: cmd.Reply})
		return map[string]any{"reply": cmd.Reply, "command": true}, nil
	}

	d.appendTranscript(ctx, p.SessionKey, "caller", "in", p.Message)
	d.deps.Bus.Publish(protocol.EventChat, chatEvent{SessionKey: p.SessionKey, Direction: "in", Text: p.Message})

	run, rerr := d.deps.Agents.Start(p.SessionKey, p.Message)
	if errors.Is(rerr, agentrun.ErrRunActive) {
		return nil, protocol.Unavailable("agent run already active for session")
	}
	if rerr != nil {
		return nil, protocol.AsError(rerr)
	}
	result, outcome, werr := run.Wait(ctx)
	if werr != nil {
		return nil, protocol.AsError(werr)
	}
	if result.Reply != "" {
		d.appendTranscript(ctx, p.SessionKey, "agent", "out", result.Reply)
		d.deps.Bus.Publish(protocol.EventChat, chatEvent{SessionKey: p.SessionKey, Direction: "out", Text: result.Reply})
	}
	return map[string]any{"reply": result.Reply, "outcome": string(outcome)}, nil
}

func (d *Dispatcher) handleChatHistory(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Limit      int    `json:"limit"`
		Before     string `json:"before"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Validation("params", err.Error())
	}
	if _, ok := d.deps.Sessions.Get(p.SessionKey); !ok {
		return nil, protocol.SessionNotFound(p.SessionKey)
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}
	if d.deps.Store == nil {
		return map[string]any{"entries": []any{}}, nil
	}

	entries, err := d.deps.Store.Transcript(ctx, p.SessionKey, p.Limit, p.Before)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"id":        e.ID,
			"author":    e.Author,
			"direction": e.Direction,
			"text":      e.Text,
			"at":        e.CreatedAt,
		})
	}
	return map[string]any{"entries": out}, nil
}

func (d *Dispatcher) handleChatAbort(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Validation("params", err.Error())
	}
	if _, ok := d.deps.Sessions.Get(p.SessionKey); !ok {
		return nil, protocol.SessionNotFound(p.SessionKey)
	}
	err := d.deps.Agents.Abort(p.SessionKey)
	if errors.Is(err, agentrun.ErrNoActiveRun) {
		return map[string]any{"aborted": false}, nil
	}
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]any{"aborted": true}, nil
}

func (d *Dispatcher) handleSessionsList(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.Error) {
	return map[string]any{"sessions": d.deps.Sessions.List()}, nil
}

func (d *Dispatcher) handleSessionsGet(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.Error) {
	key := sessionKeyParam(params)
	sess, ok := d.deps.Sessions.Get(key)
	if !ok {
		return nil, protocol.SessionNotFound(key)
	}
	return sess, nil
}

func (d *Dispatcher) handleSessionsReset(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.Error) {
	key := sessionKeyParam(params)
	sess, err := d.deps.Sessions.Reset(ctx, key)
	if errors.Is(err, session.ErrSessionNotFound) {
		return nil, protocol.SessionNotFound(key)
	}
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return sess, nil
}

func (d *Dispatcher) handleSessionsDelete(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.Error) {
	key := sessionKeyParam(params)
	err := d.deps.Sessions.Delete(ctx, key)
	if errors.Is(err, session.ErrSessionNotFound) {
		return nil, protocol.SessionNotFound(key)
	}
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]any{"deleted": true}, nil
}

func (d *Dispatcher) handleSessionsPatch(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		SessionKey string  `json:"sessionKey"`
		Thinking   *string `json:"thinking"`
		Verbose    *bool   `json:"verbose"`
		Activation *string `json:"activation"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Validation("params", err.Error())
	}
	patch := session.Patch{Verbose: p.Verbose}
	if p.Thinking != nil {
		level := session.ThinkingLevel(*p.Thinking)
		patch.Thinking = &level
	}
	if p.Activation != nil {
		mode := session.ActivationMode(*p.Activation)
		patch.Activation = &mode
	}
	sess, err := d.deps.Sessions.Apply(ctx, p.SessionKey, patch)
	if errors.Is(err, session.ErrSessionNotFound) {
		return nil, protocol.SessionNotFound(p.SessionKey)
	}
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return sess, nil
}

func (d *Dispatcher) handleConfigGet(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.Error) {
	if d.deps.Store == nil {
		return map[string]any{"config": map[string]string{}}, nil
	}
	all, err := d.deps.Store.AllRuntime(ctx)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]any{"config": all}, nil
}

func (d *Dispatcher) handleConfigSet(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Validation("params", err.Error())
	}
	if d.deps.Store == nil {
		return nil, protocol.Unavailable("runtime config store disabled")
	}
	if err := d.deps.Store.SetRuntime(ctx, p.Key, string(p.Value)); err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]any{"key": p.Key}, nil
}

func (d *Dispatcher) handleCronAdd(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		ID         string `json:"id"`
		Every      string `json:"every"`
		At         string `json:"at"`
		Message    string `json:"message"`
		SessionKey string `json:"sessionKey"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Validation("params", err.Error())
	}
	job, err := d.deps.Cron.Add(ctx, store.CronJob{
		ID:         p.ID,
		Every:      p.Every,
		At:         p.At,
		Message:    p.Message,
		SessionKey: p.SessionKey,
	})
	if errors.Is(err, cron.ErrBadSchedule) {
		return nil, protocol.Validation("params", err.Error())
	}
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return job, nil
}

func (d *Dispatcher) handleCronList(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.Error) {
	return map[string]any{"jobs": d.deps.Cron.List()}, nil
}

func (d *Dispatcher) handleCronRemove(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Validation("params", err.Error())
	}
	err := d.deps.Cron.Remove(ctx, p.ID)
	if errors.Is(err, cron.ErrJobNotFound) {
		return nil, protocol.Validation("params.id", "no such cron job")
	}
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]any{"removed": true}, nil
}

const (
	runtimeVoicewakeWords   = "voicewake.words"
	runtimeVoicewakeEnabled = "voicewake.enabled"
)

func (d *Dispatcher) handleVoicewakeGet(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.Error) {
	words, enabled := d.voicewakeState(ctx)
	return map[string]any{"words": words, "enabled": enabled}, nil
}

func (d *Dispatcher) handleVoicewakeSet(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		Words   []string `json:"words"`
		Enabled *bool    `json:"enabled"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Validation("params", err.Error())
	}
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	if d.deps.Store != nil {
		encoded, _ := json.Marshal(p.Words)
		if err := d.deps.Store.SetRuntime(ctx, runtimeVoicewakeWords, string(encoded)); err != nil {
			return nil, protocol.AsError(err)
		}
		flag := "false"
		if enabled {
			flag = "true"
		}
		if err := d.deps.Store.SetRuntime(ctx, runtimeVoicewakeEnabled, flag); err != nil {
			return nil, protocol.AsError(err)
		}
	}
	d.deps.Bus.Publish(protocol.EventVoiceWake, map[string]any{"words": p.Words, "enabled": enabled})
	return map[string]any{"words": p.Words, "enabled": enabled}, nil
}

func (d *Dispatcher) voicewakeState(ctx context.Context) ([]string, bool) {
	words := []string{}
	enabled := false
	if d.deps.Store == nil {
		return words, enabled
	}
	if raw, err := d.deps.Store.GetRuntime(ctx, runtimeVoicewakeWords); err == nil {
		_ = json.Unmarshal([]byte(raw), &words)
	}
	if flag, err := d.deps.Store.GetRuntime(ctx, runtimeVoicewakeEnabled); err == nil {
		enabled = flag == "true"
	}
	return words, enabled
}

func (d *Dispatcher) handleNodeList(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.Error) {
	nodes := []map[string]any{}
	if d.deps.Nodes != nil {
		for _, node := range d.deps.Nodes.List() {
			_, connected := d.deps.Presence.Get(node.ID)
			nodes = append(nodes, map[string]any{
				"nodeId":      node.ID,
				"displayName": node.DisplayName,
				"platform":    node.Platform,
				"caps":        node.Caps,
				"commands":    node.Commands,
				"connected":   connected,
				"pairedAt":    node.PairedAt,
			})
		}
	}
	return map[string]any{"nodes": nodes}, nil
}

func (d *Dispatcher) handleNodeInvoke(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		NodeID    string          `json:"nodeId"`
		Command   string          `json:"command"`
		Params    json.RawMessage `json:"params"`
		TimeoutMs int             `json:"timeoutMs"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Validation("params", err.Error())
	}
	if d.deps.Invoker == nil {
		return nil, protocol.Unavailable("bridge transport disabled")
	}
	timeout := defaultInvokeTimeout
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	result, err := d.deps.Invoker.Invoke(ctx, p.NodeID, p.Command, p.Params, timeout)
	if err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]any{"result": result}, nil
}

func (d *Dispatcher) handleNodePairApprove(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.Error) {
	return d.resolvePairing(params, true)
}

func (d *Dispatcher) handleNodePairReject(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.Error) {
	return d.resolvePairing(params, false)
}

func (d *Dispatcher) resolvePairing(params json.RawMessage, approve bool) (any, *protocol.Error) {
	var p struct {
		NodeID string `json:"nodeId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Validation("params", err.Error())
	}
	if d.deps.Pairer == nil {
		return nil, protocol.Unavailable("bridge transport disabled")
	}
	if err := d.deps.Pairer.ResolvePairing(p.NodeID, approve); err != nil {
		return nil, protocol.AsError(err)
	}
	return map[string]any{"nodeId": p.NodeID, "approved": approve}, nil
}

func (d *Dispatcher) handleSystemStatus(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.Error) {
	snap := d.deps.Presence.Snapshot()
	status := map[string]any{
		"uptimeSeconds": int(time.Since(d.startedAt).Seconds()),
		"sessions":      len(d.deps.Sessions.List()),
		"clients":       len(snap.Clients),
		"nodes":         snap.NodeCount(),
		"eventSeq":      d.deps.Bus.Seq(),
	}
	if d.deps.Cache != nil {
		status["idempotencyEntries"] = d.deps.Cache.Len()
	}
	return status, nil
}

func (d *Dispatcher) handleSystemPresence(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.Error) {
	return d.deps.Presence.Snapshot(), nil
}

func (d *Dispatcher) handleWake(ctx context.Context, caller Caller, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		Text string `json:"text"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, protocol.Validation("params", err.Error())
		}
	}
	d.deps.Bus.Publish(protocol.EventHeartbeat, map[string]any{"text": p.Text, "source": caller.ID()})

	// A wake with text nudges the agent on the system session, fire and
	// forget; the heartbeat event is the caller's acknowledgement.
	if p.Text != "" && d.deps.Agents != nil {
		key := "system:wake"
		if _, _, err := d.deps.Sessions.GetOrCreate(ctx, key, "system", "wake"); err == nil {
			if _, serr := d.deps.Agents.Start(key, p.Text); serr != nil && !errors.Is(serr, agentrun.ErrRunActive) {
				d.logger.Warn("wake agent run failed to start", "error", serr)
			}
		}
	}
	return map[string]any{"ok": true}, nil
}

// appendTranscript persists one transcript line; persistence failures are
// logged, never surfaced, since the chat effect already happened.
func (d *Dispatcher) appendTranscript(ctx context.Context, sessionKey, author, direction, text string) {
	if d.deps.Store == nil || text == "" {
		return
	}
	err := d.deps.Store.AppendTranscript(ctx, &store.TranscriptEntry{
		ID:         uuid.New().String(),
		SessionKey: sessionKey,
		Author:     author,
		Direction:  direction,
		Text:       text,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		d.logger.Warn("transcript append failed", "session", sessionKey, "error", err)
	}
}

// sessionKeyParam extracts sessionKey from already-validated params.
func sessionKeyParam(params json.RawMessage) string {
	var p struct {
		SessionKey string `json:"sessionKey"`
	}
	_ = json.Unmarshal(params, &p)
	return p.SessionKey
}
