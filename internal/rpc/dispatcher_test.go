// ABOUTME: Tests for the RPC dispatcher.
// ABOUTME: Covers validation, idempotency replay/conflict, and method handlers.

package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/den-gateway/internal/agentrun"
	"github.com/2389/den-gateway/internal/cron"
	"github.com/2389/den-gateway/internal/events"
	"github.com/2389/den-gateway/internal/idempotency"
	"github.com/2389/den-gateway/internal/presence"
	"github.com/2389/den-gateway/internal/protocol"
	"github.com/2389/den-gateway/internal/session"
	"github.com/2389/den-gateway/internal/store"
)

type testCaller struct {
	id   string
	role protocol.Role
}

func (c testCaller) ID() string          { return c.id }
func (c testCaller) Role() protocol.Role { return c.role }

type countingDeliverer struct {
	mu    sync.Mutex
	calls []string
}

func (d *countingDeliverer) Deliver(ctx context.Context, sessionKey, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, sessionKey+"|"+text)
	return nil
}

func (d *countingDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type harness struct {
	dispatcher *Dispatcher
	deliverer  *countingDeliverer
	bus        *events.Broadcaster
	sessions   *session.Store
	st         store.Store
	agentCalls *atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, &countingDeliverer{})
}

func newHarnessWith(t *testing.T, deliverer Deliverer) *harness {
	t.Helper()

	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sessions, err := session.NewStore(st, session.DefaultDefaults(), nil)
	require.NoError(t, err)

	bus := events.NewBroadcaster(nil, 64)
	t.Cleanup(bus.Close)

	cache := idempotency.New(time.Minute, 100)
	t.Cleanup(cache.Close)

	var agentCalls atomic.Int32
	runner := agentrun.RunnerFunc(func(ctx context.Context, sessionKey, message string, emit func(string)) (agentrun.Result, error) {
		agentCalls.Add(1)
		return agentrun.Result{Reply: "agent says: " + message}, nil
	})
	agents := agentrun.NewManager(runner, bus, time.Minute, nil)
	t.Cleanup(agents.Shutdown)

	sched := cron.NewScheduler(st, bus, nil, nil)
	require.NoError(t, sched.Start(t.Context()))
	t.Cleanup(sched.Stop)

	d := NewDispatcher(Deps{
		Sessions:  sessions,
		Presence:  presence.NewRegistry(nil),
		Cache:     cache,
		Bus:       bus,
		Agents:    agents,
		Cron:      sched,
		Store:     st,
		Deliverer: deliverer,
	})
	h := &harness{
		dispatcher: d,
		bus:        bus,
		sessions:   sessions,
		st:         st,
		agentCalls: &agentCalls,
	}
	if cd, ok := deliverer.(*countingDeliverer); ok {
		h.deliverer = cd
	}
	return h
}

func dispatch(t *testing.T, h *harness, method, params string) *protocol.Response {
	t.Helper()
	req := &protocol.Request{Method: method, RequestID: "r-" + method, Params: json.RawMessage(params)}
	return h.dispatcher.Dispatch(t.Context(), testCaller{id: "c1", role: protocol.RoleClient}, req)
}

func TestDispatch_UnknownMethod(t *testing.T) {
	h := newHarness(t)
	resp := dispatch(t, h, "no.such.method", `{}`)
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeMethodNotFound, resp.Error.Code)
}

func TestDispatch_ValidationBeforeExecution(t *testing.T) {
	h := newHarness(t)

	// Missing idempotencyKey on a method that requires it.
	resp := dispatch(t, h, "send", `{"sessionKey":"wa:+1","message":"hi"}`)
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeValidation, resp.Error.Code)
	assert.Zero(t, h.deliverer.count())
}

func TestDispatch_ConnectIsNotDispatchable(t *testing.T) {
	h := newHarness(t)
	resp := dispatch(t, h, "connect", `{}`)
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeProtocolViolation, resp.Error.Code)
}

func TestDispatch_SendDeliversOnce(t *testing.T) {
	h := newHarness(t)
	params := `{"sessionKey":"wa:+1555","message":"hello","idempotencyKey":"k1"}`

	first := dispatch(t, h, "send", params)
	require.True(t, first.OK, "error: %v", first.Error)

	second := dispatch(t, h, "send", params)
	require.True(t, second.OK)

	assert.JSONEq(t, string(first.Result), string(second.Result))
	assert.Equal(t, 1, h.deliverer.count(), "surface effect must run exactly once")
}

func TestDispatch_IdempotencyConflict(t *testing.T) {
	h := newHarness(t)

	resp := dispatch(t, h, "send", `{"sessionKey":"wa:+1","message":"hello","idempotencyKey":"k2"}`)
	require.True(t, resp.OK)

	conflict := dispatch(t, h, "send", `{"sessionKey":"wa:+1","message":"DIFFERENT","idempotencyKey":"k2"}`)
	require.False(t, conflict.OK)
	assert.Equal(t, protocol.CodeIdempotencyConflict, conflict.Error.Code)
	assert.Equal(t, 1, h.deliverer.count())
}

// gatedDeliverer blocks inside Deliver until released so a second call can
// join the in-flight execution.
type gatedDeliverer struct {
	entered sync.Once
	started chan struct{}
	release chan struct{}
}

func (d *gatedDeliverer) Deliver(ctx context.Context, sessionKey, text string) error {
	d.entered.Do(func() { close(d.started) })
	<-d.release
	return nil
}

func TestDispatch_ConcurrentDifferentPayloadConflicts(t *testing.T) {
	gate := &gatedDeliverer{started: make(chan struct{}), release: make(chan struct{})}
	h := newHarnessWith(t, gate)
	caller := testCaller{id: "c1", role: protocol.RoleClient}

	leaderDone := make(chan *protocol.Response, 1)
	go func() {
		req := &protocol.Request{Method: "send", RequestID: "r1",
			Params: json.RawMessage(`{"sessionKey":"wa:+1","message":"first","idempotencyKey":"dup"}`)}
		leaderDone <- h.dispatcher.Dispatch(context.Background(), caller, req)
	}()

	<-gate.started

	// Same key, different payload, while the first call is still executing.
	waiterDone := make(chan *protocol.Response, 1)
	go func() {
		req := &protocol.Request{Method: "send", RequestID: "r2",
			Params: json.RawMessage(`{"sessionKey":"wa:+1","message":"second","idempotencyKey":"dup"}`)}
		waiterDone <- h.dispatcher.Dispatch(context.Background(), caller, req)
	}()

	time.Sleep(50 * time.Millisecond)
	close(gate.release)

	leader := <-leaderDone
	require.True(t, leader.OK, "error: %v", leader.Error)

	// Whether the second call joined the flight or arrived after the cache
	// write, a mismatched payload must surface as a conflict, never as the
	// first caller's result.
	waiter := <-waiterDone
	require.False(t, waiter.OK)
	assert.Equal(t, protocol.CodeIdempotencyConflict, waiter.Error.Code)
}

func TestDispatch_FailuresAreNotCached(t *testing.T) {
	h := newHarness(t)

	// cron.add is idempotent; a bad schedule fails validation in the handler.
	bad := `{"message":"tick","every":"not-a-duration","idempotencyKey":"k3"}`
	resp := dispatch(t, h, "cron.add", bad)
	require.False(t, resp.OK)

	// The retry with a corrected payload under the same key must execute,
	// not replay the failure or conflict against a cached entry.
	good := `{"message":"tick","every":"1h","idempotencyKey":"k3"}`
	resp = dispatch(t, h, "cron.add", good)
	require.True(t, resp.OK, "error: %v", resp.Error)
}

func TestDispatch_AgentReplayAfterDisconnect(t *testing.T) {
	h := newHarness(t)
	params := `{"sessionKey":"wa:+1555","message":"hi","idempotencyKey":"abc"}`

	first := dispatch(t, h, "agent", params)
	require.True(t, first.OK, "error: %v", first.Error)
	require.Equal(t, int32(1), h.agentCalls.Load())

	// Reconnected caller replays the identical call: cached terminal
	// result, no second run.
	req := &protocol.Request{Method: "agent", RequestID: "r2", Params: json.RawMessage(params)}
	second := h.dispatcher.Dispatch(t.Context(), testCaller{id: "c2", role: protocol.RoleClient}, req)
	require.True(t, second.OK)
	assert.JSONEq(t, string(first.Result), string(second.Result))
	assert.Equal(t, int32(1), h.agentCalls.Load())
}

func TestDispatch_ConcurrentSameKeySingleExecution(t *testing.T) {
	h := newHarness(t)
	params := `{"sessionKey":"wa:+1555","message":"once","idempotencyKey":"race"}`

	var wg sync.WaitGroup
	responses := make([]*protocol.Response, 8)
	for i := range responses {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := &protocol.Request{Method: "send", RequestID: "r", Params: json.RawMessage(params)}
			responses[i] = h.dispatcher.Dispatch(context.Background(), testCaller{id: "c1", role: protocol.RoleClient}, req)
		}(i)
	}
	wg.Wait()

	for _, resp := range responses {
		require.True(t, resp.OK, "error: %v", resp.Error)
		assert.JSONEq(t, string(responses[0].Result), string(resp.Result))
	}
	assert.Equal(t, 1, h.deliverer.count())
}

func TestDispatch_ChatSendSlashCommand(t *testing.T) {
	h := newHarness(t)

	resp := dispatch(t, h, "chat.send", `{"sessionKey":"wa:+1","message":"/think high","idempotencyKey":"c1"}`)
	require.True(t, resp.OK, "error: %v", resp.Error)

	var result struct {
		Command bool `json:"command"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.True(t, result.Command)

	sess, ok := h.sessions.Get("wa:+1")
	require.True(t, ok)
	assert.Equal(t, session.ThinkingHigh, sess.Thinking)
	assert.Zero(t, h.agentCalls.Load(), "commands do not reach the agent")
}

func TestDispatch_ChatSendRunsAgentAndPersistsTranscript(t *testing.T) {
	h := newHarness(t)

	resp := dispatch(t, h, "chat.send", `{"sessionKey":"wa:+1","message":"what time is it","idempotencyKey":"c2"}`)
	require.True(t, resp.OK, "error: %v", resp.Error)

	var result struct {
		Reply string `json:"reply"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "agent says: what time is it", result.Reply)

	entries, err := h.st.Transcript(t.Context(), "wa:+1", 10, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestDispatch_ChatHistoryUnknownSession(t *testing.T) {
	h := newHarness(t)
	resp := dispatch(t, h, "chat.history", `{"sessionKey":"wa:nope"}`)
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeSessionNotFound, resp.Error.Code)
}

func TestDispatch_ChatAbortWithoutRun(t *testing.T) {
	h := newHarness(t)
	dispatch(t, h, "chat.send", `{"sessionKey":"wa:+1","message":"/reset","idempotencyKey":"c3"}`)

	resp := dispatch(t, h, "chat.abort", `{"sessionKey":"wa:+1"}`)
	require.True(t, resp.OK)
	var result struct {
		Aborted bool `json:"aborted"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.False(t, result.Aborted)
}

func TestDispatch_SessionsLifecycle(t *testing.T) {
	h := newHarness(t)
	dispatch(t, h, "send", `{"sessionKey":"tg:42","message":"x","idempotencyKey":"s1"}`)

	resp := dispatch(t, h, "sessions.get", `{"sessionKey":"tg:42"}`)
	require.True(t, resp.OK)

	resp = dispatch(t, h, "sessions.patch", `{"sessionKey":"tg:42","verbose":true,"thinking":"low"}`)
	require.True(t, resp.OK)
	var sess session.Session
	require.NoError(t, json.Unmarshal(resp.Result, &sess))
	assert.True(t, sess.Verbose)
	assert.Equal(t, session.ThinkingLow, sess.Thinking)

	resp = dispatch(t, h, "sessions.reset", `{"sessionKey":"tg:42"}`)
	require.True(t, resp.OK)
	require.NoError(t, json.Unmarshal(resp.Result, &sess))
	assert.Equal(t, "tg:42", sess.Key)
	assert.False(t, sess.Verbose)
	assert.Equal(t, session.ThinkingOff, sess.Thinking)

	resp = dispatch(t, h, "sessions.delete", `{"sessionKey":"tg:42"}`)
	require.True(t, resp.OK)

	resp = dispatch(t, h, "sessions.get", `{"sessionKey":"tg:42"}`)
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeSessionNotFound, resp.Error.Code)
}

func TestDispatch_CronAddListRemove(t *testing.T) {
	h := newHarness(t)

	resp := dispatch(t, h, "cron.add", `{"message":"stretch","every":"1h"}`)
	require.True(t, resp.OK, "error: %v", resp.Error)
	var job store.CronJob
	require.NoError(t, json.Unmarshal(resp.Result, &job))
	require.NotEmpty(t, job.ID)

	resp = dispatch(t, h, "cron.list", `{}`)
	require.True(t, resp.OK)
	var list struct {
		Jobs []store.CronJob `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &list))
	assert.Len(t, list.Jobs, 1)

	resp = dispatch(t, h, "cron.remove", `{"id":"`+job.ID+`"}`)
	require.True(t, resp.OK)

	resp = dispatch(t, h, "cron.remove", `{"id":"`+job.ID+`"}`)
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeValidation, resp.Error.Code)
}

func TestDispatch_VoicewakeRoundTrip(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe(t.Context(), []string{protocol.EventVoiceWake})

	resp := dispatch(t, h, "voicewake.set", `{"words":["hey den"],"enabled":true}`)
	require.True(t, resp.OK, "error: %v", resp.Error)

	select {
	case ev := <-sub.C:
		assert.Equal(t, protocol.EventVoiceWake, ev.Tag)
	case <-time.After(2 * time.Second):
		t.Fatal("no voicewake event")
	}

	resp = dispatch(t, h, "voicewake.get", `{}`)
	require.True(t, resp.OK)
	var state struct {
		Words   []string `json:"words"`
		Enabled bool     `json:"enabled"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &state))
	assert.Equal(t, []string{"hey den"}, state.Words)
	assert.True(t, state.Enabled)
}

func TestDispatch_SystemPresence(t *testing.T) {
	h := newHarness(t)
	reg := h.dispatcher.deps.Presence
	reg.Upsert(presence.Record{ConnID: "c1", Role: protocol.RoleClient})
	reg.Upsert(presence.Record{ConnID: "n1", Role: protocol.RoleNode, Paired: true})

	resp := dispatch(t, h, "system-presence", `{}`)
	require.True(t, resp.OK)
	var snap presence.Snapshot
	require.NoError(t, json.Unmarshal(resp.Result, &snap))
	assert.Len(t, snap.Clients, 1)
	assert.Equal(t, 1, snap.NodeCount())
}

func TestDispatch_SystemStatus(t *testing.T) {
	h := newHarness(t)
	resp := dispatch(t, h, "system-status", `{}`)
	require.True(t, resp.OK)
	var status map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &status))
	assert.Contains(t, status, "uptimeSeconds")
	assert.Contains(t, status, "sessions")
	assert.Contains(t, status, "eventSeq")
}

func TestDispatch_WakeEmitsHeartbeat(t *testing.T) {
	h := newHarness(t)
	sub := h.bus.Subscribe(t.Context(), []string{protocol.EventHeartbeat})

	resp := dispatch(t, h, "wake", `{}`)
	require.True(t, resp.OK)

	select {
	case ev := <-sub.C:
		assert.Equal(t, protocol.EventHeartbeat, ev.Tag)
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat event")
	}
}

func TestDispatch_NodeInvokeWithoutBridge(t *testing.T) {
	h := newHarness(t)
	resp := dispatch(t, h, "node.invoke", `{"nodeId":"n1","command":"canvas.show"}`)
	require.False(t, resp.OK)
	assert.Equal(t, protocol.CodeUnavailable, resp.Error.Code)
}
