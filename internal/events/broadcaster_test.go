// ABOUTME: Tests for the event broadcaster fan-out and ordering contract.
// ABOUTME: Covers tag filtering, seq monotonicity, slow-consumer kick, close.

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/den-gateway/internal/protocol"
)

func recv(t *testing.T, ch <-chan *protocol.Event) *protocol.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBroadcaster_DeliversInPublishOrder(t *testing.T) {
	b := NewBroadcaster(nil, 0)
	defer b.Close()

	sub := b.Subscribe(t.Context(), nil)

	b.Publish(protocol.EventChat, "first")
	b.Publish(protocol.EventPresence, "second")
	b.Publish(protocol.EventChat, "third")

	var seqs []uint64
	for i := 0; i < 3; i++ {
		seqs = append(seqs, recv(t, sub.C).Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestBroadcaster_TagFiltering(t *testing.T) {
	b := NewBroadcaster(nil, 0)
	defer b.Close()

	sub := b.Subscribe(t.Context(), []string{protocol.EventPresence})

	b.Publish(protocol.EventChat, "ignored")
	b.Publish(protocol.EventPresence, "wanted")

	ev := recv(t, sub.C)
	assert.Equal(t, protocol.EventPresence, ev.Tag)
	assert.Equal(t, "wanted", ev.Payload)
	assert.Empty(t, sub.C)
}

func TestBroadcaster_MultipleSubscribersSeeSameSeq(t *testing.T) {
	b := NewBroadcaster(nil, 0)
	defer b.Close()

	sub1 := b.Subscribe(t.Context(), nil)
	sub2 := b.Subscribe(t.Context(), nil)

	b.Publish(protocol.EventHealth, nil)

	assert.Equal(t, recv(t, sub1.C).Seq, recv(t, sub2.C).Seq)
}

func TestBroadcaster_SlowSubscriberKicked(t *testing.T) {
	b := NewBroadcaster(nil, 2)
	defer b.Close()

	slow := b.Subscribe(t.Context(), nil)
	fast := b.Subscribe(t.Context(), nil)

	// Fill the slow subscriber's outbox without draining, then overflow it.
	b.Publish(protocol.EventTick, 1)
	b.Publish(protocol.EventTick, 2)
	b.Publish(protocol.EventTick, 3)

	// Slow subscriber: two buffered events, then closed channel.
	recv(t, slow.C)
	recv(t, slow.C)
	_, ok := <-slow.C
	assert.False(t, ok, "kicked subscriber channel must be closed")
	assert.True(t, slow.Kicked())

	// Fast subscriber is unaffected... it just has to drain.
	for i := 0; i < 3; i++ {
		recv(t, fast.C)
	}
	assert.False(t, fast.Kicked())
	assert.Equal(t, 1, b.SubscriberCount())
}

func TestBroadcaster_UnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(nil, 0)
	defer b.Close()

	sub := b.Subscribe(t.Context(), nil)
	b.Unsubscribe(sub.ID)

	_, ok := <-sub.C
	assert.False(t, ok)
	assert.False(t, sub.Kicked())
	assert.Equal(t, 0, b.SubscriberCount())

	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub.ID)
}

func TestBroadcaster_ContextCancellationUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil, 0)
	defer b.Close()

	ctx, cancel := context.WithCancel(t.Context())
	b.Subscribe(ctx, nil)
	cancel()

	assert.Eventually(t, func() bool {
		return b.SubscriberCount() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestBroadcaster_CloseStopsPublishing(t *testing.T) {
	b := NewBroadcaster(nil, 0)

	sub := b.Subscribe(t.Context(), nil)
	b.Close()

	_, ok := <-sub.C
	assert.False(t, ok)

	seqBefore := b.Seq()
	b.Publish(protocol.EventChat, "dropped")
	assert.Equal(t, seqBefore, b.Seq())

	// Subscribing after close yields an immediately closed channel.
	late := b.Subscribe(t.Context(), nil)
	_, ok = <-late.C
	assert.False(t, ok)
}
