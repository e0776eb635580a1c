// ABOUTME: In-memory fan-out broadcaster for the typed gateway event stream.
// ABOUTME: Delivers in publish order; slow subscribers are shed, not waited on.

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/den-gateway/internal/protocol"
)

const (
	// DefaultBuffer is the per-subscriber outbox depth. A subscriber that
	// falls this far behind is kicked rather than allowed to block publishers.
	DefaultBuffer = 64
)

// Subscription is one registered listener. Events arrive on C in publish
// order. C is closed when the subscription ends, either by Unsubscribe,
// broadcaster Close, or a kick for falling behind; Kicked distinguishes the
// last case so the owning connection can transition to Closing.
type Subscription struct {
	ID string
	C  <-chan *protocol.Event

	ch     chan *protocol.Event
	tags   map[string]struct{}
	kicked bool
	closed bool
}

// Kicked reports whether the subscription was terminated for overflowing
// its outbox. Only meaningful after C is closed.
func (s *Subscription) Kicked() bool {
	return s.kicked
}

// Wants reports whether the subscription is interested in tag. An empty tag
// set subscribes to everything.
func (s *Subscription) Wants(tag string) bool {
	if len(s.tags) == 0 {
		return true
	}
	_, ok := s.tags[tag]
	return ok
}

// Broadcaster fans typed events out to subscribed connections. Sequence
// numbers are assigned under the publish lock, so subscribers observe a
// strictly increasing seq with no reordering.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	seq    uint64
	buffer int
	closed bool
	logger *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default and
// buffer <= 0 for the default outbox depth.
func NewBroadcaster(logger *slog.Logger, buffer int) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		subs:   make(map[string]*Subscription),
		buffer: buffer,
		logger: logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a listener for the given event tags (nil or empty
// means all tags). The subscription is removed when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, tags []string) *Subscription {
	tagSet := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		tagSet[tag] = struct{}{}
	}

	sub := &Subscription{
		ID:   uuid.New().String(),
		ch:   make(chan *protocol.Event, b.buffer),
		tags: tagSet,
	}
	sub.C = sub.ch

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		sub.closed = true
		return sub
	}
	b.subs[sub.ID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", sub.ID, "tags", tags)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(sub.ID)
	}()

	return sub
}

// Publish assigns the next sequence number and delivers the event to every
// subscriber interested in its tag. Publication never blocks: a subscriber
// whose outbox is full is kicked and its channel closed.
func (b *Broadcaster) Publish(tag string, payload any) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return b.seq
	}

	b.seq++
	event := &protocol.Event{
		Tag:     tag,
		Seq:     b.seq,
		Time:    time.Now(),
		Payload: payload,
	}

	for id, sub := range b.subs {
		if !sub.Wants(tag) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.kicked = true
			sub.closed = true
			close(sub.ch)
			delete(b.subs, id)
			b.logger.Warn("kicked slow subscriber",
				"sub_id", id,
				"tag", tag,
				"seq", event.Seq,
			)
		}
	}
	return event.Seq
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[subID]
	if !ok {
		return
	}
	delete(b.subs, subID)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Seq returns the last assigned sequence number.
func (b *Broadcaster) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Close shuts down the broadcaster and closes all subscriber channels.
// Further publishes are ignored.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		delete(b.subs, id)
	}
	b.logger.Debug("broadcaster closed")
}
