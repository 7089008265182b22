// Package events provides the per-session ordered publish/subscribe channel
// broadcasting lifecycle events to live observers. The bus is a notification
// mechanism, not a durable log; durable state lives in the session store and
// is written before publish.
package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/stationops/quartermaster/pkg/models"
)

// DefaultBuffer is the per-subscriber channel buffer.
const DefaultBuffer = 64

// Bus broadcasts events to subscribers of a session. Publish order for one
// session is preserved for every subscriber of that session; there is no
// ordering across sessions. Slow subscribers drop events rather than block
// the publisher.
type Bus struct {
	mu      sync.Mutex
	subs    map[string][]*subscriber
	buffer  int
	dropped atomic.Uint64
	closed  bool
}

type subscriber struct {
	sessionID string
	ch        chan models.Event
	once      sync.Once
}

// NewBus creates a bus with the given per-subscriber buffer size.
// Non-positive sizes use DefaultBuffer.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Bus{
		subs:   make(map[string][]*subscriber),
		buffer: buffer,
	}
}

// Publish delivers the event to every live subscriber of its session.
// Delivery happens under the bus lock so all subscribers observe the same
// per-session order. Full subscriber buffers drop the event.
func (b *Bus) Publish(event models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[event.SessionID] {
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a live observer for one session. The returned channel
// is closed when cancel is called, the context ends, or the bus closes.
// Cancel is safe to call more than once.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (<-chan models.Event, func()) {
	sub := &subscriber{
		sessionID: sessionID,
		ch:        make(chan models.Event, b.buffer),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subs[sessionID] = append(b.subs[sessionID], sub)
	b.mu.Unlock()

	cancel := func() { b.remove(sub) }

	stop := context.AfterFunc(ctx, cancel)
	return sub.ch, func() {
		stop()
		cancel()
	}
}

// Dropped returns how many events were discarded because a subscriber's
// buffer was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts down the bus and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.once.Do(func() { close(sub.ch) })
		}
	}
	b.subs = nil
}

func (b *Bus) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	list := b.subs[sub.sessionID]
	for i, s := range list {
		if s == sub {
			b.subs[sub.sessionID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.sessionID]) == 0 {
		delete(b.subs, sub.sessionID)
	}
	sub.once.Do(func() { close(sub.ch) })
}
