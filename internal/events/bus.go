// Package events provides the in-process publish/subscribe bus for
// session lifecycle, bell, activity, and tunnel-state events.
//
// Publishers never block on subscribers: each subscriber owns a bounded
// queue, and when it fills the oldest events are dropped and counted.
// Events carry a per-bus monotonically increasing sequence number and are
// delivered to each subscriber in publish order.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies the type of a bus event.
type Kind string

const (
	KindSessionStart     Kind = "session.start"
	KindSessionExit      Kind = "session.exit"
	KindSessionRename    Kind = "session.rename"
	KindSessionBell      Kind = "session.bell"
	KindSessionActivity  Kind = "session.activity"
	KindServerUp         Kind = "server.up"
	KindServerDown       Kind = "server.down"
	KindTunnelStarted    Kind = "tunnel.started"
	KindTunnelStopped    Kind = "tunnel.stopped"
	KindTestNotification Kind = "test.notification"
)

// Event is a single bus event.
type Event struct {
	Kind      Kind           `json:"kind"`
	SessionID string         `json:"sessionId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Seq       uint64         `json:"seq"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// DefaultQueueSize is the per-subscriber queue capacity.
const DefaultQueueSize = 256

// Subscriber receives events from the bus until cancelled.
type Subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// Events returns the subscriber's receive channel. The channel is closed
// when the subscription is cancelled or the bus shuts down.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Dropped returns the number of events discarded because the subscriber
// could not keep up.
func (s *Subscriber) Dropped() uint64 {
	return s.dropped.Load()
}

// Bus is a typed in-process publish/subscribe broker.
type Bus struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	seq    uint64
	closed bool
	logger *slog.Logger
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[*Subscriber]struct{}),
		logger: logger,
	}
}

// Subscribe registers a subscriber whose lifetime is bound to ctx.
func (b *Bus) Subscribe(ctx context.Context) *Subscriber {
	sub := &Subscriber{ch: make(chan Event, DefaultQueueSize)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(sub)
	}()

	return sub
}

func (b *Bus) unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	_, ok := b.subs[sub]
	if ok {
		delete(b.subs, sub)
	}
	b.mu.Unlock()

	if ok {
		sub.once.Do(func() { close(sub.ch) })
	}
}

// Publish broadcasts an event to all subscribers. It never blocks: a full
// subscriber queue has its oldest event evicted to make room.
func (b *Bus) Publish(kind Kind, sessionID string, payload map[string]any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	ev := Event{
		Kind:      kind,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Seq:       b.seq,
		Payload:   payload,
	}

	if b.closed {
		return ev
	}

	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			// Queue full: evict the oldest, then retry once.
			select {
			case <-sub.ch:
				sub.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				sub.dropped.Add(1)
			}
		}
	}

	return ev
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscriber, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
		delete(b.subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.once.Do(func() { close(sub.ch) })
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
