package events

import (
	"context"
	"testing"
	"time"
)

func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := bus.Subscribe(ctx)

	bus.Publish(KindSessionStart, "s1", nil)
	bus.Publish(KindSessionExit, "s1", map[string]any{"exitCode": 0})

	ev1 := <-sub.Events()
	ev2 := <-sub.Events()

	if ev1.Kind != KindSessionStart {
		t.Errorf("first event = %s, want session.start", ev1.Kind)
	}
	if ev2.Kind != KindSessionExit {
		t.Errorf("second event = %s, want session.exit", ev2.Kind)
	}
	if ev2.Seq <= ev1.Seq {
		t.Errorf("sequence not increasing: %d then %d", ev1.Seq, ev2.Seq)
	}
	if ev2.Payload["exitCode"] != 0 {
		t.Errorf("payload = %v", ev2.Payload)
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := bus.Subscribe(ctx)

	// Overflow the queue without draining.
	total := DefaultQueueSize + 10
	for i := 0; i < total; i++ {
		bus.Publish(KindSessionActivity, "s1", nil)
	}

	if sub.Dropped() == 0 {
		t.Error("Dropped() = 0, want > 0 after overflow")
	}

	// The first queued event must be newer than seq 1 (oldest evicted).
	ev := <-sub.Events()
	if ev.Seq == 1 {
		t.Error("oldest event survived overflow; expected it dropped")
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub := bus.Subscribe(ctx)
	cancel()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Error("received event after cancel, want closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Error("channel not closed after cancel")
	}

	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount = %d, want 0", bus.SubscriberCount())
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	bus := NewBus(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := bus.Subscribe(ctx)

	bus.Close()

	if _, ok := <-sub.Events(); ok {
		t.Error("subscriber channel open after bus close")
	}

	// Publish after close must not panic.
	bus.Publish(KindServerDown, "", nil)
}
