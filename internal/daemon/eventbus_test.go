package daemon

import (
	"fmt"
	"testing"
	"time"
)

func TestEventBusPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	id, events := bus.Subscribe()
	defer bus.Unsubscribe(id)

	bus.Publish(EventChat, "tech", "shipped the fix")

	select {
	case ev := <-events:
		if ev.Type != EventChat {
			t.Errorf("Type = %q, want %q", ev.Type, EventChat)
		}
		if ev.Role != "tech" {
			t.Errorf("Role = %q, want %q", ev.Role, "tech")
		}
		if ev.Message != "shipped the fix" {
			t.Errorf("Message = %q, want %q", ev.Message, "shipped the fix")
		}
		if ev.Timestamp.IsZero() {
			t.Error("Timestamp is zero")
		}
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestEventBusRecent(t *testing.T) {
	bus := NewEventBus()

	for i := 0; i < maxRecent+50; i++ {
		bus.Publish(EventStatus, "", fmt.Sprintf("event %d", i))
	}

	all := bus.Recent(0)
	if len(all) != maxRecent {
		t.Fatalf("Recent(0) len = %d, want %d", len(all), maxRecent)
	}
	// Oldest retained entry is the one right past the overflow.
	if got, want := all[0].Message, "event 50"; got != want {
		t.Errorf("oldest = %q, want %q", got, want)
	}
	if got, want := all[len(all)-1].Message, fmt.Sprintf("event %d", maxRecent+49); got != want {
		t.Errorf("newest = %q, want %q", got, want)
	}

	last5 := bus.Recent(5)
	if len(last5) != 5 {
		t.Fatalf("Recent(5) len = %d, want 5", len(last5))
	}
	if got, want := last5[0].Message, fmt.Sprintf("event %d", maxRecent+45); got != want {
		t.Errorf("Recent(5)[0] = %q, want %q", got, want)
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	id, events := bus.Subscribe()

	if got := bus.SubscriberCount(); got != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", got)
	}
	bus.Unsubscribe(id)
	if got := bus.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount after unsubscribe = %d, want 0", got)
	}

	if _, ok := <-events; ok {
		t.Error("channel still open after unsubscribe")
	}

	// Unsubscribing twice must not panic.
	bus.Unsubscribe(id)
}

func TestEventBusSlowSubscriberDropped(t *testing.T) {
	bus := NewEventBus()
	id, events := bus.Subscribe()
	defer bus.Unsubscribe(id)

	// Nobody drains: publishes beyond the buffer must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(EventStatus, "", fmt.Sprintf("flood %d", i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	// The buffer holds what fit; the ring holds everything.
	received := 0
	for {
		select {
		case <-events:
			received++
			continue
		default:
		}
		break
	}
	if received != 64 {
		t.Errorf("received = %d, want buffer size 64", received)
	}
	if got := len(bus.Recent(0)); got != 100 {
		t.Errorf("Recent(0) len = %d, want 100", got)
	}
}
