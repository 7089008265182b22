package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stationops/quartermaster/pkg/models"
)

func TestPerSessionOrder(t *testing.T) {
	bus := NewBus(128)
	defer bus.Close()

	ch, cancel := bus.Subscribe(context.Background(), "s1")
	defer cancel()

	const n = 50
	for i := 0; i < n; i++ {
		bus.Publish(models.Event{
			Type:      models.EventTextDelta,
			SessionID: "s1",
			Payload:   map[string]any{"seq": i},
		})
	}

	for i := 0; i < n; i++ {
		select {
		case ev := <-ch:
			if got := ev.Payload["seq"]; got != i {
				t.Fatalf("event %d arrived out of order: %v", i, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestSessionIsolation(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	ch1, cancel1 := bus.Subscribe(context.Background(), "s1")
	defer cancel1()
	ch2, cancel2 := bus.Subscribe(context.Background(), "s2")
	defer cancel2()

	bus.Publish(models.Event{Type: models.EventSessionPlanning, SessionID: "s1"})

	select {
	case ev := <-ch1:
		if ev.SessionID != "s1" {
			t.Errorf("session id = %s", ev.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber for s1 received nothing")
	}

	select {
	case ev := <-ch2:
		t.Fatalf("subscriber for s2 received %v", ev)
	default:
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()

	_, cancel := bus.Subscribe(context.Background(), "s1")
	defer cancel()

	for i := 0; i < 5; i++ {
		bus.Publish(models.Event{Type: models.EventTextDelta, SessionID: "s1"})
	}
	if got := bus.Dropped(); got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	ch, cancel := bus.Subscribe(context.Background(), "s1")
	cancel()
	cancel() // idempotent

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// Publishing after cancel must not panic or deliver.
	bus.Publish(models.Event{Type: models.EventTextDelta, SessionID: "s1"})
}

func TestContextCancelUnsubscribes(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	ctx, cancelCtx := context.WithCancel(context.Background())
	ch, cancel := bus.Subscribe(ctx, "s1")
	defer cancel()

	cancelCtx()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after context cancellation")
		}
	}
}

func TestConcurrentPublishers(t *testing.T) {
	bus := NewBus(1024)
	defer bus.Close()

	chans := make([]<-chan models.Event, 4)
	for i := range chans {
		ch, cancel := bus.Subscribe(context.Background(), fmt.Sprintf("s%d", i))
		defer cancel()
		chans[i] = ch
	}

	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func(i int) {
			for j := 0; j < 100; j++ {
				bus.Publish(models.Event{
					Type:      models.EventTextDelta,
					SessionID: fmt.Sprintf("s%d", i),
					Payload:   map[string]any{"seq": j},
				})
			}
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	for i, ch := range chans {
		for j := 0; j < 100; j++ {
			select {
			case ev := <-ch:
				if ev.Payload["seq"] != j {
					t.Fatalf("subscriber %d: event %d out of order: %v", i, j, ev.Payload["seq"])
				}
			case <-time.After(time.Second):
				t.Fatalf("subscriber %d: missing event %d", i, j)
			}
		}
	}
}
