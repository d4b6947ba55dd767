package event

import (
	"testing"
	"time"
)

func TestBusSubscribePublishUnsubscribe(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("s1")

	bus.Publish("s1", Event{SessionID: "s1", Type: TypeSystem, Content: "ok"})

	select {
	case got := <-ch:
		if got.Content != "ok" {
			t.Fatalf("unexpected event content: %s", got.Content)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("did not receive event")
	}

	bus.Unsubscribe("s1", ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed after unsubscribe")
	}
}

func TestBusDoesNotBlockOnSlowSubscriber(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe("s2")

	// Fill channel to capacity (64) without reading.
	for i := 0; i < 64; i++ {
		bus.Publish("s2", Event{SessionID: "s2", Type: TypeContent, Content: "x"})
	}

	done := make(chan struct{})
	go func() {
		// This publish should be dropped and return immediately.
		bus.Publish("s2", Event{SessionID: "s2", Type: TypeContent, Content: "overflow"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("publish blocked on full channel")
	}

	bus.Unsubscribe("s2", ch)
}

func TestBusIsolatesSessions(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe("a")
	b := bus.Subscribe("b")
	defer bus.Unsubscribe("a", a)
	defer bus.Unsubscribe("b", b)

	bus.Publish("a", Event{SessionID: "a", Type: TypeSystem, Content: "for a"})

	select {
	case got := <-a:
		if got.Content != "for a" {
			t.Fatalf("unexpected event: %+v", got)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("subscriber a did not receive event")
	}

	select {
	case got := <-b:
		t.Fatalf("subscriber b received foreign event: %+v", got)
	default:
	}
}

func TestTerminalAndJournaled(t *testing.T) {
	if !(Event{Type: TypeEnd}).Terminal() {
		t.Fatal("end event should be terminal")
	}
	if (Event{Type: TypeError}).Terminal() {
		t.Fatal("error event should not be terminal")
	}
	if (Event{Type: TypeHeartbeat}).Journaled() {
		t.Fatal("heartbeat should not be journaled")
	}
	if !(Event{Type: TypeFunctionResult}).Journaled() {
		t.Fatal("function_result should be journaled")
	}
}
