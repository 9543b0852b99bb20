package realtime

import (
	"context"
	"testing"
	"time"
)

func TestDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewDispatcher(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "room-1")
	defer cleanup()

	dispatcher.Publish(Event{
		Room:      "room-1",
		Type:      EventPresenceOnline,
		Payload:   []byte(`{"participant_id":"user-1"}`),
		Timestamp: time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.Type != EventPresenceOnline {
			t.Fatalf("expected event type %s, got %s", EventPresenceOnline, received.Type)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime event within deadline")
	}
}

func TestDispatcherIsolatedByRoom(t *testing.T) {
	dispatcher := NewDispatcher(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	roomStream, cleanup := dispatcher.Subscribe(ctx, "room-2")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "room-3")
	defer otherCleanup()

	dispatcher.Publish(Event{Room: "room-3", Type: EventMessageCreated, Timestamp: time.Now().UTC()})

	select {
	case <-roomStream:
		t.Fatal("did not expect event for unrelated room")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case event := <-otherStream:
		if event.Room != "room-3" {
			t.Fatalf("expected room-3, received %s", event.Room)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event for subscribed room")
	}
}

func TestDispatcherDropsWhenBufferFullAndKeepsOrder(t *testing.T) {
	dispatcher := NewDispatcher(2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "room-1")
	defer cleanup()

	for _, eventType := range []EventType{EventPresenceOnline, EventPresenceOffline, EventVoiceRoster} {
		dispatcher.Publish(Event{Room: "room-1", Type: eventType})
	}

	first := <-stream
	second := <-stream
	if first.Type != EventPresenceOnline || second.Type != EventPresenceOffline {
		t.Fatalf("unexpected order: %s, %s", first.Type, second.Type)
	}
	select {
	case extra := <-stream:
		t.Fatalf("expected overflow event to be dropped, got %s", extra.Type)
	default:
	}
}

func TestDispatcherUnsubscribesOnContextCancel(t *testing.T) {
	dispatcher := NewDispatcher(0)
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "room-1")
	defer cleanup()
	if dispatcher.SubscriberCount("room-1") != 1 {
		t.Fatalf("expected one subscriber")
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount("room-1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcherIgnoresIncompleteEvents(t *testing.T) {
	dispatcher := NewDispatcher(0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "room-1")
	defer cleanup()
	dispatcher.Publish(Event{Room: "room-1"})
	dispatcher.Publish(Event{Type: EventVoiceRoster})

	select {
	case event := <-stream:
		t.Fatalf("did not expect delivery, got %+v", event)
	default:
	}

	closed, _ := dispatcher.Subscribe(ctx, "")
	if _, ok := <-closed; ok {
		t.Fatal("expected closed stream for empty room")
	}
}
