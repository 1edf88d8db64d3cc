package service

import (
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case event, ok := <-ch:
		if !ok {
			t.Fatal("Channel closed before an event arrived")
		}
		return event
	case <-time.After(time.Second):
		t.Fatal("Event not received within timeout")
	}
	return Event{}
}

func TestEventBus_TypedSubscription(t *testing.T) {
	bus := NewEventBus(10)
	acquired := bus.Subscribe(EventTypeSessionAcquired)
	degraded := bus.Subscribe(EventTypeSessionDegraded)

	bus.Publish(Event{
		Type:   EventTypeSessionAcquired,
		Source: "session-broker",
		Data:   map[string]interface{}{"device": "/dev/video0"},
	})

	event := receive(t, acquired)
	if event.Source != "session-broker" {
		t.Errorf("Expected source session-broker, got %s", event.Source)
	}
	if event.Data["device"] != "/dev/video0" {
		t.Errorf("Expected device /dev/video0, got %v", event.Data["device"])
	}

	select {
	case event := <-degraded:
		t.Errorf("Degraded subscriber should not see %s", event.Type)
	default:
	}
}

func TestEventBus_FanOutToEverySubscriber(t *testing.T) {
	bus := NewEventBus(10)
	web := bus.Subscribe(EventTypeConsumerAttached)
	logSink := bus.Subscribe(EventTypeConsumerAttached)
	all := bus.SubscribeAll()

	bus.Publish(Event{Type: EventTypeConsumerAttached, Source: "rtsp-server"})

	for _, ch := range []<-chan Event{web, logSink, all} {
		if event := receive(t, ch); event.Type != EventTypeConsumerAttached {
			t.Errorf("Expected %s, got %s", EventTypeConsumerAttached, event.Type)
		}
	}
}

func TestEventBus_WildcardSeesEveryType(t *testing.T) {
	bus := NewEventBus(10)
	all := bus.SubscribeAll()

	sequence := []EventType{
		EventTypeDeviceDiscovered,
		EventTypeSessionAcquired,
		EventTypeSessionDegraded,
		EventTypeSessionRecovered,
		EventTypeSessionClosed,
	}
	for _, typ := range sequence {
		bus.Publish(Event{Type: typ, Source: "test"})
	}

	for i, want := range sequence {
		if got := receive(t, all).Type; got != want {
			t.Errorf("Event %d: expected %s, got %s", i, want, got)
		}
	}
}

func TestEventBus_StampsTimestamp(t *testing.T) {
	bus := NewEventBus(10)
	ch := bus.Subscribe(EventTypeDeviceReset)

	before := time.Now()
	bus.Publish(Event{Type: EventTypeDeviceReset, Source: "discoverer"})
	after := time.Now()

	event := receive(t, ch)
	if event.Timestamp.Before(before) || event.Timestamp.After(after) {
		t.Errorf("Expected timestamp between publish bounds, got %v", event.Timestamp)
	}

	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	bus.Publish(Event{Type: EventTypeDeviceReset, Timestamp: fixed})
	if got := receive(t, ch).Timestamp; !got.Equal(fixed) {
		t.Errorf("Expected caller timestamp to be kept, got %v", got)
	}
}

func TestEventBus_FullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewEventBus(1)
	slow := bus.Subscribe(EventTypePipelineError)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			bus.Publish(Event{Type: EventTypePipelineError, Data: map[string]interface{}{"n": i}})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if event := receive(t, slow); event.Data["n"] != 0 {
		t.Errorf("Expected the first event to be buffered, got %v", event.Data["n"])
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	bus := NewEventBus(10)
	typed := bus.Subscribe(EventTypeConsumerDetached)
	all := bus.SubscribeAll()

	bus.Unsubscribe(EventTypeConsumerDetached, typed)
	bus.UnsubscribeAll(all)

	if _, ok := <-typed; ok {
		t.Error("Expected typed channel closed by Unsubscribe")
	}
	if _, ok := <-all; ok {
		t.Error("Expected wildcard channel closed by UnsubscribeAll")
	}

	// Publishing after unsubscribe must not panic on the closed channels.
	bus.Publish(Event{Type: EventTypeConsumerDetached})
}

func TestEventBus_CloseIsIdempotent(t *testing.T) {
	bus := NewEventBus(10)
	all := bus.SubscribeAll()
	typed := bus.Subscribe(EventTypeSessionClosed)

	bus.Close()
	bus.Close()

	if _, ok := <-all; ok {
		t.Error("Wildcard channel should be closed")
	}
	if _, ok := <-typed; ok {
		t.Error("Typed channel should be closed")
	}

	bus.Publish(Event{Type: EventTypeSessionClosed})

	if _, ok := <-bus.Subscribe(EventTypeSessionClosed); ok {
		t.Error("Subscriptions after close should be closed immediately")
	}
	if _, ok := <-bus.SubscribeAll(); ok {
		t.Error("Wildcard subscriptions after close should be closed immediately")
	}
}
