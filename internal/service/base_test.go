package service

import (
	"testing"
	"time"

	"github.com/denisyuji/hdmi-usb/internal/logger"
)

func TestServiceBase_PublishEvent(t *testing.T) {
	base := NewServiceBase("session-broker", logger.NewNopLogger())

	// No bus attached: must not panic.
	base.PublishEvent(EventTypeSessionAcquired, nil)

	bus := NewEventBus(10)
	base.SetEventBus(bus)
	ch := bus.Subscribe(EventTypeSessionAcquired)

	base.PublishEvent(EventTypeSessionAcquired, map[string]interface{}{"device": "/dev/video0"})

	select {
	case event := <-ch:
		if event.Source != "session-broker" {
			t.Errorf("Expected source 'session-broker', got %s", event.Source)
		}
		if event.Data["device"] != "/dev/video0" {
			t.Errorf("Expected device data, got %v", event.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("Event not received")
	}
}

func TestServiceBase_NilLogger(t *testing.T) {
	base := NewServiceBase("preview", nil)
	base.LogInfo("started", "pid", 1)
	base.LogDebug("debug")
	if base.GetStatus().GetStatus() != StatusStopped {
		t.Errorf("Expected status %s, got %s", StatusStopped, base.GetStatus().GetStatus())
	}
}
