package logger

import (
	"errors"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew_Formats(t *testing.T) {
	for _, format := range []string{"text", "json"} {
		log, err := New(LogConfig{Level: "debug", Format: format, Output: "stderr"})
		if err != nil {
			t.Fatalf("New(%s) failed: %v", format, err)
		}
		if !log.DebugEnabled() {
			t.Errorf("Expected debug enabled for format %s", format)
		}
	}
}

func TestNew_InvalidLevelFallsBackToInfo(t *testing.T) {
	log, err := New(LogConfig{Level: "loud", Format: "text"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if log.DebugEnabled() {
		t.Error("Expected debug disabled for unknown level")
	}
}

func TestConvertFields(t *testing.T) {
	fields := convertFields("device", "/dev/video0", 42, "skipped", "err", errors.New("boom"), "dangling")
	if len(fields) != 3 {
		t.Fatalf("Expected 3 fields, got %d", len(fields))
	}
	if fields[0].Key != "device" {
		t.Errorf("Expected key 'device', got %s", fields[0].Key)
	}
	if fields[1].Type != zapcore.ErrorType {
		t.Errorf("Expected error field type, got %v", fields[1].Type)
	}
	if fields[2].Key != "dangling" {
		t.Errorf("Expected dangling key to be kept, got %s", fields[2].Key)
	}
}

func TestNopLogger(t *testing.T) {
	log := NewNopLogger()
	log.Info("nothing", "k", "v")
	log.Component("broker").Debug("still nothing")
}
