package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/denisyuji/hdmi-usb/internal/logger"
	"gopkg.in/yaml.v3"
)

func createTestConfig(t *testing.T, configPath string, cfg *Config) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("Failed to marshal config: %v", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("rtsp:\n  port: 8554\n"), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.RTSP.Port != 8554 {
		t.Errorf("Expected port 8554, got %d", cfg.RTSP.Port)
	}
	if cfg.RTSP.Path != "/hdmi" {
		t.Errorf("Expected default path /hdmi, got %s", cfg.RTSP.Path)
	}
	if cfg.Device.MatchName != "MacroSilicon USB Video" {
		t.Errorf("Expected default match name, got %s", cfg.Device.MatchName)
	}
	if cfg.Device.ScanAttempts != 3 {
		t.Errorf("Expected 3 scan attempts, got %d", cfg.Device.ScanAttempts)
	}
	if cfg.Snapshot.URL != "rtsp://127.0.0.1:8554/hdmi" {
		t.Errorf("Expected snapshot URL derived from rtsp section, got %s", cfg.Snapshot.URL)
	}
	if cfg.Session.GracePeriod != 500*time.Millisecond {
		t.Errorf("Expected 500ms grace period, got %v", cfg.Session.GracePeriod)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Expected error for missing file")
	}
}

func TestLoadOrDefault_ExplicitMissingFileFails(t *testing.T) {
	if _, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error when an explicit path does not exist")
	}
}

func TestValidate_Defaults(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default configuration should validate, got %v", err)
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "verbose"
	cfg.Device.Resolutions = []string{"1080p"}
	cfg.RTSP.Path = "hdmi"
	cfg.RTSP.AudioRTPPort = cfg.RTSP.VideoRTPPort
	cfg.Pipeline.Engine = "vlc"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Expected validation error")
	}

	msg := err.Error()
	for _, want := range []string{"log.level", "device.resolutions", "rtsp.path", "must differ", "pipeline.engine"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Expected validation message to mention %q, got: %s", want, msg)
		}
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("MATCH_NAME", "Other Grabber")
	t.Setenv("AUDIO_FORCE_CARD", "2")
	t.Setenv("HDMI_RTSP_PORT", "9000")
	t.Setenv("HDMI_SCAN_DELAY", "250ms")
	t.Setenv("HDMI_RESOLUTIONS", "1920x1080, 640x480")
	t.Setenv("HDMI_NO_AUDIO", "yes")

	cfg := Default()
	ApplyEnvOverrides(cfg)

	if cfg.Device.MatchName != "Other Grabber" {
		t.Errorf("Expected match name override, got %s", cfg.Device.MatchName)
	}
	if cfg.Device.AudioForceCard != "2" {
		t.Errorf("Expected forced card 2, got %s", cfg.Device.AudioForceCard)
	}
	if cfg.RTSP.Port != 9000 {
		t.Errorf("Expected port 9000, got %d", cfg.RTSP.Port)
	}
	if cfg.Device.ScanDelay != 250*time.Millisecond {
		t.Errorf("Expected 250ms scan delay, got %v", cfg.Device.ScanDelay)
	}
	if len(cfg.Device.Resolutions) != 2 || cfg.Device.Resolutions[1] != "640x480" {
		t.Errorf("Expected trimmed resolution list, got %v", cfg.Device.Resolutions)
	}
	if !cfg.Device.AudioDisabled {
		t.Error("Expected audio disabled")
	}
}

func TestGetEnvInt_InvalidFallsBack(t *testing.T) {
	t.Setenv("HDMI_TEST_INT", "many")
	if got := GetEnvInt("HDMI_TEST_INT", 7); got != 7 {
		t.Errorf("Expected fallback 7, got %d", got)
	}
}

func TestService_Reload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := Default()
	createTestConfig(t, configPath, cfg)

	log := logger.NewNopLogger()
	svc, err := NewService(configPath, log)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	var notified bool
	svc.Watch(func(ctx context.Context, oldConfig, newConfig *Config) error {
		notified = oldConfig.RTSP.Port != newConfig.RTSP.Port
		return nil
	})

	cfg.RTSP.Port = 4321
	createTestConfig(t, configPath, cfg)

	if err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if svc.Get().RTSP.Port != 4321 {
		t.Errorf("Expected reloaded port 4321, got %d", svc.Get().RTSP.Port)
	}
	if !notified {
		t.Error("Expected watcher to observe the port change")
	}
}

func TestService_ReloadRejectsInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := Default()
	createTestConfig(t, configPath, cfg)

	svc, err := NewService(configPath, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	cfg.Pipeline.Engine = "bogus"
	createTestConfig(t, configPath, cfg)

	if err := svc.Reload(context.Background()); err == nil {
		t.Fatal("Expected reload of invalid configuration to fail")
	}
	if svc.Get().Pipeline.Engine != "launch" {
		t.Errorf("Expected previous configuration to be kept, got engine %s", svc.Get().Pipeline.Engine)
	}
}

func TestService_OverrideSurvivesReload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	createTestConfig(t, configPath, Default())

	svc, err := NewService(configPath, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	if err := svc.SetOverride(func(c *Config) { c.Preview.Headless = true }); err != nil {
		t.Fatalf("SetOverride failed: %v", err)
	}
	if !svc.Get().Preview.Headless {
		t.Error("Expected override to apply immediately")
	}

	if err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if !svc.Get().Preview.Headless {
		t.Error("Expected override to survive reload")
	}

	if err := svc.SetOverride(func(c *Config) { c.Pipeline.Engine = "vlc" }); err == nil {
		t.Error("Expected invalid override to be rejected")
	}
}
