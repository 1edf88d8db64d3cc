package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/denisyuji/hdmi-usb/internal/logger"
)

// Service provides configuration management with environment variable support
type Service struct {
	config     *Config
	configPath string
	logger     *logger.Logger
	mu         sync.RWMutex
	watchers   []ConfigWatcher
	override   func(*Config)
}

// ConfigWatcher is called when configuration changes
type ConfigWatcher func(ctx context.Context, oldConfig, newConfig *Config) error

// NewService creates a new configuration service. An empty configPath
// with no file at the default locations yields the built-in defaults.
func NewService(configPath string, log *logger.Logger) (*Service, error) {
	cfg, err := LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial configuration: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Service{
		config:     cfg,
		configPath: configPath,
		logger:     log,
		watchers:   make([]ConfigWatcher, 0),
	}, nil
}

// Get returns the current configuration (thread-safe)
func (s *Service) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Reload reloads the configuration from file and notifies watchers.
func (s *Service) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldConfig := s.config

	newConfig, err := LoadOrDefault(s.configPath)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}

	ApplyEnvOverrides(newConfig)
	if s.override != nil {
		s.override(newConfig)
	}

	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("invalid reloaded configuration: %w", err)
	}

	s.config = newConfig

	for _, watcher := range s.watchers {
		if err := watcher(ctx, oldConfig, newConfig); err != nil {
			s.logger.Error("Config watcher error", "error", err)
		}
	}

	s.logger.Info("Configuration reloaded", "path", s.configPath)
	return nil
}

// SetOverride applies fn (command line flags) to the current configuration
// and to every reload after it.
func (s *Service) SetOverride(fn func(*Config)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := *s.config
	fn(&cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	s.config = &cfg
	s.override = fn
	return nil
}

// Watch registers a configuration change watcher
func (s *Service) Watch(watcher ConfigWatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, watcher)
}

// ApplyEnvOverrides applies environment variable overrides to configuration.
// MATCH_NAME and AUDIO_FORCE_CARD keep the names the capture scripts have
// always honoured; everything else lives under the HDMI_ prefix.
func ApplyEnvOverrides(cfg *Config) {
	if val := os.Getenv("MATCH_NAME"); val != "" {
		cfg.Device.MatchName = val
	}
	if val := os.Getenv("AUDIO_FORCE_CARD"); val != "" {
		cfg.Device.AudioForceCard = val
	}
	if val := os.Getenv("HDMI_RESOLUTIONS"); val != "" {
		parts := strings.Split(val, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		cfg.Device.Resolutions = parts
	}
	cfg.Device.ScanAttempts = GetEnvInt("HDMI_SCAN_ATTEMPTS", cfg.Device.ScanAttempts)
	cfg.Device.ScanDelay = GetEnvDuration("HDMI_SCAN_DELAY", cfg.Device.ScanDelay)
	cfg.Device.AudioDisabled = GetEnvBool("HDMI_NO_AUDIO", cfg.Device.AudioDisabled)

	if val := os.Getenv("HDMI_LOCK_FILE"); val != "" {
		cfg.Session.LockFile = val
	}
	cfg.Session.RecoveryAttempts = GetEnvInt("HDMI_RECOVERY_ATTEMPTS", cfg.Session.RecoveryAttempts)

	cfg.RTSP.Port = GetEnvInt("HDMI_RTSP_PORT", cfg.RTSP.Port)
	if val := os.Getenv("HDMI_RTSP_PATH"); val != "" {
		cfg.RTSP.Path = val
	}

	if val := os.Getenv("HDMI_SNAPSHOT_URL"); val != "" {
		cfg.Snapshot.URL = val
	}
	if val := os.Getenv("HDMI_SNAPSHOT_DIR"); val != "" {
		cfg.Snapshot.OutputDir = val
	}

	if val := os.Getenv("HDMI_STATE_DB"); val != "" {
		cfg.State.DatabasePath = val
	}

	if val := os.Getenv("HDMI_LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv("HDMI_LOG_FORMAT"); val != "" {
		cfg.Log.Format = val
	}
	if val := os.Getenv("HDMI_LOG_OUTPUT"); val != "" {
		cfg.Log.Output = val
	}
}

// GetEnvBool gets a boolean environment variable
func GetEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	val = strings.ToLower(val)
	return val == "true" || val == "1" || val == "yes" || val == "on"
}

// GetEnvInt gets an integer environment variable
func GetEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	result, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil {
		return defaultValue
	}
	return result
}

// GetEnvDuration gets a duration environment variable
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	if duration, err := time.ParseDuration(val); err == nil {
		return duration
	}
	return defaultValue
}
