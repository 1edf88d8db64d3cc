package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const appDir = "hdmi-usb"

// Config represents the application configuration
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Session  SessionConfig  `yaml:"session"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	RTSP     RTSPConfig     `yaml:"rtsp"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Preview  PreviewConfig  `yaml:"preview"`
	State    StateConfig    `yaml:"state"`
	Web      WebConfig      `yaml:"web"`
	Health   HealthConfig   `yaml:"health"`
	Log      LogConfig      `yaml:"log,omitempty"`
}

// DeviceConfig controls discovery of the capture device
type DeviceConfig struct {
	MatchName      string        `yaml:"match_name"`
	Resolutions    []string      `yaml:"resolutions"`
	ScanAttempts   int           `yaml:"scan_attempts"`
	ScanDelay      time.Duration `yaml:"scan_delay"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	AudioForceCard string        `yaml:"audio_force_card"`
	AudioDisabled  bool          `yaml:"audio_disabled"`
	VerifyAudio    bool          `yaml:"verify_audio"`
}

// SessionConfig controls the capture session broker
type SessionConfig struct {
	LockFile         string        `yaml:"lock_file"`
	RecoveryAttempts int           `yaml:"recovery_attempts"`
	RecoveryDelay    time.Duration `yaml:"recovery_delay"`
	StallTimeout     time.Duration `yaml:"stall_timeout"`
	StartTimeout     time.Duration `yaml:"start_timeout"`
	GracePeriod      time.Duration `yaml:"grace_period"`
	ConsumerBuffer   int           `yaml:"consumer_buffer"`
	Takeover         bool          `yaml:"takeover"`
}

// PipelineConfig controls the external pipeline engine
type PipelineConfig struct {
	Engine    string `yaml:"engine"` // launch or gst
	GstLaunch string `yaml:"gst_launch"`
	Bitrate   int    `yaml:"bitrate"`
	KeyIntMax int    `yaml:"key_int_max"`
	AudioOnly bool   `yaml:"audio_only"`
	GstDebug  int    `yaml:"gst_debug"`
}

// RTSPConfig contains the network endpoint configuration
type RTSPConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Path         string        `yaml:"path"`
	Latency      time.Duration `yaml:"latency"`
	VideoRTPPort int           `yaml:"video_rtp_port"`
	AudioRTPPort int           `yaml:"audio_rtp_port"`
}

// SnapshotConfig controls the snapshot flow
type SnapshotConfig struct {
	URL               string        `yaml:"url"`
	OutputDir         string        `yaml:"output_dir"`
	MaxFrames         int           `yaml:"max_frames"`
	MaxDuration       time.Duration `yaml:"max_duration"`
	ReachAttempts     int           `yaml:"reach_attempts"`
	ReachDelay        time.Duration `yaml:"reach_delay"`
	HandshakeAttempts int           `yaml:"handshake_attempts"`
	HandshakeDelay    time.Duration `yaml:"handshake_delay"`
	FFmpegPath        string        `yaml:"ffmpeg_path"`
}

// PreviewConfig controls the local preview window
type PreviewConfig struct {
	Headless     bool          `yaml:"headless"`
	WindowTitle  string        `yaml:"window_title"`
	StateFile    string        `yaml:"state_file"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// StateConfig contains the state database location
type StateConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// WebConfig contains web server configuration
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// HealthConfig contains the health endpoint configuration
type HealthConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// RTSPURL returns the URL consumers use to reach the local endpoint.
func (c *Config) RTSPURL() string {
	host := c.RTSP.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("rtsp://%s:%d%s", host, c.RTSP.Port, c.RTSP.Path)
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg.setDefaults()

	return &cfg, nil
}

// LoadOrDefault loads configPath when given or when a default location
// exists, and falls back to built-in defaults otherwise. The tools are
// usable without any configuration file.
func LoadOrDefault(configPath string) (*Config, error) {
	if configPath != "" {
		return Load(configPath)
	}
	path := getDefaultConfigPath()
	if _, err := os.Stat(path); err != nil {
		return Default(), nil
	}
	return Load(path)
}

// getDefaultConfigPath returns the default configuration file path
func getDefaultConfigPath() string {
	paths := []string{
		"./config/config.yaml",
		filepath.Join(xdg.ConfigHome, appDir, "config.yaml"),
		"/etc/hdmi-usb/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return paths[0]
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stderr"
	}

	if c.Device.MatchName == "" {
		c.Device.MatchName = "MacroSilicon USB Video"
	}
	if len(c.Device.Resolutions) == 0 {
		c.Device.Resolutions = []string{"1920x1080", "1280x720"}
	}
	if c.Device.ScanAttempts == 0 {
		c.Device.ScanAttempts = 3
	}
	if c.Device.ScanDelay == 0 {
		c.Device.ScanDelay = time.Second
	}
	if c.Device.ProbeTimeout == 0 {
		c.Device.ProbeTimeout = 5 * time.Second
	}

	if c.Session.LockFile == "" {
		c.Session.LockFile = filepath.Join(runtimeDir(), "hdmi-usb.lock")
	}
	if c.Session.RecoveryAttempts == 0 {
		c.Session.RecoveryAttempts = 3
	}
	if c.Session.RecoveryDelay == 0 {
		c.Session.RecoveryDelay = time.Second
	}
	if c.Session.StallTimeout == 0 {
		c.Session.StallTimeout = 10 * time.Second
	}
	if c.Session.StartTimeout == 0 {
		c.Session.StartTimeout = 5 * time.Second
	}
	if c.Session.GracePeriod == 0 {
		c.Session.GracePeriod = 500 * time.Millisecond
	}
	if c.Session.ConsumerBuffer == 0 {
		c.Session.ConsumerBuffer = 256
	}

	if c.Pipeline.Engine == "" {
		c.Pipeline.Engine = "launch"
	}
	if c.Pipeline.GstLaunch == "" {
		c.Pipeline.GstLaunch = "gst-launch-1.0"
	}
	if c.Pipeline.Bitrate == 0 {
		c.Pipeline.Bitrate = 3000
	}
	if c.Pipeline.KeyIntMax == 0 {
		c.Pipeline.KeyIntMax = 30
	}

	if c.RTSP.Host == "" {
		c.RTSP.Host = "0.0.0.0"
	}
	if c.RTSP.Port == 0 {
		c.RTSP.Port = 1234
	}
	if c.RTSP.Path == "" {
		c.RTSP.Path = "/hdmi"
	}
	if c.RTSP.Latency == 0 {
		c.RTSP.Latency = 200 * time.Millisecond
	}
	if c.RTSP.VideoRTPPort == 0 {
		c.RTSP.VideoRTPPort = 5004
	}
	if c.RTSP.AudioRTPPort == 0 {
		c.RTSP.AudioRTPPort = 5006
	}

	if c.Snapshot.URL == "" {
		c.Snapshot.URL = c.RTSPURL()
	}
	if c.Snapshot.OutputDir == "" {
		c.Snapshot.OutputDir = os.TempDir()
	}
	if c.Snapshot.MaxFrames == 0 {
		c.Snapshot.MaxFrames = 5
	}
	if c.Snapshot.MaxDuration == 0 {
		c.Snapshot.MaxDuration = 5 * time.Second
	}
	if c.Snapshot.ReachAttempts == 0 {
		c.Snapshot.ReachAttempts = 10
	}
	if c.Snapshot.ReachDelay == 0 {
		c.Snapshot.ReachDelay = 500 * time.Millisecond
	}
	if c.Snapshot.HandshakeAttempts == 0 {
		c.Snapshot.HandshakeAttempts = 3
	}
	if c.Snapshot.HandshakeDelay == 0 {
		c.Snapshot.HandshakeDelay = time.Second
	}
	if c.Snapshot.FFmpegPath == "" {
		c.Snapshot.FFmpegPath = "ffmpeg"
	}

	if c.Preview.WindowTitle == "" {
		c.Preview.WindowTitle = "HDMI Capture"
	}
	if c.Preview.StateFile == "" {
		c.Preview.StateFile = filepath.Join(xdg.StateHome, appDir, "window-state")
	}
	if c.Preview.PollInterval == 0 {
		c.Preview.PollInterval = time.Second
	}

	if c.State.DatabasePath == "" {
		c.State.DatabasePath = filepath.Join(xdg.DataHome, appDir, "state.db")
	}

	if c.Web.Host == "" {
		c.Web.Host = "127.0.0.1"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8090
	}
	if c.Health.Port == 0 {
		c.Health.Port = 8091
	}
}

// runtimeDir prefers XDG_RUNTIME_DIR and falls back to the temp dir when
// the session has none (system services, containers).
func runtimeDir() string {
	if xdg.RuntimeDir != "" {
		if _, err := os.Stat(xdg.RuntimeDir); err == nil {
			return xdg.RuntimeDir
		}
	}
	return os.TempDir()
}
