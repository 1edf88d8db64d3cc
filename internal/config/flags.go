package config

import (
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of the environment variables bound by NewViper
const EnvPrefix = "HDMI"

// NewViper returns a viper instance reading HDMI_* variables, with dashes
// in flag names mapped to underscores (--gst-debug -> HDMI_GST_DEBUG).
func NewViper(flags *pflag.FlagSet) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// flagBindings maps flag names to the configuration field they override.
// Only keys set explicitly (flag given or variable exported) are applied.
var flagBindings = map[string]func(v *viper.Viper, c *Config, key string){
	"debug": func(v *viper.Viper, c *Config, key string) {
		if v.GetBool(key) {
			c.Log.Level = "debug"
		}
	},
	"log-format":   func(v *viper.Viper, c *Config, key string) { c.Log.Format = v.GetString(key) },
	"match-name":   func(v *viper.Viper, c *Config, key string) { c.Device.MatchName = v.GetString(key) },
	"no-audio":     func(v *viper.Viper, c *Config, key string) { c.Device.AudioDisabled = v.GetBool(key) },
	"verify-audio": func(v *viper.Viper, c *Config, key string) { c.Device.VerifyAudio = v.GetBool(key) },
	"audio-only":   func(v *viper.Viper, c *Config, key string) { c.Pipeline.AudioOnly = v.GetBool(key) },
	"engine":       func(v *viper.Viper, c *Config, key string) { c.Pipeline.Engine = v.GetString(key) },
	"gst-debug":    func(v *viper.Viper, c *Config, key string) { c.Pipeline.GstDebug = v.GetInt(key) },
	"takeover":     func(v *viper.Viper, c *Config, key string) { c.Session.Takeover = v.GetBool(key) },
	"lock-file":    func(v *viper.Viper, c *Config, key string) { c.Session.LockFile = v.GetString(key) },
	"port":         func(v *viper.Viper, c *Config, key string) { c.RTSP.Port = v.GetInt(key) },
	"path":         func(v *viper.Viper, c *Config, key string) { c.RTSP.Path = v.GetString(key) },
	"headless":     func(v *viper.Viper, c *Config, key string) { c.Preview.Headless = v.GetBool(key) },
	"state-db":     func(v *viper.Viper, c *Config, key string) { c.State.DatabasePath = v.GetString(key) },
	"web":          func(v *viper.Viper, c *Config, key string) { c.Web.Enabled = v.GetBool(key) },
	"health":       func(v *viper.Viper, c *Config, key string) { c.Health.Enabled = v.GetBool(key) },
	"url":          func(v *viper.Viper, c *Config, key string) { c.Snapshot.URL = v.GetString(key) },
	"output-dir":   func(v *viper.Viper, c *Config, key string) { c.Snapshot.OutputDir = v.GetString(key) },
	"frames":       func(v *viper.Viper, c *Config, key string) { c.Snapshot.MaxFrames = v.GetInt(key) },
	"timeout":      func(v *viper.Viper, c *Config, key string) { c.Snapshot.MaxDuration = v.GetDuration(key) },
	"ffmpeg":       func(v *viper.Viper, c *Config, key string) { c.Snapshot.FFmpegPath = v.GetString(key) },
	"reach-attempts": func(v *viper.Viper, c *Config, key string) {
		c.Snapshot.ReachAttempts = v.GetInt(key)
	},
	"reach-delay": func(v *viper.Viper, c *Config, key string) {
		c.Snapshot.ReachDelay = v.GetDuration(key)
	},
	"handshake-attempts": func(v *viper.Viper, c *Config, key string) {
		c.Snapshot.HandshakeAttempts = v.GetInt(key)
	},
	"handshake-delay": func(v *viper.Viper, c *Config, key string) {
		c.Snapshot.HandshakeDelay = v.GetDuration(key)
	},
}

// ApplyViper copies explicitly set flag and environment values over cfg.
// The snapshot URL follows a changed RTSP port or path unless it was set
// itself.
func ApplyViper(v *viper.Viper, cfg *Config) {
	derivedURL := cfg.Snapshot.URL == cfg.RTSPURL()

	for key, apply := range flagBindings {
		if v.IsSet(key) {
			apply(v, cfg, key)
		}
	}

	if derivedURL && !v.IsSet("url") {
		cfg.Snapshot.URL = cfg.RTSPURL()
	}
}
