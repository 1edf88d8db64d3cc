package config

import (
	"fmt"
	"regexp"
	"strings"
)

var resolutionPattern = regexp.MustCompile(`^\d+x\d+$`)

// Validate validates the configuration with detailed error messages
func (c *Config) Validate() error {
	var errors []string

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errors = append(errors, fmt.Sprintf("invalid log.level: %s (must be: debug, info, warn, error, fatal)", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errors = append(errors, fmt.Sprintf("invalid log.format: %s (must be: text or json)", c.Log.Format))
	}

	if _, err := regexp.Compile(c.Device.MatchName); err != nil {
		errors = append(errors, fmt.Sprintf("device.match_name is not a valid pattern: %v", err))
	}
	for _, res := range c.Device.Resolutions {
		if !resolutionPattern.MatchString(res) {
			errors = append(errors, fmt.Sprintf("invalid device.resolutions entry: %q (must be WIDTHxHEIGHT)", res))
		}
	}
	if c.Device.ScanAttempts < 1 {
		errors = append(errors, fmt.Sprintf("device.scan_attempts must be >= 1, got: %d", c.Device.ScanAttempts))
	}
	if c.Device.ScanDelay < 0 {
		errors = append(errors, fmt.Sprintf("device.scan_delay must be >= 0, got: %v", c.Device.ScanDelay))
	}
	if c.Device.AudioForceCard != "" && !regexp.MustCompile(`^\d+$`).MatchString(c.Device.AudioForceCard) {
		errors = append(errors, fmt.Sprintf("device.audio_force_card must be a card number, got: %q", c.Device.AudioForceCard))
	}

	if c.Session.RecoveryAttempts < 0 {
		errors = append(errors, fmt.Sprintf("session.recovery_attempts must be >= 0, got: %d", c.Session.RecoveryAttempts))
	}
	if c.Session.GracePeriod <= 0 {
		errors = append(errors, fmt.Sprintf("session.grace_period must be > 0, got: %v", c.Session.GracePeriod))
	}
	if c.Session.LockFile == "" {
		errors = append(errors, "session.lock_file is required")
	}

	if c.Pipeline.Engine != "launch" && c.Pipeline.Engine != "gst" {
		errors = append(errors, fmt.Sprintf("invalid pipeline.engine: %s (must be: launch or gst)", c.Pipeline.Engine))
	}

	if !validPort(c.RTSP.Port) {
		errors = append(errors, fmt.Sprintf("rtsp.port out of range: %d", c.RTSP.Port))
	}
	if !strings.HasPrefix(c.RTSP.Path, "/") {
		errors = append(errors, fmt.Sprintf("rtsp.path must start with '/', got: %s", c.RTSP.Path))
	}
	if !validPort(c.RTSP.VideoRTPPort) || !validPort(c.RTSP.AudioRTPPort) {
		errors = append(errors, "rtsp.video_rtp_port and rtsp.audio_rtp_port must be valid ports")
	}
	if c.RTSP.VideoRTPPort == c.RTSP.AudioRTPPort {
		errors = append(errors, fmt.Sprintf("rtsp.video_rtp_port and rtsp.audio_rtp_port must differ, both are %d", c.RTSP.VideoRTPPort))
	}

	if c.Snapshot.MaxFrames < 1 {
		errors = append(errors, fmt.Sprintf("snapshot.max_frames must be >= 1, got: %d", c.Snapshot.MaxFrames))
	}
	if c.Snapshot.MaxDuration <= 0 {
		errors = append(errors, fmt.Sprintf("snapshot.max_duration must be > 0, got: %v", c.Snapshot.MaxDuration))
	}
	if c.Snapshot.ReachAttempts < 1 || c.Snapshot.HandshakeAttempts < 1 {
		errors = append(errors, "snapshot.reach_attempts and snapshot.handshake_attempts must be >= 1")
	}

	if c.Web.Enabled && !validPort(c.Web.Port) {
		errors = append(errors, fmt.Sprintf("web.port out of range: %d", c.Web.Port))
	}
	if c.Health.Enabled && !validPort(c.Health.Port) {
		errors = append(errors, fmt.Sprintf("health.port out of range: %d", c.Health.Port))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

func validPort(port int) bool {
	return port > 0 && port < 65536
}
