// Package snapshot produces one still image from the running RTSP
// endpoint: wait for it to be reachable, negotiate a video-only session,
// stabilize a short burst and write the chosen frame.
package snapshot

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/denisyuji/hdmi-usb/internal/config"
	"github.com/denisyuji/hdmi-usb/internal/logger"
	"github.com/denisyuji/hdmi-usb/internal/negotiate"
	"github.com/denisyuji/hdmi-usb/internal/retry"
	"github.com/denisyuji/hdmi-usb/internal/stabilize"
	"github.com/denisyuji/hdmi-usb/internal/video"
)

// Exit codes of the snapshot command
const (
	ExitOK          = 0
	ExitOther       = 1
	ExitDiscovery   = 2
	ExitNegotiation = 3
	ExitCapture     = 4
)

// BurstFactory creates the frame burst for a negotiated session
type BurstFactory func(sess *negotiate.Session) (stabilize.Burst, error)

// FFmpegBursts decodes the session with ffmpeg. It fails before decoding
// when ffmpeg cannot read H.264 or write PNG.
func FFmpegBursts(ffmpegPath string, log *logger.Logger) BurstFactory {
	return func(sess *negotiate.Session) (stabilize.Burst, error) {
		ffmpeg, err := video.NewFFmpegWrapper(ffmpegPath, log)
		if err != nil {
			return nil, err
		}
		if err := ffmpeg.Require("h264", "png"); err != nil {
			return nil, err
		}
		var cfg video.H264BurstConfig
		if sess.Format != nil {
			cfg.SPS, cfg.PPS = sess.Format.SafeParams()
		}
		return video.NewH264Burst(ffmpeg, sess, cfg, log), nil
	}
}

// Result describes a finished snapshot
type Result struct {
	Output            *Output
	Seq               int
	Discarded         int
	ReachAttempts     int
	HandshakeAttempts int
	Elapsed           time.Duration
}

// Flow runs the snapshot stages
type Flow struct {
	cfg    config.SnapshotConfig
	client *negotiate.Client
	bursts BurstFactory
	logger *logger.Logger
	now    func() time.Time
}

// NewFlow creates a flow. A nil bursts uses ffmpeg.
func NewFlow(cfg config.SnapshotConfig, bursts BurstFactory, log *logger.Logger) *Flow {
	if bursts == nil {
		bursts = FFmpegBursts(cfg.FFmpegPath, log)
	}
	return &Flow{
		cfg:    cfg,
		client: negotiate.NewClient(negotiate.ClientConfig{TCP: true}, negotiate.VideoOnly, log),
		bursts: bursts,
		logger: log,
		now:    time.Now,
	}
}

// Run executes the flow. Errors carry the failing stage and its attempts.
func (f *Flow) Run(ctx context.Context) (*Result, error) {
	start := time.Now()

	addr, err := hostPort(f.cfg.URL)
	if err != nil {
		return nil, err
	}

	reach, err := retry.WaitTCP(ctx, addr, retry.ReachabilityPolicy(f.cfg.ReachAttempts, f.cfg.ReachDelay))
	if err != nil {
		return nil, retry.NewStageError(retry.StageDiscovery, reach, err)
	}
	f.logger.Debug("RTSP endpoint reachable", "addr", addr, "attempts", reach)

	sess, err := f.client.OpenWithRetry(ctx, f.cfg.URL, retry.HandshakePolicy(f.cfg.HandshakeAttempts, f.cfg.HandshakeDelay))
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	burst, err := f.bursts(sess)
	if err != nil {
		return nil, retry.NewStageError(retry.StageCapture, 1, err)
	}

	frame, err := stabilize.NewStabilizer(burst, "png", f.logger).Capture(ctx, f.cfg.MaxDuration, f.cfg.MaxFrames)
	if err != nil {
		return nil, err
	}

	out, err := WriteOutput(f.cfg.OutputDir, frame.Data, f.now())
	if err != nil {
		return nil, retry.NewStageError(retry.StageCapture, 1, err)
	}

	res := &Result{
		Output:            out,
		Seq:               frame.Seq,
		Discarded:         frame.Discarded,
		ReachAttempts:     reach,
		HandshakeAttempts: sess.Attempts,
		Elapsed:           time.Since(start),
	}
	f.logger.Info("Snapshot captured",
		"file", out.PNGPath,
		"frame", res.Seq,
		"discarded", res.Discarded,
		"elapsed", res.Elapsed,
	)
	return res, nil
}

// ExitCode maps a flow error to the command's exit status
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	stage, ok := retry.StageOf(err)
	if !ok {
		return ExitOther
	}
	switch stage {
	case retry.StageDiscovery:
		return ExitDiscovery
	case retry.StageNegotiation:
		return ExitNegotiation
	case retry.StageCapture:
		return ExitCapture
	default:
		return ExitOther
	}
}

func hostPort(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid RTSP URL %q: %w", rawURL, err)
	}
	if u.Scheme != "rtsp" && u.Scheme != "rtsps" {
		return "", fmt.Errorf("invalid RTSP URL %q: unsupported scheme %q", rawURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("invalid RTSP URL %q: missing host", rawURL)
	}
	port := u.Port()
	if port == "" {
		port = "554"
		if u.Scheme == "rtsps" {
			port = "322"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
