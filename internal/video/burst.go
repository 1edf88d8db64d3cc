package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"

	"github.com/denisyuji/hdmi-usb/internal/logger"
	"github.com/denisyuji/hdmi-usb/internal/negotiate"
	"github.com/denisyuji/hdmi-usb/internal/stabilize"
)

// AccessUnitSource delivers decoded H.264 access units. A negotiated RTSP
// session is one.
type AccessUnitSource interface {
	AccessUnits() <-chan negotiate.AccessUnit
}

// H264BurstConfig configures an H264Burst
type H264BurstConfig struct {
	// SPS and PPS from the session description, used until the stream
	// carries its own.
	SPS []byte
	PPS []byte
	// GracePeriod is how long ffmpeg gets to flush after an interrupt
	GracePeriod time.Duration
}

// H264Burst decodes access units with ffmpeg into one image per slot. It
// implements stabilize.Burst.
type H264Burst struct {
	ffmpeg *FFmpegWrapper
	source AccessUnitSource
	cfg    H264BurstConfig
	logger *logger.Logger
}

// NewH264Burst creates a burst reading from source
func NewH264Burst(ffmpeg *FFmpegWrapper, source AccessUnitSource, cfg H264BurstConfig, log *logger.Logger) *H264Burst {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 500 * time.Millisecond
	}
	return &H264Burst{ffmpeg: ffmpeg, source: source, cfg: cfg, logger: log}
}

// Args returns the ffmpeg arguments writing at most maxFrames images
func (b *H264Burst) Args(slots *stabilize.Slots, maxFrames int) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "h264",
		"-i", "pipe:0",
		"-frames:v", strconv.Itoa(maxFrames),
		"-start_number", "1",
		"-f", "image2",
		"-y",
		slots.Pattern(),
	}
}

// Run feeds access units to ffmpeg until it has written maxFrames images,
// the source ends or ctx expires. On ctx expiry ffmpeg is interrupted and
// killed if it has not exited after the grace period.
func (b *H264Burst) Run(ctx context.Context, slots *stabilize.Slots, maxFrames int) error {
	cmd := b.ffmpeg.BuildCommand(ctx, b.Args(slots, maxFrames))
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = b.cfg.GracePeriod

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open ffmpeg stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
	}()

	filter := newAUFilter(b.cfg.SPS, b.cfg.PPS)
	units := b.source.AccessUnits()
	written := 0

feed:
	for {
		select {
		case <-ctx.Done():
			break feed
		case err := <-exited:
			// ffmpeg finished on its own after -frames:v
			return b.result(ctx, err, &stderr, written, slots)
		case au, ok := <-units:
			if !ok {
				break feed
			}
			data, ok := filter.prepare(au.NALUs)
			if !ok {
				continue
			}
			if _, err := stdin.Write(data); err != nil {
				if errors.Is(err, syscall.EPIPE) || errors.Is(err, os.ErrClosed) {
					break feed
				}
				stdin.Close()
				return b.result(ctx, <-exited, &stderr, written, slots)
			}
			written++
		}
	}

	// end of input lets ffmpeg flush the frames it holds
	stdin.Close()
	return b.result(ctx, <-exited, &stderr, written, slots)
}

func (b *H264Burst) result(ctx context.Context, waitErr error, stderr *bytes.Buffer, written int, slots *stabilize.Slots) error {
	b.logger.Debug("ffmpeg burst finished", "access_units", written, "frames", slots.Count(), "error", waitErr)
	if waitErr == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	msg := strings.TrimSpace(stderr.String())
	if msg == "" {
		return fmt.Errorf("ffmpeg failed: %w", waitErr)
	}
	return fmt.Errorf("ffmpeg failed: %w: %s", waitErr, lastLine(msg))
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// auFilter turns access units into an Annex-B stream a decoder can start
// on: nothing is emitted before the first IDR, and the IDR gets the
// latest SPS and PPS in front when it does not carry them.
type auFilter struct {
	sps, pps []byte
	started  bool
}

func newAUFilter(sps, pps []byte) *auFilter {
	return &auFilter{sps: sps, pps: pps}
}

func (f *auFilter) prepare(nalus [][]byte) ([]byte, bool) {
	hasSPS, hasPPS := false, false
	for _, n := range nalus {
		if len(n) == 0 {
			continue
		}
		switch h264.NALUType(n[0] & 0x1F) {
		case h264.NALUTypeSPS:
			f.sps = n
			hasSPS = true
		case h264.NALUTypePPS:
			f.pps = n
			hasPPS = true
		}
	}

	if !f.started {
		if !h264.IDRPresent(nalus) {
			return nil, false
		}
		f.started = true
		if !(hasSPS && hasPPS) && f.sps != nil && f.pps != nil {
			nalus = append([][]byte{f.sps, f.pps}, nalus...)
		}
	}

	data, err := h264.AnnexBMarshal(nalus)
	if err != nil {
		return nil, false
	}
	return data, true
}
