// Package stabilize turns a short burst of frames into one trustworthy
// frame. The first frames after a stream starts are often incomplete, so
// the burst is stored in private slots and the newest frame wins.
package stabilize

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/denisyuji/hdmi-usb/internal/logger"
	"github.com/denisyuji/hdmi-usb/internal/retry"
)

// ErrCaptureTimeout means the burst window elapsed without a single frame
var ErrCaptureTimeout = errors.New("no frame captured within the burst window")

// Burst produces frames into slots until it has maxFrames or ctx ends
type Burst interface {
	Run(ctx context.Context, slots *Slots, maxFrames int) error
}

// SelectedFrame is the frame chosen from a burst
type SelectedFrame struct {
	Seq       int
	Data      []byte
	Ext       string
	Timestamp time.Time
	// Discarded counts the earlier frames of the burst
	Discarded int
}

// Stabilizer runs bursts and picks the last frame
type Stabilizer struct {
	burst   Burst
	ext     string
	tempDir string
	logger  *logger.Logger
}

// NewStabilizer creates a stabilizer whose burst writes ext files
func NewStabilizer(burst Burst, ext string, log *logger.Logger) *Stabilizer {
	return &Stabilizer{burst: burst, ext: ext, logger: log}
}

// Capture runs one burst bounded by maxDuration and returns the frame with
// the highest sequence number. The slot directory is removed on every
// path. No frame at all is a capture StageError wrapping ErrCaptureTimeout.
func (s *Stabilizer) Capture(ctx context.Context, maxDuration time.Duration, maxFrames int) (*SelectedFrame, error) {
	if maxFrames <= 0 {
		maxFrames = 1
	}

	slots, err := NewSlots(s.tempDir, s.ext)
	if err != nil {
		return nil, retry.NewStageError(retry.StageCapture, 1, err)
	}
	defer func() {
		if err := slots.Remove(); err != nil {
			s.logger.Warn("Failed to remove slot directory", "dir", slots.Dir(), "error", err)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, maxDuration)
	start := time.Now()
	burstErr := s.burst.Run(runCtx, slots, maxFrames)
	cancel()

	if err := ctx.Err(); err != nil {
		return nil, retry.NewStageError(retry.StageCapture, 1, err)
	}

	frames, err := slots.List()
	if err != nil {
		return nil, retry.NewStageError(retry.StageCapture, 1, fmt.Errorf("failed to list frames: %w", err))
	}

	// a zero-length slot is a frame the writer never finished
	for len(frames) > 0 && frames[len(frames)-1].Size == 0 {
		frames = frames[:len(frames)-1]
	}

	if len(frames) == 0 {
		cause := ErrCaptureTimeout
		if burstErr != nil && !errors.Is(burstErr, context.DeadlineExceeded) {
			cause = fmt.Errorf("%w: %v", ErrCaptureTimeout, burstErr)
		}
		return nil, retry.NewStageError(retry.StageCapture, 1, cause)
	}
	if burstErr != nil {
		s.logger.Debug("Burst ended with error after producing frames", "frames", len(frames), "error", burstErr)
	}

	last := frames[len(frames)-1]
	data, err := os.ReadFile(last.Path)
	if err != nil {
		return nil, retry.NewStageError(retry.StageCapture, 1, fmt.Errorf("failed to read frame %d: %w", last.Seq, err))
	}

	s.logger.Debug("Burst captured",
		"frames", len(frames),
		"selected", last.Seq,
		"elapsed", time.Since(start),
	)

	return &SelectedFrame{
		Seq:       last.Seq,
		Data:      data,
		Ext:       slots.Ext(),
		Timestamp: last.ModTime,
		Discarded: len(frames) - 1,
	}, nil
}
