package main

import (
	"context"
	"fmt"

	"github.com/denisyuji/hdmi-usb/internal/device"
	"github.com/denisyuji/hdmi-usb/internal/logger"
	"github.com/denisyuji/hdmi-usb/internal/service"
	"github.com/denisyuji/hdmi-usb/internal/session"
)

type discoverer interface {
	Discover(ctx context.Context) (*device.Discovery, error)
}

type audioCorrelator interface {
	Correlate(ctx context.Context, candidate device.CandidateDevice) device.AudioMatch
	Verify(ctx context.Context, m device.AudioMatch) device.AudioMatch
}

type acquirer interface {
	Acquire(ctx context.Context, t session.Target) (*session.CaptureSession, error)
}

type staleCloser interface {
	CloseStaleAcquisitions(ctx context.Context, reason string) (int64, error)
	SaveSystemState(ctx context.Context, key, value string) error
}

// captureService discovers the grabber and acquires the shared session.
// It is registered after the broker, so the single-owner lock is already
// held when stale records are closed.
type captureService struct {
	*service.ServiceBase

	discoverer  discoverer
	correlator  audioCorrelator
	verifyAudio bool
	audioOnly   bool
	broker      acquirer
	history     staleCloser

	// onDevice runs after correlation and before acquisition
	onDevice func(d *device.Discovery, audio device.AudioMatch)

	session *session.CaptureSession
}

func newCaptureService(d discoverer, c audioCorrelator, b acquirer, log *logger.Logger) *captureService {
	return &captureService{
		ServiceBase: service.NewServiceBase("capture", log),
		discoverer:  d,
		correlator:  c,
		broker:      b,
	}
}

func (s *captureService) Start(ctx context.Context) error {
	if s.history != nil {
		n, err := s.history.CloseStaleAcquisitions(ctx, "stale")
		if err != nil {
			s.LogWarn("Failed to close stale acquisitions", "error", err)
		} else if n > 0 {
			s.LogInfo("Closed acquisitions left by a previous run", "count", n)
		}
	}

	d, err := s.discoverer.Discover(ctx)
	if err != nil {
		return err
	}
	s.LogInfo("Capture device discovered",
		"device", d.Candidate.Path,
		"group", d.Candidate.Group,
		"attempts", d.Attempts,
		"verified", d.Verified,
	)
	s.PublishEvent(service.EventTypeDeviceDiscovered, map[string]interface{}{
		"device":   d.Candidate.Path,
		"group":    d.Candidate.Group,
		"attempts": d.Attempts,
	})

	audio := device.AudioMatch{Reason: "audio disabled"}
	if s.correlator != nil {
		audio = s.correlator.Correlate(ctx, d.Candidate)
		if s.verifyAudio {
			audio = s.correlator.Verify(ctx, audio)
		}
	}
	if audio.Found {
		s.LogInfo("Audio card paired", "card", audio.Card, "bus", audio.BusTail, "forced", audio.Forced)
	} else {
		s.LogWarn("Streaming without audio", "reason", audio.Reason)
		if s.audioOnly {
			return fmt.Errorf("audio-only mode needs an audio card: %s", audio.Reason)
		}
	}

	if s.onDevice != nil {
		s.onDevice(d, audio)
	}

	sess, err := s.broker.Acquire(ctx, session.TargetFromDiscovery(d, audio))
	if err != nil {
		return fmt.Errorf("failed to acquire capture session: %w", err)
	}
	s.session = sess

	if s.history != nil {
		if err := s.history.SaveSystemState(ctx, "last_device", d.Candidate.Path); err != nil {
			s.LogDebug("Failed to record last device", "error", err)
		}
	}
	return nil
}

// Stop leaves the session to the broker, which is stopped after this service
func (s *captureService) Stop(ctx context.Context) error {
	return nil
}

// Session is the acquired session, nil before Start succeeds
func (s *captureService) Session() *session.CaptureSession {
	return s.session
}
