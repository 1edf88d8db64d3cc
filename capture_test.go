package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denisyuji/hdmi-usb/internal/device"
	"github.com/denisyuji/hdmi-usb/internal/logger"
	"github.com/denisyuji/hdmi-usb/internal/retry"
	"github.com/denisyuji/hdmi-usb/internal/session"
)

type fakeDiscoverer struct {
	result *device.Discovery
	err    error
}

func (f *fakeDiscoverer) Discover(ctx context.Context) (*device.Discovery, error) {
	return f.result, f.err
}

type fakeCorrelator struct {
	match      device.AudioMatch
	verified   bool
	failVerify bool
}

func (f *fakeCorrelator) Correlate(ctx context.Context, c device.CandidateDevice) device.AudioMatch {
	return f.match
}

func (f *fakeCorrelator) Verify(ctx context.Context, m device.AudioMatch) device.AudioMatch {
	f.verified = true
	if f.failVerify {
		return device.AudioMatch{Reason: "not recordable"}
	}
	return m
}

type fakeAcquirer struct {
	targets []session.Target
	err     error
}

func (f *fakeAcquirer) Acquire(ctx context.Context, t session.Target) (*session.CaptureSession, error) {
	f.targets = append(f.targets, t)
	return nil, f.err
}

type fakeHistory struct {
	closed int
	saved  map[string]string
}

func (f *fakeHistory) CloseStaleAcquisitions(ctx context.Context, reason string) (int64, error) {
	f.closed++
	return 1, nil
}

func (f *fakeHistory) SaveSystemState(ctx context.Context, key, value string) error {
	if f.saved == nil {
		f.saved = make(map[string]string)
	}
	f.saved[key] = value
	return nil
}

func testDiscovery() *device.Discovery {
	return &device.Discovery{
		Candidate: device.CandidateDevice{Path: "/dev/video2", Group: "MacroSilicon USB Video", State: device.StateReady},
		Attempts:  2,
	}
}

func TestCaptureService_AcquiresDiscoveredDevice(t *testing.T) {
	correlator := &fakeCorrelator{match: device.AudioMatch{Found: true, Card: 2, BusTail: "1-2"}}
	broker := &fakeAcquirer{}
	history := &fakeHistory{}

	svc := newCaptureService(&fakeDiscoverer{result: testDiscovery()}, correlator, broker, logger.NewNopLogger())
	svc.history = history

	var seen device.AudioMatch
	svc.onDevice = func(d *device.Discovery, audio device.AudioMatch) { seen = audio }

	require.NoError(t, svc.Start(context.Background()))

	require.Len(t, broker.targets, 1)
	target := broker.targets[0]
	assert.Equal(t, "/dev/video2", target.Device.Path)
	assert.Equal(t, 2, target.DiscoveryAttempts)
	assert.True(t, target.Audio.Found)
	assert.Equal(t, 2, seen.Card)
	assert.False(t, correlator.verified)

	assert.Equal(t, 1, history.closed)
	assert.Equal(t, "/dev/video2", history.saved["last_device"])
}

func TestCaptureService_DiscoveryFailure(t *testing.T) {
	cause := retry.NewStageError(retry.StageDiscovery, 3, device.ErrDeviceNotFound)
	broker := &fakeAcquirer{}

	svc := newCaptureService(&fakeDiscoverer{err: cause}, nil, broker, logger.NewNopLogger())
	err := svc.Start(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, device.ErrDeviceNotFound))
	stage, ok := retry.StageOf(err)
	assert.True(t, ok)
	assert.Equal(t, retry.StageDiscovery, stage)
	assert.Empty(t, broker.targets)
}

func TestCaptureService_AudioDisabled(t *testing.T) {
	broker := &fakeAcquirer{}
	svc := newCaptureService(&fakeDiscoverer{result: testDiscovery()}, nil, broker, logger.NewNopLogger())

	require.NoError(t, svc.Start(context.Background()))
	require.Len(t, broker.targets, 1)
	assert.False(t, broker.targets[0].Audio.Found)
}

func TestCaptureService_AudioOnlyNeedsCard(t *testing.T) {
	correlator := &fakeCorrelator{match: device.AudioMatch{Found: true, Card: 1}, failVerify: true}
	broker := &fakeAcquirer{}

	svc := newCaptureService(&fakeDiscoverer{result: testDiscovery()}, correlator, broker, logger.NewNopLogger())
	svc.verifyAudio = true
	svc.audioOnly = true

	err := svc.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not recordable")
	assert.True(t, correlator.verified)
	assert.Empty(t, broker.targets)
}

func TestCaptureService_AcquireFailure(t *testing.T) {
	broker := &fakeAcquirer{err: session.ErrBrokerClosed}
	svc := newCaptureService(&fakeDiscoverer{result: testDiscovery()}, nil, broker, logger.NewNopLogger())

	err := svc.Start(context.Background())
	assert.ErrorIs(t, err, session.ErrBrokerClosed)
	assert.Nil(t, svc.Session())
}
