package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/denisyuji/hdmi-usb/internal/device"
	"github.com/denisyuji/hdmi-usb/internal/logger"
	"github.com/denisyuji/hdmi-usb/internal/pipeline"
	"github.com/denisyuji/hdmi-usb/internal/retry"
	"github.com/denisyuji/hdmi-usb/internal/service"
	"github.com/denisyuji/hdmi-usb/internal/state"
)

var (
	// ErrNoSession is returned when attaching to a session that is not live
	ErrNoSession = errors.New("no live capture session")
	// ErrBrokerClosed is returned after the broker has been stopped
	ErrBrokerClosed = errors.New("session broker closed")
	// ErrStalled is the recovery cause when the pipeline stops delivering packets
	ErrStalled = errors.New("capture pipeline stalled")
)

// Store is the persistence the broker needs. *state.Manager implements it.
type Store interface {
	OwnershipReader
	ClaimOwnership(ctx context.Context, o state.Ownership) error
	SetPipelinePGID(ctx context.Context, device, token string, pgid int) error
	ReleaseOwnership(ctx context.Context, device, token string) error
	RecordAcquisition(ctx context.Context, a state.Acquisition) error
	EndAcquisition(ctx context.Context, id, reason string) error
	IncrementRecoveries(ctx context.Context, id string) error
	RecordConsumerAttached(ctx context.Context, c state.ConsumerRecord) error
	RecordConsumerDetached(ctx context.Context, id string, dropped int64) error
}

// Config configures the broker
type Config struct {
	// Capture carries encoder settings and RTP ports; the device fields
	// are filled in from the acquisition target.
	Capture          pipeline.CaptureOptions
	RecoveryAttempts int
	RecoveryDelay    time.Duration
	StallTimeout     time.Duration
	StartTimeout     time.Duration
	GracePeriod      time.Duration
	ConsumerBuffer   int
	LockFile         string
	Takeover         bool
}

// Target is what discovery hands to the broker
type Target struct {
	Device device.CandidateDevice
	Audio  device.AudioMatch
	// Verified means the device is busy because of our own earlier capture
	Verified          bool
	DiscoveryAttempts int
}

// TargetFromDiscovery builds a Target from a discovery result
func TargetFromDiscovery(d *device.Discovery, audio device.AudioMatch) Target {
	return Target{
		Device:            d.Candidate,
		Audio:             audio,
		Verified:          d.Verified,
		DiscoveryAttempts: d.Attempts,
	}
}

// Broker serializes acquisition of the capture device. It runs at most one
// pipeline against the device at a time and fans its packets out to every
// attached consumer.
type Broker struct {
	*service.ServiceBase

	cfg      Config
	engine   pipeline.Engine
	resetter device.Resetter
	store    Store
	owners   *OwnershipRegistry
	lock     *Lock

	mu         sync.Mutex
	session    *CaptureSession
	process    pipeline.Process
	recovering bool
	closed     bool

	cmu       sync.RWMutex
	consumers map[string]*Consumer

	lastPacket atomic.Int64
	opens      atomic.Int64

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewBroker creates a broker. store and resetter may be nil.
func NewBroker(cfg Config, engine pipeline.Engine, resetter device.Resetter, store Store, log *logger.Logger) *Broker {
	if cfg.RecoveryAttempts <= 0 {
		cfg.RecoveryAttempts = 3
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 5 * time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		ServiceBase: service.NewServiceBase("session-broker", log),
		cfg:         cfg,
		engine:      engine,
		resetter:    resetter,
		store:       store,
		consumers:   make(map[string]*Consumer),
		runCtx:      ctx,
		runCancel:   cancel,
	}
	if store != nil {
		b.owners = NewOwnershipRegistry(store)
	}
	return b
}

// Owners returns the verifier discovery should use, or nil without a store
func (b *Broker) Owners() device.OwnershipVerifier {
	if b.owners == nil {
		return nil
	}
	return b.owners
}

// Start takes the single-owner lock and starts the stall watchdog
func (b *Broker) Start(ctx context.Context) error {
	if b.cfg.LockFile != "" {
		var (
			l   *Lock
			err error
		)
		if b.cfg.Takeover {
			l, err = Takeover(ctx, b.cfg.LockFile, 3*time.Second)
		} else {
			l, err = AcquireLock(b.cfg.LockFile)
		}
		if err != nil {
			return err
		}
		b.lock = l
		b.LogInfo("Single-owner lock acquired", "path", l.Path())
	}

	if b.cfg.StallTimeout > 0 {
		b.wg.Add(1)
		go b.watchStall()
	}
	return nil
}

// Stop closes the session and releases the lock
func (b *Broker) Stop(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	err := b.Close(ctx)
	b.runCancel()
	b.wg.Wait()

	if b.lock != nil {
		if lerr := b.lock.Release(); lerr != nil && err == nil {
			err = lerr
		}
		b.lock = nil
	}
	return err
}

// Acquire returns the live session, starting the physical capture when
// there is none. Concurrent callers get the same session and the device is
// opened once.
func (b *Broker) Acquire(ctx context.Context, t Target) (*CaptureSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBrokerClosed
	}
	if b.session != nil && b.session.State().Live() {
		return b.session, nil
	}

	if t.Verified {
		b.reclaimOrphan(ctx, t.Device.Path)
	}

	sess := newCaptureSession(uuid.NewString(), uuid.NewString(), t, os.Getpid())

	if b.store != nil {
		if err := b.store.ClaimOwnership(ctx, state.Ownership{
			Device:     t.Device.Path,
			Token:      sess.Token,
			PID:        sess.OwnerPID,
			AcquiredAt: sess.AcquiredAt,
		}); err != nil {
			b.LogWarn("Failed to record ownership", "device", t.Device.Path, "error", err)
		}
	}

	proc, err := b.startPipeline(ctx, sess)
	if err != nil {
		b.releaseOwnership(sess)
		sess.close(nil)
		return nil, retry.NewStageError(retry.StageCapture, 1, err)
	}

	if b.store != nil {
		if err := b.store.RecordAcquisition(ctx, state.Acquisition{
			ID:                sess.ID,
			Device:            t.Device.Path,
			AudioDevice:       audioDevice(t.Audio),
			Token:             sess.Token,
			PID:               sess.OwnerPID,
			DiscoveryAttempts: t.DiscoveryAttempts,
			StartedAt:         sess.AcquiredAt,
		}); err != nil {
			b.LogWarn("Failed to record acquisition", "session", sess.ID, "error", err)
		}
	}

	sess.setState(StateActive)
	b.session = sess
	b.process = proc
	b.touch()

	b.wg.Add(1)
	go b.monitor(sess, proc)

	b.LogInfo("Capture session acquired",
		"session", sess.ID,
		"device", t.Device.Path,
		"audio", audioDevice(t.Audio),
		"pipeline_pid", proc.PID(),
	)
	b.PublishEvent(service.EventTypeSessionAcquired, map[string]interface{}{
		"session_id": sess.ID,
		"device":     t.Device.Path,
		"audio":      audioDevice(t.Audio),
	})

	return sess, nil
}

// startPipeline starts the capture pipeline for sess and waits for it to
// report started. Each call is one open of the device.
func (b *Broker) startPipeline(ctx context.Context, sess *CaptureSession) (pipeline.Process, error) {
	opts := b.cfg.Capture
	opts.VideoDevice = sess.Device.Path
	opts.MJPEG = sess.Device.Capabilities.HasFormat("MJPG")
	opts.AudioDevice = audioDevice(sess.Audio)

	desc, err := pipeline.CaptureDescription(opts)
	if err != nil {
		return nil, err
	}

	proc, err := b.engine.Start(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("failed to start capture pipeline: %w", err)
	}
	b.opens.Add(1)

	if _, err := pipeline.WaitStarted(ctx, proc, b.cfg.StartTimeout); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), b.stopTimeout())
		_ = proc.Stop(stopCtx)
		cancel()
		return nil, fmt.Errorf("capture pipeline did not start: %w", err)
	}

	sess.setPipelinePID(proc.PID())
	if b.store != nil && proc.PID() > 0 {
		if err := b.store.SetPipelinePGID(ctx, sess.Device.Path, sess.Token, proc.PID()); err != nil {
			b.LogWarn("Failed to record pipeline group", "error", err)
		}
	}
	return proc, nil
}

func (b *Broker) reclaimOrphan(ctx context.Context, devicePath string) {
	pgid, ok := b.owners.Orphan(ctx, devicePath)
	if !ok {
		return
	}
	b.LogWarn("Reclaiming orphaned capture pipeline", "device", devicePath, "pgid", pgid)
	if err := pipeline.ReclaimGroup(ctx, pgid, b.stopTimeout()); err != nil {
		b.LogWarn("Failed to reclaim orphaned pipeline", "pgid", pgid, "error", err)
	}
}

// Attach adds a consumer to sess. buffer 0 creates a handle without a
// packet channel, for consumers fed by a transport-level fan-out.
func (b *Broker) Attach(sess *CaptureSession, kind ConsumerKind, label string, buffer int) (*Consumer, error) {
	b.mu.Lock()
	current := b.session
	b.mu.Unlock()

	if sess == nil || current != sess || !sess.State().Live() {
		return nil, ErrNoSession
	}
	if buffer < 0 {
		buffer = b.cfg.ConsumerBuffer
	}

	c := newConsumer(uuid.NewString(), sess.ID, kind, label, buffer)

	// finish sweeps consumers under cmu after the session is cleared, so
	// the insert must see the session still current under the same lock.
	b.cmu.Lock()
	b.mu.Lock()
	still := b.session == sess
	b.mu.Unlock()
	if !still {
		b.cmu.Unlock()
		return nil, ErrNoSession
	}
	b.consumers[c.ID] = c
	b.cmu.Unlock()

	if b.store != nil {
		if err := b.store.RecordConsumerAttached(context.Background(), state.ConsumerRecord{
			ID:         c.ID,
			SessionID:  sess.ID,
			Kind:       string(kind),
			Label:      label,
			AttachedAt: c.AttachedAt,
		}); err != nil {
			b.LogWarn("Failed to record consumer", "consumer", c.ID, "error", err)
		}
	}

	b.LogDebug("Consumer attached", "consumer", c.ID, "kind", kind, "label", label)
	b.PublishEvent(service.EventTypeConsumerAttached, map[string]interface{}{
		"consumer_id": c.ID,
		"session_id":  sess.ID,
		"kind":        string(kind),
		"label":       label,
	})
	return c, nil
}

// Detach removes a consumer. Detaching twice is a no-op.
func (b *Broker) Detach(c *Consumer) {
	if c == nil {
		return
	}

	b.cmu.Lock()
	_, ok := b.consumers[c.ID]
	delete(b.consumers, c.ID)
	c.close()
	b.cmu.Unlock()

	if !ok {
		return
	}

	if b.store != nil {
		if err := b.store.RecordConsumerDetached(context.Background(), c.ID, c.Dropped()); err != nil {
			b.LogWarn("Failed to record consumer detach", "consumer", c.ID, "error", err)
		}
	}

	b.LogDebug("Consumer detached", "consumer", c.ID, "kind", c.Kind, "dropped", c.Dropped())
	b.PublishEvent(service.EventTypeConsumerDetached, map[string]interface{}{
		"consumer_id": c.ID,
		"session_id":  c.SessionID,
		"kind":        string(c.Kind),
		"dropped":     c.Dropped(),
	})
}

// Publish fans one packet out to every consumer without blocking
func (b *Broker) Publish(p Packet) {
	if p.Received.IsZero() {
		p.Received = time.Now()
	}
	b.lastPacket.Store(p.Received.UnixNano())

	b.cmu.RLock()
	defer b.cmu.RUnlock()
	for _, c := range b.consumers {
		c.offer(p)
	}
}

// Close stops the capture and closes every consumer. The broker can
// acquire again afterwards.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	sess := b.session
	proc := b.process
	b.session = nil
	b.process = nil
	b.mu.Unlock()

	var err error
	if proc != nil {
		err = proc.Stop(ctx)
	}
	if sess != nil {
		b.finish(sess, nil, "closed")
	}
	return err
}

// finish detaches the consumers of sess, releases ownership and then
// closes sess, so a reader of Fatal or Done sees the cleanup finished.
func (b *Broker) finish(sess *CaptureSession, cause error, reason string) {
	b.cmu.Lock()
	var detached []*Consumer
	for id, c := range b.consumers {
		if c.SessionID != sess.ID {
			continue
		}
		c.close()
		delete(b.consumers, id)
		detached = append(detached, c)
	}
	b.cmu.Unlock()

	if b.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		for _, c := range detached {
			_ = b.store.RecordConsumerDetached(ctx, c.ID, c.Dropped())
		}
		if err := b.store.EndAcquisition(ctx, sess.ID, reason); err != nil {
			b.LogWarn("Failed to record session end", "session", sess.ID, "error", err)
		}
		cancel()
	}
	b.releaseOwnership(sess)
	sess.close(cause)

	data := map[string]interface{}{
		"session_id": sess.ID,
		"device":     sess.Device.Path,
		"reason":     reason,
	}
	if cause != nil {
		data["error"] = cause.Error()
		b.LogError("Capture session closed", cause, "session", sess.ID)
	} else {
		b.LogInfo("Capture session closed", "session", sess.ID, "reason", reason)
	}
	b.PublishEvent(service.EventTypeSessionClosed, data)
}

func (b *Broker) releaseOwnership(sess *CaptureSession) {
	if b.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.store.ReleaseOwnership(ctx, sess.Device.Path, sess.Token); err != nil {
		b.LogWarn("Failed to release ownership", "device", sess.Device.Path, "error", err)
	}
}

// Current returns the live session, or nil
func (b *Broker) Current() *CaptureSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session
}

// CurrentInfo returns a snapshot of the live session including its
// consumer count.
func (b *Broker) CurrentInfo() (Info, bool) {
	sess := b.Current()
	if sess == nil {
		return Info{}, false
	}
	info := sess.Info()
	b.cmu.RLock()
	for _, c := range b.consumers {
		if c.SessionID == sess.ID {
			info.Consumers++
		}
	}
	b.cmu.RUnlock()
	return info, true
}

// Consumers returns the attached consumers in attach order
func (b *Broker) Consumers() []ConsumerInfo {
	b.cmu.RLock()
	out := make([]ConsumerInfo, 0, len(b.consumers))
	for _, c := range b.consumers {
		out = append(out, c.Info())
	}
	b.cmu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AttachedAt.Before(out[j].AttachedAt) })
	return out
}

// DeviceOpens is the number of pipeline starts against the device
func (b *Broker) DeviceOpens() int64 {
	return b.opens.Load()
}

// LastPacket is when the last packet was published
func (b *Broker) LastPacket() time.Time {
	n := b.lastPacket.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (b *Broker) touch() {
	b.lastPacket.Store(time.Now().UnixNano())
}

func (b *Broker) stopTimeout() time.Duration {
	return 4*b.cfg.GracePeriod + 2*time.Second
}

func audioDevice(m device.AudioMatch) string {
	if !m.Found {
		return ""
	}
	return m.Device()
}
