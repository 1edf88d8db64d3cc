package negotiate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	"github.com/pion/rtp"

	"github.com/denisyuji/hdmi-usb/internal/logger"
	"github.com/denisyuji/hdmi-usb/internal/retry"
)

// AccessUnit is one decoded H.264 access unit
type AccessUnit struct {
	NALUs    [][]byte
	Received time.Time
}

// ClientConfig configures the RTSP client
type ClientConfig struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// TCP forces interleaved transport
	TCP    bool
	Buffer int
}

// Client opens RTSP sessions, setting up only the streams the policy
// accepts.
type Client struct {
	cfg    ClientConfig
	policy Policy
	logger *logger.Logger
}

// NewClient creates a client applying policy
func NewClient(cfg ClientConfig, policy Policy, log *logger.Logger) *Client {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &Client{cfg: cfg, policy: policy, logger: log}
}

// Offers converts a session description into offers. The ID is the
// media's index in the description.
func Offers(desc *description.Session) []StreamOffer {
	offers := make([]StreamOffer, 0, len(desc.Medias))
	for i, m := range desc.Medias {
		offers = append(offers, StreamOffer{ID: strconv.Itoa(i), MediaType: string(m.Type)})
	}
	return offers
}

// Open describes url, decides every offered stream, sets up the accepted
// ones and starts playing. Rejected streams are never set up.
func (c *Client) Open(ctx context.Context, rawURL string) (*Session, error) {
	u, err := base.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid RTSP URL %q: %w", rawURL, err)
	}

	rc := &gortsplib.Client{
		ReadTimeout:  c.cfg.ReadTimeout,
		WriteTimeout: c.cfg.WriteTimeout,
	}
	if c.cfg.TCP {
		transport := gortsplib.TransportTCP
		rc.Transport = &transport
	}

	if err := rc.Start(u.Scheme, u.Host); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", u.Host, err)
	}
	stop := context.AfterFunc(ctx, rc.Close)

	sess, err := c.open(rc, u)
	if !stop() || err != nil {
		rc.Close()
		if err == nil {
			err = ctx.Err()
		}
		return nil, err
	}
	return sess, nil
}

func (c *Client) open(rc *gortsplib.Client, u *base.URL) (*Session, error) {
	desc, _, err := rc.Describe(u)
	if err != nil {
		return nil, fmt.Errorf("describe failed: %w", err)
	}

	offers := Offers(desc)
	plan, err := Negotiate(offers, c.policy)
	if err != nil {
		return nil, err
	}

	var (
		videoMedia  *description.Media
		videoFormat *format.H264
		accepted    []*description.Media
	)
	for i, media := range desc.Medias {
		d, ok := plan.Decide(strconv.Itoa(i))
		if !ok || !d.Accept {
			c.logger.Debug("Stream rejected", "id", i, "media", media.Type)
			continue
		}
		accepted = append(accepted, media)
		if videoFormat != nil || media.Type != description.MediaTypeVideo {
			continue
		}
		for _, f := range media.Formats {
			if h264, ok := f.(*format.H264); ok {
				videoMedia, videoFormat = media, h264
				break
			}
		}
	}
	if videoFormat == nil {
		return nil, ErrNoVideoFormat
	}

	for _, media := range accepted {
		if _, err := rc.Setup(desc.BaseURL, media, 0, 0); err != nil {
			return nil, fmt.Errorf("setup of %s stream failed: %w", media.Type, err)
		}
	}

	decoder := &rtph264.Decoder{}
	if err := decoder.Init(); err != nil {
		return nil, fmt.Errorf("failed to init H.264 decoder: %w", err)
	}

	s := &Session{
		Plan:   plan,
		Format: videoFormat,
		client: rc,
		units:  make(chan AccessUnit, c.cfg.Buffer),
		done:   make(chan struct{}),
	}

	rc.OnPacketRTP(videoMedia, videoFormat, func(pkt *rtp.Packet) {
		nalus, err := decoder.Decode(pkt)
		if err != nil {
			// fragments and packets before the first start are expected
			if !errors.Is(err, rtph264.ErrMorePacketsNeeded) && !errors.Is(err, rtph264.ErrNonStartingPacketAndNoPrevious) {
				c.logger.Debug("Failed to decode RTP packet", "error", err)
			}
			return
		}
		s.deliver(AccessUnit{NALUs: nalus, Received: time.Now()})
	})

	if _, err := rc.Play(nil); err != nil {
		return nil, fmt.Errorf("play failed: %w", err)
	}

	go s.wait()

	c.logger.Info("RTSP session negotiated",
		"url", u.String(),
		"offered", len(plan.Decisions),
		"accepted", len(accepted),
	)
	return s, nil
}

// OpenWithRetry opens url under the handshake policy. Handshake failures
// are retried; a rejection is final. Failure is reported as a negotiation
// StageError carrying the attempt count.
func (c *Client) OpenWithRetry(ctx context.Context, rawURL string, p retry.Policy) (*Session, error) {
	var sess *Session
	attempts, err := retry.Do(ctx, p, func(ctx context.Context, attempt int) error {
		s, err := c.Open(ctx, rawURL)
		if err != nil {
			if errors.Is(err, ErrNegotiationRejected) || errors.Is(err, ErrNoVideoFormat) {
				return retry.Fatal(err)
			}
			c.logger.Debug("Handshake attempt failed", "attempt", attempt, "error", err)
			return retry.Retryable(err)
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, retry.NewStageError(retry.StageNegotiation, attempts, err)
	}
	sess.Attempts = attempts
	return sess, nil
}

// Session is a playing RTSP session delivering decoded video access units
type Session struct {
	Plan     Plan
	Format   *format.H264
	Attempts int

	client  *gortsplib.Client
	units   chan AccessUnit
	dropped atomic.Int64

	mu     sync.Mutex
	closed bool
	err    error
	done   chan struct{}
	once   sync.Once
}

// AccessUnits is closed when the session ends
func (s *Session) AccessUnits() <-chan AccessUnit {
	return s.units
}

// Dropped counts access units lost to a full buffer
func (s *Session) Dropped() int64 {
	return s.dropped.Load()
}

func (s *Session) deliver(au AccessUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.units <- au:
	default:
		s.dropped.Add(1)
	}
}

func (s *Session) wait() {
	err := s.client.Wait()
	s.finish(err)
}

func (s *Session) finish(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.err = err
		close(s.units)
		s.mu.Unlock()
		close(s.done)
	})
}

// Wait blocks until the session ends and returns why
func (s *Session) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session and waits for it to finish
func (s *Session) Close() {
	s.client.Close()
	<-s.done
}
