package rtsp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"

	"github.com/denisyuji/hdmi-usb/internal/logger"
	"github.com/denisyuji/hdmi-usb/internal/pipeline"
	"github.com/denisyuji/hdmi-usb/internal/service"
	"github.com/denisyuji/hdmi-usb/internal/session"
)

// Broker is the part of the session broker the server uses
type Broker interface {
	Current() *session.CaptureSession
	Attach(sess *session.CaptureSession, kind session.ConsumerKind, label string, buffer int) (*session.Consumer, error)
	Detach(c *session.Consumer)
}

// ServerConfig configures the RTSP endpoint
type ServerConfig struct {
	Host  string
	Port  int
	Path  string
	Audio bool
	// AudioOnly serves only the audio media
	AudioOnly bool
}

// Server serves the shared capture session over RTSP. All clients read
// from one ServerStream fed by a single relay consumer, and each playing
// client is registered with the broker as a network consumer.
type Server struct {
	*service.ServiceBase

	cfg    ServerConfig
	broker Broker

	srv        *gortsplib.Server
	stream     *gortsplib.ServerStream
	desc       *description.Session
	videoMedia *description.Media
	audioMedia *description.Media

	mu      sync.Mutex
	viewers map[*gortsplib.ServerSession]*session.Consumer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates the RTSP endpoint
func NewServer(cfg ServerConfig, broker Broker, log *logger.Logger) *Server {
	if cfg.Path == "" {
		cfg.Path = "/hdmi"
	}

	s := &Server{
		ServiceBase: service.NewServiceBase("rtsp-server", log),
		cfg:         cfg,
		broker:      broker,
		viewers:     make(map[*gortsplib.ServerSession]*session.Consumer),
	}
	s.desc = s.buildDescription()
	return s
}

func (s *Server) buildDescription() *description.Session {
	desc := &description.Session{Title: "hdmi-usb"}
	s.videoMedia, s.audioMedia = nil, nil

	if !s.cfg.AudioOnly {
		s.videoMedia = &description.Media{
			Type: description.MediaTypeVideo,
			Formats: []format.Format{&format.H264{
				PayloadTyp:        pipeline.VideoPayload,
				PacketizationMode: 1,
			}},
		}
		desc.Medias = append(desc.Medias, s.videoMedia)
	}
	if s.cfg.Audio || s.cfg.AudioOnly {
		s.audioMedia = &description.Media{
			Type: description.MediaTypeAudio,
			Formats: []format.Format{&format.LPCM{
				PayloadTyp:   pipeline.AudioPayload,
				BitDepth:     16,
				SampleRate:   pipeline.AudioSampleRate,
				ChannelCount: pipeline.AudioChannels,
			}},
		}
		desc.Medias = append(desc.Medias, s.audioMedia)
	}
	return desc
}

// SetAudio decides whether the audio media is offered. Discovery settles
// it, so it is called before Start.
func (s *Server) SetAudio(enabled bool) {
	s.cfg.Audio = enabled
	s.desc = s.buildDescription()
}

// Address is the listen address
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Start starts listening and the relay
func (s *Server) Start(ctx context.Context) error {
	s.srv = &gortsplib.Server{
		Handler:     s,
		RTSPAddress: s.Address(),
	}
	if err := s.srv.Start(); err != nil {
		return fmt.Errorf("failed to start RTSP server on %s: %w", s.Address(), err)
	}
	s.stream = gortsplib.NewServerStream(s.srv, s.desc)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go s.relay()

	s.LogInfo("RTSP server listening", "address", s.Address(), "path", s.cfg.Path, "medias", len(s.desc.Medias))
	return nil
}

// Stop closes every client and the relay
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if s.stream != nil {
		s.stream.Close()
	}
	if s.srv != nil {
		s.srv.Close()
	}

	s.mu.Lock()
	viewers := s.viewers
	s.viewers = make(map[*gortsplib.ServerSession]*session.Consumer)
	s.mu.Unlock()
	for _, c := range viewers {
		s.broker.Detach(c)
	}
	return nil
}

// relay follows the live session and writes its packets to the shared
// stream. When a session ends it waits for the next one.
func (s *Server) relay() {
	defer s.wg.Done()

	for {
		sess := s.broker.Current()
		if sess == nil {
			if !s.sleep(200 * time.Millisecond) {
				return
			}
			continue
		}

		c, err := s.broker.Attach(sess, session.KindRelay, "rtsp-server", -1)
		if err != nil {
			if !s.sleep(200 * time.Millisecond) {
				return
			}
			continue
		}
		s.LogDebug("Relay attached", "session", sess.ID)

		if !s.forward(c) {
			s.broker.Detach(c)
			return
		}
		s.broker.Detach(c)
	}
}

// forward copies packets until the consumer closes; false means stop
func (s *Server) forward(c *session.Consumer) bool {
	packets := c.Packets()
	for {
		select {
		case <-s.ctx.Done():
			return false
		case p, ok := <-packets:
			if !ok {
				return true
			}
			s.write(p)
		}
	}
}

func (s *Server) write(p session.Packet) {
	media := s.videoMedia
	if p.Media == session.MediaAudio {
		media = s.audioMedia
	}
	if media == nil || p.RTP == nil {
		return
	}
	if err := s.stream.WritePacketRTP(media, p.RTP); err != nil {
		s.LogDebug("Failed to write RTP packet", "error", err)
	}
}

func (s *Server) sleep(d time.Duration) bool {
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Viewers is the number of playing RTSP sessions
func (s *Server) Viewers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

func (s *Server) pathMatches(path string) bool {
	return strings.Trim(path, "/") == strings.Trim(s.cfg.Path, "/")
}

// OnConnOpen implements gortsplib.ServerHandlerOnConnOpen
func (s *Server) OnConnOpen(ctx *gortsplib.ServerHandlerOnConnOpenCtx) {
	s.LogDebug("RTSP connection opened", "remote", ctx.Conn.NetConn().RemoteAddr().String())
}

// OnConnClose implements gortsplib.ServerHandlerOnConnClose
func (s *Server) OnConnClose(ctx *gortsplib.ServerHandlerOnConnCloseCtx) {
	s.LogDebug("RTSP connection closed", "remote", ctx.Conn.NetConn().RemoteAddr().String(), "error", ctx.Error)
}

// OnSessionClose implements gortsplib.ServerHandlerOnSessionClose
func (s *Server) OnSessionClose(ctx *gortsplib.ServerHandlerOnSessionCloseCtx) {
	s.mu.Lock()
	c, ok := s.viewers[ctx.Session]
	delete(s.viewers, ctx.Session)
	s.mu.Unlock()

	if ok {
		s.broker.Detach(c)
		s.LogInfo("RTSP client left", "consumer", c.ID, "label", c.Label)
	}
}

// OnDescribe implements gortsplib.ServerHandlerOnDescribe
func (s *Server) OnDescribe(ctx *gortsplib.ServerHandlerOnDescribeCtx) (*base.Response, *gortsplib.ServerStream, error) {
	if !s.pathMatches(ctx.Path) {
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}
	if s.broker.Current() == nil {
		return &base.Response{StatusCode: base.StatusServiceUnavailable}, nil, nil
	}
	return &base.Response{StatusCode: base.StatusOK}, s.stream, nil
}

// OnSetup implements gortsplib.ServerHandlerOnSetup
func (s *Server) OnSetup(ctx *gortsplib.ServerHandlerOnSetupCtx) (*base.Response, *gortsplib.ServerStream, error) {
	if !s.pathMatches(ctx.Path) {
		return &base.Response{StatusCode: base.StatusNotFound}, nil, nil
	}
	return &base.Response{StatusCode: base.StatusOK}, s.stream, nil
}

// OnPlay implements gortsplib.ServerHandlerOnPlay. The client becomes a
// network consumer of the live session.
func (s *Server) OnPlay(ctx *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	sess := s.broker.Current()
	if sess == nil {
		return &base.Response{StatusCode: base.StatusServiceUnavailable}, nil
	}

	label := ctx.Conn.NetConn().RemoteAddr().String()
	c, err := s.broker.Attach(sess, session.KindNetwork, label, 0)
	if err != nil {
		return &base.Response{StatusCode: base.StatusServiceUnavailable}, nil
	}

	s.mu.Lock()
	if prev, ok := s.viewers[ctx.Session]; ok {
		s.broker.Detach(prev)
	}
	s.viewers[ctx.Session] = c
	s.mu.Unlock()

	s.LogInfo("RTSP client playing", "consumer", c.ID, "remote", label)
	return &base.Response{StatusCode: base.StatusOK}, nil
}
