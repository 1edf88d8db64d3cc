// Package rtsp carries the capture pipeline's RTP output to network
// clients: Ingest receives the pipeline's UDP packets into the session
// broker and Server re-serves them over RTSP.
package rtsp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/denisyuji/hdmi-usb/internal/logger"
	"github.com/denisyuji/hdmi-usb/internal/service"
	"github.com/denisyuji/hdmi-usb/internal/session"
)

const maxDatagram = 65536

// Publisher receives every ingested packet
type Publisher interface {
	Publish(p session.Packet)
}

// IngestConfig names the UDP ports the capture pipeline sends to. A zero
// port disables that media; a negative port binds an ephemeral one.
type IngestConfig struct {
	Host      string
	VideoPort int
	AudioPort int
}

// Ingest listens on the pipeline's RTP ports and publishes each datagram
// to the broker.
type Ingest struct {
	*service.ServiceBase

	cfg IngestConfig
	pub Publisher

	mu    sync.Mutex
	conns map[session.MediaKind]*net.UDPConn

	lastPacket atomic.Int64
	packets    atomic.Int64
	invalid    atomic.Int64

	wg sync.WaitGroup
}

// NewIngest creates an ingest for pub
func NewIngest(cfg IngestConfig, pub Publisher, log *logger.Logger) *Ingest {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	return &Ingest{
		ServiceBase: service.NewServiceBase("rtp-ingest", log),
		cfg:         cfg,
		pub:         pub,
		conns:       make(map[session.MediaKind]*net.UDPConn),
	}
}

// Start binds the listeners
func (in *Ingest) Start(ctx context.Context) error {
	ports := map[session.MediaKind]int{
		session.MediaVideo: in.cfg.VideoPort,
		session.MediaAudio: in.cfg.AudioPort,
	}

	for media, port := range ports {
		if port == 0 {
			continue
		}
		if port < 0 {
			port = 0
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(in.cfg.Host), Port: port})
		if err != nil {
			in.closeAll()
			return fmt.Errorf("failed to listen for %s RTP on %s:%d: %w", media, in.cfg.Host, port, err)
		}
		_ = conn.SetReadBuffer(4 * 1024 * 1024)

		in.mu.Lock()
		in.conns[media] = conn
		in.mu.Unlock()

		in.wg.Add(1)
		go in.readLoop(conn, media)
		in.LogInfo("RTP ingest listening", "media", media.String(), "addr", conn.LocalAddr().String())
	}
	return nil
}

// Stop closes the listeners and waits for the readers
func (in *Ingest) Stop(ctx context.Context) error {
	in.closeAll()

	done := make(chan struct{})
	go func() {
		in.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *Ingest) closeAll() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for media, conn := range in.conns {
		conn.Close()
		delete(in.conns, media)
	}
}

func (in *Ingest) readLoop(conn *net.UDPConn, media session.MediaKind) {
	defer in.wg.Done()

	buf := make([]byte, maxDatagram)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			in.LogDebug("RTP read failed", "media", media.String(), "error", err)
			continue
		}

		// the packet keeps references into its buffer, so each one gets its own
		data := make([]byte, n)
		copy(data, buf[:n])

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(data); err != nil {
			in.invalid.Add(1)
			continue
		}

		now := time.Now()
		in.lastPacket.Store(now.UnixNano())
		in.packets.Add(1)
		in.pub.Publish(session.Packet{Media: media, RTP: pkt, Received: now})
	}
}

// Port returns the bound port for media, or 0 when it is not listening
func (in *Ingest) Port(media session.MediaKind) int {
	in.mu.Lock()
	defer in.mu.Unlock()
	conn, ok := in.conns[media]
	if !ok {
		return 0
	}
	return conn.LocalAddr().(*net.UDPAddr).Port
}

// LastPacket is when the last valid packet arrived
func (in *Ingest) LastPacket() time.Time {
	n := in.lastPacket.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Packets is the number of valid packets received
func (in *Ingest) Packets() int64 {
	return in.packets.Load()
}

// Invalid is the number of datagrams that were not RTP
func (in *Ingest) Invalid() int64 {
	return in.invalid.Load()
}
