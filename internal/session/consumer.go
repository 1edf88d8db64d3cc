package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// ConsumerKind is what a consumer does with the stream
type ConsumerKind string

const (
	KindPreview  ConsumerKind = "preview"
	KindNetwork  ConsumerKind = "network"
	KindRelay    ConsumerKind = "relay"
	KindSnapshot ConsumerKind = "snapshot"
)

// MediaKind tells video packets from audio packets
type MediaKind int

const (
	MediaVideo MediaKind = iota
	MediaAudio
)

func (m MediaKind) String() string {
	if m == MediaAudio {
		return "audio"
	}
	return "video"
}

// Packet is one RTP packet from the capture pipeline
type Packet struct {
	Media    MediaKind
	RTP      *rtp.Packet
	Received time.Time
}

// Consumer is one handle on the shared session. Handles are independent:
// detaching one never affects the capture or the other consumers.
type Consumer struct {
	ID         string       `json:"id"`
	SessionID  string       `json:"session_id"`
	Kind       ConsumerKind `json:"kind"`
	Label      string       `json:"label,omitempty"`
	AttachedAt time.Time    `json:"attached_at"`

	packets   chan Packet
	delivered atomic.Int64
	dropped   atomic.Int64
	closeOnce sync.Once
}

func newConsumer(id, sessionID string, kind ConsumerKind, label string, buffer int) *Consumer {
	c := &Consumer{
		ID:         id,
		SessionID:  sessionID,
		Kind:       kind,
		Label:      label,
		AttachedAt: time.Now(),
	}
	if buffer > 0 {
		c.packets = make(chan Packet, buffer)
	}
	return c
}

// Packets returns the packet channel, or nil for consumers served by a
// transport-level fan-out. The channel is closed on detach.
func (c *Consumer) Packets() <-chan Packet {
	return c.packets
}

// Delivered is the number of packets handed to the consumer
func (c *Consumer) Delivered() int64 {
	return c.delivered.Load()
}

// Dropped is the number of packets lost because the consumer was full
func (c *Consumer) Dropped() int64 {
	return c.dropped.Load()
}

// offer delivers p without blocking. Callers hold the broker's consumer
// lock, which keeps offer and close from racing.
func (c *Consumer) offer(p Packet) {
	if c.packets == nil {
		return
	}
	select {
	case c.packets <- p:
		c.delivered.Add(1)
	default:
		c.dropped.Add(1)
	}
}

func (c *Consumer) close() {
	c.closeOnce.Do(func() {
		if c.packets != nil {
			close(c.packets)
		}
	})
}

// ConsumerInfo is a point-in-time view of a consumer
type ConsumerInfo struct {
	ID         string       `json:"id"`
	SessionID  string       `json:"session_id"`
	Kind       ConsumerKind `json:"kind"`
	Label      string       `json:"label,omitempty"`
	AttachedAt time.Time    `json:"attached_at"`
	Delivered  int64        `json:"delivered"`
	Dropped    int64        `json:"dropped"`
}

// Info returns a snapshot of the consumer
func (c *Consumer) Info() ConsumerInfo {
	return ConsumerInfo{
		ID:         c.ID,
		SessionID:  c.SessionID,
		Kind:       c.Kind,
		Label:      c.Label,
		AttachedAt: c.AttachedAt,
		Delivered:  c.Delivered(),
		Dropped:    c.Dropped(),
	}
}
