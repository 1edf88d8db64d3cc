package health

import (
	"context"
	"fmt"
	"time"

	"github.com/denisyuji/hdmi-usb/internal/session"
)

// SessionSource exposes the live capture session
type SessionSource interface {
	CurrentInfo() (session.Info, bool)
}

// SessionChecker reports the capture session state
type SessionChecker struct {
	source SessionSource
}

func NewSessionChecker(source SessionSource) *SessionChecker {
	return &SessionChecker{source: source}
}

func (c *SessionChecker) Name() string {
	return "session"
}

func (c *SessionChecker) Check(ctx context.Context) Check {
	check := Check{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}

	info, ok := c.source.CurrentInfo()
	if !ok {
		check.Status = StatusUnhealthy
		check.Message = "No capture session"
		return check
	}

	check.Details["session_id"] = info.ID
	check.Details["device"] = info.Device
	check.Details["consumers"] = info.Consumers
	check.Details["recoveries"] = info.Recoveries

	switch info.State {
	case session.StateActive:
		check.Status = StatusHealthy
		check.Message = "Capture session active"
	case session.StateStarting, session.StateDegraded:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Capture session %s", info.State)
	default:
		check.Status = StatusUnhealthy
		check.Message = fmt.Sprintf("Capture session %s", info.State)
	}
	return check
}

// Pinger is a store that can be pinged
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker checks the state database
type DatabaseChecker struct {
	db Pinger
}

func NewDatabaseChecker(db Pinger) *DatabaseChecker {
	return &DatabaseChecker{db: db}
}

func (c *DatabaseChecker) Name() string {
	return "database"
}

func (c *DatabaseChecker) Check(ctx context.Context) Check {
	check := Check{
		Name:      c.Name(),
		Timestamp: time.Now(),
	}

	if c.db == nil {
		check.Status = StatusDegraded
		check.Message = "State database not configured"
		return check
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.db.Ping(ctx); err != nil {
		// capture works without persistence, only ownership history is lost
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("Database ping failed: %v", err)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "Database connection OK"
	return check
}

// PacketSource reports when the last RTP packet arrived
type PacketSource interface {
	LastPacket() time.Time
	Packets() int64
}

// IngestChecker flags an RTP ingest that went quiet
type IngestChecker struct {
	source PacketSource
	maxAge time.Duration
}

func NewIngestChecker(source PacketSource, maxAge time.Duration) *IngestChecker {
	if maxAge <= 0 {
		maxAge = 5 * time.Second
	}
	return &IngestChecker{source: source, maxAge: maxAge}
}

func (c *IngestChecker) Name() string {
	return "ingest"
}

func (c *IngestChecker) Check(ctx context.Context) Check {
	check := Check{
		Name:      c.Name(),
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}

	last := c.source.LastPacket()
	check.Details["packets"] = c.source.Packets()

	if last.IsZero() {
		check.Status = StatusDegraded
		check.Message = "No RTP packets received yet"
		return check
	}

	age := time.Since(last)
	check.Details["last_packet_age"] = age.Round(time.Millisecond).String()
	if age > c.maxAge {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("No RTP packets for %s", age.Round(time.Second))
		return check
	}

	check.Status = StatusHealthy
	check.Message = "RTP packets flowing"
	return check
}
