package device

import (
	"context"
	"time"

	"github.com/denisyuji/hdmi-usb/internal/logger"
)

// OwnershipVerifier reports whether a busy node is held by a capture
// session this host started and still tracks.
type OwnershipVerifier interface {
	VerifyOwner(ctx context.Context, devicePath string) (bool, error)
}

// ProbeResult is the classification of one candidate
type ProbeResult struct {
	State ProbeState
	// Verified is set for Busy nodes whose holder is our own session
	Verified bool
	// Stalled is set for Error nodes that opened but would not stream
	Stalled bool
	Detail  string
}

// Prober classifies candidates as Absent, Error, Busy or Ready
type Prober struct {
	querier CapabilityQuerier
	owner   OwnershipVerifier
	timeout time.Duration
	logger  *logger.Logger
}

// NewProber creates a prober. owner may be nil, in which case no busy
// node is ever verified.
func NewProber(querier CapabilityQuerier, owner OwnershipVerifier, timeout time.Duration, log *logger.Logger) *Prober {
	if timeout <= 0 {
		timeout = defaultV4L2Timeout
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Prober{querier: querier, owner: owner, timeout: timeout, logger: log}
}

// Probe classifies c. It never returns an error: every failure maps to a
// state, and the caller decides whether to retry.
func (p *Prober) Probe(ctx context.Context, c CandidateDevice) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	caps, err := p.querier.Query(ctx, c.Path)
	if !caps.Exists {
		return ProbeResult{State: StateAbsent, Detail: "node does not exist"}
	}
	if !caps.Accessible {
		return ProbeResult{State: StateAbsent, Detail: "node cannot be opened"}
	}
	if err != nil {
		return ProbeResult{State: StateError, Detail: err.Error()}
	}
	if !caps.CaptureCapable || (len(caps.Resolutions) == 0 && len(caps.Formats) == 0) {
		return ProbeResult{State: StateError, Detail: "no usable capability data"}
	}

	stream, err := p.querier.ProbeStream(ctx, c.Path)
	if err != nil {
		return ProbeResult{State: StateError, Detail: err.Error()}
	}

	switch {
	case stream.Busy:
		result := ProbeResult{State: StateBusy, Detail: stream.Detail}
		if p.owner != nil {
			ok, err := p.owner.VerifyOwner(ctx, c.Path)
			if err != nil {
				p.logger.Warn("Ownership check failed", "device", c.Path, "error", err)
			}
			result.Verified = ok && err == nil
		}
		return result
	case stream.Stalled:
		return ProbeResult{State: StateError, Stalled: true, Detail: stream.Detail}
	}

	return ProbeResult{State: StateReady}
}
