package device

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/denisyuji/hdmi-usb/internal/logger"
	"github.com/denisyuji/hdmi-usb/internal/retry"
)

// Discovery is the node selected by a successful discovery
type Discovery struct {
	Candidate CandidateDevice
	// Verified means the node is busy because our own session holds it
	Verified bool
	// Attempts is the number of scan passes made
	Attempts int
	// Probes is the number of candidate probes made across all passes
	Probes int
}

// DiscovererConfig configures a Discoverer
type DiscovererConfig struct {
	// MatchName is a regular expression matched against device names
	MatchName   string
	Resolutions []Resolution
	Attempts    int
	Delay       time.Duration
}

// Discoverer runs scan and probe passes under the scan retry policy
type Discoverer struct {
	scanner   *Scanner
	prober    *Prober
	resetter  Resetter
	pattern   *regexp.Regexp
	predicate Predicate
	policy    retry.Policy
	logger    *logger.Logger
}

// NewDiscoverer creates a discoverer. resetter may be nil to disable
// recovery of stalled nodes.
func NewDiscoverer(cfg DiscovererConfig, scanner *Scanner, prober *Prober, resetter Resetter, log *logger.Logger) (*Discoverer, error) {
	pattern, err := regexp.Compile(cfg.MatchName)
	if err != nil {
		return nil, fmt.Errorf("invalid match name %q: %w", cfg.MatchName, err)
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	var predicate Predicate
	if len(cfg.Resolutions) > 0 {
		predicate = SupportsAny(cfg.Resolutions...)
	}

	return &Discoverer{
		scanner:   scanner,
		prober:    prober,
		resetter:  resetter,
		pattern:   pattern,
		predicate: predicate,
		policy:    retry.ScanPolicy(cfg.Attempts, cfg.Delay),
		logger:    log,
	}, nil
}

// Discover returns the first acceptable candidate. Ready nodes are always
// accepted; busy nodes only when our own session verifiably holds them.
// Failure is a *retry.StageError for the discovery stage wrapping
// ErrDeviceBusyExhausted when every pass found the device busy, and
// ErrDeviceNotFound otherwise.
func (d *Discoverer) Discover(ctx context.Context) (*Discovery, error) {
	var (
		selected   *Discovery
		probes     int
		busyPasses int
	)

	policy := d.policy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		d.logger.Info("Discovery pass failed, retrying", "attempt", attempt, "error", err, "delay", delay)
	}

	attempts, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		candidates, err := d.scanner.Scan(ctx, d.pattern, d.predicate)
		if err != nil {
			return retry.Retryable(err)
		}
		if len(candidates) == 0 {
			return retry.Retryable(ErrDeviceNotFound)
		}

		sawBusy := false
		for _, c := range candidates {
			result := d.prober.Probe(ctx, c)
			probes++
			c.State = result.State

			d.logger.Debug("Probed candidate",
				"device", c.Path,
				"state", result.State.String(),
				"verified", result.Verified,
				"detail", result.Detail,
			)

			switch result.State {
			case StateReady:
				selected = &Discovery{Candidate: c}
				return nil
			case StateBusy:
				if result.Verified {
					selected = &Discovery{Candidate: c, Verified: true}
					return nil
				}
				sawBusy = true
			case StateError:
				if result.Stalled && d.resetter != nil {
					if err := d.resetter.Reset(ctx, c.Path); err != nil {
						d.logger.Warn("Device reset failed", "device", c.Path, "error", err)
					} else {
						d.logger.Info("Reset stalled device", "device", c.Path)
					}
				}
			}
		}

		if sawBusy {
			busyPasses++
			return retry.Retryable(fmt.Errorf("%s: device busy", candidates[0].Path))
		}
		return retry.Retryable(fmt.Errorf("%w: no candidate passed probing", ErrDeviceNotFound))
	})

	if err == nil {
		selected.Attempts = attempts
		selected.Probes = probes
		d.logger.Info("Capture device discovered",
			"device", selected.Candidate.Path,
			"group", selected.Candidate.Group,
			"attempts", attempts,
		)
		return selected, nil
	}

	var exhausted *retry.ExhaustedError
	if !errors.As(err, &exhausted) {
		return nil, retry.NewStageError(retry.StageDiscovery, attempts, err)
	}

	cause := ErrDeviceNotFound
	if busyPasses == exhausted.Attempts {
		cause = ErrDeviceBusyExhausted
	}
	last := exhausted.Last
	if !errors.Is(last, cause) {
		last = fmt.Errorf("%w: %v", cause, last)
	}
	return nil, retry.NewStageError(retry.StageDiscovery, exhausted.Attempts, last)
}
