package device

import (
	"context"
	"fmt"
	"regexp"

	"github.com/denisyuji/hdmi-usb/internal/logger"
)

// Predicate decides whether a capture node's capabilities are usable
type Predicate func(Capabilities) bool

// SupportsAny accepts nodes offering at least one of the given
// resolutions. The check is strict: a node that reports no resolution
// data at all is rejected.
func SupportsAny(resolutions ...Resolution) Predicate {
	return func(c Capabilities) bool {
		for _, r := range resolutions {
			if c.Supports(r) {
				return true
			}
		}
		return false
	}
}

// Scanner enumerates video nodes and filters them down to candidates
type Scanner struct {
	querier CapabilityQuerier
	logger  *logger.Logger
}

// NewScanner creates a scanner over the given querier
func NewScanner(querier CapabilityQuerier, log *logger.Logger) *Scanner {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Scanner{querier: querier, logger: log}
}

// Scan returns every node of a device whose name matches pattern, that is
// capture capable and satisfies predicate, in listing order. No match
// yields an empty slice and a nil error; only a failed enumeration is an
// error.
func (s *Scanner) Scan(ctx context.Context, pattern *regexp.Regexp, predicate Predicate) ([]CandidateDevice, error) {
	groups, err := s.querier.ListNodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransientProbe, err)
	}

	candidates := make([]CandidateDevice, 0)
	seen := make(map[string]bool)

	for _, group := range groups {
		if pattern != nil && !pattern.MatchString(group.Name) {
			continue
		}

		for _, node := range group.Nodes {
			if seen[node] {
				continue
			}
			seen[node] = true

			caps, err := s.querier.Query(ctx, node)
			if err != nil {
				s.logger.Debug("Skipping node, capability query failed", "node", node, "error", err)
				continue
			}
			if !caps.Exists || !caps.CaptureCapable {
				s.logger.Debug("Skipping node, not a capture node", "node", node)
				continue
			}
			if predicate != nil && !predicate(caps) {
				s.logger.Debug("Skipping node, capabilities rejected", "node", node, "resolutions", caps.Resolutions)
				continue
			}

			candidates = append(candidates, CandidateDevice{
				Path:         node,
				Group:        group.Name,
				Capabilities: caps,
				State:        StateUnknown,
			})
		}
	}

	return candidates, nil
}
