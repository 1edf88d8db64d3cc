// Package device finds the HDMI capture node, classifies whether it can be
// opened right now and pairs it with the ALSA card on the same USB port.
package device

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrDeviceNotFound means no candidate passed discovery
	ErrDeviceNotFound = errors.New("no capture device found")
	// ErrDeviceBusyExhausted means the candidate stayed busy on every pass
	ErrDeviceBusyExhausted = errors.New("capture device busy on every attempt")
	// ErrTransientProbe is a single failed probe; retried, never surfaced alone
	ErrTransientProbe = errors.New("transient probe failure")
)

// Resolution is a frame size supported by a capture node
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// ParseResolution parses "WIDTHxHEIGHT"
func ParseResolution(s string) (Resolution, error) {
	w, h, ok := strings.Cut(strings.TrimSpace(s), "x")
	if !ok {
		return Resolution{}, fmt.Errorf("invalid resolution %q", s)
	}
	width, err := strconv.Atoi(w)
	if err != nil {
		return Resolution{}, fmt.Errorf("invalid resolution width %q: %w", s, err)
	}
	height, err := strconv.Atoi(h)
	if err != nil {
		return Resolution{}, fmt.Errorf("invalid resolution height %q: %w", s, err)
	}
	return Resolution{Width: width, Height: height}, nil
}

// ParseResolutions parses a list of "WIDTHxHEIGHT" strings
func ParseResolutions(values []string) ([]Resolution, error) {
	out := make([]Resolution, 0, len(values))
	for _, v := range values {
		r, err := ParseResolution(v)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// NodeGroup is one physical device as listed by the capability query,
// with the video nodes it exposes.
type NodeGroup struct {
	Name  string
	Nodes []string
}

// Capabilities is the typed capability record of one video node
type Capabilities struct {
	Path           string       `json:"path"`
	Card           string       `json:"card,omitempty"`
	Driver         string       `json:"driver,omitempty"`
	BusInfo        string       `json:"bus_info,omitempty"`
	Exists         bool         `json:"exists"`
	Accessible     bool         `json:"accessible"`
	CaptureCapable bool         `json:"capture_capable"`
	Resolutions    []Resolution `json:"resolutions,omitempty"`
	Formats        []string     `json:"formats,omitempty"`
}

// Supports reports whether r is among the node's resolutions
func (c Capabilities) Supports(r Resolution) bool {
	for _, have := range c.Resolutions {
		if have == r {
			return true
		}
	}
	return false
}

// HasFormat reports whether the node offers the given fourcc
func (c Capabilities) HasFormat(fourcc string) bool {
	for _, f := range c.Formats {
		if strings.EqualFold(f, fourcc) {
			return true
		}
	}
	return false
}

// StreamProbe is the result of trying to start a one-frame stream
type StreamProbe struct {
	// Busy means another process holds the node
	Busy bool
	// Stalled means the node opened but refused to stream (bad state
	// left behind by a process that did not close it cleanly)
	Stalled bool
	Detail  string
}

// CandidateDevice is a node considered for acquisition in one scan pass
type CandidateDevice struct {
	Path         string       `json:"path"`
	Group        string       `json:"group"`
	Capabilities Capabilities `json:"capabilities"`
	State        ProbeState   `json:"state"`
}

// ProbeState classifies a probed candidate
type ProbeState int

const (
	StateUnknown ProbeState = iota
	StateAbsent
	StateError
	StateBusy
	StateReady
)

func (s ProbeState) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateError:
		return "error"
	case StateBusy:
		return "busy"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON output
func (s ProbeState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Acceptable reports whether the state may proceed to acquisition
func (s ProbeState) Acceptable() bool {
	return s == StateBusy || s == StateReady
}
