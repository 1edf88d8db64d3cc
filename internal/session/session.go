// Package session owns the single physical capture of the HDMI device and
// shares it between any number of consumers.
package session

import (
	"sync"
	"time"

	"github.com/denisyuji/hdmi-usb/internal/device"
)

// State is the lifecycle state of a capture session
type State int

const (
	StateStarting State = iota
	StateActive
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON output
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Live reports whether the session still holds the device
func (s State) Live() bool {
	return s != StateClosed
}

// CaptureSession is the one live acquisition of the capture device
type CaptureSession struct {
	ID                string
	Token             string
	Device            device.CandidateDevice
	Audio             device.AudioMatch
	OwnerPID          int
	AcquiredAt        time.Time
	DiscoveryAttempts int

	mu          sync.RWMutex
	state       State
	pipelinePID int
	recoveries  int
	err         error

	fatal     chan error
	done      chan struct{}
	closeOnce sync.Once
}

func newCaptureSession(id, token string, t Target, pid int) *CaptureSession {
	return &CaptureSession{
		ID:                id,
		Token:             token,
		Device:            t.Device,
		Audio:             t.Audio,
		OwnerPID:          pid,
		AcquiredAt:        time.Now(),
		DiscoveryAttempts: t.DiscoveryAttempts,
		state:             StateStarting,
		fatal:             make(chan error, 1),
		done:              make(chan struct{}),
	}
}

// State returns the current state
func (s *CaptureSession) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *CaptureSession) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = st
}

// PipelinePID is the process group of the pipeline currently holding the device
func (s *CaptureSession) PipelinePID() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pipelinePID
}

func (s *CaptureSession) setPipelinePID(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelinePID = pid
}

// Recoveries is the number of successful recoveries so far
func (s *CaptureSession) Recoveries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recoveries
}

func (s *CaptureSession) recovered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoveries++
}

// Err is the error that closed the session, if any
func (s *CaptureSession) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Fatal delivers the session-fatal error when recovery is exhausted. It
// receives at most one value and is never closed.
func (s *CaptureSession) Fatal() <-chan error {
	return s.fatal
}

// Done is closed when the session is closed for any reason
func (s *CaptureSession) Done() <-chan struct{} {
	return s.done
}

// close moves the session to Closed. A non-nil err is delivered on Fatal.
func (s *CaptureSession) close(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.err = err
		s.mu.Unlock()

		if err != nil {
			s.fatal <- err
		}
		close(s.done)
	})
}

// Info is a point-in-time view of a session for status output
type Info struct {
	ID                string            `json:"id"`
	Device            string            `json:"device"`
	Group             string            `json:"group"`
	Audio             device.AudioMatch `json:"audio"`
	State             State             `json:"state"`
	OwnerPID          int               `json:"owner_pid"`
	PipelinePID       int               `json:"pipeline_pid"`
	AcquiredAt        time.Time         `json:"acquired_at"`
	DiscoveryAttempts int               `json:"discovery_attempts"`
	Recoveries        int               `json:"recoveries"`
	Consumers         int               `json:"consumers"`
}

// Info returns a snapshot of the session
func (s *CaptureSession) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:                s.ID,
		Device:            s.Device.Path,
		Group:             s.Device.Group,
		Audio:             s.Audio,
		State:             s.state,
		OwnerPID:          s.OwnerPID,
		PipelinePID:       s.pipelinePID,
		AcquiredAt:        s.AcquiredAt,
		DiscoveryAttempts: s.DiscoveryAttempts,
		Recoveries:        s.recoveries,
	}
}
