// Package pipeline starts and stops the external media pipelines that own
// the capture device and the local preview.
package pipeline

import (
	"context"
	"errors"
	"time"
)

// ErrEngineUnavailable is returned when the engine binary or library is missing
var ErrEngineUnavailable = errors.New("pipeline engine unavailable")

// EventType is the kind of a pipeline event
type EventType string

const (
	EventStarted EventType = "started"
	EventError   EventType = "error"
	EventEOS     EventType = "eos"
	EventExited  EventType = "exited"
)

// Event is reported by a running pipeline
type Event struct {
	Type EventType
	Time time.Time
	// Line is the output line that produced the event, if any
	Line string
	Err  error
	// Expected is set on Exited when the exit followed a Stop call
	Expected bool
}

// Description is a pipeline in gst-launch syntax
type Description struct {
	Name   string
	Launch string
}

// Process is a running pipeline
type Process interface {
	// Events delivers lifecycle events. It is closed after Exited.
	Events() <-chan Event
	// Done is closed when the pipeline has exited
	Done() <-chan struct{}
	// Stop asks the pipeline to finish and forces it after the grace period
	Stop(ctx context.Context) error
	// PID is the process (and process group) id, or 0 for in-process engines
	PID() int
}

// Engine starts pipelines
type Engine interface {
	Start(ctx context.Context, d Description) (Process, error)
}

// WaitStarted blocks until p reports Started, fails or timeout elapses.
// Events consumed while waiting are returned so callers can replay them.
func WaitStarted(ctx context.Context, p Process, timeout time.Duration) ([]Event, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var seen []Event
	for {
		select {
		case ev, ok := <-p.Events():
			if !ok {
				return seen, errors.New("pipeline exited before starting")
			}
			seen = append(seen, ev)
			switch ev.Type {
			case EventStarted:
				return seen, nil
			case EventExited:
				if ev.Err != nil {
					return seen, ev.Err
				}
				return seen, errors.New("pipeline exited before starting")
			}
		case <-ctx.Done():
			return seen, ctx.Err()
		}
	}
}
