//go:build gst

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/denisyuji/hdmi-usb/internal/logger"
)

// GstEngine runs pipelines in-process through the GStreamer bindings
type GstEngine struct {
	GracePeriod time.Duration
	logger      *logger.Logger
}

// NewGstEngine creates an in-process engine
func NewGstEngine(grace time.Duration, log *logger.Logger) *GstEngine {
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &GstEngine{GracePeriod: grace, logger: log}
}

// Start parses and plays d
func (e *GstEngine) Start(ctx context.Context, d Description) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	gst.Init(nil)

	pipeline, err := gst.NewPipelineFromString(d.Launch)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s pipeline: %w", d.Name, err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("failed to start %s pipeline: %w", d.Name, err)
	}

	p := &gstProcess{
		name:     d.Name,
		pipeline: pipeline,
		grace:    e.GracePeriod,
		events:   make(chan Event, eventBuffer),
		done:     make(chan struct{}),
		quit:     make(chan struct{}),
		logger:   e.logger,
	}
	go p.monitor()

	e.logger.Info("Pipeline started", "pipeline", d.Name, "engine", "gst")
	return p, nil
}

type gstProcess struct {
	name     string
	pipeline *gst.Pipeline
	grace    time.Duration

	events   chan Event
	done     chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	stopping bool
	mu       sync.Mutex

	logger *logger.Logger
}

func (p *gstProcess) Events() <-chan Event  { return p.events }
func (p *gstProcess) Done() <-chan struct{} { return p.done }
func (p *gstProcess) PID() int              { return 0 }

func (p *gstProcess) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	select {
	case p.events <- ev:
	default:
	}
}

// monitor polls the bus until EOS, an error or a stop request
func (p *gstProcess) monitor() {
	bus := p.pipeline.GetPipelineBus()
	var exitErr error

loop:
	for {
		select {
		case <-p.quit:
			break loop
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			p.emit(Event{Type: EventEOS})
			break loop
		case gst.MessageError:
			gerr := msg.ParseError()
			p.logger.Error("Pipeline error",
				"pipeline", p.name,
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
			)
			exitErr = errors.New(gerr.Error())
			p.emit(Event{Type: EventError, Line: gerr.Error(), Err: exitErr})
			break loop
		case gst.MessageStateChanged:
			if msg.Source() == p.pipeline.GetName() {
				_, newState := msg.ParseStateChanged()
				if newState == gst.StatePlaying {
					p.emit(Event{Type: EventStarted})
				}
			}
		}
	}

	p.pipeline.SetState(gst.StateNull)

	p.mu.Lock()
	expected := p.stopping
	p.mu.Unlock()
	if expected {
		exitErr = nil
	} else if exitErr == nil {
		exitErr = fmt.Errorf("%s pipeline ended", p.name)
	}

	p.emit(Event{Type: EventExited, Err: exitErr, Expected: expected})
	close(p.events)
	close(p.done)
}

// Stop sends EOS so encoders flush, then forces the NULL state after the
// grace period.
func (p *gstProcess) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	p.mu.Lock()
	p.stopping = true
	p.mu.Unlock()

	p.pipeline.SendEvent(gst.NewEOSEvent())

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	p.quitOnce.Do(func() { close(p.quit) })
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s pipeline did not stop: %w", p.name, ctx.Err())
	}
}
