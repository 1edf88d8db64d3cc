// Package preview runs the local display window. The window is an RTSP
// client of the daemon's own endpoint, so it shares the capture session
// with every other viewer.
package preview

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/denisyuji/hdmi-usb/internal/logger"
	"github.com/denisyuji/hdmi-usb/internal/pipeline"
	"github.com/denisyuji/hdmi-usb/internal/service"
)

// Config configures the preview
type Config struct {
	URL          string
	Latency      time.Duration
	StartTimeout time.Duration
}

// Preview is the service owning the preview pipeline
type Preview struct {
	*service.ServiceBase

	cfg    Config
	engine pipeline.Engine

	mu      sync.Mutex
	proc    pipeline.Process
	stopped bool

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a preview for the endpoint at cfg.URL
func New(cfg Config, engine pipeline.Engine, log *logger.Logger) *Preview {
	if cfg.Latency <= 0 {
		cfg.Latency = 200 * time.Millisecond
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Second
	}
	return &Preview{
		ServiceBase: service.NewServiceBase("preview", log),
		cfg:         cfg,
		engine:      engine,
		closed:      make(chan struct{}),
	}
}

// Start launches the preview pipeline and waits until it is playing
func (p *Preview) Start(ctx context.Context) error {
	proc, err := p.engine.Start(ctx, pipeline.PreviewDescription(p.cfg.URL, p.cfg.Latency))
	if err != nil {
		return fmt.Errorf("failed to start preview: %w", err)
	}

	seen, err := pipeline.WaitStarted(ctx, proc, p.cfg.StartTimeout)
	if err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		proc.Stop(stopCtx)
		cancel()
		return fmt.Errorf("preview did not start: %w", err)
	}

	p.mu.Lock()
	p.proc = proc
	p.mu.Unlock()

	p.LogInfo("Preview window started", "url", p.cfg.URL, "pid", proc.PID())

	p.wg.Add(1)
	go p.monitor(proc, seen)
	return nil
}

// Stop closes the preview window
func (p *Preview) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	proc := p.proc
	p.mu.Unlock()

	if proc == nil {
		return nil
	}
	err := proc.Stop(ctx)
	p.wg.Wait()
	return err
}

// PID is the preview process id, or 0 when not running
func (p *Preview) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proc == nil {
		return 0
	}
	return p.proc.PID()
}

// Closed is closed when the preview ends without Stop, which is how a
// user closing the window shows up.
func (p *Preview) Closed() <-chan struct{} {
	return p.closed
}

func (p *Preview) monitor(proc pipeline.Process, replay []pipeline.Event) {
	defer p.wg.Done()

	handle := func(ev pipeline.Event) bool {
		switch ev.Type {
		case pipeline.EventError:
			p.LogWarn("Preview pipeline error", "line", ev.Line)
		case pipeline.EventEOS:
			p.LogDebug("Preview reached end of stream")
		case pipeline.EventExited:
			p.mu.Lock()
			stopped := p.stopped
			p.mu.Unlock()
			if !stopped && !ev.Expected {
				p.LogInfo("Preview window closed")
				p.PublishEvent(service.EventTypePipelineError, map[string]interface{}{
					"pipeline": "preview",
					"reason":   "window closed",
				})
				p.closeOnce.Do(func() { close(p.closed) })
			}
			return false
		}
		return true
	}

	for _, ev := range replay {
		if !handle(ev) {
			return
		}
	}
	for ev := range proc.Events() {
		if !handle(ev) {
			return
		}
	}
}
