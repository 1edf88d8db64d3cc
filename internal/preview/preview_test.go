package preview

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/denisyuji/hdmi-usb/internal/logger"
	"github.com/denisyuji/hdmi-usb/internal/pipeline"
)

type fakeProcess struct {
	events chan pipeline.Event
	done   chan struct{}
	once   sync.Once
}

func newFakeProcess(started bool) *fakeProcess {
	p := &fakeProcess{
		events: make(chan pipeline.Event, 8),
		done:   make(chan struct{}),
	}
	if started {
		p.events <- pipeline.Event{Type: pipeline.EventStarted, Time: time.Now()}
	}
	return p
}

func (p *fakeProcess) exit(expected bool) {
	p.once.Do(func() {
		p.events <- pipeline.Event{Type: pipeline.EventExited, Time: time.Now(), Expected: expected}
		close(p.events)
		close(p.done)
	})
}

func (p *fakeProcess) Events() <-chan pipeline.Event { return p.events }
func (p *fakeProcess) Done() <-chan struct{}         { return p.done }
func (p *fakeProcess) PID() int                      { return 4242 }

func (p *fakeProcess) Stop(ctx context.Context) error {
	p.exit(true)
	return nil
}

type fakeEngine struct {
	proc *fakeProcess
	err  error
	desc pipeline.Description
}

func (e *fakeEngine) Start(ctx context.Context, d pipeline.Description) (pipeline.Process, error) {
	e.desc = d
	if e.err != nil {
		return nil, e.err
	}
	return e.proc, nil
}

func newTestPreview(engine pipeline.Engine) *Preview {
	return New(Config{
		URL:          "rtsp://127.0.0.1:1234/hdmi",
		StartTimeout: time.Second,
	}, engine, logger.NewNopLogger())
}

func TestPreview_StartStop(t *testing.T) {
	engine := &fakeEngine{proc: newFakeProcess(true)}
	p := newTestPreview(engine)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !strings.Contains(engine.desc.Launch, "rtspsrc location=rtsp://127.0.0.1:1234/hdmi latency=200") {
		t.Errorf("Expected preview to read the local endpoint, got %s", engine.desc.Launch)
	}
	if p.PID() != 4242 {
		t.Errorf("Expected pid 4242, got %d", p.PID())
	}

	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop failed: %v", err)
	}

	select {
	case <-p.Closed():
		t.Error("Expected Closed to stay open after Stop")
	default:
	}
}

func TestPreview_WindowClosed(t *testing.T) {
	proc := newFakeProcess(true)
	p := newTestPreview(&fakeEngine{proc: proc})

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	proc.exit(false)

	select {
	case <-p.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Closed after the preview exited on its own")
	}
	p.Stop(context.Background())
}

func TestPreview_StartFailure(t *testing.T) {
	p := newTestPreview(&fakeEngine{err: errors.New("gst-launch-1.0 not found")})
	if err := p.Start(context.Background()); err == nil {
		t.Fatal("Expected start error")
	}
	if p.PID() != 0 {
		t.Errorf("Expected no pid after failed start, got %d", p.PID())
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Errorf("Stop without process should succeed, got %v", err)
	}
}

func TestPreview_NeverStarts(t *testing.T) {
	proc := newFakeProcess(false)
	p := New(Config{URL: "rtsp://127.0.0.1:1234/hdmi", StartTimeout: 50 * time.Millisecond}, &fakeEngine{proc: proc}, logger.NewNopLogger())

	if err := p.Start(context.Background()); err == nil {
		t.Fatal("Expected timeout error")
	}
	select {
	case <-proc.Done():
	default:
		t.Error("Expected the stuck preview to be stopped")
	}
}
