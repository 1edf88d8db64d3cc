package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/denisyuji/hdmi-usb/internal/logger"
)

// recorder collects start and stop calls across services in call order
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeService struct {
	*ServiceBase
	rec        *recorder
	startError error
	stopDelay  time.Duration
	// stubborn services sleep through their stop deadline
	stubborn bool
}

func newFakeService(name string, rec *recorder) *fakeService {
	return &fakeService{ServiceBase: NewServiceBase(name, logger.NewNopLogger()), rec: rec}
}

func (f *fakeService) Start(ctx context.Context) error {
	if f.startError != nil {
		return f.startError
	}
	f.rec.add("start " + f.Name())
	return nil
}

func (f *fakeService) Stop(ctx context.Context) error {
	if f.stubborn {
		time.Sleep(f.stopDelay)
	} else if f.stopDelay > 0 {
		select {
		case <-time.After(f.stopDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.rec.add("stop " + f.Name())
	return nil
}

func daemonServices(rec *recorder) []*fakeService {
	return []*fakeService{
		newFakeService("session-broker", rec),
		newFakeService("rtp-ingest", rec),
		newFakeService("capture", rec),
		newFakeService("rtsp-server", rec),
	}
}

func equalCalls(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("Expected calls %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected call %d to be %q, got %q", i, want[i], got[i])
		}
	}
}

func TestManager_RegisterAttachesBus(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())
	svc := newFakeService("session-broker", &recorder{})

	mgr.Register(svc)

	if mgr.GetServiceCount() != 1 {
		t.Errorf("Expected 1 service, got %d", mgr.GetServiceCount())
	}
	if svc.GetEventBus() != mgr.GetEventBus() {
		t.Error("Expected the manager bus to be attached to the service")
	}
	if status := mgr.GetServiceStatus("session-broker"); status == nil || status.GetStatus() != StatusStopped {
		t.Errorf("Expected a stopped status entry, got %v", status)
	}
}

func TestManager_StartsInOrderStopsInReverse(t *testing.T) {
	rec := &recorder{}
	mgr := NewManager(logger.NewNopLogger())
	for _, svc := range daemonServices(rec) {
		mgr.Register(svc)
	}

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	for name, status := range mgr.GetAllStatuses() {
		if !status.IsRunning() {
			t.Errorf("Expected %s running, got %s", name, status.GetStatus())
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	equalCalls(t, rec.list(), []string{
		"start session-broker", "start rtp-ingest", "start capture", "start rtsp-server",
		"stop rtsp-server", "stop capture", "stop rtp-ingest", "stop session-broker",
	})
	if status := mgr.GetServiceStatus("capture"); status.GetStatus() != StatusStopped {
		t.Errorf("Expected capture stopped, got %s", status.GetStatus())
	}
}

func TestManager_StartFailureUnwinds(t *testing.T) {
	rec := &recorder{}
	mgr := NewManager(logger.NewNopLogger())
	services := daemonServices(rec)
	services[2].startError = errors.New("no capture device")
	for _, svc := range services {
		mgr.Register(svc)
	}

	errCh := mgr.GetEventBus().Subscribe(EventTypeServiceError)

	err := mgr.Start(context.Background())
	if err == nil {
		t.Fatal("Expected start to fail")
	}
	if !errors.Is(err, services[2].startError) {
		t.Errorf("Expected the capture error to be wrapped, got %v", err)
	}

	equalCalls(t, rec.list(), []string{
		"start session-broker", "start rtp-ingest",
		"stop rtp-ingest", "stop session-broker",
	})

	status := mgr.GetServiceStatus("capture")
	if status.GetStatus() != StatusError || status.GetError() == nil {
		t.Errorf("Expected capture in error state, got %s (%v)", status.GetStatus(), status.GetError())
	}
	if status := mgr.GetServiceStatus("rtsp-server"); status.GetStatus() != StatusStopped {
		t.Errorf("Expected rtsp-server never started, got %s", status.GetStatus())
	}

	select {
	case event := <-errCh:
		if event.Source != "capture" {
			t.Errorf("Expected error event from capture, got %s", event.Source)
		}
	case <-time.After(time.Second):
		t.Error("Expected a service error event")
	}
}

func TestManager_PublishesLifecycleEvents(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())
	mgr.Register(newFakeService("web-server", &recorder{}))

	started := mgr.GetEventBus().Subscribe(EventTypeServiceStarted)
	stopped := mgr.GetEventBus().Subscribe(EventTypeServiceStopped)

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	select {
	case event := <-started:
		if event.Data["service"] != "web-server" {
			t.Errorf("Expected started event for web-server, got %v", event.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a service started event")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	// stopStarted publishes before Shutdown closes the bus
	if err := mgr.stopStarted(stopCtx); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	select {
	case event := <-stopped:
		if event.Data["service"] != "web-server" {
			t.Errorf("Expected stopped event for web-server, got %v", event.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a service stopped event")
	}
}

func TestManager_PerServiceStopTimeout(t *testing.T) {
	rec := &recorder{}
	mgr := NewManager(logger.NewNopLogger())
	mgr.SetStopTimeout(50 * time.Millisecond)

	slow := newFakeService("preview", rec)
	slow.stopDelay = time.Second
	mgr.Register(newFakeService("session-broker", rec))
	mgr.Register(slow)

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mgr.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if status := mgr.GetServiceStatus("preview"); status.GetStatus() != StatusError {
		t.Errorf("Expected the slow service in error state, got %s", status.GetStatus())
	}
	if status := mgr.GetServiceStatus("session-broker"); status.GetStatus() != StatusStopped {
		t.Errorf("Expected the broker to stop after the slow service, got %s", status.GetStatus())
	}
}

func TestManager_ShutdownDeadline(t *testing.T) {
	mgr := NewManager(logger.NewNopLogger())
	slow := newFakeService("rtsp-server", &recorder{})
	slow.stopDelay = 2 * time.Second
	slow.stubborn = true
	mgr.Register(slow)

	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := mgr.Shutdown(ctx); err == nil {
		t.Error("Expected shutdown to report the deadline")
	}
}
