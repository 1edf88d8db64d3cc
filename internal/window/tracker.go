package window

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/denisyuji/hdmi-usb/internal/logger"
	"github.com/denisyuji/hdmi-usb/internal/retry"
	"github.com/denisyuji/hdmi-usb/internal/service"
)

// ErrWindowNotFound means the preview window never appeared
var ErrWindowNotFound = errors.New("preview window not found")

// Runner runs one xdotool invocation and returns its stdout
type Runner func(ctx context.Context, args ...string) ([]byte, error)

// XdotoolRunner runs the xdotool binary
func XdotoolRunner(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, "xdotool", args...).Output()
}

// DisplayAvailable reports whether a graphical session is reachable
func DisplayAvailable() bool {
	return os.Getenv("DISPLAY") != "" || os.Getenv("WAYLAND_DISPLAY") != ""
}

// TrackerConfig configures a Tracker
type TrackerConfig struct {
	Title        string
	PollInterval time.Duration
	FindAttempts int
	FindDelay    time.Duration
}

// Tracker finds the preview window, restores its saved geometry and saves
// every change until the window goes away.
type Tracker struct {
	*service.ServiceBase

	cfg   TrackerConfig
	store *Store
	pid   func() int
	run   Runner

	mu       sync.Mutex
	windowID string
	current  Geometry

	closed    chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewTracker creates a tracker. pid returns the preview process id; a
// zero pid falls back to searching by title.
func NewTracker(cfg TrackerConfig, store *Store, pid func() int, log *logger.Logger) *Tracker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.FindAttempts <= 0 {
		cfg.FindAttempts = 20
	}
	if cfg.FindDelay <= 0 {
		cfg.FindDelay = 500 * time.Millisecond
	}
	if pid == nil {
		pid = func() int { return 0 }
	}
	return &Tracker{
		ServiceBase: service.NewServiceBase("window-tracker", log),
		cfg:         cfg,
		store:       store,
		pid:         pid,
		run:         XdotoolRunner,
		closed:      make(chan struct{}),
	}
}

// SetRunner replaces the xdotool runner
func (t *Tracker) SetRunner(r Runner) {
	t.run = r
}

// Start begins tracking in the background
func (t *Tracker) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	t.wg.Add(1)
	go t.track(runCtx)
	return nil
}

// Stop ends tracking and saves the last known geometry
func (t *Tracker) Stop(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	return nil
}

// Closed is closed when a window that was found disappears
func (t *Tracker) Closed() <-chan struct{} {
	return t.closed
}

// Current is the last observed geometry
func (t *Tracker) Current() (Geometry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, t.current.Valid()
}

func (t *Tracker) track(ctx context.Context) {
	defer t.wg.Done()

	id, err := t.find(ctx)
	if err != nil {
		if ctx.Err() == nil {
			t.LogWarn("Preview window not found, geometry will not be kept", "error", err)
		}
		return
	}
	t.mu.Lock()
	t.windowID = id
	t.mu.Unlock()

	t.restore(ctx, id)

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		g, err := t.geometry(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.LogInfo("Preview window closed", "window", id)
			t.closeOnce.Do(func() { close(t.closed) })
			return
		}
		t.observe(g)
	}
}

// find looks the window up by the preview's pid, then by title
func (t *Tracker) find(ctx context.Context) (string, error) {
	var id string
	policy := retry.Policy{MaxAttempts: t.cfg.FindAttempts, Delay: t.cfg.FindDelay}
	_, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		if pid := t.pid(); pid > 0 {
			if found, err := t.search(ctx, "--pid", strconv.Itoa(pid)); err == nil {
				id = found
				return nil
			}
		}
		if t.cfg.Title == "" {
			return ErrWindowNotFound
		}
		found, err := t.search(ctx, "--name", t.cfg.Title)
		if err != nil {
			return err
		}
		id = found
		return nil
	})
	return id, err
}

func (t *Tracker) search(ctx context.Context, by, value string) (string, error) {
	out, err := t.run(ctx, "search", "--onlyvisible", by, value)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrWindowNotFound, err)
	}
	ids := strings.Fields(string(out))
	if len(ids) == 0 {
		return "", ErrWindowNotFound
	}
	return ids[len(ids)-1], nil
}

func (t *Tracker) restore(ctx context.Context, id string) {
	saved, ok, err := t.store.Load()
	if err != nil {
		t.LogWarn("Ignoring saved window geometry", "error", err)
	}
	if ok {
		if _, err := t.run(ctx, "windowsize", id, strconv.Itoa(saved.Width), strconv.Itoa(saved.Height)); err != nil {
			t.LogWarn("Failed to resize preview window", "error", err)
		}
		if _, err := t.run(ctx, "windowmove", id, strconv.Itoa(saved.X), strconv.Itoa(saved.Y)); err != nil {
			t.LogWarn("Failed to move preview window", "error", err)
		}
		t.LogInfo("Restored preview window geometry", "geometry", saved.String())
	}

	if g, err := t.geometry(ctx, id); err == nil {
		t.mu.Lock()
		t.current = g
		t.mu.Unlock()
	}
}

func (t *Tracker) geometry(ctx context.Context, id string) (Geometry, error) {
	out, err := t.run(ctx, "getwindowgeometry", "--shell", id)
	if err != nil {
		return Geometry{}, err
	}
	return parseShell(string(out))
}

// observe saves g when it differs from the last observation
func (t *Tracker) observe(g Geometry) {
	t.mu.Lock()
	changed := g != t.current
	t.current = g
	t.mu.Unlock()

	if !changed {
		return
	}
	if err := t.store.Save(g); err != nil {
		t.LogWarn("Failed to save window geometry", "error", err)
		return
	}
	t.LogDebug("Window geometry saved", "geometry", g.String())
}
