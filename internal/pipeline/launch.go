package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/denisyuji/hdmi-usb/internal/logger"
)

const (
	defaultGracePeriod = 500 * time.Millisecond
	defaultSettleTime  = 2 * time.Second
	eventBuffer        = 64
)

// LaunchEngine runs pipelines with gst-launch-1.0 in their own process
// group, so a stop reaches every child the pipeline spawned.
type LaunchEngine struct {
	Binary      string
	GracePeriod time.Duration
	// SettleTime reports Started for a pipeline that is still alive after
	// this long without having printed its PLAYING transition.
	SettleTime time.Duration
	// Env is appended to the inherited environment (GST_DEBUG etc.)
	Env []string

	logger *logger.Logger
}

// NewLaunchEngine creates an engine around the given gst-launch binary
func NewLaunchEngine(binary string, grace time.Duration, log *logger.Logger) *LaunchEngine {
	if binary == "" {
		binary = "gst-launch-1.0"
	}
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &LaunchEngine{
		Binary:      binary,
		GracePeriod: grace,
		SettleTime:  defaultSettleTime,
		logger:      log,
	}
}

// Start launches d. The process is not bound to ctx: it runs until Stop
// or until it exits on its own.
func (e *LaunchEngine) Start(ctx context.Context, d Description) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := exec.LookPath(e.Binary); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEngineUnavailable, e.Binary, err)
	}

	cmd := exec.Command(e.Binary, "-e", d.Launch)
	// own group for group-wide stops; killed if the daemon dies first
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}
	if len(e.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.Env...)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s pipeline: %w", d.Name, err)
	}

	p := &launchProcess{
		name:   d.Name,
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		grace:  e.GracePeriod,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		logger: e.logger,
	}
	groups.add(p.pid)

	e.logger.Info("Pipeline started", "pipeline", d.Name, "pid", p.pid)
	e.logger.Debug("Pipeline description", "pipeline", d.Name, "launch", d.Launch)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.scan(stdout)
	}()
	go func() {
		defer readers.Done()
		p.scan(stderr)
	}()
	go p.settle(e.SettleTime)
	go p.wait(&readers)

	return p, nil
}

type launchProcess struct {
	name  string
	cmd   *exec.Cmd
	pid   int
	grace time.Duration

	events   chan Event
	done     chan struct{}
	mu       sync.Mutex
	closed   bool
	started  sync.Once
	stopping atomic.Bool

	logger *logger.Logger
}

func (p *launchProcess) Events() <-chan Event  { return p.events }
func (p *launchProcess) Done() <-chan struct{} { return p.done }
func (p *launchProcess) PID() int              { return p.pid }

func (p *launchProcess) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("Pipeline event dropped", "pipeline", p.name, "type", ev.Type)
	}
}

func (p *launchProcess) markStarted(line string) {
	p.started.Do(func() {
		p.emit(Event{Type: EventStarted, Line: line})
	})
}

func (p *launchProcess) scan(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch classifyLine(line) {
		case EventStarted:
			p.markStarted(line)
		case EventEOS:
			p.emit(Event{Type: EventEOS, Line: line})
		case EventError:
			p.logger.Warn("Pipeline reported error", "pipeline", p.name, "line", line)
			p.emit(Event{Type: EventError, Line: line, Err: errors.New(line)})
		default:
			p.logger.Debug("Pipeline output", "pipeline", p.name, "line", line)
		}
	}
}

func (p *launchProcess) settle(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		p.markStarted("")
	case <-p.done:
	}
}

func (p *launchProcess) wait(readers *sync.WaitGroup) {
	readers.Wait()
	err := p.cmd.Wait()
	groups.remove(p.pid)

	expected := p.stopping.Load()
	if err != nil && !expected {
		err = fmt.Errorf("%s pipeline exited: %w", p.name, err)
	} else if err == nil && !expected {
		err = fmt.Errorf("%s pipeline exited unexpectedly", p.name)
	} else {
		err = nil
	}

	p.logger.Info("Pipeline exited", "pipeline", p.name, "pid", p.pid, "expected", expected)
	p.emit(Event{Type: EventExited, Err: err, Expected: expected})

	p.mu.Lock()
	p.closed = true
	close(p.events)
	p.mu.Unlock()
	close(p.done)
}

// Stop interrupts the process group so gst-launch sends EOS and flushes,
// then kills the group once the grace period is over.
func (p *launchProcess) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}

	p.stopping.Store(true)
	if err := unix.Kill(-p.pid, unix.SIGINT); err != nil && !errors.Is(err, unix.ESRCH) {
		p.logger.Warn("Failed to interrupt pipeline", "pipeline", p.name, "error", err)
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	p.logger.Warn("Pipeline did not stop within grace period, killing", "pipeline", p.name, "pid", p.pid)
	if err := unix.Kill(-p.pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to kill %s pipeline: %w", p.name, err)
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s pipeline did not exit: %w", p.name, ctx.Err())
	}
}

// classifyLine maps a gst-launch output line to an event type, or "" for
// plain output.
func classifyLine(line string) EventType {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(line, "ERROR"),
		strings.Contains(lower, "resource busy"),
		strings.Contains(lower, "failed to"),
		strings.Contains(lower, "cannot"):
		return EventError
	case strings.Contains(lower, "got eos"):
		return EventEOS
	case strings.Contains(line, "Setting pipeline to PLAYING"):
		return EventStarted
	}
	return ""
}
