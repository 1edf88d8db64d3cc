package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ErrAlreadyRunning is returned when another instance holds the lock
var ErrAlreadyRunning = errors.New("another instance is already running")

// AlreadyRunningError names the process holding the lock
type AlreadyRunningError struct {
	PID  int
	Path string
}

func (e *AlreadyRunningError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%v (pid %d, lock %s)", ErrAlreadyRunning, e.PID, e.Path)
	}
	return fmt.Sprintf("%v (lock %s)", ErrAlreadyRunning, e.Path)
}

func (e *AlreadyRunningError) Is(target error) bool {
	return target == ErrAlreadyRunning
}

// Lock is an exclusive flock on a PID file. The kernel drops it when the
// process dies, so a crash never leaves a stale lock behind.
type Lock struct {
	path string
	file *os.File
}

// AcquireLock takes the lock without blocking
func AcquireLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		pid := readPID(f)
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, &AlreadyRunningError{PID: pid, Path: path}
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write lock file: %w", err)
	}
	_ = f.Sync()

	return &Lock{path: path, file: f}, nil
}

// Takeover takes the lock, asking a running holder to exit first: SIGTERM,
// up to wait for it to go, then SIGKILL.
func Takeover(ctx context.Context, path string, wait time.Duration) (*Lock, error) {
	l, err := AcquireLock(path)
	var running *AlreadyRunningError
	if err == nil || !errors.As(err, &running) {
		return l, err
	}
	if running.PID <= 0 || running.PID == os.Getpid() {
		return nil, err
	}

	if err := unix.Kill(running.PID, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return nil, fmt.Errorf("failed to signal pid %d: %w", running.PID, err)
	}

	if l, err := pollLock(ctx, path, wait); err == nil {
		return l, nil
	}

	_ = unix.Kill(running.PID, unix.SIGKILL)
	return pollLock(ctx, path, time.Second)
}

func pollLock(ctx context.Context, path string, wait time.Duration) (*Lock, error) {
	deadline := time.Now().Add(wait)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		l, err := AcquireLock(path)
		if err == nil || !errors.Is(err, ErrAlreadyRunning) || time.Now().After(deadline) {
			return l, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Path returns the lock file path
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock. The file itself stays; removing it would let a
// second instance lock a fresh inode while a third still holds the old one.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = l.file.Truncate(0)
	err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}

func readPID(f *os.File) int {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0
	}
	data, err := io.ReadAll(io.LimitReader(f, 32))
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
