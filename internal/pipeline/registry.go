package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// groupRegistry tracks the process groups of live pipelines so they can
// be killed when the daemon exits abnormally.
type groupRegistry struct {
	mu   sync.Mutex
	pids map[int]struct{}
}

var groups = &groupRegistry{pids: make(map[int]struct{})}

func (r *groupRegistry) add(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pids[pid] = struct{}{}
}

func (r *groupRegistry) remove(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pids, pid)
}

func (r *groupRegistry) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.pids))
	for pid := range r.pids {
		out = append(out, pid)
	}
	return out
}

// StopAll kills every live pipeline process group and returns how many
// groups were signalled.
func StopAll() int {
	n := 0
	for _, pid := range groups.snapshot() {
		if err := unix.Kill(-pid, unix.SIGKILL); err == nil {
			n++
		}
	}
	return n
}

// GroupAlive reports whether any process of the group still exists
func GroupAlive(pgid int) bool {
	if pgid <= 0 {
		return false
	}
	err := unix.Kill(-pgid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// ReclaimGroup stops a process group this process did not start (a
// pipeline orphaned by an earlier run): SIGINT, wait up to grace, SIGKILL.
func ReclaimGroup(ctx context.Context, pgid int, grace time.Duration) error {
	if !GroupAlive(pgid) {
		return nil
	}
	if err := unix.Kill(-pgid, unix.SIGINT); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}

	deadline := time.Now().Add(grace)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if !GroupAlive(pgid) {
			return nil
		}
	}

	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}
