package session

import (
	"context"
	"errors"
	"os"

	"golang.org/x/sys/unix"

	"github.com/denisyuji/hdmi-usb/internal/pipeline"
	"github.com/denisyuji/hdmi-usb/internal/state"
)

// OwnershipReader is the read side of the ownership store
type OwnershipReader interface {
	GetOwnership(ctx context.Context, device string) (*state.Ownership, error)
}

// OwnershipRegistry decides whether a busy device is held by this host's
// own capture: either the running daemon or a pipeline it left behind.
type OwnershipRegistry struct {
	store OwnershipReader
	pid   int
}

// NewOwnershipRegistry creates a registry for the current process
func NewOwnershipRegistry(store OwnershipReader) *OwnershipRegistry {
	return &OwnershipRegistry{store: store, pid: os.Getpid()}
}

// VerifyOwner implements device.OwnershipVerifier. It is only meaningful
// while the single-owner lock is held: then no other daemon can be the
// recorded owner, and a live recorded pipeline group is our orphan.
func (r *OwnershipRegistry) VerifyOwner(ctx context.Context, devicePath string) (bool, error) {
	if r == nil || r.store == nil {
		return false, nil
	}
	o, err := r.store.GetOwnership(ctx, devicePath)
	if err != nil || o == nil {
		return false, err
	}
	if o.PID == r.pid {
		return true, nil
	}
	if !processAlive(o.PID) && pipeline.GroupAlive(o.PipelinePGID) {
		return true, nil
	}
	return false, nil
}

// Orphan returns the pipeline group recorded for devicePath when its owner
// is gone but the pipeline still runs.
func (r *OwnershipRegistry) Orphan(ctx context.Context, devicePath string) (int, bool) {
	if r == nil || r.store == nil {
		return 0, false
	}
	o, err := r.store.GetOwnership(ctx, devicePath)
	if err != nil || o == nil || o.PID == r.pid {
		return 0, false
	}
	if processAlive(o.PID) || !pipeline.GroupAlive(o.PipelinePGID) {
		return 0, false
	}
	return o.PipelinePGID, true
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
