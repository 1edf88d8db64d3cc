package stabilize

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/denisyuji/hdmi-usb/internal/logger"
	"github.com/denisyuji/hdmi-usb/internal/retry"
)

// scriptedBurst writes frames first..last then optionally blocks until the
// window closes.
type scriptedBurst struct {
	first, last int
	block       bool
	err         error
	dir         string
}

func (b *scriptedBurst) Run(ctx context.Context, slots *Slots, maxFrames int) error {
	b.dir = slots.Dir()
	written := 0
	for seq := b.first; seq <= b.last && written < maxFrames; seq++ {
		if err := slots.Write(seq, []byte(fmt.Sprintf("frame-%d", seq))); err != nil {
			return err
		}
		written++
	}
	if b.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return b.err
}

func TestCapture_SelectsHighestSequence(t *testing.T) {
	burst := &scriptedBurst{first: 1, last: 5}
	s := NewStabilizer(burst, "png", logger.NewNopLogger())
	s.tempDir = t.TempDir()

	frame, err := s.Capture(context.Background(), 5*time.Second, 5)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	if frame.Seq != 5 {
		t.Errorf("Expected frame 5, got %d", frame.Seq)
	}
	if string(frame.Data) != "frame-5" {
		t.Errorf("Expected data of frame 5, got %q", frame.Data)
	}
	if frame.Discarded != 4 {
		t.Errorf("Expected 4 discarded frames, got %d", frame.Discarded)
	}
	if frame.Ext != "png" {
		t.Errorf("Expected png, got %s", frame.Ext)
	}
	if _, err := os.Stat(burst.dir); !os.IsNotExist(err) {
		t.Errorf("Expected slot directory %s to be removed, stat err: %v", burst.dir, err)
	}
}

func TestCapture_RespectsMaxFrames(t *testing.T) {
	s := NewStabilizer(&scriptedBurst{first: 1, last: 10}, "png", logger.NewNopLogger())
	s.tempDir = t.TempDir()

	frame, err := s.Capture(context.Background(), time.Second, 3)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if frame.Seq != 3 {
		t.Errorf("Expected frame 3, got %d", frame.Seq)
	}
}

func TestCapture_ZeroFramesTimesOut(t *testing.T) {
	burst := &scriptedBurst{first: 1, last: 0, block: true}
	s := NewStabilizer(burst, "png", logger.NewNopLogger())
	s.tempDir = t.TempDir()

	start := time.Now()
	frame, err := s.Capture(context.Background(), 50*time.Millisecond, 5)
	if frame != nil {
		t.Errorf("Expected no frame, got %+v", frame)
	}
	if !errors.Is(err, ErrCaptureTimeout) {
		t.Fatalf("Expected ErrCaptureTimeout, got %v", err)
	}
	if stage, _ := retry.StageOf(err); stage != retry.StageCapture {
		t.Errorf("Expected capture stage, got %q", stage)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Capture did not respect the burst window")
	}
	if _, err := os.Stat(burst.dir); !os.IsNotExist(err) {
		t.Errorf("Expected slot directory to be removed")
	}
}

func TestCapture_BurstErrorAfterFrames(t *testing.T) {
	s := NewStabilizer(&scriptedBurst{first: 1, last: 2, err: errors.New("decoder exited")}, "png", logger.NewNopLogger())
	s.tempDir = t.TempDir()

	frame, err := s.Capture(context.Background(), time.Second, 5)
	if err != nil {
		t.Fatalf("Expected frames to win over the burst error, got %v", err)
	}
	if frame.Seq != 2 {
		t.Errorf("Expected frame 2, got %d", frame.Seq)
	}
}

func TestCapture_BurstErrorWithoutFrames(t *testing.T) {
	s := NewStabilizer(&scriptedBurst{first: 1, last: 0, err: errors.New("connection refused")}, "png", logger.NewNopLogger())
	s.tempDir = t.TempDir()

	_, err := s.Capture(context.Background(), time.Second, 5)
	if !errors.Is(err, ErrCaptureTimeout) {
		t.Fatalf("Expected ErrCaptureTimeout, got %v", err)
	}
}

func TestSlots_ListSkipsForeignFiles(t *testing.T) {
	slots, err := NewSlots(t.TempDir(), ".png")
	if err != nil {
		t.Fatalf("NewSlots failed: %v", err)
	}
	defer slots.Remove()

	for _, seq := range []int{3, 1, 12} {
		if err := slots.Write(seq, []byte("x")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	os.WriteFile(slots.Dir()+"/frame_000002.jpg", []byte("x"), 0600)
	os.WriteFile(slots.Dir()+"/notes.txt", []byte("x"), 0600)

	list, err := slots.List()
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("Expected 3 frames, got %d", len(list))
	}
	for i, want := range []int{1, 3, 12} {
		if list[i].Seq != want {
			t.Errorf("Expected seq %d at %d, got %d", want, i, list[i].Seq)
		}
	}
	if slots.Path(12) != list[2].Path {
		t.Errorf("Expected Path(12) %s, got %s", list[2].Path, slots.Path(12))
	}
}

func TestCapture_TrailingEmptySlotIgnored(t *testing.T) {
	burst := burstFunc(func(ctx context.Context, slots *Slots, maxFrames int) error {
		slots.Write(1, []byte("one"))
		slots.Write(2, []byte("two"))
		return slots.Write(3, nil)
	})
	s := NewStabilizer(burst, "png", logger.NewNopLogger())
	s.tempDir = t.TempDir()

	frame, err := s.Capture(context.Background(), time.Second, 5)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if frame.Seq != 2 {
		t.Errorf("Expected the last complete frame 2, got %d", frame.Seq)
	}
}

type burstFunc func(ctx context.Context, slots *Slots, maxFrames int) error

func (f burstFunc) Run(ctx context.Context, slots *Slots, maxFrames int) error {
	return f(ctx, slots, maxFrames)
}
