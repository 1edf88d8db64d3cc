package video

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"

	"github.com/denisyuji/hdmi-usb/internal/logger"
	"github.com/denisyuji/hdmi-usb/internal/negotiate"
	"github.com/denisyuji/hdmi-usb/internal/stabilize"
)

var (
	testSPS = []byte{0x67, 0x42, 0xc0, 0x1e}
	testPPS = []byte{0x68, 0xce, 0x3c, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00}
	testP   = []byte{0x41, 0x9a, 0x00}
)

func TestAUFilter_WaitsForIDR(t *testing.T) {
	f := newAUFilter(testSPS, testPPS)

	if _, ok := f.prepare([][]byte{testP}); ok {
		t.Error("Expected P frame before the first IDR to be skipped")
	}

	data, ok := f.prepare([][]byte{testIDR})
	if !ok {
		t.Fatal("Expected IDR to start the stream")
	}
	nalus, err := h264.AnnexBUnmarshal(data)
	if err != nil {
		t.Fatalf("AnnexBUnmarshal failed: %v", err)
	}
	if len(nalus) != 3 {
		t.Fatalf("Expected SPS, PPS and IDR, got %d NALUs", len(nalus))
	}
	if !bytes.Equal(nalus[0], testSPS) || !bytes.Equal(nalus[1], testPPS) {
		t.Error("Expected parameter sets in front of the IDR")
	}

	data, ok = f.prepare([][]byte{testP})
	if !ok {
		t.Fatal("Expected P frame after the IDR to pass")
	}
	if !bytes.HasPrefix(data, []byte{0, 0, 0, 1}) && !bytes.HasPrefix(data, []byte{0, 0, 1}) {
		t.Errorf("Expected Annex-B start code, got % x", data[:4])
	}
}

func TestAUFilter_LearnsParameterSetsInBand(t *testing.T) {
	f := newAUFilter(nil, nil)

	if _, ok := f.prepare([][]byte{testSPS}); ok {
		t.Error("Expected a lone SPS to be held back")
	}
	f.prepare([][]byte{testPPS})

	data, ok := f.prepare([][]byte{testIDR})
	if !ok {
		t.Fatal("Expected IDR to pass")
	}
	nalus, _ := h264.AnnexBUnmarshal(data)
	if len(nalus) != 3 {
		t.Errorf("Expected in-band parameter sets to be prepended, got %d NALUs", len(nalus))
	}
}

type chanSource chan negotiate.AccessUnit

func (c chanSource) AccessUnits() <-chan negotiate.AccessUnit { return c }

// encodeTestStream produces an Annex-B H.264 stream with ffmpeg's test source
func encodeTestStream(t *testing.T, ffmpeg *FFmpegWrapper, frames int) [][]byte {
	t.Helper()
	if !ffmpeg.IsCodecAvailable("libx264") {
		t.Skip("ffmpeg built without libx264")
	}
	out, err := exec.Command(ffmpeg.Path(),
		"-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "testsrc=size=64x64:rate=10",
		"-frames:v", strconv.Itoa(frames),
		"-c:v", "libx264", "-bsf:v", "h264_mp4toannexb",
		"-f", "h264", "-",
	).Output()
	if err != nil {
		t.Skipf("failed to encode test stream: %v", err)
	}
	nalus, err := h264.AnnexBUnmarshal(out)
	if err != nil {
		t.Fatalf("AnnexBUnmarshal failed: %v", err)
	}
	return nalus
}

func TestH264Burst_WritesFramesIntoSlots(t *testing.T) {
	ffmpeg := setupTestFFmpeg(t)
	nalus := encodeTestStream(t, ffmpeg, 10)

	src := make(chanSource, len(nalus))
	for _, n := range nalus {
		src <- negotiate.AccessUnit{NALUs: [][]byte{n}, Received: time.Now()}
	}
	close(src)

	slots, err := stabilize.NewSlots(t.TempDir(), "png")
	if err != nil {
		t.Fatalf("NewSlots failed: %v", err)
	}
	defer slots.Remove()

	burst := NewH264Burst(ffmpeg, src, H264BurstConfig{}, logger.NewNopLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := burst.Run(ctx, slots, 5); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	n := slots.Count()
	if n == 0 || n > 5 {
		t.Errorf("Expected between 1 and 5 frames, got %d", n)
	}
}

func TestH264Burst_StopsOnDeadline(t *testing.T) {
	ffmpeg := setupTestFFmpeg(t)

	slots, err := stabilize.NewSlots(t.TempDir(), "png")
	if err != nil {
		t.Fatalf("NewSlots failed: %v", err)
	}
	defer slots.Remove()

	// a source that never delivers
	burst := NewH264Burst(ffmpeg, make(chanSource), H264BurstConfig{GracePeriod: 100 * time.Millisecond}, logger.NewNopLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	burst.Run(ctx, slots, 5)
	if time.Since(start) > 3*time.Second {
		t.Error("Expected the burst to stop shortly after the deadline")
	}
	if slots.Count() != 0 {
		t.Errorf("Expected no frames, got %d", slots.Count())
	}
}

func TestH264Burst_Args(t *testing.T) {
	slots, err := stabilize.NewSlots(t.TempDir(), "png")
	if err != nil {
		t.Fatalf("NewSlots failed: %v", err)
	}
	defer slots.Remove()

	b := NewH264Burst(nil, nil, H264BurstConfig{}, logger.NewNopLogger())
	args := b.Args(slots, 5)

	joined := " " + strings.Join(args, " ") + " "
	for _, want := range []string{" -f h264 ", " -i pipe:0 ", " -frames:v 5 ", " -f image2 "} {
		if !strings.Contains(joined, want) {
			t.Errorf("Expected args to contain %q, got %v", want, args)
		}
	}
	if args[len(args)-1] != slots.Pattern() {
		t.Errorf("Expected output pattern last, got %s", args[len(args)-1])
	}
}
