package video

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/denisyuji/hdmi-usb/internal/logger"
)

func TestNewFFmpegWrapper(t *testing.T) {
	ffmpeg := setupTestFFmpeg(t)

	if ffmpeg.Path() == "" {
		t.Error("FFmpeg path should be set")
	}
}

func TestNewFFmpegWrapper_MissingBinary(t *testing.T) {
	_, err := NewFFmpegWrapper("/nonexistent/ffmpeg", logger.NewNopLogger())
	if err == nil {
		t.Error("Expected error for a missing binary")
	}
}

func TestParseCodecList(t *testing.T) {
	output := `Decoders:
 V..... = Video
 A..... = Audio
 ------
 V....D h264                 H.264 / AVC / MPEG-4 AVC / MPEG-4 part 10
 VF.... png                  PNG (Portable Network Graphics) image
 A....D aac                  AAC (Advanced Audio Coding)
`
	codecs := make(map[string]bool)
	parseCodecList(output, codecs)

	for _, name := range []string{"h264", "png", "aac"} {
		if !codecs[name] {
			t.Errorf("Expected codec %s to be detected", name)
		}
	}
	if codecs["="] || codecs["------"] {
		t.Errorf("Legend lines should not be parsed as codecs: %v", codecs)
	}
}

func TestFFmpegWrapper_BuildCommand(t *testing.T) {
	ffmpeg := setupTestFFmpeg(t)

	args := []string{"-version"}
	cmd := ffmpeg.BuildCommand(context.Background(), args)
	if cmd == nil {
		t.Fatal("BuildCommand returned nil")
	}
	if cmd.Path == "" {
		t.Error("Command path should not be empty")
	}
	if cmd.Args[len(cmd.Args)-1] != "-version" {
		t.Errorf("Expected last arg '-version', got '%s'", cmd.Args[len(cmd.Args)-1])
	}
}

// fakeFFmpeg writes a script answering -version and -decoders/-encoders
// with a codec table listing only decoders.
func fakeFFmpeg(t *testing.T, decoders ...string) string {
	t.Helper()
	var table strings.Builder
	for _, name := range decoders {
		fmt.Fprintf(&table, " V....D %-20s test codec\n", name)
	}
	script := fmt.Sprintf(`#!/bin/sh
case "$*" in
  *-decoders*) printf 'Decoders:\n V..... = Video\n ------\n%%s' '%s' ;;
  *-encoders*) printf 'Encoders:\n ------\n' ;;
  *) echo "ffmpeg version test" ;;
esac
`, table.String())

	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write fake ffmpeg: %v", err)
	}
	return path
}

func TestFFmpegWrapper_Require(t *testing.T) {
	ffmpeg, err := NewFFmpegWrapper(fakeFFmpeg(t, "h264", "png"), logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewFFmpegWrapper failed: %v", err)
	}

	if err := ffmpeg.Require("h264", "png"); err != nil {
		t.Errorf("Expected h264 and png to be available, got %v", err)
	}
	if ffmpeg.IsCodecAvailable("=") {
		t.Error("Legend rows should not register codecs")
	}

	err = ffmpeg.Require("h264", "mjpeg", "hevc")
	if err == nil {
		t.Fatal("Expected missing codecs to fail")
	}
	if !strings.Contains(err.Error(), "mjpeg, hevc") {
		t.Errorf("Expected the missing codecs named, got %v", err)
	}
}

func TestFFmpegWrapper_RequireWithoutCodecTables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\ncase \"$*\" in *-decoders*) exit 1 ;; esac\necho ffmpeg\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write fake ffmpeg: %v", err)
	}

	ffmpeg, err := NewFFmpegWrapper(path, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewFFmpegWrapper failed: %v", err)
	}
	if err := ffmpeg.Require("h264"); err != nil {
		t.Errorf("Expected undetected codecs to pass, got %v", err)
	}
}

func TestFFmpegWrapper_BuildCommandDiesWithParent(t *testing.T) {
	ffmpeg, err := NewFFmpegWrapper(fakeFFmpeg(t), logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewFFmpegWrapper failed: %v", err)
	}

	cmd := ffmpeg.BuildCommand(context.Background(), nil)
	if cmd.SysProcAttr == nil || cmd.SysProcAttr.Pdeathsig != syscall.SIGKILL {
		t.Errorf("Expected SIGKILL on parent death, got %+v", cmd.SysProcAttr)
	}
}

func TestFFmpegWrapper_CodecDetection(t *testing.T) {
	ffmpeg := setupTestFFmpeg(t)

	if !ffmpeg.IsCodecAvailable("h264") {
		t.Skip("ffmpeg built without an h264 decoder")
	}
}
