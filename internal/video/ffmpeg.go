package video

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/denisyuji/hdmi-usb/internal/logger"
)

// FFmpegWrapper wraps the ffmpeg binary
type FFmpegWrapper struct {
	logger          *logger.Logger
	ffmpegPath      string
	availableCodecs map[string]bool
	// detected is false when the codec tables could not be read
	detected bool
	mu       sync.RWMutex
}

// NewFFmpegWrapper locates ffmpeg. An empty path searches the usual
// locations.
func NewFFmpegWrapper(path string, log *logger.Logger) (*FFmpegWrapper, error) {
	wrapper := &FFmpegWrapper{
		logger:          log,
		availableCodecs: make(map[string]bool),
	}

	ffmpegPath, err := wrapper.detectFFmpeg(path)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	wrapper.ffmpegPath = ffmpegPath

	codecs, err := wrapper.detectCodecs()
	if err != nil {
		log.Warn("Failed to detect codecs", "error", err)
	} else {
		wrapper.availableCodecs = codecs
		wrapper.detected = true
	}

	log.Debug("FFmpeg wrapper initialized", "path", wrapper.ffmpegPath, "codecs", len(wrapper.availableCodecs))
	return wrapper, nil
}

func (f *FFmpegWrapper) detectFFmpeg(path string) (string, error) {
	paths := []string{"ffmpeg", "/usr/bin/ffmpeg", "/usr/local/bin/ffmpeg"}
	if path != "" {
		paths = []string{path}
	}

	for _, p := range paths {
		resolved, err := exec.LookPath(p)
		if err != nil {
			continue
		}
		if err := exec.Command(resolved, "-version").Run(); err == nil {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("ffmpeg not found in PATH or common locations")
}

// detectCodecs collects decoder and encoder names
func (f *FFmpegWrapper) detectCodecs() (map[string]bool, error) {
	codecs := make(map[string]bool)

	output, err := exec.Command(f.ffmpegPath, "-hide_banner", "-decoders").Output()
	if err != nil {
		return nil, fmt.Errorf("failed to get decoders: %w", err)
	}
	parseCodecList(string(output), codecs)

	output, err = exec.Command(f.ffmpegPath, "-hide_banner", "-encoders").Output()
	if err != nil {
		return codecs, nil
	}
	parseCodecList(string(output), codecs)
	return codecs, nil
}

// parseCodecList reads the "-decoders"/"-encoders" table: a flags column
// starting with V, A or S followed by the codec name. Rows before the
// "------" separator are the flag legend.
func parseCodecList(output string, into map[string]bool) {
	inTable := false
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if !inTable {
			inTable = strings.HasPrefix(trimmed, "------")
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) < 2 || len(fields[0]) != 6 || fields[1] == "=" {
			continue
		}
		switch fields[0][0] {
		case 'V', 'A', 'S':
			into[fields[1]] = true
		}
	}
}

// Path is the resolved ffmpeg binary
func (f *FFmpegWrapper) Path() string {
	return f.ffmpegPath
}

// IsCodecAvailable checks if a codec is available
func (f *FFmpegWrapper) IsCodecAvailable(codec string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.availableCodecs[codec]
}

// Require fails when ffmpeg lacks any of codecs. It passes when the codec
// tables could not be read, leaving the failure to the decode itself.
func (f *FFmpegWrapper) Require(codecs ...string) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.detected {
		return nil
	}

	var missing []string
	for _, codec := range codecs {
		if !f.availableCodecs[codec] {
			missing = append(missing, codec)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("ffmpeg at %s lacks codecs: %s", f.ffmpegPath, strings.Join(missing, ", "))
	}
	return nil
}

// BuildCommand builds an ffmpeg command bound to ctx. The child is killed
// if this process dies first.
func (f *FFmpegWrapper) BuildCommand(ctx context.Context, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
	return cmd
}
