package pipeline

import (
	"fmt"
	"time"

	"github.com/denisyuji/hdmi-usb/internal/logger"
)

// NewEngine returns the engine selected by name: "launch" runs
// gst-launch-1.0 as a child process group, "gst" runs in-process and is
// only available in builds with the gst tag.
func NewEngine(name, binary string, grace time.Duration, log *logger.Logger) (Engine, error) {
	switch name {
	case "", "launch":
		return NewLaunchEngine(binary, grace, log), nil
	case "gst":
		return newGstEngine(grace, log)
	default:
		return nil, fmt.Errorf("unknown pipeline engine %q", name)
	}
}
