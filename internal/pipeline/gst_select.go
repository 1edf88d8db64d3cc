//go:build gst

package pipeline

import (
	"time"

	"github.com/denisyuji/hdmi-usb/internal/logger"
)

func newGstEngine(grace time.Duration, log *logger.Logger) (Engine, error) {
	return NewGstEngine(grace, log), nil
}
