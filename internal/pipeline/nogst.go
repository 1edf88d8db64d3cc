//go:build !gst

package pipeline

import (
	"fmt"
	"time"

	"github.com/denisyuji/hdmi-usb/internal/logger"
)

func newGstEngine(grace time.Duration, log *logger.Logger) (Engine, error) {
	return nil, fmt.Errorf("%w: built without the gst tag", ErrEngineUnavailable)
}
