package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/denisyuji/hdmi-usb/internal/session"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func newRootCommand() *cobra.Command {
	var (
		configPath  string
		resetWindow bool
	)

	cmd := &cobra.Command{
		Use:   "hdmi-rtsp",
		Short: "Serve a USB HDMI grabber over RTSP with a local preview",
		Long: `hdmi-rtsp finds the USB HDMI capture device, opens it once and shares
the capture between a local preview window and any number of RTSP clients.

Default RTSP URL: rtsp://0.0.0.0:1234/hdmi

Connect with:
  ffplay -rtsp_transport tcp rtsp://127.0.0.1:1234/hdmi
  gst-launch-1.0 rtspsrc location=rtsp://127.0.0.1:1234/hdmi ! decodebin ! autovideosink`,
		Example: `  hdmi-rtsp                     # stream with local display
  hdmi-rtsp --headless          # stream without the preview window
  hdmi-rtsp --audio-only        # stream audio only
  hdmi-rtsp --reset-window      # forget the saved window geometry
  AUDIO_FORCE_CARD=1 hdmi-rtsp  # force ALSA card 1`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if resetWindow {
				return runResetWindow(cmd, configPath)
			}
			return runDaemon(cmd, configPath)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	flags.BoolVar(&resetWindow, "reset-window", false, "Reset the saved preview window position and size, then exit")
	flags.Bool("headless", false, "Disable the local preview window (RTSP server only)")
	flags.Bool("audio-only", false, "Stream audio only (requires a paired or forced audio card)")
	flags.Bool("no-audio", false, "Do not look for an audio card")
	flags.Bool("verify-audio", false, "Record one second from the paired card before using it")
	flags.Bool("takeover", false, "Stop a running instance instead of refusing to start")
	flags.Bool("debug", false, "Enable debug logging")
	flags.Int("gst-debug", 0, "GStreamer debug level exported as GST_DEBUG")
	flags.String("engine", "", "Pipeline engine: launch or gst")
	flags.String("match-name", "", "Pattern matched against capture device names")
	flags.Int("port", 0, "RTSP port")
	flags.String("path", "", "RTSP mount path")
	flags.String("lock-file", "", "Single-instance lock file")
	flags.String("state-db", "", "State database path")
	flags.Bool("web", false, "Enable the status API")
	flags.Bool("health", false, "Enable the health endpoints")

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, session.ErrAlreadyRunning) {
			fmt.Fprintln(os.Stderr, "Use --takeover to replace the running instance.")
		}
		os.Exit(1)
	}
}
