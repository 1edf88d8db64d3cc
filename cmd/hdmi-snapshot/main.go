// Command hdmi-snapshot grabs one frame from the hdmi-rtsp endpoint.
//
// On success stdout carries exactly three lines:
//
//	OK
//	FILENAME=<png path>
//	BASE64_FILE=<base64 path>
//
// On failure stdout stays empty, the reason is logged to stderr and the
// exit status names the failing stage: 2 reachability, 3 negotiation,
// 4 capture, 1 anything else.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/denisyuji/hdmi-usb/internal/config"
	"github.com/denisyuji/hdmi-usb/internal/logger"
	"github.com/denisyuji/hdmi-usb/internal/snapshot"
)

func newCommand(stdout, stderr io.Writer, code *int) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "hdmi-snapshot",
		Short: "Capture one PNG frame from the HDMI RTSP stream",
		Example: `  hdmi-snapshot
  hdmi-snapshot --url rtsp://192.168.1.20:1234/hdmi --output-dir /tmp/shots
  HDMI_FRAMES=10 hdmi-snapshot --debug`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.NewViper(cmd.Flags())
			if err != nil {
				return err
			}
			cfg, err := config.LoadOrDefault(configPath)
			if err != nil {
				return err
			}
			config.ApplyEnvOverrides(cfg)
			config.ApplyViper(v, cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			// stdout belongs to the result lines
			log, err := logger.New(logger.LogConfig{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
				Output: "stderr",
			})
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Debug("Taking snapshot",
				"url", cfg.Snapshot.URL,
				"frames", cfg.Snapshot.MaxFrames,
				"window", cfg.Snapshot.MaxDuration,
			)

			res, err := snapshot.NewFlow(cfg.Snapshot, nil, log).Run(ctx)
			if err != nil {
				*code = snapshot.ExitCode(err)
				log.Error("Snapshot failed", "error", err, "exit_code", *code)
				return nil
			}
			return res.Output.Print(stdout)
		},
	}

	cmd.SetOut(stderr)
	cmd.SetErr(stderr)

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	flags.String("url", "", "RTSP URL of the stream (default rtsp://127.0.0.1:1234/hdmi)")
	flags.String("output-dir", "", "Directory for the PNG and base64 files")
	flags.Int("frames", 5, "Frames in the stabilization burst")
	flags.Duration("timeout", 5*time.Second, "Capture window for the burst")
	flags.String("ffmpeg", "", "ffmpeg binary")
	flags.Int("reach-attempts", 10, "TCP connection attempts before giving up on the endpoint")
	flags.Duration("reach-delay", 500*time.Millisecond, "Delay between connection attempts")
	flags.Int("handshake-attempts", 3, "RTSP session negotiation attempts")
	flags.Duration("handshake-delay", time.Second, "Delay between negotiation attempts")
	flags.Bool("debug", false, "Enable debug logging")
	flags.String("log-format", "", "Log format: text or json")

	return cmd
}

// run executes the command and returns the process exit status
func run(args []string, stdout, stderr io.Writer) int {
	code := snapshot.ExitOK
	cmd := newCommand(stdout, stderr, &code)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return snapshot.ExitOther
	}
	return code
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
