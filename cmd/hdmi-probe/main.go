// Command hdmi-probe explains what discovery sees: every matching video
// node, how it probes and which ALSA card pairs with it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/denisyuji/hdmi-usb/internal/config"
	"github.com/denisyuji/hdmi-usb/internal/device"
	"github.com/denisyuji/hdmi-usb/internal/logger"
	"github.com/denisyuji/hdmi-usb/internal/session"
	"github.com/denisyuji/hdmi-usb/internal/state"
)

// nodeReport is what the tool found out about one candidate
type nodeReport struct {
	Device device.CandidateDevice `json:"device"`
	Probe  *device.ProbeResult    `json:"probe,omitempty"`
	Audio  *device.AudioMatch     `json:"audio,omitempty"`
}

type probeOptions struct {
	configPath string
	probe      bool
	audio      bool
	verify     bool
	asJSON     bool
}

func newRootCommand() *cobra.Command {
	opts := &probeOptions{probe: true, audio: true}

	cmd := &cobra.Command{
		Use:           "hdmi-probe",
		Short:         "Diagnose HDMI capture device discovery",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd, opts)
		},
	}
	addCommonFlags(cmd, opts)
	cmd.Flags().BoolVar(&opts.verify, "verify-audio", false, "Record one second from the paired card")

	scan := &cobra.Command{
		Use:   "scan",
		Short: "List matching capture nodes without opening them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			scanOpts := *opts
			scanOpts.probe = false
			scanOpts.audio = false
			return runProbe(cmd, &scanOpts)
		},
	}
	addCommonFlags(scan, opts)
	cmd.AddCommand(scan)

	return cmd
}

func addCommonFlags(cmd *cobra.Command, opts *probeOptions) {
	flags := cmd.Flags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file")
	flags.BoolVar(&opts.asJSON, "json", false, "Print the report as JSON")
	flags.String("match-name", "", "Pattern matched against capture device names")
	flags.Bool("debug", false, "Enable debug logging")
}

func runProbe(cmd *cobra.Command, opts *probeOptions) error {
	v, err := config.NewViper(cmd.Flags())
	if err != nil {
		return err
	}
	cfg, err := config.LoadOrDefault(opts.configPath)
	if err != nil {
		return err
	}
	config.ApplyEnvOverrides(cfg)
	config.ApplyViper(v, cfg)
	opts.verify = opts.verify || cfg.Device.VerifyAudio

	log, err := logger.New(logger.LogConfig{Level: cfg.Log.Level, Format: "console", Output: "stderr"})
	if err != nil {
		return err
	}
	defer log.Sync()

	pattern, err := regexp.Compile(cfg.Device.MatchName)
	if err != nil {
		return fmt.Errorf("invalid match name: %w", err)
	}
	resolutions, err := device.ParseResolutions(cfg.Device.Resolutions)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()

	querier := device.NewV4L2Querier(cfg.Device.ProbeTimeout)

	// the state database tells busy-by-us apart from busy-by-someone-else
	var owners device.OwnershipVerifier
	if opts.probe {
		if _, err := os.Stat(cfg.State.DatabasePath); err == nil {
			if stateMgr, err := state.NewManager(cfg.State.DatabasePath, log); err == nil {
				defer stateMgr.Close()
				owners = session.NewOwnershipRegistry(stateMgr)
			}
		}
	}

	var correlator *device.Correlator
	if opts.audio && !cfg.Device.AudioDisabled {
		correlator = device.NewCorrelator(device.NewSysfsResolver(), cfg.Device.AudioForceCard, log)
	}

	reports, err := collect(ctx, querier, owners, correlator, pattern, resolutions, opts, log)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}
	render(out, cfg.Device.MatchName, reports)
	return nil
}

func collect(ctx context.Context, querier device.CapabilityQuerier, owners device.OwnershipVerifier, correlator *device.Correlator,
	pattern *regexp.Regexp, resolutions []device.Resolution, opts *probeOptions, log *logger.Logger) ([]nodeReport, error) {

	var predicate device.Predicate
	if len(resolutions) > 0 {
		predicate = device.SupportsAny(resolutions...)
	}

	candidates, err := device.NewScanner(querier, log).Scan(ctx, pattern, predicate)
	if err != nil {
		return nil, err
	}

	prober := device.NewProber(querier, owners, 0, log)
	reports := make([]nodeReport, 0, len(candidates))
	for _, c := range candidates {
		r := nodeReport{Device: c}
		if opts.probe {
			result := prober.Probe(ctx, c)
			r.Probe = &result
			r.Device.State = result.State
		}
		if correlator != nil {
			match := correlator.Correlate(ctx, c)
			if opts.verify {
				match = correlator.Verify(ctx, match)
			}
			r.Audio = &match
		}
		reports = append(reports, r)
	}
	return reports, nil
}

func render(w io.Writer, matchName string, reports []nodeReport) {
	if len(reports) == 0 {
		fmt.Fprintf(w, "%s no capture node matches %q\n", color.RedString("✗"), matchName)
		color.New(color.Faint).Fprintln(w, "Check that the grabber is plugged in and that v4l2-ctl is installed (apt install v4l-utils).")
		return
	}

	for i, r := range reports {
		caps := r.Device.Capabilities
		fmt.Fprintf(w, "%d. %s  %s\n", i+1, color.New(color.FgCyan, color.Bold).Sprint(r.Device.Path), r.Device.Group)
		if caps.Card != "" {
			fmt.Fprintf(w, "   card:        %s (%s)\n", caps.Card, caps.Driver)
		}
		if caps.BusInfo != "" {
			fmt.Fprintf(w, "   bus:         %s\n", caps.BusInfo)
		}
		if len(caps.Formats) > 0 {
			fmt.Fprintf(w, "   formats:     %s\n", strings.Join(caps.Formats, ", "))
		}
		if len(caps.Resolutions) > 0 {
			sizes := make([]string, 0, len(caps.Resolutions))
			for _, res := range caps.Resolutions {
				sizes = append(sizes, res.String())
			}
			fmt.Fprintf(w, "   resolutions: %s\n", strings.Join(sizes, ", "))
		}

		if r.Probe != nil {
			fmt.Fprintf(w, "   state:       %s\n", stateText(*r.Probe))
			if r.Probe.Detail != "" {
				color.New(color.Faint).Fprintf(w, "                %s\n", r.Probe.Detail)
			}
		}

		if r.Audio != nil {
			if r.Audio.Found {
				label := r.Audio.Device()
				if r.Audio.Forced {
					label += " (forced)"
				}
				fmt.Fprintf(w, "   audio:       %s\n", color.GreenString(label))
			} else {
				fmt.Fprintf(w, "   audio:       %s\n", color.YellowString("none (%s)", r.Audio.Reason))
			}
		}
	}
}

func stateText(p device.ProbeResult) string {
	switch p.State {
	case device.StateReady:
		return color.GreenString("ready")
	case device.StateBusy:
		if p.Verified {
			return color.GreenString("busy (held by our capture session)")
		}
		return color.YellowString("busy")
	case device.StateError:
		if p.Stalled {
			return color.RedString("error (stalled, reset on discovery)")
		}
		return color.RedString("error")
	default:
		return color.RedString(p.State.String())
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
