package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/denisyuji/hdmi-usb/internal/config"
	"github.com/denisyuji/hdmi-usb/internal/device"
	"github.com/denisyuji/hdmi-usb/internal/health"
	"github.com/denisyuji/hdmi-usb/internal/logger"
	"github.com/denisyuji/hdmi-usb/internal/pipeline"
	"github.com/denisyuji/hdmi-usb/internal/preview"
	"github.com/denisyuji/hdmi-usb/internal/rtsp"
	"github.com/denisyuji/hdmi-usb/internal/service"
	"github.com/denisyuji/hdmi-usb/internal/session"
	"github.com/denisyuji/hdmi-usb/internal/state"
	"github.com/denisyuji/hdmi-usb/internal/web"
	"github.com/denisyuji/hdmi-usb/internal/window"
)

const shutdownTimeout = 30 * time.Second

// loadConfig reads the file (or defaults), then environment, then flags
func loadConfig(cmd *cobra.Command, configPath string) (*config.Config, *viper.Viper, error) {
	v, err := config.NewViper(cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, nil, err
	}
	config.ApplyEnvOverrides(cfg)
	config.ApplyViper(v, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, v, nil
}

func runResetWindow(cmd *cobra.Command, configPath string) error {
	cfg, _, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}

	store, err := window.NewStore(cfg.Preview.StateFile)
	if err != nil {
		return err
	}
	if _, ok, _ := store.Load(); !ok {
		fmt.Fprintln(cmd.OutOrStdout(), "No saved window state found.")
		return nil
	}
	if err := store.Reset(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Window state reset. Next launch will use the default position.")
	return nil
}

func runDaemon(cmd *cobra.Command, configPath string) error {
	cfg, v, err := loadConfig(cmd, configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	if cfg.Pipeline.GstDebug > 0 {
		os.Setenv("GST_DEBUG", strconv.Itoa(cfg.Pipeline.GstDebug))
	}

	cfgSvc, err := config.NewService(configPath, log)
	if err != nil {
		return err
	}
	if err := cfgSvc.SetOverride(func(c *config.Config) { config.ApplyViper(v, c) }); err != nil {
		return err
	}

	log.Info("Starting hdmi-rtsp",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
		"engine", cfg.Pipeline.Engine,
		"headless", cfg.Preview.Headless,
		"audio_only", cfg.Pipeline.AudioOnly,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stateMgr, err := state.NewManager(cfg.State.DatabasePath, log)
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}
	defer stateMgr.Close()

	if recovered, err := stateMgr.RecoverState(ctx); err != nil {
		log.Warn("State recovery failed", "error", err)
	} else {
		for _, o := range recovered.Ownerships {
			log.Info("Found ownership record from a previous run",
				"device", o.Device,
				"pid", o.PID,
				"pipeline_pgid", o.PipelinePGID,
			)
		}
	}

	engine, err := pipeline.NewEngine(cfg.Pipeline.Engine, cfg.Pipeline.GstLaunch, cfg.Session.GracePeriod, log)
	if err != nil {
		return err
	}
	querier := device.NewV4L2Querier(cfg.Device.ProbeTimeout)

	broker := session.NewBroker(session.Config{
		Capture: pipeline.CaptureOptions{
			AudioOnly:    cfg.Pipeline.AudioOnly,
			Bitrate:      cfg.Pipeline.Bitrate,
			KeyIntMax:    cfg.Pipeline.KeyIntMax,
			VideoRTPPort: cfg.RTSP.VideoRTPPort,
			AudioRTPPort: cfg.RTSP.AudioRTPPort,
		},
		RecoveryAttempts: cfg.Session.RecoveryAttempts,
		RecoveryDelay:    cfg.Session.RecoveryDelay,
		StallTimeout:     cfg.Session.StallTimeout,
		StartTimeout:     cfg.Session.StartTimeout,
		GracePeriod:      cfg.Session.GracePeriod,
		ConsumerBuffer:   cfg.Session.ConsumerBuffer,
		LockFile:         cfg.Session.LockFile,
		Takeover:         cfg.Session.Takeover,
	}, engine, querier, stateMgr, log)

	resolutions, err := device.ParseResolutions(cfg.Device.Resolutions)
	if err != nil {
		return err
	}
	discoverer, err := device.NewDiscoverer(device.DiscovererConfig{
		MatchName:   cfg.Device.MatchName,
		Resolutions: resolutions,
		Attempts:    cfg.Device.ScanAttempts,
		Delay:       cfg.Device.ScanDelay,
	},
		device.NewScanner(querier, log),
		device.NewProber(querier, broker.Owners(), cfg.Device.ProbeTimeout, log),
		querier,
		log,
	)
	if err != nil {
		return err
	}

	ingestCfg := rtsp.IngestConfig{
		Host:      "127.0.0.1",
		VideoPort: cfg.RTSP.VideoRTPPort,
		AudioPort: cfg.RTSP.AudioRTPPort,
	}
	if cfg.Pipeline.AudioOnly {
		ingestCfg.VideoPort = 0
	}
	if cfg.Device.AudioDisabled {
		ingestCfg.AudioPort = 0
	}
	ingest := rtsp.NewIngest(ingestCfg, broker, log)

	rtspServer := rtsp.NewServer(rtsp.ServerConfig{
		Host:      cfg.RTSP.Host,
		Port:      cfg.RTSP.Port,
		Path:      cfg.RTSP.Path,
		AudioOnly: cfg.Pipeline.AudioOnly,
	}, broker, log)

	webServer := web.NewServer(&cfg.Web, broker, stateMgr, log)
	webServer.SetVersion(version)
	webServer.SetRTSPURL(cfg.RTSPURL())

	capture := newCaptureService(discoverer, nil, broker, log)
	if !cfg.Device.AudioDisabled {
		capture.correlator = device.NewCorrelator(device.NewSysfsResolver(), cfg.Device.AudioForceCard, log)
	}
	capture.history = stateMgr
	capture.verifyAudio = cfg.Device.VerifyAudio
	capture.audioOnly = cfg.Pipeline.AudioOnly
	capture.onDevice = func(d *device.Discovery, audio device.AudioMatch) {
		rtspServer.SetAudio(audio.Found)
		webServer.SetDevice(d, audio)
	}

	// registration order is start order; shutdown runs in reverse
	svcMgr := service.NewManager(log)
	svcMgr.Register(broker)
	svcMgr.Register(ingest)
	svcMgr.Register(capture)
	svcMgr.Register(rtspServer)

	var (
		previewSvc *preview.Preview
		tracker    *window.Tracker
	)
	switch {
	case cfg.Preview.Headless || cfg.Pipeline.AudioOnly:
	case !window.DisplayAvailable():
		log.Warn("No display available, running without the preview window")
	default:
		previewSvc = preview.New(preview.Config{
			URL:          cfg.RTSPURL(),
			Latency:      cfg.RTSP.Latency,
			StartTimeout: 2 * cfg.Session.StartTimeout,
		}, engine, log)
		svcMgr.Register(previewSvc)

		store, err := window.NewStore(cfg.Preview.StateFile)
		if err != nil {
			log.Warn("Window geometry will not be kept", "error", err)
		} else {
			tracker = window.NewTracker(window.TrackerConfig{
				Title:        cfg.Preview.WindowTitle,
				PollInterval: cfg.Preview.PollInterval,
			}, store, previewSvc.PID, log)
			svcMgr.Register(tracker)
		}
	}

	svcMgr.Register(webServer)

	if cfg.Health.Enabled {
		healthMgr := health.NewManager(fmt.Sprintf(":%d", cfg.Health.Port), log, svcMgr)
		healthMgr.RegisterChecker(health.NewSessionChecker(broker))
		healthMgr.RegisterChecker(health.NewDatabaseChecker(stateMgr))
		healthMgr.RegisterChecker(health.NewIngestChecker(ingest, cfg.Session.StallTimeout))
		svcMgr.Register(healthMgr)
	}

	cfgSvc.Watch(func(ctx context.Context, oldConfig, newConfig *config.Config) error {
		if oldConfig.Device.MatchName != newConfig.Device.MatchName ||
			oldConfig.RTSP != newConfig.RTSP ||
			oldConfig.Pipeline != newConfig.Pipeline {
			log.Warn("Device, pipeline and RTSP settings take effect after a restart")
		}
		return nil
	})

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	if err := svcMgr.Start(ctx); err != nil {
		if n := pipeline.StopAll(); n > 0 {
			log.Warn("Killed leftover pipelines", "count", n)
		}
		return err
	}

	log.Info("HDMI capture RTSP server ready for connections", "url", cfg.RTSPURL())

	var (
		fatal         <-chan error
		previewClosed <-chan struct{}
		windowClosed  <-chan struct{}
		runErr        error
	)
	if sess := capture.Session(); sess != nil {
		fatal = sess.Fatal()
	}
	if previewSvc != nil {
		previewClosed = previewSvc.Closed()
	}
	if tracker != nil {
		windowClosed = tracker.Closed()
	}

wait:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if err := cfgSvc.Reload(ctx); err != nil {
					log.Error("Configuration reload failed", "error", err)
				}
				continue
			}
			log.Info("Received shutdown signal", "signal", sig)
			break wait
		case <-previewClosed:
			log.Info("Local display window closed, shutting down")
			break wait
		case <-windowClosed:
			log.Info("Preview window disappeared, shutting down")
			break wait
		case err := <-fatal:
			runErr = fmt.Errorf("capture session failed: %w", err)
			log.Error("Capture session failed", "error", err)
			break wait
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// a second signal skips the orderly shutdown
	go func() {
		select {
		case sig := <-sigChan:
			log.Warn("Forced shutdown", "signal", sig)
			pipeline.StopAll()
			os.Exit(1)
		case <-shutdownCtx.Done():
		}
	}()

	if err := svcMgr.Shutdown(shutdownCtx); err != nil {
		log.Error("Error during shutdown", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	if n := pipeline.StopAll(); n > 0 {
		log.Warn("Killed leftover pipelines", "count", n)
	}

	log.Info("Shutdown complete")
	return runErr
}
