// go-emg: EMG gesture command daemon
// Reads the muscle-activity stream from an ESP32-S3 sensing board and turns
// activation patterns into directional commands for a game bridge.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/drixreyes/go-emg/internal/config"
	"github.com/drixreyes/go-emg/internal/dispatch"
	"github.com/drixreyes/go-emg/internal/emg"
	"github.com/drixreyes/go-emg/internal/esp32"
	"github.com/drixreyes/go-emg/internal/protocol"
	"github.com/drixreyes/go-emg/internal/server"
)

var (
	version     = "1.0.0"
	configPath  = flag.String("config", "/etc/go-emg/config.yaml", "config file path")
	serialPort  = flag.String("port", "", "serial port override (e.g. /dev/ttyACM0)")
	showVersion = flag.Bool("version", false, "print version and exit")
	debug       = flag.Bool("debug", false, "enable debug logging")
	useMock     = flag.Bool("mock", false, "use mock EMG source (for testing)")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("go-emg %s\n", version)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config from %s: %v\n", *configPath, err)
		cfg = config.Default()
	}

	// Flag overrides
	if *debug {
		cfg.Logging.Level = "debug"
	}
	if *serialPort != "" {
		cfg.Serial.Port = *serialPort
	}

	// Setup logging
	logger := setupLogger(cfg.Logging)

	logger.Info("starting go-emg",
		"version", version,
		"config", *configPath,
		"serial_port", cfg.Serial.Port,
		"http_port", cfg.Server.Port,
	)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize EMG source
	var source emg.Source

	serialCfg := esp32.SerialConfig{
		Port:                 cfg.Serial.Port,
		BaudRate:             cfg.Serial.BaudRate,
		MaxConsecutiveErrors: cfg.Serial.MaxErrors,
		InitialBackoff:       cfg.Serial.ReconnectDelay,
		MaxBackoff:           cfg.Serial.MaxBackoff,
	}

	if *useMock {
		logger.Info("using mock EMG source")
		source = esp32.NewMockSourceWithWave()
	} else {
		logger.Info("initializing serial EMG source")
		source = esp32.NewSourceWithFallback(serialCfg, logger)
	}

	logger.Info("EMG source ready",
		"type", source.Name(),
		"healthy", source.Healthy(),
	)

	// Create pipeline configuration from config
	pipelineCfg := emg.PipelineConfig{
		Tracker: emg.TrackerConfig{
			BaselineAlpha: cfg.Signal.BaselineAlpha,
			HoldRatio:     cfg.Signal.HoldRatio,
			Invert:        cfg.Signal.Invert,
		},
		Classifier: emg.ClassifierConfig{
			SpikeWindow:    cfg.Signal.SpikeWindowS,
			SpikeRetention: cfg.Signal.SpikeRetainS,
			HoldDelay:      cfg.Signal.HoldDelayS,
			HoldLockAfter:  cfg.Signal.HoldLockS,
		},
		HistorySize:    cfg.Signal.HistorySize,
		NearSpikeRatio: cfg.Signal.NearSpikeRatio,
	}

	pipeline := emg.NewPipeline(source, pipelineCfg, logger)

	// Set up dispatch sinks
	dispatcher := dispatch.NewDispatcher(pipeline, logger)
	dispatcher.SetEnabled(cfg.Dispatch.Enabled)

	if cfg.Dispatch.BridgeURL != "" {
		wsCfg := dispatch.DefaultWSConfig()
		wsCfg.URL = cfg.Dispatch.BridgeURL

		bridge := dispatch.NewWSClient(wsCfg, logger)
		bridge.OnControlRequest(func(req protocol.ControlRequest) {
			handleControlRequest(pipeline, dispatcher, req, logger)
		})

		if err := bridge.Connect(ctx); err != nil {
			logger.Warn("bridge connect failed", "error", err)
		}
		dispatcher.AddSink(bridge)
	}

	if cfg.Dispatch.MQTTBroker != "" {
		mqttCfg := dispatch.MQTTConfig{
			Broker:      cfg.Dispatch.MQTTBroker,
			ClientID:    cfg.Dispatch.MQTTClientID,
			TopicPrefix: cfg.Dispatch.MQTTTopicPrefix,
		}

		sink, err := dispatch.NewMQTTSink(mqttCfg, logger)
		if err != nil {
			logger.Warn("mqtt sink unavailable", "error", err)
		} else {
			dispatcher.AddSink(sink)
		}
	}

	// Start pipeline in background
	go func() {
		if err := pipeline.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("pipeline error", "error", err)
		}
	}()

	// Start dispatcher in background
	go dispatcher.Run(ctx)

	// Create server
	srv := server.New(cfg.Server, pipeline, dispatcher, logger, version)

	// Start WebSocket hub in background
	go srv.WSHub().Run(ctx)

	// Start server in background
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Print startup info
	printStartupBanner(cfg, version)

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("received shutdown signal", "signal", sig.String())

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		cfg.Server.GracefulTimeout,
	)
	defer shutdownCancel()

	// Stop in order: server -> source -> pipeline -> dispatcher.
	// The source closes first so the pipeline's blocking read returns.
	logger.Info("shutting down server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}

	cancel()

	logger.Info("closing EMG source...")
	if err := source.Close(); err != nil {
		logger.Warn("source close error", "error", err)
	}

	logger.Info("stopping pipeline...")
	pipeline.Stop()

	logger.Info("stopping dispatcher...")
	dispatcher.Stop()

	logger.Info("go-emg stopped")
}

// handleControlRequest services control actions arriving from the game
// bridge over the dispatch link.
func handleControlRequest(pipeline *emg.Pipeline, dispatcher *dispatch.Dispatcher, req protocol.ControlRequest, logger *slog.Logger) {
	logger.Info("bridge control request", "action", req.Action)

	switch req.Action {
	case protocol.ControlCalibrate:
		if err := pipeline.Calibrate(); err != nil {
			logger.Warn("calibrate failed", "error", err)
		}
	case protocol.ControlReset:
		if err := pipeline.Reset(); err != nil {
			logger.Warn("reset failed", "error", err)
		}
	case protocol.ControlStatus:
		if err := pipeline.RequestStatus(); err != nil {
			logger.Warn("status request failed", "error", err)
		}
	case protocol.ControlInvert:
		pipeline.SetInvert(req.Enabled)
	case protocol.ControlEnableDispatch:
		dispatcher.SetEnabled(true)
	case protocol.ControlDisableDispatch:
		dispatcher.SetEnabled(false)
	default:
		logger.Warn("unknown control action", "action", req.Action)
	}
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func printStartupBanner(cfg *config.Config, version string) {
	fmt.Println()
	fmt.Println("💪 go-emg v" + version)
	fmt.Println("   EMG gesture command daemon")
	fmt.Println()
	fmt.Printf("🚀 Running at http://0.0.0.0:%d\n", cfg.Server.Port)
	fmt.Println()
	fmt.Println("   Endpoints:")
	fmt.Println("   GET  /health                 - Health check")
	fmt.Println("   GET  /api/signal             - Latest EMG snapshot")
	fmt.Println("   WS   /api/signal/stream      - Real-time signal + command stream")
	fmt.Println("   GET  /api/command            - Active command")
	fmt.Println("   POST /api/calibrate          - Recalibrate the board")
	fmt.Println("   POST /api/reset              - Clear calibration")
	fmt.Println("   GET  /api/stats              - Pipeline statistics")
	fmt.Println("   GET  /metrics                - Prometheus metrics")
	fmt.Println()
	fmt.Println("   Gestures: 1 flex=forward  2=backward  1+hold=left  2+hold=right  3=stop")
	fmt.Println()
	fmt.Println("   Press Ctrl+C to stop")
	fmt.Println()
}
