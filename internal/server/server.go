// Package server provides the HTTP server for go-emg
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/drixreyes/go-emg/internal/config"
	"github.com/drixreyes/go-emg/internal/dispatch"
	"github.com/drixreyes/go-emg/internal/emg"
	"github.com/drixreyes/go-emg/internal/health"
)

// Server is the HTTP server for go-emg
type Server struct {
	app        *fiber.App
	cfg        config.ServerConfig
	pipeline   *emg.Pipeline
	dispatcher *dispatch.Dispatcher
	checker    *health.Checker
	logger     *slog.Logger
	wsHub      *WSHub
	startTime  time.Time
	version    string
}

// New creates a new HTTP server
func New(cfg config.ServerConfig, pipeline *emg.Pipeline, dispatcher *dispatch.Dispatcher, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	app := fiber.New(fiber.Config{
		AppName:               "go-emg",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(LoggingMiddleware(logger))

	s := &Server{
		app:        app,
		cfg:        cfg,
		pipeline:   pipeline,
		dispatcher: dispatcher,
		checker:    health.NewChecker(version),
		logger:     logger,
		wsHub:      NewWSHub(pipeline, logger),
		startTime:  time.Now(),
		version:    version,
	}

	// Register routes
	s.registerRoutes()

	return s
}

// registerRoutes sets up all API routes
func (s *Server) registerRoutes() {
	// Health check
	s.app.Get("/health", s.healthHandler)

	// Metrics endpoint
	s.app.Get("/metrics", s.metricsHandler)

	api := s.app.Group("/api")

	// Signal API
	signal := api.Group("/signal")
	signal.Get("/", s.signalHandler)
	signal.Get("/stream", s.wsHub.UpgradeHandler())

	// Command API
	api.Get("/command", s.commandHandler)

	// Board control
	api.Post("/calibrate", s.calibrateHandler)
	api.Post("/reset", s.resetHandler)
	api.Post("/invert", s.invertHandler)

	// Dispatch toggle
	api.Post("/dispatch/enable", s.dispatchToggleHandler(true))
	api.Post("/dispatch/disable", s.dispatchToggleHandler(false))

	// Stats endpoint
	api.Get("/stats", s.statsHandler)

	// Config endpoint
	api.Get("/config", s.configHandler)
}

// healthHandler returns service health
func (s *Server) healthHandler(c *fiber.Ctx) error {
	stats := s.pipeline.Stats()

	s.checker.SetComponent("serial", stats.SourceHealthy, "")
	if stats.Calibrated {
		s.checker.SetComponent("calibration", true, "")
	} else {
		s.checker.SetComponent("calibration", false, "waiting for calibration")
	}
	if s.dispatcher != nil {
		s.checker.SetComponent("dispatch", true, fmt.Sprintf("enabled=%t", s.dispatcher.Enabled()))
	}

	return c.JSON(s.checker.GetStatus())
}

// signalHandler returns the latest EMG snapshot
func (s *Server) signalHandler(c *fiber.Ctx) error {
	if s.pipeline == nil {
		return c.Status(503).JSON(fiber.Map{
			"error": "pipeline not available",
		})
	}

	return c.JSON(s.pipeline.GetLatest())
}

// commandHandler returns the active command
func (s *Server) commandHandler(c *fiber.Ctx) error {
	snap := s.pipeline.GetLatest()

	return c.JSON(fiber.Map{
		"command":    snap.Command.String(),
		"locked":     snap.Locked,
		"calibrated": snap.Calibrated,
	})
}

// calibrateHandler asks the board to recalibrate
func (s *Server) calibrateHandler(c *fiber.Ctx) error {
	if err := s.pipeline.Calibrate(); err != nil {
		return c.Status(502).JSON(fiber.Map{
			"error": fmt.Sprintf("calibrate: %v", err),
		})
	}

	return c.JSON(fiber.Map{
		"status":  "ok",
		"message": "keep the muscle relaxed while the board samples the resting level",
	})
}

// resetHandler clears calibration on the board and locally
func (s *Server) resetHandler(c *fiber.Ctx) error {
	if err := s.pipeline.Reset(); err != nil {
		return c.Status(502).JSON(fiber.Map{
			"error": fmt.Sprintf("reset: %v", err),
		})
	}

	return c.JSON(fiber.Map{"status": "ok"})
}

// invertHandler toggles envelope inversion
func (s *Server) invertHandler(c *fiber.Ctx) error {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.BodyParser(&body); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid body"})
	}

	s.pipeline.SetInvert(body.Enabled)

	return c.JSON(fiber.Map{"status": "ok", "inverted": body.Enabled})
}

// dispatchToggleHandler enables or disables command forwarding
func (s *Server) dispatchToggleHandler(enable bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if s.dispatcher == nil {
			return c.Status(503).JSON(fiber.Map{
				"error": "dispatcher not available",
			})
		}

		s.dispatcher.SetEnabled(enable)

		return c.JSON(fiber.Map{"status": "ok", "enabled": enable})
	}
}

// statsHandler returns pipeline and dispatch statistics
func (s *Server) statsHandler(c *fiber.Ctx) error {
	resp := fiber.Map{
		"pipeline": s.pipeline.Stats(),
	}
	if s.dispatcher != nil {
		resp["dispatch"] = s.dispatcher.Stats()
	}

	return c.JSON(resp)
}

// configHandler returns current configuration
func (s *Server) configHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"server": fiber.Map{
			"port":             s.cfg.Port,
			"read_timeout_ms":  s.cfg.ReadTimeout.Milliseconds(),
			"write_timeout_ms": s.cfg.WriteTimeout.Milliseconds(),
		},
	})
}

// metricsHandler returns Prometheus-format metrics
func (s *Server) metricsHandler(c *fiber.Ctx) error {
	if s.pipeline == nil {
		return c.Status(503).SendString("# no pipeline available\n")
	}

	stats := s.pipeline.Stats()

	var dispatchEnabled, forwarded int64
	if s.dispatcher != nil {
		ds := s.dispatcher.Stats()
		dispatchEnabled = int64(boolToInt(ds.Enabled))
		forwarded = int64(ds.Forwarded)
	}

	metrics := fmt.Sprintf(`# HELP go_emg_calibrated Calibration state (1=calibrated, 0=waiting)
# TYPE go_emg_calibrated gauge
go_emg_calibrated %d

# HELP go_emg_baseline Tracked resting baseline
# TYPE go_emg_baseline gauge
go_emg_baseline %f

# HELP go_emg_spike_threshold Calibrated spike threshold deviation
# TYPE go_emg_spike_threshold gauge
go_emg_spike_threshold %f

# HELP go_emg_sample_count Total EMG samples processed
# TYPE go_emg_sample_count counter
go_emg_sample_count %d

# HELP go_emg_discard_count Total malformed samples discarded
# TYPE go_emg_discard_count counter
go_emg_discard_count %d

# HELP go_emg_transition_count Total command transitions emitted
# TYPE go_emg_transition_count counter
go_emg_transition_count %d

# HELP go_emg_source_healthy Serial source health (1=healthy, 0=unhealthy)
# TYPE go_emg_source_healthy gauge
go_emg_source_healthy %d

# HELP go_emg_dispatch_enabled Dispatch state (1=forwarding, 0=disabled)
# TYPE go_emg_dispatch_enabled gauge
go_emg_dispatch_enabled %d

# HELP go_emg_dispatch_forwarded Total transitions forwarded downstream
# TYPE go_emg_dispatch_forwarded counter
go_emg_dispatch_forwarded %d

# HELP go_emg_uptime_seconds Server uptime in seconds
# TYPE go_emg_uptime_seconds gauge
go_emg_uptime_seconds %d

# HELP go_emg_websocket_clients Current WebSocket client count
# TYPE go_emg_websocket_clients gauge
go_emg_websocket_clients %d
`,
		boolToInt(stats.Calibrated),
		stats.Baseline,
		stats.SpikeThreshold,
		stats.SampleCount,
		stats.DiscardCount,
		stats.TransitionCount,
		boolToInt(stats.SourceHealthy),
		dispatchEnabled,
		forwarded,
		int64(time.Since(s.startTime).Seconds()),
		s.wsHub.ClientCount(),
	)

	c.Set("Content-Type", "text/plain; charset=utf-8")
	return c.SendString(metrics)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server",
		"port", s.cfg.Port,
	)

	return s.app.Listen(fmt.Sprintf(":%d", s.cfg.Port))
}

// WSHub returns the WebSocket hub for external control
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close WebSocket hub
	s.wsHub.Close()

	// Shutdown Fiber with timeout from context
	done := make(chan error, 1)
	go func() {
		done <- s.app.Shutdown()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
