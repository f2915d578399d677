package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"kepler-edge-go/internal/api"
	"kepler-edge-go/internal/config"
	"kepler-edge-go/internal/logging"
	"kepler-edge-go/internal/models"
	"kepler-edge-go/internal/services"
	"kepler-edge-go/internal/services/central"
)

// @title           Kepler Edge Agent API
// @version         1.0
// @description     Status API of the Kepler edge camera agent: capture, motion events, staging and transfers.
// @BasePath        /
func main() {
	configPath := flag.String("config", "", "Optional YAML config file (environment variables take precedence)")
	flag.Parse()
	if *configPath != "" {
		os.Setenv("AGENT_CONFIG_FILE", *configPath)
	}

	// Setup structured logging
	zerolog.TimeFieldFormat = time.RFC3339
	console := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = log.Output(console)

	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		var cfgErr *models.ConfigurationError
		if errors.As(err, &cfgErr) {
			log.Fatal().Str("field", cfgErr.Field).Str("reason", cfgErr.Reason).Msg("Invalid configuration")
		}
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("Invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	client := central.New(cfg, logging.NewServiceLogger(cfg, "central"))

	writers := []io.Writer{console}
	if cfg.LogdyEnabled {
		w, _ := logging.StartLogdy(cfg)
		writers = append(writers, w)
	}
	var shipper *logging.Shipper
	if cfg.LogShippingEnabled {
		// The shipper reports its own failures to the console only.
		shipper = logging.NewShipper(client, cfg.LogBatchInterval, cfg.LogBatchMax,
			zerolog.New(console).With().Timestamp().Str("service", "shipper").Logger())
		writers = append(writers, shipper)
	}
	if len(writers) > 1 {
		log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	}

	log.Info().
		Str("camera_id", cfg.CameraID).
		Str("version", cfg.Version).
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Str("capture_source", cfg.CaptureSource).
		Bool("log_shipping", cfg.LogShippingEnabled).
		Msg("Starting Kepler edge agent")

	container, err := services.NewServiceContainer(cfg, client, shipper)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}

	server := api.NewServer(cfg, container.Sources())
	container.OnDiskAlert(func(alert bool) {
		server.SetServing(!alert)
	})
	container.Start()

	// Start server in goroutine
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := container.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Services did not stop cleanly")
	} else {
		log.Info().Msg("Shutdown complete")
	}
}
