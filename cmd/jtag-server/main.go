// Command jtag-server runs the JTAG hub: the authoritative router, the
// WebSocket listener, the HTTP fallback endpoint, and the builtin system
// commands for one instance.
//
// Command-line flags:
//   --config: Path to jtag.yaml (optional)
//   --port:   Override the WebSocket listener port
//   --log-level: zerolog level (debug, info, warn, error)
//   --pretty: Human-readable console logging
//
// Environment variables (applied after the config file):
//   JTAG_SERVER_PORT, JTAG_UI_PORT, JTAG_TEST_SERVER_PORT, NODE_ENV,
//   JTAG_NATS_URL
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jtag-dev/jtag/internal/config"
	"github.com/jtag-dev/jtag/internal/logger"
	"github.com/jtag-dev/jtag/internal/server"
)

func main() {
	configPath := flag.String("config", "jtag.yaml", "Path to the instance configuration file")
	port := flag.Int("port", 0, "Override the WebSocket listener port")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	pretty := flag.Bool("pretty", false, "Human-readable console logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Initialize("info", *pretty)
		logger.GetLogger().Fatal().Err(err).Msg("configuration error")
	}
	if *port > 0 {
		cfg.ServerPort = *port
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *pretty {
		cfg.LogPretty = true
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.GetLogger()

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("server init failed")
	}
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("server start failed")
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("shutdown incomplete")
	}
}
