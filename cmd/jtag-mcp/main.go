// Command jtag-mcp exposes the JTAG command catalog as MCP tools over
// stdio. It reads the schema catalog written by the server at start,
// connects to the hub as a local WebSocket client, and forwards each tool
// invocation to the matching fabric endpoint.
//
// Logging goes to stderr; stdout is reserved for the MCP stdio transport.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jtag-dev/jtag/internal/config"
	"github.com/jtag-dev/jtag/internal/logger"
	"github.com/jtag-dev/jtag/internal/mcpbridge"
)

func main() {
	configPath := flag.String("config", "jtag.yaml", "Path to the instance configuration file")
	catalogPath := flag.String("catalog", config.CatalogFileName, "Path to the schema catalog snapshot")
	logLevel := flag.String("log-level", "warn", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger.InitializeWriter(*logLevel, false, os.Stderr)
	log := logger.GetLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration error")
	}

	exe, _ := os.Executable()
	serverBin := strings.TrimSuffix(exe, "jtag-mcp") + "jtag-server"

	bridge, err := mcpbridge.New(mcpbridge.Options{
		CatalogPath:     *catalogPath,
		ServerURL:       cfg.ServerURL(),
		HTTPFallbackURL: cfg.HTTPFallbackURL(),
		StateRoot:       cfg.StateRoot(),
		ServerCommand:   []string{serverBin},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("bridge init failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	if err := bridge.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("bridge exited")
	}
}
