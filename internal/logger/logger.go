package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Global logger instance
var (
	Log zerolog.Logger
)

// Initialize sets up the global logger with configuration
func Initialize(level string, pretty bool) {
	InitializeWriter(level, pretty, os.Stderr)
}

// InitializeWriter sets up the global logger against an explicit writer.
// The CLI uses stderr so stdout stays machine-readable JSON.
func InitializeWriter(level string, pretty bool, out io.Writer) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		// Pretty console output for development
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		})
	} else {
		// JSON output for production
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
	}

	Log = log.With().
		Str("service", "jtag").
		Logger()
}

// GetLogger returns the global logger instance
func GetLogger() *zerolog.Logger {
	return &Log
}

// Router creates a logger for router dispatch events
func Router() *zerolog.Logger {
	l := Log.With().Str("component", "router").Logger()
	return &l
}

// Transport creates a logger for transport events
func Transport() *zerolog.Logger {
	l := Log.With().Str("component", "transport").Logger()
	return &l
}

// Client creates a logger for client façade events
func Client() *zerolog.Logger {
	l := Log.With().Str("component", "client").Logger()
	return &l
}

// Registry creates a logger for command registry events
func Registry() *zerolog.Logger {
	l := Log.With().Str("component", "registry").Logger()
	return &l
}

// Events creates a logger for the NATS events bridge
func Events() *zerolog.Logger {
	l := Log.With().Str("component", "events").Logger()
	return &l
}

// MCP creates a logger for the MCP bridge
func MCP() *zerolog.Logger {
	l := Log.With().Str("component", "mcp").Logger()
	return &l
}
