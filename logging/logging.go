// Package logging builds the zerolog loggers used across convsync.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // console output for development
	Output     io.Writer
	WithCaller bool
}

// New creates the root logger. Unknown levels fall back to info.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "convsync").
		Logger()
	if cfg.WithCaller {
		logger = logger.With().Caller().Logger()
	}

	return logger
}

// Component returns a child logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// LogStoreOperation logs a storage call with its duration; failures are logged at error level.
func LogStoreOperation(logger zerolog.Logger, operation string, duration time.Duration, err error) {
	if err != nil {
		logger.Error().
			Str("operation", operation).
			Dur("duration_ms", duration).
			Err(err).
			Msg("store operation failed")
		return
	}
	logger.Debug().
		Str("operation", operation).
		Dur("duration_ms", duration).
		Msg("store operation completed")
}
