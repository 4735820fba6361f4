package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the log output encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config holds logger configuration.
type Config struct {
	Level   string // debug, info, warn, error
	Format  Format
	Service string // service field stamped on every line
}

// New creates the root structured logger. Components derive child loggers
// with .With().Str("component", ...).
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	service := cfg.Service
	if service == "" {
		service = "bloatline"
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

// RecoverPanic logs a recovered panic and keeps the process running. Use in
// defer blocks of long-lived goroutines.
func RecoverPanic(logger zerolog.Logger, goroutine string) {
	if r := recover(); r != nil {
		logger.Error().
			Str("goroutine", goroutine).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack())).
			Msg("goroutine panic recovered")
	}
}
