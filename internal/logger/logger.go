// Package logger provides structured logging for pmcoord using zerolog.
//
// A single process-wide logger is configured once at startup with Init and
// handed to components through WithComponent, so every line carries a
// "component" field (wakelock, power, mailbox, storage, server, ...).
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var globalLogger zerolog.Logger

// Config controls logger output.
type Config struct {
	// Level is one of trace, debug, info, warn, error. Default: info.
	Level string
	// Output is "stdout", "stderr" or a file path. Default: stderr.
	Output string
	// Console switches from JSON lines to human-readable console output.
	Console bool
}

func init() {
	globalLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// Init configures the global logger. The returned closer releases a log
// file when Output names one; it is a no-op otherwise.
func Init(cfg Config) (io.Closer, error) {
	var (
		output io.Writer = os.Stderr
		closer io.Closer = nopCloser{}
	)

	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
	case "stdout":
		output = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, err
		}
		output = f
		closer = f
	}

	if cfg.Console {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.TimeOnly}
	}

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			closer.Close()
			return nil, err
		}
		level = parsed
	}

	globalLogger = zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	return closer, nil
}

// SetLevel changes the global log level.
func SetLevel(level zerolog.Level) {
	globalLogger = globalLogger.Level(level)
}

// GetLogger returns the global logger.
func GetLogger() zerolog.Logger {
	return globalLogger
}

// WithComponent returns a child logger tagged with the component name.
func WithComponent(component string) zerolog.Logger {
	return globalLogger.With().Str("component", component).Logger()
}

// NewTestLogger returns a logger that discards everything.
func NewTestLogger() zerolog.Logger {
	return zerolog.Nop()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
