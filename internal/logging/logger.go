// ABOUTME: Structured logging for concierge built on zerolog
// ABOUTME: Components derive child loggers tagged with a component field
package logging

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // console output for development
	Output io.Writer
}

var base atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(os.Stderr).With().Timestamp().Str("service", "concierge").Logger()
	base.Store(&l)
}

// New builds a logger from cfg without touching the process default
func New(cfg Config) zerolog.Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", "concierge").
		Logger()
}

// Init replaces the process default logger
func Init(cfg Config) zerolog.Logger {
	l := New(cfg)
	base.Store(&l)
	return l
}

// L returns the process default logger
func L() zerolog.Logger {
	return *base.Load()
}

// Component returns a child of the default logger tagged with name
func Component(name string) zerolog.Logger {
	return base.Load().With().Str("component", name).Logger()
}

// Nop returns a logger that discards everything (tests)
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
