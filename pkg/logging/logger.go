// Package logging builds the zerolog loggers shared by every prefixd-sync component.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a human-readable logger writing to stderr.
// instanceID tags every line so several dashboards tailing one daemon can be told apart.
func New(level, instanceID string) zerolog.Logger {
	writer := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	return build(writer, level, instanceID)
}

// NewJSON returns a JSON logger for machine consumption.
func NewJSON(w io.Writer, level, instanceID string) zerolog.Logger {
	return build(w, level, instanceID)
}

// Nop returns a disabled logger, mostly for tests.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// Component derives a child logger for one package.
func Component(parent zerolog.Logger, name string) zerolog.Logger {
	return parent.With().Str("component", name).Logger()
}

func build(w io.Writer, level, instanceID string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	ctx := zerolog.New(w).Level(lvl).With().Timestamp().Str("app", "prefixd-sync")
	if instanceID != "" {
		ctx = ctx.Str("instance", instanceID)
	}
	return ctx.Logger()
}
