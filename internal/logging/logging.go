// Package logging wraps zerolog to provide structured, leveled logging for
// btrfs-to-s3, with per-component sub-loggers for the backup and restore
// pipelines.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the global logger as initialized by Init.
type Config struct {
	Level      string // debug|info|warning|error|critical
	JSONOutput bool
	Output     io.Writer
}

// Logger is the package-level logger, ready to use with sane defaults even
// before Init is called.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Init configures the global Logger according to cfg. It accepts the
// five-level scheme from the CLI (--log-level) and maps "warning"/
// "critical" onto zerolog's warn/fatal levels.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var w io.Writer = out
	if !cfg.JSONOutput {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level := parseLevel(cfg.Level)
	Logger = zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func parseLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "info", "":
		return zerolog.InfoLevel
	case "warning", "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "critical", "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent returns a logger tagged with the given component name, the
// way cuemby-warren's log package scopes sub-loggers per subsystem.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithSubvolume returns a logger tagged with both component and subvolume
// name, used throughout the per-subvolume pipeline.
func WithSubvolume(component, subvolume string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("subvolume", subvolume).Logger()
}
