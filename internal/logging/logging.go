// Package logging configures the process-wide zerolog logger used across
// the gitswarm services (stream manager, merge coordinator, sync engine,
// CLI).
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level names accepted in config and --log-level flags.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how New builds a logger.
type Config struct {
	Level  Level
	Pretty bool // console writer with color/alignment instead of raw JSON
	Output io.Writer
}

// New constructs a zerolog.Logger per cfg: a console writer when cfg.Pretty
// is set, raw JSON otherwise. The CLI builds its logger with Pretty set,
// including for its cron-driven commands.
func New(cfg Config) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Component returns a child logger tagged with the subsystem name, mirroring
// how every service (stream, merge, sync, consensus) identifies its log
// lines.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// RepoScoped returns a child logger tagged with a repo_id, used by any
// service method operating on a specific repo.
func RepoScoped(l zerolog.Logger, repoID string) zerolog.Logger {
	return l.With().Str("repo_id", repoID).Logger()
}
