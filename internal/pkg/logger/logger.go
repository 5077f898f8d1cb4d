package logger

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"fieldsync/internal/platform/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global logger. Output is stdout, file, or both; format
// is json or text (console). An unusable log file falls back to stdout.
func Init(cfg config.LoggingConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var stdout io.Writer = os.Stdout
	if cfg.Format == "text" {
		stdout = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	out := stdout
	var fileErr error
	if cfg.Output == "file" || cfg.Output == "both" {
		var file *os.File
		file, fileErr = openLogFile(cfg.FilePath)
		switch {
		case fileErr != nil:
		case cfg.Output == "both":
			out = zerolog.MultiLevelWriter(stdout, file)
		default:
			out = file
		}
	}

	ctx := zerolog.New(out).With().Timestamp().Str("service", "fieldsync")
	if level <= zerolog.DebugLevel {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()

	if fileErr != nil {
		log.Error().Err(fileErr).Str("path", cfg.FilePath).Msg("log file unavailable, using stdout")
	}
}

func openLogFile(path string) (*os.File, error) {
	if path == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
}

// WithComponent creates a child logger with a component field.
func WithComponent(component string) zerolog.Logger {
	return log.Logger.With().Str("component", component).Logger()
}
