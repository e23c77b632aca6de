package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/edvin/pipejobs/internal/config"
)

// NewLogger creates a structured zerolog.Logger with context fields from the
// config. Output goes to stdout unless cfg.LogFile is set, in which case it is
// written to a size-rotated file.
func NewLogger(cfg *config.Config) zerolog.Logger {
	return newLogger(cfg, output(cfg))
}

// NewConsoleLogger creates a human readable logger for detached job
// processes, whose stdout ends up in the job's rotating log.
func NewConsoleLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	return newLogger(cfg, zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: "2006-01-02 15:04:05"})
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	ctx := zerolog.New(w).With().Timestamp()

	if cfg.ServiceName != "" {
		ctx = ctx.Str("service", cfg.ServiceName)
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		ctx = ctx.Str("host", host)
	}

	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}

func output(cfg *config.Config) io.Writer {
	if cfg.LogFile == "" {
		return os.Stdout
	}
	return &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    10, // megabytes
		MaxBackups: cfg.LogNumFilesToKeep,
		Compress:   true,
	}
}
