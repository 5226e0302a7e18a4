// Package logging wires structured logging via log/slog, writing to a
// rotating file when configured and to stderr otherwise.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures Init.
type Options struct {
	FilePath   string // empty means log to stderr
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Level      slog.Level
}

// Init builds the process-wide default slog.Logger per Options and
// installs it via slog.SetDefault, returning it for callers that want to
// hold their own reference.
func Init(opts Options) *slog.Logger {
	var w io.Writer = os.Stderr
	if opts.FilePath != "" {
		w = &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    orDefault(opts.MaxSizeMB, 100),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		}
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: opts.Level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// ParseLevel maps a config string ("debug","info","warn","error") to a
// slog.Level, defaulting to Info for anything else.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
