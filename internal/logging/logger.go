package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation limits for LOG_FILE.
const (
	maxLogSizeMB  = 20
	maxLogBackups = 5
	maxLogAgeDays = 28
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses human-readable text.
// level overrides the environment's default level when set. A non-empty
// file sends output to a rotated log file instead of stdout; the
// returned closer releases it.
func NewLogger(env, level, file string) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env != "production" {
		opts.Level = slog.LevelDebug
	}

	if l, ok := ParseLevel(level); ok {
		opts.Level = l
	}

	var (
		out    io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)

	if file != "" {
		lj := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxLogSizeMB,
			MaxBackups: maxLogBackups,
			MaxAge:     maxLogAgeDays,
			Compress:   true,
		}
		out, closer = lj, lj
	}

	var handler slog.Handler

	if env == "production" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), closer
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}

	return 0, false
}
