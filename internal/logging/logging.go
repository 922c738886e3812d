// Package logging builds the process slog logger from telemetry config.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/loqalabs/loqa-tts/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New returns a logger writing to stdout and, when cfg.LogFile is set, to a
// size-rotated file. The returned closer releases the file and is never nil.
func New(cfg config.TelemetryConfig) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	var (
		out    io.Writer = os.Stdout
		closer io.Closer = nopCloser{}
	)
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		maxSize := cfg.LogMaxSizeMB
		if maxSize <= 0 {
			maxSize = 64
		}
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    maxSize,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, file)
		closer = file
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.LogFormat, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler), closer, nil
}

// ParseLevel maps a config level name onto a slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", name)
	}
}

// Discard returns a logger that drops everything below error level.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
