package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the process logger from the logging section. The
// returned closer releases a log file when Output names one.
func NewLogger(cfg LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	format := strings.ToLower(cfg.Format)
	if format != "" && format != "text" && format != "json" {
		return nil, nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}

	var (
		out    io.Writer
		closer io.Closer = io.NopCloser(nil)
	)
	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(out, opts)
	if format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	}

	return slog.New(handler), closer, nil
}
