package app

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the process-wide slog.Logger. JSON output is meant for the
// deployed services; the pretty text handler is for local runs.
func NewLogger(cfg *Config) *slog.Logger {
	level := slog.LevelInfo
	format := "pretty"
	if cfg != nil {
		level = parseLevel(cfg.LogLevel)
		format = cfg.LogFormat
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: true}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With(slog.String("service", "pharmaflow"))
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
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
