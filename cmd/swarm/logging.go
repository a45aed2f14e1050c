package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/dileet/ecco-sub003/pkg/config"
)

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger builds the process logger and installs it as the slog default.
func newLogger(cfg config.LogConfig, w io.Writer, nodeID string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(h).With("node", nodeID)
	slog.SetDefault(logger)
	return logger
}
