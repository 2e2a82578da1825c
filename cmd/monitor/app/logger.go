package app

import (
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger returns a JSON logger writing to the rotated settings.LogFile,
// or fallback when no log file is configured. The returned function closes
// the log file.
func NewLogger(settings Settings, level slog.Leveler, fallback *slog.Logger) (*slog.Logger, func() error) {
	if settings.LogFile == "" {
		return fallback, func() error { return nil }
	}

	w := &lumberjack.Logger{
		Filename:   settings.LogFile,
		MaxSize:    64, // MB
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   true,
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), w.Close
}
