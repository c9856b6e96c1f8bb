package config

import (
	"log/slog"
	"os"
	"strings"
)

var (
	logLevel = new(slog.LevelVar)
	Logger   = newLogger()
)

func newLogger() *slog.Logger {
	logLevel.Set(ParseLogLevel(os.Getenv("LOG_LEVEL")))
	h := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	return slog.New(h)
}

func ParseLogLevel(raw string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
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

// SetLogLevel changes the level of Logger at runtime.
func SetLogLevel(raw string) {
	if strings.TrimSpace(raw) == "" {
		return
	}
	logLevel.Set(ParseLogLevel(raw))
}
