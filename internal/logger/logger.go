package logger

import (
	"io"
	"log/slog"
	"os"

	"policy-adjudicator/internal/config"
)

var Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))

// InitLogger initializes structured logging based on configuration
func InitLogger(cfg *config.Config) {
	Init(cfg.GinMode, os.Stdout)
}

// Init installs a JSON logger writing to w. Debug mode lowers the level and
// adds source locations.
func Init(mode string, w io.Writer) {
	level := slog.LevelInfo
	if mode == "debug" {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: mode == "debug",
	})
	Logger = slog.New(handler).With("service", "policy-adjudicator")
	slog.SetDefault(Logger)

	Logger.Debug("Structured logging initialized", "level", level.String())
}

// With returns a child logger carrying the given attributes.
func With(args ...any) *slog.Logger {
	return Logger.With(args...)
}

func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

func Error(msg string, args ...any) {
	Logger.Error(msg, args...)
}

func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

func Warn(msg string, args ...any) {
	Logger.Warn(msg, args...)
}
