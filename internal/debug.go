package internal

import (
	"context"
	"log/slog"
)

// LevelTrace is a logging level below [slog.LevelDebug] reserved for the
// high-frequency per-segment/per-timer traces the NACK and CC engines emit.
const LevelTrace slog.Level = slog.LevelDebug - 2

// Logger is a small embeddable logging helper shared by every stateful type
// in this module. The zero value is a valid, silent logger.
type Logger struct {
	Log *slog.Logger
}

func (l Logger) Error(msg string, args ...any) { l.log(slog.LevelError, msg, args...) }
func (l Logger) Warn(msg string, args ...any)  { l.log(slog.LevelWarn, msg, args...) }
func (l Logger) Info(msg string, args ...any)  { l.log(slog.LevelInfo, msg, args...) }
func (l Logger) Debug(msg string, args ...any) { l.log(slog.LevelDebug, msg, args...) }
func (l Logger) Trace(msg string, args ...any) { l.log(LevelTrace, msg, args...) }

func (l Logger) log(level slog.Level, msg string, args ...any) {
	if l.Log != nil {
		l.Log.Log(context.Background(), level, msg, args...)
	}
}
