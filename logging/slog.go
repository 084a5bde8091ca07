// file: logging/slog.go
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// LogLevel represents the minimum severity a log entry needs to be emitted.
type LogLevel int

// Supported log levels, lowest to highest severity.
const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

// slogLevel maps a LogLevel to its slog equivalent.
func slogLevel(level LogLevel) slog.Level {
	switch level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// levelVar holds the current level so SetLevel works after InitLogging.
var levelVar = new(slog.LevelVar)

// InitLogging installs a JSON slog-backed logger writing to w as the
// process default. Passing nil for w writes to stderr.
func InitLogging(level LogLevel, w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	levelVar.Set(slogLevel(level))
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: levelVar})
	SetDefaultLogger(&slogLogger{logger: slog.New(handler)})
}

// SetLevel adjusts the minimum level of the logger installed by InitLogging.
func SetLevel(level LogLevel) {
	levelVar.Set(slogLevel(level))
}

// IsDebugEnabled reports whether debug-level entries are currently emitted.
func IsDebugEnabled() bool {
	return levelVar.Level() <= slog.LevelDebug
}

// slogLogger adapts *slog.Logger to the Logger interface.
type slogLogger struct {
	logger *slog.Logger
}

func (l *slogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *slogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *slogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *slogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

func (l *slogLogger) WithContext(_ context.Context) Logger { return l }

func (l *slogLogger) WithField(key string, value any) Logger {
	return &slogLogger{logger: l.logger.With(key, value)}
}
