// Package plog is privleapd's logging setup: a package-level *slog.Logger
// with a handful of level-named helpers. Every record names the
// component that emitted it and a severity among INFO, WARNING, ERROR,
// CRITICAL.
package plog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelCritical sits above slog's built-in levels. A CRITICAL record
// always precedes a fatal os.Exit.
const LevelCritical = slog.LevelError + 4

var base *slog.Logger

// Init sets up the global logger. level is one of "debug", "info", "warn",
// "error" (case-insensitive); anything else defaults to "info".
func Init(level string, w io.Writer) {
	if w == nil {
		w = os.Stderr
	}

	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("time", a.Value.Time().Format("15:04:05"))
			}
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok {
					switch lvl {
					case LevelCritical:
						return slog.String(slog.LevelKey, "CRITICAL")
					case slog.LevelWarn:
						return slog.String(slog.LevelKey, "WARNING")
					}
				}
			}
			return a
		},
	})

	base = slog.New(handler)
	slog.SetDefault(base)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func logger() *slog.Logger {
	if base == nil {
		Init("info", os.Stderr)
	}
	return base
}

// Component returns a logger that tags every record with the given
// component name as a "component=..." attribute. The attribute follows the
// time, level and msg fields; it does not lead the line.
func Component(name string) *slog.Logger {
	return logger().With(slog.String("component", name))
}

// Critical logs at LevelCritical then exits the process with the given
// status code. Every startup-fatal path in the supervisor funnels through
// this so "CRITICAL precedes a fatal exit" always holds.
func Critical(l *slog.Logger, exitCode int, msg string, args ...any) {
	l.Log(context.Background(), LevelCritical, msg, args...)
	os.Exit(exitCode)
}
