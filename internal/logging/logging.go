// Package logging configures the process-wide slog logger for the gridwork daemons.
//
// Debug levels follow the daemon convention:
//
//	1 = critical and warnings only
//	2 = normal (info)
//	3 = debug
//	4 = trace (every row touched)
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LevelCritical is used for data integrity errors that abandon a row.
const LevelCritical = slog.Level(12)

// LevelTrace is below debug and logs per-row detail.
const LevelTrace = slog.Level(-8)

// LevelForDebug maps a -d debug level to a slog level.
func LevelForDebug(debugLevel int) slog.Level {
	switch {
	case debugLevel <= 1:
		return slog.LevelWarn
	case debugLevel == 2:
		return slog.LevelInfo
	case debugLevel == 3:
		return slog.LevelDebug
	default:
		return LevelTrace
	}
}

// Setup installs the default logger and returns it.
func Setup(w io.Writer, debugLevel int, format string) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level: LevelForDebug(debugLevel),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok {
					a.Value = slog.StringValue(levelName(lvl))
				}
			}
			return a
		},
	}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger, nil
}

// Critical logs at LevelCritical.
func Critical(log *slog.Logger, msg string, args ...any) {
	log.Log(context.Background(), LevelCritical, msg, args...)
}

// Trace logs at LevelTrace.
func Trace(log *slog.Logger, msg string, args ...any) {
	log.Log(context.Background(), LevelTrace, msg, args...)
}

func levelName(l slog.Level) string {
	switch {
	case l >= LevelCritical:
		return "CRITICAL"
	case l <= LevelTrace:
		return "TRACE"
	default:
		return l.String()
	}
}
