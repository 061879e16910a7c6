package observability

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

// NewLogger creates the process-wide slog.Logger: JSON on stdout with the
// given minimum level. Timestamps are pinned to UTC so log ordering stays
// stable when hosts report from different zones.
func NewLogger(level string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: utcTimestamps,
	})
	return slog.New(handler)
}

// parseLevel maps the configured level string onto a slog.Level,
// defaulting to info for anything unrecognized.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

func utcTimestamps(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey && len(groups) == 0 {
		a.Value = slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339Nano))
	}
	return a
}
