package observability

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"ERROR", slog.LevelError},
		{" debug ", slog.LevelDebug},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestNewLoggerHonorsLevel(t *testing.T) {
	ctx := context.Background()

	logger := NewLogger("error")
	if logger.Enabled(ctx, slog.LevelWarn) {
		t.Error("error-level logger must not emit warnings")
	}
	if !logger.Enabled(ctx, slog.LevelError) {
		t.Error("error-level logger must emit errors")
	}

	logger = NewLogger("debug")
	if !logger.Enabled(ctx, slog.LevelDebug) {
		t.Error("debug-level logger must emit debug lines")
	}
}
