package logger

import (
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  slog.Level
	}{
		{"debug", "debug", slog.LevelDebug},
		{"info", "info", slog.LevelInfo},
		{"warn", "warn", slog.LevelWarn},
		{"warning alias", "warning", slog.LevelWarn},
		{"error", "error", slog.LevelError},
		{"mixed case", "DeBuG", slog.LevelDebug},
		{"unknown falls back to warn", "banana", slog.LevelWarn},
		{"empty falls back to warn", "", slog.LevelWarn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLevel(tt.input)
			if err != nil {
				t.Fatalf("ParseLevel(%q) returned error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestGetLoggerInitializesDefault(t *testing.T) {
	defaultLogger = nil
	l := GetLogger()
	if l == nil {
		t.Fatal("GetLogger returned nil")
	}
	if GetLogger() != l {
		t.Error("GetLogger should return the same logger on repeat calls")
	}
}

func TestLevelColor(t *testing.T) {
	if levelColor(slog.LevelError) != "\033[31m" {
		t.Error("error level should be red")
	}
	if levelColor(slog.LevelWarn) != "\033[33m" {
		t.Error("warn level should be yellow")
	}
	if levelColor(slog.LevelInfo) != "\033[36m" {
		t.Error("info level should be cyan")
	}
	if levelColor(slog.LevelDebug) != "\033[90m" {
		t.Error("debug level should be gray")
	}
}
