package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewJSON(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := New(&buf, "info", FormatJSON, false)
	log.Debug("hidden")
	log.Info("release added", "version", "1.0", "branch", "stable")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if rec["msg"] != "release added" || rec["version"] != "1.0" || rec["branch"] != "stable" {
		t.Errorf("record = %v", rec)
	}
}

func TestNewTextNoColor(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := New(&buf, "warn", FormatText, false)
	log.Info("hidden")
	log.Warn("ignoring branch", "branch", "foo/bar")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line should be filtered: %q", out)
	}
	if !strings.Contains(out, "ignoring branch") || !strings.Contains(out, "branch=foo/bar") {
		t.Errorf("output = %q", out)
	}
	if strings.Contains(out, "\033[") {
		t.Errorf("unexpected escape codes: %q", out)
	}
}
