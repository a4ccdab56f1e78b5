package main

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/2389/coven-cluster/internal/cluster"
	"github.com/2389/coven-cluster/internal/config"
)

func init() {
	color.NoColor = true
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestColorHandler_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)

	logger.Debug("d")
	logger.Info("i")
	logger.Warn("w")
	logger.Error("e")
	logger.Log(context.Background(), cluster.LevelFatal, "f")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want 5:\n%s", len(lines), buf.String())
	}
	for i, tag := range []string{"DBG d", "INF i", "WRN w", "ERR e", "FTL f"} {
		if !strings.Contains(lines[i], tag) {
			t.Errorf("line %d = %q, want it to contain %q", i, lines[i], tag)
		}
	}
}

func TestColorHandler_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "text"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("info record written at warn level: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("warn record missing: %q", buf.String())
	}
}

func TestColorHandler_AttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "text"}, &buf)

	logger.With("worker_id", 3).WithGroup("exit").Info("worker died", "code", 7, slog.Group("sig", "name", "SIGKILL"))

	out := buf.String()
	for _, want := range []string{" worker_id=3", " exit.code=7", " exit.sig.name=SIGKILL"} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestSetupLogger_JSONFatal(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info", Format: "json"}, &buf)

	logger.Log(context.Background(), cluster.LevelFatal, "worker died", "worker_id", 2)
	logger.Error("plain error")

	out := buf.String()
	if !strings.Contains(out, `"level":"FATAL"`) {
		t.Errorf("fatal record not labelled FATAL: %s", out)
	}
	if !strings.Contains(out, `"level":"ERROR"`) {
		t.Errorf("error record not labelled ERROR: %s", out)
	}
	if !strings.Contains(out, `"worker_id":2`) {
		t.Errorf("attr missing: %s", out)
	}
}
