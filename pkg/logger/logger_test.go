package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestSetupWriterJSON(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	SetupWriter(&buf, "warn", "json")
	slog.Info("hidden")
	WithComponent("persister").Warn("batch failed", "batch", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line above the warn level, got %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("expected json output: %v", err)
	}
	if entry["component"] != "persister" || entry["msg"] != "batch failed" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestFromContextAddsRunID(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	SetupWriter(&buf, "debug", "text")
	ctx := WithRunID(context.Background(), "run-42")
	if RunID(ctx) != "run-42" {
		t.Errorf("expected run-42, got %q", RunID(ctx))
	}
	FromContext(ctx).Debug("page fetched")
	if !strings.Contains(buf.String(), "run_id=run-42") {
		t.Errorf("expected the run id in %q", buf.String())
	}

	buf.Reset()
	FromContext(context.Background()).Info("idle")
	if strings.Contains(buf.String(), "run_id") {
		t.Errorf("expected no run id in %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"info":  slog.LevelInfo,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v; want %v", in, got, want)
		}
	}
}
