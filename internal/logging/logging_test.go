package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNew_DefaultLevel(t *testing.T) {
	logger := New("", "text")
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug level to be disabled by default")
	}
	if !logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be enabled by default")
	}
}

func TestNew_DebugLevel(t *testing.T) {
	logger := New("debug", "text")
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug level to be enabled")
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")
	logger.Info("state changed", "new", "idle")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"new":"idle"`) {
		t.Errorf("unexpected JSON output: %s", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	if Discard().Enabled(context.Background(), slog.LevelError) {
		t.Error("Discard logger should drop errors")
	}
}

func TestSessionIDContext(t *testing.T) {
	ctx := context.Background()
	if id := SessionID(ctx); id != "" {
		t.Errorf("Expected empty session ID, got %q", id)
	}
	ctx = WithSessionID(ctx, "sess-1")
	if id := SessionID(ctx); id != "sess-1" {
		t.Errorf("Expected sess-1, got %q", id)
	}
}

func TestL_AddsSessionID(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "text"))
	ctx = WithSessionID(ctx, "sess-2")
	L(ctx).Info("bill stacked")
	if !strings.Contains(buf.String(), "session_id=sess-2") {
		t.Errorf("expected session_id in output: %s", buf.String())
	}
}

func TestFromContext_Default(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("Expected default logger")
	}
}
