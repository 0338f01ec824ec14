package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestGCPSeverity(t *testing.T) {
	cases := []struct {
		level slog.Level
		want  string
	}{
		{slog.LevelDebug, "DEBUG"},
		{slog.LevelInfo, "INFO"},
		{slog.LevelWarn, "WARNING"},
		{slog.LevelError, "ERROR"},
		{slog.LevelError + 4, "ERROR"},
	}
	for _, c := range cases {
		if got := gcpSeverity(c.level); got != c.want {
			t.Errorf("gcpSeverity(%v) = %q, want %q", c.level, got, c.want)
		}
	}
}

func TestHandlerEmitsGCPFields(t *testing.T) {
	var buf bytes.Buffer
	h := &gcpHandler{writer: &buf, level: slog.LevelInfo}
	logger := slog.New(h)

	logger.Warn("something odd", "requestId", "42", "count", 7)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}

	if entry["severity"] != "WARNING" {
		t.Errorf("severity = %v, want WARNING", entry["severity"])
	}
	if entry["message"] != "something odd" {
		t.Errorf("message = %v", entry["message"])
	}
	if entry["requestId"] != "42" {
		t.Errorf("requestId = %v", entry["requestId"])
	}
	if entry["count"] != float64(7) {
		t.Errorf("count = %v", entry["count"])
	}
	if _, ok := entry["time"]; !ok {
		t.Error("time field missing")
	}
}

func TestHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	var h slog.Handler = &gcpHandler{writer: &buf, level: slog.LevelInfo}
	h = h.WithAttrs([]slog.Attr{slog.String("component", "listener")})
	h = h.WithGroup("req")

	logger := slog.New(h)
	logger.Info("handled", "id", "9")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}

	if entry["req.component"] != "listener" {
		t.Errorf("grouped attr = %v, want listener", entry["req.component"])
	}
	if entry["req.id"] != "9" {
		t.Errorf("req.id = %v, want 9", entry["req.id"])
	}
}

func TestHandlerLevelFilter(t *testing.T) {
	h := &gcpHandler{writer: &bytes.Buffer{}, level: slog.LevelInfo}
	if h.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug should be filtered at info level")
	}
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info should pass at info level")
	}
}
