// Package logging provides structured logging configuration using slog.
package logging

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds logging configuration.
type Config struct {
	LogFile        string // Path to log file (empty for stdout)
	MaxLogFileSize int    // Max file size in bytes before rotation
}

// gcpHandler emits Google Cloud Logging compatible JSON records.
type gcpHandler struct {
	writer io.Writer
	level  slog.Level
	attrs  []slog.Attr
	group  string
}

// gcpSeverity maps slog levels to Google Cloud Logging severity levels.
func gcpSeverity(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARNING"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

func (h *gcpHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *gcpHandler) Handle(_ context.Context, r slog.Record) error {
	entry := map[string]interface{}{
		"severity": gcpSeverity(r.Level),
		"message":  r.Message,
		"time":     r.Time.Format("2006-01-02T15:04:05.000Z07:00"),
	}

	for _, a := range h.attrs {
		entry[h.key(a.Key)] = a.Value.Resolve().Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		entry[h.key(a.Key)] = a.Value.Resolve().Any()
		return true
	})

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = h.writer.Write(data)
	return err
}

func (h *gcpHandler) key(k string) string {
	if h.group == "" {
		return k
	}
	return h.group + "." + k
}

func (h *gcpHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &nh
}

func (h *gcpHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	if h.group != "" {
		nh.group = h.group + "." + name
	} else {
		nh.group = name
	}
	return &nh
}

// Setup initializes the global slog logger based on the provided configuration.
// Returns a cleanup function to close the log file if one was opened.
func Setup(cfg Config) func() {
	var writer io.Writer = os.Stdout
	var cleanup func()

	if cfg.LogFile != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.MaxLogFileSize / (1024 * 1024), // lumberjack uses MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		writer = lj
		cleanup = func() {
			lj.Close()
		}
	}

	handler := &gcpHandler{
		writer: writer,
		level:  slog.LevelInfo,
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	if cleanup == nil {
		return func() {}
	}
	return cleanup
}
