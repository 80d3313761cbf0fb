package logging

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
)

func TestLogLevelString(t *testing.T) {
	cases := map[LogLevel]string{
		LevelDebug:   "DEBUG",
		LevelInfo:    "INFO",
		LevelWarn:    "WARN",
		LevelError:   "ERROR",
		LogLevel(42): "UNKNOWN",
		LogLevel(-1): "UNKNOWN",
	}
	for level, want := range cases {
		if got := level.String(); got != want {
			t.Errorf("LogLevel(%d).String() = %q, want %q", level, got, want)
		}
	}
}

func TestInitFiltersByLevel(t *testing.T) {
	defer Init(LevelInfo, os.Stderr)

	var buf bytes.Buffer
	Init(LevelWarn, &buf)

	Debug("Test", "debug message")
	Info("Test", "info message")
	Warn("Test", "warn message %d", 1)
	Error("Test", errors.New("boom"), "error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("messages below the filter level leaked through: %q", out)
	}
	if !strings.Contains(out, "warn message 1") {
		t.Errorf("expected formatted warn message in output, got: %q", out)
	}
	if !strings.Contains(out, "error message") || !strings.Contains(out, "boom") {
		t.Errorf("expected error message with attached error, got: %q", out)
	}
	if !strings.Contains(out, "subsystem=Test") {
		t.Errorf("expected subsystem attribute, got: %q", out)
	}
}

func TestLoggingBeforeInitDoesNotPanic(t *testing.T) {
	saved := defaultLogger
	defaultLogger = nil
	defer func() { defaultLogger = saved }()

	// Must fall back to stderr instead of panicking.
	Info("Test", "early message")
}
