package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("messages below the level were logged: %s", out)
	}
	if !strings.Contains(out, "warn message") || !strings.Contains(out, "error message") {
		t.Errorf("messages at or above the level were dropped: %s", out)
	}
}

func TestKeyValueArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Info("queue created", "index", 2, "size", 256)

	out := buf.String()
	if !strings.Contains(out, "index=2") || !strings.Contains(out, "size=256") {
		t.Errorf("key-value args missing from output: %s", out)
	}
	if !strings.Contains(out, "[INFO]") {
		t.Errorf("level prefix missing from output: %s", out)
	}
}

func TestPrintfStyle(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Debugf("capacity %d of %d", 3, 8)
	if !strings.Contains(buf.String(), "capacity 3 of 8") {
		t.Errorf("formatted message missing: %s", buf.String())
	}
}

func TestNewLoggerDefaults(t *testing.T) {
	if NewLogger(nil) == nil {
		t.Fatal("NewLogger(nil) returned nil")
	}
	if Default() == nil {
		t.Fatal("Default() returned nil")
	}
}

func TestSetDefault(t *testing.T) {
	var buf bytes.Buffer
	old := Default()
	defer SetDefault(old)

	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))
	Default().Info("through default")
	if !strings.Contains(buf.String(), "through default") {
		t.Errorf("default logger did not receive message: %s", buf.String())
	}
}
