package utils

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func newTestLogger(t *testing.T, level LogLevel, format LogFormat) (*StructuredLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := NewStructuredLogger(&StructuredLoggerConfig{
		Level:  level,
		Output: &buf,
		Format: format,
	})
	return logger, &buf
}

func TestNewStructuredLogger(t *testing.T) {
	logger, _ := newTestLogger(t, DEBUG, FormatText)
	if logger.GetLevel() != DEBUG {
		t.Errorf("Expected DEBUG level, got %v", logger.GetLevel())
	}

	// nil config falls back to defaults
	if NewStructuredLogger(nil).GetLevel() != INFO {
		t.Error("nil config should yield INFO level")
	}
}

func TestLogLevels(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("Debug message was logged when level is INFO")
	}

	for _, tc := range []struct {
		log func(string, ...map[string]interface{})
		msg string
	}{
		{logger.Info, "info message"},
		{logger.Warn, "warn message"},
		{logger.Error, "error message"},
	} {
		buf.Reset()
		tc.log(tc.msg)
		if !strings.Contains(buf.String(), tc.msg) {
			t.Errorf("%q not found in output", tc.msg)
		}
	}
}

func TestStructuredFields(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	logger.Info("bo allocated", map[string]interface{}{
		"handle": 7,
		"size":   4096,
		"flags":  "GPU_READONLY",
	})

	output := buf.String()
	for _, want := range []string{"handle=7", "size=4096", "flags=GPU_READONLY"} {
		if !strings.Contains(output, want) {
			t.Errorf("%q not found in output: %s", want, output)
		}
	}

	// fields are sorted
	if strings.Index(output, "flags=") > strings.Index(output, "size=") {
		t.Errorf("fields are not sorted: %s", output)
	}
}

func TestWithField(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	logger.WithField("backend", "msm").Info("backend selected")

	output := buf.String()
	if !strings.Contains(output, "backend=msm") {
		t.Error("backend context field not found in output")
	}
	if !strings.Contains(output, "backend selected") {
		t.Error("Message not found in output")
	}

	// parent is unchanged
	buf.Reset()
	logger.Info("plain")
	if strings.Contains(buf.String(), "backend=") {
		t.Error("WithField leaked into parent logger")
	}
}

func TestWithFields(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	logger.WithFields(map[string]interface{}{
		"fd":    3,
		"major": 1,
	}).Info("device opened")

	output := buf.String()
	if !strings.Contains(output, "fd=3") || !strings.Contains(output, "major=1") {
		t.Errorf("context fields not found in output: %s", output)
	}
}

func TestWithComponent(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	logger.WithComponent("cache").Info("cache initialized")

	if !strings.Contains(buf.String(), "component=cache") {
		t.Error("component field not found in output")
	}
}

func TestJSONFormat(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatJSON)

	logger.Info("Test message", map[string]interface{}{
		"count": 42,
		"name":  "test",
	})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse JSON output: %v", err)
	}
	if entry.Level != "INFO" {
		t.Errorf("Expected level INFO, got %s", entry.Level)
	}
	if entry.Message != "Test message" {
		t.Errorf("Expected message 'Test message', got %s", entry.Message)
	}
	if entry.Fields["count"] != float64(42) {
		t.Errorf("Expected count 42, got %v", entry.Fields["count"])
	}
	if entry.Fields["name"] != "test" {
		t.Errorf("Expected name 'test', got %v", entry.Fields["name"])
	}
}

func TestComponentLevels(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	logger.SetComponentLevel("heap", DEBUG)
	heapLogger := logger.WithComponent("heap")
	cacheLogger := logger.WithComponent("cache")

	heapLogger.Debug("heap debug message")
	if buf.Len() == 0 {
		t.Error("heap debug message was not logged despite component level being DEBUG")
	}

	buf.Reset()
	cacheLogger.Debug("cache debug message")
	if buf.Len() > 0 {
		t.Error("cache debug message was logged when global level is INFO")
	}

	buf.Reset()
	heapLogger.Info("heap info")
	cacheLogger.Info("cache info")
	output := buf.String()
	if !strings.Contains(output, "heap info") || !strings.Contains(output, "cache info") {
		t.Errorf("info messages missing: %s", output)
	}
}

func TestCaller(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(&StructuredLoggerConfig{
		Level:         INFO,
		Output:        &buf,
		Format:        FormatText,
		IncludeCaller: true,
	})

	logger.Info("Test caller")

	if !strings.Contains(buf.String(), "structured_logger_test.go:") {
		t.Errorf("Caller information not found in output: %s", buf.String())
	}
}

func TestStack(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(&StructuredLoggerConfig{
		Level:        INFO,
		Output:       &buf,
		IncludeStack: true,
	})

	logger.Warn("no stack")
	if strings.Contains(buf.String(), "Stack trace:") {
		t.Error("stack attached below ERROR")
	}

	buf.Reset()
	logger.Error("with stack")
	if !strings.Contains(buf.String(), "Stack trace:") {
		t.Error("stack missing on ERROR")
	}
}

func TestSetLevelSharedWithChildren(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)
	child := logger.WithComponent("device")

	child.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("Debug message logged at INFO level")
	}

	logger.SetLevel(DEBUG)
	if logger.GetLevel() != DEBUG {
		t.Errorf("Expected DEBUG level, got %v", logger.GetLevel())
	}

	child.Debug("debug message")
	if buf.Len() == 0 {
		t.Error("child did not observe the parent level change")
	}
}

func TestTrace(t *testing.T) {
	logger, buf := newTestLogger(t, TRACE, FormatText)

	logger.Trace("trace message")
	output := buf.String()
	if !strings.Contains(output, "[TRACE]") || !strings.Contains(output, "trace message") {
		t.Errorf("trace output incorrect: %s", output)
	}
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	if logger.IsEnabled(ERROR) {
		t.Error("nop logger should have every level disabled")
	}
	logger.Error("discarded")
}

func TestConcurrentLogging(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.WithField("worker", n).Info("line")
		}(i)
	}
	wg.Wait()

	if got := strings.Count(buf.String(), "\n"); got != 8 {
		t.Errorf("expected 8 lines, got %d", got)
	}
}

func TestParseLogFormat(t *testing.T) {
	for input, want := range map[string]LogFormat{"": FormatText, "text": FormatText, "JSON": FormatJSON} {
		got, err := ParseLogFormat(input)
		if err != nil || got != want {
			t.Errorf("ParseLogFormat(%q) = %v, %v", input, got, err)
		}
	}
	if _, err := ParseLogFormat("xml"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultStructuredLoggerConfig()

	if config.Level != INFO {
		t.Errorf("Expected default level INFO, got %v", config.Level)
	}
	if config.Format != FormatText {
		t.Errorf("Expected default format FormatText, got %v", config.Format)
	}
	if config.IncludeStack {
		t.Error("Expected IncludeStack to be false")
	}
}
