package logger

import (
	"bytes"
	"fmt"
	"strings"
	"testing"
)

// captureOutput captures log output during test execution
func captureOutput(f func()) string {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(stdLogger.Writer())
	f()
	return buf.String()
}

func TestSetLevel(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	for _, level := range []LogLevel{TRACE, DEBUG, INFO, WARN, ERROR, FATAL} {
		SetLevel(level)
		if GetLevel() != level {
			t.Errorf("SetLevel() = %v, want %v", GetLevel(), level)
		}
	}
}

func TestGetLevelFromString(t *testing.T) {
	tests := []struct {
		name          string
		levelStr      string
		expectedLevel LogLevel
	}{
		{"trace level", "TRACE", TRACE},
		{"debug level", "DEBUG", DEBUG},
		{"info level", "INFO", INFO},
		{"warn level", "WARN", WARN},
		{"error level", "ERROR", ERROR},
		{"fatal level", "FATAL", FATAL},
		{"lowercase debug", "debug", DEBUG},
		{"mixed case warn", "WaRn", WARN},
		{"unknown level", "VERBOSE", INFO},
		{"empty string", "", INFO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetLevelFromString(tt.levelStr); got != tt.expectedLevel {
				t.Errorf("GetLevelFromString(%q) = %v, want %v", tt.levelStr, got, tt.expectedLevel)
			}
		})
	}
}

func TestLevelToString(t *testing.T) {
	if got := levelToString(DEBUG); got != "DEBUG" {
		t.Errorf("levelToString(DEBUG) = %q", got)
	}
	if got := levelToString(LogLevel(99)); got != "UNKNOWN" {
		t.Errorf("levelToString(99) = %q, want UNKNOWN", got)
	}
}

func TestLogLevelFiltering(t *testing.T) {
	tests := []struct {
		name            string
		currentLevel    LogLevel
		logLevel        LogLevel
		shouldBePrinted bool
	}{
		{"debug with debug level", DEBUG, DEBUG, true},
		{"info with debug level", DEBUG, INFO, true},
		{"debug with info level", INFO, DEBUG, false},
		{"warn with info level", INFO, WARN, true},
		{"info with warn level", WARN, INFO, false},
		{"error with warn level", WARN, ERROR, true},
		{"warn with error level", ERROR, WARN, false},
		{"error with error level", ERROR, ERROR, true},
	}

	originalLevel := GetLevel()
	defer SetLevel(originalLevel)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLevel(tt.currentLevel)

			output := captureOutput(func() {
				switch tt.logLevel {
				case DEBUG:
					Debug("test message")
				case INFO:
					Info("test message")
				case WARN:
					Warn("test message")
				case ERROR:
					Error("test message")
				}
			})

			if tt.shouldBePrinted && output == "" {
				t.Errorf("Expected log output but got none for level %s with current level %s",
					levelToString(tt.logLevel), levelToString(tt.currentLevel))
			}
			if !tt.shouldBePrinted && output != "" {
				t.Errorf("Expected no log output but got %q for level %s with current level %s",
					output, levelToString(tt.logLevel), levelToString(tt.currentLevel))
			}
		})
	}
}

func TestLogFormatting(t *testing.T) {
	originalLevel := GetLevel()
	defer SetLevel(originalLevel)
	SetLevel(DEBUG)

	tests := []struct {
		name    string
		logFunc func(string, ...any)
		level   string
		format  string
		args    []any
	}{
		{"debug with no args", Debug, "DEBUG", "simple message", nil},
		{"info with string arg", Info, "INFO", "message with %s", []any{"argument"}},
		{"warn with multiple args", Warn, "WARN", "message with %s and %d", []any{"string", 42}},
		{"error with complex args", Error, "ERROR", "error: %v, code: %d", []any{fmt.Errorf("test error"), 502}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			output := captureOutput(func() {
				tt.logFunc(tt.format, tt.args...)
			})

			if !strings.Contains(output, "["+tt.level+"]") {
				t.Errorf("Output does not contain expected level. Got: %s, Want to contain: %s", output, tt.level)
			}
			expectedContent := fmt.Sprintf(tt.format, tt.args...)
			if !strings.Contains(output, expectedContent) {
				t.Errorf("Output does not contain expected content. Got: %s, Want to contain: %s", output, expectedContent)
			}
		})
	}
}
