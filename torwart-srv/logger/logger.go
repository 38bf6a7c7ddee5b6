package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// LogLevel represents the severity of a log message.
type LogLevel int32

const (
	TRACE LogLevel = iota
	DEBUG
	// INFO is the default level for operational messages
	INFO
	WARN
	ERROR
	// FATAL logs and terminates the process
	FATAL
)

var levelNames = map[LogLevel]string{
	TRACE: "TRACE",
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
	FATAL: "FATAL",
}

var (
	currentLevel atomic.Int32
	stdLogger    = log.New(os.Stdout, "", log.LstdFlags)
)

func init() {
	currentLevel.Store(int32(INFO))
}

// SetLevel sets the current logging level.
func SetLevel(level LogLevel) {
	currentLevel.Store(int32(level))
}

// GetLevel returns the current logging level.
func GetLevel() LogLevel {
	return LogLevel(currentLevel.Load())
}

// SetOutput redirects log output, mainly useful in tests.
func SetOutput(w io.Writer) {
	stdLogger.SetOutput(w)
}

// IsLevelEnabled reports whether messages at the given level are emitted.
func IsLevelEnabled(level LogLevel) bool {
	return level >= LogLevel(currentLevel.Load())
}

// GetLevelFromString converts a string level to LogLevel, defaulting to INFO.
func GetLevelFromString(level string) LogLevel {
	for l, name := range levelNames {
		if strings.EqualFold(level, name) {
			return l
		}
	}
	return INFO
}

func levelToString(level LogLevel) string {
	if name, ok := levelNames[level]; ok {
		return name
	}
	return "UNKNOWN"
}

func logMessage(level LogLevel, format string, v ...any) {
	if !IsLevelEnabled(level) {
		return
	}
	stdLogger.Printf("[%s] %s", levelToString(level), fmt.Sprintf(format, v...))
}

// Trace logs a trace message.
// Arguments are handled in the manner of [fmt.Printf].
func Trace(format string, v ...any) {
	logMessage(TRACE, format, v...)
}

// Debug logs a debug message.
// Arguments are handled in the manner of [fmt.Printf].
func Debug(format string, v ...any) {
	logMessage(DEBUG, format, v...)
}

// Info logs an informational message.
// Arguments are handled in the manner of [fmt.Printf].
func Info(format string, v ...any) {
	logMessage(INFO, format, v...)
}

// Warn logs a warning message.
// Arguments are handled in the manner of [fmt.Printf].
func Warn(format string, v ...any) {
	logMessage(WARN, format, v...)
}

// Error logs an error message.
// Arguments are handled in the manner of [fmt.Printf].
func Error(format string, v ...any) {
	logMessage(ERROR, format, v...)
}

// Fatal logs a fatal message and exits.
// Arguments are handled in the manner of [fmt.Printf].
func Fatal(format string, v ...any) {
	logMessage(FATAL, format, v...)
	os.Exit(1)
}
