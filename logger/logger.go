// Package logger provides the leveled logging used across kalloc.
package logger

import (
	"sync/atomic"

	"github.com/golang/glog"
)

// LogLevel represents the logging level
type LogLevel int32

const (
	// LogLevelNone disables all logging
	LogLevelNone LogLevel = iota

	// LogLevelFatal enables fatal logging
	LogLevelFatal

	// LogLevelError enables error logging
	LogLevelError
	// LogLevelWarning enables warning and error logging
	LogLevelWarning
	// LogLevelInfo enables info, warning and error logging
	LogLevelInfo
	// LogLevelDebug enables all logging
	LogLevelDebug
)

// debugVerbosity is the glog -v level debug lines are emitted at.
const debugVerbosity = 2

var currentLogLevel atomic.Int32

func init() {
	currentLogLevel.Store(int32(LogLevelInfo))
}

// SetLevel changes the current log level.
func SetLevel(l LogLevel) {
	currentLogLevel.Store(int32(l))
}

// Level returns the current log level.
func Level() LogLevel {
	return LogLevel(currentLogLevel.Load())
}

// Enabled reports whether messages at level l are emitted. Callers on hot
// paths check it before building arguments.
func Enabled(l LogLevel) bool {
	if l == LogLevelDebug {
		return Level() >= LogLevelDebug && bool(glog.V(debugVerbosity))
	}
	return Level() >= l
}

// Debug logs debug information
func Debug(format string, v ...interface{}) {
	if Level() >= LogLevelDebug {
		glog.V(debugVerbosity).InfoDepthf(1, format, v...)
	}
}

// Info logs info information
func Info(format string, v ...interface{}) {
	if Level() >= LogLevelInfo {
		glog.InfoDepthf(1, format, v...)
	}
}

// Warning logs warning information
func Warning(format string, v ...interface{}) {
	if Level() >= LogLevelWarning {
		glog.WarningDepthf(1, format, v...)
	}
}

// Error logs error information
func Error(format string, v ...interface{}) {
	if Level() >= LogLevelError {
		glog.ErrorDepthf(1, format, v...)
	}
}

// Fatal logs fatal information and exits. It exits even when fatal logging
// is disabled.
func Fatal(format string, v ...interface{}) {
	glog.FatalDepthf(1, format, v...)
}

// Flush flushes pending log output.
func Flush() {
	glog.Flush()
}
