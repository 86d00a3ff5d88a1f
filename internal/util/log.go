package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm prefixed printers.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// Logger is a component-scoped structured logger. Every line carries a
// "module" argument followed by the key/value pairs given at the call site.
type Logger struct {
	module string
}

// NewLogger returns a Logger tagged with the given module name.
func NewLogger(module string) Logger {
	return Logger{module: module}
}

func (l Logger) args(kv []any) []pterm.LoggerArgument {
	return pterm.DefaultLogger.Args(append([]any{"module", l.module}, kv...)...)
}

func (l Logger) Debug(msg string, kv ...any) { pterm.DefaultLogger.Debug(msg, l.args(kv)) }
func (l Logger) Info(msg string, kv ...any)  { pterm.DefaultLogger.Info(msg, l.args(kv)) }
func (l Logger) Warn(msg string, kv ...any)  { pterm.DefaultLogger.Warn(msg, l.args(kv)) }
func (l Logger) Error(msg string, kv ...any) { pterm.DefaultLogger.Error(msg, l.args(kv)) }
