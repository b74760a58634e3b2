// Package logger provides process-wide structured logging for mcprepl-proxy.
//
// It wraps a single slog.Logger behind an atomic pointer so that the rest of
// the codebase can call package-level functions (Info, Errorf, ...) without
// threading a logger through every constructor, while tests can swap the
// singleton out safely.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/stacklok/toolhive-core/env"
	"github.com/stacklok/toolhive-core/logging"
)

var singleton atomic.Pointer[slog.Logger]

func init() {
	singleton.Store(newDefault())
}

func newDefault() *slog.Logger {
	opts := []logging.Option{
		logging.WithOutput(os.Stderr),
		logging.WithLevel(slog.LevelInfo),
	}
	if unstructuredLogs() {
		opts = append(opts, logging.WithTextHandler())
	}
	return logging.New(opts...)
}

// unstructuredLogs reports whether UNSTRUCTURED_LOGS requests plain-text
// (as opposed to JSON) log output. Unset or unparsable values default to
// true, matching local/dev ergonomics over structured-by-default.
func unstructuredLogs() bool {
	return unstructuredLogsWithEnv(env.OSReader{})
}

func unstructuredLogsWithEnv(r env.Reader) bool {
	v := r.Getenv("UNSTRUCTURED_LOGS")
	if v == "" {
		return true
	}
	switch v {
	case "false", "0", "no":
		return false
	case "true", "1", "yes":
		return true
	default:
		return true
	}
}

// Initialize (re)configures the singleton logger from the environment. It is
// safe to call more than once; main calls it once at startup, before the
// command line is parsed. The level it sets is Info; SetLevel changes it at
// runtime.
func Initialize() {
	singleton.Store(newDefault())
}

// SetLevel updates the minimum level of the singleton logger at runtime,
// used by the `logging/setLevel` MCP method (RFC 5424 levels mapped onto
// slog's four levels).
func SetLevel(level slog.Level) {
	opts := []logging.Option{
		logging.WithOutput(os.Stderr),
		logging.WithLevel(level),
	}
	if unstructuredLogs() {
		opts = append(opts, logging.WithTextHandler())
	}
	singleton.Store(logging.New(opts...))
}

func get() *slog.Logger {
	return singleton.Load()
}

// Debug logs at debug level.
func Debug(msg string) { get().Debug(msg) }

// Debugf logs a formatted message at debug level.
func Debugf(format string, args ...any) { get().Debug(sprintf(format, args...)) }

// Debugw logs a message with structured key/value pairs at debug level.
func Debugw(msg string, kv ...any) { get().Debug(msg, kv...) }

// Info logs at info level.
func Info(msg string) { get().Info(msg) }

// Infof logs a formatted message at info level.
func Infof(format string, args ...any) { get().Info(sprintf(format, args...)) }

// Infow logs a message with structured key/value pairs at info level.
func Infow(msg string, kv ...any) { get().Info(msg, kv...) }

// Warn logs at warn level.
func Warn(msg string) { get().Warn(msg) }

// Warnf logs a formatted message at warn level.
func Warnf(format string, args ...any) { get().Warn(sprintf(format, args...)) }

// Warnw logs a message with structured key/value pairs at warn level.
func Warnw(msg string, kv ...any) { get().Warn(msg, kv...) }

// Error logs at error level.
func Error(msg string) { get().Error(msg) }

// Errorf logs a formatted message at error level.
func Errorf(format string, args ...any) { get().Error(sprintf(format, args...)) }

// Errorw logs a message with structured key/value pairs at error level.
func Errorw(msg string, kv ...any) { get().Error(msg, kv...) }

// DPanic logs at error level and then panics, in every build. Unlike zap's
// DPanic, it has no development-only mode: it always logs and always
// panics.
func DPanic(msg string) {
	get().Error(msg)
	panic(msg)
}

// DPanicf formats, logs at error level, and panics.
func DPanicf(format string, args ...any) {
	msg := sprintf(format, args...)
	get().Error(msg)
	panic(msg)
}

// DPanicw logs with key/value pairs at error level and panics.
func DPanicw(msg string, kv ...any) {
	get().Error(msg, kv...)
	panic(msg)
}

// Ctx returns the singleton logger bound to ctx, for call sites that want
// slog's context-aware handlers (e.g. OTel trace correlation).
func Ctx(_ context.Context) *slog.Logger {
	return get()
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
