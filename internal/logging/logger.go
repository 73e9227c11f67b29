// Package logging provides the logging interface and default
// implementation used across the range server.
//
// Design: five-level interface (Error, Warn, Info, Debug, Fatal),
// adapted from the teacher's logging package. Users can wrap their own
// structured loggers if needed.
//
// Fatalf behavior: logs at FATAL level and calls the configured
// FatalHandler. The default FatalHandler is a no-op, and nothing in this
// module installs another one. Fatalf never calls os.Exit, so the FATAL
// error class in spec.md §7 (a metadata-journal write failure after
// retries, a DFS directory create failure during split) is logged and
// the failing call returns an error; the process keeps running.
//
// Log format: YYYY/MM/DD HH:MM:SS LEVEL [component] message
//
// Component namespace prefixes:
//   - [split]       — split phases
//   - [compact]      — minor/major compaction
//   - [wal]          — commit log / transfer log
//   - [metalog]      — RangeMetaLog writes
//   - [recovery]      — recovery_finalize
//   - [maintenance]   — MaintenanceScheduler
package logging

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
	"sync/atomic"
)

// ErrFatal is the sentinel error wrapped by fatal conditions. Use
// errors.Is(err, ErrFatal) to detect fatal errors in returned errors.
var ErrFatal = errors.New("fatal error")

// FatalHandler is called when Fatalf is invoked. The handler receives the
// formatted fatal message and should transition the caller to a stopped
// state.
//
// Contract: FatalHandler must be safe for concurrent use and must not
// call Fatalf itself.
type FatalHandler func(msg string)

// Level represents the logging level.
type Level int

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

// Logger defines the interface used throughout the engine.
//
// User-provided implementations must be safe for concurrent use: logging
// may occur from the write path, scan path, and maintenance goroutines
// simultaneously.
type Logger interface {
	Errorf(format string, args ...any)
	Warnf(format string, args ...any)
	Infof(format string, args ...any)
	Debugf(format string, args ...any)
	Fatalf(format string, args ...any)
}

// DefaultLogger is the default logger, stateless aside from its fatal
// handler and safe for concurrent use.
type DefaultLogger struct {
	logger       *log.Logger
	level        Level
	fatalHandler atomic.Pointer[FatalHandler]
}

// NewDefaultLogger returns a logger writing to stderr at the given level.
func NewDefaultLogger(level Level) *DefaultLogger {
	return &DefaultLogger{logger: log.New(os.Stderr, "", log.LstdFlags), level: level}
}

// NewLogger returns a logger writing to w at the given level.
func NewLogger(w io.Writer, level Level) *DefaultLogger {
	return &DefaultLogger{logger: log.New(w, "", log.LstdFlags), level: level}
}

// SetFatalHandler sets the handler invoked by Fatalf.
func (l *DefaultLogger) SetFatalHandler(h FatalHandler) { l.fatalHandler.Store(&h) }

// Level returns the logger's configured level.
func (l *DefaultLogger) Level() Level { return l.level }

func (l *DefaultLogger) Errorf(format string, args ...any) {
	if l.level >= LevelError {
		_ = l.logger.Output(2, "ERROR "+fmt.Sprintf(format, args...))
	}
}

func (l *DefaultLogger) Warnf(format string, args ...any) {
	if l.level >= LevelWarn {
		_ = l.logger.Output(2, "WARN "+fmt.Sprintf(format, args...))
	}
}

func (l *DefaultLogger) Infof(format string, args ...any) {
	if l.level >= LevelInfo {
		_ = l.logger.Output(2, "INFO "+fmt.Sprintf(format, args...))
	}
}

func (l *DefaultLogger) Debugf(format string, args ...any) {
	if l.level >= LevelDebug {
		_ = l.logger.Output(2, "DEBUG "+fmt.Sprintf(format, args...))
	}
}

// Fatalf logs unconditionally at FATAL and calls the configured
// FatalHandler, if any. It does not call os.Exit.
func (l *DefaultLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	_ = l.logger.Output(2, "FATAL "+msg)
	if h := l.fatalHandler.Load(); h != nil {
		(*h)(msg)
	}
}

// Namespace prefixes, matched against the component list in the package
// doc comment above.
const (
	NSSplit       = "[split] "
	NSCompact     = "[compact] "
	NSWAL         = "[wal] "
	NSMetaLog     = "[metalog] "
	NSRecovery    = "[recovery] "
	NSMaintenance = "[maintenance] "
)

// IsNil reports whether l is nil or a typed-nil interface value.
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// OrDefault returns l if valid, otherwise a default WARN-level logger.
func OrDefault(l Logger) Logger {
	if IsNil(l) {
		return NewDefaultLogger(LevelWarn)
	}
	return l
}
