// Package logging provides the leveled logger used throughout gapdb.
//
// The interface has five levels (Error, Warn, Info, Debug, Fatal). Fatalf is
// the funnel for unrecoverable store corruption: it logs at FATAL and calls
// the installed FatalHandler. It never exits the process itself; the DB
// handler poisons the store so that every later call fails with an error
// wrapping ErrFatal, and the embedding program is expected to exit.
//
// Log format: YYYY/MM/DD HH:MM:SS LEVEL [component] message
//
// Example: 2026/10/18 09:12:44 WARN [freetree] discarding saved free tree: checksum mismatch
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

// ErrFatal is the sentinel wrapped by every unrecoverable condition.
// Use errors.Is(err, ErrFatal) to detect it.
var ErrFatal = errors.New("fatal error")

// FatalHandler is called when Fatalf is invoked.
//
// Contract: FatalHandler must not call Fatalf.
type FatalHandler func(msg string)

// Level represents the logging level.
type Level int

const (
	// LevelError logs only errors.
	LevelError Level = iota
	// LevelWarn logs warnings and errors.
	LevelWarn
	// LevelInfo logs info, warnings, and errors.
	LevelInfo
	// LevelDebug logs everything.
	LevelDebug
)

// String returns the string representation of the level.
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

// Logger is the logging interface accepted by gapdb.
// Implementations must be safe for concurrent use.
type Logger interface {
	Errorf(format string, args ...any)
	Warnf(format string, args ...any)
	Infof(format string, args ...any)
	Debugf(format string, args ...any)

	// Fatalf logs an unrecoverable condition and triggers the fatal handler.
	Fatalf(format string, args ...any)
}

// DefaultLogger writes to an io.Writer through the standard log package.
// Level is fixed at construction.
type DefaultLogger struct {
	logger       *log.Logger
	level        Level
	fatalHandler atomic.Pointer[FatalHandler]
}

// NewDefaultLogger creates a logger writing to stderr.
func NewDefaultLogger(level Level) *DefaultLogger {
	return NewLogger(os.Stderr, level)
}

// NewLogger creates a logger with the specified output and level.
func NewLogger(w io.Writer, level Level) *DefaultLogger {
	return &DefaultLogger{
		logger: log.New(w, "", log.LstdFlags),
		level:  level,
	}
}

// SetFatalHandler sets the handler called when Fatalf is invoked.
func (l *DefaultLogger) SetFatalHandler(h FatalHandler) {
	l.fatalHandler.Store(&h)
}

// Level returns the logging level.
func (l *DefaultLogger) Level() Level {
	return l.level
}

// Errorf logs a formatted error message.
func (l *DefaultLogger) Errorf(format string, args ...any) {
	l.output(LevelError, format, args...)
}

// Warnf logs a formatted warning message.
func (l *DefaultLogger) Warnf(format string, args ...any) {
	l.output(LevelWarn, format, args...)
}

// Infof logs a formatted informational message.
func (l *DefaultLogger) Infof(format string, args ...any) {
	l.output(LevelInfo, format, args...)
}

// Debugf logs a formatted debug message.
func (l *DefaultLogger) Debugf(format string, args ...any) {
	l.output(LevelDebug, format, args...)
}

// Fatalf logs at FATAL regardless of level and calls the fatal handler.
func (l *DefaultLogger) Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	_ = l.logger.Output(2, "FATAL "+msg)

	if h := l.fatalHandler.Load(); h != nil {
		(*h)(msg)
	}
}

func (l *DefaultLogger) output(level Level, format string, args ...any) {
	if l.level < level {
		return
	}
	_ = l.logger.Output(3, level.String()+" "+fmt.Sprintf(format, args...))
}

// Namespace prefixes for log messages.
const (
	// NSGFile is the namespace for data/index file operations.
	NSGFile = "[gfile] "
	// NSFreeTree is the namespace for the space allocator.
	NSFreeTree = "[freetree] "
	// NSRecovery is the namespace for index replay on open.
	NSRecovery = "[recovery] "
	// NSGDB is the namespace for client and database operations.
	NSGDB = "[gdb] "
	// NSView is the namespace for view lock/commit operations.
	NSView = "[view] "
	// NSFileLock is the namespace for the in-process file lock.
	NSFileLock = "[filelock] "
)

// IsNil returns true if the logger is nil or a typed-nil.
//
//	var l *MyLogger = nil
//	opts.Logger = l  // Interface is not nil, but underlying pointer is
func IsNil(l Logger) bool {
	if l == nil {
		return true
	}
	v := reflect.ValueOf(l)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

// OrDefault returns l if it is usable, otherwise a WARN-level stderr logger.
func OrDefault(l Logger) Logger {
	if IsNil(l) {
		return NewDefaultLogger(LevelWarn)
	}
	return l
}
