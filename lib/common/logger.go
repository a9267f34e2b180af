package common

import (
	"fmt"
	"github.com/lni/dragonboat/v4/logger"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"
)

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// bKVLogger implements the ILogger interface with custom formatting.
// The level is stored atomically so SetLevel may race with logging goroutines.
type bKVLogger struct {
	name   string
	level  atomic.Int32
	logger *log.Logger
}

func (l *bKVLogger) SetLevel(level logger.LogLevel) {
	l.level.Store(int32(level))
}

func (l *bKVLogger) Debugf(format string, args ...interface{}) {
	if l.enabled(logger.DEBUG) {
		l.log("DEBUG", format, args...)
	}
}

func (l *bKVLogger) Infof(format string, args ...interface{}) {
	if l.enabled(logger.INFO) {
		l.log("INFO", format, args...)
	}
}

func (l *bKVLogger) Warningf(format string, args ...interface{}) {
	if l.enabled(logger.WARNING) {
		l.log("WARN", format, args...)
	}
}

func (l *bKVLogger) Errorf(format string, args ...interface{}) {
	if l.enabled(logger.ERROR) {
		l.log("ERROR", format, args...)
	}
}

func (l *bKVLogger) Panicf(format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	if l.enabled(logger.CRITICAL) {
		l.logger.Printf("%-5s | %-15s | %s", "PANIC", l.name, message)
	}
	panic(message)
}

func (l *bKVLogger) enabled(level logger.LogLevel) bool {
	return logger.LogLevel(l.level.Load()) >= level
}

// log formats and writes a log message. this internal helper is used by the public methods
func (l *bKVLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-15s | %s", levelStr, l.name, message)
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// NewLogger creates a standalone logger writing to stdout. The returned logger
// is not registered anywhere, every tree can own its own instance.
func NewLogger(name string, level logger.LogLevel) logger.ILogger {
	return NewLoggerTo(os.Stdout, name, level)
}

// NewLoggerTo is like NewLogger but writes to w.
func NewLoggerTo(w io.Writer, name string, level logger.LogLevel) logger.ILogger {
	l := &bKVLogger{
		name:   name,
		logger: log.New(w, "", log.Ldate|log.Ltime),
	}
	l.level.Store(int32(level))
	return l
}

// CreateLogger implements dragonboat's logger.Factory signature
func CreateLogger(pkgName string) logger.ILogger {
	return NewLogger(pkgName, logger.INFO)
}

// NopLogger returns a logger that discards all output (used by tests and
// the read-only diagnostic open).
func NopLogger() logger.ILogger {
	return NewLoggerTo(io.Discard, "nop", logger.CRITICAL)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return logger.INFO, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// InitLoggers installs the custom factory for command line use and configures
// the named loggers. Library code never depends on this, it receives its logger
// through options.
func InitLoggers(level string, names ...string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	logger.SetLoggerFactory(CreateLogger)

	for _, name := range names {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
