package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel parses a level string (case-insensitive).
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is a leveled structured logger backed by zap.
type Logger struct {
	mu     sync.RWMutex
	level  zap.AtomicLevel
	format string
	base   *zap.Logger
	sugar  *zap.SugaredLogger
}

// New builds a logger writing to w. format is "json" or "console".
func New(level Level, format string, w io.Writer) *Logger {
	l := &Logger{
		level:  zap.NewAtomicLevelAt(level.zapLevel()),
		format: format,
	}
	l.build(w)
	return l
}

func (l *Logger) build(w io.Writer) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if l.format == "console" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	base := zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), l.level), zap.AddCaller(), zap.AddCallerSkip(1))
	l.base = base
	l.sugar = base.Sugar()
}

var defaultLogger = New(LevelInfo, "console", os.Stdout)

// Default returns the package-level logger.
func Default() *Logger {
	return defaultLogger
}

// Init replaces the package-level logger's level and format.
func Init(level, format string) {
	defaultLogger.mu.Lock()
	defer defaultLogger.mu.Unlock()
	defaultLogger.level.SetLevel(ParseLevel(level).zapLevel())
	if format != "" && format != defaultLogger.format {
		defaultLogger.format = format
		defaultLogger.build(os.Stdout)
	}
}

// SetLevel changes the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.level.SetLevel(level.zapLevel())
}

// SetOutput changes the writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.build(w)
}

// Zap returns the underlying zap logger for components that take one.
func (l *Logger) Zap() *zap.Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.base.WithOptions(zap.AddCallerSkip(-1))
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.base.Sync()
}

func (l *Logger) s() *zap.SugaredLogger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sugar
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, kvs ...any) { l.s().Debugw(msg, kvs...) }

// Info logs an info message.
func (l *Logger) Info(msg string, kvs ...any) { l.s().Infow(msg, kvs...) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string, kvs ...any) { l.s().Warnw(msg, kvs...) }

// Error logs an error message.
func (l *Logger) Error(msg string, kvs ...any) { l.s().Errorw(msg, kvs...) }

// Infof logs a formatted info message.
func (l *Logger) Infof(format string, args ...any) { l.s().Infof(format, args...) }

// Warnf logs a formatted warning message.
func (l *Logger) Warnf(format string, args ...any) { l.s().Warnf(format, args...) }

// Errorf logs a formatted error message.
func (l *Logger) Errorf(format string, args ...any) { l.s().Errorf(format, args...) }

// Debugf logs a formatted debug message.
func (l *Logger) Debugf(format string, args ...any) { l.s().Debugf(format, args...) }

// Package-level convenience functions.

func SetLevel(level Level)              { defaultLogger.SetLevel(level) }
func Zap() *zap.Logger                  { return defaultLogger.Zap() }
func Sync() error                       { return defaultLogger.Sync() }
func Debug(msg string, kvs ...any)      { defaultLogger.Debug(msg, kvs...) }
func Info(msg string, kvs ...any)       { defaultLogger.Info(msg, kvs...) }
func Warn(msg string, kvs ...any)       { defaultLogger.Warn(msg, kvs...) }
func Error(msg string, kvs ...any)      { defaultLogger.Error(msg, kvs...) }
func Infof(format string, args ...any)  { defaultLogger.Infof(format, args...) }
func Warnf(format string, args ...any)  { defaultLogger.Warnf(format, args...) }
func Errorf(format string, args ...any) { defaultLogger.Errorf(format, args...) }
func Debugf(format string, args ...any) { defaultLogger.Debugf(format, args...) }
