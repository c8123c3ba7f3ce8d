// Package logger provides structured logging for the coordinator.
package logger

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/obot-platform/rdbcoord/internal/config"
)

// Logger wraps zap.Logger with coordinator-specific methods.
type Logger struct {
	zap   *zap.Logger
	sugar *zap.SugaredLogger
	level zap.AtomicLevel
}

// New creates a new Logger from configuration.
func New(cfg config.LoggingConfig) (*Logger, error) {
	level := zap.NewAtomicLevelAt(ParseLevel(cfg.Level))

	var encoder zapcore.Encoder
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if cfg.Format == "json" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	var output zapcore.WriteSyncer
	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return nil, err
		}
		output = zapcore.AddSync(file)
	} else {
		output = zapcore.AddSync(os.Stdout)
	}

	return NewWithCore(zapcore.NewCore(encoder, output, level), level), nil
}

// NewWithCore wraps an existing core. Tests use it with zaptest/observer.
func NewWithCore(core zapcore.Core, level zap.AtomicLevel) *Logger {
	z := zap.New(core)
	return &Logger{zap: z, sugar: z.Sugar(), level: level}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zap: zap.NewNop(), sugar: zap.NewNop().Sugar(), level: zap.NewAtomicLevel()}
}

// ParseLevel maps a config level name to a zap level, defaulting to info.
func ParseLevel(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// SetLevel changes the level of this logger and every logger derived from it.
func (l *Logger) SetLevel(level string) {
	l.level.SetLevel(ParseLevel(level))
}

// Level returns the current level name.
func (l *Logger) Level() string {
	return l.level.Level().String()
}

// Named returns a child logger with the given name appended.
func (l *Logger) Named(name string) *Logger {
	z := l.zap.Named(name)
	return &Logger{zap: z, sugar: z.Sugar(), level: l.level}
}

// With returns a child logger carrying the given key/value pairs.
func (l *Logger) With(keysAndValues ...interface{}) *Logger {
	s := l.sugar.With(keysAndValues...)
	return &Logger{zap: s.Desugar(), sugar: s, level: l.level}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}

// Printf lets the logger back gorm's logger.Writer.
func (l *Logger) Printf(format string, args ...interface{}) {
	l.sugar.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Middleware logs each admin API request after it completes.
func (l *Logger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		l.sugar.Debugw("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	})
}

// Close flushes any buffered log entries.
func (l *Logger) Close() error {
	return l.zap.Sync()
}
