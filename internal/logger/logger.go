package logger

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.RWMutex
	base = mustBuild("info", "console")
)

// Init rebuilds the process logger with the given level (debug|info|warn|error)
// and encoding (console|json). Unknown values fall back to info/console.
func Init(level, encoding string) error {
	l, err := build(level, encoding)
	if err != nil {
		return err
	}
	mu.Lock()
	old := base
	base = l
	mu.Unlock()
	_ = old.Sync()
	return nil
}

// L returns the underlying zap logger for callers that want structured fields.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Sync flushes buffered entries.
func Sync() {
	_ = L().Sync()
}

func build(level, encoding string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if err := lvl.Set(strings.ToLower(strings.TrimSpace(level))); err != nil {
		lvl = zapcore.InfoLevel
	}
	if encoding != "json" {
		encoding = "console"
	}

	zc := zap.Config{
		Level:             zap.NewAtomicLevelAt(lvl),
		Encoding:          encoding,
		DisableCaller:     true,
		DisableStacktrace: true,
		EncoderConfig:     zap.NewProductionEncoderConfig(),
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
	}
	if encoding == "console" {
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	}
	return zc.Build()
}

func mustBuild(level, encoding string) *zap.Logger {
	l, err := build(level, encoding)
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func tagged(tag string) *zap.Logger {
	return L().Named(tag)
}

// Debug logs a debug-level message under the given tag.
func Debug(tag, msg string) {
	tagged(tag).Debug(msg)
}

// Info logs an informational message under the given tag.
func Info(tag, msg string) {
	tagged(tag).Info(msg)
}

// Success logs a completed step. Rendered at info level with a check mark.
func Success(tag, msg string) {
	tagged(tag).Info("✓ " + msg)
}

// Warn logs a recoverable problem.
func Warn(tag, msg string) {
	tagged(tag).Warn(msg)
}

// Error logs a failure.
func Error(tag, msg string) {
	tagged(tag).Error(msg)
}

// Banner prints the startup banner.
func Banner(version string) {
	if version == "" {
		version = "dev"
	}
	L().Info("evelogi structure trade planner", zap.String("version", version))
}

// Section starts a titled block of Stats lines.
func Section(title string) {
	L().Info("── " + title + " ──")
}

// Stats prints a single key/value statistic.
func Stats(key string, value interface{}) {
	L().Info(fmt.Sprintf("   %-14s %v", key, value))
}

// Server announces the listening address.
func Server(addr string) {
	tagged("Server").Info("Listening on http://" + addr)
}
