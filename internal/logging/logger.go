// Package logging provides config-driven categorized file-based logging for lifeline.
// Logs are written to the configured directory with separate files per category.
// Logging is controlled by debug_mode - when false, no logs are written.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot  Category = "boot"  // Boot/initialization
	CategoryStore Category = "store" // Persistent store adapter and backends
	CategoryAuth  Category = "auth"  // Credential cache
	CategoryQueue Category = "queue" // Offline action queue, replay
	CategoryNet   Category = "net"   // Connectivity monitor
	CategoryAPI   Category = "api"   // Generative backend calls
)

// Config mirrors config.LoggingConfig to avoid circular imports.
type Config struct {
	DebugMode  bool
	Level      string // debug, info, warn, error
	JSONFormat bool
	Dir        string
	Categories map[string]bool
}

// Logger wraps a zap sugared logger bound to one category and its file.
type Logger struct {
	category Category
	sugar    *zap.SugaredLogger
	file     *os.File
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex
	config    Config
	configMu  sync.RWMutex
	level     = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Initialize applies the logging config and creates the logs directory.
// Should be called once at startup; calling it again closes open files first.
func Initialize(cfg Config) error {
	CloseAll()

	configMu.Lock()
	config = cfg
	configMu.Unlock()
	level.SetLevel(parseLevel(cfg.Level))

	if !cfg.DebugMode {
		return nil // Silent no-op in production mode
	}
	if cfg.Dir == "" {
		return fmt.Errorf("logs directory required in debug mode")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := Get(CategoryBoot)
	boot.Info("=== lifeline logging initialized ===")
	boot.Info("Logs directory: %s", cfg.Dir)
	boot.Info("Log level: %s", level.Level())
	if len(cfg.Categories) > 0 {
		enabled := 0
		for cat, on := range cfg.Categories {
			if on {
				enabled++
			}
			boot.Debug("Category '%s': %v", cat, on)
		}
		boot.Info("Enabled categories: %d/%d", enabled, len(cfg.Categories))
	}
	return nil
}

func parseLevel(s string) zapcore.Level {
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

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode {
		return false
	}
	if config.Categories == nil {
		return true
	}
	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	if l, ok := loggers[category]; ok {
		return l
	}

	configMu.RLock()
	dir, jsonFormat := config.Dir, config.JSONFormat
	configMu.RUnlock()

	// Date prefix for easy rotation
	filename := fmt.Sprintf("%s_%s.log", time.Now().Format("2006-01-02"), category)
	logPath := filepath.Join(dir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		sugar:    zap.New(newCore(file, jsonFormat)).Named(string(category)).Sugar(),
	}
	loggers[category] = l
	return l
}

func newCore(file *os.File, jsonFormat bool) zapcore.Core {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if jsonFormat {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	return zapcore.NewCore(enc, zapcore.AddSync(file), level)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Warnf(format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	if l.sugar == nil {
		return
	}
	l.sugar.Errorf(format, args...)
}

// StructuredLog writes a log entry with custom key-value fields.
func (l *Logger) StructuredLog(lvl string, msg string, fields map[string]interface{}) {
	if l.sugar == nil {
		return
	}
	kv := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	switch parseLevel(lvl) {
	case zapcore.DebugLevel:
		l.sugar.Debugw(msg, kv...)
	case zapcore.WarnLevel:
		l.sugar.Warnw(msg, kv...)
	case zapcore.ErrorLevel:
		l.sugar.Errorw(msg, kv...)
	default:
		l.sugar.Infow(msg, kv...)
	}
}

// Sync flushes buffered entries for this category.
func (l *Logger) Sync() error {
	if l.sugar == nil {
		return nil
	}
	return l.sugar.Sync()
}

// CloseAll closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		_ = l.Sync()
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) { Get(CategoryBoot).Info(format, args...) }

// BootWarn logs a warning to the boot category
func BootWarn(format string, args ...interface{}) { Get(CategoryBoot).Warn(format, args...) }

// Store logs to the store category
func Store(format string, args ...interface{}) { Get(CategoryStore).Info(format, args...) }

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debug(format, args...) }

// StoreWarn logs a warning to the store category
func StoreWarn(format string, args ...interface{}) { Get(CategoryStore).Warn(format, args...) }

// Auth logs to the auth category
func Auth(format string, args ...interface{}) { Get(CategoryAuth).Info(format, args...) }

// AuthDebug logs debug to the auth category
func AuthDebug(format string, args ...interface{}) { Get(CategoryAuth).Debug(format, args...) }

// Queue logs to the queue category
func Queue(format string, args ...interface{}) { Get(CategoryQueue).Info(format, args...) }

// QueueDebug logs debug to the queue category
func QueueDebug(format string, args ...interface{}) { Get(CategoryQueue).Debug(format, args...) }

// QueueWarn logs a warning to the queue category
func QueueWarn(format string, args ...interface{}) { Get(CategoryQueue).Warn(format, args...) }

// Net logs to the net category
func Net(format string, args ...interface{}) { Get(CategoryNet).Info(format, args...) }

// NetDebug logs debug to the net category
func NetDebug(format string, args ...interface{}) { Get(CategoryNet).Debug(format, args...) }

// API logs to the api category
func API(format string, args ...interface{}) { Get(CategoryAPI).Info(format, args...) }

// APIDebug logs debug to the api category
func APIDebug(format string, args ...interface{}) { Get(CategoryAPI).Debug(format, args...) }

// APIWarn logs a warning to the api category
func APIWarn(format string, args ...interface{}) { Get(CategoryAPI).Warn(format, args...) }

// APIError logs an error to the api category
func APIError(format string, args ...interface{}) { Get(CategoryAPI).Error(format, args...) }

// =============================================================================
// TIMING HELPERS
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
