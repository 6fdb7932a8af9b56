// Package logger provides structured logging for DuskDB
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with DuskDB-specific functionality
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// NewLogger creates a new structured logger
func NewLogger(cfg Config) *Logger {
	// Set global log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Pretty printing for development
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	// Create logger
	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("component", "duskdb").
		Logger()

	// Add caller information if requested
	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// GetZerolog returns the underlying zerolog logger
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

// Info logs an info message
func (l *Logger) Info(msg string) *zerolog.Event {
	return l.zlog.Info().Str("msg", msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) *zerolog.Event {
	return l.zlog.Debug().Str("msg", msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) *zerolog.Event {
	return l.zlog.Warn().Str("msg", msg)
}

// Error logs an error message
func (l *Logger) Error(msg string) *zerolog.Event {
	return l.zlog.Error().Str("msg", msg)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string) *zerolog.Event {
	return l.zlog.Fatal().Str("msg", msg)
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// TxnLogger returns a logger scoped to a writer or reader transaction.
func (l *Logger) TxnLogger(kind string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "txn").
			Str("kind", kind).
			Logger(),
	}
}

// PageLogger returns a logger scoped to a page-management operation
// (alloc, free, flush).
func (l *Logger) PageLogger(op string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "page").
			Str("op", op).
			Logger(),
	}
}

// LogCommit logs the outcome of a write transaction's commit.
func (l *Logger) LogCommit(txnID uint64, strategy string, dur time.Duration, err error) {
	event := l.zlog.Info().
		Str("event", "commit").
		Uint64("txn_id", txnID).
		Str("strategy", strategy).
		Dur("duration_ms", dur)

	if err != nil {
		event = l.zlog.Error().
			Str("event", "commit").
			Uint64("txn_id", txnID).
			Str("strategy", strategy).
			Dur("duration_ms", dur).
			Err(err)
	}

	event.Msg("write transaction commit")
}

// LogAbort logs a writer dropping its transaction before commit.
func (l *Logger) LogAbort(txnID uint64, reason string) {
	l.zlog.Warn().
		Str("event", "abort").
		Uint64("txn_id", txnID).
		Str("reason", reason).
		Msg("write transaction aborted")
}

// LogRecovery logs which superblock slot was selected on open, and
// whether the checksum-commit fallback path was taken.
func (l *Logger) LogRecovery(primarySlot int, txnID uint64, fellBack bool) {
	l.zlog.Info().
		Str("event", "recovery").
		Int("primary_slot", primarySlot).
		Uint64("txn_id", txnID).
		Bool("fell_back", fellBack).
		Msg("superblock recovery")
}

// Global logger instance
var globalLogger *Logger

// InitGlobalLogger initializes the global logger
func InitGlobalLogger(cfg Config) {
	globalLogger = NewLogger(cfg)
	log.Logger = *globalLogger.GetZerolog()
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		// Initialize with defaults if not set
		InitGlobalLogger(Config{
			Level:  "info",
			Pretty: true,
		})
	}
	return globalLogger
}
