// Package logging provides structured logging functionality.
package logging

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "portfolio-engine", "logs", "portfolio.log"),
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     30,
	}
}

// NewLogger creates a new logger with default configuration.
func NewLogger() zerolog.Logger {
	return NewLoggerWithConfig(DefaultLogConfig())
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
// Console output goes to stderr so that command output on stdout stays clean.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		writers = append(writers, consoleWriter(os.Stderr))
	}

	if cfg.File && cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	return zerolog.New(writer).
		With().
		Timestamp().
		Logger()
}

func consoleWriter(out io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		FormatLevel: func(i interface{}) string {
			if ll, ok := i.(string); ok {
				switch ll {
				case "debug":
					return "\033[36mDBG\033[0m"
				case "info":
					return "\033[32mINF\033[0m"
				case "warn":
					return "\033[33mWRN\033[0m"
				case "error":
					return "\033[31mERR\033[0m"
				default:
					return ll
				}
			}
			return "???"
		},
	}
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetDebugLevel sets the global log level to debug.
func SetDebugLevel() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

// ContextKey is the type for context keys.
type ContextKey string

const (
	// LoggerKey is the context key for the logger.
	LoggerKey ContextKey = "logger"
)

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, LoggerKey, logger)
}

// FromContext retrieves the logger from context.
func FromContext(ctx context.Context) zerolog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(zerolog.Logger); ok {
		return logger
	}
	return zerolog.Nop()
}

// WithSymbol adds a symbol and market to the logger context.
func WithSymbol(logger zerolog.Logger, symbol, market string) zerolog.Logger {
	return logger.With().Str("symbol", symbol).Str("market", market).Logger()
}

// WithTask adds a scheduler task name to the logger context.
func WithTask(logger zerolog.Logger, task string) zerolog.Logger {
	return logger.With().Str("task", task).Logger()
}

// WithSource adds a quote source name to the logger context.
func WithSource(logger zerolog.Logger, source string) zerolog.Logger {
	return logger.With().Str("source", source).Logger()
}

// WithComponent adds a component name to the logger context.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// LogTransaction logs a recorded ledger transaction.
func LogTransaction(logger zerolog.Logger, id int64, symbol, market, side string, qty int64, price string) {
	logger.Info().
		Str("event", "transaction").
		Int64("txn_id", id).
		Str("symbol", symbol).
		Str("market", market).
		Str("side", side).
		Int64("quantity", qty).
		Str("price", price).
		Msg("Transaction recorded")
}

// LogAlert logs an alert dispatch.
func LogAlert(logger zerolog.Logger, rule, severity, symbol string, value float64) {
	logger.Info().
		Str("event", "alert").
		Str("rule", rule).
		Str("severity", severity).
		Str("symbol", symbol).
		Float64("value", value).
		Msg("Alert dispatched")
}

// LogSourceCall logs a quote source call.
func LogSourceCall(logger zerolog.Logger, source, symbol string, duration time.Duration, err error) {
	event := logger.Debug().
		Str("event", "source_call").
		Str("source", source).
		Str("symbol", symbol).
		Dur("duration", duration)

	if err != nil {
		event.Err(err).Msg("Quote source failed")
	} else {
		event.Msg("Quote source succeeded")
	}
}

// LogTaskRun logs the outcome of a scheduler task run.
func LogTaskRun(logger zerolog.Logger, task string, duration time.Duration, err error) {
	if err != nil {
		logger.Error().
			Str("event", "task_run").
			Str("task", task).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
		return
	}
	logger.Debug().
		Str("event", "task_run").
		Str("task", task).
		Dur("duration", duration).
		Msg("Task completed")
}
