// Package observability holds the process-wide logging and telemetry state
// shared by the CLI and the server: the CLI logger, the server logger
// factory, the Prometheus instrument set, and the metrics exporter.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CLILogger is the logger every command writes user-facing output through.
// It starts as a no-op so code paths that run before InitCLILogger can log
// without a nil check.
var CLILogger = zap.NewNop()

// InitCLILogger replaces CLILogger with a console logger on stderr. The
// level defaults to info, debug when verbose is set, and can be overridden
// through GOSTRATUS_LOG_LEVEL.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	if env := os.Getenv("GOSTRATUS_LOG_LEVEL"); env != "" {
		if parsed, err := zapcore.ParseLevel(strings.ToLower(env)); err == nil {
			level = parsed
		}
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	// CLI output reads as terminal lines, not log records. Timestamps and
	// caller sites stay out of the way.
	encCfg.TimeKey = ""
	encCfg.CallerKey = ""
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if os.Getenv("NO_COLOR") != "" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level)
	CLILogger = zap.New(core).Named(name)
}

// ServerLogConfig selects the encoder, level, and sinks for a long-running
// serve process.
type ServerLogConfig struct {
	// Level is a zap level name ("debug", "info", "warn", "error").
	Level string

	// Profile selects the encoder: "structured" (JSON) or "console".
	// Matching is case-insensitive; empty means structured.
	Profile string

	// File, when set, adds a size-rotated log file alongside stderr.
	File string

	// MaxSizeMB, MaxBackups, and MaxAgeDays bound the rotated file set.
	// Zero values fall back to 100 MB, 5 files, 30 days.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// NewServerLogger builds the structured logger for serve. Unlike CLILogger
// this is handed to components explicitly, never read from package state.
func NewServerLogger(cfg ServerLogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Profile) {
	case "", "structured":
		encoder = zapcore.NewJSONEncoder(encCfg)
	case "console":
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown logging profile %q", cfg.Profile)
	}

	sink := zapcore.Lock(zapcore.AddSync(os.Stderr))
	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 30),
			Compress:   true,
		}
		sink = zapcore.NewMultiWriteSyncer(sink, zapcore.AddSync(rotated))
	}

	core := zapcore.NewCore(encoder, sink, level)
	return zap.New(core, zap.AddCaller()), nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
