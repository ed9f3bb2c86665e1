// Package observability owns the process-wide CLI logger.
//
// Library packages never reach for CLILogger directly; they accept an
// injected *zap.Logger. Only cmd wiring and the worker entrypoint use it.
package observability

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CLILogger is the logger used by command handlers. It is a no-op logger
// until InitCLILogger is called.
var CLILogger = zap.NewNop()

var mu sync.Mutex

// FileSink configures an optional rotating log file written alongside the
// console output.
type FileSink struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// InitCLILogger builds the console logger. Verbose switches the level to
// debug; otherwise info.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	Configure(name, level.String(), nil)
}

// Configure (re)builds CLILogger with the given level and an optional file
// sink. Unknown levels fall back to info.
func Configure(name, level string, sink *FileSink) {
	lvl := ParseLevel(level)
	encCfg := consoleEncoderConfig()

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), lvl),
	}

	if sink != nil && strings.TrimSpace(sink.Path) != "" {
		if err := os.MkdirAll(filepath.Dir(sink.Path), 0755); err == nil {
			writer := &lumberjack.Logger{
				Filename:   sink.Path,
				MaxSize:    sink.MaxSizeMB,
				MaxBackups: sink.MaxBackups,
				MaxAge:     sink.MaxAgeDays,
			}
			fileEnc := encCfg
			fileEnc.EncodeLevel = zapcore.LowercaseLevelEncoder
			cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(fileEnc), zapcore.AddSync(writer), lvl))
		}
	}

	logger := zap.New(zapcore.NewTee(cores...))
	if name != "" {
		logger = logger.Named(name)
	}

	mu.Lock()
	CLILogger = logger
	mu.Unlock()
}

// NewConsoleLogger returns a logger writing human-readable lines to w. Map
// uses it when the caller supplies no logger of its own.
func NewConsoleLogger(name string, w io.Writer, level string) *zap.Logger {
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEncoderConfig()), zapcore.Lock(zapcore.AddSync(w)), ParseLevel(level))
	logger := zap.New(core)
	if name != "" {
		logger = logger.Named(name)
	}
	return logger
}

func consoleEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
}

// ParseLevel maps a config string to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Sync flushes buffered log entries. Errors from syncing stderr are ignored.
func Sync() {
	mu.Lock()
	l := CLILogger
	mu.Unlock()
	_ = l.Sync()
}
