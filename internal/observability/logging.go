// Package observability holds process-wide logging for the CLI and the
// status server.
package observability

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the process-wide structured logger. It defaults to a
// no-op logger so packages can log before InitCLILogger runs (early
// flag parsing, tests).
var CLILogger = zap.NewNop()

// InitCLILogger replaces CLILogger with a configured logger.
//
// Profile "structured" emits JSON; "console" emits human-readable
// output for interactive use. Levels follow zap's names (debug, info,
// warn, error).
func InitCLILogger(level, profile string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch profile {
	case "", "structured":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return fmt.Errorf("invalid logging profile %q", profile)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	CLILogger = logger
	return nil
}

// Sync flushes buffered log entries. Call before process exit.
func Sync() {
	_ = CLILogger.Sync()
}
