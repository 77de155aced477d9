// Package observability holds the process-wide loggers and metrics
// collector shared by the CLI commands and the HTTP server.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "STRUCTURED"
	ProfileConsole    = "CONSOLE"
)

var (
	// CLILogger writes human-oriented progress to stderr. Commands log through
	// it; stdout is reserved for JSONL records.
	CLILogger *zap.Logger = zap.NewNop()

	// ServerLogger is the request and lifecycle logger of the serve command.
	ServerLogger *zap.Logger = zap.NewNop()
)

// InitCLILogger configures CLILogger. Verbose enables debug output.
func InitCLILogger(name string, verbose bool) {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	enc.CallerKey = ""
	enc.NameKey = ""
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	if !isTerminal(os.Stderr) {
		enc.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(os.Stderr), level)
	CLILogger = zap.New(core).Named(name)
}

// InitServerLogger configures ServerLogger from a level name and profile.
// STRUCTURED produces JSON lines; CONSOLE produces development output.
func InitServerLogger(name, level, profile string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}

	var cfg zap.Config
	switch strings.ToUpper(strings.TrimSpace(profile)) {
	case "", ProfileStructured:
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "timestamp"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case ProfileConsole:
		cfg = zap.NewDevelopmentConfig()
	default:
		return fmt.Errorf("unknown logging profile %q", profile)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build server logger: %w", err)
	}
	ServerLogger = logger.Named(name)
	return nil
}

// ParseLevel converts a level name (debug, info, warn, error) to a zap level.
func ParseLevel(level string) (zapcore.Level, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	if level == "warning" {
		level = "warn"
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", level)
	}
	return lvl, nil
}

// Sync flushes both loggers. Errors from syncing terminals are ignored.
func Sync() {
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
