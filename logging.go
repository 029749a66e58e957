package main

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds the process logger: JSON on stderr by default, human readable
// console output when LOG_FORMAT=console.
func newLogger(logLevel string, logFormat string) (*zap.Logger, error) {
	var atomicLevel zap.AtomicLevel
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		atomicLevel = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "", "info":
		atomicLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	case "warn", "warning":
		atomicLevel = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		atomicLevel = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		return nil, fmt.Errorf("bad LOG_LEVEL: %q", logLevel)
	}

	loggerConfig := zap.NewProductionConfig()
	if strings.EqualFold(strings.TrimSpace(logFormat), "console") {
		loggerConfig = zap.NewDevelopmentConfig()
	}
	loggerConfig.Level = atomicLevel
	loggerConfig.OutputPaths = []string{"stderr"}
	loggerConfig.ErrorOutputPaths = []string{"stderr"}
	return loggerConfig.Build()
}
