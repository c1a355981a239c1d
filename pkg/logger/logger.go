// Package logger builds the zap logger used by the caldera engine and its
// tools.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls the logger. Zero values select info-level json logging
// to stderr.
type Config struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
	// Output is "stdout", "stderr" or a file path. Logs go to stderr by
	// default so tool output on stdout stays machine-readable.
	Output string `yaml:"output"`
}

// New creates a zap.Logger from the configuration. Unknown levels and
// formats are rejected rather than silently downgraded.
func New(config Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if config.Level != "" {
		var err error
		level, err = zapcore.ParseLevel(config.Level)
		if err != nil {
			return nil, fmt.Errorf("log level %q (want debug, info, warn or error)", config.Level)
		}
	}

	var encoding string
	switch config.Format {
	case "", "json":
		encoding = "json"
	case "console":
		encoding = "console"
	default:
		return nil, fmt.Errorf("log format %q (want json or console)", config.Format)
	}

	output := config.Output
	if output == "" {
		output = "stderr"
	}

	zcfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Encoding:          encoding,
		EncoderConfig:     encoderConfig(encoding),
		OutputPaths:       []string{output},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
		// Page-level debug logging can be extremely chatty; cap repeats.
		Sampling: &zap.SamplingConfig{Initial: 100, Thereafter: 100},
	}
	return zcfg.Build(zap.Fields(zap.String("service", "caldera")))
}

func encoderConfig(encoding string) zapcore.EncoderConfig {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if encoding == "console" {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.CallerKey = ""
	}
	return cfg
}
