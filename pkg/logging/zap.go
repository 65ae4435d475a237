package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapConfig controls the zap backend used for the keeper's own output.
type ZapConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "console", "json"
	Output string `yaml:"output"` // "stdout", "stderr", or a file path
}

// DefaultZapConfig returns the configuration used when nothing is specified:
// human-readable console output on stderr at info level.
func DefaultZapConfig() ZapConfig {
	return ZapConfig{
		Level:  "info",
		Format: "console",
		Output: "stderr",
	}
}

// NewZapLogger creates a Logger backed by a zap SugaredLogger. The returned
// sync function flushes buffered output and should be deferred by the caller.
func NewZapLogger(config ZapConfig) (Logger, func(), error) {
	level, err := parseZapLevel(config.Level)
	if err != nil {
		return nil, nil, err
	}

	var encoderConfig zapcore.EncoderConfig
	var encoder zapcore.Encoder
	switch config.Format {
	case "json":
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console", "":
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, nil, fmt.Errorf("unknown log format: %s", config.Format)
	}

	var sink zapcore.WriteSyncer
	switch config.Output {
	case "stdout":
		sink = zapcore.Lock(os.Stdout)
	case "stderr", "":
		sink = zapcore.Lock(os.Stderr)
	default:
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log output %s: %w", config.Output, err)
		}
		sink = zapcore.Lock(file)
	}

	core := zapcore.NewCore(encoder, sink, level)
	zapLogger := zap.New(core)
	sugar := zapLogger.Sugar()

	logger := NewLogger("", LogFuncs{
		Debugf: sugar.Debugf,
		Infof:  sugar.Infof,
		Warnf:  sugar.Warnf,
		Errorf: sugar.Errorf,
	})

	sync := func() { _ = zapLogger.Sync() }

	return logger, sync, nil
}

func parseZapLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level: %s", level)
	}
}
