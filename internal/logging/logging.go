// Package logging builds the process-wide zap logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sesionesfotosia/headshot-hub/internal/config"
)

// New returns a logger writing to stdout and, when cfg.File is set, to a
// rotated file. The returned func flushes buffered entries and must be called
// before exit.
func New(cfg config.LoggingConfig) (*zap.Logger, func(), error) {
	return build(cfg, os.Stdout)
}

func build(cfg config.LoggingConfig, stdout io.Writer) (*zap.Logger, func(), error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("parse log level: %w", err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	var encoder zapcore.Encoder
	if cfg.Format == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	sink := zapcore.AddSync(stdout)
	flush := func() {}
	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		buffered := &zapcore.BufferedWriteSyncer{
			WS:            zapcore.AddSync(rotated),
			Size:          256 * 1024,
			FlushInterval: 5 * time.Second,
		}
		sink = zapcore.NewMultiWriteSyncer(sink, buffered)
		flush = func() {
			_ = buffered.Stop()
			_ = rotated.Close()
		}
	}

	core := zapcore.NewCore(encoder, sink, level)
	logger := zap.New(core, zap.AddCaller())
	return logger, func() {
		_ = logger.Sync()
		flush()
	}, nil
}
