// Package logging builds the process logger from config.LogConfig.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pminervini/open-deep-research/config"
)

// New builds a logger writing to every configured output. "stdout" and
// "stderr" are the standard streams; anything else is a file rotated by
// lumberjack. The returned close function flushes and closes the files.
func New(cfg config.LogConfig) (*zap.Logger, func() error, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}

	paths := cfg.OutputPaths
	if len(paths) == 0 {
		paths = []string{"stderr"}
	}

	var (
		cores   []zapcore.Core
		closers []io.Closer
	)
	for _, path := range paths {
		switch path {
		case "stdout":
			cores = append(cores, zapcore.NewCore(encoder(cfg.Format), zapcore.Lock(os.Stdout), level))
		case "stderr":
			cores = append(cores, zapcore.NewCore(encoder(cfg.Format), zapcore.Lock(os.Stderr), level))
		default:
			w := &lumberjack.Logger{
				Filename:   path,
				MaxSize:    cfg.Rotation.MaxSizeMB,
				MaxBackups: cfg.Rotation.MaxBackups,
				MaxAge:     cfg.Rotation.MaxAgeDays,
				Compress:   cfg.Rotation.Compress,
			}
			closers = append(closers, w)
			// files are always json so they can be parsed back
			cores = append(cores, zapcore.NewCore(encoder("json"), zapcore.AddSync(w), level))
		}
	}

	var opts []zap.Option
	if cfg.EnableCaller {
		opts = append(opts, zap.AddCaller())
	}
	if cfg.EnableStacktrace {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	logger := zap.New(zapcore.NewTee(cores...), opts...)

	closeFn := func() error {
		// Sync on a terminal returns EINVAL; only file errors matter.
		_ = logger.Sync()
		var errs []error
		for _, c := range closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	return logger, closeFn, nil
}

func encoder(format string) zapcore.Encoder {
	if format == "console" {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(ec)
}
