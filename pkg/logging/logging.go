// Package logging sets up the structured logger shared by isocks and
// osocks, the way c0rex86-vapotol wires go.uber.org/zap for a long-running
// network daemon. When a log file is configured, rotation is delegated to
// gopkg.in/natefinch/lumberjack.v2 (the library sad-emu-salmon-cannon's
// own config package wires for the same purpose) rather than hand-rolled
// file rotation.
package logging

import (
	"os"

	"github.com/xiaoxiao-im/iosocks/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// New builds a *zap.SugaredLogger. With no Filename configured, it logs to
// stderr using zap's development encoder (readable during interactive
// use); with one configured, output goes through a lumberjack rotating
// writer using a production JSON encoder instead.
func New(cfg config.LogConfig, debug bool) *zap.SugaredLogger {
	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	if cfg.Filename == "" {
		encoderCfg := zap.NewDevelopmentEncoderConfig()
		core := zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderCfg),
			zapcore.Lock(zapcore.AddSync(os.Stderr)),
			level,
		)
		return zap.New(core).Sugar()
	}

	writer := &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    orDefault(cfg.MaxSizeMB, 100),
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.AddSync(writer),
		level,
	)
	return zap.New(core).Sugar()
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
