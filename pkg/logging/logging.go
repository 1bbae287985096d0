// Package logging builds the service logger. Ecto log messages are handed to
// a zap core for structured JSON output.
package logging

import (
	"github.com/Gobusters/ectologger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the service logger. The returned flush function should be
// deferred in main.
func New(appName, level string, pretty bool) (ectologger.Logger, func(), error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if pretty {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(zapLevel)

	zlog, err := zapConfig.Build()
	if err != nil {
		return nil, nil, err
	}
	zlog = zlog.Named(appName)

	logger := ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {
		zlog.Info("event", zap.Any("entry", msg))
	})

	flush := func() { _ = zlog.Sync() }
	return logger, flush, nil
}
