package app

import (
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Ramsey-B/fern/config"
)

// NewLogger builds the process logger. PrettyLogs switches to zap's
// development encoder. The returned func flushes buffered entries.
func NewLogger(cfg *config.Config) (ectologger.Logger, func(), error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "invalid LOG_LEVEL %q", cfg.LogLevel)
	}

	zapConfig := zap.NewProductionConfig()
	if cfg.PrettyLogs {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.InitialFields = map[string]any{"app": cfg.AppName}

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to build logger")
	}

	return zapadapter.NewZapEctoLogger(zapLogger, nil), func() { _ = zapLogger.Sync() }, nil
}
