package server

import (
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"go.uber.org/zap"
)

// NewLogger builds the service logger. Pretty selects zap's development encoder.
func NewLogger(level string, pretty bool) (ectologger.Logger, error) {
	atomicLevel, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}

	zapConfig := zap.NewProductionConfig()
	if pretty {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = atomicLevel

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return zapadapter.NewZapEctoLogger(zapLogger, nil), nil
}
