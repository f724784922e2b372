// Package logging builds the process zap logger.
package logging

import (
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/academiq/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a production JSON logger, or a development console logger when debug is set.
func New(cfg config.GeneralConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Debug {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	if lvl := strings.TrimSpace(cfg.LogLevel); lvl != "" {
		parsed, err := zapcore.ParseLevel(lvl)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(parsed)
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger.Named("academiq"), nil
}
