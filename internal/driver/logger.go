package driver

import (
	"sync"

	"go.uber.org/zap"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the driver's logger instance.
// It uses a no-op logger by default.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger replaces the driver's logger. Callers normally route through
// Config.Logger instead of calling this directly.
func SetLogger(l *zap.Logger) {
	if l != nil {
		logger = l
	}
}
