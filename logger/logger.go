// Package logger hands out the process-wide zap logger used for
// diagnostics. Core packages return errors instead of logging; only the
// builder and the CLI report progress here.
package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu      sync.Mutex
	sugared *zap.SugaredLogger
	verbose bool
)

// SetVerbose lowers the log level to debug. It must be called before
// the first Logger call to take effect.
func SetVerbose(v bool) {
	mu.Lock()
	defer mu.Unlock()
	verbose = v
}

// Logger returns the shared logger, building it on first use.
func Logger() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	if sugared == nil {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		cfg.DisableStacktrace = true
		l, err := cfg.Build()
		if err != nil {
			// The development config cannot fail to build; fall back to
			// a no-op logger rather than crashing the caller.
			l = zap.NewNop()
		}
		sugared = l.Sugar()
	}
	return sugared
}
