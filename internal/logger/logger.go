// Package logger provides per-subsystem structured loggers built on
// log/slog.
//
// Each package takes its logger once:
//
//	var log = logger.Logger("engine")
//
//	log.Debug("probe sent", "name", name, "remaining", n)
//
// Levels are configured through the environment:
//
//	# engine at debug, everything else at warn
//	MDNSCORE_LOG_LEVEL=engine=debug,warn
//
//	# JSON output
//	MDNSCORE_LOG_FORMAT=json
package logger

import (
	"log/slog"
	"sync"
)

var (
	loggers  sync.Map // map[string]*slog.Logger
	handlers sync.Map // map[string]*subsystemHandler
)

// Logger returns the logger for subsystem, creating it on first use.
// Repeated calls return the same instance.
func Logger(subsystem string) *slog.Logger {
	if l, ok := loggers.Load(subsystem); ok {
		return l.(*slog.Logger)
	}
	cfg := ConfigFromEnv()
	h := newHandler(subsystem, cfg.LevelForSubsystem(subsystem), cfg.Format)
	actual, loaded := loggers.LoadOrStore(subsystem, slog.New(h))
	if !loaded {
		handlers.Store(subsystem, h)
	}
	return actual.(*slog.Logger)
}

// SetLevel changes a subsystem's level at run time.
func SetLevel(subsystem string, level slog.Level) {
	if h, ok := handlers.Load(subsystem); ok {
		h.(*subsystemHandler).level.Set(level)
	}
}

// SetGlobalLevel changes the level of every subsystem created so far.
func SetGlobalLevel(level slog.Level) {
	handlers.Range(func(_, v any) bool {
		v.(*subsystemHandler).level.Set(level)
		return true
	})
}

// Discard returns a logger that drops everything. Used in tests.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}
