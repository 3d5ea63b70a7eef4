package logger

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Format selects the output encoding.
type Format int

const (
	// FormatText is logfmt-style key=value output (default).
	FormatText Format = iota
	// FormatJSON is one JSON object per line.
	FormatJSON
)

// Config is the parsed logging configuration.
type Config struct {
	// DefaultLevel applies to subsystems without an explicit level.
	DefaultLevel slog.Level

	// SubsystemLevels overrides the level per subsystem.
	SubsystemLevels map[string]slog.Level

	Format Format
}

// LevelForSubsystem returns the level configured for subsystem.
func (c *Config) LevelForSubsystem(subsystem string) slog.Level {
	if level, ok := c.SubsystemLevels[subsystem]; ok {
		return level
	}
	return c.DefaultLevel
}

var (
	configCache *Config
	configOnce  sync.Once
)

// ConfigFromEnv parses the environment once and caches the result.
//
//   - MDNSCORE_LOG_LEVEL: subsystem=level pairs plus an optional bare
//     default, e.g. "engine=debug,transport=warn,info"
//   - MDNSCORE_LOG_FORMAT: text or json
func ConfigFromEnv() *Config {
	configOnce.Do(func() {
		configCache = ParseConfig(os.Getenv("MDNSCORE_LOG_LEVEL"), os.Getenv("MDNSCORE_LOG_FORMAT"))
	})
	return configCache
}

// ParseConfig builds a Config from level and format strings in the
// environment variable syntax. Unknown level names are ignored.
func ParseConfig(levels, format string) *Config {
	cfg := &Config{
		DefaultLevel:    slog.LevelInfo,
		SubsystemLevels: make(map[string]slog.Level),
		Format:          FormatText,
	}
	for _, part := range strings.Split(levels, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if subsystem, name, ok := strings.Cut(part, "="); ok {
			if level, ok := ParseLevel(strings.TrimSpace(name)); ok {
				cfg.SubsystemLevels[strings.TrimSpace(subsystem)] = level
			}
			continue
		}
		if level, ok := ParseLevel(part); ok {
			cfg.DefaultLevel = level
		}
	}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		cfg.Format = FormatJSON
	}
	return cfg
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(name string) (slog.Level, bool) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

// ResetConfig drops the cached configuration. Tests only.
func ResetConfig() {
	configOnce = sync.Once{}
	configCache = nil
}

// Configure replaces the environment configuration, for programs that read
// logging settings from their own config file. Levels of existing loggers
// change at once; the format applies to loggers created afterwards.
func Configure(cfg *Config) {
	configOnce.Do(func() {})
	configCache = cfg
	handlers.Range(func(k, v any) bool {
		v.(*subsystemHandler).level.Set(cfg.LevelForSubsystem(k.(string)))
		return true
	})
}
