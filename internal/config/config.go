// Package config loads the mdnsd configuration file.
//
// The file is TOML. Every key is optional; keys that are present override
// the defaults from Default.
//
//	hostname     = "nas"
//	interfaces   = ["eth0"]
//	cache_size   = 512
//	auto_rename  = true
//	metrics_addr = "127.0.0.1:9353"
//	log_level    = "engine=debug,info"
//	log_format   = "text"
//
//	[browse]
//	types    = ["_http._tcp", "_ipp._tcp"]
//	interval = "30s"
//	window   = "3s"
//
//	[[service]]
//	name = "NAS Web"
//	type = "_http._tcp"
//	port = 80
//	txt  = { path = "/" }
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/joshuafuller/mdnscore/internal/errors"
	"github.com/joshuafuller/mdnscore/internal/logger"
	"github.com/joshuafuller/mdnscore/internal/message"
	"github.com/joshuafuller/mdnscore/internal/records"
)

// Config is the daemon configuration after defaults are applied.
type Config struct {
	// Hostname is the host label to claim; empty means the system host name.
	Hostname string

	// Interfaces restricts the daemon to these interface names; empty means
	// every multicast-capable interface.
	Interfaces []string

	CacheSize  int
	AutoRename bool

	// MetricsAddr is the listen address of the Prometheus endpoint; empty
	// disables it.
	MetricsAddr string

	// LogLevel uses the MDNSCORE_LOG_LEVEL syntax, e.g. "engine=debug,info".
	LogLevel  string
	LogFormat string

	Browse   []string
	Interval time.Duration
	Window   time.Duration

	Services []Service
}

// Service is one [[service]] table.
type Service struct {
	Name string
	Type string
	Port int
	TXT  map[string]string
}

// Default returns the configuration used for keys the file leaves out.
func Default() Config {
	return Config{
		CacheSize:   512,
		AutoRename:  true,
		MetricsAddr: "127.0.0.1:9353",
		LogLevel:    "info",
		LogFormat:   "text",
		Interval:    30 * time.Second,
		Window:      3 * time.Second,
	}
}

// fileConfig maps the TOML keys.
type fileConfig struct {
	Hostname    string        `toml:"hostname"`
	Interfaces  []string      `toml:"interfaces"`
	CacheSize   int           `toml:"cache_size"`
	AutoRename  bool          `toml:"auto_rename"`
	MetricsAddr string        `toml:"metrics_addr"`
	LogLevel    string        `toml:"log_level"`
	LogFormat   string        `toml:"log_format"`
	Browse      browseConfig  `toml:"browse"`
	Services    []serviceFile `toml:"service"`
}

type browseConfig struct {
	Types    []string `toml:"types"`
	Interval string   `toml:"interval"`
	Window   string   `toml:"window"`
}

type serviceFile struct {
	Name string            `toml:"name"`
	Type string            `toml:"type"`
	Port int               `toml:"port"`
	TXT  map[string]string `toml:"txt"`
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg, err := overlay(raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse is Load for configuration already in memory.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg, err := overlay(raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func overlay(raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return Config{}, &errors.ValidationError{Field: "keys", Value: keys, Message: "unknown keys: " + strings.Join(keys, ", ")}
	}

	cfg := Default()
	if meta.IsDefined("hostname") {
		cfg.Hostname = strings.TrimSpace(raw.Hostname)
	}
	if meta.IsDefined("interfaces") {
		cfg.Interfaces = raw.Interfaces
	}
	if meta.IsDefined("cache_size") {
		cfg.CacheSize = raw.CacheSize
	}
	if meta.IsDefined("auto_rename") {
		cfg.AutoRename = raw.AutoRename
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.TrimSpace(raw.LogFormat)
	}
	if meta.IsDefined("browse", "types") {
		cfg.Browse = raw.Browse.Types
	}
	if meta.IsDefined("browse", "interval") {
		d, err := time.ParseDuration(raw.Browse.Interval)
		if err != nil {
			return Config{}, &errors.ValidationError{Field: "browse.interval", Value: raw.Browse.Interval, Message: err.Error()}
		}
		cfg.Interval = d
	}
	if meta.IsDefined("browse", "window") {
		d, err := time.ParseDuration(raw.Browse.Window)
		if err != nil {
			return Config{}, &errors.ValidationError{Field: "browse.window", Value: raw.Browse.Window, Message: err.Error()}
		}
		cfg.Window = d
	}
	for _, s := range raw.Services {
		cfg.Services = append(cfg.Services, Service{
			Name: strings.TrimSpace(s.Name),
			Type: strings.TrimSpace(s.Type),
			Port: s.Port,
			TXT:  s.TXT,
		})
	}
	return cfg, cfg.Validate()
}

// Validate checks values the file could get wrong.
func (c Config) Validate() error {
	if c.Hostname != "" {
		if err := message.ValidateHostName(c.Hostname); err != nil {
			return &errors.ValidationError{Field: "hostname", Value: c.Hostname, Message: "invalid host name"}
		}
	}
	if c.CacheSize < 0 {
		return &errors.ValidationError{Field: "cache_size", Value: c.CacheSize, Message: "cache size cannot be negative"}
	}
	if len(c.Browse) > 0 {
		if c.CacheSize == 0 {
			return &errors.ValidationError{Field: "cache_size", Value: c.CacheSize, Message: "browsing needs a cache"}
		}
		if c.Interval <= 0 || c.Window <= 0 || c.Window > c.Interval {
			return &errors.ValidationError{Field: "browse", Value: c.Window, Message: "window must be positive and no longer than interval"}
		}
	}
	for _, t := range c.Browse {
		if _, err := records.ServiceTypeName(t, ""); err != nil {
			return &errors.ValidationError{Field: "browse.types", Value: t, Message: "invalid service type"}
		}
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return &errors.ValidationError{Field: "log_format", Value: c.LogFormat, Message: "expected text or json"}
	}
	if c.LogLevel != "" {
		// A bare level or subsystem=level pairs.
		for _, part := range strings.Split(c.LogLevel, ",") {
			_, level, ok := strings.Cut(part, "=")
			if !ok {
				level = part
			}
			if _, ok := logger.ParseLevel(strings.TrimSpace(level)); !ok {
				return &errors.ValidationError{Field: "log_level", Value: c.LogLevel, Message: "unknown level " + strings.TrimSpace(level)}
			}
		}
	}
	seen := make(map[string]bool)
	for i, s := range c.Services {
		field := fmt.Sprintf("service[%d]", i)
		if s.Name == "" {
			return &errors.ValidationError{Field: field + ".name", Value: s.Name, Message: "instance name cannot be empty"}
		}
		if _, err := records.ServiceTypeName(s.Type, ""); err != nil {
			return &errors.ValidationError{Field: field + ".type", Value: s.Type, Message: "invalid service type"}
		}
		if s.Port < 1 || s.Port > 65535 {
			return &errors.ValidationError{Field: field + ".port", Value: s.Port, Message: "port must be in range 1-65535"}
		}
		if _, err := records.BuildTXT(s.TXT); err != nil {
			return &errors.ValidationError{Field: field + ".txt", Value: s.TXT, Message: err.Error()}
		}
		key := strings.ToLower(s.Name + "." + s.Type)
		if seen[key] {
			return &errors.ValidationError{Field: field, Value: s.Name, Message: "duplicate service"}
		}
		seen[key] = true
	}
	return nil
}
