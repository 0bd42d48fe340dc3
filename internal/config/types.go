package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/l0p7/imgloader/internal/netstate"
	"github.com/l0p7/imgloader/internal/request"
)

// Config holds every server and loader option plus the rewrite rules once
// they are loaded.
type Config struct {
	Server   ServerConfig             `koanf:"server"`
	Loader   LoaderConfig             `koanf:"loader"`
	Rewrites map[string]RewriteConfig `koanf:"rewrites"`

	InlineRewrites map[string]RewriteConfig `koanf:"-"`

	// RewriteSources records which files contributed rewrite definitions.
	RewriteSources []string `koanf:"-"`
	// SkippedDefinitions captures duplicate or invalid rewrites the loader
	// disabled, so the admin surface can report them without re-parsing files.
	SkippedDefinitions []DefinitionSkip `koanf:"-"`
}

// ServerConfig collects the admin listener knobs.
type ServerConfig struct {
	Listen   ListenConfig   `koanf:"listen"`
	Logging  LoggingConfig  `koanf:"logging"`
	Rewrites RewritesConfig `koanf:"rewrites"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// RewritesConfig announces how rewrite documents are sourced.
type RewritesConfig struct {
	RewritesFolder string `koanf:"rewritesFolder"`
	RewritesFile   string `koanf:"rewritesFile"`
}

// LoaderConfig sizes the loader engine.
type LoaderConfig struct {
	// Workers fixes the pool size. Zero follows the network type.
	Workers            int                 `koanf:"workers"`
	MemoryCacheBytes   int                 `koanf:"memoryCacheBytes"`
	MaxDecodeBytes     int64               `koanf:"maxDecodeBytes"`
	NetworkRetries     int                 `koanf:"networkRetries"`
	ScanNetworkChanges bool                `koanf:"scanNetworkChanges"`
	HTTPTimeoutSeconds int                 `koanf:"httpTimeoutSeconds"`
	UserAgent          string              `koanf:"userAgent"`
	ResourcesFolder    string              `koanf:"resourcesFolder"`
	Network            NetworkConfig       `koanf:"network"`
	Probe              ProbeConfig         `koanf:"probe"`
	DownloadCache      DownloadCacheConfig `koanf:"downloadCache"`
}

// NetworkConfig seeds the connectivity state reported before the first probe.
type NetworkConfig struct {
	Type      string `koanf:"type"`
	Connected bool   `koanf:"connected"`
}

// ProbeConfig enables the periodic TCP connectivity probe when Address is set.
type ProbeConfig struct {
	Address         string `koanf:"address"`
	IntervalSeconds int    `koanf:"intervalSeconds"`
}

// DownloadCacheConfig selects where downloaded bytes are kept.
type DownloadCacheConfig struct {
	Backend    string      `koanf:"backend"`
	TTLSeconds int         `koanf:"ttlSeconds"`
	MaxEntries int         `koanf:"maxEntries"`
	Redis      RedisConfig `koanf:"redis"`
}

type RedisConfig struct {
	Address  string         `koanf:"address"`
	Username string         `koanf:"username"`
	Password string         `koanf:"password"`
	DB       int            `koanf:"db"`
	TLS      RedisTLSConfig `koanf:"tls"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// RewriteConfig is one rewrite rule. Match is a CEL predicate over request
// and network; an empty Match applies to every request. URI is either CEL
// or a template (detected by {{) and yields the replacement URI.
type RewriteConfig struct {
	Description string `koanf:"description"`
	Match       string `koanf:"match"`
	URI         string `koanf:"uri"`
	StableKey   string `koanf:"stableKey"`
	Priority    string `koanf:"priority"`
	Order       int    `koanf:"order"`
}

// DefinitionSkip describes a rewrite the loader ignored because it violated
// invariants, for example a duplicate name across files.
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// Backend names accepted by loader.downloadCache.backend.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNone   = "none"
)

// DownloadBackend returns the normalized backend name.
func (c DownloadCacheConfig) DownloadBackend() string {
	backend := strings.TrimSpace(strings.ToLower(c.Backend))
	if backend == "" {
		return BackendMemory
	}
	return backend
}

func (c DownloadCacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

func (c LoaderConfig) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSeconds) * time.Second
}

func (c ProbeConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// Validate enforces invariants that keep the runtime predictable before serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.Server.Rewrites.RewritesFolder != "" && c.Server.Rewrites.RewritesFile != "" {
		return errors.New("config: rewritesFolder and rewritesFile are mutually exclusive")
	}
	l := c.Loader
	if l.Workers < 0 {
		return fmt.Errorf("config: loader.workers invalid: %d", l.Workers)
	}
	if l.MemoryCacheBytes <= 0 {
		return fmt.Errorf("config: loader.memoryCacheBytes must be positive: %d", l.MemoryCacheBytes)
	}
	if l.MaxDecodeBytes < 0 {
		return fmt.Errorf("config: loader.maxDecodeBytes invalid: %d", l.MaxDecodeBytes)
	}
	if l.HTTPTimeoutSeconds < 0 {
		return fmt.Errorf("config: loader.httpTimeoutSeconds invalid: %d", l.HTTPTimeoutSeconds)
	}
	if l.Probe.Address != "" && l.Probe.IntervalSeconds <= 0 {
		return fmt.Errorf("config: loader.probe.intervalSeconds must be positive: %d", l.Probe.IntervalSeconds)
	}
	if l.Network.Type != "" && netstate.ParseType(l.Network.Type) == netstate.TypeUnknown && !strings.EqualFold(l.Network.Type, string(netstate.TypeUnknown)) {
		return fmt.Errorf("config: loader.network.type unsupported: %s", l.Network.Type)
	}
	dc := l.DownloadCache
	if dc.TTLSeconds < 0 {
		return fmt.Errorf("config: loader.downloadCache.ttlSeconds invalid: %d", dc.TTLSeconds)
	}
	if dc.MaxEntries < 0 {
		return fmt.Errorf("config: loader.downloadCache.maxEntries invalid: %d", dc.MaxEntries)
	}
	switch dc.DownloadBackend() {
	case BackendMemory, BackendNone:
	case BackendRedis:
		if strings.TrimSpace(dc.Redis.Address) == "" {
			return errors.New("config: loader.downloadCache.redis.address required for redis backend")
		}
	default:
		return fmt.Errorf("config: loader.downloadCache.backend unsupported: %s", dc.Backend)
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
		Loader: LoaderConfig{
			MemoryCacheBytes:   64 << 20,
			MaxDecodeBytes:     256 << 20,
			NetworkRetries:     2,
			ScanNetworkChanges: true,
			HTTPTimeoutSeconds: 15,
			UserAgent:          "imgloader",
			Network: NetworkConfig{
				Type:      string(netstate.TypeUnknown),
				Connected: true,
			},
			Probe: ProbeConfig{
				IntervalSeconds: 15,
			},
			DownloadCache: DownloadCacheConfig{
				Backend:    BackendMemory,
				TTLSeconds: 3600,
				MaxEntries: 512,
			},
		},
	}
}

func validateRewriteShape(name string, rw RewriteConfig) error {
	if strings.TrimSpace(rw.URI) == "" && strings.TrimSpace(rw.StableKey) == "" && strings.TrimSpace(rw.Priority) == "" {
		return fmt.Errorf("config: rewrite %q changes nothing: set uri, stableKey or priority", name)
	}
	if p := strings.TrimSpace(rw.Priority); p != "" {
		switch strings.ToLower(p) {
		case "low", "normal", "high":
		default:
			return fmt.Errorf("config: rewrite %q priority unsupported: %s", name, rw.Priority)
		}
	}
	return nil
}

// ParsedPriority returns the rewrite's priority override.
func (rw RewriteConfig) ParsedPriority() (request.Priority, bool) {
	if strings.TrimSpace(rw.Priority) == "" {
		return request.Normal, false
	}
	return request.ParsePriority(rw.Priority), true
}
