package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the environment prefix the binary reads overrides from.
const EnvPrefix = "IMGLOADER"

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective configuration and resolves the rewrite sources.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.rewrites.rewritesfolder":         "server.rewrites.rewritesFolder",
			"server.rewrites.rewritesfile":           "server.rewrites.rewritesFile",
			"loader.memorycachebytes":                "loader.memoryCacheBytes",
			"loader.maxdecodebytes":                  "loader.maxDecodeBytes",
			"loader.networkretries":                  "loader.networkRetries",
			"loader.scannetworkchanges":              "loader.scanNetworkChanges",
			"loader.httptimeoutseconds":              "loader.httpTimeoutSeconds",
			"loader.useragent":                       "loader.userAgent",
			"loader.resourcesfolder":                 "loader.resourcesFolder",
			"loader.probe.intervalseconds":           "loader.probe.intervalSeconds",
			"loader.downloadcache.backend":           "loader.downloadCache.backend",
			"loader.downloadcache.ttlseconds":        "loader.downloadCache.ttlSeconds",
			"loader.downloadcache.maxentries":        "loader.downloadCache.maxEntries",
			"loader.downloadcache.redis.address":     "loader.downloadCache.redis.address",
			"loader.downloadcache.redis.username":    "loader.downloadCache.redis.username",
			"loader.downloadcache.redis.password":    "loader.downloadCache.redis.password",
			"loader.downloadcache.redis.db":          "loader.downloadCache.redis.db",
			"loader.downloadcache.redis.tls.enabled": "loader.downloadCache.redis.tls.enabled",
			"loader.downloadcache.redis.tls.cafile":  "loader.downloadCache.redis.tls.caFile",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (LOADER__PROBE__ADDRESS -> loader.probe.address).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineRewrites = cloneRewriteMap(cfg.Rewrites)

	bundle, err := buildRewriteBundle(ctx, cfg.InlineRewrites, cfg.Server.Rewrites)
	if err != nil {
		return Config{}, err
	}
	cfg.Rewrites = bundle.Rewrites
	cfg.RewriteSources = bundle.Sources
	cfg.SkippedDefinitions = bundle.Skipped
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	dc := cfg.Loader.DownloadCache
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
			"rewrites": map[string]any{
				"rewritesFolder": cfg.Server.Rewrites.RewritesFolder,
				"rewritesFile":   cfg.Server.Rewrites.RewritesFile,
			},
		},
		"loader": map[string]any{
			"workers":            cfg.Loader.Workers,
			"memoryCacheBytes":   cfg.Loader.MemoryCacheBytes,
			"maxDecodeBytes":     cfg.Loader.MaxDecodeBytes,
			"networkRetries":     cfg.Loader.NetworkRetries,
			"scanNetworkChanges": cfg.Loader.ScanNetworkChanges,
			"httpTimeoutSeconds": cfg.Loader.HTTPTimeoutSeconds,
			"userAgent":          cfg.Loader.UserAgent,
			"resourcesFolder":    cfg.Loader.ResourcesFolder,
			"network": map[string]any{
				"type":      cfg.Loader.Network.Type,
				"connected": cfg.Loader.Network.Connected,
			},
			"probe": map[string]any{
				"address":         cfg.Loader.Probe.Address,
				"intervalSeconds": cfg.Loader.Probe.IntervalSeconds,
			},
			"downloadCache": map[string]any{
				"backend":    dc.Backend,
				"ttlSeconds": dc.TTLSeconds,
				"maxEntries": dc.MaxEntries,
				"redis": map[string]any{
					"address":  dc.Redis.Address,
					"username": dc.Redis.Username,
					"password": dc.Redis.Password,
					"db":       dc.Redis.DB,
					"tls": map[string]any{
						"enabled": dc.Redis.TLS.Enabled,
						"caFile":  dc.Redis.TLS.CAFile,
					},
				},
			},
		},
	}
}
