package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/l0p7/imgloader/internal/cache"
	"github.com/l0p7/imgloader/internal/config"
	"github.com/l0p7/imgloader/internal/fetch"
	"github.com/l0p7/imgloader/internal/handler"
	"github.com/l0p7/imgloader/internal/loader"
	"github.com/l0p7/imgloader/internal/logging"
	"github.com/l0p7/imgloader/internal/metrics"
	"github.com/l0p7/imgloader/internal/netstate"
	"github.com/l0p7/imgloader/internal/rewrite"
	"github.com/l0p7/imgloader/internal/server"
	"github.com/l0p7/imgloader/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
)

// runnableServer is the part of *server.Server that run drives.
type runnableServer interface {
	Run(ctx context.Context) error
}

var newHTTPServer = func(cfg config.ListenConfig, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
	return server.New(cfg, logger, handler)
}

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", config.EnvPrefix, "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	cfgLoader := config.NewLoader(envPrefix, configFile)
	cfg, err := cfgLoader.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging, nil)
	if err != nil {
		return fmt.Errorf("failed to configure logger: %w", err)
	}

	err = serve(ctx, cfgLoader, cfg, logger)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		return err
	}
	logger.Info("server shutdown complete")
	return nil
}

func serve(ctx context.Context, cfgLoader *config.Loader, cfg config.Config, logger *slog.Logger) error {
	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	storeLogger := logger.With(slog.String("agent", "cache_factory"))
	store := buildDownloadStore(storeLogger, cfg.Loader.DownloadCache)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Error("download cache shutdown failed", slog.Any("error", err))
		}
	}()

	downloads := fetch.NewCaching(
		fetch.NewHTTPDownloader(
			fetch.WithTimeout(cfg.Loader.HTTPTimeout()),
			fetch.WithUserAgent(cfg.Loader.UserAgent),
			fetch.WithMaxBodyBytes(cfg.Loader.MaxDecodeBytes),
		),
		store,
		logger,
		fetch.WithRecorder(recorder, cfg.Loader.DownloadCache.DownloadBackend()),
	)

	network, stopNetwork := buildNetwork(ctx, logger, cfg.Loader)
	defer stopNetwork()

	workers := cfg.Loader.Workers
	if workers == 0 {
		workers = network.Current().Type.SuggestedWorkers()
	}

	engine, err := rewrite.New(network, logger)
	if err != nil {
		return fmt.Errorf("rewrite engine: %w", err)
	}
	engine.ApplyBundle(config.RewriteBundle{
		Rewrites: cfg.Rewrites,
		Sources:  cfg.RewriteSources,
		Skipped:  cfg.SkippedDefinitions,
	})

	imgLoader, err := loader.New(loader.Config{
		Handlers:           buildHandlers(cfg.Loader, downloads),
		Cache:              cache.NewMemory(cfg.Loader.MemoryCacheBytes, nil),
		Pool:               worker.New(workers, logger),
		Network:            network,
		Transformer:        engine,
		Listener:           failureLogger{logger: logger.With(slog.String("agent", "loader"))},
		Downloads:          downloads,
		Recorder:           recorder,
		Logger:             logger,
		ScanNetworkChanges: cfg.Loader.ScanNetworkChanges,
		AdaptiveWorkers:    cfg.Loader.Workers == 0,
	})
	if err != nil {
		return fmt.Errorf("loader: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := imgLoader.Shutdown(shutdownCtx); err != nil {
			logger.Error("loader shutdown failed", slog.Any("error", err))
		}
	}()

	if cfg.Server.Rewrites.RewritesFile != "" || cfg.Server.Rewrites.RewritesFolder != "" {
		watcher, err := cfgLoader.WatchRewrites(ctx, cfg, engine.ApplyBundle, func(err error) {
			if err != nil {
				logger.Error("rewrites watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("rewrites watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	adminHandler, err := server.NewHandler(server.Options{
		Loader:   imgLoader,
		Network:  network,
		Rewrites: engine,
		Metrics:  recorder.Handler(),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("admin handler: %w", err)
	}

	srv, err := newHTTPServer(cfg.Server.Listen, logger, adminHandler)
	if err != nil {
		return fmt.Errorf("unable to construct server: %w", err)
	}
	return srv.Run(ctx)
}

// connectivity is what both the loader and the admin endpoints need from the
// network provider.
type connectivity interface {
	netstate.Provider
	SetInfo(netstate.Info)
	SetAirplaneMode(bool)
}

func buildNetwork(ctx context.Context, logger *slog.Logger, cfg config.LoaderConfig) (connectivity, func()) {
	netType := netstate.ParseType(cfg.Network.Type)
	if address := strings.TrimSpace(cfg.Probe.Address); address != "" {
		prober := netstate.NewProber(address, cfg.Probe.Interval(), netType, logger)
		prober.Start(ctx)
		logger.Info("probing connectivity", slog.String("address", address), slog.Duration("interval", cfg.Probe.Interval()))
		return prober, prober.Stop
	}
	return netstate.NewManual(netstate.Info{Connected: cfg.Network.Connected, Type: netType}), func() {}
}

func buildHandlers(cfg config.LoaderConfig, downloads handler.Downloader) handler.Chain {
	var files fs.FS = emptyFS{}
	if folder := strings.TrimSpace(cfg.ResourcesFolder); folder != "" {
		files = os.DirFS(folder)
	}
	return handler.NewChain(
		handler.NewResource(files, nil, cfg.MaxDecodeBytes),
		handler.NewContent(folderResolver(files), cfg.MaxDecodeBytes),
		handler.NewFile(cfg.MaxDecodeBytes),
		handler.NewNetwork(downloads, cfg.NetworkRetries, cfg.MaxDecodeBytes),
	)
}

// folderResolver maps content://<authority>/<path> onto <authority>/<path>
// inside files.
func folderResolver(files fs.FS) handler.ContentResolver {
	return handler.ContentResolverFunc(func(_ context.Context, uri string) (io.ReadCloser, error) {
		u, err := url.Parse(uri)
		if err != nil {
			return nil, err
		}
		name := path.Clean(strings.TrimPrefix(path.Join(u.Host, u.Path), "/"))
		if !fs.ValidPath(name) || name == "." {
			return nil, fmt.Errorf("content: invalid path %q", uri)
		}
		return files.Open(name)
	})
}

type emptyFS struct{}

func (emptyFS) Open(name string) (fs.File, error) {
	return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
}

type failureLogger struct {
	logger *slog.Logger
}

func (f failureLogger) ImageLoadFailed(uri string, err error) {
	f.logger.Warn("image load failed", slog.String("uri", uri), slog.Any("error", err))
}

func buildDownloadStore(logger *slog.Logger, cfg config.DownloadCacheConfig) cache.Store {
	ttl := cfg.TTL()
	switch backend := cfg.DownloadBackend(); backend {
	case config.BackendMemory:
		if logger != nil {
			logger.Info("using memory download cache", slog.Duration("ttl", ttl), slog.Int("max_entries", cfg.MaxEntries))
		}
		return cache.NewMemoryStore(ttl, cfg.MaxEntries)
	case config.BackendNone:
		if logger != nil {
			logger.Info("download cache disabled")
		}
		return cache.NoStore
	case config.BackendRedis:
		redisStore, err := cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
			TTL: ttl,
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis download cache initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory download cache")
			}
			return cache.NewMemoryStore(ttl, cfg.MaxEntries)
		}
		if logger != nil {
			logger.Info("using redis download cache", slog.String("address", cfg.Redis.Address))
		}
		return redisStore
	default:
		if logger != nil {
			logger.Warn("unsupported download cache backend, defaulting to memory", slog.String("backend", backend))
		}
		return cache.NewMemoryStore(ttl, cfg.MaxEntries)
	}
}
