package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/l0p7/imgloader/internal/cache"
	"github.com/l0p7/imgloader/internal/handler"
	"github.com/l0p7/imgloader/internal/metrics"
	"github.com/l0p7/imgloader/internal/request"
)

// CachingOption configures a Caching downloader.
type CachingOption func(*Caching)

// WithRecorder reports lookups and stores under the backend label.
func WithRecorder(rec *metrics.Recorder, backend string) CachingOption {
	return func(c *Caching) {
		c.recorder = rec
		c.backend = backend
	}
}

// Caching serves downloads from a cache.Store before falling through to the
// network, and collapses concurrent downloads of one URI. Several request keys
// (different sizes or transformations) commonly share a URI, so this dedup
// sits below the per-key hunter dedup.
type Caching struct {
	next     handler.Downloader
	store    cache.Store
	logger   *slog.Logger
	recorder *metrics.Recorder
	backend  string
	group    singleflight.Group
}

func NewCaching(next handler.Downloader, store cache.Store, logger *slog.Logger, opts ...CachingOption) *Caching {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Caching{next: next, store: store, logger: logger.With(slog.String("agent", "download_cache")), backend: "memory"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Caching) Download(ctx context.Context, uri string, policy request.NetworkPolicy) (handler.Download, error) {
	if policy.ShouldReadCache() || policy.IsOfflineOnly() {
		start := time.Now()
		blob, ok, err := c.store.Lookup(ctx, uri)
		outcome := metrics.CacheLookupMiss
		switch {
		case err != nil:
			outcome = metrics.CacheLookupError
			c.logger.Warn("download cache lookup failed", slog.String("uri", uri), slog.Any("error", err))
		case ok:
			outcome = metrics.CacheLookupHit
		}
		c.recorder.ObserveCacheLookup(c.backend, outcome, time.Since(start))
		if ok {
			return handler.Download{Data: blob.Data, MediaType: blob.MediaType, FromCache: true}, nil
		}
	}
	if policy.IsOfflineOnly() {
		return handler.Download{}, fmt.Errorf("fetch: %s: %w", uri, handler.ErrNotCached)
	}

	store := policy.ShouldWriteCache()
	key := uri
	if !store {
		key = "nostore\x00" + uri
	}
	// The shared download outlives any one caller; each caller still returns
	// as soon as its own context ends.
	ch := c.group.DoChan(key, func() (any, error) {
		dl, err := c.next.Download(context.WithoutCancel(ctx), uri, policy&^request.NetworkOffline)
		if err != nil {
			return handler.Download{}, err
		}
		if store {
			start := time.Now()
			blob := cache.Blob{Data: dl.Data, MediaType: dl.MediaType, StoredAt: start.UTC()}
			outcome := metrics.CacheStoreStored
			if err := c.store.Save(context.WithoutCancel(ctx), uri, blob); err != nil {
				outcome = metrics.CacheStoreError
				c.logger.Warn("download cache save failed", slog.String("uri", uri), slog.Any("error", err))
			}
			c.recorder.ObserveCacheStore(c.backend, outcome, time.Since(start))
		}
		return dl, nil
	})
	select {
	case <-ctx.Done():
		return handler.Download{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return handler.Download{}, res.Err
		}
		return res.Val.(handler.Download), nil
	}
}

// Invalidate drops every stored download whose URI starts with prefix.
func (c *Caching) Invalidate(ctx context.Context, prefix string) error {
	return c.store.DeletePrefix(ctx, prefix)
}
