package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gavv/httpexpect/v2"
	"github.com/l0p7/imgloader/internal/cache"
	"github.com/l0p7/imgloader/internal/config"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBuildDownloadStore(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func(t *testing.T) config.DownloadCacheConfig
		verify func(t *testing.T, store cache.Store)
	}{
		{
			name: "defaults to memory",
			cfg: func(t *testing.T) config.DownloadCacheConfig {
				return config.DownloadCacheConfig{TTLSeconds: 1}
			},
			verify: func(t *testing.T, store cache.Store) {
				ctx := context.Background()
				require.NoError(t, store.Save(ctx, "https://x/a.png", cache.Blob{Data: []byte("a")}))
				_, ok, err := store.Lookup(ctx, "https://x/a.png")
				require.NoError(t, err)
				require.True(t, ok)
			},
		},
		{
			name: "none keeps nothing",
			cfg: func(t *testing.T) config.DownloadCacheConfig {
				return config.DownloadCacheConfig{Backend: "none"}
			},
			verify: func(t *testing.T, store cache.Store) {
				ctx := context.Background()
				require.NoError(t, store.Save(ctx, "k", cache.Blob{Data: []byte("a")}))
				_, ok, err := store.Lookup(ctx, "k")
				require.NoError(t, err)
				require.False(t, ok)
			},
		},
		{
			name: "constructs redis store",
			cfg: func(t *testing.T) config.DownloadCacheConfig {
				server, err := miniredis.Run()
				if err != nil {
					if strings.Contains(err.Error(), "operation not permitted") {
						t.Skip("miniredis unavailable in sandbox")
					}
					require.NoError(t, err)
				}
				t.Cleanup(server.Close)
				return config.DownloadCacheConfig{
					Backend:    "redis",
					TTLSeconds: 60,
					Redis:      config.RedisConfig{Address: server.Addr()},
				}
			},
			verify: func(t *testing.T, store cache.Store) {
				ctx := context.Background()
				require.NoError(t, store.Save(ctx, "https://x/a.png", cache.Blob{Data: []byte("abc"), MediaType: "image/png"}))
				blob, ok, err := store.Lookup(ctx, "https://x/a.png")
				require.NoError(t, err)
				require.True(t, ok, "expected lookup to succeed")
				require.Equal(t, "abc", string(blob.Data))
			},
		},
		{
			name: "redis failure falls back to memory",
			cfg: func(t *testing.T) config.DownloadCacheConfig {
				return config.DownloadCacheConfig{Backend: "redis"}
			},
			verify: func(t *testing.T, store cache.Store) {
				ctx := context.Background()
				require.NoError(t, store.Save(ctx, "k", cache.Blob{Data: []byte("a")}))
				_, ok, err := store.Lookup(ctx, "k")
				require.NoError(t, err)
				require.True(t, ok)
			},
		},
		{
			name: "unknown backend defaults to memory",
			cfg: func(t *testing.T) config.DownloadCacheConfig {
				return config.DownloadCacheConfig{Backend: "carrier-pigeon"}
			},
			verify: func(t *testing.T, store cache.Store) {
				require.NotNil(t, store)
				size, err := store.Size(context.Background())
				require.NoError(t, err)
				require.Zero(t, size)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := buildDownloadStore(newTestLogger(), tc.cfg(t))
			t.Cleanup(func() {
				require.NoError(t, store.Close(context.Background()))
			})
			tc.verify(t, store)
		})
	}
}

func TestFolderResolver(t *testing.T) {
	files := fstest.MapFS{"icons/logo.png": {Data: []byte("png")}}
	resolver := folderResolver(files)

	rc, err := resolver.Open(context.Background(), "content://icons/logo.png")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "png", string(data))

	_, err = resolver.Open(context.Background(), "content://icons/missing.png")
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = resolver.Open(context.Background(), "content://")
	require.Error(t, err)
}

func TestRunConfigError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  listen:\n    port: -1\n"), 0o600))

	err := run(context.Background(), "IMGLOADER_TEST_UNUSED", path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "load configuration")
}

func TestRunServerConstructorError(t *testing.T) {
	overrideHTTPServer(t, func(config.ListenConfig, *slog.Logger, http.Handler) (runnableServer, error) {
		return nil, errors.New("construct failed")
	})

	err := run(context.Background(), "IMGLOADER_TEST_UNUSED", writeConfig(t, ""))
	require.Error(t, err)
	require.Contains(t, err.Error(), "construct failed")
}

func TestRunServerRunError(t *testing.T) {
	overrideHTTPServer(t, func(config.ListenConfig, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: errors.New("run failed")}, nil
	})

	err := run(context.Background(), "IMGLOADER_TEST_UNUSED", writeConfig(t, ""))
	require.Error(t, err)
	require.Contains(t, err.Error(), "run failed")
}

func TestRunServesRewrittenImages(t *testing.T) {
	var hits atomic.Int32
	images := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/photos/cat.png" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_ = png.Encode(w, solid(8, 6))
	}))
	t.Cleanup(images.Close)

	rewrites := fmt.Sprintf(`
rewrites:
  cdn:
    match: 'request.scheme == "cdn"'
    uri: '"%s" + request.path'
`, images.URL)

	handlers := make(chan http.Handler, 1)
	overrideHTTPServer(t, func(_ config.ListenConfig, _ *slog.Logger, h http.Handler) (runnableServer, error) {
		handlers <- h
		return &stubServer{block: true}, nil
	})

	configPath := writeConfig(t, rewrites)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errs := make(chan error, 1)
	go func() { errs <- run(ctx, "IMGLOADER_TEST_UNUSED", configPath) }()

	var admin http.Handler
	select {
	case admin = <-handlers:
	case err := <-errs:
		t.Fatalf("run returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("admin handler was never constructed")
	}

	api := httptest.NewServer(admin)
	t.Cleanup(api.Close)
	e := httpexpect.Default(t, api.URL)

	e.GET("/healthz").Expect().Status(http.StatusOK).
		JSON().Object().
		HasValue("status", "ok").
		Value("rewrites").Array().ContainsOnly("cdn")

	e.GET("/load").WithQuery("uri", "cdn:///photos/cat.png").WithQuery("w", 4).WithQuery("h", 3).
		Expect().Status(http.StatusOK).
		HasContentType("image/png").
		Header("X-Loaded-From").IsEqual("network")

	resp := e.GET("/load").WithQuery("uri", "cdn:///photos/cat.png").WithQuery("w", 4).WithQuery("h", 3).
		Expect().Status(http.StatusOK)
	resp.Header("X-Loaded-From").IsEqual("memory")
	resp.Header("X-Image-Size").IsEqual("4x3")
	require.EqualValues(t, 1, hits.Load())

	e.GET("/load").WithQuery("uri", "cdn:///photos/dog.png").
		Expect().Status(http.StatusNotFound)

	e.GET("/metrics").Expect().Status(http.StatusOK).
		Body().Contains("imgloader_")

	cancel()
	select {
	case err := <-errs:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}

func solid(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	return img
}

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	base := `
server:
  listen:
    address: 127.0.0.1
    port: 18080
  logging:
    level: error
    format: text
loader:
  workers: 2
  networkRetries: 0
  scanNetworkChanges: false
  httpTimeoutSeconds: 5
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(base+extra), 0o600))
	return path
}

func overrideHTTPServer(t *testing.T, fn func(config.ListenConfig, *slog.Logger, http.Handler) (runnableServer, error)) {
	original := newHTTPServer
	newHTTPServer = fn
	t.Cleanup(func() { newHTTPServer = original })
}

type stubServer struct {
	err   error
	block bool
}

func (s *stubServer) Run(ctx context.Context) error {
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.err
}
