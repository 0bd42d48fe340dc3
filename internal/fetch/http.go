// Package fetch implements handler.Downloader over HTTP and layers the
// download cache in front of it.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/l0p7/imgloader/internal/handler"
	"github.com/l0p7/imgloader/internal/request"
)

// DefaultMaxBodyBytes caps a single download.
const DefaultMaxBodyBytes = 32 << 20

// HTTPOption configures an HTTPDownloader.
type HTTPOption func(*HTTPDownloader)

// WithClient replaces the HTTP client.
func WithClient(c *http.Client) HTTPOption {
	return func(d *HTTPDownloader) {
		if c != nil {
			d.client = c
		}
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) HTTPOption {
	return func(d *HTTPDownloader) { d.userAgent = ua }
}

// WithTimeout bounds each request.
func WithTimeout(timeout time.Duration) HTTPOption {
	return func(d *HTTPDownloader) { d.timeout = timeout }
}

// WithMaxBodyBytes caps the response body size.
func WithMaxBodyBytes(n int64) HTTPOption {
	return func(d *HTTPDownloader) {
		if n > 0 {
			d.maxBody = n
		}
	}
}

// HTTPDownloader fetches image bytes with net/http.
type HTTPDownloader struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
	maxBody   int64
}

func NewHTTPDownloader(opts ...HTTPOption) *HTTPDownloader {
	d := &HTTPDownloader{
		client:    http.DefaultClient,
		userAgent: "imgloader",
		timeout:   15 * time.Second,
		maxBody:   DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Download ignores the cache flags of policy; see Caching.
func (d *HTTPDownloader) Download(ctx context.Context, uri string, policy request.NetworkPolicy) (handler.Download, error) {
	if policy.IsOfflineOnly() {
		return handler.Download{}, fmt.Errorf("fetch: %s: %w", uri, handler.ErrNotCached)
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return handler.Download{}, fmt.Errorf("fetch: build request: %w", err)
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}
	req.Header.Set("Accept", "image/webp,image/png,image/jpeg,image/gif,*/*;q=0.5")

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return handler.Download{}, err
		}
		return handler.Download{}, fmt.Errorf("fetch: %s: %w: %w", uri, handler.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return handler.Download{}, &handler.ResponseError{URI: uri, Code: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBody+1))
	if err != nil {
		return handler.Download{}, fmt.Errorf("fetch: read %s: %w: %w", uri, handler.ErrTransient, err)
	}
	if int64(len(data)) > d.maxBody {
		return handler.Download{}, fmt.Errorf("fetch: %s exceeds %d bytes", uri, d.maxBody)
	}
	return handler.Download{Data: data, MediaType: resp.Header.Get("Content-Type")}, nil
}
