// Package handler turns a request into a decoded bitmap. Each Handler owns one
// kind of source; the Chain picks the first that claims a request.
package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/l0p7/imgloader/internal/bitmap"
	"github.com/l0p7/imgloader/internal/netstate"
	"github.com/l0p7/imgloader/internal/request"
)

// ErrTransient marks failures worth retrying: I/O timeouts, dropped
// connections and retryable HTTP statuses.
var ErrTransient = errors.New("handler: transient failure")

// ErrNotCached is returned for offline-only requests whose bytes are not in
// the download cache.
var ErrNotCached = errors.New("handler: not in download cache")

// ResponseError reports a non-success HTTP status.
type ResponseError struct {
	URI  string
	Code int
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("handler: %s returned %d %s", e.URI, e.Code, http.StatusText(e.Code))
}

// Unwrap classifies 5xx, 408 and 429 as transient.
func (e *ResponseError) Unwrap() error {
	if e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests {
		return ErrTransient
	}
	return nil
}

// LoadedFrom names where a bitmap came from.
type LoadedFrom int

const (
	FromMemory LoadedFrom = iota
	FromDisk
	FromNetwork
)

func (l LoadedFrom) String() string {
	switch l {
	case FromMemory:
		return "memory"
	case FromDisk:
		return "disk"
	default:
		return "network"
	}
}

// Result is a decoded bitmap plus provenance.
type Result struct {
	Bitmap          *bitmap.Bitmap
	From            LoadedFrom
	DownloadedBytes int64
}

// Handler loads one kind of source.
type Handler interface {
	Name() string
	CanHandle(req request.Request) bool
	Load(ctx context.Context, req request.Request) (Result, error)
	// RetryCount is the retry budget a hunter starts with.
	RetryCount() int
	// ShouldRetry decides whether a failed attempt is retried under the given
	// connectivity. info is nil when connectivity is unknown.
	ShouldRetry(airplane bool, info *netstate.Info) bool
	SupportsReplay() bool
}

// noRetry is embedded by handlers whose sources never recover by retrying.
type noRetry struct{}

func (noRetry) RetryCount() int                       { return 0 }
func (noRetry) ShouldRetry(bool, *netstate.Info) bool { return false }
func (noRetry) SupportsReplay() bool                  { return false }

// Chain resolves handlers in order.
type Chain []Handler

// NewChain orders handlers as resource, custom extensions, content, file,
// network. Nil built-ins are skipped.
func NewChain(resource, content, file, network Handler, custom ...Handler) Chain {
	chain := make(Chain, 0, 4+len(custom))
	if resource != nil {
		chain = append(chain, resource)
	}
	for _, h := range custom {
		if h != nil {
			chain = append(chain, h)
		}
	}
	for _, h := range []Handler{content, file, network} {
		if h != nil {
			chain = append(chain, h)
		}
	}
	return chain
}

// Resolve returns the first handler that claims req.
func (c Chain) Resolve(req request.Request) (Handler, bool) {
	for _, h := range c {
		if h.CanHandle(req) {
			return h, true
		}
	}
	return nil, false
}
