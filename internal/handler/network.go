package handler

import (
	"context"
	"fmt"

	"github.com/l0p7/imgloader/internal/bitmap"
	"github.com/l0p7/imgloader/internal/netstate"
	"github.com/l0p7/imgloader/internal/request"
)

// DefaultNetworkRetries is the retry budget of a network hunter.
const DefaultNetworkRetries = 2

// Download is a fetched payload.
type Download struct {
	Data      []byte
	MediaType string
	FromCache bool
}

// Downloader fetches the bytes behind an http(s) URI.
type Downloader interface {
	Download(ctx context.Context, uri string, policy request.NetworkPolicy) (Download, error)
}

// Network loads http and https URIs.
type Network struct {
	downloader Downloader
	retries    int
	maxBytes   int64
}

// NewNetwork uses downloader; a negative retries selects the default budget.
func NewNetwork(downloader Downloader, retries int, maxDecodeBytes int64) *Network {
	if retries < 0 {
		retries = DefaultNetworkRetries
	}
	return &Network{downloader: downloader, retries: retries, maxBytes: maxDecodeBytes}
}

func (n *Network) Name() string { return "network" }

func (n *Network) CanHandle(req request.Request) bool {
	switch req.Scheme() {
	case "http", "https":
		return true
	default:
		return false
	}
}

func (n *Network) Load(ctx context.Context, req request.Request) (Result, error) {
	dl, err := n.downloader.Download(ctx, req.URI, req.NetworkPolicy)
	if err != nil {
		return Result{}, err
	}
	if len(dl.Data) == 0 {
		return Result{}, fmt.Errorf("handler: empty body from %s: %w", req.URI, ErrTransient)
	}
	bmp, _, err := bitmap.DecodeBytes(dl.Data, n.maxBytes)
	if err != nil {
		return Result{}, err
	}
	res := Result{Bitmap: bmp, From: FromNetwork}
	if dl.FromCache {
		res.From = FromDisk
	} else {
		res.DownloadedBytes = int64(len(dl.Data))
	}
	return res, nil
}

func (n *Network) RetryCount() int { return n.retries }

// ShouldRetry retries unless the device is in airplane mode or known to be
// offline.
func (n *Network) ShouldRetry(airplane bool, info *netstate.Info) bool {
	return !airplane && (info == nil || info.Connected)
}

func (n *Network) SupportsReplay() bool { return true }
