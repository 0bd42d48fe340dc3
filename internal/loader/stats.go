package loader

import (
	"sync/atomic"
	"time"

	"github.com/l0p7/imgloader/internal/bitmap"
	"github.com/l0p7/imgloader/internal/cache"
	"github.com/l0p7/imgloader/internal/dispatcher"
	"github.com/l0p7/imgloader/internal/hunter"
	"github.com/l0p7/imgloader/internal/metrics"
	"github.com/l0p7/imgloader/internal/worker"
)

// Stats is a point-in-time view of loader activity.
type Stats struct {
	Cache      cache.Stats         `json:"cache"`
	Pool       worker.Stats        `json:"pool"`
	Dispatcher dispatcher.Snapshot `json:"dispatcher"`

	Downloads            uint64  `json:"downloads"`
	DownloadBytes        int64   `json:"downloadBytes"`
	AverageDownloadBytes float64 `json:"averageDownloadBytes"`

	Decoded             uint64  `json:"decoded"`
	DecodedBytes        int64   `json:"decodedBytes"`
	AverageDecodedBytes float64 `json:"averageDecodedBytes"`

	Transformed             uint64  `json:"transformed"`
	TransformedBytes        int64   `json:"transformedBytes"`
	AverageTransformedBytes float64 `json:"averageTransformedBytes"`

	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Skipped   uint64 `json:"skipped"`
}

// collector implements hunter.Observer and counts deliveries. Every count is
// mirrored to the Prometheus recorder when one is configured.
type collector struct {
	recorder *metrics.Recorder

	downloads        atomic.Uint64
	downloadBytes    atomic.Int64
	decoded          atomic.Uint64
	decodedBytes     atomic.Int64
	transformed      atomic.Uint64
	transformedBytes atomic.Int64
	delivered        atomic.Uint64
	failed           atomic.Uint64
	skipped          atomic.Uint64
}

var _ hunter.Observer = (*collector)(nil)

func (c *collector) HunterFinished(handlerName string, status hunter.Status, elapsed time.Duration) {
	c.recorder.ObserveHunter(handlerName, string(status), elapsed)
}

func (c *collector) Downloaded(n int64) {
	c.downloads.Add(1)
	c.downloadBytes.Add(n)
	c.recorder.ObserveDownload(n)
}

func (c *collector) BitmapDecoded(b *bitmap.Bitmap) {
	c.decoded.Add(1)
	c.decodedBytes.Add(int64(b.ByteCount()))
	c.recorder.ObserveBitmap("decoded", b.ByteCount())
}

func (c *collector) BitmapTransformed(b *bitmap.Bitmap) {
	c.transformed.Add(1)
	c.transformedBytes.Add(int64(b.ByteCount()))
	c.recorder.ObserveBitmap("transformed", b.ByteCount())
}

func (c *collector) delivery(result string) {
	switch result {
	case "complete":
		c.delivered.Add(1)
	case "error":
		c.failed.Add(1)
	default:
		c.skipped.Add(1)
	}
	c.recorder.ObserveDelivery(result)
}

func (c *collector) fill(s *Stats) {
	s.Downloads = c.downloads.Load()
	s.DownloadBytes = c.downloadBytes.Load()
	s.AverageDownloadBytes = average(s.DownloadBytes, s.Downloads)
	s.Decoded = c.decoded.Load()
	s.DecodedBytes = c.decodedBytes.Load()
	s.AverageDecodedBytes = average(s.DecodedBytes, s.Decoded)
	s.Transformed = c.transformed.Load()
	s.TransformedBytes = c.transformedBytes.Load()
	s.AverageTransformedBytes = average(s.TransformedBytes, s.Transformed)
	s.Delivered = c.delivered.Load()
	s.Failed = c.failed.Load()
	s.Skipped = c.skipped.Load()
}

func average(total int64, count uint64) float64 {
	if count == 0 {
		return 0
	}
	return float64(total) / float64(count)
}
