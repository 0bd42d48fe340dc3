package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/l0p7/imgloader/internal/cache"
	"github.com/l0p7/imgloader/internal/worker"
)

// CacheOperation identifies the download cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records download cache lookup calls.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records download cache store attempts.
	CacheOperationStore CacheOperation = "store"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates the lookup served stored bytes.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates nothing was stored for the URI.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupError indicates the lookup failed due to an error.
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	// CacheStoreStored indicates the download was persisted.
	CacheStoreStored CacheStoreOutcome = "stored"
	// CacheStoreError indicates the store operation failed.
	CacheStoreError CacheStoreOutcome = "error"
)

// DispatcherState is the dispatcher occupancy exported as gauges.
type DispatcherState struct {
	Hunters int
	Failed  int
	Paused  int
}

// Recorder publishes Prometheus metrics for loader activity.
type Recorder struct {
	registry *prometheus.Registry
	handler  http.Handler

	hunts        *prometheus.CounterVec
	huntLatency  *prometheus.HistogramVec
	downloads    prometheus.Counter
	downloadSize prometheus.Counter
	bitmapBytes  *prometheus.HistogramVec
	deliveries   *prometheus.CounterVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	hunts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imgloader",
		Subsystem: "hunter",
		Name:      "runs_total",
		Help:      "Hunter runs by handler and how they ended.",
	}, []string{"handler", "status"})

	huntLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "imgloader",
		Subsystem: "hunter",
		Name:      "run_duration_seconds",
		Help:      "Latency distribution for hunter runs.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"handler", "status"})

	downloads := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "imgloader",
		Subsystem: "network",
		Name:      "downloads_total",
		Help:      "Images fetched from the network.",
	})

	downloadSize := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "imgloader",
		Subsystem: "network",
		Name:      "download_bytes_total",
		Help:      "Bytes fetched from the network.",
	})

	bitmapBytes := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "imgloader",
		Subsystem: "bitmap",
		Name:      "bytes",
		Help:      "Decoded and transformed bitmap sizes.",
		Buckets:   prometheus.ExponentialBuckets(1024, 4, 10),
	}, []string{"stage"})

	deliveries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imgloader",
		Subsystem: "delivery",
		Name:      "total",
		Help:      "Target deliveries by result.",
	}, []string{"result"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "imgloader",
		Subsystem: "download_cache",
		Name:      "operations_total",
		Help:      "Download cache operations.",
	}, []string{"backend", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "imgloader",
		Subsystem: "download_cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for download cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"backend", "operation", "result"})

	reg.MustRegister(hunts, huntLatency, downloads, downloadSize, bitmapBytes, deliveries, cacheOperations, cacheLatency)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		registry:        reg,
		handler:         handler,
		hunts:           hunts,
		huntLatency:     huntLatency,
		downloads:       downloads,
		downloadSize:    downloadSize,
		bitmapBytes:     bitmapBytes,
		deliveries:      deliveries,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.registry
}

// ObserveHunter records one finished hunter run.
func (r *Recorder) ObserveHunter(handler, status string, duration time.Duration) {
	if r == nil {
		return
	}
	handlerLabel := normalizeLabel(handler)
	statusLabel := normalizeLabel(status)
	r.hunts.WithLabelValues(handlerLabel, statusLabel).Inc()
	r.huntLatency.WithLabelValues(handlerLabel, statusLabel).Observe(duration.Seconds())
}

// ObserveDownload records bytes fetched from the network.
func (r *Recorder) ObserveDownload(bytes int64) {
	if r == nil {
		return
	}
	r.downloads.Inc()
	if bytes > 0 {
		r.downloadSize.Add(float64(bytes))
	}
}

// ObserveBitmap records a bitmap size at a pipeline stage (decoded, transformed).
func (r *Recorder) ObserveBitmap(stage string, bytes int) {
	if r == nil {
		return
	}
	r.bitmapBytes.WithLabelValues(normalizeLabel(stage)).Observe(float64(bytes))
}

// ObserveDelivery records a delivery result (complete, error, skipped).
func (r *Recorder) ObserveDelivery(result string) {
	if r == nil {
		return
	}
	r.deliveries.WithLabelValues(normalizeLabel(result)).Inc()
}

// ObserveCacheLookup records the result of a download cache lookup.
func (r *Recorder) ObserveCacheLookup(backend string, result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(normalizeLabel(backend), CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a download cache store attempt.
func (r *Recorder) ObserveCacheStore(backend string, result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(normalizeLabel(backend), CacheOperationStore, resultLabel, duration)
}

func (r *Recorder) observeCache(backend string, operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(backend, opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(backend, opLabel, resLabel).Observe(duration.Seconds())
}

// RegisterMemoryCache exports the memory cache counters, read at scrape time.
func (r *Recorder) RegisterMemoryCache(stats func() cache.Stats) {
	if r == nil || stats == nil {
		return
	}
	gauge := func(name, help string, value func(cache.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "imgloader", Subsystem: "memory_cache", Name: name, Help: help,
		}, func() float64 { return value(stats()) })
	}
	counter := func(name, help string, value func(cache.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "imgloader", Subsystem: "memory_cache", Name: name, Help: help,
		}, func() float64 { return float64(value(stats())) })
	}
	r.registry.MustRegister(
		gauge("size_bytes", "Bytes held by the memory cache.", func(s cache.Stats) float64 { return float64(s.Size) }),
		gauge("max_size_bytes", "Memory cache capacity.", func(s cache.Stats) float64 { return float64(s.MaxSize) }),
		gauge("entries", "Entries held by the memory cache.", func(s cache.Stats) float64 { return float64(s.Entries) }),
		counter("hits_total", "Memory cache hits.", func(s cache.Stats) uint64 { return s.Hits }),
		counter("misses_total", "Memory cache misses.", func(s cache.Stats) uint64 { return s.Misses }),
		counter("puts_total", "Memory cache insertions.", func(s cache.Stats) uint64 { return s.Puts }),
		counter("evictions_total", "Memory cache evictions.", func(s cache.Stats) uint64 { return s.Evictions }),
	)
}

// RegisterPool exports worker pool occupancy.
func (r *Recorder) RegisterPool(stats func() worker.Stats) {
	if r == nil || stats == nil {
		return
	}
	gauge := func(name, help string, value func(worker.Stats) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "imgloader", Subsystem: "worker_pool", Name: name, Help: help,
		}, func() float64 { return float64(value(stats())) })
	}
	r.registry.MustRegister(
		gauge("limit", "Concurrent job limit.", func(s worker.Stats) int { return s.Limit }),
		gauge("running", "Jobs currently running.", func(s worker.Stats) int { return s.Running }),
		gauge("queued", "Jobs waiting for a worker.", func(s worker.Stats) int { return s.Queued }),
	)
}

// RegisterDispatcher exports dispatcher occupancy.
func (r *Recorder) RegisterDispatcher(state func() DispatcherState) {
	if r == nil || state == nil {
		return
	}
	gauge := func(name, help string, value func(DispatcherState) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "imgloader", Subsystem: "dispatcher", Name: name, Help: help,
		}, func() float64 { return float64(value(state())) })
	}
	r.registry.MustRegister(
		gauge("hunters", "In-flight hunters.", func(s DispatcherState) int { return s.Hunters }),
		gauge("failed_actions", "Actions waiting for a reconnect replay.", func(s DispatcherState) int { return s.Failed }),
		gauge("paused_actions", "Actions held by paused tags.", func(s DispatcherState) int { return s.Paused }),
	)
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
