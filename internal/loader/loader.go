// Package loader is the public face of the image loader: it validates
// requests, tracks which action each target is waiting on and delivers
// dispatcher outcomes on the delivery executor.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/imgloader/internal/action"
	"github.com/l0p7/imgloader/internal/bitmap"
	"github.com/l0p7/imgloader/internal/cache"
	"github.com/l0p7/imgloader/internal/delivery"
	"github.com/l0p7/imgloader/internal/dispatcher"
	"github.com/l0p7/imgloader/internal/handler"
	"github.com/l0p7/imgloader/internal/hunter"
	"github.com/l0p7/imgloader/internal/metrics"
	"github.com/l0p7/imgloader/internal/netstate"
	"github.com/l0p7/imgloader/internal/request"
	"github.com/l0p7/imgloader/internal/worker"
)

// ErrShutdown is returned by calls made after Shutdown.
var ErrShutdown = errors.New("loader: shut down")

// RequestTransformer rewrites every request before it is validated.
type RequestTransformer interface {
	TransformRequest(req request.Request) (request.Request, error)
}

// RequestTransformerFunc adapts a function to RequestTransformer.
type RequestTransformerFunc func(request.Request) (request.Request, error)

func (f RequestTransformerFunc) TransformRequest(req request.Request) (request.Request, error) {
	return f(req)
}

// Listener hears about every failed load.
type Listener interface {
	ImageLoadFailed(uri string, err error)
}

// DownloadInvalidator drops stored downloads; fetch.Caching implements it.
type DownloadInvalidator interface {
	Invalidate(ctx context.Context, prefix string) error
}

// Config wires a Loader. Handlers is required.
type Config struct {
	Handlers    handler.Chain
	Cache       cache.Cache
	Pool        *worker.Pool
	Network     netstate.Provider
	Executor    delivery.Executor
	Transformer RequestTransformer
	Listener    Listener
	Downloads   DownloadInvalidator
	Recorder    *metrics.Recorder
	Logger      *slog.Logger

	ScanNetworkChanges bool
	AdaptiveWorkers    bool
}

type Loader struct {
	cache     cache.Cache
	pool      *worker.Pool
	executor  delivery.Executor
	listener  Listener
	downloads DownloadInvalidator
	logger    *slog.Logger
	stats     *collector
	deps      hunter.Deps

	dispatcher *dispatcher.Dispatcher

	transformer atomic.Pointer[RequestTransformer]
	shutdown    atomic.Bool

	mu      sync.Mutex
	targets map[any]*action.Action
}

func New(cfg Config) (*Loader, error) {
	if len(cfg.Handlers) == 0 {
		return nil, errors.New("loader: at least one handler is required")
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.None
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Pool == nil {
		cfg.Pool = worker.New(netstate.DefaultWorkers, cfg.Logger)
	}
	if cfg.Executor == nil {
		cfg.Executor = delivery.NewSerial(cfg.Logger)
	}

	l := &Loader{
		cache:     cfg.Cache,
		pool:      cfg.Pool,
		executor:  cfg.Executor,
		listener:  cfg.Listener,
		downloads: cfg.Downloads,
		logger:    cfg.Logger.With(slog.String("agent", "loader")),
		stats:     &collector{recorder: cfg.Recorder},
		targets:   make(map[any]*action.Action),
	}
	if cfg.Transformer != nil {
		l.SetRequestTransformer(cfg.Transformer)
	}
	l.deps = hunter.Deps{Handlers: cfg.Handlers, Cache: cfg.Cache, Observer: l.stats, Logger: cfg.Logger}
	l.dispatcher = dispatcher.New(dispatcher.Options{
		Pool:               cfg.Pool,
		Cache:              cfg.Cache,
		Handlers:           cfg.Handlers,
		Network:            cfg.Network,
		Delivery:           l,
		Observer:           l.stats,
		Logger:             cfg.Logger,
		ScanNetworkChanges: cfg.ScanNetworkChanges,
		AdaptiveWorkers:    cfg.AdaptiveWorkers,
	})

	cfg.Recorder.RegisterMemoryCache(cfg.Cache.Stats)
	cfg.Recorder.RegisterPool(cfg.Pool.Stats)
	cfg.Recorder.RegisterDispatcher(func() metrics.DispatcherState {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		snap, err := l.dispatcher.Snapshot(ctx)
		if err != nil {
			return metrics.DispatcherState{}
		}
		return metrics.DispatcherState{Hunters: snap.Hunters, Failed: snap.Failed, Paused: snap.Paused}
	})
	return l, nil
}

// SetRequestTransformer replaces the transformer; nil removes it.
func (l *Loader) SetRequestTransformer(t RequestTransformer) {
	if t == nil {
		l.transformer.Store(nil)
		return
	}
	l.transformer.Store(&t)
}

func (l *Loader) prepare(req request.Request) (request.Request, error) {
	if l.shutdown.Load() {
		return req, ErrShutdown
	}
	if t := l.transformer.Load(); t != nil {
		transformed, err := (*t).TransformRequest(req)
		if err != nil {
			return req, fmt.Errorf("loader: transform request %s: %w", req.Name(), err)
		}
		req = transformed
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

// Load fetches req into target. A previous pending load into the same target
// is cancelled first. The returned action can be passed to CancelAction.
func (l *Loader) Load(req request.Request, target action.Target, opts action.Options) (*action.Action, error) {
	if target == nil {
		return nil, errors.New("loader: target must not be nil")
	}
	req, err := l.prepare(req)
	if err != nil {
		return nil, err
	}
	a := action.New(req, target, opts)
	l.replaceTarget(a)

	if req.MemoryPolicy.ShouldRead() {
		if b, ok := l.cache.Get(a.Key()); ok {
			l.forget(a)
			l.executor.Execute(func() { l.deliverOne(a, b, handler.FromMemory, nil) })
			return a, nil
		}
	}
	l.dispatcher.Submit(a)
	return a, nil
}

// Fetch warms the caches for req without binding a target. callbacks may be
// nil or shared between fetches; each fetch is tracked on its own.
func (l *Loader) Fetch(req request.Request, opts action.Options, callbacks *action.Funcs) (*action.Action, error) {
	req, err := l.prepare(req)
	if err != nil {
		return nil, err
	}
	if callbacks == nil {
		callbacks = &action.Funcs{}
	}
	a := action.NewFetch(req, callbacks, opts)
	if req.MemoryPolicy.ShouldRead() {
		if b, ok := l.cache.Get(a.Key()); ok {
			l.executor.Execute(func() { l.deliverOne(a, b, handler.FromMemory, nil) })
			return a, nil
		}
	}
	l.dispatcher.Submit(a)
	return a, nil
}

// Get loads req synchronously on the calling goroutine, bypassing the
// dispatcher. The result is not stored in the memory cache.
func (l *Loader) Get(ctx context.Context, req request.Request) (*bitmap.Bitmap, handler.LoadedFrom, error) {
	req, err := l.prepare(req)
	if err != nil {
		return nil, 0, err
	}
	h := hunter.For(0, action.New(req, nil, action.Options{}), l.deps)
	b, from, err := h.Hunt(ctx)
	if err != nil && l.listener != nil {
		l.listener.ImageLoadFailed(req.Name(), err)
	}
	return b, from, err
}

// Cancel drops the pending load into target, if any.
func (l *Loader) Cancel(target action.Target) {
	if target == nil || !reflect.ValueOf(target).Comparable() {
		return
	}
	l.mu.Lock()
	a, ok := l.targets[any(target)]
	delete(l.targets, any(target))
	l.mu.Unlock()
	if ok {
		l.cancel(a)
	}
}

// CancelAction cancels one load.
func (l *Loader) CancelAction(a *action.Action) {
	if a == nil {
		return
	}
	l.forget(a)
	l.cancel(a)
}

// CancelTag cancels every pending target load carrying tag.
func (l *Loader) CancelTag(tag string) {
	var matched []*action.Action
	l.mu.Lock()
	for key, a := range l.targets {
		if a.Tag() == tag {
			matched = append(matched, a)
			delete(l.targets, key)
		}
	}
	l.mu.Unlock()
	for _, a := range matched {
		l.cancel(a)
	}
}

func (l *Loader) PauseTag(tag string)  { l.dispatcher.PauseTag(tag) }
func (l *Loader) ResumeTag(tag string) { l.dispatcher.ResumeTag(tag) }

// Invalidate drops every memory-cache variant of uri and, when a download
// cache is configured, its stored bytes.
func (l *Loader) Invalidate(ctx context.Context, uri string) error {
	if uri == "" {
		return errors.New("loader: uri must not be empty")
	}
	l.cache.ClearKeyPrefix(request.URIPrefix(uri))
	if l.downloads != nil {
		if err := l.downloads.Invalidate(ctx, uri); err != nil {
			return fmt.Errorf("loader: invalidate download %s: %w", uri, err)
		}
	}
	return nil
}

// Stats gathers counters from every component.
func (l *Loader) Stats(ctx context.Context) (Stats, error) {
	s := Stats{Cache: l.cache.Stats(), Pool: l.pool.Stats()}
	l.stats.fill(&s)
	snap, err := l.dispatcher.Snapshot(ctx)
	if err != nil && !errors.Is(err, dispatcher.ErrStopped) {
		return s, err
	}
	s.Dispatcher = snap
	return s, nil
}

// Shutdown stops the dispatcher and pool, clears the memory cache and waits
// for running hunters and queued deliveries to finish.
func (l *Loader) Shutdown(ctx context.Context) error {
	if !l.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	l.mu.Lock()
	pending := make([]*action.Action, 0, len(l.targets))
	for key, a := range l.targets {
		pending = append(pending, a)
		delete(l.targets, key)
	}
	l.mu.Unlock()
	for _, a := range pending {
		a.Cancel()
	}

	l.dispatcher.Shutdown()
	select {
	case <-l.dispatcher.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := l.pool.Wait(ctx); err != nil {
		return err
	}
	l.cache.EvictAll()
	if closer, ok := l.executor.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(ctx); err != nil {
			return err
		}
	}
	l.logger.Info("loader shut down")
	return nil
}

// Deliver implements dispatcher.Delivery.
func (l *Loader) Deliver(o dispatcher.Outcome) {
	l.executor.Execute(func() {
		reported := false
		for _, a := range o.Actions {
			l.forget(a)
			l.deliverOne(a, o.Bitmap, o.From, o.Err)
			if o.Err != nil && !reported && l.listener != nil {
				reported = true
				l.listener.ImageLoadFailed(o.Request.Name(), o.Err)
			}
		}
	})
}

// deliverOne runs on the executor.
func (l *Loader) deliverOne(a *action.Action, b *bitmap.Bitmap, from handler.LoadedFrom, err error) {
	if a.IsCancelled() || !a.Alive() {
		l.stats.delivery("skipped")
		return
	}
	var delivered bool
	if err != nil {
		delivered = a.Error(err)
	} else {
		delivered = a.Complete(b, from)
	}
	switch {
	case !delivered:
		l.stats.delivery("skipped")
	case err != nil:
		l.stats.delivery("error")
	default:
		l.stats.delivery("complete")
	}
}

func (l *Loader) replaceTarget(a *action.Action) {
	key := a.TargetKey()
	if key == any(a) {
		return
	}
	l.mu.Lock()
	prev, ok := l.targets[key]
	l.targets[key] = a
	l.mu.Unlock()
	if ok && prev != a {
		l.cancel(prev)
	}
}

// forget removes a from the target map unless a newer action replaced it.
func (l *Loader) forget(a *action.Action) {
	key := a.TargetKey()
	l.mu.Lock()
	if cur, ok := l.targets[key]; ok && cur == a {
		delete(l.targets, key)
	}
	l.mu.Unlock()
}

func (l *Loader) cancel(a *action.Action) {
	a.Cancel()
	l.dispatcher.Cancel(a)
}
