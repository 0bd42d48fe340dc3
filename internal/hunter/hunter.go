// Package hunter runs one load for one cache key on behalf of every action
// attached to it.
package hunter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/l0p7/imgloader/internal/action"
	"github.com/l0p7/imgloader/internal/bitmap"
	"github.com/l0p7/imgloader/internal/cache"
	"github.com/l0p7/imgloader/internal/handler"
	"github.com/l0p7/imgloader/internal/netstate"
	"github.com/l0p7/imgloader/internal/request"
	"github.com/l0p7/imgloader/internal/transform"
	"github.com/l0p7/imgloader/internal/worker"
)

// Reporter receives the outcome of Run. Implementations must not block.
type Reporter interface {
	DispatchComplete(h *Hunter)
	DispatchRetry(h *Hunter)
	DispatchFailed(h *Hunter)
}

// Status labels how a run ended.
type Status string

const (
	StatusComplete Status = "complete"
	StatusRetry    Status = "retry"
	StatusFailed   Status = "failed"
)

// Observer collects load statistics. All methods may be called from worker
// goroutines.
type Observer interface {
	HunterFinished(handlerName string, status Status, elapsed time.Duration)
	Downloaded(bytes int64)
	BitmapDecoded(b *bitmap.Bitmap)
	BitmapTransformed(b *bitmap.Bitmap)
}

type noopObserver struct{}

func (noopObserver) HunterFinished(string, Status, time.Duration) {}
func (noopObserver) Downloaded(int64)                             {}
func (noopObserver) BitmapDecoded(*bitmap.Bitmap)                 {}
func (noopObserver) BitmapTransformed(*bitmap.Bitmap)             {}

// Deps are the collaborators shared by every hunter.
type Deps struct {
	Handlers handler.Chain
	Cache    cache.Cache
	Reporter Reporter
	Observer Observer
	Logger   *slog.Logger
}

type Hunter struct {
	seq     uint64
	key     string
	req     request.Request
	handler handler.Handler
	deps    Deps
	logger  *slog.Logger

	// Attachment state is only touched by the dispatcher goroutine.
	primary *action.Action
	actions []*action.Action
	future  *worker.Future

	priority atomic.Int32
	retries  atomic.Int32

	mu     sync.Mutex
	result *bitmap.Bitmap
	from   handler.LoadedFrom
	err    error
}

// For builds the hunter serving a. The handler is resolved now; when none
// matches, running the hunter fails with ErrNoHandler.
func For(seq uint64, a *action.Action, deps Deps) *Hunter {
	if deps.Cache == nil {
		deps.Cache = cache.None
	}
	if deps.Observer == nil {
		deps.Observer = noopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	req := a.Request()
	h, ok := deps.Handlers.Resolve(req)
	if !ok {
		h = unhandled{}
	}
	hunter := &Hunter{
		seq:     seq,
		key:     a.Key(),
		req:     req,
		handler: h,
		deps:    deps,
		logger:  deps.Logger.With(slog.String("agent", "hunter")),
		primary: a,
	}
	hunter.priority.Store(int32(a.Priority()))
	hunter.retries.Store(int32(h.RetryCount()))
	return hunter
}

func (h *Hunter) Sequence() uint64         { return h.seq }
func (h *Hunter) Key() string              { return h.key }
func (h *Hunter) Request() request.Request { return h.req }
func (h *Hunter) Handler() handler.Handler { return h.handler }

// Action is the primary action, nil once detached.
func (h *Hunter) Action() *action.Action { return h.primary }

// Actions lists secondary actions.
func (h *Hunter) Actions() []*action.Action { return h.actions }

// AllActions returns the primary followed by the secondary actions.
func (h *Hunter) AllActions() []*action.Action {
	all := make([]*action.Action, 0, 1+len(h.actions))
	if h.primary != nil {
		all = append(all, h.primary)
	}
	return append(all, h.actions...)
}

func (h *Hunter) HasActions() bool { return h.primary != nil || len(h.actions) > 0 }

// Attach joins a to this hunter. It reports whether the priority rose.
func (h *Hunter) Attach(a *action.Action) bool {
	if h.primary == nil {
		h.primary = a
	} else {
		h.actions = append(h.actions, a)
	}
	if a.Priority() > h.Priority() {
		h.priority.Store(int32(a.Priority()))
		return true
	}
	return false
}

// Detach removes a and recomputes the priority.
func (h *Hunter) Detach(a *action.Action) {
	detached := false
	if h.primary == a {
		h.primary = nil
		detached = true
	} else {
		for i, other := range h.actions {
			if other == a {
				h.actions = append(h.actions[:i], h.actions[i+1:]...)
				detached = true
				break
			}
		}
	}
	if detached && a.Priority() == h.Priority() {
		h.priority.Store(int32(h.computePriority()))
	}
}

func (h *Hunter) computePriority() request.Priority {
	if !h.HasActions() {
		return request.Low
	}
	p := request.Low
	for _, a := range h.AllActions() {
		p = max(p, a.Priority())
	}
	return p
}

func (h *Hunter) Priority() request.Priority { return request.Priority(h.priority.Load()) }

func (h *Hunter) SetFuture(f *worker.Future) { h.future = f }
func (h *Hunter) Future() *worker.Future     { return h.future }

// Cancel stops the hunter once it has no attached actions. It reports whether
// cancellation was requested.
func (h *Hunter) Cancel() bool {
	if h.HasActions() || h.future == nil {
		return false
	}
	h.future.Cancel()
	return true
}

func (h *Hunter) IsCancelled() bool { return h.future != nil && h.future.IsCancelled() }

// ShouldRetry spends one unit of retry budget and asks the handler.
func (h *Hunter) ShouldRetry(airplane bool, info *netstate.Info) bool {
	if h.retries.Load() <= 0 {
		return false
	}
	h.retries.Add(-1)
	return h.handler.ShouldRetry(airplane, info)
}

func (h *Hunter) RetriesLeft() int { return int(h.retries.Load()) }

func (h *Hunter) SupportsReplay() bool { return h.handler.SupportsReplay() }

// Result returns the bitmap of the last run.
func (h *Hunter) Result() (*bitmap.Bitmap, handler.LoadedFrom) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.from
}

// Err returns the error of the last run.
func (h *Hunter) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Run hunts and reports to the Reporter. It is the worker pool job.
func (h *Hunter) Run(ctx context.Context) {
	start := time.Now()
	b, from, err := h.Hunt(ctx)

	h.mu.Lock()
	h.result, h.from, h.err = b, from, err
	h.mu.Unlock()

	status := StatusComplete
	switch {
	case err == nil:
		h.deps.Reporter.DispatchComplete(h)
	case errors.Is(err, handler.ErrTransient):
		status = StatusRetry
		h.deps.Reporter.DispatchRetry(h)
	default:
		status = StatusFailed
		h.deps.Reporter.DispatchFailed(h)
	}
	h.deps.Observer.HunterFinished(h.handler.Name(), status, time.Since(start))
	if err != nil {
		h.logger.Debug("hunt failed",
			slog.String("key", h.req.Name()),
			slog.String("handler", h.handler.Name()),
			slog.String("status", string(status)),
			slog.Any("error", err))
	}
}

// Hunt produces the bitmap on the calling goroutine. Panics are recovered and
// returned as *PanicError.
func (h *Hunter) Hunt(ctx context.Context) (b *bitmap.Bitmap, from handler.LoadedFrom, err error) {
	defer func() {
		if r := recover(); r != nil {
			b, err = nil, &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	b, from, err = h.hunt(ctx)
	if errors.Is(err, bitmap.ErrOutOfMemory) {
		err = &ResourceError{CacheSize: h.deps.Cache.Size(), CacheMax: h.deps.Cache.MaxSize(), Err: err}
	}
	return b, from, err
}

func (h *Hunter) hunt(ctx context.Context) (*bitmap.Bitmap, handler.LoadedFrom, error) {
	if h.req.MemoryPolicy.ShouldRead() {
		if b, ok := h.deps.Cache.Get(h.key); ok {
			return b, handler.FromMemory, nil
		}
	}
	res, err := h.handler.Load(ctx, h.req)
	if err != nil {
		return nil, 0, err
	}
	if res.Bitmap == nil {
		return nil, 0, fmt.Errorf("hunter: %s handler returned no bitmap for %s", h.handler.Name(), h.req.Name())
	}
	if res.DownloadedBytes > 0 {
		h.deps.Observer.Downloaded(res.DownloadedBytes)
	}
	h.deps.Observer.BitmapDecoded(res.Bitmap)
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	b := res.Bitmap
	if h.req.NeedsGeometry() || h.req.HasCustomTransformations() {
		b = transform.Geometry(h.req, b)
		if h.req.HasCustomTransformations() {
			if b, err = applyCustom(h.req.Transformations, b); err != nil {
				return nil, 0, err
			}
		}
		h.deps.Observer.BitmapTransformed(b)
	}
	return b, res.From, nil
}

func applyCustom(chain []request.Transformation, in *bitmap.Bitmap) (*bitmap.Bitmap, error) {
	keys := make([]string, len(chain))
	for i, t := range chain {
		keys[i] = t.Key()
	}
	cur := in
	for i, t := range chain {
		out, err := safeTransform(t, cur)
		fail := func(reason string, cause error) error {
			return &ContractError{Transformation: keys[i], Reason: reason, Chain: keys, Err: cause}
		}
		switch {
		case err != nil:
			return nil, fail(fmt.Sprintf("failed after %d previous transformation(s)", i), err)
		case out == nil:
			return nil, fail(fmt.Sprintf("returned nil after %d previous transformation(s)", i), nil)
		case out == cur && cur.IsRecycled():
			return nil, fail("returned its input but recycled it", nil)
		case out != cur && !cur.IsRecycled():
			return nil, fail("returned a new bitmap but did not recycle its input", nil)
		}
		cur = out
	}
	return cur, nil
}

func safeTransform(t request.Transformation, in *bitmap.Bitmap) (out *bitmap.Bitmap, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Transform(in)
}

// unhandled stands in when no handler claims a request.
type unhandled struct{}

func (unhandled) Name() string                   { return "none" }
func (unhandled) CanHandle(request.Request) bool { return false }
func (unhandled) Load(_ context.Context, req request.Request) (handler.Result, error) {
	return handler.Result{}, fmt.Errorf("%w: %s", ErrNoHandler, req.Name())
}
func (unhandled) RetryCount() int                       { return 0 }
func (unhandled) ShouldRetry(bool, *netstate.Info) bool { return false }
func (unhandled) SupportsReplay() bool                  { return false }
