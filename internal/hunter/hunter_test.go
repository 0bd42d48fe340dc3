package hunter

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/imgloader/internal/action"
	"github.com/l0p7/imgloader/internal/bitmap"
	"github.com/l0p7/imgloader/internal/cache"
	"github.com/l0p7/imgloader/internal/handler"
	"github.com/l0p7/imgloader/internal/netstate"
	"github.com/l0p7/imgloader/internal/request"
)

type fakeHandler struct {
	retries int
	load    func(ctx context.Context, req request.Request) (handler.Result, error)
	calls   int
}

func (f *fakeHandler) Name() string                   { return "fake" }
func (f *fakeHandler) CanHandle(request.Request) bool { return true }
func (f *fakeHandler) RetryCount() int                { return f.retries }
func (f *fakeHandler) SupportsReplay() bool           { return f.retries > 0 }
func (f *fakeHandler) ShouldRetry(airplane bool, info *netstate.Info) bool {
	return !airplane && (info == nil || info.Connected)
}

func (f *fakeHandler) Load(ctx context.Context, req request.Request) (handler.Result, error) {
	f.calls++
	return f.load(ctx, req)
}

func loads(w, h int) func(context.Context, request.Request) (handler.Result, error) {
	return func(context.Context, request.Request) (handler.Result, error) {
		return handler.Result{Bitmap: bitmap.New(image.NewRGBA(image.Rect(0, 0, w, h))), From: handler.FromNetwork, DownloadedBytes: 10}, nil
	}
}

func fails(err error) func(context.Context, request.Request) (handler.Result, error) {
	return func(context.Context, request.Request) (handler.Result, error) { return handler.Result{}, err }
}

type reports struct {
	mu       sync.Mutex
	complete int
	retry    int
	failed   int
}

func (r *reports) DispatchComplete(*Hunter) { r.mu.Lock(); r.complete++; r.mu.Unlock() }
func (r *reports) DispatchRetry(*Hunter)    { r.mu.Lock(); r.retry++; r.mu.Unlock() }
func (r *reports) DispatchFailed(*Hunter)   { r.mu.Lock(); r.failed++; r.mu.Unlock() }

type observed struct {
	finished    []Status
	downloaded  int64
	decoded     int
	transformed int
}

func (o *observed) HunterFinished(_ string, s Status, _ time.Duration) {
	o.finished = append(o.finished, s)
}
func (o *observed) Downloaded(n int64)               { o.downloaded += n }
func (o *observed) BitmapDecoded(*bitmap.Bitmap)     { o.decoded++ }
func (o *observed) BitmapTransformed(*bitmap.Bitmap) { o.transformed++ }

func newHunter(req request.Request, h handler.Handler, c cache.Cache) (*Hunter, *reports, *observed) {
	r := &reports{}
	o := &observed{}
	a := action.New(req, &action.Funcs{}, action.Options{})
	var chain handler.Chain
	if h != nil {
		chain = handler.Chain{h}
	}
	return For(1, a, Deps{Handlers: chain, Cache: c, Reporter: r, Observer: o}), r, o
}

func TestRunCompletes(t *testing.T) {
	fh := &fakeHandler{load: loads(8, 4)}
	h, r, o := newHunter(request.Request{URI: "u", TargetWidth: 4, TargetHeight: 2}, fh, nil)
	h.Run(context.Background())

	require.Equal(t, 1, r.complete)
	b, from := h.Result()
	require.Equal(t, 4, b.Width())
	require.Equal(t, handler.FromNetwork, from)
	require.NoError(t, h.Err())
	require.Equal(t, []Status{StatusComplete}, o.finished)
	require.EqualValues(t, 10, o.downloaded)
	require.Equal(t, 1, o.decoded)
	require.Equal(t, 1, o.transformed)
}

func TestRunUsesMemoryCacheWhenAllowed(t *testing.T) {
	req := request.Request{URI: "u"}
	c := cache.NewMemory(1<<20, nil)
	c.Set(req.Key(), bitmap.New(image.NewRGBA(image.Rect(0, 0, 2, 2))))
	fh := &fakeHandler{load: loads(1, 1)}

	h, _, _ := newHunter(req, fh, c)
	h.Run(context.Background())
	_, from := h.Result()
	require.Equal(t, handler.FromMemory, from)
	require.Zero(t, fh.calls)

	req.MemoryPolicy = request.MemoryNoCache
	h, _, _ = newHunter(req, fh, c)
	h.Run(context.Background())
	_, from = h.Result()
	require.Equal(t, handler.FromNetwork, from)
	require.Equal(t, 1, fh.calls)
}

func TestRunClassifiesErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantRetry  int
		wantFailed int
	}{
		{name: "transient", err: fmt.Errorf("dial: %w", handler.ErrTransient), wantRetry: 1},
		{name: "terminal", err: errors.New("corrupt"), wantFailed: 1},
		{name: "response 404", err: &handler.ResponseError{Code: 404}, wantFailed: 1},
		{name: "response 503", err: &handler.ResponseError{Code: 503}, wantRetry: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h, r, _ := newHunter(request.Request{URI: "u"}, &fakeHandler{load: fails(tc.err)}, nil)
			h.Run(context.Background())
			require.Equal(t, tc.wantRetry, r.retry)
			require.Equal(t, tc.wantFailed, r.failed)
			require.ErrorIs(t, h.Err(), tc.err)
		})
	}
}

func TestOutOfMemoryCarriesCacheOccupancy(t *testing.T) {
	c := cache.NewMemory(1000, nil)
	c.Set("other", bitmap.New(image.NewRGBA(image.Rect(0, 0, 5, 5))))
	h, r, _ := newHunter(request.Request{URI: "u"}, &fakeHandler{load: fails(bitmap.ErrOutOfMemory)}, c)
	h.Run(context.Background())

	require.Equal(t, 1, r.failed)
	var resErr *ResourceError
	require.ErrorAs(t, h.Err(), &resErr)
	require.Equal(t, 100, resErr.CacheSize)
	require.Equal(t, 1000, resErr.CacheMax)
	require.ErrorIs(t, h.Err(), bitmap.ErrOutOfMemory)
}

func TestNoHandlerFails(t *testing.T) {
	h, r, _ := newHunter(request.Request{URI: "gopher://x"}, nil, nil)
	require.Equal(t, "none", h.Handler().Name())
	require.Zero(t, h.RetriesLeft())
	h.Run(context.Background())
	require.Equal(t, 1, r.failed)
	require.ErrorIs(t, h.Err(), ErrNoHandler)
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	fh := &fakeHandler{load: func(context.Context, request.Request) (handler.Result, error) { panic("decoder exploded") }}
	h, r, _ := newHunter(request.Request{URI: "u"}, fh, nil)
	h.Run(context.Background())
	require.Equal(t, 1, r.failed)
	var pe *PanicError
	require.ErrorAs(t, h.Err(), &pe)
	require.Equal(t, "decoder exploded", pe.Value)
}

func TestRetryBudget(t *testing.T) {
	h, _, _ := newHunter(request.Request{URI: "u"}, &fakeHandler{retries: 2, load: loads(1, 1)}, nil)
	require.True(t, h.ShouldRetry(false, nil))
	require.True(t, h.ShouldRetry(false, &netstate.Info{Connected: true}))
	require.False(t, h.ShouldRetry(false, nil), "budget exhausted")
	require.Zero(t, h.RetriesLeft())

	h, _, _ = newHunter(request.Request{URI: "u"}, &fakeHandler{retries: 2, load: loads(1, 1)}, nil)
	require.False(t, h.ShouldRetry(true, nil), "airplane mode")
	require.Equal(t, 1, h.RetriesLeft(), "a refused retry still spends budget")
}

type contractBreaker struct {
	key string
	fn  func(in *bitmap.Bitmap) (*bitmap.Bitmap, error)
}

func (c contractBreaker) Key() string                                         { return c.key }
func (c contractBreaker) Transform(in *bitmap.Bitmap) (*bitmap.Bitmap, error) { return c.fn(in) }

func fresh() *bitmap.Bitmap { return bitmap.New(image.NewRGBA(image.Rect(0, 0, 1, 1))) }

func TestTransformationContract(t *testing.T) {
	passthrough := contractBreaker{key: "identity", fn: func(in *bitmap.Bitmap) (*bitmap.Bitmap, error) { return in, nil }}
	tests := []struct {
		name   string
		broken contractBreaker
		reason string
	}{
		{name: "nil", broken: contractBreaker{key: "nil", fn: func(*bitmap.Bitmap) (*bitmap.Bitmap, error) { return nil, nil }}, reason: "returned nil"},
		{name: "error", broken: contractBreaker{key: "err", fn: func(*bitmap.Bitmap) (*bitmap.Bitmap, error) { return nil, errors.New("bad") }}, reason: "failed"},
		{name: "panic", broken: contractBreaker{key: "panic", fn: func(*bitmap.Bitmap) (*bitmap.Bitmap, error) { panic("oops") }}, reason: "failed"},
		{name: "recycled input returned", broken: contractBreaker{key: "recycle", fn: func(in *bitmap.Bitmap) (*bitmap.Bitmap, error) {
			in.Recycle()
			return in, nil
		}}, reason: "recycled"},
		{name: "leaked input", broken: contractBreaker{key: "leak", fn: func(*bitmap.Bitmap) (*bitmap.Bitmap, error) { return fresh(), nil }}, reason: "did not recycle"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := request.Request{URI: "u", Transformations: []request.Transformation{passthrough, tc.broken}}
			h, r, _ := newHunter(req, &fakeHandler{load: loads(2, 2)}, nil)
			h.Run(context.Background())
			require.Equal(t, 1, r.failed)

			var ce *ContractError
			require.ErrorAs(t, h.Err(), &ce)
			require.Equal(t, tc.broken.key, ce.Transformation)
			require.Equal(t, []string{"identity", tc.broken.key}, ce.Chain)
			require.Contains(t, ce.Error(), tc.reason)
		})
	}
}

func TestTransformationThatRecyclesInputSucceeds(t *testing.T) {
	good := contractBreaker{key: "copy", fn: func(in *bitmap.Bitmap) (*bitmap.Bitmap, error) {
		in.Recycle()
		return fresh(), nil
	}}
	h, r, _ := newHunter(request.Request{URI: "u", Transformations: []request.Transformation{good}}, &fakeHandler{load: loads(2, 2)}, nil)
	h.Run(context.Background())
	require.Equal(t, 1, r.complete)
}

func TestAttachDetachPriority(t *testing.T) {
	low := action.New(request.Request{URI: "u", Priority: request.Low}, &action.Funcs{}, action.Options{})
	high := action.New(request.Request{URI: "u", Priority: request.High}, &action.Funcs{}, action.Options{})
	normal := action.New(request.Request{URI: "u"}, &action.Funcs{}, action.Options{})

	h := For(1, low, Deps{Reporter: &reports{}})
	require.Equal(t, request.Low, h.Priority())
	require.True(t, h.Attach(high))
	require.False(t, h.Attach(normal))
	require.Equal(t, request.High, h.Priority())
	require.Len(t, h.AllActions(), 3)

	h.Detach(high)
	require.Equal(t, request.Normal, h.Priority())
	h.Detach(low)
	require.Nil(t, h.Action())
	require.True(t, h.HasActions())
	h.Detach(normal)
	require.False(t, h.HasActions())
	require.Equal(t, request.Low, h.Priority())
}
