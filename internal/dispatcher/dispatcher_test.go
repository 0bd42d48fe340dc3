package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/l0p7/imgloader/internal/action"
	"github.com/l0p7/imgloader/internal/bitmap"
	"github.com/l0p7/imgloader/internal/cache"
	"github.com/l0p7/imgloader/internal/handler"
	"github.com/l0p7/imgloader/internal/netstate"
	"github.com/l0p7/imgloader/internal/request"
	"github.com/l0p7/imgloader/internal/worker"
)

// scriptedHandler claims every request. Each Load waits on gate (when set)
// and then returns the result of script for the attempt number.
type scriptedHandler struct {
	retries int
	gate    chan struct{}
	calls   atomic.Int32
	script  func(attempt int) (handler.Result, error)

	mu   sync.Mutex
	seen []string
}

func (s *scriptedHandler) Name() string                   { return "scripted" }
func (s *scriptedHandler) CanHandle(request.Request) bool { return true }
func (s *scriptedHandler) RetryCount() int                { return s.retries }
func (s *scriptedHandler) SupportsReplay() bool           { return true }
func (s *scriptedHandler) ShouldRetry(airplane bool, info *netstate.Info) bool {
	return !airplane && (info == nil || info.Connected)
}

func (s *scriptedHandler) Load(ctx context.Context, r request.Request) (handler.Result, error) {
	attempt := int(s.calls.Add(1))
	s.mu.Lock()
	s.seen = append(s.seen, r.URI)
	s.mu.Unlock()
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return handler.Result{}, ctx.Err()
		}
	}
	return s.script(attempt)
}

func succeed(int) (handler.Result, error) {
	return handler.Result{Bitmap: bitmap.New(image.NewRGBA(image.Rect(0, 0, 2, 2))), From: handler.FromNetwork}, nil
}

func transient(int) (handler.Result, error) {
	return handler.Result{}, fmt.Errorf("reset: %w", handler.ErrTransient)
}

type recordingDelivery struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recordingDelivery) Deliver(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recordingDelivery) all() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

type fixture struct {
	d        *Dispatcher
	h        *scriptedHandler
	cache    *cache.Memory
	delivery *recordingDelivery
	network  *netstate.Manual
	pool     *worker.Pool
}

func newFixture(t *testing.T, h *scriptedHandler, scan bool) *fixture {
	t.Helper()
	f := &fixture{
		h:        h,
		cache:    cache.NewMemory(1<<20, nil),
		delivery: &recordingDelivery{},
		network:  netstate.NewManual(netstate.Info{Connected: true, Type: netstate.TypeWiFi}),
		pool:     worker.New(2, nil),
	}
	f.d = New(Options{
		Pool:               f.pool,
		Cache:              f.cache,
		Handlers:           handler.Chain{h},
		Network:            f.network,
		Delivery:           f.delivery,
		ScanNetworkChanges: scan,
	})
	t.Cleanup(func() {
		f.d.Shutdown()
		<-f.d.Done()
	})
	return f
}

func (f *fixture) snapshot(t *testing.T) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, err := f.d.Snapshot(ctx)
	require.NoError(t, err)
	return s
}

func (f *fixture) waitOutcomes(t *testing.T, n int) []Outcome {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.delivery.all()) >= n }, 2*time.Second, 5*time.Millisecond)
	return f.delivery.all()
}

func newAction(uri string, opts action.Options) *action.Action {
	return action.New(request.Request{URI: uri}, &action.Funcs{}, opts)
}

func TestDuplicateRequestsShareOneHunter(t *testing.T) {
	h := &scriptedHandler{gate: make(chan struct{}), script: succeed}
	f := newFixture(t, h, false)

	first := newAction("https://x/a.png", action.Options{})
	second := newAction("https://x/a.png", action.Options{})
	f.d.Submit(first)
	f.d.Submit(second)
	require.Equal(t, 1, f.snapshot(t).Hunters)

	close(h.gate)
	out := f.waitOutcomes(t, 1)
	require.Len(t, out, 1)
	require.NoError(t, out[0].Err)
	require.ElementsMatch(t, []*action.Action{first, second}, out[0].Actions)
	require.EqualValues(t, 1, h.calls.Load())
	_, cached := f.cache.Get(first.Key())
	require.True(t, cached)
	require.Zero(t, f.snapshot(t).Hunters)
}

func TestMemoryHitDeliversWithoutHunter(t *testing.T) {
	h := &scriptedHandler{script: succeed}
	f := newFixture(t, h, false)
	a := newAction("https://x/a.png", action.Options{})
	f.cache.Set(a.Key(), bitmap.New(image.NewRGBA(image.Rect(0, 0, 1, 1))))

	f.d.Submit(a)
	out := f.waitOutcomes(t, 1)
	require.Equal(t, handler.FromMemory, out[0].From)
	require.Zero(t, h.calls.Load())
}

func TestRetryBudgetThenFailure(t *testing.T) {
	h := &scriptedHandler{retries: 2, script: transient}
	f := newFixture(t, h, false)
	f.d.Submit(newAction("https://x/a.png", action.Options{}))

	out := f.waitOutcomes(t, 1)
	require.ErrorIs(t, out[0].Err, handler.ErrTransient)
	require.EqualValues(t, 3, h.calls.Load(), "one attempt plus two retries")
	require.Zero(t, f.snapshot(t).Failed, "replay needs network scanning")
}

func TestRetryRecovers(t *testing.T) {
	h := &scriptedHandler{retries: 2, script: func(attempt int) (handler.Result, error) {
		if attempt < 2 {
			return transient(attempt)
		}
		return succeed(attempt)
	}}
	f := newFixture(t, h, true)
	f.d.Submit(newAction("https://x/a.png", action.Options{}))
	out := f.waitOutcomes(t, 1)
	require.NoError(t, out[0].Err)
	require.EqualValues(t, 2, h.calls.Load())
}

func TestTerminalFailureIsDeliveredOnce(t *testing.T) {
	boom := errors.New("corrupt image")
	h := &scriptedHandler{retries: 2, script: func(int) (handler.Result, error) { return handler.Result{}, boom }}
	f := newFixture(t, h, true)
	f.d.Submit(newAction("https://x/a.png", action.Options{}))
	out := f.waitOutcomes(t, 1)
	require.ErrorIs(t, out[0].Err, boom)
	require.EqualValues(t, 1, h.calls.Load())
	require.Zero(t, f.snapshot(t).Failed)
}

func TestCancelDiscardsLateResult(t *testing.T) {
	h := &scriptedHandler{gate: make(chan struct{}), script: succeed}
	f := newFixture(t, h, false)
	a := newAction("https://x/a.png", action.Options{})
	f.d.Submit(a)
	require.Eventually(t, func() bool { return h.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	a.Cancel()
	f.d.Cancel(a)
	require.Zero(t, f.snapshot(t).Hunters)
	close(h.gate)

	time.Sleep(50 * time.Millisecond)
	f.snapshot(t)
	require.Empty(t, f.delivery.all())
	require.Zero(t, f.cache.Len())
}

func TestCancelOneOfTwoKeepsHunter(t *testing.T) {
	h := &scriptedHandler{gate: make(chan struct{}), script: succeed}
	f := newFixture(t, h, false)
	a := newAction("https://x/a.png", action.Options{})
	b := newAction("https://x/a.png", action.Options{})
	f.d.Submit(a)
	f.d.Submit(b)
	f.d.Cancel(a)
	require.Equal(t, 1, f.snapshot(t).Hunters)

	close(h.gate)
	out := f.waitOutcomes(t, 1)
	require.Equal(t, []*action.Action{b}, out[0].Actions)
}

func TestPauseAndResumeTag(t *testing.T) {
	h := &scriptedHandler{gate: make(chan struct{}), script: succeed}
	f := newFixture(t, h, false)

	running := newAction("https://x/a.png", action.Options{Tag: "feed"})
	f.d.Submit(running)
	f.d.PauseTag("feed")
	f.d.PauseTag("feed")
	late := newAction("https://x/b.png", action.Options{Tag: "feed"})
	other := newAction("https://x/c.png", action.Options{Tag: "profile"})
	f.d.Submit(late)
	f.d.Submit(other)

	s := f.snapshot(t)
	require.Equal(t, []string{"feed"}, s.PausedTags)
	require.Equal(t, 2, s.Paused)
	require.Equal(t, 1, s.Hunters, "only the untagged-by-pause hunter remains")

	close(h.gate)
	out := f.waitOutcomes(t, 1)
	require.Equal(t, []*action.Action{other}, out[0].Actions)

	f.d.ResumeTag("feed")
	out = f.waitOutcomes(t, 3)
	require.Len(t, out, 3)
	s = f.snapshot(t)
	require.Empty(t, s.PausedTags)
	require.Zero(t, s.Paused)
}

func TestReplayOnReconnect(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	h := &scriptedHandler{retries: 2, script: func(attempt int) (handler.Result, error) {
		if failing.Load() {
			return transient(attempt)
		}
		return succeed(attempt)
	}}
	f := newFixture(t, h, true)

	replayable := newAction("https://x/a.png", action.Options{})
	optOut := newAction("https://x/a.png", action.Options{NoReplay: true})
	f.network.SetInfo(netstate.Info{Connected: false, Type: netstate.TypeWiFi})
	f.d.Submit(replayable)
	f.d.Submit(optOut)

	out := f.waitOutcomes(t, 1)
	require.Equal(t, []*action.Action{optOut}, out[0].Actions, "opted-out action gets the error")
	require.ErrorIs(t, out[0].Err, handler.ErrTransient)
	require.Eventually(t, func() bool { return f.snapshot(t).Failed == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, replayable.WillReplay())
	require.EqualValues(t, 1, h.calls.Load(), "offline skips the retry")

	failing.Store(false)
	f.network.SetInfo(netstate.Info{Connected: true, Type: netstate.TypeWiFi})
	out = f.waitOutcomes(t, 2)
	require.Equal(t, []*action.Action{replayable}, out[1].Actions)
	require.NoError(t, out[1].Err)
	require.False(t, replayable.WillReplay())
	require.Zero(t, f.snapshot(t).Failed)
}

func TestAirplaneModeExhaustsIntoReplay(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	h := &scriptedHandler{retries: 2, script: func(attempt int) (handler.Result, error) {
		if failing.Load() {
			return transient(attempt)
		}
		return succeed(attempt)
	}}
	f := newFixture(t, h, true)
	f.network.SetAirplaneMode(true)
	require.Eventually(t, func() bool { return f.snapshot(t).Airplane }, time.Second, 5*time.Millisecond)

	actions := []*action.Action{
		newAction("https://x/a.png", action.Options{}),
		newAction("https://x/b.png", action.Options{}),
		newAction("https://x/c.png", action.Options{}),
	}
	for _, a := range actions {
		f.d.Submit(a)
	}
	require.Eventually(t, func() bool { return f.snapshot(t).Failed == 3 }, time.Second, 5*time.Millisecond)
	require.Empty(t, f.delivery.all())
	require.EqualValues(t, 3, h.calls.Load(), "airplane mode skips every retry")

	failing.Store(false)
	f.network.SetAirplaneMode(false)
	f.network.SetInfo(netstate.Info{Connected: false, Type: netstate.TypeWiFi})
	f.network.SetInfo(netstate.Info{Connected: true, Type: netstate.TypeWiFi})
	out := f.waitOutcomes(t, 3)
	var replayed []*action.Action
	for _, o := range out {
		require.NoError(t, o.Err)
		replayed = append(replayed, o.Actions...)
	}
	require.ElementsMatch(t, actions, replayed)
	require.Zero(t, f.snapshot(t).Failed)
}

func TestCancelLowersQueuedPriority(t *testing.T) {
	h := &scriptedHandler{gate: make(chan struct{}), script: succeed}
	pool := worker.New(1, nil)
	d := New(Options{Pool: pool, Handlers: handler.Chain{h}})
	defer func() {
		d.Shutdown()
		<-d.Done()
	}()

	d.Submit(newAction("https://x/running.png", action.Options{}))
	require.Eventually(t, func() bool { return h.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	d.Submit(action.New(request.Request{URI: "https://x/normal.png"}, &action.Funcs{}, action.Options{}))
	d.Submit(action.New(request.Request{URI: "https://x/low.png", Priority: request.Low}, &action.Funcs{}, action.Options{}))
	urgent := action.New(request.Request{URI: "https://x/low.png", Priority: request.High}, &action.Funcs{}, action.Options{})
	d.Submit(urgent)
	d.Cancel(urgent)
	_, err := d.Snapshot(context.Background())
	require.NoError(t, err)

	close(h.gate)
	require.Eventually(t, func() bool { return h.calls.Load() == 3 }, time.Second, 5*time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Equal(t, []string{"https://x/running.png", "https://x/normal.png", "https://x/low.png"}, h.seen)
}

func TestResubmitDismissesFailedEntry(t *testing.T) {
	h := &scriptedHandler{script: func(attempt int) (handler.Result, error) {
		if attempt == 1 {
			return transient(attempt)
		}
		return succeed(attempt)
	}}
	f := newFixture(t, h, true)
	target := &action.Funcs{}
	f.d.Submit(action.New(request.Request{URI: "https://x/a.png"}, target, action.Options{}))
	require.Eventually(t, func() bool { return f.snapshot(t).Failed == 1 }, time.Second, 5*time.Millisecond)

	f.d.Submit(action.New(request.Request{URI: "https://x/other.png"}, target, action.Options{}))
	out := f.waitOutcomes(t, 1)
	require.NoError(t, out[0].Err)
	require.Zero(t, f.snapshot(t).Failed, "loading into the target replaces its failed action")
}

func TestCancelRemovesFailedEntry(t *testing.T) {
	h := &scriptedHandler{script: transient}
	f := newFixture(t, h, true)
	a := newAction("https://x/a.png", action.Options{})
	f.d.Submit(a)
	require.Eventually(t, func() bool { return f.snapshot(t).Failed == 1 }, time.Second, 5*time.Millisecond)

	f.d.Cancel(a)
	require.Zero(t, f.snapshot(t).Failed)
	f.network.SetInfo(netstate.Info{Connected: true, Type: netstate.Type4G})
	f.snapshot(t)
	require.EqualValues(t, 1, h.calls.Load(), "cancelled action is not replayed")
}

func TestAdaptiveWorkers(t *testing.T) {
	pool := worker.New(1, nil)
	network := netstate.NewManual(netstate.Info{Connected: true, Type: netstate.Type3G})
	d := New(Options{Pool: pool, Network: network, AdaptiveWorkers: true})
	defer func() {
		d.Shutdown()
		<-d.Done()
	}()
	require.Equal(t, 2, pool.Limit())

	network.SetInfo(netstate.Info{Connected: true, Type: netstate.TypeWiFi})
	require.Eventually(t, func() bool { return pool.Limit() == 4 }, time.Second, 5*time.Millisecond)
	network.SetInfo(netstate.Info{Connected: true, Type: netstate.Type2G})
	require.Eventually(t, func() bool { return pool.Limit() == 1 }, time.Second, 5*time.Millisecond)
}

func TestShutdown(t *testing.T) {
	h := &scriptedHandler{script: succeed}
	pool := worker.New(1, nil)
	network := netstate.NewManual(netstate.Info{Connected: true})
	d := New(Options{Pool: pool, Handlers: handler.Chain{h}, Network: network})
	d.Shutdown()
	d.Submit(newAction("https://x/a.png", action.Options{}))
	<-d.Done()

	require.True(t, pool.IsShutdown())
	require.Zero(t, h.calls.Load())
	_, err := d.Snapshot(context.Background())
	require.ErrorIs(t, err, ErrStopped)
	network.SetInfo(netstate.Info{Connected: false})
}
