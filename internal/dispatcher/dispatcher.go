// Package dispatcher coordinates hunters. A single goroutine owns every map;
// public methods post closures to its mailbox and return immediately.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/l0p7/imgloader/internal/action"
	"github.com/l0p7/imgloader/internal/bitmap"
	"github.com/l0p7/imgloader/internal/cache"
	"github.com/l0p7/imgloader/internal/handler"
	"github.com/l0p7/imgloader/internal/hunter"
	"github.com/l0p7/imgloader/internal/netstate"
	"github.com/l0p7/imgloader/internal/request"
	"github.com/l0p7/imgloader/internal/worker"
)

// ErrStopped is returned by Snapshot after shutdown.
var ErrStopped = errors.New("dispatcher: stopped")

// Outcome is a finished load handed to the Delivery.
type Outcome struct {
	Key     string
	Request request.Request
	Bitmap  *bitmap.Bitmap
	From    handler.LoadedFrom
	Err     error
	Actions []*action.Action
}

// Delivery receives outcomes on the dispatcher goroutine and must not block.
type Delivery interface {
	Deliver(Outcome)
}

type discardDelivery struct{}

func (discardDelivery) Deliver(Outcome) {}

// Options wires a Dispatcher.
type Options struct {
	Pool     *worker.Pool
	Cache    cache.Cache
	Handlers handler.Chain
	// Network may be nil; connectivity is then treated as unknown.
	Network  netstate.Provider
	Delivery Delivery
	Observer hunter.Observer
	Logger   *slog.Logger
	// ScanNetworkChanges enables replay of failed actions on reconnect.
	ScanNetworkChanges bool
	// AdaptiveWorkers sizes the pool from the network type.
	AdaptiveWorkers bool
}

// Snapshot is a consistent view of the dispatcher state.
type Snapshot struct {
	Hunters    int           `json:"hunters"`
	Failed     int           `json:"failed"`
	Paused     int           `json:"paused"`
	PausedTags []string      `json:"pausedTags"`
	Airplane   bool          `json:"airplane"`
	Network    netstate.Info `json:"network"`
	Shutdown   bool          `json:"shutdown"`
}

// Dispatcher owns hunters and the failed and paused actions. Every mutation
// runs on its goroutine, posted through the mailbox.
type Dispatcher struct {
	pool     *worker.Pool
	cache    cache.Cache
	delivery Delivery
	network  netstate.Provider
	deps     hunter.Deps
	scan     bool
	adaptive bool
	logger   *slog.Logger

	box  *mailbox
	done chan struct{}

	// Owned by the loop goroutine.
	hunters     map[string]*hunter.Hunter
	failed      map[any]*action.Action
	pausedTags  map[string]struct{}
	paused      map[any]*action.Action
	airplane    bool
	info        netstate.Info
	seq         uint64
	shutdown    bool
	unsubscribe func()
}

// New starts the dispatcher goroutine.
func New(opts Options) *Dispatcher {
	if opts.Pool == nil {
		opts.Pool = worker.New(netstate.DefaultWorkers, opts.Logger)
	}
	if opts.Cache == nil {
		opts.Cache = cache.None
	}
	if opts.Delivery == nil {
		opts.Delivery = discardDelivery{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	d := &Dispatcher{
		pool:       opts.Pool,
		cache:      opts.Cache,
		delivery:   opts.Delivery,
		network:    opts.Network,
		scan:       opts.ScanNetworkChanges,
		adaptive:   opts.AdaptiveWorkers,
		logger:     opts.Logger.With(slog.String("agent", "dispatcher")),
		box:        newMailbox(),
		done:       make(chan struct{}),
		hunters:    make(map[string]*hunter.Hunter),
		failed:     make(map[any]*action.Action),
		pausedTags: make(map[string]struct{}),
		paused:     make(map[any]*action.Action),
		info:       netstate.Info{Connected: true, Type: netstate.TypeUnknown},
	}
	d.deps = hunter.Deps{
		Handlers: opts.Handlers,
		Cache:    opts.Cache,
		Reporter: d,
		Observer: opts.Observer,
		Logger:   opts.Logger,
	}
	if d.network != nil {
		d.info = d.network.Current()
		d.airplane = d.network.AirplaneMode()
		d.unsubscribe = d.network.Subscribe(listener{d})
		if d.adaptive {
			d.pool.SetLimit(d.info.Type.SuggestedWorkers())
		}
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		batch := d.box.next()
		if batch == nil {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

func (d *Dispatcher) post(op string, fn func()) {
	if !d.box.post(fn) {
		d.logger.Debug("dispatcher stopped, dropping message", slog.String("op", op))
	}
}

// Done is closed once the dispatcher goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Submit starts or joins the hunter for a's key.
func (d *Dispatcher) Submit(a *action.Action) {
	d.post("submit", func() { d.performSubmit(a, true) })
}

// Cancel detaches a from its hunter and drops any paused or failed entry.
func (d *Dispatcher) Cancel(a *action.Action) {
	d.post("cancel", func() { d.performCancel(a) })
}

// PauseTag holds back every action carrying tag until ResumeTag.
func (d *Dispatcher) PauseTag(tag string) {
	d.post("pause", func() { d.performPauseTag(tag) })
}

// ResumeTag resubmits the actions held by PauseTag, highest priority first.
func (d *Dispatcher) ResumeTag(tag string) {
	d.post("resume", func() { d.performResumeTag(tag) })
}

// DispatchComplete reports that h produced a bitmap.
func (d *Dispatcher) DispatchComplete(h *hunter.Hunter) {
	d.post("complete", func() { d.performComplete(h) })
}

// DispatchRetry reports a transient failure of h.
func (d *Dispatcher) DispatchRetry(h *hunter.Hunter) {
	d.post("retry", func() { d.performRetry(h) })
}

// DispatchFailed reports a permanent failure of h.
func (d *Dispatcher) DispatchFailed(h *hunter.Hunter) {
	d.post("failed", func() { d.performError(h, false) })
}

// DispatchNetworkStateChange records info and replays failed actions once
// connected.
func (d *Dispatcher) DispatchNetworkStateChange(info netstate.Info) {
	d.post("network", func() { d.performNetworkStateChange(info) })
}

// DispatchAirplaneModeChange records the airplane mode flag.
func (d *Dispatcher) DispatchAirplaneModeChange(enabled bool) {
	d.post("airplane", func() { d.performAirplaneModeChange(enabled) })
}

// Shutdown stops the pool, clears all state and ends the goroutine once the
// messages queued before it have run.
func (d *Dispatcher) Shutdown() {
	d.post("shutdown", func() {
		d.performShutdown()
		d.box.close()
	})
}

// Snapshot reads the dispatcher state through the mailbox.
func (d *Dispatcher) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if !d.box.post(func() { reply <- d.snapshot() }) {
		return Snapshot{}, ErrStopped
	}
	select {
	case s := <-reply:
		return s, nil
	case <-d.done:
		select {
		case s := <-reply:
			return s, nil
		default:
			return Snapshot{}, ErrStopped
		}
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (d *Dispatcher) performSubmit(a *action.Action, dismissFailed bool) {
	if d.shutdown {
		d.logger.Info("submit after shutdown ignored", slog.String("key", a.Request().Name()))
		return
	}
	if a.IsCancelled() {
		return
	}
	if tag := a.Tag(); tag != "" {
		if _, paused := d.pausedTags[tag]; paused {
			d.paused[a.TargetKey()] = a
			d.logger.Debug("action paused", slog.String("tag", tag), slog.String("key", a.Request().Name()))
			return
		}
	}
	if dismissFailed {
		d.dismissFailed(a)
	}

	if a.Request().MemoryPolicy.ShouldRead() {
		if b, ok := d.cache.Get(a.Key()); ok {
			d.delivery.Deliver(Outcome{Key: a.Key(), Request: a.Request(), Bitmap: b, From: handler.FromMemory, Actions: []*action.Action{a}})
			return
		}
	}

	if h, ok := d.hunters[a.Key()]; ok {
		if h.Attach(a) && h.Future() != nil {
			d.pool.Reprioritize(h.Future(), h.Priority())
		}
		return
	}

	d.seq++
	h := hunter.For(d.seq, a, d.deps)
	f, err := d.pool.Submit(h.Run, h.Priority(), h.Sequence())
	if err != nil {
		d.logger.Warn("worker pool rejected hunter", slog.String("key", a.Request().Name()), slog.Any("error", err))
		return
	}
	h.SetFuture(f)
	d.hunters[a.Key()] = h
	d.logger.Debug("hunter created", slog.String("key", a.Request().Name()), slog.String("handler", h.Handler().Name()))
}

func (d *Dispatcher) dismissFailed(a *action.Action) {
	delete(d.failed, a.TargetKey())
}

func (d *Dispatcher) performCancel(a *action.Action) {
	key := a.Key()
	if h, ok := d.hunters[key]; ok {
		d.detach(h, a)
		if h.Cancel() {
			delete(d.hunters, key)
			d.logger.Debug("hunter cancelled", slog.String("key", a.Request().Name()))
		}
	}
	if cur, ok := d.paused[a.TargetKey()]; ok && cur == a {
		delete(d.paused, a.TargetKey())
	}
	if cur, ok := d.failed[a.TargetKey()]; ok && cur == a {
		delete(d.failed, a.TargetKey())
	}
}

// detach removes a from h and moves h's queued job to the priority of the
// actions left.
func (d *Dispatcher) detach(h *hunter.Hunter, a *action.Action) {
	before := h.Priority()
	h.Detach(a)
	if h.HasActions() && h.Future() != nil && h.Priority() != before {
		d.pool.Reprioritize(h.Future(), h.Priority())
	}
}

func (d *Dispatcher) performPauseTag(tag string) {
	if _, ok := d.pausedTags[tag]; ok {
		return
	}
	d.pausedTags[tag] = struct{}{}
	for key, h := range d.hunters {
		for _, a := range h.AllActions() {
			if a.Tag() != tag {
				continue
			}
			d.detach(h, a)
			d.paused[a.TargetKey()] = a
		}
		if h.Cancel() {
			delete(d.hunters, key)
		}
	}
	d.logger.Debug("tag paused", slog.String("tag", tag))
}

func (d *Dispatcher) performResumeTag(tag string) {
	if _, ok := d.pausedTags[tag]; !ok {
		return
	}
	delete(d.pausedTags, tag)
	var batch []*action.Action
	for k, a := range d.paused {
		if a.Tag() == tag {
			batch = append(batch, a)
			delete(d.paused, k)
		}
	}
	sort.SliceStable(batch, func(i, j int) bool { return batch[i].Priority() > batch[j].Priority() })
	for _, a := range batch {
		d.performSubmit(a, false)
	}
	d.logger.Debug("tag resumed", slog.String("tag", tag), slog.Int("actions", len(batch)))
}

func (d *Dispatcher) performRetry(h *hunter.Hunter) {
	if h.IsCancelled() || d.hunters[h.Key()] != h {
		return
	}
	if d.pool.IsShutdown() {
		d.performError(h, false)
		return
	}

	var info *netstate.Info
	if d.scan && d.network != nil {
		current := d.info
		info = &current
	}
	connected := info == nil || info.Connected
	shouldRetry := h.ShouldRetry(d.airplane, info)
	supportsReplay := h.SupportsReplay()

	if !shouldRetry {
		willReplay := d.scan && supportsReplay
		if willReplay {
			d.markForReplay(h)
		}
		d.performError(h, willReplay)
		return
	}
	if !d.scan || connected {
		f, err := d.pool.Submit(h.Run, h.Priority(), h.Sequence())
		if err != nil {
			d.performError(h, false)
			return
		}
		h.SetFuture(f)
		d.logger.Debug("hunter retried", slog.String("key", h.Request().Name()), slog.Int("retries_left", h.RetriesLeft()))
		return
	}
	if supportsReplay {
		d.markForReplay(h)
	}
	d.performError(h, supportsReplay)
}

func (d *Dispatcher) markForReplay(h *hunter.Hunter) {
	for _, a := range h.AllActions() {
		if a.NoReplay() || a.IsCancelled() {
			continue
		}
		a.SetWillReplay(true)
		d.failed[a.TargetKey()] = a
	}
}

func (d *Dispatcher) performComplete(h *hunter.Hunter) {
	if d.hunters[h.Key()] != h {
		return
	}
	delete(d.hunters, h.Key())
	if !h.HasActions() {
		return
	}
	b, from := h.Result()
	if from != handler.FromMemory && h.Request().MemoryPolicy.ShouldWrite() && b.ByteCount() > 0 {
		d.cache.Set(h.Key(), b)
	}
	d.delivery.Deliver(Outcome{Key: h.Key(), Request: h.Request(), Bitmap: b, From: from, Actions: h.AllActions()})
}

// performError removes h and reports its error to every action that is not
// waiting for a replay.
func (d *Dispatcher) performError(h *hunter.Hunter, willReplay bool) {
	if d.hunters[h.Key()] != h {
		return
	}
	delete(d.hunters, h.Key())
	actions := h.AllActions()
	if willReplay {
		pending := actions[:0:0]
		for _, a := range actions {
			if !a.WillReplay() {
				pending = append(pending, a)
			}
		}
		actions = pending
	}
	if len(actions) == 0 {
		return
	}
	d.delivery.Deliver(Outcome{Key: h.Key(), Request: h.Request(), Err: h.Err(), Actions: actions})
}

func (d *Dispatcher) performNetworkStateChange(info netstate.Info) {
	d.info = info
	if d.adaptive {
		d.pool.SetLimit(info.Type.SuggestedWorkers())
	}
	if !info.Connected || len(d.failed) == 0 {
		return
	}
	replay := make([]*action.Action, 0, len(d.failed))
	for k, a := range d.failed {
		delete(d.failed, k)
		replay = append(replay, a)
	}
	sort.SliceStable(replay, func(i, j int) bool { return replay[i].Priority() > replay[j].Priority() })
	d.logger.Info("replaying failed actions", slog.Int("actions", len(replay)))
	for _, a := range replay {
		a.SetWillReplay(false)
		d.performSubmit(a, false)
	}
}

func (d *Dispatcher) performAirplaneModeChange(enabled bool) {
	d.airplane = enabled
}

func (d *Dispatcher) performShutdown() {
	if d.shutdown {
		return
	}
	d.shutdown = true
	d.pool.Shutdown()
	for _, h := range d.hunters {
		if f := h.Future(); f != nil {
			f.Cancel()
		}
	}
	clear(d.hunters)
	clear(d.failed)
	clear(d.paused)
	clear(d.pausedTags)
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	d.logger.Info("dispatcher shut down")
}

func (d *Dispatcher) snapshot() Snapshot {
	tags := make([]string, 0, len(d.pausedTags))
	for tag := range d.pausedTags {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return Snapshot{
		Hunters:    len(d.hunters),
		Failed:     len(d.failed),
		Paused:     len(d.paused),
		PausedTags: tags,
		Airplane:   d.airplane,
		Network:    d.info,
		Shutdown:   d.shutdown,
	}
}

// listener forwards connectivity events into the mailbox.
type listener struct{ d *Dispatcher }

func (l listener) NetworkStateChanged(info netstate.Info) { l.d.DispatchNetworkStateChange(info) }
func (l listener) AirplaneModeChanged(enabled bool)       { l.d.DispatchAirplaneModeChange(enabled) }
