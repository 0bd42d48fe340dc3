// Package action binds one request to one target. An Action is created per
// load call and delivers at most once.
package action

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/l0p7/imgloader/internal/bitmap"
	"github.com/l0p7/imgloader/internal/handler"
	"github.com/l0p7/imgloader/internal/request"
)

// Target receives the outcome of a load.
type Target interface {
	OnSuccess(b *bitmap.Bitmap, from handler.LoadedFrom)
	OnError(err error)
}

// Liveness is implemented by targets that can go away before delivery, such
// as views detached from their window. Dead targets are skipped.
type Liveness interface {
	Alive() bool
}

// Funcs adapts callbacks to Target. Use it by pointer so it can key the
// dispatcher maps.
type Funcs struct {
	Success func(b *bitmap.Bitmap, from handler.LoadedFrom)
	Failure func(err error)
}

func (f *Funcs) OnSuccess(b *bitmap.Bitmap, from handler.LoadedFrom) {
	if f.Success != nil {
		f.Success(b, from)
	}
}

func (f *Funcs) OnError(err error) {
	if f.Failure != nil {
		f.Failure(err)
	}
}

// Options are the per-load settings that do not affect the produced pixels.
type Options struct {
	Tag string
	// NoReplay keeps a failed action from being replayed on reconnect.
	NoReplay bool
}

type Action struct {
	req       request.Request
	key       string
	opts      Options
	targetKey any

	mu     sync.Mutex
	target Target

	cancelled  atomic.Bool
	delivered  atomic.Bool
	willReplay atomic.Bool
}

// New binds req to target. req must already be validated.
func New(req request.Request, target Target, opts Options) *Action {
	a := &Action{req: req, key: req.Key(), opts: opts, target: target}
	a.targetKey = any(a)
	if target != nil && reflect.ValueOf(target).Comparable() {
		a.targetKey = target
	}
	return a
}

// NewFetch binds req to callbacks that do not stand for a view. The action
// keys itself, so one callbacks value may serve many pending fetches.
func NewFetch(req request.Request, callbacks Target, opts Options) *Action {
	a := &Action{req: req, key: req.Key(), opts: opts, target: callbacks}
	a.targetKey = any(a)
	return a
}

func (a *Action) Request() request.Request   { return a.req }
func (a *Action) Key() string                { return a.key }
func (a *Action) Tag() string                { return a.opts.Tag }
func (a *Action) Priority() request.Priority { return a.req.Priority }
func (a *Action) NoReplay() bool             { return a.opts.NoReplay }
func (a *Action) IsCancelled() bool          { return a.cancelled.Load() }
func (a *Action) IsDelivered() bool          { return a.delivered.Load() }
func (a *Action) WillReplay() bool           { return a.willReplay.Load() }
func (a *Action) SetWillReplay(replay bool)  { a.willReplay.Store(replay) }

// Target returns the bound target, or nil once the action is cancelled.
func (a *Action) Target() Target {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.target
}

// TargetKey identifies the target in the dispatcher's failed and paused maps.
// Targets that cannot be map keys fall back to the action itself, as do
// actions built by NewFetch. The key is
// fixed at construction so it survives Cancel.
func (a *Action) TargetKey() any { return a.targetKey }

// Alive reports whether the target can still accept a delivery.
func (a *Action) Alive() bool {
	t := a.Target()
	if t == nil {
		return false
	}
	if l, ok := t.(Liveness); ok {
		return l.Alive()
	}
	return true
}

// Cancel drops the target reference. Later deliveries become no-ops.
func (a *Action) Cancel() {
	a.cancelled.Store(true)
	a.mu.Lock()
	a.target = nil
	a.mu.Unlock()
}

// Complete delivers b. It reports whether the target was called.
func (a *Action) Complete(b *bitmap.Bitmap, from handler.LoadedFrom) bool {
	t := a.claim()
	if t == nil {
		return false
	}
	t.OnSuccess(b, from)
	return true
}

// Error delivers err. It reports whether the target was called.
func (a *Action) Error(err error) bool {
	t := a.claim()
	if t == nil {
		return false
	}
	t.OnError(err)
	return true
}

func (a *Action) claim() Target {
	if a.cancelled.Load() {
		return nil
	}
	t := a.Target()
	if t == nil {
		return nil
	}
	if !a.delivered.CompareAndSwap(false, true) {
		return nil
	}
	return t
}
