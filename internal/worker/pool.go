// Package worker runs jobs on a bounded number of goroutines, taking the
// highest-priority queued job first and FIFO among equal priorities.
package worker

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/l0p7/imgloader/internal/request"
)

// ErrShutdown is returned by Submit after Shutdown.
var ErrShutdown = errors.New("worker: pool is shut down")

// Job is the unit of work. ctx is cancelled when the job's future is.
type Job func(ctx context.Context)

type jobState int

const (
	stateQueued jobState = iota
	stateRunning
	stateDone
)

// Future tracks one submitted job.
type Future struct {
	pool *Pool
	job  Job

	// Guarded by pool.mu.
	priority request.Priority
	seq      uint64
	index    int
	state    jobState
	cancel   context.CancelFunc

	cancelled atomic.Bool
	done      chan struct{}
}

// Cancel withdraws the job. It returns true when the job was still queued and
// will never run; a running job has its context cancelled and Cancel returns
// false. Either way the future reports IsCancelled afterwards.
func (f *Future) Cancel() bool {
	f.cancelled.Store(true)
	p := f.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	switch f.state {
	case stateQueued:
		heap.Remove(&p.queue, f.index)
		f.state = stateDone
		close(f.done)
		p.dropped.Add(1)
		return true
	case stateRunning:
		f.cancel()
	}
	return false
}

func (f *Future) IsCancelled() bool { return f.cancelled.Load() }

// Done is closed once the job has finished or been removed from the queue.
func (f *Future) Done() <-chan struct{} { return f.done }

// Stats is a snapshot of pool counters.
type Stats struct {
	Limit     int    `json:"limit"`
	Running   int    `json:"running"`
	Queued    int    `json:"queued"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Dropped   uint64 `json:"dropped"`
	Panicked  uint64 `json:"panicked"`
}

// Pool is a bounded priority executor.
type Pool struct {
	logger *slog.Logger

	mu      sync.Mutex
	limit   int
	running int
	queue   jobQueue
	nextSeq uint64
	closed  bool
	wg      sync.WaitGroup

	submitted atomic.Uint64
	completed atomic.Uint64
	dropped   atomic.Uint64
	panicked  atomic.Uint64
}

// New builds a pool running at most limit jobs at once.
func New(limit int, logger *slog.Logger) *Pool {
	if limit <= 0 {
		limit = 1
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pool{limit: limit, logger: logger.With(slog.String("agent", "worker_pool"))}
}

// Submit queues job with priority. seq orders jobs of equal priority; pass 0
// to use the pool's own submission order.
func (p *Pool) Submit(job Job, priority request.Priority, seq uint64) (*Future, error) {
	if job == nil {
		return nil, errors.New("worker: nil job")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrShutdown
	}
	if seq == 0 {
		p.nextSeq++
		seq = p.nextSeq
	} else if seq > p.nextSeq {
		p.nextSeq = seq
	}
	f := &Future{pool: p, job: job, priority: priority, seq: seq, done: make(chan struct{})}
	heap.Push(&p.queue, f)
	p.submitted.Add(1)
	p.fillLocked()
	return f, nil
}

// Reprioritize moves a queued job to its new place. Running or finished jobs
// are unaffected.
func (p *Pool) Reprioritize(f *Future, priority request.Priority) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f.state != stateQueued || f.priority == priority {
		return
	}
	f.priority = priority
	heap.Fix(&p.queue, f.index)
}

// SetLimit changes the concurrency bound. Raising it starts queued jobs at
// once; lowering it lets running jobs finish.
func (p *Pool) SetLimit(limit int) {
	if limit <= 0 {
		limit = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.limit == limit {
		return
	}
	p.logger.Debug("worker limit changed", slog.Int("from", p.limit), slog.Int("to", limit))
	p.limit = limit
	p.fillLocked()
}

func (p *Pool) Limit() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limit
}

// IsShutdown reports whether Shutdown was called.
func (p *Pool) IsShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Shutdown rejects further submissions and drops queued jobs. Running jobs
// finish normally; use Wait to block on them.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for p.queue.Len() > 0 {
		f := heap.Pop(&p.queue).(*Future)
		f.state = stateDone
		f.cancelled.Store(true)
		close(f.done)
		p.dropped.Add(1)
	}
}

// Wait blocks until running jobs have returned or ctx ends.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Limit:     p.limit,
		Running:   p.running,
		Queued:    p.queue.Len(),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Dropped:   p.dropped.Load(),
		Panicked:  p.panicked.Load(),
	}
}

// fillLocked starts queued jobs while capacity remains. Callers hold mu.
func (p *Pool) fillLocked() {
	for p.running < p.limit && p.queue.Len() > 0 {
		f := heap.Pop(&p.queue).(*Future)
		ctx, cancel := context.WithCancel(context.Background())
		f.state = stateRunning
		f.cancel = cancel
		p.running++
		p.wg.Add(1)
		go p.run(ctx, f)
	}
}

func (p *Pool) run(ctx context.Context, f *Future) {
	defer func() {
		if r := recover(); r != nil {
			p.panicked.Add(1)
			p.logger.Error("job panicked",
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())))
		}
		f.cancel()
		p.mu.Lock()
		f.state = stateDone
		p.running--
		p.completed.Add(1)
		p.fillLocked()
		p.mu.Unlock()
		close(f.done)
		p.wg.Done()
	}()
	f.job(ctx)
}

// jobQueue orders by priority descending, then sequence ascending.
type jobQueue []*Future

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x any) {
	f := x.(*Future)
	f.index = len(*q)
	*q = append(*q, f)
}

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	f := old[n-1]
	old[n-1] = nil
	f.index = -1
	*q = old[:n-1]
	return f
}
