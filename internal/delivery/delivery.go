// Package delivery runs target callbacks on a dedicated executor, the loader's
// stand-in for a UI thread.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// Executor runs callbacks in submission order.
type Executor interface {
	Execute(fn func())
}

// Inline runs callbacks on the calling goroutine.
type Inline struct{}

func (Inline) Execute(fn func()) { fn() }

// Serial runs callbacks one at a time on its own goroutine. The queue is
// unbounded so Execute never blocks the dispatcher.
type Serial struct {
	logger *slog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
	signal chan struct{}
	done   chan struct{}
}

func NewSerial(logger *slog.Logger) *Serial {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Serial{
		logger: logger.With(slog.String("agent", "delivery")),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// Execute queues fn. Callbacks queued after Close are dropped.
func (s *Serial) Execute(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Debug("delivery executor closed, dropping callback")
		return
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Close stops accepting callbacks and waits for queued ones to run.
func (s *Serial) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Serial) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()
		for _, fn := range batch {
			s.run(fn)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-s.signal
	}
}

func (s *Serial) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("delivery callback panicked",
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}
