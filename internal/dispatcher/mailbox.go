package dispatcher

import "sync"

// mailbox is an unbounded FIFO of closures drained by a single goroutine.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

// post enqueues fn. It reports false once the mailbox is closed.
func (m *mailbox) post(fn func()) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// close rejects further posts. Already queued closures still run.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// next blocks for the next batch. It returns nil once closed and drained.
func (m *mailbox) next() []func() {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			batch := m.queue
			m.queue = nil
			m.mu.Unlock()
			return batch
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return nil
		}
		<-m.signal
	}
}
