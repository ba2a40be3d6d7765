package server

import "sync"

// mailbox is an unbounded FIFO drained by at most one goroutine at a time.
// The goroutine is started when the first item arrives and exits once the
// queue is empty, so idle sessions cost nothing.
type mailbox[T any] struct {
	mu      sync.Mutex
	queue   []T
	running bool
	closed  bool
	handle  func(T)
}

func newMailbox[T any](handle func(T)) *mailbox[T] {
	return &mailbox[T]{handle: handle}
}

// post appends an item. It returns false once the mailbox is closed.
func (m *mailbox[T]) post(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, v)
	if m.running {
		m.mu.Unlock()
		return true
	}
	m.running = true
	m.mu.Unlock()

	go m.drain()
	return true
}

func (m *mailbox[T]) drain() {
	var zero T
	for {
		m.mu.Lock()
		if m.closed || len(m.queue) == 0 {
			m.running = false
			m.mu.Unlock()
			return
		}
		v := m.queue[0]
		m.queue[0] = zero
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.handle(v)
	}
}

// close stops delivery and returns the items that were never handled.
// The item currently being handled, if any, runs to completion.
func (m *mailbox[T]) close() []T {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	dropped := m.queue
	m.queue = nil
	return dropped
}

func (m *mailbox[T]) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
