package core

import "sync"

// FIFO is an unbounded queue drained through a channel. Push never blocks,
// so producers (store writers, mailbox listeners) cannot be stalled by a slow
// consumer. Items are delivered in push order.
type FIFO[T any] struct {
	mu     sync.Mutex
	items  []T
	wake   chan struct{}
	out    chan T
	done   chan struct{}
	once   sync.Once
	closed bool
}

func NewFIFO[T any]() *FIFO[T] {
	f := &FIFO[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
		done: make(chan struct{}),
	}
	go f.pump()
	return f
}

// Push enqueues v. It reports false once the queue is closed.
func (f *FIFO[T]) Push(v T) bool {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return false
	}
	f.items = append(f.items, v)
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
	return true
}

// Out is closed after Close; pending items are discarded.
func (f *FIFO[T]) Out() <-chan T { return f.out }

func (f *FIFO[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *FIFO[T]) Close() {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.items = nil
		f.mu.Unlock()
		close(f.done)
	})
}

func (f *FIFO[T]) pump() {
	defer close(f.out)
	for {
		f.mu.Lock()
		if len(f.items) == 0 {
			f.mu.Unlock()
			select {
			case <-f.wake:
				continue
			case <-f.done:
				return
			}
		}
		v := f.items[0]
		var zero T
		f.items[0] = zero
		f.items = f.items[1:]
		f.mu.Unlock()

		select {
		case f.out <- v:
		case <-f.done:
			return
		}
	}
}
