package types

import (
	"slices"
	"sync"
)

// Deque is an unbounded FIFO queue safe for concurrent use.
// Consumed slots at the front are reclaimed once they outnumber the live ones.
// [Deque.Ready] lets a consumer sleep until something is appended.
type Deque[T any] struct {
	mu     sync.Mutex
	buf    []T
	head   int
	notify chan struct{}
}

func (d *Deque[T]) signal() chan struct{} {
	if d.notify == nil {
		d.notify = make(chan struct{}, 1)
	}
	return d.notify
}

// Append pushes item to the back.
func (d *Deque[T]) Append(item T) {
	d.mu.Lock()
	d.buf = append(d.buf, item)
	ch := d.signal()
	d.mu.Unlock()

	select {
	case ch <- struct{}{}:
	default:
	}
}

// Ready returns a channel signalled after appends.
// Several appends may produce one signal, so drain the queue after each receive.
func (d *Deque[T]) Ready() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.signal()
}

// PopFirst takes the front item, ok is false if the queue is empty.
func (d *Deque[T]) PopFirst() (item T, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.head == len(d.buf) {
		return item, false
	}

	var zero T
	item, d.buf[d.head] = d.buf[d.head], zero
	d.head++
	d.compact()
	return item, true
}

func (d *Deque[T]) compact() {
	switch live := len(d.buf) - d.head; {
	case live == 0:
		d.buf, d.head = d.buf[:0], 0
	case d.head > live:
		n := copy(d.buf, d.buf[d.head:])
		clear(d.buf[n:])
		d.buf, d.head = d.buf[:n], 0
	}
}

// Drain takes every queued item in FIFO order.
// It returns nil if the queue is empty.
func (d *Deque[T]) Drain() []T {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.head == len(d.buf) {
		return nil
	}
	out := slices.Clone(d.buf[d.head:])
	clear(d.buf)
	d.buf, d.head = d.buf[:0], 0
	return out
}

// Len reports the number of queued items.
func (d *Deque[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buf) - d.head
}

// IsEmpty reports whether Len is zero.
func (d *Deque[T]) IsEmpty() bool { return d.Len() == 0 }
