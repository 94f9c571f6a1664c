package types

import (
	"iter"
	"slices"
	"sync"
	"sync/atomic"
)

// CallbackManager keeps callbacks in registration order.
// Registration and removal copy the list, so iteration never blocks writers.
// The zero value is ready to use.
type CallbackManager[T any] struct {
	mu   sync.Mutex
	seq  uint64
	list atomic.Pointer[[]callbackEntry[T]]
}

type callbackEntry[T any] struct {
	id uint64
	fn T
}

func (m *CallbackManager[T]) snapshot() []callbackEntry[T] {
	if m == nil {
		return nil
	}
	if p := m.list.Load(); p != nil {
		return *p
	}
	return nil
}

// Len returns the number of registered callbacks.
func (m *CallbackManager[T]) Len() int {
	return len(m.snapshot())
}

// Add registers fn and returns a function that unregisters it.
// Calling remove more than once is a no-op.
func (m *CallbackManager[T]) Add(fn T) (remove func()) {
	m.mu.Lock()
	m.seq++
	id := m.seq
	next := append(slices.Clone(m.snapshot()), callbackEntry[T]{id: id, fn: fn})
	m.list.Store(&next)
	m.mu.Unlock()

	return func() { m.remove(id) }
}

func (m *CallbackManager[T]) remove(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.snapshot()
	i := slices.IndexFunc(cur, func(e callbackEntry[T]) bool { return e.id == id })
	if i < 0 {
		return
	}
	next := slices.Delete(slices.Clone(cur), i, i+1)
	m.list.Store(&next)
}

// All iterates over the callbacks registered at the moment of the call.
func (m *CallbackManager[T]) All() iter.Seq[T] {
	entries := m.snapshot()
	return func(yield func(T) bool) {
		for _, e := range entries {
			if !yield(e.fn) {
				return
			}
		}
	}
}
