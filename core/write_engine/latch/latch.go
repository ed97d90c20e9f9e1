// Package latch provides the scoped synchronization primitives used by the
// storage engine. Every latch owns the value it protects, so the value can
// only be reached while the latch is held, and the latch is always released
// when the closure returns, including on panic.
package latch

import "sync"

// Latch guards a value of type T with an exclusive mutex.
type Latch[T any] struct {
	mu  sync.Mutex
	val T
}

// NewLatch wraps val in a Latch.
func NewLatch[T any](val T) *Latch[T] {
	return &Latch[T]{val: val}
}

// With runs fn with exclusive access to the guarded value.
func (l *Latch[T]) With(fn func(v *T)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.val)
}

// WithErr is With for closures that can fail.
func (l *Latch[T]) WithErr(fn func(v *T) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(&l.val)
}

// Locked runs fn under l and returns its result.
func Locked[T, R any](l *Latch[T], fn func(v *T) R) R {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(&l.val)
}

// RwLatch guards a value of type T with a reader/writer lock. Any number of
// readers may hold it at once; a writer holds it alone.
type RwLatch[T any] struct {
	mu  sync.RWMutex
	val T
}

// NewRwLatch wraps val in an RwLatch.
func NewRwLatch[T any](val T) *RwLatch[T] {
	return &RwLatch[T]{val: val}
}

// Read runs fn with shared access. fn must not modify the value.
func (l *RwLatch[T]) Read(fn func(v *T)) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn(&l.val)
}

// ReadErr is Read for closures that can fail.
func (l *RwLatch[T]) ReadErr(fn func(v *T) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fn(&l.val)
}

// Write runs fn with exclusive access.
func (l *RwLatch[T]) Write(fn func(v *T)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn(&l.val)
}

// WriteErr is Write for closures that can fail.
func (l *RwLatch[T]) WriteErr(fn func(v *T) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(&l.val)
}

// ReadLocked runs fn under a shared hold of l and returns its result.
func ReadLocked[T, R any](l *RwLatch[T], fn func(v *T) R) R {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fn(&l.val)
}

// WriteLocked runs fn under an exclusive hold of l and returns its result.
func WriteLocked[T, R any](l *RwLatch[T], fn func(v *T) R) R {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(&l.val)
}
