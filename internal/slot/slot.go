// Package slot provides a single-value mailbox: writes overwrite, reads never
// block, and waiters are woken on the next write.
package slot

import (
	"context"
	"sync"
)

// Latest holds at most one value of T.
type Latest[T any] struct {
	mu      sync.Mutex
	val     T
	ok      bool
	version uint64
	changed chan struct{}
}

// New returns an empty slot.
func New[T any]() *Latest[T] {
	return &Latest[T]{changed: make(chan struct{})}
}

// Set stores v, replacing any previous value, and wakes waiters.
func (s *Latest[T]) Set(v T) {
	s.mu.Lock()
	s.val, s.ok = v, true
	s.bumpLocked()
	s.mu.Unlock()
}

// Clear empties the slot.
func (s *Latest[T]) Clear() {
	s.mu.Lock()
	var zero T
	s.val, s.ok = zero, false
	s.bumpLocked()
	s.mu.Unlock()
}

// Get returns the current value and whether one is present.
func (s *Latest[T]) Get() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.val, s.ok
}

// Version increments on every Set or Clear.
func (s *Latest[T]) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Wait returns the current value if present, otherwise blocks until a value
// is Set or ctx is done. It has no timeout of its own.
func (s *Latest[T]) Wait(ctx context.Context) (T, error) {
	for {
		s.mu.Lock()
		if s.ok {
			v := s.val
			s.mu.Unlock()
			return v, nil
		}
		if s.changed == nil {
			s.changed = make(chan struct{})
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-ch:
		}
	}
}

func (s *Latest[T]) bumpLocked() {
	s.version++
	if s.changed == nil {
		s.changed = make(chan struct{})
		return
	}
	close(s.changed)
	s.changed = make(chan struct{})
}
