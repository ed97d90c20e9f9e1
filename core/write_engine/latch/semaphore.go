package latch

// BinarySemaphore is a signal that is either set or clear. Post sets it and
// Wait blocks until it is set, then clears it. Posting twice before a Wait
// leaves a single signal.
type BinarySemaphore struct {
	ch chan struct{}
}

// NewBinarySemaphore returns a semaphore, already signaled if signaled is true.
func NewBinarySemaphore(signaled bool) *BinarySemaphore {
	s := &BinarySemaphore{ch: make(chan struct{}, 1)}
	if signaled {
		s.ch <- struct{}{}
	}
	return s
}

// Post sets the signal and wakes at most one waiter.
func (s *BinarySemaphore) Post() {
	select {
	case s.ch <- struct{}{}:
	default:
	}
}

// Wait blocks until the semaphore is signaled and consumes the signal.
func (s *BinarySemaphore) Wait() {
	<-s.ch
}

// TryWait consumes the signal if it is set and reports whether it did.
func (s *BinarySemaphore) TryWait() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}
