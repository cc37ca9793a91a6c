package frame

import (
	"sync"
	"sync/atomic"

	"github.com/resident-x/go-victron-ble/internal/domain"
)

// Slot holds at most one capture between a single producer and a single consumer.
// The ready flag is set after the capture is stored and cleared once the consumer
// has finished with it; while set, new captures are refused.
type Slot struct {
	ready   atomic.Bool
	mu      sync.Mutex
	capture domain.Capture
	filled  chan struct{}
	drained chan struct{}
	dropped atomic.Int64
}

// NewSlot creates an empty slot.
func NewSlot() *Slot {
	return &Slot{
		filled:  make(chan struct{}, 1),
		drained: make(chan struct{}, 1),
	}
}

// Offer stores c if the slot is empty and reports whether it was accepted.
func (s *Slot) Offer(c domain.Capture) bool {
	if s.ready.Load() {
		s.dropped.Add(1)
		return false
	}

	s.mu.Lock()
	s.capture = c
	s.mu.Unlock()

	s.ready.Store(true)
	notify(s.filled)
	return true
}

// Take returns the pending capture. ok is false when the slot is empty.
func (s *Slot) Take() (domain.Capture, bool) {
	if !s.ready.Load() {
		return domain.Capture{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capture, true
}

// Release empties the slot after the consumer is done with the capture.
func (s *Slot) Release() {
	s.mu.Lock()
	s.capture = domain.Capture{}
	s.mu.Unlock()

	s.ready.Store(false)
	notify(s.drained)
}

// Ready reports whether a capture is waiting.
func (s *Slot) Ready() bool { return s.ready.Load() }

// Filled is signalled after a capture is accepted.
func (s *Slot) Filled() <-chan struct{} { return s.filled }

// Drained is signalled after the slot is released.
func (s *Slot) Drained() <-chan struct{} { return s.drained }

// Dropped returns how many captures were refused because the slot was full.
func (s *Slot) Dropped() int64 { return s.dropped.Load() }

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
