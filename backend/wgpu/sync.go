package wgpu

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/cmdgraph/backend"
)

// pollInterval is how often CPU waits re-check queue progress.
const pollInterval = 50 * time.Microsecond

// poll calls done until it reports true or timeout elapses.
func poll(timeout time.Duration, done func() bool) bool {
	deadline := time.Now().Add(timeout)
	for !done() {
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
	return true
}

type mark struct {
	value, index uint64
}

// Timeline maps values to submission indices of its device's queue.
type Timeline struct {
	dev *Device

	mu      sync.Mutex
	value   uint64
	pending []mark
}

// signalAt makes value complete when submission index finishes.
func (t *Timeline) signalAt(value, index uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.pending); n > 0 && t.pending[n-1].value >= value {
		panic(fmt.Sprintf("wgpu: timeline signaled %d after %d", value, t.pending[n-1].value))
	}
	t.pending = append(t.pending, mark{value: value, index: index})
}

// Completed returns the highest value whose submission has finished.
func (t *Timeline) Completed() uint64 {
	done := t.dev.queue.PollCompleted()
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range t.pending {
		if m.index > done {
			break
		}
		t.value = m.value
		n++
	}
	t.pending = t.pending[n:]
	return t.value
}

// Wait blocks until value completes or timeout elapses.
func (t *Timeline) Wait(value uint64, timeout time.Duration) (bool, error) {
	return poll(timeout, func() bool { return t.Completed() >= value }), nil
}

// Release is a no-op.
func (t *Timeline) Release() {}

// Fence completes with the submission it was passed to.
type Fence struct {
	dev   *Device
	armed atomic.Bool
	index atomic.Uint64
}

func (f *Fence) arm(index uint64) {
	f.index.Store(index)
	f.armed.Store(true)
}

// Signaled reports whether the fenced submission finished.
func (f *Fence) Signaled() bool {
	return f.armed.Load() && f.dev.queue.PollCompleted() >= f.index.Load()
}

// Wait blocks until the fence signals or timeout elapses.
func (f *Fence) Wait(timeout time.Duration) (bool, error) {
	return poll(timeout, f.Signaled), nil
}

// Release is a no-op.
func (f *Fence) Release() {}

// Semaphore orders work on the single HAL queue, where submission order
// already implies it.
type Semaphore struct{}

// Release is a no-op.
func (*Semaphore) Release() {}

// Swapchain is an offscreen ring of images. Images are handed out in order
// and become available again once presented.
type Swapchain struct {
	mu        sync.Mutex
	next      int
	acquired  []bool
	presented int
}

// Acquire returns the next free image. ok is false when every image is in use.
func (s *Swapchain) Acquire(backend.Semaphore) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.next
	if s.acquired[i] {
		return 0, false, nil
	}
	s.acquired[i] = true
	s.next = (i + 1) % len(s.acquired)
	return i, true, nil
}

// Present returns image index to the ring.
func (s *Swapchain) Present(_ backend.Semaphore, index int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.acquired) || !s.acquired[index] {
		return false, fmt.Errorf("wgpu: present of image %d that was not acquired", index)
	}
	s.acquired[index] = false
	s.presented++
	return true, nil
}

// Presented returns how many images were presented.
func (s *Swapchain) Presented() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presented
}

// Release is a no-op.
func (s *Swapchain) Release() {}
