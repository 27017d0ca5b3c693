package software

import (
	"sync"
	"time"

	"github.com/gogpu/cmdgraph/backend"
)

// Timeline is a counter with blocking waits. It is shared freely between
// software devices.
type Timeline struct {
	mu    sync.Mutex
	cond  *sync.Cond
	value uint64
}

func newTimeline() *Timeline {
	t := &Timeline{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Completed returns the highest signaled value.
func (t *Timeline) Completed() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// Signal raises the counter to v. Lower values are ignored.
func (t *Timeline) Signal(v uint64) {
	t.mu.Lock()
	if v > t.value {
		t.value = v
		t.cond.Broadcast()
	}
	t.mu.Unlock()
}

// Wait blocks until the counter reaches v or timeout elapses.
func (t *Timeline) Wait(v uint64, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	stop := time.AfterFunc(timeout, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer stop.Stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	for t.value < v {
		if !time.Now().Before(deadline) {
			return false, nil
		}
		t.cond.Wait()
	}
	return true, nil
}

// Release is a no-op.
func (t *Timeline) Release() {}

// Fence is a one-shot completion flag.
type Fence struct {
	done chan struct{}
	once sync.Once
}

func newFence() *Fence { return &Fence{done: make(chan struct{})} }

func (f *Fence) signal() { f.once.Do(func() { close(f.done) }) }

// Signaled reports whether the work guarded by f finished.
func (f *Fence) Signaled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until f is signaled or timeout elapses.
func (f *Fence) Wait(timeout time.Duration) (bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-f.done:
		return true, nil
	case <-t.C:
		return false, nil
	}
}

// Release is a no-op.
func (f *Fence) Release() {}

// Semaphore orders nothing on the software device; work already executes in
// submission order.
type Semaphore struct{}

// Release is a no-op.
func (*Semaphore) Release() {}

// Swapchain cycles through offscreen images.
type Swapchain struct {
	mu        sync.Mutex
	images    int
	next      int
	acquired  []bool
	presented int
	released  bool
}

// Acquire returns the next free image. ok is false when every image is
// acquired and not yet presented.
func (s *Swapchain) Acquire(backend.Semaphore) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for range s.images {
		i := s.next
		s.next = (s.next + 1) % s.images
		if !s.acquired[i] {
			s.acquired[i] = true
			return i, true, nil
		}
	}
	return -1, false, nil
}

// Present returns image index to the ring.
func (s *Swapchain) Present(_ backend.Semaphore, index int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= s.images || !s.acquired[index] {
		return false, nil
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

// Release marks the swapchain destroyed.
func (s *Swapchain) Release() {
	s.mu.Lock()
	s.released = true
	s.mu.Unlock()
}

// Released reports whether Release was called.
func (s *Swapchain) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
