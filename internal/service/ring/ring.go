// Package ring provides the fixed-capacity sample buffer that holds the most
// recent decoded audio for display and inspection.
package ring

import "sync"

// Ring is a circular buffer of int16 samples with overwrite-oldest eviction.
// Safe for one writer and any number of concurrent Snapshot readers.
type Ring struct {
	mu   sync.RWMutex
	buf  []int16
	head int // next write position
	size int // valid samples, never above len(buf)
}

// New creates a ring holding up to capacity samples. The capacity is fixed
// for the lifetime of the ring; values below 1 are raised to 1.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{buf: make([]int16, capacity)}
}

// Push appends one sample, evicting the oldest when full.
func (r *Ring) Push(s int16) {
	r.mu.Lock()
	r.push(s)
	r.mu.Unlock()
}

// PushAll appends samples in order under a single lock.
func (r *Ring) PushAll(samples []int16) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Only the tail that survives eviction needs copying.
	if len(samples) > len(r.buf) {
		samples = samples[len(samples)-len(r.buf):]
	}
	for _, s := range samples {
		r.push(s)
	}
}

func (r *Ring) push(s int16) {
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// Snapshot returns a copy of the contents, oldest first.
func (r *Ring) Snapshot() []int16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tail(r.size)
}

// Last returns a copy of the newest n samples, oldest first.
func (r *Ring) Last(n int) []int16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n > r.size {
		n = r.size
	}
	if n < 0 {
		n = 0
	}
	return r.tail(n)
}

func (r *Ring) tail(n int) []int16 {
	out := make([]int16, n)
	start := (r.head - n + len(r.buf)) % len(r.buf)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// Len returns the current occupancy.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the fixed capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}

// Clear drops all samples without releasing the storage.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.head = 0
	r.size = 0
}
