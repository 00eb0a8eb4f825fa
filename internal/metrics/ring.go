package metrics

import (
	"sync"
	"time"
)

// DefaultRingSize is the default error ring capacity.
const DefaultRingSize = 50

// ErrorEntry records one source failure that produced no data at all.
type ErrorEntry struct {
	SourceID string    `json:"source_id"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// ErrorRing is a fixed-size circular buffer of ErrorEntries. Inserting past
// capacity evicts the oldest entry first. Goroutine-safe.
type ErrorRing struct {
	mu    sync.Mutex
	buf   []ErrorEntry
	size  int
	head  int // next write position
	count int // number of valid entries (0..size)
}

// NewErrorRing creates a ring with the given capacity.
func NewErrorRing(size int) *ErrorRing {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &ErrorRing{
		buf:  make([]ErrorEntry, size),
		size: size,
	}
}

// Push adds an entry, overwriting the oldest if full.
func (r *ErrorRing) Push(e ErrorEntry) {
	r.mu.Lock()
	r.buf[r.head] = e
	r.head = (r.head + 1) % r.size
	if r.count < r.size {
		r.count++
	}
	r.mu.Unlock()
}

// Snapshot returns a copy of all entries in chronological order (oldest
// first). The returned slice is safe to use without locks.
func (r *ErrorRing) Snapshot() []ErrorEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}

	result := make([]ErrorEntry, r.count)
	if r.count < r.size {
		copy(result, r.buf[:r.count])
	} else {
		n := copy(result, r.buf[r.head:])
		copy(result[n:], r.buf[:r.head])
	}
	return result
}

// Last returns the n most recent entries in chronological order.
func (r *ErrorRing) Last(n int) []ErrorEntry {
	if n <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}

	result := make([]ErrorEntry, n)
	start := (r.head - n + r.size) % r.size
	if start+n <= r.size {
		copy(result, r.buf[start:start+n])
	} else {
		first := r.size - start
		copy(result, r.buf[start:])
		copy(result[first:], r.buf[:n-first])
	}
	return result
}

// Len returns the number of entries currently buffered.
func (r *ErrorRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the ring capacity.
func (r *ErrorRing) Cap() int {
	return r.size
}
