package sampler

import (
	"sync"

	"kvdash/internal/models"
)

// Ring is a fixed-capacity FIFO of samples. Pushing into a full ring
// evicts the oldest entry.
type Ring struct {
	mu    sync.RWMutex
	buf   []models.MetricsSample
	start int
	size  int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &Ring{buf: make([]models.MetricsSample, capacity)}
}

func (r *Ring) Push(s models.MetricsSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = s
		r.size++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

// Last returns up to n of the newest samples, oldest first. n <= 0
// returns everything held.
func (r *Ring) Last(n int) []models.MetricsSample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]models.MetricsSample, 0, n)
	for i := r.size - n; i < r.size; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

func (r *Ring) Latest() (models.MetricsSample, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.size == 0 {
		return models.MetricsSample{}, false
	}
	return r.buf[(r.start+r.size-1)%len(r.buf)], true
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.buf)
	r.start, r.size = 0, 0
}
