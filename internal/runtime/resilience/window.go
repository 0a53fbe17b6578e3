package resilience

import (
	"sync"
	"time"
)

type bucket struct {
	second   int64
	total    int
	failures int
}

// errorWindow counts attempt outcomes over a sliding window with one-second
// resolution.
type errorWindow struct {
	mu      sync.Mutex
	now     func() time.Time
	buckets []bucket
}

func newErrorWindow(size time.Duration, now func() time.Time) *errorWindow {
	n := int((size + time.Second - 1) / time.Second)
	if n < 1 {
		n = 1
	}
	return &errorWindow{now: now, buckets: make([]bucket, n)}
}

func (w *errorWindow) record(failed bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	sec := w.now().Unix()
	b := &w.buckets[int(sec%int64(len(w.buckets)))]
	if b.second != sec {
		*b = bucket{second: sec}
	}
	b.total++
	if failed {
		b.failures++
	}
}

// rate returns failures/total over the window and the sample count.
func (w *errorWindow) rate() (float64, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	oldest := w.now().Unix() - int64(len(w.buckets)) + 1
	var total, failures int
	for _, b := range w.buckets {
		if b.second >= oldest {
			total += b.total
			failures += b.failures
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(failures) / float64(total), total
}

func (w *errorWindow) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.buckets {
		w.buckets[i] = bucket{}
	}
}
