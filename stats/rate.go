package stats

import (
	"sync"
	"time"
)

const rateWindow = 60

// RateCounter counts events over a sliding one-minute window of one-second
// buckets.
type RateCounter struct {
	now func() time.Time

	mu      sync.Mutex
	buckets [rateWindow]int64
	stamps  [rateWindow]int64
	total   int64
}

// NewRateCounter returns a RateCounter reading time from now, or time.Now
// when nil.
func NewRateCounter(now func() time.Time) *RateCounter {
	if now == nil {
		now = time.Now
	}
	return &RateCounter{now: now}
}

// Inc counts one event.
func (r *RateCounter) Inc() {
	sec := r.now().Unix()
	i := bucket(sec)

	r.mu.Lock()
	if r.stamps[i] != sec {
		r.stamps[i] = sec
		r.buckets[i] = 0
	}
	r.buckets[i]++
	r.total++
	r.mu.Unlock()
}

// Rate is the number of events in the last minute.
func (r *RateCounter) Rate() int64 {
	sec := r.now().Unix()

	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for i := range r.buckets {
		if age := sec - r.stamps[i]; age >= 0 && age < rateWindow {
			n += r.buckets[i]
		}
	}
	return n
}

// Total is the number of events ever counted.
func (r *RateCounter) Total() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func bucket(sec int64) int {
	i := sec % rateWindow
	if i < 0 {
		i += rateWindow
	}
	return int(i)
}
