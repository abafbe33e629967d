package monitoring

import (
	"sync"
	"time"
)

// rollingCounter counts events over a sliding 60-second window using
// one-second buckets. Stale buckets are reclaimed lazily on access.
type rollingCounter struct {
	mu      sync.Mutex
	buckets [60]int64
	stamps  [60]int64 // unix second each bucket last counted for
}

func (rc *rollingCounter) Incr(now time.Time) {
	sec := now.Unix()
	idx := int(sec % 60)

	rc.mu.Lock()
	if rc.stamps[idx] != sec {
		rc.buckets[idx] = 0
		rc.stamps[idx] = sec
	}
	rc.buckets[idx]++
	rc.mu.Unlock()
}

// PerMinute sums the events recorded in the last 60 seconds.
func (rc *rollingCounter) PerMinute(now time.Time) int64 {
	floor := now.Unix() - 59

	rc.mu.Lock()
	defer rc.mu.Unlock()

	var total int64
	for i := 0; i < 60; i++ {
		if rc.stamps[i] >= floor {
			total += rc.buckets[i]
		}
	}
	return total
}
