package spectral

import (
	"sync"
	"time"
)

// LatencyStats summarizes how long rows take from a complete frame to a
// pushed spectrum row.
type LatencyStats struct {
	Count uint64        `json:"count"`
	Avg   time.Duration `json:"avg_ns"`
	Min   time.Duration `json:"min_ns"`
	Max   time.Duration `json:"max_ns"`
}

// runningLatency keeps a running average with min/max
type runningLatency struct {
	mu    sync.Mutex
	count uint64
	mean  float64
	min   time.Duration
	max   time.Duration
}

func (r *runningLatency) add(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.count++
	r.mean += (float64(d) - r.mean) / float64(r.count)
	if r.count == 1 || d < r.min {
		r.min = d
	}
	if d > r.max {
		r.max = d
	}
}

func (r *runningLatency) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count, r.mean, r.min, r.max = 0, 0, 0, 0
}

func (r *runningLatency) snapshot() LatencyStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return LatencyStats{
		Count: r.count,
		Avg:   time.Duration(r.mean),
		Min:   r.min,
		Max:   r.max,
	}
}
