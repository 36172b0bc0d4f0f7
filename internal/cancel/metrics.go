package cancel

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is a snapshot of cancellation counters. Percentages are 0..100;
// both are 0 before the first cancel.
type Metrics struct {
	TotalCancels     int
	NotFound         int
	AverageLatency   time.Duration
	MinLatency       time.Duration
	MaxLatency       time.Duration
	SuccessRate      float64
	TargetCompliance float64
}

type stats struct {
	notFound atomic.Int64

	mu        sync.Mutex
	total     int
	succeeded int
	compliant int
	sum       time.Duration
	min       time.Duration
	max       time.Duration
}

func (s *stats) record(latency, target time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.succeeded++
	if latency <= target {
		s.compliant++
	}
	s.sum += latency
	if s.total == 1 || latency < s.min {
		s.min = latency
	}
	if latency > s.max {
		s.max = latency
	}
}

// Metrics returns the counters without resetting them.
func (m *Manager) Metrics() Metrics {
	s := &m.stats
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Metrics{
		TotalCancels: s.total,
		NotFound:     int(s.notFound.Load()),
		MinLatency:   s.min,
		MaxLatency:   s.max,
	}
	if s.total > 0 {
		out.AverageLatency = s.sum / time.Duration(s.total)
		out.SuccessRate = 100 * float64(s.succeeded) / float64(s.total)
		out.TargetCompliance = 100 * float64(s.compliant) / float64(s.total)
	}
	return out
}
