package metrics

import (
	"math"
	"sync"
)

// SamplingObserver thins high-frequency events (partials, speech edges)
// per event name. Lifecycle events always pass.
type SamplingObserver struct {
	inner    Observer
	every    uint64
	mu       sync.Mutex
	counters map[string]uint64
}

func NewSamplingObserver(inner Observer, rate float64) *SamplingObserver {
	rate = math.Max(0, math.Min(1, rate))
	var every uint64
	if rate > 0 {
		every = uint64(math.Round(1.0 / rate))
		if every == 0 {
			every = 1
		}
	}
	return &SamplingObserver{inner: inner, every: every, counters: make(map[string]uint64)}
}

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if IsLifecycle(ev.Name) || s.every == 1 {
		s.inner.RecordEvent(ev)
		return
	}
	if s.every == 0 {
		return
	}
	s.mu.Lock()
	s.counters[ev.Name]++
	n := s.counters[ev.Name]
	s.mu.Unlock()
	// first of every window
	if n%s.every == 1 {
		s.inner.RecordEvent(ev)
	}
}
