package features

import (
	"fmt"
	"math/rand"
	"sync/atomic"
)

// Sampler keeps each event with a fixed probability.
type Sampler struct {
	rate    float64
	rnd     func() float64
	kept    atomic.Uint64
	dropped atomic.Uint64
}

// NewSampler creates a sampler keeping events with probability rate.
// rnd must return values in [0, 1); nil selects math/rand.
func NewSampler(rate float64, rnd func() float64) (*Sampler, error) {
	if rate < 0 || rate > 1 {
		return nil, fmt.Errorf("sampling rate must be within [0, 1], got %v", rate)
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	return &Sampler{rate: rate, rnd: rnd}, nil
}

// Rate returns the configured keep probability.
func (s *Sampler) Rate() float64 { return s.rate }

// Keep draws once and reports whether the event survives. A rate of 1 keeps
// everything and a rate of 0 keeps nothing.
func (s *Sampler) Keep() bool {
	keep := s.rate >= 1 || (s.rate > 0 && s.rnd() < s.rate)
	if keep {
		s.kept.Add(1)
	} else {
		s.dropped.Add(1)
	}
	return keep
}

// SamplingMetrics reports sampler decisions.
type SamplingMetrics struct {
	Kept    uint64
	Dropped uint64
}

// Metrics returns the decisions made so far.
func (s *Sampler) Metrics() SamplingMetrics {
	return SamplingMetrics{Kept: s.kept.Load(), Dropped: s.dropped.Load()}
}
