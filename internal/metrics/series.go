package metrics

import "time"

// Sample is one time-series point.
type Sample struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// Series is a bounded ring buffer of samples. Appending past capacity
// silently drops the oldest entry. Not safe for concurrent use; the
// collector guards access with its own lock.
type Series struct {
	samples []Sample
	head    int
	size    int
}

// NewSeries creates a series holding at most capacity samples.
func NewSeries(capacity int) *Series {
	return &Series{samples: make([]Sample, capacity)}
}

// Append adds a sample, evicting the oldest when full.
func (s *Series) Append(at time.Time, value float64) {
	idx := (s.head + s.size) % len(s.samples)
	s.samples[idx] = Sample{At: at, Value: value}
	if s.size < len(s.samples) {
		s.size++
	} else {
		s.head = (s.head + 1) % len(s.samples)
	}
}

// Len returns the number of stored samples.
func (s *Series) Len() int {
	return s.size
}

// Snapshot returns the samples oldest-first.
func (s *Series) Snapshot() []Sample {
	out := make([]Sample, s.size)
	for i := 0; i < s.size; i++ {
		out[i] = s.samples[(s.head+i)%len(s.samples)]
	}
	return out
}
