package servicemon

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Series is one family instance for a specific label tuple.
// A counter series keeps a single running total; a histogram series keeps
// per-bucket counts, a running sum and a sample count.
type Series struct {
	family *Family
	labels LabelTuple

	// counter
	value atomic.Uint64

	// histogram; counts has one extra slot for +Inf and is non-cumulative
	mu     sync.Mutex
	counts []uint64
	sum    float64
	count  uint64
}

func newSeries(f *Family, labels LabelTuple) *Series {
	s := &Series{family: f, labels: labels}
	if f.kind == KindHistogram {
		s.counts = make([]uint64, len(f.buckets)+1)
	}
	return s
}

// Labels returns a copy of the series label tuple
func (s *Series) Labels() LabelTuple { return s.labels.clone() }

// Family returns the family owning the series
func (s *Series) Family() *Family { return s.family }

// Inc increments a counter series by one
func (s *Series) Inc() error { return s.Add(1) }

// Add increments a counter series by delta. Negative deltas are rejected.
func (s *Series) Add(delta int64) error {
	if s.family.kind != KindCounter {
		return ErrKindMismatch
	}
	if delta < 0 {
		return &InvalidDeltaError{Family: s.family.name, Delta: delta}
	}
	s.value.Add(uint64(delta))
	return nil
}

// Value returns the current counter total
func (s *Series) Value() uint64 { return s.value.Load() }

// Observe records v into a histogram series. The bucket is the first upper
// bound greater than or equal to v; values above every bound land in +Inf.
func (s *Series) Observe(v float64) error {
	if s.family.kind != KindHistogram {
		return ErrKindMismatch
	}
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return &InvalidValueError{Family: s.family.name, Value: v}
	}
	i := sort.SearchFloat64s(s.family.buckets, v)

	s.mu.Lock()
	s.counts[i]++
	s.sum += v
	s.count++
	s.mu.Unlock()
	return nil
}

// ObserveDuration records d in seconds
func (s *Series) ObserveDuration(d time.Duration) error {
	return s.Observe(d.Seconds())
}

// BucketCount is a cumulative histogram bucket
type BucketCount struct {
	UpperBound float64
	Count      uint64
}

// SeriesSnapshot is an immutable copy of one series
type SeriesSnapshot struct {
	Labels LabelTuple

	// Value is the counter total; zero for histograms
	Value uint64

	// Buckets are cumulative and end with the +Inf bucket; nil for counters
	Buckets []BucketCount
	Sum     float64
	Count   uint64
}

func (s *Series) snapshot() SeriesSnapshot {
	snap := SeriesSnapshot{Labels: s.labels.clone()}
	if s.family.kind == KindCounter {
		snap.Value = s.value.Load()
		return snap
	}

	raw := make([]uint64, len(s.counts))
	s.mu.Lock()
	copy(raw, s.counts)
	snap.Sum = s.sum
	snap.Count = s.count
	s.mu.Unlock()

	snap.Buckets = make([]BucketCount, len(raw))
	var cumulative uint64
	for i, c := range raw {
		cumulative += c
		bound := math.Inf(1)
		if i < len(s.family.buckets) {
			bound = s.family.buckets[i]
		}
		snap.Buckets[i] = BucketCount{UpperBound: bound, Count: cumulative}
	}
	return snap
}
