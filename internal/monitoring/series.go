// Package monitoring collects system, business, security and
// performance telemetry for the coordinator: bounded time series,
// threshold alerting with duplicate suppression, outbound
// notifications and the Prometheus export surface.
package monitoring

import (
	"sort"
	"sync"
	"time"
)

// Capacity of each board, sized for 24 hours at the collection
// interval of its category.
const (
	SystemSeriesCapacity      = 2880  // 30s interval
	BusinessSeriesCapacity    = 1440  // 60s interval
	SecuritySeriesCapacity    = 5760  // 15s interval
	PerformanceSeriesCapacity = 17280 // 5s interval
)

// Sample is one timestamped observation.
type Sample struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// Series is a bounded, TTL-evicting buffer of samples in arrival
// order. Appends overwrite the oldest sample once the capacity is
// reached; reads drop samples older than the TTL first.
type Series struct {
	mu       sync.Mutex
	samples  []Sample
	head     int
	count    int
	capacity int
	ttl      time.Duration
}

// NewSeries builds a series holding at most capacity samples for at
// most ttl each. ttl <= 0 disables time eviction.
func NewSeries(capacity int, ttl time.Duration) *Series {
	if capacity <= 0 {
		capacity = 1
	}
	return &Series{
		samples:  make([]Sample, capacity),
		capacity: capacity,
		ttl:      ttl,
	}
}

// Add records a sample at the current time.
func (s *Series) Add(value float64) {
	s.AddAt(time.Now().UTC(), value)
}

// AddAt records a sample with an explicit timestamp.
func (s *Series) AddAt(at time.Time, value float64) {
	s.mu.Lock()
	s.samples[s.head] = Sample{At: at, Value: value}
	s.head = (s.head + 1) % s.capacity
	if s.count < s.capacity {
		s.count++
	}
	s.mu.Unlock()
}

// Latest returns the most recent unexpired sample.
func (s *Series) Latest() (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(time.Now().UTC())
	if s.count == 0 {
		return Sample{}, false
	}
	idx := (s.head - 1 + s.capacity) % s.capacity
	return s.samples[idx], true
}

// Snapshot returns the unexpired samples, oldest first.
func (s *Series) Snapshot() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(time.Now().UTC())
	out := make([]Sample, 0, s.count)
	for i := 0; i < s.count; i++ {
		idx := (s.head - s.count + i + s.capacity) % s.capacity
		out = append(out, s.samples[idx])
	}
	return out
}

// Len reports the number of unexpired samples.
func (s *Series) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked(time.Now().UTC())
	return s.count
}

// Prune drops expired samples immediately and reports how many went.
func (s *Series) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(time.Now().UTC())
}

// pruneLocked evicts from the tail while samples are past the TTL.
// Samples arrive in time order, so eviction stops at the first keeper.
func (s *Series) pruneLocked(now time.Time) int {
	if s.ttl <= 0 || s.count == 0 {
		return 0
	}
	cutoff := now.Add(-s.ttl)
	dropped := 0
	for s.count > 0 {
		tail := (s.head - s.count + s.capacity) % s.capacity
		if !s.samples[tail].At.Before(cutoff) {
			break
		}
		s.samples[tail] = Sample{}
		s.count--
		dropped++
	}
	return dropped
}

// Board is a named collection of series sharing one capacity and TTL.
// Series are created on first Record.
type Board struct {
	mu       sync.RWMutex
	series   map[string]*Series
	capacity int
	ttl      time.Duration
}

// NewBoard builds an empty board.
func NewBoard(capacity int, ttl time.Duration) *Board {
	return &Board{
		series:   make(map[string]*Series),
		capacity: capacity,
		ttl:      ttl,
	}
}

// Record appends a sample to the named series.
func (b *Board) Record(name string, value float64) {
	b.mu.RLock()
	s, ok := b.series[name]
	b.mu.RUnlock()
	if !ok {
		b.mu.Lock()
		s, ok = b.series[name]
		if !ok {
			s = NewSeries(b.capacity, b.ttl)
			b.series[name] = s
		}
		b.mu.Unlock()
	}
	s.Add(value)
}

// Series returns the named series, or nil.
func (b *Board) Series(name string) *Series {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.series[name]
}

// Latest returns the most recent sample of the named series.
func (b *Board) Latest(name string) (Sample, bool) {
	s := b.Series(name)
	if s == nil {
		return Sample{}, false
	}
	return s.Latest()
}

// Names lists the series on the board, sorted.
func (b *Board) Names() []string {
	b.mu.RLock()
	names := make([]string, 0, len(b.series))
	for name := range b.series {
		names = append(names, name)
	}
	b.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Prune evicts expired samples from every series and removes series
// that emptied out. The memory-pressure path calls this directly
// instead of waiting for reads to trigger eviction.
func (b *Board) Prune() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dropped := 0
	for name, s := range b.series {
		dropped += s.Prune()
		if s.Len() == 0 {
			delete(b.series, name)
		}
	}
	return dropped
}
