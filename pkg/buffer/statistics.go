package buffer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Statistics tracks buffer operation counters. All methods are safe for
// concurrent use; counters are always collected.
type Statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	peeks     atomic.Int64
	overflows atomic.Int64
	drops     atomic.Int64

	mu        sync.RWMutex
	startTime time.Time
	current   int64
	peak      int64
}

// NewStatistics creates a statistics tracker starting now.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

// Write records one write operation.
func (s *Statistics) Write() { s.writes.Add(1) }

// Read records one read operation.
func (s *Statistics) Read() { s.reads.Add(1) }

// Peek records one peek operation.
func (s *Statistics) Peek() { s.peeks.Add(1) }

// Overflow records one at-capacity write.
func (s *Statistics) Overflow() { s.overflows.Add(1) }

// Drop records one item discarded by an overflow policy.
func (s *Statistics) Drop() { s.drops.Add(1) }

// UpdateSize records the current item count and tracks the high-water mark.
func (s *Statistics) UpdateSize(size int64) {
	s.mu.Lock()
	s.current = size
	if size > s.peak {
		s.peak = size
	}
	s.mu.Unlock()
}

// Writes returns the total write count.
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the total read count.
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Peeks returns the total peek count.
func (s *Statistics) Peeks() int64 { return s.peeks.Load() }

// Overflows returns the total number of at-capacity writes.
func (s *Statistics) Overflows() int64 { return s.overflows.Load() }

// Drops returns the total number of discarded items.
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// CurrentSize returns the item count at the last update.
func (s *Statistics) CurrentSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// PeakSize returns the highest item count observed.
func (s *Statistics) PeakSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peak
}

// Throughput returns average writes per second since start.
func (s *Statistics) Throughput() float64 {
	elapsed := s.Uptime()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.Writes()) / elapsed.Seconds()
}

// DropRate returns the fraction of writes that were dropped, 0 to 1.
func (s *Statistics) DropRate() float64 {
	writes := s.Writes()
	if writes == 0 {
		return 0
	}
	return float64(s.Drops()) / float64(writes)
}

// Utilization returns current fill level against capacity, 0 to 1.
func (s *Statistics) Utilization(capacity int64) float64 {
	if capacity <= 0 {
		return 0
	}
	return float64(s.CurrentSize()) / float64(capacity)
}

// Uptime returns the time since the tracker was created or reset.
func (s *Statistics) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.startTime)
}

// Reset zeroes all counters and restarts the clock.
func (s *Statistics) Reset() {
	s.writes.Store(0)
	s.reads.Store(0)
	s.peeks.Store(0)
	s.overflows.Store(0)
	s.drops.Store(0)

	s.mu.Lock()
	s.startTime = time.Now()
	s.current = 0
	s.peak = 0
	s.mu.Unlock()
}

// Summary is a point-in-time snapshot of all counters, suitable for
// health reports.
type Summary struct {
	Writes      int64         `json:"writes"`
	Reads       int64         `json:"reads"`
	Peeks       int64         `json:"peeks"`
	Overflows   int64         `json:"overflows"`
	Drops       int64         `json:"drops"`
	CurrentSize int64         `json:"current_size"`
	PeakSize    int64         `json:"peak_size"`
	Throughput  float64       `json:"throughput"`
	DropRate    float64       `json:"drop_rate"`
	Uptime      time.Duration `json:"uptime"`
}

// Summary returns a snapshot of all counters.
func (s *Statistics) Summary() Summary {
	return Summary{
		Writes:      s.Writes(),
		Reads:       s.Reads(),
		Peeks:       s.Peeks(),
		Overflows:   s.Overflows(),
		Drops:       s.Drops(),
		CurrentSize: s.CurrentSize(),
		PeakSize:    s.PeakSize(),
		Throughput:  s.Throughput(),
		DropRate:    s.DropRate(),
		Uptime:      s.Uptime(),
	}
}
