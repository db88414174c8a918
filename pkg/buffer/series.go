package buffer

import (
	"sync"
	"time"
)

// FallbackRate is the sizing assumption, in samples per second, for series
// whose stream declares no nominal rate.
const FallbackRate = 1000.0

// SeriesMode selects how a TimeSeries presents its window.
type SeriesMode int

const (
	// Scroll presents samples oldest to newest; the whole window slides.
	Scroll SeriesMode = iota

	// Sweep presents samples in fixed slots with a wrapping write cursor,
	// oscilloscope style.
	Sweep
)

// String returns the snake_case mode name.
func (m SeriesMode) String() string {
	if m == Sweep {
		return "sweep"
	}
	return "scroll"
}

// ParseSeriesMode maps a config string to its mode, defaulting to Scroll.
func ParseSeriesMode(name string) SeriesMode {
	if name == "sweep" {
		return Sweep
	}
	return Scroll
}

// TimeSeries is a fixed-window, multi-channel sample store backing signal
// displays. Samples are written once and presented either scrolled or
// swept; storage and overwrite behavior are identical in both modes, only
// Snapshot ordering differs. Safe for concurrent use.
type TimeSeries struct {
	mu       sync.RWMutex
	mode     SeriesMode
	channels int
	times    []float64
	values   [][]float64
	w        int
	filled   int
}

// NewTimeSeries creates a series holding window's worth of samples at the
// given rate. A rate of zero or less sizes the window at FallbackRate.
// Channel and capacity floors are one.
func NewTimeSeries(channels int, rate float64, window time.Duration, mode SeriesMode) *TimeSeries {
	if channels < 1 {
		channels = 1
	}
	if rate <= 0 {
		rate = FallbackRate
	}
	capacity := int(rate * window.Seconds())
	if capacity < 1 {
		capacity = 1
	}

	values := make([][]float64, channels)
	for ch := range values {
		values[ch] = make([]float64, capacity)
	}
	return &TimeSeries{
		mode:     mode,
		channels: channels,
		times:    make([]float64, capacity),
		values:   values,
	}
}

// Push appends one sample. Missing channels are recorded as zero; extra
// values are ignored.
func (ts *TimeSeries) Push(t float64, sample []float64) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.times[ts.w] = t
	for ch := 0; ch < ts.channels; ch++ {
		var v float64
		if ch < len(sample) {
			v = sample[ch]
		}
		ts.values[ch][ts.w] = v
	}
	ts.w = (ts.w + 1) % len(ts.times)
	if ts.filled < len(ts.times) {
		ts.filled++
	}
}

// Series is a copied view of a TimeSeries window. Values is channel-major.
// For Sweep, Cursor is the slot the next sample will overwrite; for
// Scroll it is -1 and samples run oldest to newest.
type Series struct {
	Times  []float64
	Values [][]float64
	Cursor int
}

// Snapshot copies the current window out for rendering.
func (ts *TimeSeries) Snapshot() Series {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	if ts.mode == Sweep {
		return ts.snapshotSweep()
	}
	return ts.snapshotScroll()
}

func (ts *TimeSeries) snapshotScroll() Series {
	capacity := len(ts.times)
	out := Series{
		Times:  make([]float64, ts.filled),
		Values: make([][]float64, ts.channels),
		Cursor: -1,
	}
	start := 0
	if ts.filled == capacity {
		start = ts.w
	}
	for i := 0; i < ts.filled; i++ {
		out.Times[i] = ts.times[(start+i)%capacity]
	}
	for ch := 0; ch < ts.channels; ch++ {
		row := make([]float64, ts.filled)
		for i := 0; i < ts.filled; i++ {
			row[i] = ts.values[ch][(start+i)%capacity]
		}
		out.Values[ch] = row
	}
	return out
}

func (ts *TimeSeries) snapshotSweep() Series {
	out := Series{
		Times:  append([]float64(nil), ts.times...),
		Values: make([][]float64, ts.channels),
		Cursor: ts.w,
	}
	for ch := 0; ch < ts.channels; ch++ {
		out.Values[ch] = append([]float64(nil), ts.values[ch]...)
	}
	return out
}

// Latest returns the most recently pushed sample.
func (ts *TimeSeries) Latest() (float64, []float64, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	if ts.filled == 0 {
		return 0, nil, false
	}
	last := (ts.w - 1 + len(ts.times)) % len(ts.times)
	out := make([]float64, ts.channels)
	for ch := range out {
		out[ch] = ts.values[ch][last]
	}
	return ts.times[last], out, true
}

// Len returns the number of samples currently held.
func (ts *TimeSeries) Len() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.filled
}

// Capacity returns the fixed window size in samples.
func (ts *TimeSeries) Capacity() int {
	return len(ts.times)
}

// Channels returns the channel count.
func (ts *TimeSeries) Channels() int {
	return ts.channels
}

// Mode returns the presentation mode.
func (ts *TimeSeries) Mode() SeriesMode {
	return ts.mode
}

// Clear zeroes the window.
func (ts *TimeSeries) Clear() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	for i := range ts.times {
		ts.times[i] = 0
	}
	for ch := range ts.values {
		for i := range ts.values[ch] {
			ts.values[ch][i] = 0
		}
	}
	ts.w = 0
	ts.filled = 0
}
