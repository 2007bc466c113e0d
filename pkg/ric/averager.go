package ric

import (
	"math"
	"sync"
	"time"
)

// ValueAverager keeps a moving window of samples and reports their mean.
type ValueAverager struct {
	mu         sync.Mutex
	vals       []float64
	windowSize int
}

// NewValueAverager creates an averager over the last windowSize samples.
func NewValueAverager(windowSize int) *ValueAverager {
	if windowSize <= 0 {
		windowSize = 10
	}
	return &ValueAverager{windowSize: windowSize}
}

// Add appends a sample, discarding the oldest beyond the window.
func (a *ValueAverager) Add(v float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.vals) >= a.windowSize {
		a.vals = a.vals[len(a.vals)-a.windowSize+1:]
	}
	a.vals = append(a.vals, v)
}

// Avg returns the window mean rounded to two decimal places, or 0 when
// no samples have been added.
func (a *ValueAverager) Avg() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range a.vals {
		sum += v
	}
	return math.Round(sum/float64(len(a.vals))*100) / 100
}

// RateAverager counts events and reports the rate over elapsed time,
// recomputing at most once per minimum window.
type RateAverager struct {
	mu            sync.Mutex
	count         int
	windowMinSecs float64
	lastCalc      time.Time
	prevVal       float64
}

// NewRateAverager creates a rate averager with the given minimum window.
func NewRateAverager(windowMinSecs float64) *RateAverager {
	if windowMinSecs <= 0 {
		windowMinSecs = 1
	}
	return &RateAverager{windowMinSecs: windowMinSecs, lastCalc: time.Now()}
}

// Inst records one event.
func (a *RateAverager) Inst() {
	a.mu.Lock()
	a.count++
	a.mu.Unlock()
}

// Avg returns the event rate per second. Between recalculations the
// previous value is returned.
func (a *RateAverager) Avg() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	elapsed := time.Since(a.lastCalc).Seconds()
	if elapsed < a.windowMinSecs {
		return a.prevVal
	}
	a.prevVal = float64(a.count) / elapsed
	a.lastCalc = time.Now()
	a.count = 0
	return a.prevVal
}
