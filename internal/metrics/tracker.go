// Package metrics tracks rolling statistics for refresh cycles: average
// cycle duration, a weighted success rate, and an approximate count of
// data points processed.
package metrics

import (
	"sync"
	"time"
)

// Stats is a point-in-time copy of the tracker's numbers.
type Stats struct {
	Cycles         uint64
	AvgCycleTime   time.Duration
	SuccessRatePct float64
	DataPoints     uint64 // coarse approximation, not exact row counting
}

// Tracker maintains running statistics across refresh cycles.
// Goroutine-safe.
type Tracker struct {
	mu         sync.Mutex
	cycles     uint64
	avgCycle   time.Duration
	rate       float64
	dataPoints uint64
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Record folds one completed cycle into the running stats. successCount is
// the number of sources that produced a fresh payload; failureCount covers
// everything else, including stale fallbacks, so that degraded cycles pull
// the success rate down even when they still served data.
func (t *Tracker) Record(duration time.Duration, successCount, failureCount int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prior := float64(t.cycles)

	t.avgCycle = time.Duration((float64(t.avgCycle)*prior + float64(duration)) / (prior + 1))

	total := successCount + failureCount
	cycleRate := 100.0
	if total > 0 {
		cycleRate = 100.0 * float64(successCount) / float64(total)
	}
	t.rate = (t.rate*prior + cycleRate) / (prior + 1)

	t.dataPoints += uint64(successCount)
	t.cycles++
}

// Snapshot returns a copy of the current stats.
func (t *Tracker) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Cycles:         t.cycles,
		AvgCycleTime:   t.avgCycle,
		SuccessRatePct: t.rate,
		DataPoints:     t.dataPoints,
	}
}
