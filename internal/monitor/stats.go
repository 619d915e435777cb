package monitor

import (
	"sort"
	"sync"
	"time"

	"kiln/internal/model"
)

// maxDurationSamples bounds each rolling window so estimates track the
// backend's current speed instead of its lifetime average.
const maxDurationSamples = 50

// estimator derives expected job durations from completed runs. It keeps a
// rolling window of measured durations per job kind and a shared per-step
// window used as a fallback for kinds with no completions yet.
type estimator struct {
	mu      sync.Mutex
	byKind  map[model.JobKind][]time.Duration
	perStep []time.Duration
}

func newEstimator() *estimator {
	return &estimator{byKind: make(map[model.JobKind][]time.Duration)}
}

// Record adds one completed run to the windows. steps is the requested step
// count, or 0 when unknown.
func (e *estimator) Record(kind model.JobKind, d time.Duration, steps int) {
	if d <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.byKind[kind] = appendBounded(e.byKind[kind], d)
	if steps > 0 {
		e.perStep = appendBounded(e.perStep, d/time.Duration(steps))
	}
}

// Estimate returns the median duration for the kind. With no samples for the
// kind it falls back to the median per-step duration times the requested step
// count. The second return is false when no estimate can be made at all.
func (e *estimator) Estimate(kind model.JobKind, steps int) (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if samples := e.byKind[kind]; len(samples) > 0 {
		return median(samples), true
	}
	if steps > 0 && len(e.perStep) > 0 {
		return median(e.perStep) * time.Duration(steps), true
	}
	return 0, false
}

func appendBounded(window []time.Duration, d time.Duration) []time.Duration {
	window = append(window, d)
	if len(window) > maxDurationSamples {
		window = window[1:]
	}
	return window
}

func median(samples []time.Duration) time.Duration {
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
