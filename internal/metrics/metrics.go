// Package metrics aggregates per-provider outcome counters and call
// latencies. An Aggregator is explicitly constructed and injected; it never
// influences control flow.
package metrics

import (
	"sort"
	"sync"
	"time"
)

const defaultWindowSize = 512

// ProviderStats is the read-only snapshot of one provider's counters.
type ProviderStats struct {
	Processed int64 `json:"processed"`
	Success   int64 `json:"success"`
	Failed    int64 `json:"failed"`
	Cached    int64 `json:"cached"`

	// Latency percentiles over the rolling window, in milliseconds. Zero
	// when no samples have been recorded.
	P50Ms float64 `json:"p50_ms"`
	P95Ms float64 `json:"p95_ms"`
	MaxMs float64 `json:"max_ms"`
}

// Snapshot is a point-in-time copy of all aggregated metrics.
type Snapshot struct {
	Providers map[string]ProviderStats `json:"providers"`
	TakenAt   time.Time                `json:"taken_at"`
}

// providerWindow holds one provider's counters and its duration ring.
type providerWindow struct {
	processed int64
	success   int64
	failed    int64
	cached    int64

	samples []float64 // ms, ring buffer
	next    int
	filled  bool
}

// Aggregator collects outcome counts and latency samples per provider.
// Safe for concurrent use by dispatcher workers.
type Aggregator struct {
	mu         sync.Mutex
	providers  map[string]*providerWindow
	windowSize int
}

// NewAggregator creates an Aggregator with the given rolling window size
// per provider; zero or negative means the default of 512 samples.
func NewAggregator(windowSize int) *Aggregator {
	if windowSize <= 0 {
		windowSize = defaultWindowSize
	}
	return &Aggregator{
		providers:  make(map[string]*providerWindow),
		windowSize: windowSize,
	}
}

func (a *Aggregator) window(provider string) *providerWindow {
	w, ok := a.providers[provider]
	if !ok {
		w = &providerWindow{samples: make([]float64, 0, a.windowSize)}
		a.providers[provider] = w
	}
	return w
}

// RecordSuccess counts a completed item and its call duration.
func (a *Aggregator) RecordSuccess(provider string, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w := a.window(provider)
	w.processed++
	w.success++
	a.sample(w, d)
}

// RecordFailure counts a terminally failed item.
func (a *Aggregator) RecordFailure(provider string, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w := a.window(provider)
	w.processed++
	w.failed++
	a.sample(w, d)
}

// RecordCached counts a dedup short-circuit. No duration sample: no call
// was made.
func (a *Aggregator) RecordCached(provider string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w := a.window(provider)
	w.processed++
	w.success++
	w.cached++
}

func (a *Aggregator) sample(w *providerWindow, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	if len(w.samples) < a.windowSize {
		w.samples = append(w.samples, ms)
		return
	}
	w.samples[w.next] = ms
	w.next = (w.next + 1) % a.windowSize
	w.filled = true
}

// Snapshot returns a copy of the current state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		Providers: make(map[string]ProviderStats, len(a.providers)),
		TakenAt:   time.Now().UTC(),
	}
	for name, w := range a.providers {
		st := ProviderStats{
			Processed: w.processed,
			Success:   w.success,
			Failed:    w.failed,
			Cached:    w.cached,
		}
		if len(w.samples) > 0 {
			sorted := make([]float64, len(w.samples))
			copy(sorted, w.samples)
			sort.Float64s(sorted)
			st.P50Ms = percentile(sorted, 0.50)
			st.P95Ms = percentile(sorted, 0.95)
			st.MaxMs = sorted[len(sorted)-1]
		}
		snap.Providers[name] = st
	}
	return snap
}

// percentile reads the p-th percentile from an ascending slice using
// nearest-rank.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
