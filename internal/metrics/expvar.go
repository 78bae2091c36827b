package metrics

import (
	"context"
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var expvarSeq uint64

// Expvar publishes aggregate timing, result and fan-out counters via expvar.
// Durations are kept as millisecond totals per operation.
type Expvar struct {
	name      string
	mu        sync.Mutex
	durations map[string]float64
	results   map[string]map[string]int64
	buckets   map[string]int64
}

// ExpvarSnapshot is a read-only view of the recorded metrics.
type ExpvarSnapshot struct {
	DurationsMS map[string]float64          `json:"durations_ms_total"`
	Results     map[string]map[string]int64 `json:"results_total"`
	Buckets     map[string]int64            `json:"buckets_total"`
	RecordedAt  time.Time                   `json:"recorded_at"`
}

// NewExpvar constructs a recorder and publishes it under name. When name is
// empty a unique one is generated.
func NewExpvar(name string) *Expvar {
	if name == "" {
		id := atomic.AddUint64(&expvarSeq, 1)
		name = fmt.Sprintf("warehouse_execution_metrics_%d", id)
	}
	rec := &Expvar{
		name:      name,
		durations: make(map[string]float64),
		results:   make(map[string]map[string]int64),
		buckets:   make(map[string]int64),
	}
	expvar.Publish(name, expvar.Func(func() any {
		return rec.Snapshot()
	}))
	return rec
}

// Name returns the expvar export name.
func (r *Expvar) Name() string { return r.name }

// Snapshot returns a copy of the aggregated metrics.
func (r *Expvar) Snapshot() ExpvarSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	durations := make(map[string]float64, len(r.durations))
	for op, total := range r.durations {
		durations[op] = total
	}
	results := make(map[string]map[string]int64, len(r.results))
	for op, statusCounts := range r.results {
		cpy := make(map[string]int64, len(statusCounts))
		for st, count := range statusCounts {
			cpy[st] = count
		}
		results[op] = cpy
	}
	buckets := make(map[string]int64, len(r.buckets))
	for op, n := range r.buckets {
		buckets[op] = n
	}
	return ExpvarSnapshot{
		DurationsMS: durations,
		Results:     results,
		Buckets:     buckets,
		RecordedAt:  time.Now().UTC(),
	}
}

// Observe implements Recorder.
func (r *Expvar) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	ms := float64(duration) / float64(time.Millisecond)
	st := status(success)

	r.mu.Lock()
	r.durations[operation] += ms
	if _, ok := r.results[operation]; !ok {
		r.results[operation] = make(map[string]int64, 2)
	}
	r.results[operation][st]++
	r.mu.Unlock()
}

// ObserveBuckets implements Recorder.
func (r *Expvar) ObserveBuckets(_ context.Context, operation string, buckets int) {
	if operation == "" {
		return
	}
	r.mu.Lock()
	r.buckets[operation] += int64(buckets)
	r.mu.Unlock()
}
