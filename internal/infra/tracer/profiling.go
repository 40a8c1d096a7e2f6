package tracer

import (
	"sort"
	"sync"
	"time"
)

// defaultSampleCap bounds the per-operation sample ring.
const defaultSampleCap = 100

type sample struct {
	duration time.Duration
	success  bool
}

// OperationStats summarizes the latency of one named operation over the
// retained sample window.
type OperationStats struct {
	Operation    string  `json:"operation"`
	SampleCount  int     `json:"sample_count"`
	TotalSamples uint64  `json:"total_samples"`
	MinMicros    int64   `json:"min_duration_us"`
	MaxMicros    int64   `json:"max_duration_us"`
	AvgMicros    int64   `json:"avg_duration_us"`
	MedianMicros int64   `json:"median_duration_us"`
	P95Micros    int64   `json:"p95_duration_us"`
	P99Micros    int64   `json:"p99_duration_us"`
	SuccessRate  float32 `json:"success_rate"`
}

type opSamples struct {
	samples []sample
	next    int
	total   uint64
}

func (o *opSamples) record(s sample, limit int) {
	if len(o.samples) < limit {
		o.samples = append(o.samples, s)
	} else {
		o.samples[o.next] = s
		o.next = (o.next + 1) % limit
	}
	o.total++
}

func (o *opSamples) stats(name string) OperationStats {
	st := OperationStats{Operation: name, SampleCount: len(o.samples), TotalSamples: o.total}
	if len(o.samples) == 0 {
		return st
	}

	durations := make([]int64, len(o.samples))
	successes := 0
	for i, s := range o.samples {
		durations[i] = s.duration.Microseconds()
		if s.success {
			successes++
		}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var sum int64
	for _, d := range durations {
		sum += d
	}
	n := len(durations)
	st.MinMicros = durations[0]
	st.MaxMicros = durations[n-1]
	st.AvgMicros = sum / int64(n)
	st.MedianMicros = durations[n/2]
	st.P95Micros = durations[min(int(float64(n)*0.95), n-1)]
	st.P99Micros = durations[min(int(float64(n)*0.99), n-1)]
	st.SuccessRate = float32(successes) / float32(n)
	return st
}

// Profiler accumulates per-operation latency samples in bounded rings and
// serves aggregate statistics. Safe for concurrent use.
type Profiler struct {
	mu        sync.Mutex
	ops       map[string]*opSamples
	sampleCap int
}

// NewProfiler returns a profiler retaining up to sampleCap samples per
// operation. A non-positive cap uses the default.
func NewProfiler(sampleCap int) *Profiler {
	if sampleCap <= 0 {
		sampleCap = defaultSampleCap
	}
	return &Profiler{ops: make(map[string]*opSamples), sampleCap: sampleCap}
}

// Observe records one timed run of the named operation.
func (p *Profiler) Observe(operation string, d time.Duration, success bool) {
	if d < 0 {
		d = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.ops[operation]
	if !ok {
		o = &opSamples{}
		p.ops[operation] = o
	}
	o.record(sample{duration: d, success: success}, p.sampleCap)
}

// Stats returns the statistics for one operation.
func (p *Profiler) Stats(operation string) (OperationStats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.ops[operation]
	if !ok {
		return OperationStats{}, false
	}
	return o.stats(operation), true
}

// AllStats returns statistics for every profiled operation, sorted by name.
func (p *Profiler) AllStats() []OperationStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OperationStats, 0, len(p.ops))
	for name, o := range p.ops {
		out = append(out, o.stats(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Operation < out[j].Operation })
	return out
}
