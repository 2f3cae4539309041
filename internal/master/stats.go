package master

import (
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/sasha-s/go-deadlock"

	"yqhp/buildfleet/pkg/types"
)

// LatencySummary describes a latency distribution in milliseconds.
type LatencySummary struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean_ms"`
	P50   float64 `json:"p50_ms"`
	P90   float64 `json:"p90_ms"`
	P99   float64 `json:"p99_ms"`
	Max   float64 `json:"max_ms"`
}

// Stats is a snapshot of fleet activity.
type Stats struct {
	Slaves           int                        `json:"slaves"`
	IdleSlaves       int                        `json:"idle_slaves"`
	DispatchedSlaves int                        `json:"dispatched_slaves"`
	Pending          int                        `json:"pending"`
	Commands         map[types.CommandState]int `json:"commands"`
	DispatchLatency  LatencySummary             `json:"dispatch_latency"`
	RunDuration      LatencySummary             `json:"run_duration"`
}

// latencyRecorder accumulates durations between 1µs and 24h.
type latencyRecorder struct {
	hist *hdrhistogram.Histogram
	mu   deadlock.Mutex
}

func newLatencyRecorder() *latencyRecorder {
	return &latencyRecorder{
		hist: hdrhistogram.New(1, int64(24*time.Hour/time.Microsecond), 3),
	}
}

func (r *latencyRecorder) Record(d time.Duration) {
	us := max(d.Microseconds(), 1)
	r.mu.Lock()
	defer r.mu.Unlock()
	// Values beyond the highest trackable value are clamped.
	if err := r.hist.RecordValue(us); err != nil {
		_ = r.hist.RecordValue(r.hist.HighestTrackableValue())
	}
}

func (r *latencyRecorder) Summary() LatencySummary {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.hist.TotalCount() == 0 {
		return LatencySummary{}
	}
	ms := func(us int64) float64 { return float64(us) / 1000 }
	return LatencySummary{
		Count: r.hist.TotalCount(),
		Mean:  r.hist.Mean() / 1000,
		P50:   ms(r.hist.ValueAtQuantile(50)),
		P90:   ms(r.hist.ValueAtQuantile(90)),
		P99:   ms(r.hist.ValueAtQuantile(99)),
		Max:   ms(r.hist.Max()),
	}
}
