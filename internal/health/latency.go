package health

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Latency keeps an HDR histogram of request durations in microseconds.
type Latency struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

// LatencySnapshot summarises recorded latencies.
type LatencySnapshot struct {
	Count int64         `json:"count"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}

// NewLatency tracks values from 1µs to 5 minutes with 3 significant digits.
func NewLatency() *Latency {
	return &Latency{
		hist: hdrhistogram.New(1, int64(5*time.Minute/time.Microsecond), 3),
	}
}

// Record adds one observation. Out-of-range values are clamped.
func (l *Latency) Record(d time.Duration) {
	v := int64(d / time.Microsecond)
	if v < 1 {
		v = 1
	}
	if limit := l.hist.HighestTrackableValue(); v > limit {
		v = limit
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.hist.RecordValue(v)
}

// Snapshot returns the current percentiles.
func (l *Latency) Snapshot() LatencySnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	us := func(v int64) time.Duration { return time.Duration(v) * time.Microsecond }
	return LatencySnapshot{
		Count: l.hist.TotalCount(),
		P50:   us(l.hist.ValueAtQuantile(50)),
		P95:   us(l.hist.ValueAtQuantile(95)),
		P99:   us(l.hist.ValueAtQuantile(99)),
		Max:   us(l.hist.Max()),
	}
}
