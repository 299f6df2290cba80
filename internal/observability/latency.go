package observability

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// LatencyStats records round-trip durations into an HDR histogram.
type LatencyStats struct {
	mtx    sync.Mutex
	hist   *hdrhistogram.Histogram
	total  time.Duration
	errors int64
}

// LatencySnapshot is a point-in-time view of LatencyStats.
type LatencySnapshot struct {
	Count  int64         `json:"count"`
	Errors int64         `json:"errors"`
	Avg    time.Duration `json:"avg_ns"`
	Min    time.Duration `json:"min_ns"`
	Max    time.Duration `json:"max_ns"`
	P50    time.Duration `json:"p50_ns"`
	P95    time.Duration `json:"p95_ns"`
	P99    time.Duration `json:"p99_ns"`
	P9999  time.Duration `json:"p9999_ns"`
}

func NewLatencyStats() *LatencyStats {
	return &LatencyStats{hist: hdrhistogram.New(1, int64(3600*time.Second), 3)}
}

// Put records one completed call. Failed calls only bump the error count.
func (s *LatencyStats) Put(d time.Duration, err error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err != nil {
		s.errors++
		return
	}
	if d < 1 {
		d = 1
	}
	_ = s.hist.RecordValue(int64(d))
	s.total += d
}

func (s *LatencyStats) Snapshot() LatencySnapshot {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	snap := LatencySnapshot{
		Count:  s.hist.TotalCount(),
		Errors: s.errors,
		Min:    time.Duration(s.hist.Min()),
		Max:    time.Duration(s.hist.Max()),
		P50:    time.Duration(s.hist.ValueAtQuantile(50.)),
		P95:    time.Duration(s.hist.ValueAtQuantile(95.)),
		P99:    time.Duration(s.hist.ValueAtQuantile(99.)),
		P9999:  time.Duration(s.hist.ValueAtQuantile(99.99)),
	}
	if snap.Count > 0 {
		snap.Avg = s.total / time.Duration(snap.Count)
	}
	return snap
}

func (s *LatencyStats) Reset() {
	s.mtx.Lock()
	s.hist.Reset()
	s.total = 0
	s.errors = 0
	s.mtx.Unlock()
}
