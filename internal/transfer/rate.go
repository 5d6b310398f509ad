package transfer

import (
	"sync"
	"time"
)

const (
	rateWindow     = time.Second
	rateMaxSamples = 100
	rateSmoothing  = 0.5
)

// RateEstimator converts byte-count deltas over wall-clock time into a
// smoothed throughput signal. It accumulates deltas into a window-wide
// bucket; each full bucket yields one instantaneous Mbps sample that is
// appended to a bounded history and blended into the displayed rate.
// The displayed rate and sample history feed live progress only; the
// final persisted rate of a transfer is computed elsewhere from total
// bytes over total elapsed time.
//
// Safe for concurrent writers: one estimator is shared by all streams
// of a session.
type RateEstimator struct {
	mu  sync.Mutex
	now func() time.Time

	bucketStart time.Time
	bucketBytes int64

	samples    []float64
	displayed  float64
	haveSample bool
}

func NewRateEstimator() *RateEstimator {
	return newRateEstimator(time.Now)
}

func newRateEstimator(now func() time.Time) *RateEstimator {
	return &RateEstimator{now: now}
}

// Add records a byte delta. When the current bucket's elapsed time
// crosses the window boundary the bucket is folded into one sample.
func (e *RateEstimator) Add(n int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if e.bucketStart.IsZero() {
		e.bucketStart = now
	}
	e.bucketBytes += n

	elapsed := now.Sub(e.bucketStart)
	if elapsed < rateWindow {
		return
	}

	sample := float64(e.bucketBytes*8) / elapsed.Seconds() / 1e6
	e.samples = append(e.samples, sample)
	if len(e.samples) > rateMaxSamples {
		e.samples = e.samples[len(e.samples)-rateMaxSamples:]
	}
	if e.haveSample {
		e.displayed = e.displayed*(1-rateSmoothing) + sample*rateSmoothing
	} else {
		e.displayed = sample
		e.haveSample = true
	}
	e.bucketStart = now
	e.bucketBytes = 0
}

// CurrentMbps returns the smoothed displayed rate. Zero until the first
// full window elapses; never NaN.
func (e *RateEstimator) CurrentMbps() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.displayed
}

// Samples returns a copy of the bounded instantaneous-sample history,
// oldest first.
func (e *RateEstimator) Samples() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]float64, len(e.samples))
	copy(out, e.samples)
	return out
}

// Reset clears the bucket, history and displayed rate.
func (e *RateEstimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bucketStart = time.Time{}
	e.bucketBytes = 0
	e.samples = nil
	e.displayed = 0
	e.haveSample = false
}
