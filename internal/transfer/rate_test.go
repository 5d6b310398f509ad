package transfer

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

// fakeClock steps a manually advanced time through the estimator.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func TestEstimatorSamplePerWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	e := newRateEstimator(clock.now)

	// 1_250_000 bytes over exactly one second is 10 Mbps.
	e.Add(250_000)
	clock.advance(time.Second)
	e.Add(1_000_000)

	samples := e.Samples()
	assert.Equal(t, len(samples), 1)
	assert.Equal(t, samples[0], 10.0)
	assert.Equal(t, e.CurrentMbps(), 10.0)
}

func TestEstimatorExponentialSmoothing(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	e := newRateEstimator(clock.now)

	e.Add(0)
	clock.advance(time.Second)
	e.Add(1_250_000) // closes a 10 Mbps bucket
	clock.advance(time.Second)
	e.Add(2_500_000) // closes a 20 Mbps bucket

	// displayed = 10*0.5 + 20*0.5
	assert.Equal(t, e.CurrentMbps(), 15.0)
	assert.Equal(t, len(e.Samples()), 2)
}

func TestEstimatorHistoryBounded(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	e := newRateEstimator(clock.now)

	e.Add(0)
	for i := 0; i < rateMaxSamples+25; i++ {
		clock.advance(time.Second)
		e.Add(int64(i+1) * 1000)
	}

	samples := e.Samples()
	assert.Equal(t, len(samples), rateMaxSamples)
	// Oldest samples dropped: the first surviving one is sample 26.
	assert.Equal(t, samples[0], float64(26*1000*8)/1e6)
}

func TestEstimatorSubWindowDeltasAccumulate(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	e := newRateEstimator(clock.now)

	e.Add(100_000)
	clock.advance(400 * time.Millisecond)
	e.Add(100_000)
	clock.advance(400 * time.Millisecond)
	e.Add(100_000)

	// Window not yet closed: no samples, rate still zero.
	assert.Equal(t, len(e.Samples()), 0)
	assert.Equal(t, e.CurrentMbps(), 0.0)

	clock.advance(200 * time.Millisecond)
	e.Add(12_500)
	assert.Equal(t, len(e.Samples()), 1)
	assert.Equal(t, e.Samples()[0], float64(312_500*8)/1e6)
}

func TestEstimatorReset(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	e := newRateEstimator(clock.now)

	e.Add(0)
	clock.advance(time.Second)
	e.Add(1_250_000)
	e.Reset()

	assert.Equal(t, e.CurrentMbps(), 0.0)
	assert.Equal(t, len(e.Samples()), 0)
}
