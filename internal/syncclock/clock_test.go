package syncclock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterUnregisterSink(t *testing.T) {
	t.Parallel()

	c := NewClock()
	c.RegisterSink("a", 0)
	c.RegisterSink("b", 0)
	assert.Equal(t, 2, c.GetStats().ActiveSinks)

	c.UnregisterSink("a")
	assert.Equal(t, 1, c.GetStats().ActiveSinks)
}

func TestBarrierReleasesAllPartiesTogether(t *testing.T) {
	t.Parallel()

	c := NewClock()
	c.RegisterSink("a", 0)
	c.RegisterSink("b", 0)

	var wg sync.WaitGroup
	results := make([]bool, 2)
	wg.Add(2)
	go func() { defer wg.Done(); results[0] = c.WaitForDispatchBarrier("a", time.Second) }()
	go func() { defer wg.Done(); results[1] = c.WaitForDispatchBarrier("b", time.Second) }()
	wg.Wait()

	assert.True(t, results[0])
	assert.True(t, results[1])
}

func TestBarrierTimesOutWithMissingParty(t *testing.T) {
	t.Parallel()

	c := NewClock()
	c.RegisterSink("a", 0)
	c.RegisterSink("b", 0)

	ok := c.WaitForDispatchBarrier("a", 30*time.Millisecond)
	assert.False(t, ok)
}

func TestBarrierIsReusableAcrossGenerations(t *testing.T) {
	t.Parallel()

	c := NewClock()
	c.RegisterSink("a", 0)

	assert.True(t, c.WaitForDispatchBarrier("a", time.Second))
	assert.True(t, c.WaitForDispatchBarrier("a", time.Second))
}

func TestReportSinkTimingAdvancesTargetToMedian(t *testing.T) {
	t.Parallel()

	c := NewClock()
	c.RegisterSink("a", 0)
	c.RegisterSink("b", 0)
	c.RegisterSink("c", 0)

	require.NoError(t, c.ReportSinkTiming("a", SinkTimingReport{RTPTimestampOutput: 100}))
	require.NoError(t, c.ReportSinkTiming("b", SinkTimingReport{RTPTimestampOutput: 200}))
	require.NoError(t, c.ReportSinkTiming("c", SinkTimingReport{RTPTimestampOutput: 300}))

	assert.Equal(t, uint32(200), c.GetStats().CurrentPlaybackTimestamp)
}

func TestCalculateRateAdjustmentBounded(t *testing.T) {
	t.Parallel()

	c := NewClock()
	c.RegisterSink("a", 0)
	require.NoError(t, c.ReportSinkTiming("a", SinkTimingReport{RTPTimestampOutput: 1_000_000}))

	adj, err := c.CalculateRateAdjustment("a")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, adj, 0.99)
	assert.LessOrEqual(t, adj, 1.01)
}

func TestCalculateRateAdjustmentUnknownSink(t *testing.T) {
	t.Parallel()

	c := NewClock()
	_, err := c.CalculateRateAdjustment("ghost")
	assert.Error(t, err)
}

type fakeMixerStats struct {
	buffer, underruns int
}

func (f fakeMixerStats) BufferLevel() int   { return f.buffer }
func (f fakeMixerStats) UnderrunCount() int { return f.underruns }

func TestCoordinatorDisabledIsNoOp(t *testing.T) {
	t.Parallel()

	co := NewCoordinator(nil, "sink1", 0, fakeMixerStats{}, true, 0, nil)
	assert.True(t, co.CoordinateDispatch())
}

func TestCoordinatorSoloSinkNeverTimesOut(t *testing.T) {
	t.Parallel()

	c := NewClock()
	co := NewCoordinator(c, "sink1", 0, fakeMixerStats{}, true, 0, nil)
	defer co.Close()

	assert.True(t, co.CoordinateDispatch())
	assert.True(t, co.CoordinateDispatch())
}

func TestCoordinatorReportsUnderrun(t *testing.T) {
	t.Parallel()

	c := NewClock()
	co := NewCoordinator(c, "sink1", 0, fakeMixerStats{underruns: 1}, true, 0, nil)
	defer co.Close()

	assert.False(t, co.CoordinateDispatch())
}

type fakeRateAdjuster struct {
	sinkID string
	adj    float64
	calls  int
}

func (f *fakeRateAdjuster) ApplyRateAdjustment(sinkID string, adj float64) {
	f.sinkID = sinkID
	f.adj = adj
	f.calls++
}

func TestCoordinatorAppliesRateAdjustment(t *testing.T) {
	t.Parallel()

	c := NewClock()
	adjuster := &fakeRateAdjuster{}
	co := NewCoordinator(c, "sink1", 0, fakeMixerStats{}, true, 5*time.Millisecond, adjuster)
	defer co.Close()

	assert.True(t, co.CoordinateDispatch())
	assert.Equal(t, 1, adjuster.calls)
	assert.Equal(t, "sink1", adjuster.sinkID)
}
