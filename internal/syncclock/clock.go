// Package syncclock implements the Global Synchronization Clock and the
// per-sink Sink Synchronization Coordinator that keeps multiple sinks
// producing audio for a common target RTP timestamp.
package syncclock

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// SinkTimingReport is one sink's self-reported timing state, submitted via
// Clock.ReportSinkTiming.
type SinkTimingReport struct {
	RTPTimestampOutput uint32
	BufferLevel        int
	UnderrunCount      int
	ReportedAt         time.Time
}

// Stats mirrors spec.md's SyncStats.
type Stats struct {
	ActiveSinks           int
	CurrentPlaybackTimestamp uint32
	MaxDriftPPM           float64
	AvgBarrierWaitMS      float64
	TotalBarrierTimeouts  int
}

type sinkRecord struct {
	rtpTimestamp uint32
	lastReport   SinkTimingReport
}

// Clock is the process-wide Global Synchronization Clock singleton. It is
// NOT a language-level global: the Audio Manager owns exactly one instance
// and passes it to every Sink Synchronization Coordinator it constructs.
type Clock struct {
	mu      sync.Mutex
	sinks   map[string]*sinkRecord
	target  uint32

	barrier *barrier

	totalTimeouts  int
	barrierWaitSum time.Duration
	barrierWaitN   int
}

// NewClock builds an empty Clock.
func NewClock() *Clock {
	return &Clock{
		sinks:   make(map[string]*sinkRecord),
		barrier: newBarrier(),
	}
}

// RegisterSink adds sinkID to the clock's registered set with its initial
// output RTP timestamp, and grows the dispatch barrier's expected arrival
// count.
func (c *Clock) RegisterSink(sinkID string, initialRTPTimestamp uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sinks[sinkID] = &sinkRecord{rtpTimestamp: initialRTPTimestamp}
	c.barrier.setParties(len(c.sinks))
}

// UnregisterSink removes sinkID and shrinks the barrier's expected arrival
// count so remaining sinks are not left waiting on a party that will never
// arrive.
func (c *Clock) UnregisterSink(sinkID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sinks, sinkID)
	c.barrier.setParties(len(c.sinks))
}

// WaitForDispatchBarrier blocks sinkID's caller until every currently
// registered sink has arrived, or timeout elapses. The barrier is reusable
// across cycles via a generation counter, so a late arrival from the
// previous cycle can never deadlock the next one.
func (c *Clock) WaitForDispatchBarrier(sinkID string, timeout time.Duration) bool {
	start := time.Now()
	ok := c.barrier.arrive(timeout)
	wait := time.Since(start)

	c.mu.Lock()
	c.barrierWaitSum += wait
	c.barrierWaitN++
	if !ok {
		c.totalTimeouts++
	}
	c.mu.Unlock()
	return ok
}

// CalculateRateAdjustment returns a scalar in approximately [0.99, 1.01]
// describing how much sinkID should speed up (>1) or slow down (<1) to
// converge on the common target timestamp.
func (c *Clock) CalculateRateAdjustment(sinkID string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.sinks[sinkID]
	if !ok {
		return 1.0, fmt.Errorf("syncclock: unknown sink %q", sinkID)
	}
	if c.target == 0 {
		return 1.0, nil
	}
	drift := int64(rec.lastReport.RTPTimestampOutput) - int64(c.target)
	const span = 48000.0 // one second at 48kHz as the normalization window
	adj := 1.0 - float64(drift)/span*0.01
	if adj > 1.01 {
		adj = 1.01
	} else if adj < 0.99 {
		adj = 0.99
	}
	return adj, nil
}

// ReportSinkTiming records sinkID's latest timing report and advances the
// common target playback timestamp to the median of all sinks' reported
// timestamps, so the clock never outruns the slowest sink by more than the
// spread the reports show.
func (c *Clock) ReportSinkTiming(sinkID string, report SinkTimingReport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.sinks[sinkID]
	if !ok {
		return fmt.Errorf("syncclock: unknown sink %q", sinkID)
	}
	rec.lastReport = report
	rec.rtpTimestamp = report.RTPTimestampOutput

	timestamps := make([]uint32, 0, len(c.sinks))
	for _, r := range c.sinks {
		timestamps = append(timestamps, r.rtpTimestamp)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })
	if len(timestamps) > 0 {
		c.target = timestamps[len(timestamps)/2]
	}
	return nil
}

// GetStats returns a snapshot of the clock's aggregate state.
func (c *Clock) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var maxDrift float64
	for _, r := range c.sinks {
		d := float64(int64(r.rtpTimestamp) - int64(c.target))
		if d < 0 {
			d = -d
		}
		if d > maxDrift {
			maxDrift = d
		}
	}

	var avgWait float64
	if c.barrierWaitN > 0 {
		avgWait = float64(c.barrierWaitSum.Milliseconds()) / float64(c.barrierWaitN)
	}

	return Stats{
		ActiveSinks:              len(c.sinks),
		CurrentPlaybackTimestamp: c.target,
		MaxDriftPPM:              maxDrift,
		AvgBarrierWaitMS:         avgWait,
		TotalBarrierTimeouts:     c.totalTimeouts,
	}
}
