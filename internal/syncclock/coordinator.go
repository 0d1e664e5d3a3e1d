package syncclock

import (
	"time"

	"github.com/tphakala/screamrouter/internal/logging"
)

// BarrierTimeout is the default "small" timeout spec.md's concurrency
// model recommends for the global sync barrier.
const BarrierTimeout = 10 * time.Millisecond

// chunkSamples is the RTP timestamp advance per dispatched frame.
const chunkSamples = 1152

// MixerStats is the subset of a sink mixer's state a Coordinator needs each
// cycle; internal/sink.Mixer satisfies this.
type MixerStats interface {
	BufferLevel() int
	UnderrunCount() int
}

// RateAdjuster applies a sink's computed rate-adjustment scalar to whatever
// downstream state tracks playback rate for that sink's sources. internal/
// engine wires this to the Timeshift Manager, multiplying each connected
// source's configured backshift by adj so drifted sinks pull their
// sources' release points back toward the shared target.
type RateAdjuster interface {
	ApplyRateAdjustment(sinkID string, adj float64)
}

// Coordinator is one Sink Synchronization Coordinator, wrapping the shared
// Clock for a single sink.
type Coordinator struct {
	clock    *Clock
	sinkID   string
	enabled  bool
	timeout  time.Duration
	mixer    MixerStats
	adjuster RateAdjuster

	lastOutputRTPTimestamp uint32
}

// NewCoordinator builds a Coordinator for sinkID, registering it with
// clock at the given initial RTP timestamp. Pass enabled=false to make
// CoordinateDispatch a no-op (spec.md's "coordination disabled" case).
// timeout is the per-cycle dispatch barrier wait (settings.Sync.
// BarrierTimeoutMS); adjuster may be nil, in which case rate adjustments
// are computed but never applied.
func NewCoordinator(clock *Clock, sinkID string, initialRTPTimestamp uint32, mixer MixerStats, enabled bool, timeout time.Duration, adjuster RateAdjuster) *Coordinator {
	if timeout <= 0 {
		timeout = BarrierTimeout
	}
	c := &Coordinator{
		clock:                  clock,
		sinkID:                 sinkID,
		enabled:                enabled && clock != nil,
		timeout:                timeout,
		mixer:                  mixer,
		adjuster:               adjuster,
		lastOutputRTPTimestamp: initialRTPTimestamp,
	}
	if c.enabled {
		clock.RegisterSink(sinkID, initialRTPTimestamp)
	}
	return c
}

// Close unregisters the coordinator's sink from the clock.
func (c *Coordinator) Close() {
	if c.enabled {
		c.clock.UnregisterSink(c.sinkID)
	}
}

// CoordinateDispatch runs the per-cycle sync sequence: wait on the
// barrier, fetch the current rate adjustment, report this cycle's timing,
// and advance the local RTP timestamp. Returns true iff no underrun was
// observed this cycle.
func (c *Coordinator) CoordinateDispatch() bool {
	if !c.enabled {
		return true
	}

	arrived := c.clock.WaitForDispatchBarrier(c.sinkID, c.timeout)
	if !arrived {
		logging.Warn("syncclock: dispatch barrier timed out", "sink_id", c.sinkID)
	}

	if adj, err := c.clock.CalculateRateAdjustment(c.sinkID); err == nil {
		if adj < 0.99 || adj > 1.01 {
			logging.Warn("syncclock: rate adjustment outside +/-1%", "sink_id", c.sinkID, "adjustment", adj)
		}
		if c.adjuster != nil {
			c.adjuster.ApplyRateAdjustment(c.sinkID, adj)
		}
	}

	var bufferLevel, underruns int
	if c.mixer != nil {
		bufferLevel = c.mixer.BufferLevel()
		underruns = c.mixer.UnderrunCount()
	}

	_ = c.clock.ReportSinkTiming(c.sinkID, SinkTimingReport{
		RTPTimestampOutput: c.lastOutputRTPTimestamp,
		BufferLevel:        bufferLevel,
		UnderrunCount:      underruns,
		ReportedAt:         time.Now(),
	})

	c.lastOutputRTPTimestamp += chunkSamples

	return arrived && underruns == 0
}
