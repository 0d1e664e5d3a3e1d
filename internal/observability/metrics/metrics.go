// Package metrics registers the Prometheus collectors the Audio Manager's
// /metrics endpoint serves: queue depth, dropped packets, grace-period
// timeouts, barrier timeouts, and the largest drift across sinks. A Collector owns its own
// registry so tests can spin up isolated instances, the same way the
// teacher's audiocore.MetricsCollector wraps a metrics.AudioCoreMetrics
// instance rather than relying on the default global registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tphakala/screamrouter/internal/engine"
)

// Recorder is the narrow interface engine-adjacent code records events
// through; Collector is the Prometheus-backed implementation and
// NoOpRecorder satisfies it for metrics.enabled=false deployments.
type Recorder interface {
	SetQueueDepth(sourceInstanceID, sinkID string, depth int)
	AddPacketsDropped(sourceInstanceID, sinkID string, delta uint64)
	AddGracePeriodTimeouts(sinkID string, delta int)
	AddBarrierTimeouts(delta int)
	SetSinkUnderruns(sinkID string, count int)
	SetMaxDriftPPM(driftPPM float64)
	SetActiveSinks(n int)
}

// Collector is the Prometheus-backed Recorder. Build one with NewCollector
// and register its Handler on the metrics HTTP server.
type Collector struct {
	registry *prometheus.Registry

	queueDepth           *prometheus.GaugeVec
	packetsDroppedTotal  *prometheus.CounterVec
	gracePeriodTimeouts  *prometheus.CounterVec
	barrierTimeoutsTotal prometheus.Counter
	sinkUnderruns        *prometheus.GaugeVec
	maxDriftPPM          prometheus.Gauge
	activeSinks          prometheus.Gauge
}

// NewCollector builds a Collector with its own registry and registers
// every metric under it.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "screamrouter",
			Subsystem: "edge",
			Name:      "queue_depth",
			Help:      "Current number of chunks queued on a (source,sink) edge.",
		}, []string{"source_instance_id", "sink_id"}),
		packetsDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "screamrouter",
			Subsystem: "edge",
			Name:      "packets_dropped_total",
			Help:      "Cumulative chunks dropped from a full (source,sink) edge queue.",
		}, []string{"source_instance_id", "sink_id"}),
		gracePeriodTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "screamrouter",
			Subsystem: "sink",
			Name:      "grace_period_timeouts_total",
			Help:      "Cumulative mixer cycles that hit the grace-period deadline with a source still missing.",
		}, []string{"sink_id"}),
		barrierTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "screamrouter",
			Subsystem: "sync",
			Name:      "barrier_timeouts_total",
			Help:      "Cumulative dispatch barrier waits that timed out across all sinks.",
		}),
		sinkUnderruns: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "screamrouter",
			Subsystem: "sink",
			Name:      "underrun_count",
			Help:      "Cumulative cycles a sink dispatched without every sink in lockstep.",
		}, []string{"sink_id"}),
		maxDriftPPM: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "screamrouter",
			Subsystem: "sync",
			Name:      "max_drift_ppm",
			Help:      "Largest per-sink clock drift observed by the sync clock, in parts per million.",
		}),
		activeSinks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "screamrouter",
			Subsystem: "sync",
			Name:      "active_sinks",
			Help:      "Number of sinks currently registered with the sync clock.",
		}),
	}

	c.registry.MustRegister(
		c.queueDepth,
		c.packetsDroppedTotal,
		c.gracePeriodTimeouts,
		c.barrierTimeoutsTotal,
		c.sinkUnderruns,
		c.maxDriftPPM,
		c.activeSinks,
	)
	return c
}

func (c *Collector) SetQueueDepth(sourceInstanceID, sinkID string, depth int) {
	c.queueDepth.WithLabelValues(sourceInstanceID, sinkID).Set(float64(depth))
}

func (c *Collector) AddPacketsDropped(sourceInstanceID, sinkID string, delta uint64) {
	if delta == 0 {
		return
	}
	c.packetsDroppedTotal.WithLabelValues(sourceInstanceID, sinkID).Add(float64(delta))
}

func (c *Collector) AddGracePeriodTimeouts(sinkID string, delta int) {
	if delta <= 0 {
		return
	}
	c.gracePeriodTimeouts.WithLabelValues(sinkID).Add(float64(delta))
}

func (c *Collector) AddBarrierTimeouts(delta int) {
	if delta <= 0 {
		return
	}
	c.barrierTimeoutsTotal.Add(float64(delta))
}

func (c *Collector) SetSinkUnderruns(sinkID string, count int) {
	c.sinkUnderruns.WithLabelValues(sinkID).Set(float64(count))
}

func (c *Collector) SetMaxDriftPPM(driftPPM float64) {
	c.maxDriftPPM.Set(driftPPM)
}

func (c *Collector) SetActiveSinks(n int) {
	c.activeSinks.Set(float64(n))
}

// Handler serves this Collector's registry in the Prometheus text
// exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// NoOpRecorder discards every recorded event; used when metrics.enabled is
// false so call sites never need a nil check.
type NoOpRecorder struct{}

func (NoOpRecorder) SetQueueDepth(string, string, int)        {}
func (NoOpRecorder) AddPacketsDropped(string, string, uint64) {}
func (NoOpRecorder) AddGracePeriodTimeouts(string, int)       {}
func (NoOpRecorder) AddBarrierTimeouts(int)                   {}
func (NoOpRecorder) SetSinkUnderruns(string, int)             {}
func (NoOpRecorder) SetMaxDriftPPM(float64)                   {}
func (NoOpRecorder) SetActiveSinks(int)                       {}

var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = NoOpRecorder{}
)

// Poller periodically samples an Engine's Stats snapshot and feeds the
// deltas/levels into a Recorder; cumulative counters (dropped packets,
// grace-period timeouts, barrier timeouts) are converted to Prometheus
// counter increments by tracking the last-seen cumulative value per key.
type Poller struct {
	recorder Recorder

	lastDropped      map[edgeKey]uint64
	lastGracePeriod  map[string]int
	lastBarrierTotal int
}

type edgeKey struct {
	sourceInstanceID string
	sinkID           string
}

// NewPoller builds a Poller that records into recorder.
func NewPoller(recorder Recorder) *Poller {
	return &Poller{
		recorder:        recorder,
		lastDropped:     make(map[edgeKey]uint64),
		lastGracePeriod: make(map[string]int),
	}
}

// PollOnce records one snapshot from stats into the Poller's recorder.
func (p *Poller) PollOnce(stats engine.Stats) {
	for _, s := range stats.Sinks {
		p.recorder.SetSinkUnderruns(s.SinkID, s.UnderrunCount)

		delta := s.GracePeriodTimeoutCount - p.lastGracePeriod[s.SinkID]
		if delta > 0 {
			p.recorder.AddGracePeriodTimeouts(s.SinkID, delta)
		}
		p.lastGracePeriod[s.SinkID] = s.GracePeriodTimeoutCount
	}

	for _, e := range stats.Edges {
		p.recorder.SetQueueDepth(e.SourceInstanceID, e.SinkID, e.QueueLen)

		key := edgeKey{e.SourceInstanceID, e.SinkID}
		delta := e.Dropped - p.lastDropped[key]
		if delta > 0 {
			p.recorder.AddPacketsDropped(e.SourceInstanceID, e.SinkID, delta)
		}
		p.lastDropped[key] = e.Dropped
	}

	p.recorder.SetMaxDriftPPM(stats.Clock.MaxDriftPPM)
	p.recorder.SetActiveSinks(stats.Clock.ActiveSinks)

	barrierDelta := stats.Clock.TotalBarrierTimeouts - p.lastBarrierTotal
	if barrierDelta > 0 {
		p.recorder.AddBarrierTimeouts(barrierDelta)
	}
	p.lastBarrierTotal = stats.Clock.TotalBarrierTimeouts
}
