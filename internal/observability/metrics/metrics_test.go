package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/screamrouter/internal/engine"
	"github.com/tphakala/screamrouter/internal/syncclock"
)

func TestCollectorExposesRecordedValues(t *testing.T) {
	c := NewCollector()
	c.SetQueueDepth("src1", "sink1", 42)
	c.AddPacketsDropped("src1", "sink1", 3)
	c.AddGracePeriodTimeouts("sink1", 2)
	c.AddBarrierTimeouts(1)
	c.SetSinkUnderruns("sink1", 7)
	c.SetMaxDriftPPM(12.5)
	c.SetActiveSinks(2)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `screamrouter_edge_queue_depth{sink_id="sink1",source_instance_id="src1"} 42`)
	assert.Contains(t, body, `screamrouter_edge_packets_dropped_total{sink_id="sink1",source_instance_id="src1"} 3`)
	assert.Contains(t, body, `screamrouter_sink_grace_period_timeouts_total{sink_id="sink1"} 2`)
	assert.Contains(t, body, "screamrouter_sync_barrier_timeouts_total 1")
	assert.Contains(t, body, `screamrouter_sink_underrun_count{sink_id="sink1"} 7`)
	assert.Contains(t, body, "screamrouter_sync_max_drift_ppm 12.5")
	assert.Contains(t, body, "screamrouter_sync_active_sinks 2")
}

func TestNoOpRecorderDoesNotPanic(t *testing.T) {
	var r Recorder = NoOpRecorder{}
	assert.NotPanics(t, func() {
		r.SetQueueDepth("a", "b", 1)
		r.AddPacketsDropped("a", "b", 1)
		r.AddGracePeriodTimeouts("b", 1)
		r.AddBarrierTimeouts(1)
		r.SetSinkUnderruns("b", 1)
		r.SetMaxDriftPPM(1)
		r.SetActiveSinks(1)
	})
}

type fakeRecorder struct {
	dropped         map[string]uint64
	gracePeriod     map[string]int
	barrierTimeouts int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{dropped: make(map[string]uint64), gracePeriod: make(map[string]int)}
}

func (f *fakeRecorder) SetQueueDepth(string, string, int) {}
func (f *fakeRecorder) AddPacketsDropped(sourceInstanceID, sinkID string, delta uint64) {
	f.dropped[sourceInstanceID+"/"+sinkID] += delta
}
func (f *fakeRecorder) AddGracePeriodTimeouts(sinkID string, delta int) {
	f.gracePeriod[sinkID] += delta
}
func (f *fakeRecorder) AddBarrierTimeouts(delta int) { f.barrierTimeouts += delta }
func (f *fakeRecorder) SetSinkUnderruns(string, int) {}
func (f *fakeRecorder) SetMaxDriftPPM(float64)       {}
func (f *fakeRecorder) SetActiveSinks(int)           {}

func TestPollerConvertsCumulativeCountersToDeltas(t *testing.T) {
	rec := newFakeRecorder()
	p := NewPoller(rec)

	p.PollOnce(engine.Stats{
		Sinks: []engine.SinkStats{{SinkID: "sink1", GracePeriodTimeoutCount: 5}},
		Edges: []engine.EdgeStats{{SourceInstanceID: "src1", SinkID: "sink1", Dropped: 10}},
		Clock: syncclock.Stats{TotalBarrierTimeouts: 4},
	})
	assert.Equal(t, uint64(10), rec.dropped["src1/sink1"])
	assert.Equal(t, 5, rec.gracePeriod["sink1"])
	assert.Equal(t, 4, rec.barrierTimeouts)

	p.PollOnce(engine.Stats{
		Sinks: []engine.SinkStats{{SinkID: "sink1", GracePeriodTimeoutCount: 8}},
		Edges: []engine.EdgeStats{{SourceInstanceID: "src1", SinkID: "sink1", Dropped: 15}},
		Clock: syncclock.Stats{TotalBarrierTimeouts: 6},
	})
	assert.Equal(t, uint64(15), rec.dropped["src1/sink1"])
	assert.Equal(t, 8, rec.gracePeriod["sink1"])
	assert.Equal(t, 6, rec.barrierTimeouts)
}

func TestPollerIgnoresNonIncreasingCounters(t *testing.T) {
	rec := newFakeRecorder()
	p := NewPoller(rec)

	p.PollOnce(engine.Stats{Edges: []engine.EdgeStats{{SourceInstanceID: "src1", SinkID: "sink1", Dropped: 10}}})
	p.PollOnce(engine.Stats{Edges: []engine.EdgeStats{{SourceInstanceID: "src1", SinkID: "sink1", Dropped: 10}}})

	assert.Equal(t, uint64(10), rec.dropped["src1/sink1"])
}
