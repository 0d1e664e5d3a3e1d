// Package engine implements the Audio Manager: the only component
// allowed to create, destroy, or rewire receivers, source processors,
// sink mixers, and the edges between them. It owns the single Timeshift
// Manager and Global Synchronization Clock instances and exposes the
// control surface described in spec.md §6.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/screamrouter/internal/audio"
	"github.com/tphakala/screamrouter/internal/dsp"
	"github.com/tphakala/screamrouter/internal/errors"
	"github.com/tphakala/screamrouter/internal/logging"
	"github.com/tphakala/screamrouter/internal/mp3"
	"github.com/tphakala/screamrouter/internal/queue"
	"github.com/tphakala/screamrouter/internal/receiver"
	"github.com/tphakala/screamrouter/internal/sink"
	"github.com/tphakala/screamrouter/internal/source"
	"github.com/tphakala/screamrouter/internal/syncclock"
	"github.com/tphakala/screamrouter/internal/timeshift"
)

// chunkQueueCapacity bounds every per-(source,sink) edge queue.
const chunkQueueCapacity = 2048

// mp3QueueCapacity bounds a sink's encoded-MP3 output queue.
const mp3QueueCapacity = 64

// notificationQueueCapacity bounds the shared NewSourceNotification feed.
const notificationQueueCapacity = 256

// ReceiverConfig describes one Network Receiver to add.
type ReceiverConfig struct {
	Variant    receiver.Variant
	ListenAddr string
}

// SourceConfig is the immutable bundle identifying one source instance at
// creation; per-instance mutable state (volume, EQ, delay, backshift,
// speaker mix) is updated afterward only through the setters below.
type SourceConfig struct {
	InstanceID           string // optional; generated if empty
	SourceTag            string // which receiver-observed tag to subscribe to
	OutputFormat         dsp.AudioFormat
	Volume               float64
	EQGains              [18]float64
	DelayMS              int
	BackshiftSec         float64
	SpeakerMixByChannels map[int]dsp.SpeakerLayout
}

// SinkConfig is the immutable bundle identifying one sink instance.
type SinkConfig struct {
	SinkID            string
	OutputFormat      dsp.AudioFormat
	Protocol          sink.Protocol
	Destination       string
	GracePeriod       time.Duration
	SyncEnabled       bool
	BarrierTimeoutMS  int // per-cycle dispatch barrier wait; 0 uses syncclock.BarrierTimeout
	MP3Enabled        bool
	MP3Bitrate        string
	FFmpegPath        string
}

type sinkEntry struct {
	mixer       *sink.Mixer
	coordinator *syncclock.Coordinator
	mp3Encoder  *mp3.Encoder
	mp3Queue    *queue.Queue[audio.EncodedMP3Data]
}

type edgeKey struct {
	sourceInstanceID string
	sinkID           string
}

// Engine is one Audio Manager instance. All mutable wiring state is
// guarded by mu; individual components (receivers, processors, mixers)
// run their own goroutines and are safe for concurrent use once started.
type Engine struct {
	mu sync.Mutex

	timeshift *timeshift.Manager
	clock     *syncclock.Clock

	notifications *queue.Queue[audio.NewSourceNotification]

	receivers map[string]*receiver.Receiver // keyed by ListenAddr
	sources   map[string]*source.Processor  // keyed by instanceID
	sinks     map[string]*sinkEntry         // keyed by sinkID
	edges     map[edgeKey]*queue.Queue[audio.ProcessedAudioChunk]

	// sourceBackshift holds each source's configured (pre-sync-adjustment)
	// backshift in seconds, so a sync coordinator's rate adjustment scales
	// a stable baseline instead of compounding against its own last write.
	sourceBackshift map[string]float64
}

// New builds an uninitialized Engine; call Initialize before wiring any
// receivers, sources, or sinks.
func New() *Engine {
	return &Engine{
		receivers:       make(map[string]*receiver.Receiver),
		sources:         make(map[string]*source.Processor),
		sinks:           make(map[string]*sinkEntry),
		edges:           make(map[edgeKey]*queue.Queue[audio.ProcessedAudioChunk]),
		sourceBackshift: make(map[string]float64),
	}
}

// Initialize starts the Timeshift Manager and Global Synchronization
// Clock, and, if listenPort is positive, a default Raw Scream receiver on
// that port. Returns an error if already initialized.
func (e *Engine) Initialize(listenPort int, globalTimeshiftBufferDurationSec float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.timeshift != nil {
		return errors.New(fmt.Errorf("engine: already initialized")).
			Category(errors.CategoryState).Component("engine").Build()
	}

	e.timeshift = timeshift.NewManager(durationFromSeconds(globalTimeshiftBufferDurationSec))
	e.timeshift.Start()
	e.clock = syncclock.NewClock()
	e.notifications = queue.New[audio.NewSourceNotification](notificationQueueCapacity)

	if listenPort > 0 {
		addr := fmt.Sprintf(":%d", listenPort)
		if err := e.addReceiverLocked(ReceiverConfig{Variant: receiver.VariantRawScream, ListenAddr: addr}); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown stops every component in spec order (receivers → timeshift
// manager → source processors → sink mixers → sync clock) and waits for
// each to finish, bounded only by each component's own Stop.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	receivers := make([]*receiver.Receiver, 0, len(e.receivers))
	for _, r := range e.receivers {
		receivers = append(receivers, r)
	}
	sources := make([]*source.Processor, 0, len(e.sources))
	for _, p := range e.sources {
		sources = append(sources, p)
	}
	sinks := make([]*sinkEntry, 0, len(e.sinks))
	for _, s := range e.sinks {
		sinks = append(sinks, s)
	}
	tsm := e.timeshift
	e.mu.Unlock()

	for _, r := range receivers {
		r.Stop()
	}
	if tsm != nil {
		tsm.Stop()
	}
	for _, p := range sources {
		p.Stop()
	}
	for _, s := range sinks {
		s.mixer.Stop()
		if s.coordinator != nil {
			s.coordinator.Close()
		}
		if s.mp3Encoder != nil {
			if err := s.mp3Encoder.Close(); err != nil {
				logging.Warn("engine: mp3 encoder close failed during shutdown", "error", err)
			}
		}
	}
	// The Global Synchronization Clock is plain in-process state with no
	// goroutine of its own; nothing further to stop.

	e.mu.Lock()
	e.receivers = make(map[string]*receiver.Receiver)
	e.sources = make(map[string]*source.Processor)
	e.sinks = make(map[string]*sinkEntry)
	e.edges = make(map[edgeKey]*queue.Queue[audio.ProcessedAudioChunk])
	e.mu.Unlock()
}

func errNotInitialized() error {
	return errors.New(fmt.Errorf("engine: not initialized")).
		Category(errors.CategoryState).Component("engine").Build()
}

func durationFromSeconds(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

// AddReceiver binds and starts a new Network Receiver.
func (e *Engine) AddReceiver(cfg ReceiverConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addReceiverLocked(cfg)
}

func (e *Engine) addReceiverLocked(cfg ReceiverConfig) error {
	if e.timeshift == nil {
		return errNotInitialized()
	}
	if _, exists := e.receivers[cfg.ListenAddr]; exists {
		return errors.New(fmt.Errorf("engine: receiver already bound on %q", cfg.ListenAddr)).
			Category(errors.CategoryConflict).Component("engine").Build()
	}
	r, err := receiver.New(receiver.Config{
		Variant:       cfg.Variant,
		ListenAddr:    cfg.ListenAddr,
		Manager:       e.timeshift,
		Notifications: e.notifications,
	})
	if err != nil {
		return err
	}
	r.Start()
	e.receivers[cfg.ListenAddr] = r
	return nil
}

// RemoveReceiver stops and removes the receiver bound to listenAddr.
func (e *Engine) RemoveReceiver(listenAddr string) error {
	e.mu.Lock()
	r, ok := e.receivers[listenAddr]
	if !ok {
		e.mu.Unlock()
		return errors.New(fmt.Errorf("engine: no receiver bound on %q", listenAddr)).
			Category(errors.CategoryNotFound).Component("engine").Build()
	}
	delete(e.receivers, listenAddr)
	e.mu.Unlock()

	r.Stop()
	return nil
}

// SeenSourceTags returns the source tags observed by the receiver bound
// to listenAddr.
func (e *Engine) SeenSourceTags(listenAddr string) ([]string, error) {
	e.mu.Lock()
	r, ok := e.receivers[listenAddr]
	e.mu.Unlock()
	if !ok {
		return nil, errors.New(fmt.Errorf("engine: no receiver bound on %q", listenAddr)).
			Category(errors.CategoryNotFound).Component("engine").Build()
	}
	return r.SeenTags(), nil
}

// PollNewSourceNotifications drains and returns every NewSourceNotification
// published since the last call.
func (e *Engine) PollNewSourceNotifications() []audio.NewSourceNotification {
	e.mu.Lock()
	notifications := e.notifications
	e.mu.Unlock()
	if notifications == nil {
		return nil
	}
	var out []audio.NewSourceNotification
	for {
		n, ok := notifications.TryPop()
		if !ok {
			return out
		}
		out = append(out, n)
	}
}

// ConfigureSource creates and starts a new Source Input Processor,
// subscribing it to the Timeshift Manager under cfg.SourceTag, and
// returns its unique instance id.
func (e *Engine) ConfigureSource(cfg SourceConfig) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.timeshift == nil {
		return "", errNotInitialized()
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = "src-" + uuid.NewString()
	}
	if _, exists := e.sources[instanceID]; exists {
		return "", errors.New(fmt.Errorf("engine: source instance %q already exists", instanceID)).
			Category(errors.CategoryConflict).Component("engine").Build()
	}

	proc := source.NewProcessor(instanceID, cfg.OutputFormat)
	proc.Enqueue(audio.ControlCommand{Kind: audio.SetVolume, Volume: nonZeroOr(cfg.Volume, 1.0)})
	if cfg.EQGains != ([18]float64{}) {
		proc.Enqueue(audio.ControlCommand{Kind: audio.SetEQ, EQGains: cfg.EQGains})
	}
	for channels, layout := range cfg.SpeakerMixByChannels {
		proc.Enqueue(audio.ControlCommand{Kind: audio.SetSpeakerMix, MixKey: channels, MixLayout: layout})
	}

	if err := e.timeshift.Subscribe(instanceID, cfg.SourceTag, proc.InputQueue(), cfg.BackshiftSec, cfg.DelayMS); err != nil {
		return "", err
	}

	proc.Start()
	e.sources[instanceID] = proc
	e.sourceBackshift[instanceID] = cfg.BackshiftSec
	return instanceID, nil
}

func nonZeroOr(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}

// RemoveSource stops and removes a source instance, tearing down every
// edge it participates in.
func (e *Engine) RemoveSource(instanceID string) error {
	e.mu.Lock()
	proc, ok := e.sources[instanceID]
	if !ok {
		e.mu.Unlock()
		return errors.New(fmt.Errorf("engine: unknown source instance %q", instanceID)).
			Category(errors.CategoryNotFound).Component("engine").Build()
	}
	delete(e.sources, instanceID)
	delete(e.sourceBackshift, instanceID)
	for key := range e.edges {
		if key.sourceInstanceID == instanceID {
			delete(e.edges, key)
		}
	}
	e.mu.Unlock()

	e.timeshift.Unsubscribe(instanceID)
	proc.Stop()
	return nil
}

// AddSink creates and starts a new Sink Audio Mixer, wiring in a sync
// coordinator when cfg.SyncEnabled and an MP3 encoder when cfg.MP3Enabled.
func (e *Engine) AddSink(cfg SinkConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.clock == nil {
		return errNotInitialized()
	}
	if _, exists := e.sinks[cfg.SinkID]; exists {
		return errors.New(fmt.Errorf("engine: sink %q already exists", cfg.SinkID)).
			Category(errors.CategoryConflict).Component("engine").Build()
	}

	entry := &sinkEntry{}
	mixerCfg := sink.Config{
		SinkID:       cfg.SinkID,
		OutputFormat: cfg.OutputFormat,
		Protocol:     cfg.Protocol,
		Destination:  cfg.Destination,
		GracePeriod:  cfg.GracePeriod,
	}

	if cfg.MP3Enabled {
		enc, err := mp3.NewEncoder(mp3.Config{
			FFmpegPath: cfg.FFmpegPath,
			Input:      dsp.AudioFormat{SampleRate: 48000, Channels: 2, BitDepth: 32},
			Bitrate:    cfg.MP3Bitrate,
		})
		if err != nil {
			// Encoder failure disables the MP3 path on this sink only; the
			// UDP path is unaffected, per spec.md's error-handling table.
			logging.Warn("engine: mp3 encoder unavailable, disabling mp3 path", "sink_id", cfg.SinkID, "error", err)
		} else {
			entry.mp3Encoder = enc
			entry.mp3Queue = queue.New[audio.EncodedMP3Data](mp3QueueCapacity)
			mixerCfg.MP3Encoder = enc
			mixerCfg.MP3Queue = entry.mp3Queue
		}
	}

	mixer, err := sink.NewMixer(mixerCfg)
	if err != nil {
		if entry.mp3Encoder != nil {
			_ = entry.mp3Encoder.Close()
		}
		return err
	}
	entry.mixer = mixer

	if cfg.SyncEnabled {
		timeout := time.Duration(cfg.BarrierTimeoutMS) * time.Millisecond
		coordinator := syncclock.NewCoordinator(e.clock, cfg.SinkID, 0, mixer, true, timeout, &rateAdjuster{engine: e})
		mixer.SetCoordinator(coordinator)
		entry.coordinator = coordinator
	}

	mixer.Start()
	e.sinks[cfg.SinkID] = entry
	return nil
}

// RemoveSink stops and removes a sink, tearing down every edge routed to
// it.
func (e *Engine) RemoveSink(sinkID string) error {
	e.mu.Lock()
	entry, ok := e.sinks[sinkID]
	if !ok {
		e.mu.Unlock()
		return errors.New(fmt.Errorf("engine: unknown sink %q", sinkID)).
			Category(errors.CategoryNotFound).Component("engine").Build()
	}
	delete(e.sinks, sinkID)
	for key := range e.edges {
		if key.sinkID == sinkID {
			delete(e.edges, key)
		}
	}
	e.mu.Unlock()

	entry.mixer.Stop()
	if entry.coordinator != nil {
		entry.coordinator.Close()
	}
	if entry.mp3Encoder != nil {
		if err := entry.mp3Encoder.Close(); err != nil {
			logging.Warn("engine: mp3 encoder close failed", "sink_id", sinkID, "error", err)
		}
	}
	return nil
}

// Connect wires sourceInstanceID's output into sinkID's mixer, creating
// the chunk queue for that edge. Connecting an already-connected pair is
// a no-op.
func (e *Engine) Connect(sourceInstanceID, sinkID string) error {
	e.mu.Lock()
	proc, ok := e.sources[sourceInstanceID]
	if !ok {
		e.mu.Unlock()
		return errors.New(fmt.Errorf("engine: unknown source instance %q", sourceInstanceID)).
			Category(errors.CategoryNotFound).Component("engine").Build()
	}
	entry, ok := e.sinks[sinkID]
	if !ok {
		e.mu.Unlock()
		return errors.New(fmt.Errorf("engine: unknown sink %q", sinkID)).
			Category(errors.CategoryNotFound).Component("engine").Build()
	}
	key := edgeKey{sourceInstanceID, sinkID}
	if _, exists := e.edges[key]; exists {
		e.mu.Unlock()
		return nil
	}
	q := queue.New[audio.ProcessedAudioChunk](chunkQueueCapacity)
	e.edges[key] = q
	e.mu.Unlock()

	proc.AddSink(sinkID, q)
	entry.mixer.AddInputQueue(sourceInstanceID, q)
	return nil
}

// Disconnect removes the edge between sourceInstanceID and sinkID, if any.
func (e *Engine) Disconnect(sourceInstanceID, sinkID string) error {
	e.mu.Lock()
	key := edgeKey{sourceInstanceID, sinkID}
	if _, exists := e.edges[key]; !exists {
		e.mu.Unlock()
		return errors.New(fmt.Errorf("engine: no edge between %q and %q", sourceInstanceID, sinkID)).
			Category(errors.CategoryNotFound).Component("engine").Build()
	}
	delete(e.edges, key)
	proc := e.sources[sourceInstanceID]
	entry := e.sinks[sinkID]
	e.mu.Unlock()

	if proc != nil {
		proc.RemoveSink(sinkID)
	}
	if entry != nil {
		entry.mixer.RemoveInputQueue(sourceInstanceID)
	}
	return nil
}

// SetVolume applies a new volume to instanceID.
func (e *Engine) SetVolume(instanceID string, volume float64) error {
	proc, err := e.requireSource(instanceID)
	if err != nil {
		return err
	}
	proc.Enqueue(audio.ControlCommand{Kind: audio.SetVolume, Volume: volume})
	return nil
}

// SetEQ applies new 18-band EQ gains to instanceID.
func (e *Engine) SetEQ(instanceID string, gains [18]float64) error {
	proc, err := e.requireSource(instanceID)
	if err != nil {
		return err
	}
	proc.Enqueue(audio.ControlCommand{Kind: audio.SetEQ, EQGains: gains})
	return nil
}

// SetSpeakerMix installs the layout used when instanceID's input channel
// count equals inputChannelKey.
func (e *Engine) SetSpeakerMix(instanceID string, inputChannelKey int, layout dsp.SpeakerLayout) error {
	proc, err := e.requireSource(instanceID)
	if err != nil {
		return err
	}
	proc.Enqueue(audio.ControlCommand{Kind: audio.SetSpeakerMix, MixKey: inputChannelKey, MixLayout: layout})
	return nil
}

// SetDelay updates instanceID's output delay in the Timeshift Manager.
func (e *Engine) SetDelay(instanceID string, ms int) error {
	if _, err := e.requireSource(instanceID); err != nil {
		return err
	}
	return e.timeshift.SetDelay(instanceID, ms)
}

// SetTimeshift updates instanceID's release backshift in the Timeshift
// Manager. This becomes the new baseline a sync coordinator's rate
// adjustment scales from.
func (e *Engine) SetTimeshift(instanceID string, backshiftSec float64) error {
	if _, err := e.requireSource(instanceID); err != nil {
		return err
	}
	e.mu.Lock()
	e.sourceBackshift[instanceID] = backshiftSec
	e.mu.Unlock()
	return e.timeshift.SetBackshift(instanceID, backshiftSec)
}

// rateAdjuster adapts Engine to syncclock.RateAdjuster, scaling each of a
// sink's connected sources' baseline backshift by the sink's computed
// rate-adjustment scalar. This is how spec.md §4.5's feedback loop
// actually modulates playback: a sink running ahead of the shared target
// gets its sources' release points pulled back (adj<1 shrinks backshift,
// pulling playback earlier), and a lagging sink gets them pushed out.
type rateAdjuster struct {
	engine *Engine
}

func (a *rateAdjuster) ApplyRateAdjustment(sinkID string, adj float64) {
	e := a.engine
	e.mu.Lock()
	var sourceIDs []string
	for key := range e.edges {
		if key.sinkID == sinkID {
			sourceIDs = append(sourceIDs, key.sourceInstanceID)
		}
	}
	type update struct {
		instanceID string
		backshift  float64
	}
	updates := make([]update, 0, len(sourceIDs))
	for _, instanceID := range sourceIDs {
		baseline, ok := e.sourceBackshift[instanceID]
		if !ok {
			continue
		}
		updates = append(updates, update{instanceID: instanceID, backshift: baseline * adj})
	}
	tsm := e.timeshift
	e.mu.Unlock()

	if tsm == nil {
		return
	}
	for _, u := range updates {
		if err := tsm.SetBackshift(u.instanceID, u.backshift); err != nil {
			logging.Warn("engine: applying sync rate adjustment failed", "sink_id", sinkID, "instance_id", u.instanceID, "error", err)
		}
	}
}

func (e *Engine) requireSource(instanceID string) (*source.Processor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	proc, ok := e.sources[instanceID]
	if !ok {
		return nil, errors.New(fmt.Errorf("engine: unknown source instance %q", instanceID)).
			Category(errors.CategoryNotFound).Component("engine").Build()
	}
	return proc, nil
}

// PollMP3 drains and returns every EncodedMP3Data chunk queued for sinkID
// since the last call.
func (e *Engine) PollMP3(sinkID string) ([]audio.EncodedMP3Data, error) {
	e.mu.Lock()
	entry, ok := e.sinks[sinkID]
	e.mu.Unlock()
	if !ok {
		return nil, errors.New(fmt.Errorf("engine: unknown sink %q", sinkID)).
			Category(errors.CategoryNotFound).Component("engine").Build()
	}
	if entry.mp3Queue == nil {
		return nil, nil
	}
	var out []audio.EncodedMP3Data
	for {
		d, ok := entry.mp3Queue.TryPop()
		if !ok {
			return out, nil
		}
		out = append(out, d)
	}
}

// InjectPacket hands an externally-produced packet directly into the
// engine, bypassing the network receivers. An empty sourceInstanceID
// routes the packet globally via the Timeshift Manager (matching every
// other receiver); a non-empty id pushes straight onto that source's
// input queue, skipping tag-based buffering entirely.
func (e *Engine) InjectPacket(pkt audio.TaggedAudioPacket, sourceInstanceID string) error {
	if sourceInstanceID == "" {
		e.mu.Lock()
		tsm := e.timeshift
		e.mu.Unlock()
		return tsm.AddPacket(pkt)
	}

	proc, err := e.requireSource(sourceInstanceID)
	if err != nil {
		return err
	}
	if !pkt.Valid() {
		return errors.New(fmt.Errorf("engine: malformed injected packet for instance %q", sourceInstanceID)).
			Category(errors.CategoryProtocol).Component("engine").Build()
	}
	proc.InputQueue().Push(pkt)
	return nil
}

// SinkStats is one sink's point-in-time health snapshot, for metrics
// polling.
type SinkStats struct {
	SinkID                  string
	BufferLevel             int
	UnderrunCount           int
	GracePeriodTimeoutCount int
}

// EdgeStats is one (source,sink) edge's queue depth and cumulative drop
// count, for metrics polling.
type EdgeStats struct {
	SourceInstanceID string
	SinkID           string
	QueueLen         int
	Dropped          uint64
}

// Stats is a point-in-time snapshot of every component the Audio Manager
// owns, consumed by the metrics poller; nothing here is synchronized
// across fields, so callers should treat it as an approximation of a
// single instant rather than a transactional view.
type Stats struct {
	Sinks  []SinkStats
	Edges  []EdgeStats
	Clock  syncclock.Stats
}

// Stats snapshots every sink, edge, and the sync clock for metrics
// polling. Safe to call concurrently with any other Engine method.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	sinks := make([]SinkStats, 0, len(e.sinks))
	for id, s := range e.sinks {
		sinks = append(sinks, SinkStats{
			SinkID:                  id,
			BufferLevel:             s.mixer.BufferLevel(),
			UnderrunCount:           s.mixer.UnderrunCount(),
			GracePeriodTimeoutCount: s.mixer.GracePeriodTimeoutCount(),
		})
	}
	edges := make([]EdgeStats, 0, len(e.edges))
	for key, q := range e.edges {
		edges = append(edges, EdgeStats{
			SourceInstanceID: key.sourceInstanceID,
			SinkID:           key.sinkID,
			QueueLen:         q.Len(),
			Dropped:          q.Dropped(),
		})
	}
	clock := e.clock
	e.mu.Unlock()

	var clockStats syncclock.Stats
	if clock != nil {
		clockStats = clock.GetStats()
	}
	return Stats{Sinks: sinks, Edges: edges, Clock: clockStats}
}
