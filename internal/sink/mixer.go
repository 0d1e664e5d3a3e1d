// Package sink implements the Sink Audio Mixer: gathers ProcessedAudioChunks
// from every registered source instance each cycle, sums them into a
// saturating 32-bit accumulator, downscales with dither to the sink's
// output format, frames the result for the configured wire protocol, and
// sends it over UDP.
package sink

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/tphakala/screamrouter/internal/audio"
	"github.com/tphakala/screamrouter/internal/dsp"
	"github.com/tphakala/screamrouter/internal/logging"
	"github.com/tphakala/screamrouter/internal/queue"
	"github.com/tphakala/screamrouter/internal/wire/scream"
)

// DefaultGracePeriod is GRACE_PERIOD_TIMEOUT's spec.md default.
const DefaultGracePeriod = 45 * time.Millisecond

// gracePollInterval is the per-spec 1ms sub-poll during the gather phase.
const gracePollInterval = time.Millisecond

// Protocol names the wire framing a sink emits.
type Protocol string

const (
	ProtocolScream    Protocol = "scream"
	ProtocolRTP       Protocol = "rtp"
	ProtocolPerProcess Protocol = "per-process"
)

// DispatchCoordinator is the multi-sink sync hook a mixer calls just
// before framing and sending each cycle's mixed frame; internal/syncclock
// provides the production implementation.
type DispatchCoordinator interface {
	CoordinateDispatch() (underrunFree bool)
}

type noopCoordinator struct{}

func (noopCoordinator) CoordinateDispatch() bool { return true }

// MP3Encoder streams 32-bit interleaved PCM into MP3 frames;
// internal/mp3's ffmpeg-backed encoder implements this.
type MP3Encoder interface {
	Encode(pcm []int32) ([]byte, error)
}

// Config configures one Mixer.
type Config struct {
	SinkID       string
	OutputFormat dsp.AudioFormat
	Protocol     Protocol
	Destination  string // "host:port"
	GracePeriod  time.Duration
	Coordinator  DispatchCoordinator
	MP3Queue     *queue.Queue[audio.EncodedMP3Data]
	MP3Encoder   MP3Encoder
}

type sourceSlot struct {
	queue  *queue.Queue[audio.ProcessedAudioChunk]
	latest audio.ProcessedAudioChunk
	active bool
}

// Mixer is one Sink Audio Mixer instance.
type Mixer struct {
	cfg Config

	queuesMu sync.Mutex
	sources  map[string]*sourceSlot

	conn net.Conn

	seq          uint16
	rtpTimestamp uint32
	lastCSRC     []uint32
	ditherState  *dsp.DitherState

	mp3Chain *dsp.Chain

	underrunCount           int
	gracePeriodTimeoutCount int

	stopCh  chan struct{}
	stopped chan struct{}
}

// NewMixer builds a Mixer and dials its UDP destination.
func NewMixer(cfg Config) (*Mixer, error) {
	if !cfg.OutputFormat.Valid() {
		return nil, fmt.Errorf("sink: invalid output format %s", cfg.OutputFormat)
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Coordinator == nil {
		cfg.Coordinator = noopCoordinator{}
	}

	conn, err := net.Dial("udp", cfg.Destination)
	if err != nil {
		return nil, fmt.Errorf("sink: dialing destination %q: %w", cfg.Destination, err)
	}

	m := &Mixer{
		cfg:         cfg,
		sources:     make(map[string]*sourceSlot),
		conn:        conn,
		ditherState: dsp.NewDitherState(cfg.OutputFormat.Channels),
	}

	if cfg.MP3Queue != nil {
		// The MP3 path reads the mixer's pristine 32-bit pre-downscale
		// accumulator (see emitMP3), never the dithered/downscaled network
		// payload, so its input bit depth is always 32 regardless of the
		// sink's configured OutputFormat.BitDepth.
		mp3InputFormat := cfg.OutputFormat
		mp3InputFormat.BitDepth = 32
		mp3Chain, err := dsp.NewChain(dsp.ChainConfig{
			InputFormat:    mp3InputFormat,
			OutputRate:     48000,
			OutputChannels: 2,
			Volume:         1.0,
			EQGains:        flatEQ(),
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("sink: building MP3 preprocessor chain: %w", err)
		}
		m.mp3Chain = mp3Chain
	}

	return m, nil
}

func flatEQ() [18]float64 {
	var g [18]float64
	for i := range g {
		g[i] = 1.0
	}
	return g
}

// SetCoordinator installs the multi-sink dispatch coordinator. Must be
// called before Start; the cycle goroutine reads m.cfg.Coordinator without
// further synchronization once running.
func (m *Mixer) SetCoordinator(c DispatchCoordinator) {
	if c != nil {
		m.cfg.Coordinator = c
	}
}

// AddInputQueue registers sourceInstanceID's chunk queue for mixing.
func (m *Mixer) AddInputQueue(sourceInstanceID string, q *queue.Queue[audio.ProcessedAudioChunk]) {
	m.queuesMu.Lock()
	defer m.queuesMu.Unlock()
	m.sources[sourceInstanceID] = &sourceSlot{queue: q}
}

// RemoveInputQueue unregisters a source; if called during a gather phase,
// the source is skipped immediately on the next poll.
func (m *Mixer) RemoveInputQueue(sourceInstanceID string) {
	m.queuesMu.Lock()
	defer m.queuesMu.Unlock()
	delete(m.sources, sourceInstanceID)
}

// Start launches the mixer's per-cycle goroutine.
func (m *Mixer) Start() {
	m.stopCh = make(chan struct{})
	m.stopped = make(chan struct{})
	go m.run()
}

// Stop signals the mixer to exit and waits for it, closing the UDP socket.
func (m *Mixer) Stop() {
	if m.stopCh != nil {
		close(m.stopCh)
		<-m.stopped
	}
	m.conn.Close()
}

func (m *Mixer) run() {
	defer close(m.stopped)
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}
		m.cycle()
	}
}

// cycle runs one gather/mix/downscale/frame/send iteration.
func (m *Mixer) cycle() {
	mix, gracePeriodTimedOut := m.gather()
	if gracePeriodTimedOut {
		m.gracePeriodTimeoutCount++
	}
	underrunFree := m.cfg.Coordinator.CoordinateDispatch()
	if !underrunFree {
		m.underrunCount++
	}
	payload, err := dsp.DownscaleDither(mix, m.cfg.OutputFormat.BitDepth, m.cfg.OutputFormat.Channels, m.ditherState)
	if err != nil {
		logging.Error("sink: downscale failed, dropping cycle", "sink_id", m.cfg.SinkID, "error", err)
		return
	}
	frame, err := m.frame(payload)
	if err != nil {
		logging.Error("sink: framing failed, dropping cycle", "sink_id", m.cfg.SinkID, "error", err)
		return
	}
	if _, err := m.conn.Write(frame); err != nil {
		logging.Error("sink: UDP send failed", "sink_id", m.cfg.SinkID, "error", err)
	}
	if m.mp3Chain != nil && m.cfg.MP3Queue != nil {
		m.emitMP3(mix)
	}
}

// gather implements the grace-period gather phase, returning a
// SINK_MIXING_BUFFER_SAMPLES-length saturating sum of every active
// source's chunk. timedOut reports whether the grace period elapsed
// with at least one registered source still missing its chunk.
func (m *Mixer) gather() (mix []float64, timedOut bool) {
	m.queuesMu.Lock()
	slots := make(map[string]*sourceSlot, len(m.sources))
	for id, s := range m.sources {
		s.active = false
		slots[id] = s
	}
	m.queuesMu.Unlock()

	deadline := time.Now().Add(m.cfg.GracePeriod)
	remaining := len(slots)
	for remaining > 0 && time.Now().Before(deadline) {
		for _, s := range slots {
			if s.active {
				continue
			}
			if chunk, ok := s.queue.TryPop(); ok {
				s.latest = chunk
				s.active = true
				remaining--
			}
		}
		if remaining > 0 {
			time.Sleep(gracePollInterval)
		}
	}
	timedOut = remaining > 0

	sum := make([]int64, dsp.SinkMixingBufferSamples)
	var csrc []uint32
	for _, s := range slots {
		if !s.active {
			continue // contributes silence
		}
		for i, v := range s.latest.Samples {
			if i >= len(sum) {
				break
			}
			sum[i] += int64(v)
		}
		for _, id := range s.latest.CSRC {
			if len(csrc) < scream.MaxCSRC && !slices.Contains(csrc, id) {
				csrc = append(csrc, id)
			}
		}
	}
	m.lastCSRC = csrc

	out := dsp.AcquireFloat64Buffer(len(sum))
	const maxVal = 1<<31 - 1
	const minVal = -1 << 31
	for i, v := range sum {
		if v > maxVal {
			v = maxVal
		} else if v < minVal {
			v = minVal
		}
		out[i] = float64(v) / maxVal
	}
	return out, timedOut
}

func (m *Mixer) frame(payload []byte) ([]byte, error) {
	switch m.cfg.Protocol {
	case ProtocolRTP:
		m.seq++
		frame, err := scream.BuildRTPFrame(m.seq, m.rtpTimestamp, m.rtpSSRC(), m.lastCSRC, payload)
		m.rtpTimestamp += uint32(len(payload) / (m.cfg.OutputFormat.BitDepth / 8) / m.cfg.OutputFormat.Channels)
		return frame, err
	case ProtocolPerProcess:
		header := scream.Header{
			SampleRate: m.cfg.OutputFormat.SampleRate,
			BitDepth:   m.cfg.OutputFormat.BitDepth,
			Channels:   m.cfg.OutputFormat.Channels,
			Layout:     scream.DefaultRTPLayout,
		}
		return scream.BuildPerProcessFrame(m.cfg.SinkID, header, payload)
	default:
		header := scream.Header{
			SampleRate: m.cfg.OutputFormat.SampleRate,
			BitDepth:   m.cfg.OutputFormat.BitDepth,
			Channels:   m.cfg.OutputFormat.Channels,
			Layout:     scream.DefaultRTPLayout,
		}
		return scream.BuildRawFrame(header, payload)
	}
}

func (m *Mixer) rtpSSRC() uint32 {
	// A sink's RTP SSRC is stable for its lifetime; derived from its ID
	// rather than random so packet captures are reproducible across runs.
	var h uint32 = 2166136261
	for _, b := range []byte(m.cfg.SinkID) {
		h ^= uint32(b)
		h *= 16777619
	}
	return h
}

// emitMP3 feeds mix, the pristine 32-bit pre-downscale accumulator
// gather() produced for this cycle, into the MP3 preprocessor chain —
// never payload, the already-dithered-and-downscaled network frame bytes,
// which would force a second, lossy quantization pass before encoding.
func (m *Mixer) emitMP3(mix []float64) {
	pcm, err := m.mp3Chain.Process(encodeS32LE(mix))
	if err != nil {
		logging.Warn("sink: MP3 preprocessor chain failed", "sink_id", m.cfg.SinkID, "error", err)
		return
	}
	if m.cfg.MP3Encoder == nil {
		return
	}
	encoded, err := m.cfg.MP3Encoder.Encode(pcm)
	if err != nil {
		logging.Warn("sink: MP3 encode failed", "sink_id", m.cfg.SinkID, "error", err)
		return
	}
	if len(encoded) > 0 {
		m.cfg.MP3Queue.Push(audio.EncodedMP3Data{Bytes: encoded, Timestamp: time.Now()})
	}
}

// encodeS32LE encodes normalized [-1, 1] samples as signed 32-bit
// little-endian PCM, the undithered byte form dsp.Chain.Process expects
// for a 32-bit InputFormat.
func encodeS32LE(samples []float64) []byte {
	const maxVal = 1<<31 - 1
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		v := int32(math.Round(s * maxVal))
		binary.LittleEndian.PutUint32(out[i*4:], uint32(v))
	}
	return out
}

// UnderrunCount reports how many cycles observed an underrun via the sync
// coordinator.
func (m *Mixer) UnderrunCount() int {
	return m.underrunCount
}

// GracePeriodTimeoutCount reports how many cycles hit the grace-period
// deadline with at least one source still missing its chunk.
func (m *Mixer) GracePeriodTimeoutCount() int {
	return m.gracePeriodTimeoutCount
}

// BufferLevel reports the total number of chunks currently queued across
// every registered source, satisfying syncclock.MixerStats.
func (m *Mixer) BufferLevel() int {
	m.queuesMu.Lock()
	defer m.queuesMu.Unlock()
	var total int
	for _, s := range m.sources {
		total += s.queue.Len()
	}
	return total
}
