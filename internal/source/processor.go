// Package source implements the Source Input Processor: one goroutine per
// configured source that drains its command queue, pulls packets released
// by the Timeshift Manager, runs the DSP chain, and fans out fixed-size
// ProcessedAudioChunks to every sink registered to this source.
package source

import (
	"fmt"
	"sync"
	"time"

	"github.com/tphakala/screamrouter/internal/audio"
	"github.com/tphakala/screamrouter/internal/dsp"
	"github.com/tphakala/screamrouter/internal/errors"
	"github.com/tphakala/screamrouter/internal/logging"
	"github.com/tphakala/screamrouter/internal/queue"
)

// popDeadline bounds how long the processor blocks on its input queue
// before re-checking its command queue and stop signal.
const popDeadline = 50 * time.Millisecond

// commandQueueCapacity bounds a processor's non-blocking command queue.
const commandQueueCapacity = 64

// OutputSink is the fan-out target a processor pushes finished chunks to;
// internal/sink's mixer input queues satisfy this.
type OutputSink = *queue.Queue[audio.ProcessedAudioChunk]

// Processor is one Source Input Processor instance.
type Processor struct {
	instanceID   string
	outputFormat dsp.AudioFormat

	input    *queue.Queue[audio.TaggedAudioPacket]
	commands *queue.Queue[audio.ControlCommand]

	mu           sync.Mutex
	chain                *dsp.Chain
	inputFormat          dsp.AudioFormat
	volume               float64
	eqGains              [18]float64
	speakerMix           dsp.SpeakerLayout
	speakerMixByChannels map[int]dsp.SpeakerLayout
	processBuf           []int32
	ssrc         uint32
	csrc         []uint32

	sinksMu sync.Mutex
	sinks   map[string]OutputSink

	stopCh  chan struct{}
	stopped chan struct{}
}

// NewProcessor builds a Processor targeting outputFormat. The DSP chain is
// built lazily on the first packet, once the source's actual input format
// is known.
func NewProcessor(instanceID string, outputFormat dsp.AudioFormat) *Processor {
	p := &Processor{
		instanceID:   instanceID,
		outputFormat: outputFormat,
		input:        queue.New[audio.TaggedAudioPacket](2048),
		commands:     queue.New[audio.ControlCommand](commandQueueCapacity),
		volume:       1.0,
		sinks:        make(map[string]OutputSink),
	}
	for i := range p.eqGains {
		p.eqGains[i] = 1.0
	}
	return p
}

// InputQueue returns the queue receivers/the timeshift manager push
// released packets into.
func (p *Processor) InputQueue() *queue.Queue[audio.TaggedAudioPacket] {
	return p.input
}

// Enqueue submits a ControlCommand for the next processing iteration.
func (p *Processor) Enqueue(cmd audio.ControlCommand) {
	p.commands.Push(cmd)
}

// AddSink registers a sink's mixer input queue for fan-out.
func (p *Processor) AddSink(sinkID string, q OutputSink) {
	p.sinksMu.Lock()
	defer p.sinksMu.Unlock()
	p.sinks[sinkID] = q
}

// RemoveSink unregisters a sink.
func (p *Processor) RemoveSink(sinkID string) {
	p.sinksMu.Lock()
	defer p.sinksMu.Unlock()
	delete(p.sinks, sinkID)
}

// Start launches the processor's single processing goroutine.
func (p *Processor) Start() {
	p.stopCh = make(chan struct{})
	p.stopped = make(chan struct{})
	go p.run()
}

// Stop signals the processing goroutine to exit and waits for it.
func (p *Processor) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	<-p.stopped
}

func (p *Processor) run() {
	defer close(p.stopped)
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		p.drainCommands()

		pkt, ok := p.input.Pop(popDeadline)
		if !ok {
			continue
		}
		p.handlePacket(pkt)
	}
}

func (p *Processor) drainCommands() {
	for {
		cmd, ok := p.commands.TryPop()
		if !ok {
			return
		}
		p.apply(cmd)
	}
}

func (p *Processor) apply(cmd audio.ControlCommand) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch cmd.Kind {
	case audio.SetVolume:
		p.volume = cmd.Volume
		if p.chain != nil {
			p.chain.SetVolume(cmd.Volume)
		}
	case audio.SetEQ:
		p.eqGains = cmd.EQGains
		if p.chain != nil {
			if err := p.chain.SetEQGains(cmd.EQGains); err != nil {
				logging.Warn("source: rejecting EQ update, reverting to last good configuration",
					"instance_id", p.instanceID, "error", err)
			}
		}
	case audio.SetSpeakerMix:
		// Speaker layouts are keyed by input channel count (spec's
		// SourceConfig "speaker-layout maps"): a layout set for key N only
		// takes effect once the source is actually receiving N-channel
		// audio, so it doesn't clobber whatever layout applies to the
		// channel count currently in use.
		if p.speakerMixByChannels == nil {
			p.speakerMixByChannels = make(map[int]dsp.SpeakerLayout)
		}
		p.speakerMixByChannels[cmd.MixKey] = cmd.MixLayout
		if p.chain != nil && p.inputFormat.Channels == cmd.MixKey {
			p.speakerMix = cmd.MixLayout
			p.chain.SetSpeakerMix(cmd.MixLayout)
		}
	case audio.SetDelay, audio.SetTimeshift:
		// Routed to the timeshift manager by the Audio Manager before
		// reaching this processor; nothing to do here.
	}
}

func (p *Processor) handlePacket(pkt audio.TaggedAudioPacket) {
	if !pkt.Valid() {
		logging.Warn("source: dropping malformed packet", "instance_id", p.instanceID)
		return
	}

	p.mu.Lock()
	if err := p.checkFormatAndReconfigure(pkt.Format); err != nil {
		p.mu.Unlock()
		logging.Error("source: DSP reconfiguration failed, keeping last good configuration",
			"instance_id", p.instanceID, "error", err)
		return
	}
	chunk, err := p.chain.Process(pkt.Payload)
	p.processBuf = append(p.processBuf, chunk...)
	p.ssrc = pkt.SSRC
	p.csrc = pkt.CSRC

	var toEmit [][]int32
	for len(p.processBuf) >= audio.OutputChunkSamples {
		toEmit = append(toEmit, append([]int32(nil), p.processBuf[:audio.OutputChunkSamples]...))
		p.processBuf = p.processBuf[audio.OutputChunkSamples:]
	}
	ssrc, csrc := p.ssrc, p.csrc
	p.mu.Unlock()

	if err != nil {
		logging.Error("source: DSP chain failed on packet, dropping", "instance_id", p.instanceID, "error", err)
		return
	}

	for _, samples := range toEmit {
		p.fanOut(audio.ProcessedAudioChunk{Samples: samples, SSRC: ssrc, CSRC: csrc})
	}
}

// checkFormatAndReconfigure rebuilds the DSP chain when the packet's
// declared format differs from the chain currently in use, keeping the
// last good chain if the rebuild fails. Must be called with p.mu held.
func (p *Processor) checkFormatAndReconfigure(format dsp.AudioFormat) error {
	if p.chain != nil && format == p.inputFormat {
		return nil
	}
	if !format.Valid() {
		if p.chain != nil {
			return nil // keep the last good configuration
		}
		return errors.New(errInvalidFormat(format)).Category(errors.CategoryValidation).
			Component("source").Build()
	}

	speakerMix := p.speakerMix
	if layout, ok := p.speakerMixByChannels[format.Channels]; ok {
		speakerMix = layout
	}

	cfg := dsp.ChainConfig{
		InputFormat:    format,
		OutputRate:     p.outputFormat.SampleRate,
		OutputChannels: p.outputFormat.Channels,
		Volume:         p.volume,
		EQGains:        p.eqGains,
		SpeakerMix:     speakerMix,
	}
	chain, err := dsp.NewChain(cfg)
	if err != nil {
		return errors.New(err).Category(errors.CategoryConfiguration).Component("source").Build()
	}
	p.chain = chain
	p.inputFormat = format
	return nil
}

func errInvalidFormat(format dsp.AudioFormat) error {
	return fmt.Errorf("source: invalid input format %s and no prior configuration to fall back to", format)
}

func (p *Processor) fanOut(chunk audio.ProcessedAudioChunk) {
	p.sinksMu.Lock()
	defer p.sinksMu.Unlock()
	for sinkID, q := range p.sinks {
		if dropped := q.Push(chunk); dropped {
			logging.Warn("source: sink input queue full, dropped oldest chunk",
				"instance_id", p.instanceID, "sink_id", sinkID)
		}
	}
}
