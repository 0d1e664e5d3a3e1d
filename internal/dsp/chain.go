package dsp

import (
	"fmt"

	"github.com/tphakala/screamrouter/internal/dsp/equalizer"
)

// ChainConfig describes one source processor's DSP chain end to end: the
// wire format the source is currently sending, the format chunks are
// produced in, and the currently configured processing parameters.
type ChainConfig struct {
	InputFormat  AudioFormat
	OutputRate   int
	OutputChannels int
	Volume       float64
	EQGains      [equalizer.NumBands]float64
	SpeakerMix   SpeakerLayout
}

// Chain implements the source processor's per-packet DSP pipeline: scale to
// float64, remove DC offset, apply volume with soft-clip saturation,
// resample, remix channels, run the 18-band graphic EQ, then assemble a
// fixed-length 32-bit interleaved chunk. Stages whose configuration reduces
// to the identity operation are skipped; DC removal always runs, so an
// unconfigured source pays for the scale, DC-removal and assemble steps.
type Chain struct {
	cfg ChainConfig

	dc            *DCBlocker
	resampler     *Resampler
	eq            *equalizer.GraphicEQ
	isEQFlat      bool
	needResample  bool
	mixConfigured bool
}

// NewChain builds a Chain for the given configuration.
func NewChain(cfg ChainConfig) (*Chain, error) {
	if !cfg.InputFormat.Valid() {
		return nil, fmt.Errorf("dsp: invalid input format %s", cfg.InputFormat)
	}
	if cfg.OutputChannels < 1 || cfg.OutputChannels > MaxLayoutChannels {
		return nil, fmt.Errorf("dsp: invalid output channel count %d", cfg.OutputChannels)
	}
	if cfg.Volume == 0 {
		cfg.Volume = 1.0
	}

	dc, err := NewDCBlocker(float64(cfg.InputFormat.SampleRate), cfg.InputFormat.Channels)
	if err != nil {
		return nil, fmt.Errorf("dsp: building DC blocker: %w", err)
	}

	eq, err := equalizer.NewGraphicEQ(float64(cfg.OutputRate), cfg.OutputChannels)
	if err != nil {
		return nil, fmt.Errorf("dsp: building graphic EQ: %w", err)
	}

	c := &Chain{
		cfg:      cfg,
		dc:       dc,
		eq:       eq,
		isEQFlat: true,
	}

	if cfg.InputFormat.SampleRate != cfg.OutputRate {
		c.resampler = newResampler(cfg.InputFormat.SampleRate, cfg.OutputRate, cfg.InputFormat.Channels)
		c.needResample = true
	}

	if err := c.SetEQGains(cfg.EQGains); err != nil {
		return nil, err
	}

	c.mixConfigured = cfg.SpeakerMix.AutoMode || cfg.SpeakerMix.Matrix != ([MaxLayoutChannels][MaxLayoutChannels]float64{})

	return c, nil
}

// SetVolume updates the chain's linear gain applied before soft-clip.
func (c *Chain) SetVolume(gain float64) {
	if gain == 0 {
		gain = 1.0
	}
	c.cfg.Volume = gain
}

// SetSpeakerMix replaces the chain's channel remix matrix. Once called,
// Process always runs the remix stage, even if the new layout happens to
// equal the input/output channel count's identity mapping.
func (c *Chain) SetSpeakerMix(layout SpeakerLayout) {
	c.cfg.SpeakerMix = layout
	c.mixConfigured = true
}

// SetEQGains rebuilds the graphic EQ for new linear band gains (1.0 == 0dB)
// and records whether the result is a flat passthrough, so Process can
// skip the EQ stage entirely.
func (c *Chain) SetEQGains(gains [equalizer.NumBands]float64) error {
	flat := true
	for _, g := range gains {
		if g != 1.0 {
			flat = false
			break
		}
	}
	if err := c.eq.SetGains(gains); err != nil {
		return fmt.Errorf("dsp: setting EQ gains: %w", err)
	}
	c.cfg.EQGains = gains
	c.isEQFlat = flat
	return nil
}

// Process runs one raw PCM payload through the full chain and returns a
// 32-bit interleaved chunk with c.cfg.OutputChannels channels. The output
// frame count depends on the resample ratio and is not fixed per call;
// callers accumulate Process's output into OUTPUT_CHUNK_SAMPLES-sized
// chunks before handing them to sinks.
func (c *Chain) Process(payload []byte) ([]int32, error) {
	samples, err := ScaleToInt32(payload, c.cfg.InputFormat.BitDepth)
	if err != nil {
		return nil, fmt.Errorf("dsp: scaling input: %w", err)
	}
	defer ReleaseFloat64Buffer(samples)

	c.dc.ApplyBatch(samples)

	if c.cfg.Volume != 1.0 {
		ApplyVolume(samples, c.cfg.Volume)
	}

	working := samples
	if c.needResample {
		working = c.resampler.Process(working)
	}

	inChannels := c.cfg.InputFormat.Channels
	if c.cfg.OutputChannels != inChannels || c.mixConfigured {
		layout := c.cfg.SpeakerMix
		if !c.mixConfigured {
			layout = AutoLayout()
		}
		working = Remix(working, inChannels, c.cfg.OutputChannels, layout)
	}

	if !c.isEQFlat {
		c.eq.ApplyBatch(working)
	}

	return AssembleChunk(working), nil
}
