package dsp

import "github.com/tphakala/screamrouter/internal/dsp/equalizer"

// DCBlockerCutoffHz is the cutoff frequency of the per-channel DC-removal
// high-pass stage; low enough to leave audible content untouched while
// still draining any DC offset a source introduces.
const DCBlockerCutoffHz = 5.0

// DCBlocker removes DC offset from an interleaved stream with a persistent
// per-channel high-pass filter. It wraps an equalizer.Filter rather than
// reimplementing the biquad math.
type DCBlocker struct {
	filter *equalizer.Filter
}

// NewDCBlocker builds a DC blocker for the given sample rate and channel
// count.
func NewDCBlocker(sampleRate float64, channels int) (*DCBlocker, error) {
	f, err := equalizer.NewHighPass(sampleRate, DCBlockerCutoffHz, 0.707, 1, channels)
	if err != nil {
		return nil, err
	}
	return &DCBlocker{filter: f}, nil
}

// ApplyBatch removes DC offset from samples in place.
func (d *DCBlocker) ApplyBatch(samples []float64) {
	d.filter.ApplyBatch(samples)
}
