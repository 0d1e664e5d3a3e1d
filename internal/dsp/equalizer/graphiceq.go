package equalizer

import "math"

// NumBands is the fixed number of bands in the source processor's graphic
// equalizer.
const NumBands = 18

// bandCenters are the 18 graphic-EQ band center frequencies, roughly
// half-octave spaced between 31 Hz and 11.2 kHz.
var bandCenters = [NumBands]float64{
	31, 44, 63, 88, 125, 175, 250, 350, 500,
	700, 1000, 1400, 2000, 2800, 4000, 5600, 8000, 11200,
}

const bandQ = 1.4

// GraphicEQ is 18 cascaded peaking filters, one per band, applied in
// series to an interleaved stream of channels channels.
type GraphicEQ struct {
	sampleRate float64
	channels   int
	bands      [NumBands]*Filter
}

// NewGraphicEQ builds a flat (all gains 1.0, i.e. 0 dB) graphic EQ for the
// given sample rate and channel count.
func NewGraphicEQ(sampleRate float64, channels int) (*GraphicEQ, error) {
	if channels < 1 {
		channels = 1
	}
	eq := &GraphicEQ{sampleRate: sampleRate, channels: channels}
	var flat [NumBands]float64
	for i := range flat {
		flat[i] = 1.0
	}
	if err := eq.SetGains(flat); err != nil {
		return nil, err
	}
	return eq, nil
}

// SetGains rebuilds every band's peaking filter for linear gains (1.0 ==
// 0 dB, matching the spec's "default flat EQ = all 1.0" convention).
func (eq *GraphicEQ) SetGains(gains [NumBands]float64) error {
	var bands [NumBands]*Filter
	for i, g := range gains {
		gainDB := 20 * math.Log10(math.Max(g, 1e-6))
		f, err := NewPeaking(eq.sampleRate, bandCenters[i], bandQ, gainDB, 1, eq.channels)
		if err != nil {
			return err
		}
		bands[i] = f
	}
	eq.bands = bands
	return nil
}

// ApplyBatch runs all 18 bands over samples, in place, in series.
func (eq *GraphicEQ) ApplyBatch(samples []float64) {
	for _, f := range eq.bands {
		f.ApplyBatch(samples)
	}
}
