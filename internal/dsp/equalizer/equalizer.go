// Package equalizer implements cascaded RBJ-style biquad filters: the
// primitive shared by the source processor's DC-removal high-pass and its
// 18-band graphic equalizer.
package equalizer

import (
	"fmt"
	"math"
)

// FilterType names the RBJ biquad design a Filter was built from.
type FilterType string

const (
	LowPass  FilterType = "lowpass"
	HighPass FilterType = "highpass"
	BandPass FilterType = "bandpass"
	Peaking  FilterType = "peaking"
)

// Filter is a single (possibly multi-pass) biquad IIR filter with
// precomputed normalized coefficients and per-channel state, applied via
// direct-form-I difference equation.
type Filter struct {
	name FilterType

	b0a0, b1a0, b2a0 float64
	a1a0, a2a0       float64
	passes           int

	in1, in2, out1, out2 []float64
}

// IsZero reports whether f is the unconstructed zero value.
func (f *Filter) IsZero() bool {
	return f == nil || f.name == ""
}

// NewFilter builds a Filter from raw (unnormalized) biquad coefficients,
// normalizing by a0 and allocating per-channel state for channels streams.
func NewFilter(name FilterType, a0, a1, a2, b0, b1, b2 float64, channels int) *Filter {
	if channels < 1 {
		channels = 1
	}
	return &Filter{
		name:   name,
		b0a0:   b0 / a0,
		b1a0:   b1 / a0,
		b2a0:   b2 / a0,
		a1a0:   a1 / a0,
		a2a0:   a2 / a0,
		passes: 1,
		in1:    make([]float64, channels),
		in2:    make([]float64, channels),
		out1:   make([]float64, channels),
		out2:   make([]float64, channels),
	}
}

// ApplyBatch filters samples in place. When the filter was built with more
// than one pass, the whole batch is re-filtered through the same running
// state that many times, cascading the attenuation.
func (f *Filter) ApplyBatch(samples []float64) {
	if f.IsZero() || len(samples) == 0 {
		return
	}
	n := len(f.in1)
	for p := 0; p < f.passes; p++ {
		for i, x := range samples {
			ch := i % n
			y := f.b0a0*x + f.b1a0*f.in1[ch] + f.b2a0*f.in2[ch] - f.a1a0*f.out1[ch] - f.a2a0*f.out2[ch]
			f.in2[ch] = f.in1[ch]
			f.in1[ch] = x
			f.out2[ch] = f.out1[ch]
			f.out1[ch] = y
			samples[i] = y
		}
	}
}

func rbjCommon(sampleRate, freq, q float64) (w0, cosw0, alpha float64, err error) {
	if sampleRate <= 0 || freq <= 0 || freq >= sampleRate/2 {
		return 0, 0, 0, fmt.Errorf("equalizer: invalid sampleRate=%v freq=%v", sampleRate, freq)
	}
	if q <= 0 {
		return 0, 0, 0, fmt.Errorf("equalizer: invalid Q %v", q)
	}
	w0 = 2 * math.Pi * freq / sampleRate
	cosw0 = math.Cos(w0)
	alpha = math.Sin(w0) / (2 * q)
	return w0, cosw0, alpha, nil
}

// NewLowPass builds an RBJ lowpass filter cascaded passes times, with
// per-channel state for an interleaved stream of channels channels.
func NewLowPass(sampleRate, cutoff, q float64, passes, channels int) (*Filter, error) {
	if passes < 1 {
		return nil, fmt.Errorf("equalizer: passes must be >= 1, got %d", passes)
	}
	_, cosw0, alpha, err := rbjCommon(sampleRate, cutoff, q)
	if err != nil {
		return nil, err
	}
	b0 := (1 - cosw0) / 2
	b1 := 1 - cosw0
	b2 := (1 - cosw0) / 2
	a0 := 1 + alpha
	a1 := -2 * cosw0
	a2 := 1 - alpha
	f := NewFilter(LowPass, a0, a1, a2, b0, b1, b2, channels)
	f.passes = passes
	return f, nil
}

// NewHighPass builds an RBJ highpass filter cascaded passes times, with
// per-channel state for an interleaved stream of channels channels.
func NewHighPass(sampleRate, cutoff, q float64, passes, channels int) (*Filter, error) {
	if passes < 1 {
		return nil, fmt.Errorf("equalizer: passes must be >= 1, got %d", passes)
	}
	_, cosw0, alpha, err := rbjCommon(sampleRate, cutoff, q)
	if err != nil {
		return nil, err
	}
	b0 := (1 + cosw0) / 2
	b1 := -(1 + cosw0)
	b2 := (1 + cosw0) / 2
	a0 := 1 + alpha
	a1 := -2 * cosw0
	a2 := 1 - alpha
	f := NewFilter(HighPass, a0, a1, a2, b0, b1, b2, channels)
	f.passes = passes
	return f, nil
}

// NewBandPass builds an RBJ constant-skirt-gain bandpass filter, with
// per-channel state for an interleaved stream of channels channels.
func NewBandPass(sampleRate, centerFreq, q float64, passes, channels int) (*Filter, error) {
	if passes < 1 {
		return nil, fmt.Errorf("equalizer: passes must be >= 1, got %d", passes)
	}
	_, cosw0, alpha, err := rbjCommon(sampleRate, centerFreq, q)
	if err != nil {
		return nil, err
	}
	b0 := alpha
	b1 := 0.0
	b2 := -alpha
	a0 := 1 + alpha
	a1 := -2 * cosw0
	a2 := 1 - alpha
	f := NewFilter(BandPass, a0, a1, a2, b0, b1, b2, channels)
	f.passes = passes
	return f, nil
}

// NewPeaking builds an RBJ peaking EQ filter with gainDB applied at
// centerFreq, the building block of the 18-band graphic equalizer.
func NewPeaking(sampleRate, centerFreq, q, gainDB float64, passes, channels int) (*Filter, error) {
	if passes < 1 {
		return nil, fmt.Errorf("equalizer: passes must be >= 1, got %d", passes)
	}
	_, cosw0, alpha, err := rbjCommon(sampleRate, centerFreq, q)
	if err != nil {
		return nil, err
	}
	a := math.Pow(10, gainDB/40)
	b0 := 1 + alpha*a
	b1 := -2 * cosw0
	b2 := 1 - alpha*a
	a0 := 1 + alpha/a
	a1 := -2 * cosw0
	a2 := 1 - alpha/a
	f := NewFilter(Peaking, a0, a1, a2, b0, b1, b2, channels)
	f.passes = passes
	return f, nil
}

// FilterChain runs a sequence of filters over the same buffer, each
// consuming the previous stage's output.
type FilterChain struct {
	filters []*Filter
}

// NewFilterChain returns an empty chain.
func NewFilterChain() *FilterChain {
	return &FilterChain{}
}

// Length returns the number of filters currently in the chain.
func (fc *FilterChain) Length() int {
	return len(fc.filters)
}

// AddFilter appends f to the chain.
func (fc *FilterChain) AddFilter(f *Filter) error {
	if f == nil || f.IsZero() {
		return fmt.Errorf("equalizer: cannot add a nil or zero-value filter to a chain")
	}
	fc.filters = append(fc.filters, f)
	return nil
}

// ApplyBatch runs every filter in the chain over samples, in place, in
// series.
func (fc *FilterChain) ApplyBatch(samples []float64) {
	for _, f := range fc.filters {
		f.ApplyBatch(samples)
	}
}
