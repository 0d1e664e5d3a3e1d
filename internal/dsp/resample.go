package dsp

import "math"

// Resampler performs continuous cubic (Catmull-Rom) interpolation
// resampling between two sample rates. It is stateful: a 3-sample history
// per channel and a fractional read position are carried across calls so
// that a stream resampled packet-by-packet stays continuous at packet
// boundaries, with no added latency. Output points near the end of a packet
// use the packet's last sample in place of samples not yet received, so the
// result differs slightly from resampling the whole stream in one shot.
type Resampler struct {
	inRate, outRate, channels int
	pos                       float64
	history                   [][3]float64
}

// NewUpsampler and NewDownsampler both build the same cubic resampler;
// spec.md distinguishes the two by direction of use (input_rate <
// output_rate picks the upsampler path) but the interpolation math is
// identical either way.
func NewUpsampler(inRate, outRate, channels int) *Resampler {
	return newResampler(inRate, outRate, channels)
}

func NewDownsampler(inRate, outRate, channels int) *Resampler {
	return newResampler(inRate, outRate, channels)
}

func newResampler(inRate, outRate, channels int) *Resampler {
	return &Resampler{
		inRate:   inRate,
		outRate:  outRate,
		channels: channels,
		history:  make([][3]float64, channels),
	}
}

// Process resamples one interleaved buffer, consuming and updating the
// resampler's persistent state.
func (r *Resampler) Process(interleaved []float64) []float64 {
	if r.inRate == r.outRate {
		return interleaved
	}
	channels := r.channels
	if channels == 0 || len(interleaved) == 0 {
		return nil
	}
	frames := len(interleaved) / channels
	step := float64(r.inRate) / float64(r.outRate)

	in := make([][]float64, channels)
	for c := 0; c < channels; c++ {
		in[c] = make([]float64, frames)
		for i := 0; i < frames; i++ {
			in[c][i] = interleaved[i*channels+c]
		}
	}

	get := func(c, idx int) float64 {
		switch {
		case idx < 0:
			hi := 3 + idx
			if hi >= 0 && hi < 3 {
				return r.history[c][hi]
			}
			return 0
		case idx < frames:
			return in[c][idx]
		default:
			if frames == 0 {
				return 0
			}
			return in[c][frames-1]
		}
	}

	out := make([]float64, 0, int(float64(frames)/step)*channels+channels)
	pos := r.pos
	for pos < float64(frames) {
		i0 := int(math.Floor(pos))
		t := pos - float64(i0)
		for c := 0; c < channels; c++ {
			p0 := get(c, i0-1)
			p1 := get(c, i0)
			p2 := get(c, i0+1)
			p3 := get(c, i0+2)
			out = append(out, catmullRom(p0, p1, p2, p3, t))
		}
		pos += step
	}
	r.pos = pos - float64(frames)

	for c := 0; c < channels; c++ {
		for k := 0; k < 3; k++ {
			idx := frames - 3 + k
			if idx >= 0 {
				r.history[c][k] = in[c][idx]
			} else {
				r.history[c][k] = 0
			}
		}
	}

	return out
}

func catmullRom(p0, p1, p2, p3, t float64) float64 {
	t2 := t * t
	t3 := t2 * t
	return 0.5 * ((2 * p1) +
		(-p0+p2)*t +
		(2*p0-5*p1+4*p2-p3)*t2 +
		(-p0+3*p1-3*p2+p3)*t3)
}
