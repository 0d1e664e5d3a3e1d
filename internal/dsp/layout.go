package dsp

// MaxLayoutChannels bounds the speaker mix matrix to the engine's maximum
// channel count.
const MaxLayoutChannels = 8

// SpeakerLayout is an 8x8 mix matrix: Matrix[out][in] is the gain applied to
// input channel `in` when producing output channel `out`. A layout with
// AutoMode set asks the source processor to derive the matrix itself from
// the input and output channel counts (mono-to-stereo duplication,
// stereo-to-5.1 center/LFE silence, etc.) instead of using Matrix.
type SpeakerLayout struct {
	AutoMode bool
	Matrix   [MaxLayoutChannels][MaxLayoutChannels]float64
}

// IdentityLayout returns a layout that passes the first n channels through
// unchanged and silences the rest.
func IdentityLayout(n int) SpeakerLayout {
	var l SpeakerLayout
	for i := 0; i < n && i < MaxLayoutChannels; i++ {
		l.Matrix[i][i] = 1.0
	}
	return l
}

// AutoLayout returns the zero-value matrix with AutoMode set, deferring the
// mix rule to autoMatrix.
func AutoLayout() SpeakerLayout {
	return SpeakerLayout{AutoMode: true}
}

// Equal reports whether two layouts specify the same mix: two AutoMode
// layouts are always equal; otherwise the matrices are compared
// element-wise.
func (l SpeakerLayout) Equal(o SpeakerLayout) bool {
	if l.AutoMode && o.AutoMode {
		return true
	}
	return l.Matrix == o.Matrix
}

// autoMatrix derives a reasonable channel-remix matrix when AutoMode is set;
// any Matrix stored in the layout is then ignored. It implements the common cases: same
// channel count (passthrough), mono up to N channels (duplicate to all),
// and N down to mono (equal-weight sum), falling back to a left/right
// preserving passthrough-with-silence for anything else.
func autoMatrix(inChannels, outChannels int) [MaxLayoutChannels][MaxLayoutChannels]float64 {
	var m [MaxLayoutChannels][MaxLayoutChannels]float64
	switch {
	case inChannels == outChannels:
		for i := 0; i < outChannels; i++ {
			m[i][i] = 1.0
		}
	case inChannels == 1:
		for i := 0; i < outChannels; i++ {
			m[i][0] = 1.0
		}
	case outChannels == 1:
		gain := 1.0 / float64(inChannels)
		for i := 0; i < inChannels; i++ {
			m[0][i] = gain
		}
	default:
		n := inChannels
		if outChannels < n {
			n = outChannels
		}
		for i := 0; i < n; i++ {
			m[i][i] = 1.0
		}
	}
	return m
}

// Remix applies the layout's matrix to an interleaved input buffer with
// inChannels channels, producing an interleaved buffer with outChannels
// channels. If layout.AutoMode is set, the matrix is derived on the fly via
// autoMatrix instead of using layout.Matrix.
func Remix(input []float64, inChannels, outChannels int, layout SpeakerLayout) []float64 {
	if inChannels == outChannels && !layout.AutoMode && layout.Equal(IdentityLayout(inChannels)) {
		return input
	}

	matrix := layout.Matrix
	if layout.AutoMode {
		matrix = autoMatrix(inChannels, outChannels)
	}

	frames := len(input) / inChannels
	out := AcquireFloat64Buffer(frames * outChannels)
	for f := 0; f < frames; f++ {
		inBase := f * inChannels
		outBase := f * outChannels
		for o := 0; o < outChannels; o++ {
			var sum float64
			for i := 0; i < inChannels; i++ {
				sum += matrix[o][i] * input[inBase+i]
			}
			out[outBase+o] = sum
		}
	}
	return out
}
