package dsp

import "math"

// AssembleChunk widens normalized float64 samples in [-1, 1] to full-scale
// 32-bit interleaved samples, clamped but not dithered: the source
// processor hands 32-bit headroom to the sink mixer's summing accumulator,
// and dithering happens once, when the sink downscales the mixed result to
// its sink's actual output bit depth.
func AssembleChunk(samples []float64) []int32 {
	const maxVal = math.MaxInt32
	out := make([]int32, len(samples))
	for i, s := range samples {
		v := s * maxVal
		if v > maxVal {
			v = maxVal
		} else if v < math.MinInt32 {
			v = math.MinInt32
		}
		out[i] = int32(math.Round(v))
	}
	return out
}

// DisassembleChunk narrows full-scale 32-bit interleaved samples back to
// normalized float64 in [-1, 1], the inverse of AssembleChunk, used by the
// sink mixer before it applies per-input gain and sums into its mixing
// accumulator.
func DisassembleChunk(samples []int32) []float64 {
	const maxVal = math.MaxInt32
	out := AcquireFloat64Buffer(len(samples))
	for i, s := range samples {
		out[i] = float64(s) / maxVal
	}
	return out
}
