package equalizer

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterIsZero(t *testing.T) {
	t.Parallel()

	f := &Filter{}
	assert.True(t, f.IsZero())

	lp, err := NewLowPass(48000, 1000, 0.707, 1, 1)
	require.NoError(t, err)
	assert.False(t, lp.IsZero())
}

func TestNewFilterCoefficients(t *testing.T) {
	t.Parallel()

	f := NewFilter(LowPass, 1.0, 0.5, 0.25, 0.1, 0.2, 0.3, 2)
	assert.InDelta(t, 0.1, f.b0a0, 1e-10)
	assert.InDelta(t, 0.2, f.b1a0, 1e-10)
	assert.InDelta(t, 0.3, f.b2a0, 1e-10)
	assert.InDelta(t, 0.5, f.a1a0, 1e-10)
	assert.InDelta(t, 0.25, f.a2a0, 1e-10)
	assert.Len(t, f.in1, 2)
	assert.Len(t, f.out2, 2)
}

func TestFilterApplyBatchInPlace(t *testing.T) {
	t.Parallel()

	f, err := NewLowPass(48000, 1000, 0.707, 1, 1)
	require.NoError(t, err)

	input := []float64{1.0, 0.5, 0.0, -0.5, -1.0}
	addr := &input[0]
	f.ApplyBatch(input)
	assert.Equal(t, addr, &input[0])
}

func TestLowPassPassesDC(t *testing.T) {
	t.Parallel()

	f, err := NewLowPass(48000, 1000, 0.707, 1, 1)
	require.NoError(t, err)

	input := make([]float64, 1000)
	for i := range input {
		input[i] = 0.5
	}
	f.ApplyBatch(input)
	for i := 900; i < 1000; i++ {
		assert.InDelta(t, 0.5, input[i], 0.01)
	}
}

func TestHighPassAttenuatesDC(t *testing.T) {
	t.Parallel()

	f, err := NewHighPass(48000, 1000, 0.707, 2, 1)
	require.NoError(t, err)

	input := make([]float64, 10000)
	for i := range input {
		input[i] = 0.5
	}
	f.ApplyBatch(input)

	avg := 0.0
	for i := 9000; i < 10000; i++ {
		avg += math.Abs(input[i])
	}
	avg /= 1000
	assert.Less(t, avg, 0.01)
}

func TestLowPassAttenuatesHighFrequency(t *testing.T) {
	t.Parallel()

	sampleRate, cutoff, highFreq := 48000.0, 1000.0, 10000.0
	f, err := NewLowPass(sampleRate, cutoff, 0.707, 2, 1)
	require.NoError(t, err)

	input := make([]float64, 48000)
	for i := range input {
		input[i] = math.Sin(2 * math.Pi * highFreq * float64(i) / sampleRate)
	}
	rmsBefore := rms(input)
	f.ApplyBatch(input)
	rmsAfter := rms(input[1000:])

	assert.Greater(t, rmsBefore/rmsAfter, 10.0)
}

func TestMorePassesIncreaseAttenuation(t *testing.T) {
	t.Parallel()

	sampleRate, cutoff, testFreq := 48000.0, 1000.0, 5000.0
	for _, tc := range []struct {
		passes   int
		minDBAtt float64
	}{
		{1, 10}, {2, 20}, {4, 35},
	} {
		f, err := NewLowPass(sampleRate, cutoff, 0.707, tc.passes, 1)
		require.NoError(t, err)

		input := make([]float64, 48000)
		for i := range input {
			input[i] = math.Sin(2 * math.Pi * testFreq * float64(i) / sampleRate)
		}
		rmsBefore := rms(input)
		f.ApplyBatch(input)
		rmsAfter := rms(input[5000:])

		attDB := 20 * math.Log10(rmsBefore/rmsAfter)
		assert.Greater(t, attDB, tc.minDBAtt)
	}
}

func TestNewBandPassAndPeaking(t *testing.T) {
	t.Parallel()

	bp, err := NewBandPass(48000, 1000, 1.0, 1, 1)
	require.NoError(t, err)
	assert.NotNil(t, bp)

	pk, err := NewPeaking(48000, 1000, 1.0, 6.0, 1, 1)
	require.NoError(t, err)
	assert.NotNil(t, pk)
}

func TestInvalidPassesRejected(t *testing.T) {
	t.Parallel()

	_, err := NewLowPass(48000, 1000, 0.707, 0, 1)
	require.Error(t, err)
}

func TestFilterChainEmptyIsIdentity(t *testing.T) {
	t.Parallel()

	fc := NewFilterChain()
	assert.Equal(t, 0, fc.Length())

	input := []float64{1, 0.5, 0, -0.5, -1}
	want := append([]float64(nil), input...)
	fc.ApplyBatch(input)
	assert.Equal(t, want, input)
}

func TestFilterChainRejectsInvalidFilters(t *testing.T) {
	t.Parallel()

	fc := NewFilterChain()
	require.Error(t, fc.AddFilter(nil))
	require.Error(t, fc.AddFilter(&Filter{}))

	lp, err := NewLowPass(48000, 1000, 0.707, 1, 1)
	require.NoError(t, err)
	require.NoError(t, fc.AddFilter(lp))
	assert.Equal(t, 1, fc.Length())
}

func TestFilterChainProducesFiniteOutput(t *testing.T) {
	t.Parallel()

	fc := NewFilterChain()
	lp, err := NewLowPass(48000, 2000, 0.707, 1, 1)
	require.NoError(t, err)
	hp, err := NewHighPass(48000, 500, 0.707, 1, 1)
	require.NoError(t, err)
	require.NoError(t, fc.AddFilter(lp))
	require.NoError(t, fc.AddFilter(hp))

	input := make([]float64, 48000)
	for i := range input {
		input[i] = rand.Float64()*2 - 1
	}
	fc.ApplyBatch(input)

	for i, v := range input {
		assert.False(t, math.IsNaN(v), "sample %d is NaN", i)
		assert.False(t, math.IsInf(v, 0), "sample %d is Inf", i)
	}
}

func rms(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range samples {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(samples)))
}
