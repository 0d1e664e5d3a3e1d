package dsp

import (
	"encoding/binary"
	"testing"

	"github.com/tphakala/screamrouter/internal/dsp/equalizer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flatGains() [equalizer.NumBands]float64 {
	var g [equalizer.NumBands]float64
	for i := range g {
		g[i] = 1.0
	}
	return g
}

func int16Payload(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(s))
	}
	return buf
}

// An identity-configured chain (unity volume, flat EQ, no resample, no
// remix) should reproduce its input samples closely once the DC-removal
// filter has settled, never with a gross distortion.
func TestChainIdentityConfigPreservesSamples(t *testing.T) {
	t.Parallel()

	cfg := ChainConfig{
		InputFormat:    AudioFormat{SampleRate: 48000, Channels: 2, BitDepth: 16},
		OutputRate:     48000,
		OutputChannels: 2,
		Volume:         1.0,
		EQGains:        flatGains(),
	}
	chain, err := NewChain(cfg)
	require.NoError(t, err)

	raw := make([]int16, 576)
	for i := range raw {
		raw[i] = int16((i*37)%30000 - 15000)
	}
	payload := int16Payload(raw)

	out, err := chain.Process(payload)
	require.NoError(t, err)
	require.Len(t, out, len(raw))

	// The DC-removal high-pass is still settling over the first samples of
	// a chunk (its 5Hz cutoff implies a time constant far longer than one
	// 576-sample chunk), so only the tail is checked, with a tolerance wide
	// enough to absorb the filter's near-cutoff rolloff.
	const peak = 15000.0 / 32768 * (1<<31 - 1)
	for i := 200; i < len(raw); i++ {
		want := (float64(raw[i]) / 32768) * (1<<31 - 1)
		assert.InDelta(t, want, float64(out[i]), peak*0.1, "sample %d drifted too far from identity", i)
	}
}

func TestChainResamplesWhenRatesDiffer(t *testing.T) {
	t.Parallel()

	cfg := ChainConfig{
		InputFormat:    AudioFormat{SampleRate: 24000, Channels: 1, BitDepth: 16},
		OutputRate:     48000,
		OutputChannels: 1,
		Volume:         1.0,
		EQGains:        flatGains(),
	}
	chain, err := NewChain(cfg)
	require.NoError(t, err)
	assert.True(t, chain.needResample)

	raw := make([]int16, 480)
	payload := int16Payload(raw)
	out, err := chain.Process(payload)
	require.NoError(t, err)
	assert.InDelta(t, 960, len(out), 4)
}

func TestChainRemixesWhenChannelsDiffer(t *testing.T) {
	t.Parallel()

	cfg := ChainConfig{
		InputFormat:    AudioFormat{SampleRate: 48000, Channels: 1, BitDepth: 16},
		OutputRate:     48000,
		OutputChannels: 2,
		Volume:         1.0,
		EQGains:        flatGains(),
	}
	chain, err := NewChain(cfg)
	require.NoError(t, err)

	raw := []int16{10000}
	payload := int16Payload(raw)
	out, err := chain.Process(payload)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, out[0], out[1])
}

func TestChainSetVolumeZeroResetsToUnity(t *testing.T) {
	t.Parallel()

	cfg := ChainConfig{
		InputFormat:    AudioFormat{SampleRate: 48000, Channels: 1, BitDepth: 16},
		OutputRate:     48000,
		OutputChannels: 1,
		EQGains:        flatGains(),
	}
	chain, err := NewChain(cfg)
	require.NoError(t, err)
	chain.SetVolume(0)
	assert.Equal(t, 1.0, chain.cfg.Volume)
}

func TestChainSetEQGainsTracksFlatness(t *testing.T) {
	t.Parallel()

	cfg := ChainConfig{
		InputFormat:    AudioFormat{SampleRate: 48000, Channels: 1, BitDepth: 16},
		OutputRate:     48000,
		OutputChannels: 1,
		EQGains:        flatGains(),
	}
	chain, err := NewChain(cfg)
	require.NoError(t, err)
	assert.True(t, chain.isEQFlat)

	boosted := flatGains()
	boosted[0] = 2.0
	require.NoError(t, chain.SetEQGains(boosted))
	assert.False(t, chain.isEQFlat)
}
