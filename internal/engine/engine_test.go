package engine

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/screamrouter/internal/audio"
	"github.com/tphakala/screamrouter/internal/dsp"
	"github.com/tphakala/screamrouter/internal/receiver"
	"github.com/tphakala/screamrouter/internal/sink"
	"github.com/tphakala/screamrouter/internal/wire/scream"
)

// TestMain verifies every receiver/source/sink goroutine this package
// starts is actually stopped by Shutdown before the test binary exits.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func listenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func stereoFormat() dsp.AudioFormat {
	return dsp.AudioFormat{SampleRate: 48000, BitDepth: 16, Channels: 2}
}

func TestEndToEndRawScreamPassthrough(t *testing.T) {
	t.Parallel()

	e := New()
	require.NoError(t, e.Initialize(0, 1))
	defer e.Shutdown()

	listener := listenUDP(t)

	instanceID, err := e.ConfigureSource(SourceConfig{
		SourceTag:    "192.0.2.1",
		OutputFormat: stereoFormat(),
		Volume:       1.0,
	})
	require.NoError(t, err)

	require.NoError(t, e.AddSink(SinkConfig{
		SinkID:       "sink1",
		OutputFormat: stereoFormat(),
		Protocol:     sink.ProtocolScream,
		Destination:  listener.LocalAddr().String(),
		GracePeriod:  20 * time.Millisecond,
	}))

	require.NoError(t, e.Connect(instanceID, "sink1"))

	payload := make([]byte, audio.PacketPayloadSize)
	for i := range payload {
		payload[i] = byte(i % 7)
	}
	pkt := audio.TaggedAudioPacket{
		SourceTag:    "192.0.2.1",
		Payload:      payload,
		ReceivedTime: time.Now(),
		Format:       stereoFormat(),
	}
	require.NoError(t, e.InjectPacket(pkt, ""))

	buf := make([]byte, 2048)
	listener.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, err := listener.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, scream.RawFrameSize, n)

	hdr, _, err := scream.ParseRawFrame(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, 48000, hdr.SampleRate)
	assert.Equal(t, 2, hdr.Channels)
}

func TestConfigureSourceGeneratesInstanceIDWhenEmpty(t *testing.T) {
	t.Parallel()

	e := New()
	require.NoError(t, e.Initialize(0, 1))
	defer e.Shutdown()

	id1, err := e.ConfigureSource(SourceConfig{SourceTag: "a", OutputFormat: stereoFormat()})
	require.NoError(t, err)
	id2, err := e.ConfigureSource(SourceConfig{SourceTag: "b", OutputFormat: stereoFormat()})
	require.NoError(t, err)

	assert.NotEmpty(t, id1)
	assert.NotEmpty(t, id2)
	assert.NotEqual(t, id1, id2)
}

func TestConnectToUnknownSourceOrSinkFails(t *testing.T) {
	t.Parallel()

	e := New()
	require.NoError(t, e.Initialize(0, 1))
	defer e.Shutdown()

	err := e.Connect("ghost-source", "ghost-sink")
	assert.Error(t, err)
}

func TestRemoveSourceTearsDownEdges(t *testing.T) {
	t.Parallel()

	e := New()
	require.NoError(t, e.Initialize(0, 1))
	defer e.Shutdown()

	listener := listenUDP(t)
	instanceID, err := e.ConfigureSource(SourceConfig{SourceTag: "tag-a", OutputFormat: stereoFormat()})
	require.NoError(t, err)
	require.NoError(t, e.AddSink(SinkConfig{
		SinkID:       "sinkX",
		OutputFormat: stereoFormat(),
		Protocol:     sink.ProtocolScream,
		Destination:  listener.LocalAddr().String(),
		GracePeriod:  10 * time.Millisecond,
	}))
	require.NoError(t, e.Connect(instanceID, "sinkX"))

	require.NoError(t, e.RemoveSource(instanceID))

	// instanceID no longer exists, so any setter on it must now fail.
	assert.Error(t, e.SetVolume(instanceID, 0.5))
}

func TestSetVolumeUnknownInstanceFails(t *testing.T) {
	t.Parallel()

	e := New()
	require.NoError(t, e.Initialize(0, 1))
	defer e.Shutdown()

	assert.Error(t, e.SetVolume("ghost", 0.5))
}

func TestShutdownStopsEverythingWithinBudget(t *testing.T) {
	t.Parallel()

	e := New()
	require.NoError(t, e.Initialize(0, 1))

	for i := 0; i < 3; i++ {
		require.NoError(t, e.AddReceiver(ReceiverConfig{
			Variant:    receiver.VariantRawScream,
			ListenAddr: fmt.Sprintf("127.0.0.1:%d", 41100+i),
		}))
	}
	for i := 0; i < 5; i++ {
		_, err := e.ConfigureSource(SourceConfig{SourceTag: "src", OutputFormat: stereoFormat()})
		require.NoError(t, err)
	}
	for i := 0; i < 4; i++ {
		listener := listenUDP(t)
		require.NoError(t, e.AddSink(SinkConfig{
			SinkID:       listener.LocalAddr().String(),
			OutputFormat: stereoFormat(),
			Protocol:     sink.ProtocolScream,
			Destination:  listener.LocalAddr().String(),
		}))
	}

	done := make(chan struct{})
	go func() {
		e.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete within 2s")
	}
}

func TestPollMP3UnknownSinkFails(t *testing.T) {
	t.Parallel()

	e := New()
	require.NoError(t, e.Initialize(0, 1))
	defer e.Shutdown()

	_, err := e.PollMP3("ghost")
	assert.Error(t, err)
}

func TestRateAdjusterAppliesToConnectedSourcesWithoutCompoundingBaseline(t *testing.T) {
	t.Parallel()

	e := New()
	require.NoError(t, e.Initialize(0, 1))
	defer e.Shutdown()

	instanceID, err := e.ConfigureSource(SourceConfig{SourceTag: "tag", OutputFormat: stereoFormat(), BackshiftSec: 2.0})
	require.NoError(t, err)

	listener := listenUDP(t)
	require.NoError(t, e.AddSink(SinkConfig{
		SinkID:       "sinkA",
		OutputFormat: stereoFormat(),
		Protocol:     sink.ProtocolScream,
		Destination:  listener.LocalAddr().String(),
	}))
	require.NoError(t, e.Connect(instanceID, "sinkA"))

	adjuster := &rateAdjuster{engine: e}
	adjuster.ApplyRateAdjustment("sinkA", 0.99)
	adjuster.ApplyRateAdjustment("sinkA", 1.01)

	e.mu.Lock()
	baseline := e.sourceBackshift[instanceID]
	e.mu.Unlock()
	assert.Equal(t, 2.0, baseline, "rate adjustments must scale the stable baseline, never overwrite it")
}

func TestRateAdjusterIgnoresSinkWithNoConnectedSources(t *testing.T) {
	t.Parallel()

	e := New()
	require.NoError(t, e.Initialize(0, 1))
	defer e.Shutdown()

	listener := listenUDP(t)
	require.NoError(t, e.AddSink(SinkConfig{
		SinkID:       "sinkB",
		OutputFormat: stereoFormat(),
		Protocol:     sink.ProtocolScream,
		Destination:  listener.LocalAddr().String(),
	}))

	adjuster := &rateAdjuster{engine: e}
	assert.NotPanics(t, func() { adjuster.ApplyRateAdjustment("sinkB", 1.0) })
}
