package receiver

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/screamrouter/internal/audio"
	"github.com/tphakala/screamrouter/internal/queue"
	"github.com/tphakala/screamrouter/internal/timeshift"
	"github.com/tphakala/screamrouter/internal/wire/scream"
)

func newTestReceiver(t *testing.T, variant Variant) (*Receiver, *timeshift.Manager, *queue.Queue[audio.NewSourceNotification]) {
	t.Helper()

	mgr := timeshift.NewManager(time.Second)
	mgr.Start()
	t.Cleanup(mgr.Stop)

	notifications := queue.New[audio.NewSourceNotification](16)

	r, err := New(Config{
		Variant:       variant,
		ListenAddr:    "127.0.0.1:0",
		Manager:       mgr,
		Notifications: notifications,
	})
	require.NoError(t, err)
	r.Start()
	t.Cleanup(r.Stop)

	return r, mgr, notifications
}

func subscribeAndAwait(t *testing.T, mgr *timeshift.Manager, sourceTag string) *queue.Queue[audio.TaggedAudioPacket] {
	t.Helper()
	q := queue.New[audio.TaggedAudioPacket](16)
	require.NoError(t, mgr.Subscribe("inst-1", sourceTag, q, 0, 0))
	return q
}

func dial(t *testing.T, r *Receiver) *net.UDPConn {
	t.Helper()
	conn, err := net.Dial("udp", r.LocalAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn.(*net.UDPConn)
}

func TestRawScreamReceiverDeliversPacket(t *testing.T) {
	t.Parallel()

	r, mgr, _ := newTestReceiver(t, VariantRawScream)
	conn := dial(t, r)

	hdr := scream.Header{SampleRate: 48000, BitDepth: 16, Channels: 2, Layout: [2]byte{0x03, 0x00}}
	payload := make([]byte, scream.PayloadSize)
	frame, err := scream.BuildRawFrame(hdr, payload)
	require.NoError(t, err)

	_, err = conn.Write(frame)
	require.NoError(t, err)

	sourceTag := conn.LocalAddr().(*net.UDPAddr).IP.String()
	q := subscribeAndAwait(t, mgr, sourceTag)

	pkt, ok := q.Pop(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, sourceTag, pkt.SourceTag)
	assert.Equal(t, 48000, pkt.Format.SampleRate)
	assert.Equal(t, 2, pkt.Format.Channels)
}

func TestRTPScreamReceiverFixesFormat(t *testing.T) {
	t.Parallel()

	r, mgr, _ := newTestReceiver(t, VariantRTPScream)
	conn := dial(t, r)

	payload := make([]byte, scream.PayloadSize)
	frame, err := scream.BuildRTPFrame(1, 1000, 0xABCD, nil, payload)
	require.NoError(t, err)

	_, err = conn.Write(frame)
	require.NoError(t, err)

	sourceTag := conn.LocalAddr().(*net.UDPAddr).IP.String()
	q := subscribeAndAwait(t, mgr, sourceTag)

	pkt, ok := q.Pop(2 * time.Second)
	require.True(t, ok)
	assert.True(t, pkt.HasRTP)
	assert.Equal(t, uint32(0xABCD), pkt.SSRC)
	assert.Equal(t, 48000, pkt.Format.SampleRate)
	assert.Equal(t, 16, pkt.Format.BitDepth)
	assert.Equal(t, 2, pkt.Format.Channels)
}

func TestRTPScreamReceiverRejectsWrongPayloadType(t *testing.T) {
	t.Parallel()

	r, mgr, _ := newTestReceiver(t, VariantRTPScream)
	conn := dial(t, r)

	pkt := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 99, SequenceNumber: 1},
		Payload: make([]byte, scream.PayloadSize),
	}
	frame, err := pkt.Marshal()
	require.NoError(t, err)

	_, err = conn.Write(frame)
	require.NoError(t, err)

	sourceTag := conn.LocalAddr().(*net.UDPAddr).IP.String()
	q := subscribeAndAwait(t, mgr, sourceTag)

	_, ok := q.Pop(150 * time.Millisecond)
	assert.False(t, ok, "malformed frame must be dropped, not delivered")
}

func TestPerProcessReceiverTagsBySenderAndProcess(t *testing.T) {
	t.Parallel()

	r, mgr, _ := newTestReceiver(t, VariantPerProcess)
	conn := dial(t, r)

	hdr := scream.Header{SampleRate: 44100, BitDepth: 16, Channels: 1, Layout: [2]byte{0x04, 0x00}}
	payload := make([]byte, scream.PayloadSize)
	frame, err := scream.BuildPerProcessFrame("firefox", hdr, payload)
	require.NoError(t, err)

	_, err = conn.Write(frame)
	require.NoError(t, err)

	ip := conn.LocalAddr().(*net.UDPAddr).IP.String()
	sourceTag := ip + ":firefox"
	q := subscribeAndAwait(t, mgr, sourceTag)

	pkt, ok := q.Pop(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, sourceTag, pkt.SourceTag)
	assert.Equal(t, 44100, pkt.Format.SampleRate)
}

func TestReceiverPublishesNewSourceNotificationOnce(t *testing.T) {
	t.Parallel()

	r, _, notifications := newTestReceiver(t, VariantRawScream)
	conn := dial(t, r)

	hdr := scream.Header{SampleRate: 48000, BitDepth: 16, Channels: 2, Layout: [2]byte{0x03, 0x00}}
	payload := make([]byte, scream.PayloadSize)
	frame, err := scream.BuildRawFrame(hdr, payload)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = conn.Write(frame)
		require.NoError(t, err)
	}

	n, ok := notifications.Pop(2 * time.Second)
	require.True(t, ok)
	assert.Equal(t, conn.LocalAddr().(*net.UDPAddr).IP.String(), n.SourceTag)

	_, ok = notifications.Pop(150 * time.Millisecond)
	assert.False(t, ok, "second and third packets from the same tag must not renotify")
}

func TestRawScreamReceiverDropsWrongLength(t *testing.T) {
	t.Parallel()

	r, mgr, _ := newTestReceiver(t, VariantRawScream)
	conn := dial(t, r)

	_, err := conn.Write(make([]byte, scream.RawFrameSize-1))
	require.NoError(t, err)

	sourceTag := conn.LocalAddr().(*net.UDPAddr).IP.String()
	q := subscribeAndAwait(t, mgr, sourceTag)

	_, ok := q.Pop(150 * time.Millisecond)
	assert.False(t, ok, "short frame must be dropped, not delivered")
}
