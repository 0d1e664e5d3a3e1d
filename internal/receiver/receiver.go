// Package receiver implements the three Network Receiver variants: each
// binds one UDP port, validates incoming Scream-family framing, and hands
// well-formed packets to the Timeshift Manager. The variants share a
// single polling loop and differ only in how they parse a datagram into a
// TaggedAudioPacket.
package receiver

import (
	"net"
	"sync"
	"time"

	"github.com/tphakala/screamrouter/internal/audio"
	"github.com/tphakala/screamrouter/internal/dsp"
	"github.com/tphakala/screamrouter/internal/logging"
	"github.com/tphakala/screamrouter/internal/queue"
	"github.com/tphakala/screamrouter/internal/timeshift"
	"github.com/tphakala/screamrouter/internal/wire/scream"
)

// Variant names the wire framing a Receiver decodes.
type Variant int

const (
	VariantRTPScream Variant = iota
	VariantRawScream
	VariantPerProcess
)

// pollTimeout bounds each blocking read so the stop signal is observed
// promptly, per spec.md's ~100ms receiver poll.
const pollTimeout = 100 * time.Millisecond

// readBufferSize is the fixed receive buffer, sized comfortably above the
// largest frame (PerProcessFrameSize) any variant accepts.
const readBufferSize = 2048

// Config configures one Receiver instance.
type Config struct {
	Variant       Variant
	ListenAddr    string // e.g. ":4010"
	Manager       *timeshift.Manager
	Notifications *queue.Queue[audio.NewSourceNotification]
}

// Receiver is one Network Receiver instance: one UDP socket, one variant,
// one polling goroutine.
type Receiver struct {
	cfg  Config
	conn *net.UDPConn

	seenMu sync.Mutex
	seen   map[string]struct{}

	stopCh  chan struct{}
	stopped chan struct{}
}

// New binds cfg.ListenAddr and returns a Receiver ready to Start.
func New(cfg Config) (*Receiver, error) {
	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return &Receiver{
		cfg:  cfg,
		conn: conn,
		seen: make(map[string]struct{}),
	}, nil
}

// Start launches the receiver's polling goroutine.
func (r *Receiver) Start() {
	r.stopCh = make(chan struct{})
	r.stopped = make(chan struct{})
	go r.run()
}

// Stop signals the polling goroutine to exit, waits for it, then closes
// the socket.
func (r *Receiver) Stop() {
	if r.stopCh != nil {
		close(r.stopCh)
		<-r.stopped
	}
	r.conn.Close()
}

// LocalAddr returns the receiver's bound address, useful when ListenAddr
// used port 0 for an ephemeral port (as tests do).
func (r *Receiver) LocalAddr() net.Addr {
	return r.conn.LocalAddr()
}

// SeenTags returns a snapshot of every source tag this receiver has
// observed, for introspection ("seen source tags per receiver").
func (r *Receiver) SeenTags() []string {
	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	tags := make([]string, 0, len(r.seen))
	for tag := range r.seen {
		tags = append(tags, tag)
	}
	return tags
}

func (r *Receiver) run() {
	defer close(r.stopped)
	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		r.conn.SetReadDeadline(time.Now().Add(pollTimeout))
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-r.stopCh:
				return
			default:
			}
			logging.Warn("receiver: udp read failed", "listen_addr", r.cfg.ListenAddr, "error", err)
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		r.handle(frame, addr)
	}
}

func (r *Receiver) handle(frame []byte, addr *net.UDPAddr) {
	switch r.cfg.Variant {
	case VariantRTPScream:
		r.handleRTPScream(frame, addr)
	case VariantRawScream:
		r.handleRawScream(frame, addr)
	case VariantPerProcess:
		r.handlePerProcess(frame, addr)
	}
}

func (r *Receiver) handleRTPScream(frame []byte, addr *net.UDPAddr) {
	hdr, payload, err := scream.ParseRTPFrame(frame)
	if err != nil {
		logging.Warn("receiver: malformed rtp-scream frame, dropping", "source", addr.IP.String(), "error", err)
		return
	}
	pkt := audio.TaggedAudioPacket{
		SourceTag:    addr.IP.String(),
		Payload:      payload,
		ReceivedTime: time.Now(),
		RTPTimestamp: hdr.Timestamp,
		HasRTP:       true,
		SSRC:         hdr.SSRC,
		CSRC:         hdr.CSRC,
		Format:       dsp.AudioFormat{SampleRate: 48000, BitDepth: 16, Channels: 2},
	}
	r.publish(pkt)
}

func (r *Receiver) handleRawScream(frame []byte, addr *net.UDPAddr) {
	hdr, payload, err := scream.ParseRawFrame(frame)
	if err != nil {
		logging.Warn("receiver: malformed raw scream frame, dropping", "source", addr.IP.String(), "error", err)
		return
	}
	pkt := audio.TaggedAudioPacket{
		SourceTag:    addr.IP.String(),
		Payload:      payload,
		ReceivedTime: time.Now(),
		Format:       dsp.AudioFormat{SampleRate: hdr.SampleRate, BitDepth: hdr.BitDepth, Channels: hdr.Channels},
	}
	r.publish(pkt)
}

func (r *Receiver) handlePerProcess(frame []byte, addr *net.UDPAddr) {
	processTag, hdr, payload, err := scream.ParsePerProcessFrame(frame)
	if err != nil {
		logging.Warn("receiver: malformed per-process scream frame, dropping", "source", addr.IP.String(), "error", err)
		return
	}
	pkt := audio.TaggedAudioPacket{
		SourceTag:    addr.IP.String() + ":" + processTag,
		Payload:      payload,
		ReceivedTime: time.Now(),
		Format:       dsp.AudioFormat{SampleRate: hdr.SampleRate, BitDepth: hdr.BitDepth, Channels: hdr.Channels},
	}
	r.publish(pkt)
}

func (r *Receiver) publish(pkt audio.TaggedAudioPacket) {
	if !pkt.Valid() {
		logging.Warn("receiver: rejecting packet failing wire invariants", "source_tag", pkt.SourceTag)
		return
	}

	r.seenMu.Lock()
	_, known := r.seen[pkt.SourceTag]
	if !known {
		r.seen[pkt.SourceTag] = struct{}{}
	}
	r.seenMu.Unlock()

	if !known && r.cfg.Notifications != nil {
		r.cfg.Notifications.Push(audio.NewSourceNotification{SourceTag: pkt.SourceTag, ObservedAt: pkt.ReceivedTime})
	}

	if err := r.cfg.Manager.AddPacket(pkt); err != nil {
		logging.Warn("receiver: timeshift manager rejected packet", "source_tag", pkt.SourceTag, "error", err)
	}
}
