// Package audio holds the wire-agnostic record types that flow between the
// engine's components: receivers produce TaggedAudioPacket, the timeshift
// manager releases them to source processors, and source processors emit
// ProcessedAudioChunk to sink mixers.
package audio

import (
	"time"

	"github.com/tphakala/screamrouter/internal/dsp"
)

// PacketPayloadSize is the fixed PCM payload size of every inbound Scream
// frame, regardless of wire variant.
const PacketPayloadSize = 1152

// TaggedAudioPacket is a raw inbound frame, tagged with its source and
// timestamped on reception. Payload is always exactly PacketPayloadSize
// bytes; Format, if Valid, constrains decoding in the source processor's
// DSP chain.
type TaggedAudioPacket struct {
	SourceTag    string
	Payload      []byte
	ReceivedTime time.Time
	RTPTimestamp uint32
	HasRTP       bool
	SSRC         uint32
	CSRC         []uint32
	Format       dsp.AudioFormat
}

// Valid reports whether p satisfies the wire-level invariants: an exact
// PacketPayloadSize payload and, if a format was declared, one within the
// engine's supported bit depth/channel/rate ranges.
func (p TaggedAudioPacket) Valid() bool {
	if len(p.Payload) != PacketPayloadSize {
		return false
	}
	if p.Format != (dsp.AudioFormat{}) && !p.Format.Valid() {
		return false
	}
	return true
}

// OutputChunkSamples is the fixed interleaved-sample length of every
// ProcessedAudioChunk.
const OutputChunkSamples = dsp.OutputChunkSamples

// ProcessedAudioChunk is the source processor's DSP chain output: always
// exactly OutputChunkSamples interleaved 32-bit samples, carrying forward
// the SSRC/CSRC of the packets that produced it.
type ProcessedAudioChunk struct {
	Samples []int32
	SSRC    uint32
	CSRC    []uint32
}

// Valid reports whether c carries exactly OutputChunkSamples samples.
func (c ProcessedAudioChunk) Valid() bool {
	return len(c.Samples) == OutputChunkSamples
}

// EncodedMP3Data is one chunk of MP3 bytes a sink's optional MP3 path
// produces, ready to hand to an HTTP/ICY listener.
type EncodedMP3Data struct {
	Bytes     []byte
	Timestamp time.Time
}

// ControlCommandKind names the variant carried by a ControlCommand.
type ControlCommandKind int

const (
	SetVolume ControlCommandKind = iota
	SetEQ
	SetDelay
	SetTimeshift
	SetSpeakerMix
)

// NewSourceNotification announces a source tag a receiver has not seen
// before, published the first time a packet arrives for that tag.
type NewSourceNotification struct {
	SourceTag  string
	ObservedAt time.Time
}

// ControlCommand is the tagged union of source-processor state changes,
// delivered over a per-source command queue and drained non-blocking each
// processing iteration.
type ControlCommand struct {
	Kind ControlCommandKind

	Volume     float64
	EQGains    [18]float64
	DelayMS    int
	Timeshift  float64 // seconds, forwarded to the timeshift manager as backshift
	MixKey     int
	MixLayout  dsp.SpeakerLayout
}
