// Package scream implements wire framing for the Scream audio protocol
// family: raw Scream, RTP-Scream, and Per-Process Scream.
package scream

import (
	"fmt"

	screamerrors "github.com/tphakala/screamrouter/internal/errors"
)

const (
	// PayloadSize is the fixed PCM payload carried by every Scream frame.
	PayloadSize = 1152

	// HeaderSize is the raw Scream 5-byte header.
	HeaderSize = 5

	// RTPHeaderSize is the fixed (no CSRC, no extension) RTP header size.
	RTPHeaderSize = 12

	// ProcessTagSize is the fixed width of the Per-Process Scream tag.
	ProcessTagSize = 30

	// RawFrameSize is HeaderSize + PayloadSize.
	RawFrameSize = HeaderSize + PayloadSize

	// RTPFrameSize is RTPHeaderSize + PayloadSize (no CSRC on ingress).
	RTPFrameSize = RTPHeaderSize + PayloadSize

	// PerProcessFrameSize is ProcessTagSize + RawFrameSize.
	PerProcessFrameSize = ProcessTagSize + RawFrameSize

	// RTPPayloadType is the payload type byte RTP-Scream always uses.
	RTPPayloadType = 127

	family44100 = 44100
	family48000 = 48000
)

// Header describes the declared PCM format of a Scream frame.
type Header struct {
	SampleRate int
	BitDepth   int
	Channels   int
	Layout     [2]byte
}

// Valid reports whether the header satisfies the format invariants from
// the raw Scream receiver's validation rule.
func (h Header) Valid() bool {
	switch h.BitDepth {
	case 8, 16, 24, 32:
	default:
		return false
	}
	if h.Channels < 1 || h.Channels > 64 {
		return false
	}
	return h.SampleRate > 0
}

// EncodeHeader produces the 5-byte raw Scream header for h.
func EncodeHeader(h Header) ([]byte, error) {
	b0, err := sampleRateByte(h.SampleRate)
	if err != nil {
		return nil, screamerrors.New(err).Category(screamerrors.CategoryProtocol).Build()
	}
	return []byte{b0, byte(h.BitDepth), byte(h.Channels), h.Layout[0], h.Layout[1]}, nil
}

// DecodeHeader parses a 5-byte raw Scream header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, screamerrors.New(fmt.Errorf("scream: header too short: %d bytes", len(buf))).
			Category(screamerrors.CategoryProtocol).Build()
	}
	divisor := int(buf[0] & 0x7F)
	if divisor == 0 {
		divisor = 1
	}
	family := family48000
	if buf[0]&0x80 != 0 {
		family = family44100
	}
	h := Header{
		SampleRate: family / divisor,
		BitDepth:   int(buf[1]),
		Channels:   int(buf[2]),
		Layout:     [2]byte{buf[3], buf[4]},
	}
	return h, nil
}

// sampleRateByte computes byte 0 of a raw Scream header for rate, choosing
// whichever of the 44100/48000 families divides rate evenly with a divisor
// in [1,127], per spec.md's own enumeration of valid sample rates.
func sampleRateByte(rate int) (byte, error) {
	if rate <= 0 {
		return 0, fmt.Errorf("scream: sample rate must be positive, got %d", rate)
	}
	type family struct {
		hz  int
		bit byte
	}
	for _, f := range []family{{family48000, 0}, {family44100, 0x80}} {
		if f.hz%rate != 0 {
			continue
		}
		divisor := f.hz / rate
		if divisor >= 1 && divisor <= 127 {
			return f.bit | byte(divisor), nil
		}
	}
	return 0, fmt.Errorf("scream: sample rate %d does not divide 44100 or 48000 by an integer in [1,127]", rate)
}

// DefaultRTPLayout is the fixed 48kHz/16-bit/stereo layout RTP-Scream
// implies, since RTP-Scream carries no in-band format.
var DefaultRTPLayout = [2]byte{0x03, 0x00}

// RTPScreamHeader is the fixed declared format of every RTP-Scream frame.
func RTPScreamHeader() Header {
	return Header{SampleRate: 48000, BitDepth: 16, Channels: 2, Layout: DefaultRTPLayout}
}

// BuildRawFrame prepends the 5-byte Scream header to a 1152-byte payload.
func BuildRawFrame(h Header, payload []byte) ([]byte, error) {
	if len(payload) != PayloadSize {
		return nil, screamerrors.New(fmt.Errorf("scream: payload must be %d bytes, got %d", PayloadSize, len(payload))).
			Category(screamerrors.CategoryProtocol).Build()
	}
	hdr, err := EncodeHeader(h)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, RawFrameSize)
	frame = append(frame, hdr...)
	frame = append(frame, payload...)
	return frame, nil
}

// ParseRawFrame splits a raw Scream frame into its header and payload.
func ParseRawFrame(frame []byte) (Header, []byte, error) {
	if len(frame) != RawFrameSize {
		return Header{}, nil, screamerrors.New(fmt.Errorf("scream: raw frame must be %d bytes, got %d", RawFrameSize, len(frame))).
			Category(screamerrors.CategoryProtocol).Build()
	}
	h, err := DecodeHeader(frame[:HeaderSize])
	if err != nil {
		return Header{}, nil, err
	}
	if !h.Valid() {
		return Header{}, nil, screamerrors.New(fmt.Errorf("scream: invalid header %+v", h)).
			Category(screamerrors.CategoryProtocol).Build()
	}
	return h, frame[HeaderSize:], nil
}

// BuildPerProcessFrame prepends a fixed-width, NUL-padded process tag to a
// raw Scream frame.
func BuildPerProcessFrame(processTag string, h Header, payload []byte) ([]byte, error) {
	raw, err := BuildRawFrame(h, payload)
	if err != nil {
		return nil, err
	}
	tag := make([]byte, ProcessTagSize)
	copy(tag, processTag)
	frame := make([]byte, 0, PerProcessFrameSize)
	frame = append(frame, tag...)
	frame = append(frame, raw...)
	return frame, nil
}

// ParsePerProcessFrame splits a Per-Process Scream frame into its process
// tag, header, and payload.
func ParsePerProcessFrame(frame []byte) (string, Header, []byte, error) {
	if len(frame) != PerProcessFrameSize {
		return "", Header{}, nil, screamerrors.New(
			fmt.Errorf("scream: per-process frame must be %d bytes, got %d", PerProcessFrameSize, len(frame))).
			Category(screamerrors.CategoryProtocol).Build()
	}
	tag := trimNUL(frame[:ProcessTagSize])
	h, payload, err := ParseRawFrame(frame[ProcessTagSize:])
	if err != nil {
		return "", Header{}, nil, err
	}
	return tag, h, payload, nil
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
