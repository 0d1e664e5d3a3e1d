package scream

import (
	"fmt"

	"github.com/pion/rtp"

	screamerrors "github.com/tphakala/screamrouter/internal/errors"
)

// MaxCSRC is the maximum number of contributing source identifiers carried
// in an egress RTP-Scream frame's CSRC list.
const MaxCSRC = 15

// BuildRTPFrame marshals an RTP header (payload type 127, no extensions)
// followed by a 1152-byte PCM payload, using github.com/pion/rtp for the
// header encoding.
func BuildRTPFrame(seq uint16, timestamp uint32, ssrc uint32, csrc []uint32, payload []byte) ([]byte, error) {
	if len(payload) != PayloadSize {
		return nil, screamerrors.New(fmt.Errorf("scream: rtp payload must be %d bytes, got %d", PayloadSize, len(payload))).
			Category(screamerrors.CategoryProtocol).Build()
	}
	if len(csrc) > MaxCSRC {
		csrc = csrc[:MaxCSRC]
	}
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    RTPPayloadType,
			SequenceNumber: seq,
			Timestamp:      timestamp,
			SSRC:           ssrc,
			CSRC:           csrc,
		},
		Payload: payload,
	}
	return pkt.Marshal()
}

// ParseRTPFrame unmarshals an RTP-Scream frame, returning its header and the
// 1152-byte payload. The declared format is always 48kHz/16-bit/stereo.
func ParseRTPFrame(frame []byte) (rtp.Header, []byte, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(frame); err != nil {
		return rtp.Header{}, nil, screamerrors.New(fmt.Errorf("scream: rtp unmarshal: %w", err)).
			Category(screamerrors.CategoryProtocol).Build()
	}
	if pkt.PayloadType != RTPPayloadType {
		return rtp.Header{}, nil, screamerrors.New(
			fmt.Errorf("scream: unexpected rtp payload type %d, want %d", pkt.PayloadType, RTPPayloadType)).
			Category(screamerrors.CategoryProtocol).Build()
	}
	if len(pkt.Payload) != PayloadSize {
		return rtp.Header{}, nil, screamerrors.New(
			fmt.Errorf("scream: rtp payload must be %d bytes, got %d", PayloadSize, len(pkt.Payload))).
			Category(screamerrors.CategoryProtocol).Build()
	}
	return pkt.Header, pkt.Payload, nil
}
