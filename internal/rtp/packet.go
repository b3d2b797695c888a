// Package rtp carries plain RTP between Janus and the bridge: packet
// parse/serialize, the UDP receiver/sender pair, and the jitter buffer.
package rtp

import (
	"errors"
	"fmt"
	"time"

	pionrtp "github.com/pion/rtp"
)

// ErrInvalidVersion is returned for packets whose RTP version is not 2.
var ErrInvalidVersion = errors.New("rtp: version is not 2")

// Packet is one parsed RTP packet. Header fields mirror RFC 3550; Payload
// excludes padding, which is trimmed on parse.
type Packet struct {
	Version        uint8
	Padding        bool
	Extension      bool
	CSRCCount      uint8
	Marker         bool
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	Payload        []byte
	ReceivedAt     time.Time
}

// Parse decodes an RTP packet. Packets with version != 2 are rejected.
// The payload is copied out of data, so the packet stays valid after the
// receiver reuses its read buffer. Parse failures are expected under
// packet loss and corruption; callers count them rather than treating
// them as fatal.
func Parse(data []byte) (*Packet, error) {
	var p pionrtp.Packet
	if err := p.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("rtp: unmarshal: %w", err)
	}
	if p.Version != 2 {
		return nil, ErrInvalidVersion
	}

	payload := make([]byte, len(p.Payload))
	copy(payload, p.Payload)

	return &Packet{
		Version:        p.Version,
		Padding:        p.Padding,
		Extension:      p.Extension,
		CSRCCount:      uint8(len(p.CSRC)),
		Marker:         p.Marker,
		PayloadType:    p.PayloadType,
		SequenceNumber: p.SequenceNumber,
		Timestamp:      p.Timestamp,
		SSRC:           p.SSRC,
		Payload:        payload,
		ReceivedAt:     time.Now(),
	}, nil
}

// Bytes serializes the packet. The bridge never emits CSRC entries,
// extensions or padding on its outbound stream.
func (p *Packet) Bytes() ([]byte, error) {
	out := pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			Marker:         p.Marker,
			PayloadType:    p.PayloadType,
			SequenceNumber: p.SequenceNumber,
			Timestamp:      p.Timestamp,
			SSRC:           p.SSRC,
		},
		Payload: p.Payload,
	}
	b, err := out.Marshal()
	if err != nil {
		return nil, fmt.Errorf("rtp: marshal: %w", err)
	}
	return b, nil
}
