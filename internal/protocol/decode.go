package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// FrameLengthPrefix is the number of leading bytes FrameLength needs.
const FrameLengthPrefix = 24

// DecodeHeader parses and validates the header at the start of b.
//
// The FCS is checked before the message type is resolved, so a corrupted type
// code reports as an integrity failure rather than a format failure.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < PDHeaderSize {
		return Header{}, fmt.Errorf("%w: have %d, need %d", ErrShortHeader, len(b), PDHeaderSize)
	}
	code := binary.BigEndian.Uint16(b[6:8])
	hs := HeaderSize(MessageType(code))
	if len(b) < hs {
		return Header{}, fmt.Errorf("%w: have %d, need %d", ErrShortHeader, len(b), hs)
	}

	stored := binary.LittleEndian.Uint32(b[hs-FCSSize : hs])
	if computed := FCS(b, 0, hs-FCSSize); computed != stored {
		return Header{}, fmt.Errorf("%w: stored=0x%08X computed=0x%08X", ErrHeaderFCS, stored, computed)
	}

	t, err := ParseMessageType(code)
	if err != nil {
		return Header{}, err
	}

	h := Header{
		SequenceCounter: binary.BigEndian.Uint32(b[0:4]),
		ProtocolVersion: binary.BigEndian.Uint16(b[4:6]),
		MessageType:     t,
		ComID:           binary.BigEndian.Uint32(b[8:12]),
		EtbTopoCnt:      binary.BigEndian.Uint32(b[12:16]),
		OpTrnTopoCnt:    binary.BigEndian.Uint32(b[16:20]),
		DatasetLength:   binary.BigEndian.Uint32(b[20:24]),
		Reserved:        binary.BigEndian.Uint32(b[24:28]),
		ReplyComID:      binary.BigEndian.Uint32(b[28:32]),
		ReplyIPAddress:  binary.BigEndian.Uint32(b[32:36]),
		HeaderFCS:       stored,
	}
	if t.IsMD() {
		md := &MDHeader{
			ReplyStatus:    binary.BigEndian.Uint32(b[36:40]),
			ReplyTimeout:   binary.BigEndian.Uint32(b[56:60]),
			SourceURI:      trimURI(b[60:92]),
			DestinationURI: trimURI(b[92:124]),
		}
		copy(md.SessionID[:], b[40:56])
		h.MD = md
	}
	return h, nil
}

// DecodePacket parses a complete packet and verifies both checksums.
func DecodePacket(b []byte) (Packet, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Packet{}, err
	}
	hs := h.Size()
	need := int64(hs) + int64(h.DatasetLength) + FCSSize
	if int64(len(b)) < need {
		return Packet{}, fmt.Errorf("%w: have %d, need %d", ErrShortPacket, len(b), need)
	}

	end := hs + int(h.DatasetLength)
	payload := make([]byte, h.DatasetLength)
	copy(payload, b[hs:end])

	stored := binary.BigEndian.Uint32(b[end : end+FCSSize])
	if computed := Checksum(payload); computed != stored {
		return Packet{}, fmt.Errorf("%w: stored=0x%08X computed=0x%08X", ErrPayloadFCS, stored, computed)
	}
	return Packet{Header: h, Payload: payload, PayloadFCS: stored}, nil
}

// FrameLength reports the total encoded size of the packet whose first
// FrameLengthPrefix bytes are in prefix. Used to split packets out of a stream.
func FrameLength(prefix []byte) (int, error) {
	if len(prefix) < FrameLengthPrefix {
		return 0, fmt.Errorf("%w: have %d, need %d", ErrShortHeader, len(prefix), FrameLengthPrefix)
	}
	t, err := ParseMessageType(binary.BigEndian.Uint16(prefix[6:8]))
	if err != nil {
		return 0, err
	}
	return HeaderSize(t) + int(binary.BigEndian.Uint32(prefix[20:24])) + FCSSize, nil
}

func trimURI(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
