package protocol

import (
	"encoding/binary"
	"fmt"
)

// EncodeHeader serializes h using the layout selected by its message type.
// An MD-family header without an extension is written with a zero extension.
func EncodeHeader(h Header) ([]byte, error) {
	buf := make([]byte, h.Size())
	if err := putHeader(buf, h); err != nil {
		return nil, err
	}
	return buf, nil
}

// EncodePacket serializes header, payload and payload FCS. DatasetLength is
// taken from the payload; a nil payload encodes as zero length.
func EncodePacket(h Header, payload []byte) ([]byte, error) {
	if max := MaxDataSize(h.MessageType); len(payload) > max {
		if h.MessageType.IsMD() {
			return nil, fmt.Errorf("%w: %d > %d", ErrMDPayloadTooLarge, len(payload), max)
		}
		return nil, fmt.Errorf("%w: %d > %d", ErrPDPayloadTooLarge, len(payload), max)
	}
	h.DatasetLength = uint32(len(payload))

	hs := h.Size()
	buf := make([]byte, hs+len(payload)+FCSSize)
	if err := putHeader(buf[:hs], h); err != nil {
		return nil, err
	}
	copy(buf[hs:], payload)
	binary.BigEndian.PutUint32(buf[hs+len(payload):], Checksum(payload))
	return buf, nil
}

func putHeader(buf []byte, h Header) error {
	if !h.MessageType.Valid() {
		return fmt.Errorf("%w: 0x%04X", ErrUnknownMessageType, uint16(h.MessageType))
	}
	if !h.MessageType.IsMD() && h.MD != nil {
		return ErrUnexpectedMDHeader
	}

	binary.BigEndian.PutUint32(buf[0:4], h.SequenceCounter)
	binary.BigEndian.PutUint16(buf[4:6], h.ProtocolVersion)
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.MessageType))
	binary.BigEndian.PutUint32(buf[8:12], h.ComID)
	binary.BigEndian.PutUint32(buf[12:16], h.EtbTopoCnt)
	binary.BigEndian.PutUint32(buf[16:20], h.OpTrnTopoCnt)
	binary.BigEndian.PutUint32(buf[20:24], h.DatasetLength)
	binary.BigEndian.PutUint32(buf[24:28], h.Reserved)
	binary.BigEndian.PutUint32(buf[28:32], h.ReplyComID)
	binary.BigEndian.PutUint32(buf[32:36], h.ReplyIPAddress)

	if h.MessageType.IsMD() {
		md := h.MD
		if md == nil {
			md = &MDHeader{}
		}
		if len(md.SourceURI) > URISize || len(md.DestinationURI) > URISize {
			return ErrURITooLong
		}
		binary.BigEndian.PutUint32(buf[36:40], md.ReplyStatus)
		copy(buf[40:56], md.SessionID[:])
		binary.BigEndian.PutUint32(buf[56:60], md.ReplyTimeout)
		copy(buf[60:92], md.SourceURI)
		copy(buf[92:124], md.DestinationURI)
	}

	n := len(buf) - FCSSize
	binary.LittleEndian.PutUint32(buf[n:], FCS(buf, 0, n))
	return nil
}
