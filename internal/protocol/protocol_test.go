package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func scenarioHeader() Header {
	h := NewHeader(MsgPD)
	h.SequenceCounter = 42
	h.ComID = 1000
	h.EtbTopoCnt = 1
	h.OpTrnTopoCnt = 2
	h.DatasetLength = 100
	h.ReplyComID = 2000
	h.ReplyIPAddress = 0xC0A80001
	return h
}

func TestFCSCheckValue(t *testing.T) {
	if got := Checksum([]byte("123456789")); got != 0xCBF43926 {
		t.Fatalf("check value: got=0x%08X want=0xCBF43926", got)
	}
	b := []byte("xx123456789yy")
	if got := FCS(b, 2, 9); got != 0xCBF43926 {
		t.Fatalf("offset fcs: got=0x%08X", got)
	}
	if Checksum(nil) != 0 {
		t.Fatalf("empty input must checksum to zero")
	}
}

func TestPDHeaderRoundTrip(t *testing.T) {
	in := scenarioHeader()
	b, err := EncodeHeader(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(b) != PDHeaderSize {
		t.Fatalf("size: got=%d want=%d", len(b), PDHeaderSize)
	}

	out, err := DecodeHeader(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.HeaderFCS != FCS(b, 0, PDHeaderSize-FCSSize) {
		t.Fatalf("decoded fcs does not match computed fcs")
	}
	in.HeaderFCS = out.HeaderFCS
	if out != in {
		t.Fatalf("round trip mismatch: got=%+v want=%+v", out, in)
	}
	if out.ProtocolVersion != 0x0100 {
		t.Fatalf("version: got=0x%04X", out.ProtocolVersion)
	}
}

func TestHeaderByteOrder(t *testing.T) {
	b, err := EncodeHeader(scenarioHeader())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.Equal(b[0:4], []byte{0, 0, 0, 42}) {
		t.Fatalf("sequence not big-endian: % x", b[0:4])
	}
	if !bytes.Equal(b[6:8], []byte{0x50, 0x64}) {
		t.Fatalf("type not big-endian: % x", b[6:8])
	}
	if !bytes.Equal(b[32:36], []byte{0xC0, 0xA8, 0x00, 0x01}) {
		t.Fatalf("reply ip not big-endian: % x", b[32:36])
	}
	fcs := FCS(b, 0, 36)
	if got := binary.LittleEndian.Uint32(b[36:40]); got != fcs {
		t.Fatalf("header fcs not little-endian: got=0x%08X want=0x%08X", got, fcs)
	}
}

func TestMDHeaderRoundTrip(t *testing.T) {
	in := NewHeader(MsgMDRequest)
	in.SequenceCounter = 7
	in.ComID = 2001
	in.ReplyComID = 2002
	in.ReplyIPAddress = 0x7F000001
	in.MD.ReplyStatus = 3
	in.MD.ReplyTimeout = 5000
	in.MD.SourceURI = "caller@car1"
	in.MD.DestinationURI = "replier@car2"
	for i := range in.MD.SessionID {
		in.MD.SessionID[i] = byte(i + 1)
	}

	b, err := EncodeHeader(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(b) != MDHeaderSize {
		t.Fatalf("size: got=%d want=%d", len(b), MDHeaderSize)
	}
	out, err := DecodeHeader(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.MD == nil {
		t.Fatalf("md extension missing")
	}
	if *out.MD != *in.MD {
		t.Fatalf("md mismatch: got=%+v want=%+v", *out.MD, *in.MD)
	}
	if out.SequenceCounter != 7 || out.ComID != 2001 || out.ReplyComID != 2002 || out.MessageType != MsgMDRequest {
		t.Fatalf("base fields mismatch: %+v", out)
	}
}

func TestMDHeaderWithoutExtensionEncodesZeroes(t *testing.T) {
	h := Header{ProtocolVersion: ProtocolVersion, MessageType: MsgMDNotification, ComID: 9}
	b, err := EncodeHeader(h)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(b) != MDHeaderSize {
		t.Fatalf("size: got=%d", len(b))
	}
	if !bytes.Equal(b[36:124], make([]byte, 88)) {
		t.Fatalf("extension bytes must be zero")
	}
	out, err := DecodeHeader(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.MD == nil || *out.MD != (MDHeader{}) {
		t.Fatalf("expected zero extension, got %+v", out.MD)
	}
}

func TestPDHeaderWithExtensionRejected(t *testing.T) {
	h := scenarioHeader()
	h.MD = &MDHeader{}
	_, err := EncodeHeader(h)
	if !errors.Is(err, ErrUnexpectedMDHeader) || !errors.Is(err, ErrFormat) {
		t.Fatalf("expected ErrUnexpectedMDHeader, got %v", err)
	}
}

func TestURITooLong(t *testing.T) {
	h := NewHeader(MsgMDRequest)
	h.MD.SourceURI = string(bytes.Repeat([]byte("a"), URISize+1))
	_, err := EncodeHeader(h)
	if !errors.Is(err, ErrLimit) {
		t.Fatalf("expected limit error, got %v", err)
	}

	h.MD.SourceURI = string(bytes.Repeat([]byte("a"), URISize))
	b, err := EncodeHeader(h)
	if err != nil {
		t.Fatalf("full-width uri: %v", err)
	}
	out, err := DecodeHeader(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.MD.SourceURI != h.MD.SourceURI {
		t.Fatalf("full-width uri mismatch")
	}
}

func TestDecodeHeaderShortBuffer(t *testing.T) {
	for _, n := range []int{0, 1, PDHeaderSize - 1} {
		_, err := DecodeHeader(make([]byte, n))
		if !errors.Is(err, ErrShortHeader) || !errors.Is(err, ErrFormat) {
			t.Fatalf("len=%d: expected ErrShortHeader, got %v", n, err)
		}
	}

	b, err := EncodeHeader(NewHeader(MsgMDReply))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeHeader(b[:MDHeaderSize-1]); !errors.Is(err, ErrShortHeader) {
		t.Fatalf("truncated md header: expected ErrShortHeader, got %v", err)
	}
}

func TestDecodeHeaderUnknownType(t *testing.T) {
	b, err := EncodeHeader(scenarioHeader())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	binary.BigEndian.PutUint16(b[6:8], 0x1234)
	binary.LittleEndian.PutUint32(b[36:40], FCS(b, 0, 36))

	_, err = DecodeHeader(b)
	if !errors.Is(err, ErrUnknownMessageType) || !errors.Is(err, ErrFormat) {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
	if _, err := EncodeHeader(Header{MessageType: 0x1234}); !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("encode unknown type: expected ErrUnknownMessageType, got %v", err)
	}
}

func TestHeaderBitFlipsReportIntegrity(t *testing.T) {
	for _, h := range []Header{scenarioHeader(), NewHeader(MsgMDRequest)} {
		b, err := EncodeHeader(h)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		for bit := 0; bit < (len(b)-FCSSize)*8; bit++ {
			flipped := append([]byte(nil), b...)
			flipped[bit/8] ^= 1 << (bit % 8)
			_, err := DecodeHeader(flipped)
			if !errors.Is(err, ErrIntegrity) {
				t.Fatalf("%s bit %d: expected integrity error, got %v", h.MessageType, bit, err)
			}
		}
	}
}

func TestPacketRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		header  Header
		payload []byte
	}{
		{"pd-empty", scenarioHeader(), nil},
		{"pd-small", scenarioHeader(), []byte("Hello TRDP PD")},
		{"pd-max", scenarioHeader(), bytes.Repeat([]byte{0xA5}, MaxPDDataSize)},
		{"md-empty", NewHeader(MsgMDRequest), nil},
		{"md-max", NewHeader(MsgMDReply), bytes.Repeat([]byte{0x5A}, MaxMDDataSize)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := EncodePacket(tc.header, tc.payload)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if want := tc.header.Size() + len(tc.payload) + FCSSize; len(b) != want {
				t.Fatalf("size: got=%d want=%d", len(b), want)
			}
			if len(b) > MaxFrameSize {
				t.Fatalf("packet exceeds receive buffer size: %d", len(b))
			}

			p, err := DecodePacket(b)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if int(p.Header.DatasetLength) != len(tc.payload) {
				t.Fatalf("dataset length: got=%d want=%d", p.Header.DatasetLength, len(tc.payload))
			}
			if !bytes.Equal(p.Payload, tc.payload) {
				t.Fatalf("payload mismatch")
			}
			if p.PayloadFCS != Checksum(tc.payload) {
				t.Fatalf("payload fcs mismatch")
			}
			n := len(b) - FCSSize
			if got := binary.BigEndian.Uint32(b[n:]); got != p.PayloadFCS {
				t.Fatalf("payload fcs not big-endian")
			}
		})
	}
}

func TestEncodePacketSizeLimits(t *testing.T) {
	_, err := EncodePacket(scenarioHeader(), make([]byte, MaxPDDataSize+1))
	if !errors.Is(err, ErrPDPayloadTooLarge) || !errors.Is(err, ErrLimit) {
		t.Fatalf("pd: expected ErrPDPayloadTooLarge, got %v", err)
	}
	_, err = EncodePacket(NewHeader(MsgMDRequest), make([]byte, MaxMDDataSize+1))
	if !errors.Is(err, ErrMDPayloadTooLarge) || !errors.Is(err, ErrLimit) {
		t.Fatalf("md: expected ErrMDPayloadTooLarge, got %v", err)
	}
}

func TestDecodePacketErrors(t *testing.T) {
	b, err := EncodePacket(scenarioHeader(), []byte("payload"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if _, err := DecodePacket(b[:len(b)-1]); !errors.Is(err, ErrShortPacket) {
		t.Fatalf("truncated: expected ErrShortPacket, got %v", err)
	}

	corrupt := append([]byte(nil), b...)
	corrupt[PDHeaderSize] ^= 0x01
	if _, err := DecodePacket(corrupt); !errors.Is(err, ErrPayloadFCS) || !errors.Is(err, ErrIntegrity) {
		t.Fatalf("payload flip: expected ErrPayloadFCS, got %v", err)
	}

	corrupt = append([]byte(nil), b...)
	corrupt[3] ^= 0x80
	if _, err := DecodePacket(corrupt); !errors.Is(err, ErrHeaderFCS) {
		t.Fatalf("header flip: expected ErrHeaderFCS, got %v", err)
	}
}

func TestDecodePacketCopiesPayload(t *testing.T) {
	b, err := EncodePacket(scenarioHeader(), []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	p, err := DecodePacket(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b[PDHeaderSize] = 0xFF
	if p.Payload[0] != 1 {
		t.Fatalf("payload aliases input buffer")
	}
}

func TestFrameLength(t *testing.T) {
	b, err := EncodePacket(NewHeader(MsgMDReply), []byte("Reply from TRDP MD"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	n, err := FrameLength(b[:FrameLengthPrefix])
	if err != nil {
		t.Fatalf("frame length: %v", err)
	}
	if n != len(b) {
		t.Fatalf("frame length: got=%d want=%d", n, len(b))
	}
	if _, err := FrameLength(b[:FrameLengthPrefix-1]); !errors.Is(err, ErrShortHeader) {
		t.Fatalf("short prefix: expected ErrShortHeader, got %v", err)
	}
}

func TestMessageTypes(t *testing.T) {
	codes := map[MessageType]uint16{
		MsgPD: 0x5064, MsgPDRequest: 0x5072, MsgPDReply: 0x5070, MsgPDError: 0x5065,
		MsgMDRequest: 0x4D72, MsgMDReply: 0x4D70, MsgMDConfirm: 0x4D63,
		MsgMDError: 0x4D65, MsgMDNotification: 0x4D6E, MsgMDReplyConfirm: 0x4D71,
	}
	for typ, code := range codes {
		got, err := ParseMessageType(code)
		if err != nil || got != typ {
			t.Fatalf("parse 0x%04X: got=%v err=%v", code, got, err)
		}
		wantMD := code>>8 == 0x4D
		if typ.IsMD() != wantMD {
			t.Fatalf("%s: IsMD=%v", typ, typ.IsMD())
		}
	}
	if MaxPDDataSize != 1388 || MaxMDDataSize != 1364 || MDHeaderSize != 128 {
		t.Fatalf("size constants: pd=%d md=%d mdHeader=%d", MaxPDDataSize, MaxMDDataSize, MDHeaderSize)
	}
}
