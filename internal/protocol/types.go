package protocol

import (
	"fmt"
	"net/netip"
	"time"
)

const (
	PDHeaderSize = 40
	FCSSize      = 4

	// MD layout: shared prefix, status, session id, timeout, two URIs, fcs.
	SessionIDSize = 16
	URISize       = 32
	MDHeaderSize  = sharedHeaderSize + 4 + SessionIDSize + 4 + URISize + URISize + FCSSize

	MaxPacketSize = 1432
	MaxPDDataSize = MaxPacketSize - PDHeaderSize - FCSSize
	MaxMDDataSize = MaxPacketSize - PDHeaderSize - FCSSize - 24

	// MaxFrameSize is the largest packet either layout can produce.
	MaxFrameSize = MDHeaderSize + MaxMDDataSize + FCSSize

	ProtocolVersion uint16 = 0x0100

	DefaultPDPort         = 17224
	DefaultMDPort         = 17225
	DefaultMulticastGroup = "239.255.0.1"

	DefaultPDTimeout = 1000 * time.Millisecond
	DefaultMDTimeout = 5000 * time.Millisecond

	sharedHeaderSize = 36
)

// MessageType is the 16-bit wire code of a TRDP message.
type MessageType uint16

const (
	MsgPD             MessageType = 0x5064
	MsgPDRequest      MessageType = 0x5072
	MsgPDReply        MessageType = 0x5070
	MsgPDError        MessageType = 0x5065
	MsgMDRequest      MessageType = 0x4D72
	MsgMDReply        MessageType = 0x4D70
	MsgMDConfirm      MessageType = 0x4D63
	MsgMDError        MessageType = 0x4D65
	MsgMDNotification MessageType = 0x4D6E
	MsgMDReplyConfirm MessageType = 0x4D71
)

var messageTypeNames = map[MessageType]string{
	MsgPD:             "PD",
	MsgPDRequest:      "PD_REQUEST",
	MsgPDReply:        "PD_REPLY",
	MsgPDError:        "PD_ERROR",
	MsgMDRequest:      "MD_REQUEST",
	MsgMDReply:        "MD_REPLY",
	MsgMDConfirm:      "MD_CONFIRM",
	MsgMDError:        "MD_ERROR",
	MsgMDNotification: "MD_NOTIFICATION",
	MsgMDReplyConfirm: "MD_REPLY_CONFIRM",
}

// ParseMessageType maps a wire code to a known message type.
func ParseMessageType(code uint16) (MessageType, error) {
	t := MessageType(code)
	if _, ok := messageTypeNames[t]; !ok {
		return 0, fmt.Errorf("%w: 0x%04X", ErrUnknownMessageType, code)
	}
	return t, nil
}

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	_, ok := messageTypeNames[t]
	return ok
}

// IsMD reports whether t belongs to the message data family and therefore
// uses the extended MD header layout.
func (t MessageType) IsMD() bool {
	switch t {
	case MsgMDRequest, MsgMDReply, MsgMDConfirm, MsgMDError, MsgMDNotification, MsgMDReplyConfirm:
		return true
	default:
		return false
	}
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%04X)", uint16(t))
}

// Header is the shared TRDP header. MD is non-nil for MD-family messages.
type Header struct {
	SequenceCounter uint32
	ProtocolVersion uint16
	MessageType     MessageType
	ComID           uint32
	EtbTopoCnt      uint32
	OpTrnTopoCnt    uint32
	DatasetLength   uint32
	Reserved        uint32
	ReplyComID      uint32
	ReplyIPAddress  uint32
	HeaderFCS       uint32

	MD *MDHeader
}

// MDHeader holds the session fields appended by the MD layout.
type MDHeader struct {
	ReplyStatus    uint32
	SessionID      [SessionIDSize]byte
	ReplyTimeout   uint32
	SourceURI      string
	DestinationURI string
}

// NewHeader returns a header of type t stamped with the protocol version.
func NewHeader(t MessageType) Header {
	h := Header{ProtocolVersion: ProtocolVersion, MessageType: t}
	if t.IsMD() {
		h.MD = &MDHeader{}
	}
	return h
}

// Size returns the encoded header size for the header's message type.
func (h Header) Size() int {
	return HeaderSize(h.MessageType)
}

// HeaderSize returns the encoded header size used by message type t.
func HeaderSize(t MessageType) int {
	if t.IsMD() {
		return MDHeaderSize
	}
	return PDHeaderSize
}

// MaxDataSize returns the payload ceiling for message type t.
func MaxDataSize(t MessageType) int {
	if t.IsMD() {
		return MaxMDDataSize
	}
	return MaxPDDataSize
}

// ReplyAddr decodes the reply IP field into an IPv4 address.
func (h Header) ReplyAddr() netip.Addr {
	ip := h.ReplyIPAddress
	return netip.AddrFrom4([4]byte{byte(ip >> 24), byte(ip >> 16), byte(ip >> 8), byte(ip)})
}

// IPv4ToUint32 packs an IPv4 address in network order. Non-IPv4 addresses pack to zero.
func IPv4ToUint32(addr netip.Addr) uint32 {
	addr = addr.Unmap()
	if !addr.Is4() {
		return 0
	}
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Packet is one decoded TRDP packet.
type Packet struct {
	Header     Header
	Payload    []byte
	PayloadFCS uint32
}
