package md

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/danmuck/trdp/internal/protocol"
	"github.com/danmuck/trdp/internal/transport"
)

// TransportKind selects how a request travels.
type TransportKind uint8

const (
	UDP TransportKind = iota
	TCP
)

func (k TransportKind) String() string {
	switch k {
	case UDP:
		return "udp"
	case TCP:
		return "tcp"
	default:
		return fmt.Sprintf("transport(%d)", uint8(k))
	}
}

// ParseTransportKind accepts "udp" or "tcp"; empty means udp.
func ParseTransportKind(s string) (TransportKind, error) {
	switch s {
	case "", "udp":
		return UDP, nil
	case "tcp":
		return TCP, nil
	default:
		return 0, fmt.Errorf("md: unknown transport %q", s)
	}
}

// RequesterConfig defines the caller side of message data.
type RequesterConfig struct {
	LocalAddress string
	// LocalPort 0 binds an ephemeral reply port.
	LocalPort int
	// ReplyAddress is advertised in the reply IP header field. The zero value
	// picks loopback for loopback destinations and the first non-loopback
	// local IPv4 otherwise.
	ReplyAddress netip.Addr
	SourceURI    string

	ReplyTimeout   time.Duration
	ReceiveTimeout time.Duration
	ShutdownGrace  time.Duration
	Dial           transport.DialConfig
}

func DefaultRequesterConfig() RequesterConfig {
	return RequesterConfig{
		ReplyTimeout:   protocol.DefaultMDTimeout,
		ReceiveTimeout: protocol.DefaultPDTimeout,
		ShutdownGrace:  5 * time.Second,
		Dial:           transport.DefaultDialConfig(),
	}
}

// WithDefaults fills zero durations and dial settings from DefaultRequesterConfig.
func (c RequesterConfig) WithDefaults() RequesterConfig {
	def := DefaultRequesterConfig()
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = def.ReplyTimeout
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = def.ReceiveTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
	if c.Dial.Attempts <= 0 {
		c.Dial = def.Dial
	}
	return c
}

// ReplierConfig defines the serving side of message data.
type ReplierConfig struct {
	Address string
	// Port is shared by the TCP listener and UDP socket. 0 picks an ephemeral
	// TCP port and binds UDP to the same number.
	Port int
	URI  string

	ReceiveTimeout time.Duration
	ShutdownGrace  time.Duration

	// RateLimit caps accepted requests per second; 0 disables limiting.
	RateLimit float64
	RateBurst int
}

func DefaultReplierConfig() ReplierConfig {
	return ReplierConfig{
		Port:           protocol.DefaultMDPort,
		ReceiveTimeout: protocol.DefaultPDTimeout,
		ShutdownGrace:  5 * time.Second,
	}
}

func (c ReplierConfig) WithDefaults() ReplierConfig {
	def := DefaultReplierConfig()
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = def.ReceiveTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
	if c.RateLimit > 0 && c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	return c
}
