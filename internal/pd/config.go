package pd

import (
	"net/netip"
	"time"

	"github.com/danmuck/trdp/internal/protocol"
)

// PublisherConfig describes one process data telegram source.
type PublisherConfig struct {
	ComID       uint32
	Destination netip.AddrPort
	// LocalPort 0 sends from an ephemeral port.
	LocalPort int

	// Multicast options; ignored for unicast destinations.
	Interface  string
	TTL        int
	NoLoopback bool

	EtbTopoCnt   uint32
	OpTrnTopoCnt uint32
}

// SubscriberConfig describes one process data sink.
type SubscriberConfig struct {
	ComID   uint32
	Address string
	Port    int
	// Group is the multicast group to join; the zero value receives unicast only.
	Group     netip.Addr
	Interface string

	ReceiveTimeout time.Duration
	ShutdownGrace  time.Duration
}

func DefaultSubscriberConfig() SubscriberConfig {
	return SubscriberConfig{
		Port:           protocol.DefaultPDPort,
		ReceiveTimeout: protocol.DefaultPDTimeout,
		ShutdownGrace:  5 * time.Second,
	}
}

// WithDefaults fills zero durations from DefaultSubscriberConfig.
func (c SubscriberConfig) WithDefaults() SubscriberConfig {
	def := DefaultSubscriberConfig()
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = def.ReceiveTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
	return c
}
