package config

import (
	"net/netip"
	"strings"
	"time"

	"github.com/danmuck/trdp/internal/md"
	"github.com/danmuck/trdp/internal/pd"
)

// PublisherConfig converts a validated entry.
func (p PublisherEntry) PublisherConfig() pd.PublisherConfig {
	dst, _ := netip.ParseAddrPort(strings.TrimSpace(p.Destination))
	return pd.PublisherConfig{
		ComID:       p.ComID,
		Destination: dst,
		Interface:   p.Interface,
		TTL:         p.TTL,
	}
}

func (p PublisherEntry) Cycle() time.Duration {
	return time.Duration(p.CycleMs) * time.Millisecond
}

func (s SubscriberEntry) SubscriberConfig() pd.SubscriberConfig {
	cfg := pd.DefaultSubscriberConfig()
	cfg.ComID = s.ComID
	cfg.Port = s.Port
	cfg.Interface = s.Interface
	if g := strings.TrimSpace(s.Group); g != "" {
		cfg.Group, _ = netip.ParseAddr(g)
	}
	return cfg
}

func (r ReplierEntry) ReplierConfig() md.ReplierConfig {
	cfg := md.DefaultReplierConfig()
	cfg.Port = r.Port
	cfg.URI = r.URI
	cfg.RateLimit = r.RateLimit
	cfg.RateBurst = r.RateBurst
	return cfg
}

func (r RequesterEntry) RequesterConfig() md.RequesterConfig {
	cfg := md.DefaultRequesterConfig()
	cfg.LocalPort = r.LocalPort
	cfg.SourceURI = r.SourceURI
	if r.TimeoutMs > 0 {
		cfg.ReplyTimeout = time.Duration(r.TimeoutMs) * time.Millisecond
	}
	if a := strings.TrimSpace(r.ReplyAddress); a != "" {
		cfg.ReplyAddress, _ = netip.ParseAddr(a)
	}
	return cfg
}
