package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/danmuck/trdp/internal/protocol"
	"github.com/pelletier/go-toml/v2"
)

// NodeConfig is the endpoint file a trdpd node runs from.
type NodeConfig struct {
	Name        string            `toml:"name"`
	Admin       AdminConfig       `toml:"admin"`
	Publishers  []PublisherEntry  `toml:"publishers"`
	Subscribers []SubscriberEntry `toml:"subscribers"`
	Replier     ReplierEntry      `toml:"replier"`
	Requester   RequesterEntry    `toml:"requester"`
}

type AdminConfig struct {
	Addr        string   `toml:"addr"`
	CorsOrigins []string `toml:"cors_origins"`
	Token       string   `toml:"token"`
}

type PublisherEntry struct {
	ComID       uint32 `toml:"com_id"`
	Destination string `toml:"destination"`
	Interface   string `toml:"interface"`
	TTL         int    `toml:"ttl"`
	CycleMs     int    `toml:"cycle_ms"`
	Payload     string `toml:"payload"`
}

type SubscriberEntry struct {
	ComID     uint32 `toml:"com_id"`
	Port      int    `toml:"port"`
	Group     string `toml:"group"`
	Interface string `toml:"interface"`
}

type ReplierEntry struct {
	Enabled   bool         `toml:"enabled"`
	Port      int          `toml:"port"`
	URI       string       `toml:"uri"`
	RateLimit float64      `toml:"rate_limit"`
	RateBurst int          `toml:"rate_burst"`
	Routes    []RouteEntry `toml:"routes"`
}

// RouteEntry maps a request ComId to a canned behavior.
type RouteEntry struct {
	ComID uint32 `toml:"com_id"`
	Mode  string `toml:"mode"`
	Reply string `toml:"reply"`
}

const (
	RouteEcho   = "echo"
	RouteStatic = "static"
)

type RequesterEntry struct {
	LocalPort    int    `toml:"local_port"`
	ReplyAddress string `toml:"reply_address"`
	TimeoutMs    int    `toml:"timeout_ms"`
	SourceURI    string `toml:"source_uri"`
}

func LoadNodeConfig(path string) (NodeConfig, error) {
	var cfg NodeConfig
	if err := loadToml(path, &cfg); err != nil {
		return NodeConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = "trdpd"
	}
	for i := range cfg.Publishers {
		if cfg.Publishers[i].CycleMs == 0 {
			cfg.Publishers[i].CycleMs = 100
		}
	}
	for i := range cfg.Subscribers {
		if cfg.Subscribers[i].Port == 0 {
			cfg.Subscribers[i].Port = protocol.DefaultPDPort
		}
	}
	if cfg.Replier.Enabled && cfg.Replier.Port == 0 {
		cfg.Replier.Port = protocol.DefaultMDPort
	}
	if err := ValidateNodeConfig(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateNodeConfig(cfg NodeConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("node config missing name")
	}
	for i, p := range cfg.Publishers {
		if err := ValidatePublisher(p); err != nil {
			return fmt.Errorf("publishers[%d] invalid: %w", i, err)
		}
	}
	for i, s := range cfg.Subscribers {
		if err := ValidateSubscriber(s); err != nil {
			return fmt.Errorf("subscribers[%d] invalid: %w", i, err)
		}
	}
	if cfg.Replier.Enabled {
		if err := ValidateReplier(cfg.Replier); err != nil {
			return fmt.Errorf("replier invalid: %w", err)
		}
	}
	if err := ValidateRequester(cfg.Requester); err != nil {
		return fmt.Errorf("requester invalid: %w", err)
	}
	return nil
}

func ValidatePublisher(p PublisherEntry) error {
	if _, err := netip.ParseAddrPort(strings.TrimSpace(p.Destination)); err != nil {
		return fmt.Errorf("destination %q: %w", p.Destination, err)
	}
	if p.CycleMs < 0 {
		return fmt.Errorf("cycle_ms must be positive")
	}
	if len(p.Payload) > protocol.MaxPDDataSize {
		return fmt.Errorf("payload exceeds %d bytes", protocol.MaxPDDataSize)
	}
	if p.TTL < 0 || p.TTL > 255 {
		return fmt.Errorf("ttl out of range")
	}
	return nil
}

func ValidateSubscriber(s SubscriberEntry) error {
	if err := validatePort(s.Port); err != nil {
		return err
	}
	if g := strings.TrimSpace(s.Group); g != "" {
		addr, err := netip.ParseAddr(g)
		if err != nil {
			return fmt.Errorf("group %q: %w", s.Group, err)
		}
		if !addr.Is4() || !addr.IsMulticast() {
			return fmt.Errorf("group %q is not an IPv4 multicast address", s.Group)
		}
	}
	return nil
}

func ValidateReplier(r ReplierEntry) error {
	if err := validatePort(r.Port); err != nil {
		return err
	}
	if len(r.URI) > protocol.URISize {
		return fmt.Errorf("uri longer than %d bytes", protocol.URISize)
	}
	if r.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	seen := make(map[uint32]struct{}, len(r.Routes))
	for i, route := range r.Routes {
		if _, dup := seen[route.ComID]; dup {
			return fmt.Errorf("routes[%d]: duplicate com_id %d", i, route.ComID)
		}
		seen[route.ComID] = struct{}{}
		switch route.Mode {
		case RouteEcho:
		case RouteStatic:
			if route.Reply == "" {
				return fmt.Errorf("routes[%d]: static route needs reply", i)
			}
		default:
			return fmt.Errorf("routes[%d]: unknown mode %q", i, route.Mode)
		}
	}
	return nil
}

func ValidateRequester(r RequesterEntry) error {
	if r.LocalPort != 0 {
		if err := validatePort(r.LocalPort); err != nil {
			return err
		}
	}
	if a := strings.TrimSpace(r.ReplyAddress); a != "" {
		addr, err := netip.ParseAddr(a)
		if err != nil || !addr.Is4() {
			return fmt.Errorf("reply_address %q is not an IPv4 address", r.ReplyAddress)
		}
	}
	if r.TimeoutMs < 0 {
		return fmt.Errorf("timeout_ms must not be negative")
	}
	if len(r.SourceURI) > protocol.URISize {
		return fmt.Errorf("source_uri longer than %d bytes", protocol.URISize)
	}
	return nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range", port)
	}
	return nil
}
