package main

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

// serviceConfig holds daemon runtime settings layered over the node file.
// LogLevel NoLevel leaves the environment-configured level in place.
type serviceConfig struct {
	NodeConfigPath string
	LogLevel       zerolog.Level
	AdminAddr      string
	ShutdownGrace  time.Duration
	ReplyAddress   netip.Addr
	RequestTimeout time.Duration
}

type fileConfig struct {
	Node             string `toml:"node"`
	LogLevel         string `toml:"log_level"`
	AdminAddr        string `toml:"admin_addr"`
	ShutdownGrace    string `toml:"shutdown_grace"`
	ReplyAddress     string `toml:"reply_address"`
	RequestTimeout   string `toml:"request_timeout"`
	RequestTimeoutMS int64  `toml:"request_timeout_ms"`
}

func defaultServiceConfig() serviceConfig {
	return serviceConfig{
		NodeConfigPath: "cmd/trdpd/node.toml",
		LogLevel:       zerolog.NoLevel,
		ShutdownGrace:  5 * time.Second,
	}
}

func loadServiceConfig(path string) (serviceConfig, error) {
	cfg := defaultServiceConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serviceConfig{}, fmt.Errorf("load trdpd config: %w", err)
	}

	if meta.IsDefined("node") {
		if p := strings.TrimSpace(raw.Node); p != "" {
			cfg.NodeConfigPath = p
		}
	}

	if meta.IsDefined("log_level") {
		level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(raw.LogLevel)))
		if err != nil {
			return serviceConfig{}, fmt.Errorf("parse log_level: %w", err)
		}
		cfg.LogLevel = level
	}

	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}

	if meta.IsDefined("shutdown_grace") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ShutdownGrace))
		if err != nil {
			return serviceConfig{}, fmt.Errorf("parse shutdown_grace: %w", err)
		}
		cfg.ShutdownGrace = d
	}

	if meta.IsDefined("reply_address") {
		addr, err := netip.ParseAddr(strings.TrimSpace(raw.ReplyAddress))
		if err != nil || !addr.Is4() {
			return serviceConfig{}, fmt.Errorf("parse reply_address %q: must be an IPv4 address", raw.ReplyAddress)
		}
		cfg.ReplyAddress = addr
	}

	if meta.IsDefined("request_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RequestTimeout))
		if err != nil {
			return serviceConfig{}, fmt.Errorf("parse request_timeout: %w", err)
		}
		cfg.RequestTimeout = d
	}

	if meta.IsDefined("request_timeout_ms") {
		cfg.RequestTimeout = time.Duration(raw.RequestTimeoutMS) * time.Millisecond
	}

	if cfg.ShutdownGrace <= 0 {
		return serviceConfig{}, fmt.Errorf("shutdown_grace must be positive")
	}
	if cfg.RequestTimeout < 0 {
		return serviceConfig{}, fmt.Errorf("request_timeout must not be negative")
	}
	return cfg, nil
}
