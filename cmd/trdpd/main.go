package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/trdp/internal/admin"
	"github.com/danmuck/trdp/internal/config"
	"github.com/danmuck/trdp/internal/node"
	"github.com/danmuck/trdp/internal/observability"
	"github.com/danmuck/trdp/internal/protocol"
	"github.com/rs/zerolog"
)

func main() {
	svcPath := flag.String("config", "", "trdpd service config (optional)")
	nodePath := flag.String("node", "", "node endpoint config (overrides the service config)")
	flag.Parse()

	if err := run(*svcPath, *nodePath); err != nil {
		fmt.Fprintf(os.Stderr, "trdpd: %v\n", err)
		os.Exit(1)
	}
}

func run(svcPath, nodePath string) error {
	log := observability.InitLogger("trdpd")

	svc := defaultServiceConfig()
	if svcPath != "" {
		loaded, err := loadServiceConfig(svcPath)
		if err != nil {
			return err
		}
		svc = loaded
	}
	if svc.LogLevel != zerolog.NoLevel {
		zerolog.SetGlobalLevel(svc.LogLevel)
	}
	if nodePath != "" {
		svc.NodeConfigPath = nodePath
	}

	nodeCfg, err := config.LoadNodeConfig(svc.NodeConfigPath)
	if err != nil {
		return err
	}
	applyOverrides(&nodeCfg, svc)

	n, err := node.New(nodeCfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *admin.Server
	if nodeCfg.Admin.Addr != "" {
		srv = admin.New(admin.Config{
			Name:        nodeCfg.Name,
			Addr:        nodeCfg.Admin.Addr,
			CorsOrigins: nodeCfg.Admin.CorsOrigins,
			Token:       nodeCfg.Admin.Token,
		}, admin.SourceFunc{
			ReadyFunc: n.Ready,
			StatsFunc: func() any { return n.Stats() },
		})
		if err := srv.Start(); err != nil {
			n.Close()
			return fmt.Errorf("admin: %w", err)
		}
	}

	log.Info().
		Str("node", nodeCfg.Name).
		Str("config", svc.NodeConfigPath).
		Str("version", fmt.Sprintf("0x%04X", protocol.ProtocolVersion)).
		Msg("trdpd starting")

	runErr := n.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), svc.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("admin shutdown")
		}
	}
	log.Info().Dur("grace", svc.ShutdownGrace).Msg("trdpd stopped")
	return runErr
}

func applyOverrides(cfg *config.NodeConfig, svc serviceConfig) {
	if svc.AdminAddr != "" {
		cfg.Admin.Addr = svc.AdminAddr
	}
	if svc.ReplyAddress.IsValid() {
		cfg.Requester.ReplyAddress = svc.ReplyAddress.String()
	}
	if svc.RequestTimeout > 0 {
		cfg.Requester.TimeoutMs = int(svc.RequestTimeout / time.Millisecond)
	}
}
