//go:build mdns

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"

	"ble-bridge/internal/infra/config"
)

const (
	mdnsServiceType = "_blebridge._tcp"
	mdnsDomain      = "local."
)

// announce registers the bridge as a DNS-SD service so webview hosts on the
// local network can locate it. Blocks until ctx is cancelled.
func announce(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	_, portStr, err := net.SplitHostPort(cfg.Gateway.Addr)
	if err != nil {
		return fmt.Errorf("mdns: parse gateway addr: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("mdns: parse gateway port: %w", err)
	}

	instance := cfg.Announce.Instance
	if instance == "" {
		instance = "ble-bridge"
	}

	txt := []string{"path=/ws"}
	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}

	log.Info("mdns advertising", "instance", instance, "port", port)
	<-ctx.Done()
	server.Shutdown()
	return nil
}
