//go:build !mdns

package main

import (
	"context"
	"log/slog"

	"ble-bridge/internal/infra/config"
)

func announce(_ context.Context, _ *config.Config, log *slog.Logger) error {
	log.Warn("announce.mdns is enabled but the binary was built without the mdns tag")
	return nil
}
