//go:build edge

package main

import (
	"log/slog"

	"ble-bridge/internal/adapter/backend"
	"ble-bridge/internal/usecase/bluetooth"
)

const hardwareSupported = true

func buildHardwareBackend(log *slog.Logger) (bluetooth.Backend, error) {
	return backend.NewTinyGoBackend(log)
}
