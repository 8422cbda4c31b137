//go:build !edge

package main

import (
	"fmt"
	"log/slog"

	"ble-bridge/internal/usecase/bluetooth"
)

const hardwareSupported = false

func buildHardwareBackend(_ *slog.Logger) (bluetooth.Backend, error) {
	return nil, fmt.Errorf("hardware backend requires a binary built with the edge tag")
}
