package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ble-bridge/internal/adapter/store"
	"ble-bridge/internal/infra/config"
	"ble-bridge/internal/infra/logger"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()

	// Try to load config — some checks work without it.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Gateway address", Fn: checkGatewayAddr},
		{Name: "Gateway auth", Fn: checkGatewayAuth},
		{Name: "Adapter", Fn: checkAdapter},
		{Name: "Device store", Fn: checkDeviceStore},
	}

	fmt.Println("blebridged doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		icon := statusIcon(result.Status)
		fmt.Printf("  %s %s: %s\n", icon, result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Println("\nFix the FAIL issues above to ensure blebridged runs correctly.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Println("\nblebridged should work, but consider addressing the warnings.")
	} else {
		fmt.Println("\nAll checks passed! blebridged is ready to run.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile returns a check that verifies the config file exists and
// parses correctly. A missing file is a warning: the bridge runs on defaults.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("config file not found at %s — defaults in effect", cfgPath),
			}
		}

		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config file parse error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and file permissions (0600 or 0644)",
			}
		}

		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkGatewayAddr verifies the gateway address parses and the port is free.
func checkGatewayAddr(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check — config not loaded"}
	}

	listener, err := net.Listen("tcp", cfg.Gateway.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot bind %s: %v", cfg.Gateway.Addr, err),
			Fix:     "Stop the process holding the port or change gateway.addr",
		}
	}
	listener.Close()

	host, _, _ := net.SplitHostPort(cfg.Gateway.Addr)
	if host != "127.0.0.1" && host != "localhost" && host != "::1" {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s is bindable but not loopback — the bridge will be reachable from the network", cfg.Gateway.Addr),
		}
	}

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s is bindable", cfg.Gateway.Addr),
	}
}

// checkGatewayAuth flags non-loopback deployments running without auth.
func checkGatewayAuth(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check — config not loaded"}
	}

	if cfg.Gateway.Auth.Type == "static" {
		if len(cfg.Gateway.Auth.Tokens) == 0 {
			return CheckResult{
				Status:  StatusFail,
				Message: "static auth configured with no tokens",
				Fix:     "Add at least one token under gateway.auth.tokens",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("static auth with %d token(s)", len(cfg.Gateway.Auth.Tokens)),
		}
	}

	host, _, _ := net.SplitHostPort(cfg.Gateway.Addr)
	if host != "127.0.0.1" && host != "localhost" && host != "::1" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "no auth configured on a non-loopback address",
			Fix:     "Set gateway.auth.type to static and configure tokens",
		}
	}

	return CheckResult{
		Status:  StatusPass,
		Message: "no auth (loopback only)",
	}
}

// checkAdapter builds the configured backend and queries availability.
func checkAdapter(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check — config not loaded"}
	}

	log, logCloser, err := logger.New(config.LoggerConfig{Level: "error", Output: "stderr"})
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("logger: %v", err)}
	}
	defer logCloser()

	backend, err := buildBackend(cfg.Bluetooth.Backend, log)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("backend %q: %v", cfg.Bluetooth.Backend, err),
			Fix:     "Set bluetooth.backend to mock, or rebuild with the edge tag",
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := backend.Available(ctx)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("adapter check failed: %v", err),
			Fix:     "Verify the host Bluetooth stack is running",
		}
	}
	if !ok {
		return CheckResult{
			Status:  StatusWarn,
			Message: "adapter reports unavailable",
		}
	}

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("backend %q available", cfg.Bluetooth.Backend),
	}
}

// checkDeviceStore verifies the store path is creatable and the schema loads.
func checkDeviceStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check — config not loaded"}
	}

	if !cfg.Store.Enabled {
		return CheckResult{
			Status:  StatusPass,
			Message: "device store disabled (no persistence)",
		}
	}

	dir := filepath.Dir(cfg.Store.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot create store directory %s: %v", dir, err),
			Fix:     fmt.Sprintf("Fix permissions on %s or change store.path", dir),
		}
	}

	// Open through the real store so the migration runs.
	s, err := store.NewSQLiteDeviceStore(cfg.Store.Path)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot open store at %s: %v", cfg.Store.Path, err),
		}
	}
	s.Close()

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("store at %s writable", cfg.Store.Path),
	}
}
