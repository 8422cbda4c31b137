package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ble-bridge/internal/adapter/gateway"
	"ble-bridge/internal/adapter/store"
	"ble-bridge/internal/domain"
	"ble-bridge/internal/infra/config"
	"ble-bridge/internal/infra/logger"
	"ble-bridge/internal/infra/tracer"
	"ble-bridge/internal/usecase/bluetooth"
	"ble-bridge/internal/usecase/eventbus"
	"ble-bridge/internal/usecase/policy"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "serve":
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	case "encrypt":
		if err := runEncrypt(); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'blebridged --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`blebridged - BLE bridge daemon for webview guests

USAGE:
    blebridged [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the bridge (default when no command is given)
    doctor      Run health checks on your setup
    encrypt     Encrypt a secret for use as an enc: config value

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: BLEBRIDGE_* variables override config

EXAMPLES:
    blebridged                           # Run with config.yaml (or defaults)
    blebridged --config /etc/blebridged/config.yaml
    blebridged doctor                    # Check adapter, store and gateway
    BLEBRIDGE_BLUETOOTH_BACKEND=mock blebridged   # Run against the mock`)
}

func run() error {
	// 1. Config. A missing file is fine; the bridge runs on defaults.
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 4. Device store
	var devStore bluetooth.DeviceStore
	if cfg.Store.Enabled {
		sqlStore, err := store.NewSQLiteDeviceStore(cfg.Store.Path)
		if err != nil {
			return fmt.Errorf("device store: %w", err)
		}
		defer sqlStore.Close()
		devStore = sqlStore
	}

	// 5. BLE backend
	backend, err := buildBackend(cfg.Bluetooth.Backend, log)
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}

	// 6. Manager
	manager, err := bluetooth.NewManager(backend, bluetooth.FirstMatchSelector{}, devStore, bus, log)
	if err != nil {
		return fmt.Errorf("manager: %w", err)
	}
	manager.SetDefaultScanTimeout(time.Duration(cfg.Bluetooth.ScanTimeoutMs) * time.Millisecond)

	// 7. Policy
	var pol *policy.Policy
	if len(cfg.Policy.Allowed) > 0 || len(cfg.Policy.Denied) > 0 {
		pol = policy.New(cfg.Policy.Allowed, cfg.Policy.Denied)
	}

	// 8. Gateway
	auth := buildAuthenticator(cfg.Gateway.Auth)
	srv := gateway.NewServer(bus, auth, cfg.Gateway.Addr, cfg.Gateway.RateLimitRPS, cfg.Gateway.RateLimitBurst, log)
	gateway.RegisterDefaultHandlers(srv, gateway.HandlerDeps{
		Manager: manager,
		Policy:  pol,
		Bus:     bus,
		Logger:  log,
	})
	srv.RegisterHTTPRoute("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	// 9. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 10. mDNS announcement (requires the mdns build tag)
	if cfg.Announce.MDNS {
		go func() {
			if err := announce(ctx, cfg, log); err != nil {
				log.Warn("mdns announce failed", "error", err)
			}
		}()
	}

	log.Info("blebridged starting",
		"addr", cfg.Gateway.Addr,
		"backend", cfg.Bluetooth.Backend,
		"store", cfg.Store.Enabled,
		"auth", cfg.Gateway.Auth.Type != "",
	)

	return srv.Start(ctx)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("BLEBRIDGE_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func buildAuthenticator(cfg config.AuthConfig) gateway.Authenticator {
	if cfg.Type != "static" {
		return gateway.NoAuth{}
	}
	entries := make([]gateway.TokenEntry, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		entries = append(entries, gateway.TokenEntry{Token: t.Token, Name: t.Name})
	}
	return gateway.NewStaticTokenAuth(entries)
}

// buildBackend resolves the configured backend name. "auto" prefers hardware
// when the binary carries it and falls back to the mock otherwise.
func buildBackend(name string, log *slog.Logger) (bluetooth.Backend, error) {
	switch name {
	case "mock":
		return buildMockBackend(log), nil
	case "hardware":
		return buildHardwareBackend(log)
	case "auto", "":
		if hardwareSupported {
			return buildHardwareBackend(log)
		}
		log.Info("hardware backend not built in, using mock")
		return buildMockBackend(log), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s (want: auto, hardware, mock)", name)
	}
}

// buildMockBackend seeds a simulated peripheral so a mock bridge is
// immediately usable from a webview.
func buildMockBackend(log *slog.Logger) bluetooth.Backend {
	mock := bluetooth.NewMockBackend()
	const heartRate = "0000180D-0000-1000-8000-00805F9B34FB"
	id := mock.AddDevice("", "Mock Heart Rate Monitor", heartRate)
	mock.AddService(id, domain.Service{
		UUID:      heartRate,
		IsPrimary: true,
		Characteristics: []domain.Characteristic{
			{
				UUID:       "00002A37-0000-1000-8000-00805F9B34FB",
				Properties: domain.CharacteristicProperties{Read: true, Notify: true},
			},
		},
	})
	mock.SetValue(id, heartRate, "00002A37-0000-1000-8000-00805F9B34FB", []byte{0x00, 0x48})
	log.Info("mock backend ready", "device_id", id)
	return mock
}

func runEncrypt() error {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Usage: blebridged encrypt <value>")
		os.Exit(1)
	}
	key := os.Getenv("BLEBRIDGE_CONFIG_KEY")
	if key == "" {
		return fmt.Errorf("BLEBRIDGE_CONFIG_KEY must be set")
	}
	enc, err := config.EncryptValue(os.Args[2], key)
	if err != nil {
		return err
	}
	fmt.Printf("enc:%s\n", enc)
	return nil
}
