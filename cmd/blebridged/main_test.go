package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"ble-bridge/internal/adapter/gateway"
	"ble-bridge/internal/infra/config"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildAuthenticator(t *testing.T) {
	auth := buildAuthenticator(config.AuthConfig{})
	if _, ok := auth.(gateway.NoAuth); !ok {
		t.Errorf("expected NoAuth for empty auth config, got %T", auth)
	}

	auth = buildAuthenticator(config.AuthConfig{
		Type:   "static",
		Tokens: []config.TokenConfig{{Token: "s3cret", Name: "webview"}},
	})
	static, ok := auth.(*gateway.StaticTokenAuth)
	if !ok {
		t.Fatalf("expected StaticTokenAuth, got %T", auth)
	}

	info, err := static.Authenticate("s3cret")
	if err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	if info.Name != "webview" {
		t.Errorf("client name = %q, want webview", info.Name)
	}
	if _, err := static.Authenticate("wrong"); err == nil {
		t.Error("invalid token accepted")
	}
}

func TestBuildMockBackendSeedsDevice(t *testing.T) {
	backend := buildMockBackend(testLogger(t))

	ok, err := backend.Available(context.Background())
	if err != nil || !ok {
		t.Fatalf("mock backend unavailable: ok=%v err=%v", ok, err)
	}
}
