package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ble-bridge/internal/domain"
	"ble-bridge/internal/usecase/bluetooth"
	"ble-bridge/internal/usecase/eventbus"
	"ble-bridge/internal/usecase/policy"
)

const (
	testService = "0000180D-0000-1000-8000-00805F9B34FB"
	testChar    = "00002A37-0000-1000-8000-00805F9B34FB"
)

type testGateway struct {
	server  *Server
	backend *bluetooth.MockBackend
	client  *ClientInfo
}

func newTestGateway(t *testing.T, pol *policy.Policy) *testGateway {
	t.Helper()
	bus := eventbus.New(slog.Default())
	t.Cleanup(bus.Close)

	backend := bluetooth.NewMockBackend()
	mgr, err := bluetooth.NewManager(backend, bluetooth.FirstMatchSelector{}, nil, bus, slog.Default())
	require.NoError(t, err)

	s := NewServer(bus, NoAuth{}, "127.0.0.1:0", 0, 0, slog.Default())
	RegisterDefaultHandlers(s, HandlerDeps{
		Manager: mgr,
		Policy:  pol,
		Bus:     bus,
		Logger:  slog.Default(),
	})
	return &testGateway{server: s, backend: backend, client: &ClientInfo{Name: "test"}}
}

// call invokes a registered method the way dispatchRPC would.
func (g *testGateway) call(t *testing.T, method string, payload any) (json.RawMessage, error) {
	t.Helper()
	g.server.handlersMu.RLock()
	handler, ok := g.server.handlers[method]
	g.server.handlersMu.RUnlock()
	require.True(t, ok, "method %s not registered", method)

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = b
	}
	return handler(context.Background(), g.client, raw)
}

func (g *testGateway) seedDevice(t *testing.T) string {
	t.Helper()
	id := g.backend.AddDevice("", "Polar H10", testService)
	g.backend.AddService(id, domain.Service{
		UUID:      testService,
		IsPrimary: true,
		Characteristics: []domain.Characteristic{
			{UUID: testChar, Properties: domain.CharacteristicProperties{Read: true, Write: true, Notify: true}},
		},
	})
	res, err := g.call(t, "bluetooth|requestDevice", map[string]any{
		"options": map[string]any{"acceptAllDevices": true, "scanTimeoutMs": 200},
	})
	require.NoError(t, err)
	var dev domain.Device
	require.NoError(t, json.Unmarshal(res, &dev))
	require.Equal(t, id, dev.ID)
	return id
}

func TestAllCommandsRegistered(t *testing.T) {
	g := newTestGateway(t, nil)

	for _, cmd := range []string{
		cmdGetAvailability, cmdGetDevices, cmdRequestDevice,
		cmdConnect, cmdDisconnect, cmdForgetDevice,
		cmdGetPrimaryServices, cmdGetCharacteristics,
		cmdReadValue, cmdWriteValue,
		cmdStartNotifications, cmdStopNotifications,
		cmdPing,
	} {
		g.server.handlersMu.RLock()
		_, ok := g.server.handlers["bluetooth|"+cmd]
		g.server.handlersMu.RUnlock()
		assert.True(t, ok, "bluetooth|%s missing", cmd)
	}
}

func TestGetAvailabilityRPC(t *testing.T) {
	g := newTestGateway(t, nil)

	res, err := g.call(t, "bluetooth|getAvailability", nil)
	require.NoError(t, err)
	var resp availabilityResponse
	require.NoError(t, json.Unmarshal(res, &resp))
	assert.True(t, resp.Available)
}

func TestDeviceLifecycleRPC(t *testing.T) {
	g := newTestGateway(t, nil)
	id := g.seedDevice(t)

	res, err := g.call(t, "bluetooth|getDevices", nil)
	require.NoError(t, err)
	var devices []domain.Device
	require.NoError(t, json.Unmarshal(res, &devices))
	require.Len(t, devices, 1)

	res, err = g.call(t, "bluetooth|connect", map[string]any{"deviceId": id})
	require.NoError(t, err)
	var info domain.GattServerInfo
	require.NoError(t, json.Unmarshal(res, &info))
	assert.True(t, info.Connected)
	require.Len(t, info.Services, 1)

	res, err = g.call(t, "bluetooth|getPrimaryServices", map[string]any{"deviceId": id})
	require.NoError(t, err)
	var services []domain.Service
	require.NoError(t, json.Unmarshal(res, &services))
	assert.Len(t, services, 1)

	res, err = g.call(t, "bluetooth|getCharacteristics", map[string]any{
		"deviceId": id, "service": testService,
	})
	require.NoError(t, err)
	var chars []domain.Characteristic
	require.NoError(t, json.Unmarshal(res, &chars))
	require.Len(t, chars, 1)

	_, err = g.call(t, "bluetooth|disconnect", map[string]any{"deviceId": id})
	require.NoError(t, err)

	_, err = g.call(t, "bluetooth|forgetDevice", map[string]any{"deviceId": id})
	require.NoError(t, err)

	res, err = g.call(t, "bluetooth|getDevices", nil)
	require.NoError(t, err)
	devices = nil
	require.NoError(t, json.Unmarshal(res, &devices))
	assert.Empty(t, devices)
}

func TestReadWriteRPC(t *testing.T) {
	g := newTestGateway(t, nil)
	id := g.seedDevice(t)
	_, err := g.call(t, "bluetooth|connect", map[string]any{"deviceId": id})
	require.NoError(t, err)

	g.backend.SetValue(id, testService, testChar, []byte{0x06, 0x48})
	res, err := g.call(t, "bluetooth|readValue", map[string]any{
		"deviceId": id, "service": testService, "characteristic": testChar,
	})
	require.NoError(t, err)
	var val domain.Value
	require.NoError(t, json.Unmarshal(res, &val))
	raw, err := bluetooth.DecodeValue(val.Value)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x06, 0x48}, raw)

	// withResponse defaults to true when omitted.
	_, err = g.call(t, "bluetooth|writeValue", map[string]any{
		"deviceId": id, "service": testService, "characteristic": testChar,
		"value": bluetooth.EncodeValue([]byte{0x01}),
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, g.backend.Written(id, testService, testChar))
}

func TestInvalidPayloadRPC(t *testing.T) {
	g := newTestGateway(t, nil)

	_, err := g.call(t, "bluetooth|connect", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, domain.CodeRPCInvalidPayload, domain.ErrorCodeOf(err))

	_, err = g.call(t, "bluetooth|readValue", map[string]any{"deviceId": "x"})
	require.Error(t, err)
	assert.Equal(t, domain.CodeRPCInvalidPayload, domain.ErrorCodeOf(err))
}

func TestErrorCodesCrossTheWire(t *testing.T) {
	g := newTestGateway(t, nil)

	_, err := g.call(t, "bluetooth|connect", map[string]any{"deviceId": "no-such"})
	require.Error(t, err)
	assert.Equal(t, domain.CodeUnknownDevice, domain.ErrorCodeOf(err))

	_, err = g.call(t, "bluetooth|requestDevice", map[string]any{"options": map[string]any{}})
	require.Error(t, err)
	assert.Equal(t, domain.CodeInvalidFilter, domain.ErrorCodeOf(err))
}

func TestPolicyDeniesCommand(t *testing.T) {
	g := newTestGateway(t, policy.New(nil, []string{"writeValue"}))
	id := g.seedDevice(t)
	_, err := g.call(t, "bluetooth|connect", map[string]any{"deviceId": id})
	require.NoError(t, err)

	_, err = g.call(t, "bluetooth|writeValue", map[string]any{
		"deviceId": id, "service": testService, "characteristic": testChar,
		"value": bluetooth.EncodeValue([]byte{0x01}),
	})
	require.Error(t, err)
	assert.Equal(t, domain.CodePermissionDenied, domain.ErrorCodeOf(err))

	// Reads are still permitted.
	g.backend.SetValue(id, testService, testChar, []byte{0x01})
	_, err = g.call(t, "bluetooth|readValue", map[string]any{
		"deviceId": id, "service": testService, "characteristic": testChar,
	})
	require.NoError(t, err)
}

func TestPingRPC(t *testing.T) {
	g := newTestGateway(t, nil)

	res, err := g.call(t, "bluetooth|ping", map[string]any{"value": "pong?"})
	require.NoError(t, err)
	var resp pingRequest
	require.NoError(t, json.Unmarshal(res, &resp))
	require.NotNil(t, resp.Value)
	assert.Equal(t, "pong?", *resp.Value)

	res, err = g.call(t, "bluetooth|ping", nil)
	require.NoError(t, err)
	resp = pingRequest{}
	require.NoError(t, json.Unmarshal(res, &resp))
	assert.Nil(t, resp.Value)
}

func TestResponseFrameCarriesErrorCode(t *testing.T) {
	s := NewServer(eventbus.New(slog.Default()), NoAuth{}, "127.0.0.1:0", 0, 0, slog.Default())
	cc := &clientConn{sendCh: make(chan Frame, 1), done: make(chan struct{})}

	s.sendResponse(cc, 7, nil, domain.NewDomainError("op", domain.ErrNotConnected, "D1"))
	frame := <-cc.sendCh
	assert.Equal(t, FrameTypeResponse, frame.Type)
	assert.Equal(t, uint64(7), frame.ID)
	assert.Equal(t, string(domain.CodeNotConnected), frame.Code)
	assert.NotEmpty(t, frame.Error)
}
