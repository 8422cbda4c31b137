package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"ble-bridge/internal/domain"
	"ble-bridge/internal/usecase/bluetooth"
	"ble-bridge/internal/usecase/policy"
)

// HandlerDeps holds dependencies needed by RPC handlers.
type HandlerDeps struct {
	Manager *bluetooth.Manager
	Policy  *policy.Policy // can be nil (every command permitted)
	Bus     domain.EventBus
	Logger  *slog.Logger
}

// Command names as guests invoke them. Methods are namespaced
// "bluetooth|<command>" to keep the surface extensible.
const (
	cmdGetAvailability     = "getAvailability"
	cmdGetDevices          = "getDevices"
	cmdRequestDevice       = "requestDevice"
	cmdConnect             = "connect"
	cmdDisconnect          = "disconnect"
	cmdForgetDevice        = "forgetDevice"
	cmdGetPrimaryServices  = "getPrimaryServices"
	cmdGetCharacteristics  = "getCharacteristics"
	cmdReadValue           = "readValue"
	cmdWriteValue          = "writeValue"
	cmdStartNotifications  = "startNotifications"
	cmdStopNotifications   = "stopNotifications"
	cmdPing                = "ping"
)

// requirePolicy wraps an RPCHandler with command-level permission checks.
// A nil policy permits everything.
func requirePolicy(deps HandlerDeps, command string, handler RPCHandler) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		if deps.Policy != nil {
			if err := deps.Policy.Check(command); err != nil {
				deps.Logger.Warn("command denied by policy", "command", command, "client", client.Name)
				return nil, err
			}
		}
		return handler(ctx, client, payload)
	}
}

// RegisterDefaultHandlers registers the full bridge command surface on the
// server.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	rpc := func(command string, h RPCHandler) {
		s.RegisterHandler("bluetooth|"+command, requirePolicy(deps, command, h))
	}

	rpc(cmdGetAvailability, getAvailabilityHandler(deps))
	rpc(cmdGetDevices, getDevicesHandler(deps))
	rpc(cmdRequestDevice, requestDeviceHandler(deps))
	rpc(cmdConnect, connectHandler(deps))
	rpc(cmdDisconnect, disconnectHandler(deps))
	rpc(cmdForgetDevice, forgetDeviceHandler(deps))
	rpc(cmdGetPrimaryServices, getPrimaryServicesHandler(deps))
	rpc(cmdGetCharacteristics, getCharacteristicsHandler(deps))
	rpc(cmdReadValue, readValueHandler(deps))
	rpc(cmdWriteValue, writeValueHandler(deps))
	rpc(cmdStartNotifications, startNotificationsHandler(deps))
	rpc(cmdStopNotifications, stopNotificationsHandler(deps))
	rpc(cmdPing, pingHandler(deps))
}

// --- availability / cache ---

type availabilityResponse struct {
	Available bool `json:"available"`
}

func getAvailabilityHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		ok, err := deps.Manager.GetAvailability(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(availabilityResponse{Available: ok})
	}
}

func getDevicesHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		devices, err := deps.Manager.GetDevices(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(devices)
	}
}

// --- selection ---

type requestDeviceRequest struct {
	Options domain.RequestDeviceOptions `json:"options"`
}

func requestDeviceHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req requestDeviceRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		dev, err := deps.Manager.RequestDevice(ctx, req.Options)
		if err != nil {
			return nil, err
		}
		return json.Marshal(dev)
	}
}

// --- connection ---

type deviceRequest struct {
	DeviceID string `json:"deviceId"`
}

func connectHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req deviceRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.DeviceID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		info, err := deps.Manager.ConnectGATT(ctx, req.DeviceID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(info)
	}
}

func disconnectHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req deviceRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.DeviceID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		if err := deps.Manager.DisconnectGATT(ctx, req.DeviceID); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})
	}
}

func forgetDeviceHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req deviceRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.DeviceID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		if err := deps.Manager.ForgetDevice(ctx, req.DeviceID); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})
	}
}

// --- discovery ---

type primaryServicesRequest struct {
	DeviceID string `json:"deviceId"`
	Service  string `json:"service,omitempty"`
}

func getPrimaryServicesHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req primaryServicesRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.DeviceID == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		services, err := deps.Manager.GetPrimaryServices(ctx, req.DeviceID, req.Service)
		if err != nil {
			return nil, err
		}
		return json.Marshal(services)
	}
}

type characteristicsRequest struct {
	DeviceID       string `json:"deviceId"`
	Service        string `json:"service"`
	Characteristic string `json:"characteristic,omitempty"`
}

func getCharacteristicsHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req characteristicsRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.DeviceID == "" || req.Service == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		chars, err := deps.Manager.GetCharacteristics(ctx, req.DeviceID, req.Service, req.Characteristic)
		if err != nil {
			return nil, err
		}
		return json.Marshal(chars)
	}
}

// --- values ---

type valueRequest struct {
	DeviceID       string `json:"deviceId"`
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
}

func (r valueRequest) incomplete() bool {
	return r.DeviceID == "" || r.Service == "" || r.Characteristic == ""
}

func readValueHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req valueRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.incomplete() {
			return nil, domain.ErrRPCInvalidPayload
		}
		val, err := deps.Manager.ReadCharacteristicValue(ctx, req.DeviceID, req.Service, req.Characteristic)
		if err != nil {
			return nil, err
		}
		return json.Marshal(val)
	}
}

type writeValueRequest struct {
	DeviceID       string `json:"deviceId"`
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
	Value          string `json:"value"`
	WithResponse   *bool  `json:"withResponse,omitempty"` // defaults to true
}

func writeValueHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req writeValueRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.DeviceID == "" || req.Service == "" || req.Characteristic == "" {
			return nil, domain.ErrRPCInvalidPayload
		}
		withResponse := true
		if req.WithResponse != nil {
			withResponse = *req.WithResponse
		}
		if err := deps.Manager.WriteCharacteristicValue(ctx, req.DeviceID, req.Service, req.Characteristic, req.Value, withResponse); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})
	}
}

// --- notifications ---

func startNotificationsHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req valueRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.incomplete() {
			return nil, domain.ErrRPCInvalidPayload
		}
		if err := deps.Manager.StartNotifications(ctx, req.DeviceID, req.Service, req.Characteristic); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})
	}
}

func stopNotificationsHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req valueRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, domain.ErrRPCInvalidPayload
		}
		if req.incomplete() {
			return nil, domain.ErrRPCInvalidPayload
		}
		if err := deps.Manager.StopNotifications(ctx, req.DeviceID, req.Service, req.Characteristic); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})
	}
}

// --- diagnostics ---

type pingRequest struct {
	Value *string `json:"value"`
}

func pingHandler(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req pingRequest
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, domain.ErrRPCInvalidPayload
			}
		}
		return json.Marshal(pingRequest{Value: deps.Manager.Ping(ctx, req.Value)})
	}
}
