package bluetooth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"ble-bridge/internal/domain"
	"ble-bridge/internal/infra/tracer"
)

// deviceState is the Manager's view of one cached device.
type deviceState struct {
	device     domain.Device
	services   []domain.Service
	discovered bool // services fetched at least once via connect
}

// Manager implements the BLE command surface against an injected Backend.
// It owns the authoritative device cache, the notification subscription
// registry and all protocol-level validation; the backend only talks to
// the platform adapter.
//
// Devices are never evicted automatically — only ForgetDevice removes a
// cache entry.
type Manager struct {
	backend  Backend
	selector Selector
	store    DeviceStore // may be nil
	bus      domain.EventBus
	logger   *slog.Logger

	mu      sync.Mutex
	devices map[string]*deviceState
	order   []string // cache insertion order
	subs    map[domain.SubscriptionKey]bool

	lockMu   sync.Mutex
	devLocks map[string]*sync.Mutex

	defaultScanTimeout time.Duration
}

// NewManager wires a Manager and registers its disconnect handler on the
// backend. When store is non-nil, remembered devices are loaded into the
// cache (disconnected) before the Manager is returned.
func NewManager(backend Backend, selector Selector, store DeviceStore, bus domain.EventBus, logger *slog.Logger) (*Manager, error) {
	if selector == nil {
		selector = FirstMatchSelector{}
	}
	m := &Manager{
		backend:  backend,
		selector: selector,
		store:    store,
		bus:      bus,
		logger:   logger,
		devices:  make(map[string]*deviceState),
		subs:     make(map[domain.SubscriptionKey]bool),
		devLocks: make(map[string]*sync.Mutex),
	}
	if store != nil {
		remembered, err := store.List(context.Background())
		if err != nil {
			return nil, domain.WrapOp("Manager.New: load device store", err)
		}
		for _, dev := range remembered {
			dev.Connected = false
			m.devices[dev.ID] = &deviceState{device: dev}
			m.order = append(m.order, dev.ID)
		}
	}
	backend.OnDisconnect(m.handleDisconnect)
	return m, nil
}

// SetDefaultScanTimeout overrides the scan window applied to requests that
// omit scanTimeoutMs. Zero or negative keeps the built-in default.
func (m *Manager) SetDefaultScanTimeout(d time.Duration) {
	if d > 0 {
		m.defaultScanTimeout = d
	}
}

// GetAvailability reports whether the platform adapter is usable.
func (m *Manager) GetAvailability(ctx context.Context) (bool, error) {
	ok, err := m.backend.Available(ctx)
	if err != nil {
		return false, domain.NewDomainError("Manager.GetAvailability", domain.ErrAdapterUnavailable, err.Error())
	}
	return ok, nil
}

// GetDevices returns the current cache in insertion order. An empty result
// is valid.
func (m *Manager) GetDevices(ctx context.Context) ([]domain.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Device, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.devices[id].device)
	}
	return out, nil
}

// RequestDevice runs a discovery scan, hands matching candidates to the
// selector and inserts the chosen device into the cache. The scan window is
// opts.ScanTimeoutMs (default 10s); expiry with no selection fails with
// ScanTimeout, a dismissed chooser with SelectionCancelled.
func (m *Manager) RequestDevice(ctx context.Context, opts domain.RequestDeviceOptions) (domain.Device, error) {
	ctx, span := tracer.StartSpan(ctx, "bluetooth.request_device")
	defer span.End()

	if err := opts.Validate(); err != nil {
		tracer.RecordError(span, err)
		return domain.Device{}, err
	}

	timeout := time.Duration(opts.ScanTimeoutMs) * time.Millisecond
	if opts.ScanTimeoutMs <= 0 {
		timeout = domain.DefaultScanTimeoutMs * time.Millisecond
		if m.defaultScanTimeout > 0 {
			timeout = m.defaultScanTimeout
		}
	}
	scanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	candidates := make(chan domain.Device, 16)
	var seenMu sync.Mutex
	seen := make(map[string]domain.Device)

	scanErr := make(chan error, 1)
	go func() {
		err := m.backend.Scan(scanCtx, func(dev domain.Device) {
			if !opts.Accepts(dev) {
				return
			}
			seenMu.Lock()
			_, dup := seen[dev.ID]
			seen[dev.ID] = dev
			seenMu.Unlock()
			if dup {
				return
			}
			select {
			case candidates <- dev:
			default:
				// Chooser is not keeping up; the candidate stays in seen
				// and can still be picked once chosen by ID.
			}
		})
		close(candidates)
		scanErr <- err
	}()

	chosenID, selErr := m.selector.Select(scanCtx, candidates)
	cancel()
	if err := <-scanErr; err != nil && scanCtx.Err() == nil {
		e := domain.NewDomainError("Manager.RequestDevice", domain.ErrAdapterUnavailable, err.Error())
		tracer.RecordError(span, e)
		return domain.Device{}, e
	}

	if selErr != nil {
		// An expired window closes the candidate channel, so a selector can
		// report cancellation when the real cause is the deadline. The scan
		// context error disambiguates: DeadlineExceeded means the window
		// ran out before anyone chose.
		windowExpired := errors.Is(scanCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
		var e error
		switch {
		case errors.Is(selErr, domain.ErrSelectionCancelled) && !windowExpired:
			e = domain.NewDomainError("Manager.RequestDevice", domain.ErrSelectionCancelled, "")
		case windowExpired:
			e = domain.NewDomainError("Manager.RequestDevice", domain.ErrScanTimeout, "")
		default:
			e = domain.WrapOp("Manager.RequestDevice", selErr)
		}
		tracer.RecordError(span, e)
		return domain.Device{}, e
	}

	seenMu.Lock()
	dev, ok := seen[chosenID]
	seenMu.Unlock()
	if !ok {
		e := domain.NewDomainError("Manager.RequestDevice", domain.ErrUnknownDevice, "selector chose an unscanned device")
		tracer.RecordError(span, e)
		return domain.Device{}, e
	}

	m.mu.Lock()
	st, existed := m.devices[dev.ID]
	if existed {
		// Keep connection state, refresh advertisement data.
		dev.Connected = st.device.Connected
		st.device = dev
	} else {
		m.devices[dev.ID] = &deviceState{device: dev}
		m.order = append(m.order, dev.ID)
	}
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Save(ctx, dev); err != nil {
			m.logger.Warn("device store save failed", "device", dev.ID, "error", err)
		}
	}
	if !existed {
		m.publish(ctx, domain.EventDeviceAdded, domain.DeviceEventPayload{DeviceID: dev.ID})
	}

	m.logger.Info("device selected", "device", dev.ID, "name", dev.Name)
	tracer.SetOK(span)
	return dev, nil
}

// ConnectGATT connects to a cached device and discovers its services.
// Idempotent: a second call while connected returns the current state
// without re-negotiating.
func (m *Manager) ConnectGATT(ctx context.Context, deviceID string) (domain.GattServerInfo, error) {
	ctx, span := tracer.StartSpan(ctx, "bluetooth.connect_gatt")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("device_id", deviceID))

	m.mu.Lock()
	st, ok := m.devices[deviceID]
	if !ok {
		m.mu.Unlock()
		err := domain.NewDomainError("Manager.ConnectGATT", domain.ErrUnknownDevice, deviceID)
		tracer.RecordError(span, err)
		return domain.GattServerInfo{}, err
	}
	if st.device.Connected {
		info := m.serverInfoLocked(st)
		m.mu.Unlock()
		tracer.SetOK(span)
		return info, nil
	}
	m.mu.Unlock()

	dl := m.deviceLock(deviceID)
	dl.Lock()
	defer dl.Unlock()

	// Re-check after acquiring the device lock; a concurrent call may have
	// connected already.
	m.mu.Lock()
	if st.device.Connected {
		info := m.serverInfoLocked(st)
		m.mu.Unlock()
		tracer.SetOK(span)
		return info, nil
	}
	m.mu.Unlock()

	services, err := m.backend.Connect(ctx, deviceID)
	if err != nil {
		e := domain.NewDomainError("Manager.ConnectGATT", domain.ErrConnectionFailed, err.Error())
		tracer.RecordError(span, e)
		return domain.GattServerInfo{}, e
	}

	m.mu.Lock()
	st.device.Connected = true
	st.services = services
	st.discovered = true
	info := m.serverInfoLocked(st)
	m.mu.Unlock()

	m.logger.Info("gatt connected", "device", deviceID, "services", len(services))
	tracer.SetOK(span)
	return info, nil
}

// DisconnectGATT drops the connection. Disconnecting an already
// disconnected device is a no-op, not an error.
func (m *Manager) DisconnectGATT(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	st, ok := m.devices[deviceID]
	connected := ok && st.device.Connected
	m.mu.Unlock()
	if !ok {
		return domain.NewDomainError("Manager.DisconnectGATT", domain.ErrUnknownDevice, deviceID)
	}
	if !connected {
		return nil
	}

	dl := m.deviceLock(deviceID)
	dl.Lock()
	defer dl.Unlock()

	if err := m.backend.Disconnect(ctx, deviceID); err != nil {
		return domain.WrapOp("Manager.DisconnectGATT", err)
	}
	// The backend callback also fires on requested disconnects; the
	// transition guard in handleDisconnect keeps the event single-shot.
	m.handleDisconnect(deviceID)
	return nil
}

// ForgetDevice removes a device from the cache and the persistent store,
// disconnecting first when needed. Forgetting an unknown device is a no-op.
func (m *Manager) ForgetDevice(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	st, ok := m.devices[deviceID]
	connected := ok && st.device.Connected
	m.mu.Unlock()
	if !ok {
		return nil
	}

	if connected {
		dl := m.deviceLock(deviceID)
		dl.Lock()
		if err := m.backend.Disconnect(ctx, deviceID); err != nil {
			m.logger.Warn("disconnect during forget failed", "device", deviceID, "error", err)
		}
		dl.Unlock()
		m.handleDisconnect(deviceID)
	}

	m.mu.Lock()
	delete(m.devices, deviceID)
	for i, id := range m.order {
		if id == deviceID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	for key := range m.subs {
		if key.DeviceID == deviceID {
			delete(m.subs, key)
		}
	}
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Delete(ctx, deviceID); err != nil {
			m.logger.Warn("device store delete failed", "device", deviceID, "error", err)
		}
	}
	m.publish(ctx, domain.EventDeviceForgotten, domain.DeviceEventPayload{DeviceID: deviceID})
	m.logger.Info("device forgotten", "device", deviceID)
	return nil
}

// GetPrimaryServices lists discovered primary services, optionally narrowed
// to one UUID. A UUID with no match yields an empty sequence, not an error.
func (m *Manager) GetPrimaryServices(ctx context.Context, deviceID, serviceUUID string) ([]domain.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.devices[deviceID]
	if !ok {
		return nil, domain.NewDomainError("Manager.GetPrimaryServices", domain.ErrUnknownDevice, deviceID)
	}
	if !st.device.Connected {
		return nil, domain.NewDomainError("Manager.GetPrimaryServices", domain.ErrNotConnected, deviceID)
	}

	out := make([]domain.Service, 0, len(st.services))
	for _, svc := range st.services {
		if !svc.IsPrimary {
			continue
		}
		if serviceUUID != "" && !domain.EqualUUID(svc.UUID, serviceUUID) {
			continue
		}
		out = append(out, svc)
	}
	return out, nil
}

// GetCharacteristics lists characteristics of a discovered service,
// optionally narrowed to one UUID.
func (m *Manager) GetCharacteristics(ctx context.Context, deviceID, serviceUUID, characteristicUUID string) ([]domain.Characteristic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, err := m.findServiceLocked("Manager.GetCharacteristics", deviceID, serviceUUID)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Characteristic, 0, len(svc.Characteristics))
	for _, ch := range svc.Characteristics {
		if characteristicUUID != "" && !domain.EqualUUID(ch.UUID, characteristicUUID) {
			continue
		}
		out = append(out, ch)
	}
	return out, nil
}

// ReadCharacteristicValue reads a characteristic and returns its value
// base64-encoded.
func (m *Manager) ReadCharacteristicValue(ctx context.Context, deviceID, serviceUUID, characteristicUUID string) (domain.Value, error) {
	ctx, span := tracer.StartSpan(ctx, "bluetooth.read_value")
	defer span.End()

	ch, err := m.findCharacteristic("Manager.ReadCharacteristicValue", deviceID, serviceUUID, characteristicUUID)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Value{}, err
	}
	if !ch.Properties.Read {
		e := domain.NewDomainError("Manager.ReadCharacteristicValue", domain.ErrNotReadable, characteristicUUID)
		tracer.RecordError(span, e)
		return domain.Value{}, e
	}

	dl := m.deviceLock(deviceID)
	dl.Lock()
	raw, err := m.backend.Read(ctx, deviceID, serviceUUID, characteristicUUID)
	dl.Unlock()
	if err != nil {
		e := domain.WrapOp("Manager.ReadCharacteristicValue", err)
		tracer.RecordError(span, e)
		return domain.Value{}, e
	}

	tracer.SetOK(span)
	return domain.Value{Value: EncodeValue(raw)}, nil
}

// WriteCharacteristicValue writes a base64-encoded value. withResponse
// selects the write mode; the characteristic must carry the matching
// property flag.
func (m *Manager) WriteCharacteristicValue(ctx context.Context, deviceID, serviceUUID, characteristicUUID, value string, withResponse bool) error {
	ctx, span := tracer.StartSpan(ctx, "bluetooth.write_value")
	defer span.End()

	raw, err := DecodeValue(value)
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}

	ch, err := m.findCharacteristic("Manager.WriteCharacteristicValue", deviceID, serviceUUID, characteristicUUID)
	if err != nil {
		tracer.RecordError(span, err)
		return err
	}
	if withResponse && !ch.Properties.Write || !withResponse && !ch.Properties.WriteWithoutResponse {
		e := domain.NewDomainError("Manager.WriteCharacteristicValue", domain.ErrNotWritable, characteristicUUID)
		tracer.RecordError(span, e)
		return e
	}

	dl := m.deviceLock(deviceID)
	dl.Lock()
	err = m.backend.Write(ctx, deviceID, serviceUUID, characteristicUUID, raw, withResponse)
	dl.Unlock()
	if err != nil {
		e := domain.WrapOp("Manager.WriteCharacteristicValue", err)
		tracer.RecordError(span, e)
		return e
	}
	tracer.SetOK(span)
	return nil
}

// StartNotifications arms value-changed delivery for the key. Starting an
// already active subscription is idempotent and never duplicates delivery.
func (m *Manager) StartNotifications(ctx context.Context, deviceID, serviceUUID, characteristicUUID string) error {
	ch, err := m.findCharacteristic("Manager.StartNotifications", deviceID, serviceUUID, characteristicUUID)
	if err != nil {
		return err
	}
	if !ch.Properties.Notify && !ch.Properties.Indicate {
		return domain.NewDomainError("Manager.StartNotifications", domain.ErrNotificationsUnsupported, characteristicUUID)
	}

	key := domain.SubscriptionKey{
		DeviceID:           deviceID,
		ServiceUUID:        serviceUUID,
		CharacteristicUUID: characteristicUUID,
	}

	m.mu.Lock()
	if m.subs[key] {
		m.mu.Unlock()
		return nil
	}
	m.subs[key] = true
	m.mu.Unlock()

	sink := func(value []byte) {
		// Drop late backend deliveries after stopNotifications or a
		// disconnect already tore the subscription down.
		if !m.IsSubscribed(key.DeviceID, key.ServiceUUID, key.CharacteristicUUID) {
			return
		}
		m.publish(context.Background(), domain.EventCharacteristicValueChanged, domain.NotificationEventPayload{
			DeviceID:           key.DeviceID,
			ServiceUUID:        key.ServiceUUID,
			CharacteristicUUID: key.CharacteristicUUID,
			Value:              EncodeValue(value),
		})
	}

	if err := m.backend.Subscribe(ctx, key, sink); err != nil {
		m.mu.Lock()
		delete(m.subs, key)
		m.mu.Unlock()
		return domain.WrapOp("Manager.StartNotifications", err)
	}

	m.logger.Debug("notifications started",
		"device", deviceID, "service", serviceUUID, "characteristic", characteristicUUID)
	return nil
}

// StopNotifications disarms delivery for the key. Stopping an inactive
// subscription is a no-op.
func (m *Manager) StopNotifications(ctx context.Context, deviceID, serviceUUID, characteristicUUID string) error {
	key := domain.SubscriptionKey{
		DeviceID:           deviceID,
		ServiceUUID:        serviceUUID,
		CharacteristicUUID: characteristicUUID,
	}

	m.mu.Lock()
	active := m.subs[key]
	delete(m.subs, key)
	m.mu.Unlock()
	if !active {
		return nil
	}

	if err := m.backend.Unsubscribe(ctx, key); err != nil {
		return domain.WrapOp("Manager.StopNotifications", err)
	}
	m.logger.Debug("notifications stopped",
		"device", deviceID, "service", serviceUUID, "characteristic", characteristicUUID)
	return nil
}

// IsSubscribed reports whether a subscription is active for the key.
func (m *Manager) IsSubscribed(deviceID, serviceUUID, characteristicUUID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[domain.SubscriptionKey{
		DeviceID:           deviceID,
		ServiceUUID:        serviceUUID,
		CharacteristicUUID: characteristicUUID,
	}]
}

// Ping echoes its input. Guests use it as a liveness probe.
func (m *Manager) Ping(ctx context.Context, value *string) *string {
	return value
}

// OnNotification registers fn for value-changed events matching key.
// The returned disposal handle is idempotent, affects only this handler
// and guarantees no invocation after it returns.
func (m *Manager) OnNotification(key domain.SubscriptionKey, fn func(domain.NotificationEventPayload)) func() {
	return m.bus.Subscribe(domain.EventCharacteristicValueChanged, func(_ context.Context, e domain.Event) {
		var p domain.NotificationEventPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return
		}
		if p.DeviceID != key.DeviceID ||
			!domain.EqualUUID(p.ServiceUUID, key.ServiceUUID) ||
			!domain.EqualUUID(p.CharacteristicUUID, key.CharacteristicUUID) {
			return
		}
		fn(p)
	})
}

// OnDisconnect registers fn for gattserver-disconnected events.
func (m *Manager) OnDisconnect(fn func(deviceID string)) func() {
	return m.bus.Subscribe(domain.EventGATTServerDisconnected, func(_ context.Context, e domain.Event) {
		var p domain.DeviceEventPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return
		}
		fn(p.DeviceID)
	})
}

// handleDisconnect records a connection drop: exactly one disconnect event
// per transition, and every subscription keyed to the device is
// invalidated. Safe to call from the backend callback and from Manager
// paths concurrently.
func (m *Manager) handleDisconnect(deviceID string) {
	m.mu.Lock()
	st, ok := m.devices[deviceID]
	if !ok || !st.device.Connected {
		m.mu.Unlock()
		return
	}
	st.device.Connected = false
	for key := range m.subs {
		if key.DeviceID == deviceID {
			delete(m.subs, key)
		}
	}
	m.mu.Unlock()

	m.publish(context.Background(), domain.EventGATTServerDisconnected, domain.DeviceEventPayload{DeviceID: deviceID})
	m.logger.Info("gatt disconnected", "device", deviceID)
}

// findCharacteristic resolves a characteristic, enforcing the cache and
// connection preconditions shared by read, write and notification ops.
func (m *Manager) findCharacteristic(op, deviceID, serviceUUID, characteristicUUID string) (domain.Characteristic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	svc, err := m.findServiceLocked(op, deviceID, serviceUUID)
	if err != nil {
		return domain.Characteristic{}, err
	}
	for _, ch := range svc.Characteristics {
		if domain.EqualUUID(ch.UUID, characteristicUUID) {
			return ch, nil
		}
	}
	return domain.Characteristic{}, domain.NewDomainError(op, domain.ErrUnknownCharacteristic, characteristicUUID)
}

func (m *Manager) findServiceLocked(op, deviceID, serviceUUID string) (domain.Service, error) {
	st, ok := m.devices[deviceID]
	if !ok {
		return domain.Service{}, domain.NewDomainError(op, domain.ErrUnknownDevice, deviceID)
	}
	if !st.device.Connected {
		return domain.Service{}, domain.NewDomainError(op, domain.ErrNotConnected, deviceID)
	}
	for _, svc := range st.services {
		if domain.EqualUUID(svc.UUID, serviceUUID) {
			return svc, nil
		}
	}
	return domain.Service{}, domain.NewDomainError(op, domain.ErrUnknownService, serviceUUID)
}

// serverInfoLocked builds a GattServerInfo snapshot; caller holds m.mu.
func (m *Manager) serverInfoLocked(st *deviceState) domain.GattServerInfo {
	services := make([]domain.Service, len(st.services))
	copy(services, st.services)
	return domain.GattServerInfo{
		DeviceID:  st.device.ID,
		Connected: st.device.Connected,
		Services:  services,
	}
}

func (m *Manager) deviceLock(deviceID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	dl, ok := m.devLocks[deviceID]
	if !ok {
		dl = &sync.Mutex{}
		m.devLocks[deviceID] = dl
	}
	return dl
}

func (m *Manager) publish(ctx context.Context, t domain.EventType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	m.bus.Publish(ctx, domain.Event{Type: t, Timestamp: time.Now(), Payload: data})
}
