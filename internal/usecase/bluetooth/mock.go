package bluetooth

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"ble-bridge/internal/domain"
)

// MockBackend is an in-memory Backend. It drives the Manager in tests and
// the doctor subcommand, and doubles as the daemon backend on builds
// without a platform adapter.
type MockBackend struct {
	mu           sync.Mutex
	devices      map[string]*mockDevice
	order        []string
	available    bool
	availableErr error
	connectErr   map[string]error
	sinks        map[domain.SubscriptionKey]func([]byte)
	onDisconnect func(deviceID string)
	entropy      *ulid.MonotonicEntropy
}

type mockDevice struct {
	device    domain.Device
	services  []domain.Service
	values    map[string][]byte // "serviceUUID/charUUID" → data
	connected bool
}

// NewMockBackend creates an available mock with no devices.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		devices:    make(map[string]*mockDevice),
		available:  true,
		connectErr: make(map[string]error),
		sinks:      make(map[domain.SubscriptionKey]func([]byte)),
		entropy:    ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// SetAvailable scripts the Available answer.
func (m *MockBackend) SetAvailable(ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = ok
	m.availableErr = err
}

// FailConnect scripts the next Connect for deviceID to fail with err.
func (m *MockBackend) FailConnect(deviceID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr[deviceID] = err
}

// AddDevice registers a discoverable device and returns its ID. An empty
// id gets a generated ULID, matching how real adapters hand out opaque
// identifiers.
func (m *MockBackend) AddDevice(id, name string, serviceUUIDs ...string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == "" {
		id = ulid.MustNew(ulid.Timestamp(time.Now()), m.entropy).String()
	}
	m.devices[id] = &mockDevice{
		device: domain.Device{ID: id, Name: name, ServiceUUIDs: serviceUUIDs},
		values: make(map[string][]byte),
	}
	m.order = append(m.order, id)
	return id
}

// AddService attaches a GATT service layout to a device.
func (m *MockBackend) AddService(deviceID string, svc domain.Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dev, ok := m.devices[deviceID]; ok {
		dev.services = append(dev.services, svc)
	}
}

// SetValue seeds the stored value of a characteristic.
func (m *MockBackend) SetValue(deviceID, serviceUUID, charUUID string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dev, ok := m.devices[deviceID]; ok {
		dev.values[serviceUUID+"/"+charUUID] = append([]byte{}, data...)
	}
}

// Written returns the last value written to a characteristic.
func (m *MockBackend) Written(deviceID, serviceUUID, charUUID string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dev, ok := m.devices[deviceID]; ok {
		return append([]byte{}, dev.values[serviceUUID+"/"+charUUID]...)
	}
	return nil
}

// SimulateNotification pushes a value change into the armed sink, if any.
func (m *MockBackend) SimulateNotification(key domain.SubscriptionKey, value []byte) {
	m.mu.Lock()
	sink := m.sinks[key]
	m.mu.Unlock()
	if sink != nil {
		sink(value)
	}
}

// SimulateDisconnect models an unexpected link loss.
func (m *MockBackend) SimulateDisconnect(deviceID string) {
	m.mu.Lock()
	dev, ok := m.devices[deviceID]
	if ok {
		dev.connected = false
	}
	cb := m.onDisconnect
	m.mu.Unlock()
	if ok && cb != nil {
		cb(deviceID)
	}
}

func (m *MockBackend) Available(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available, m.availableErr
}

func (m *MockBackend) Scan(ctx context.Context, found ScanHandler) error {
	m.mu.Lock()
	devs := make([]domain.Device, 0, len(m.order))
	for _, id := range m.order {
		devs = append(devs, m.devices[id].device)
	}
	m.mu.Unlock()

	for _, dev := range devs {
		found(dev)
	}
	<-ctx.Done()
	return nil
}

func (m *MockBackend) Connect(_ context.Context, deviceID string) ([]domain.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.connectErr[deviceID]; err != nil {
		delete(m.connectErr, deviceID)
		return nil, err
	}
	dev, ok := m.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("mock: device %s not found", deviceID)
	}
	dev.connected = true
	return append([]domain.Service{}, dev.services...), nil
}

func (m *MockBackend) Disconnect(_ context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dev, ok := m.devices[deviceID]; ok {
		dev.connected = false
	}
	return nil
}

func (m *MockBackend) Read(_ context.Context, deviceID, serviceUUID, charUUID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[deviceID]
	if !ok || !dev.connected {
		return nil, fmt.Errorf("mock: device %s not connected", deviceID)
	}
	return append([]byte{}, dev.values[serviceUUID+"/"+charUUID]...), nil
}

func (m *MockBackend) Write(_ context.Context, deviceID, serviceUUID, charUUID string, value []byte, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[deviceID]
	if !ok || !dev.connected {
		return fmt.Errorf("mock: device %s not connected", deviceID)
	}
	dev.values[serviceUUID+"/"+charUUID] = append([]byte{}, value...)
	return nil
}

func (m *MockBackend) Subscribe(_ context.Context, key domain.SubscriptionKey, sink func(value []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[key.DeviceID]
	if !ok || !dev.connected {
		return fmt.Errorf("mock: device %s not connected", key.DeviceID)
	}
	m.sinks[key] = sink
	return nil
}

func (m *MockBackend) Unsubscribe(_ context.Context, key domain.SubscriptionKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sinks, key)
	return nil
}

func (m *MockBackend) OnDisconnect(cb func(deviceID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = cb
}
