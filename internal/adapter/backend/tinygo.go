//go:build edge

package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"

	"ble-bridge/internal/domain"
	usecase "ble-bridge/internal/usecase/bluetooth"
)

// TinyGoBackend drives a real adapter through tinygo.org/x/bluetooth.
// Built only with the "edge" tag; other builds fall back to the mock.
type TinyGoBackend struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	mu           sync.Mutex
	addresses    map[string]bluetooth.Address // deviceID → last scanned address
	connected    map[string]bluetooth.Device
	chars        map[string]*bluetooth.DeviceCharacteristic // deviceID/service/char
	onDisconnect func(deviceID string)
}

// NewTinyGoBackend enables the default adapter.
func NewTinyGoBackend(logger *slog.Logger) (*TinyGoBackend, error) {
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable adapter: %w", err)
	}
	b := &TinyGoBackend{
		adapter:   adapter,
		logger:    logger,
		addresses: make(map[string]bluetooth.Address),
		connected: make(map[string]bluetooth.Device),
		chars:     make(map[string]*bluetooth.DeviceCharacteristic),
	}
	adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		b.mu.Lock()
		_, known := b.connected[id]
		delete(b.connected, id)
		for key := range b.chars {
			if len(key) > len(id) && key[:len(id)] == id {
				delete(b.chars, key)
			}
		}
		cb := b.onDisconnect
		b.mu.Unlock()
		if known && cb != nil {
			cb(id)
		}
	})
	return b, nil
}

func (b *TinyGoBackend) Available(_ context.Context) (bool, error) {
	// Enable succeeded at construction; the adapter stays usable for the
	// process lifetime.
	return true, nil
}

func (b *TinyGoBackend) Scan(ctx context.Context, found usecase.ScanHandler) error {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		b.adapter.StopScan()
	}()
	defer close(stop)

	return b.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		id := result.Address.String()
		b.mu.Lock()
		b.addresses[id] = result.Address
		b.mu.Unlock()

		// The advertisement payload does not enumerate service UUIDs on
		// every platform, so scan results may carry an empty uuids list.
		found(domain.Device{
			ID:   id,
			Name: result.LocalName(),
		})
	})
}

func (b *TinyGoBackend) Connect(_ context.Context, deviceID string) ([]domain.Service, error) {
	b.mu.Lock()
	addr, ok := b.addresses[deviceID]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no scanned address for device %s", deviceID)
	}

	device, err := b.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", deviceID, err)
	}

	svcs, err := device.DiscoverServices(nil)
	if err != nil {
		device.Disconnect()
		return nil, fmt.Errorf("discover services: %w", err)
	}

	var services []domain.Service
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected[deviceID] = device

	for i := range svcs {
		svcUUID := svcs[i].UUID().String()
		chars, err := svcs[i].DiscoverCharacteristics(nil)
		if err != nil {
			b.logger.Warn("characteristic discovery failed", "service", svcUUID, "error", err)
			continue
		}
		svc := domain.Service{UUID: svcUUID, IsPrimary: true}
		for j := range chars {
			charUUID := chars[j].UUID().String()
			b.chars[charKey(deviceID, svcUUID, charUUID)] = &chars[j]
			// The stack does not surface GATT property bits, so the
			// bridge reports a permissive set and lets the device reject
			// unsupported operations.
			svc.Characteristics = append(svc.Characteristics, domain.Characteristic{
				UUID: charUUID,
				Properties: domain.CharacteristicProperties{
					Read:                 true,
					Write:                true,
					WriteWithoutResponse: true,
					Notify:               true,
				},
			})
		}
		services = append(services, svc)
	}
	return services, nil
}

func (b *TinyGoBackend) Disconnect(_ context.Context, deviceID string) error {
	b.mu.Lock()
	device, ok := b.connected[deviceID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return device.Disconnect()
}

func (b *TinyGoBackend) Read(_ context.Context, deviceID, serviceUUID, characteristicUUID string) ([]byte, error) {
	ch, err := b.characteristic(deviceID, serviceUUID, characteristicUUID)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 512)
	n, err := ch.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read characteristic: %w", err)
	}
	return buf[:n], nil
}

func (b *TinyGoBackend) Write(_ context.Context, deviceID, serviceUUID, characteristicUUID string, value []byte, _ bool) error {
	ch, err := b.characteristic(deviceID, serviceUUID, characteristicUUID)
	if err != nil {
		return err
	}
	// The stack only exposes write-without-response; acknowledged writes
	// degrade to it.
	if _, err := ch.WriteWithoutResponse(value); err != nil {
		return fmt.Errorf("write characteristic: %w", err)
	}
	return nil
}

func (b *TinyGoBackend) Subscribe(_ context.Context, key domain.SubscriptionKey, sink func(value []byte)) error {
	ch, err := b.characteristic(key.DeviceID, key.ServiceUUID, key.CharacteristicUUID)
	if err != nil {
		return err
	}
	return ch.EnableNotifications(sink)
}

func (b *TinyGoBackend) Unsubscribe(_ context.Context, key domain.SubscriptionKey) error {
	ch, err := b.characteristic(key.DeviceID, key.ServiceUUID, key.CharacteristicUUID)
	if err != nil {
		return nil
	}
	return ch.EnableNotifications(nil)
}

func (b *TinyGoBackend) OnDisconnect(cb func(deviceID string)) {
	b.mu.Lock()
	b.onDisconnect = cb
	b.mu.Unlock()
}

func (b *TinyGoBackend) characteristic(deviceID, serviceUUID, characteristicUUID string) (*bluetooth.DeviceCharacteristic, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.chars[charKey(deviceID, serviceUUID, characteristicUUID)]
	if !ok {
		return nil, fmt.Errorf("characteristic %s not discovered on %s", characteristicUUID, deviceID)
	}
	return ch, nil
}

func charKey(deviceID, serviceUUID, characteristicUUID string) string {
	return deviceID + "/" + serviceUUID + "/" + characteristicUUID
}
