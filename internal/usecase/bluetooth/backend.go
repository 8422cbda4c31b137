package bluetooth

import (
	"context"

	"ble-bridge/internal/domain"
)

// ScanHandler receives each advertisement observed during a scan.
// Implementations may call it from the backend's own goroutine.
type ScanHandler func(dev domain.Device)

// Backend is the native BLE handle injected into the Manager. It owns the
// platform adapter; the Manager owns all caching, validation and event
// semantics. Implementations must serialize operations against a single
// device's connection themselves only if the platform requires it — the
// Manager already guarantees one in-flight call per device.
type Backend interface {
	// Available reports whether the platform adapter can be used.
	Available(ctx context.Context) (bool, error)

	// Scan streams discovered devices to found until ctx is cancelled.
	// Returning nil after cancellation is not an error.
	Scan(ctx context.Context, found ScanHandler) error

	// Connect establishes a GATT connection and discovers services.
	Connect(ctx context.Context, deviceID string) ([]domain.Service, error)

	// Disconnect drops the GATT connection. The disconnect callback fires
	// for requested and unexpected drops alike.
	Disconnect(ctx context.Context, deviceID string) error

	Read(ctx context.Context, deviceID, serviceUUID, characteristicUUID string) ([]byte, error)
	Write(ctx context.Context, deviceID, serviceUUID, characteristicUUID string, value []byte, withResponse bool) error

	// Subscribe arms value-changed delivery for the key. sink is invoked
	// once per observed change, in observation order.
	Subscribe(ctx context.Context, key domain.SubscriptionKey, sink func(value []byte)) error
	Unsubscribe(ctx context.Context, key domain.SubscriptionKey) error

	// OnDisconnect registers cb, invoked with the device ID once per
	// connection drop. Must be called before any Connect.
	OnDisconnect(cb func(deviceID string))
}

// Selector decides which scanned candidate a requestDevice flow returns;
// it is the seam where a platform device chooser plugs in. Implementations
// return the chosen device ID, domain.ErrSelectionCancelled when the
// chooser is dismissed, or ctx.Err() when the scan window closes first.
type Selector interface {
	Select(ctx context.Context, candidates <-chan domain.Device) (string, error)
}

// FirstMatchSelector picks the first candidate the scan produces. It is the
// default for headless bridge deployments where no human chooser exists.
type FirstMatchSelector struct{}

func (FirstMatchSelector) Select(ctx context.Context, candidates <-chan domain.Device) (string, error) {
	select {
	case dev, ok := <-candidates:
		if !ok {
			return "", domain.ErrSelectionCancelled
		}
		return dev.ID, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// DeviceStore persists remembered devices across daemon restarts. Runtime
// connection state is never persisted.
type DeviceStore interface {
	Save(ctx context.Context, dev domain.Device) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]domain.Device, error)
}
