package domain

import "strings"

// DefaultScanTimeoutMs is the discovery window applied when a
// requestDevice call does not carry its own timeout.
const DefaultScanTimeoutMs = 10_000

// Device is a remembered BLE peripheral. ID is the backend-assigned opaque
// identifier; it is stable for the daemon's lifetime but carries no
// platform meaning.
type Device struct {
	ID                     string   `json:"id"`
	Name                   string   `json:"name"`
	ServiceUUIDs           []string `json:"uuids"`
	WatchingAdvertisements bool     `json:"watchingAdvertisements"`
	Connected              bool     `json:"connected"`
}

// DeviceFilter narrows a discovery scan. A device matches when every
// populated criterion holds.
type DeviceFilter struct {
	Services   []string `json:"services,omitempty"`
	Name       string   `json:"name,omitempty"`
	NamePrefix string   `json:"namePrefix,omitempty"`
}

// Empty reports whether the filter constrains nothing.
func (f DeviceFilter) Empty() bool {
	return len(f.Services) == 0 && f.Name == "" && f.NamePrefix == ""
}

// Matches reports whether dev satisfies every populated criterion.
// Service UUIDs compare case-insensitively.
func (f DeviceFilter) Matches(dev Device) bool {
	if f.Name != "" && dev.Name != f.Name {
		return false
	}
	if f.NamePrefix != "" && !strings.HasPrefix(dev.Name, f.NamePrefix) {
		return false
	}
	for _, want := range f.Services {
		found := false
		for _, have := range dev.ServiceUUIDs {
			if EqualUUID(want, have) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// RequestDeviceOptions parameterizes a requestDevice scan. Exactly one of
// AcceptAllDevices and Filters must be populated.
type RequestDeviceOptions struct {
	AcceptAllDevices bool           `json:"acceptAllDevices,omitempty"`
	Filters          []DeviceFilter `json:"filters,omitempty"`
	OptionalServices []string       `json:"optionalServices,omitempty"`
	ScanTimeoutMs    int            `json:"scanTimeoutMs,omitempty"`
}

// Validate enforces the filter exclusivity invariant: acceptAllDevices and
// filters are mutually exclusive, one of them is required, and no filter
// entry may be empty.
func (o RequestDeviceOptions) Validate() error {
	if o.AcceptAllDevices && len(o.Filters) > 0 {
		return NewDomainError("RequestDeviceOptions.Validate", ErrInvalidFilter,
			"acceptAllDevices and filters are mutually exclusive")
	}
	if !o.AcceptAllDevices && len(o.Filters) == 0 {
		return NewDomainError("RequestDeviceOptions.Validate", ErrInvalidFilter,
			"either acceptAllDevices or at least one filter is required")
	}
	for _, f := range o.Filters {
		if f.Empty() {
			return NewDomainError("RequestDeviceOptions.Validate", ErrInvalidFilter,
				"filter entry constrains nothing")
		}
	}
	return nil
}

// Accepts reports whether dev passes the options. Filters are OR-ed: one
// matching filter suffices.
func (o RequestDeviceOptions) Accepts(dev Device) bool {
	if o.AcceptAllDevices {
		return true
	}
	for _, f := range o.Filters {
		if f.Matches(dev) {
			return true
		}
	}
	return false
}

// GattServerInfo is the connection snapshot returned by connect.
type GattServerInfo struct {
	DeviceID  string    `json:"deviceId"`
	Connected bool      `json:"connected"`
	Services  []Service `json:"services"`
}

// Service is a discovered GATT service.
type Service struct {
	UUID            string           `json:"uuid"`
	IsPrimary       bool             `json:"isPrimary"`
	Characteristics []Characteristic `json:"characteristics"`
}

// Characteristic is a discovered GATT characteristic.
type Characteristic struct {
	UUID        string                   `json:"uuid"`
	Properties  CharacteristicProperties `json:"properties"`
	Descriptors []Descriptor             `json:"descriptors,omitempty"`
}

// CharacteristicProperties mirrors the GATT property bits.
type CharacteristicProperties struct {
	Broadcast                 bool `json:"broadcast"`
	Read                      bool `json:"read"`
	WriteWithoutResponse      bool `json:"writeWithoutResponse"`
	Write                     bool `json:"write"`
	Notify                    bool `json:"notify"`
	Indicate                  bool `json:"indicate"`
	AuthenticatedSignedWrites bool `json:"authenticatedSignedWrites"`
	ReliableWrite             bool `json:"reliableWrite"`
	WritableAuxiliaries       bool `json:"writableAuxiliaries"`
}

// Descriptor is a discovered GATT descriptor.
type Descriptor struct {
	UUID string `json:"uuid"`
}

// Value carries a characteristic payload across the RPC boundary,
// base64-encoded.
type Value struct {
	Value string `json:"value"`
}

// SubscriptionKey identifies one notification stream.
type SubscriptionKey struct {
	DeviceID           string
	ServiceUUID        string
	CharacteristicUUID string
}

// EqualUUID compares two UUID strings case-insensitively.
func EqualUUID(a, b string) bool {
	return strings.EqualFold(a, b)
}
