package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// EventCharacteristicValueChanged carries a NotificationEventPayload.
	// Emitted once per backend-observed value change while a matching
	// subscription is active.
	EventCharacteristicValueChanged EventType = "bluetooth.characteristic-value-changed"

	// EventGATTServerDisconnected carries a DeviceEventPayload.
	// Emitted once per disconnect transition, requested or unexpected.
	EventGATTServerDisconnected EventType = "bluetooth.gattserver-disconnected"

	// EventDeviceAdded carries a DeviceEventPayload. Emitted when a
	// requestDevice flow inserts a new device into the cache.
	EventDeviceAdded EventType = "bluetooth.device-added"

	// EventDeviceForgotten carries a DeviceEventPayload.
	EventDeviceForgotten EventType = "bluetooth.device-forgotten"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NotificationEventPayload is the payload of a characteristic-value-changed
// event. Value is base64-encoded.
type NotificationEventPayload struct {
	DeviceID           string `json:"deviceId"`
	ServiceUUID        string `json:"serviceUuid"`
	CharacteristicUUID string `json:"characteristicUuid"`
	Value              string `json:"value"`
}

// DeviceEventPayload is the payload of device-scoped lifecycle events.
type DeviceEventPayload struct {
	DeviceID string `json:"deviceId"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
