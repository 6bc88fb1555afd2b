package fleet

import (
	"time"

	"github.com/signalfleet/signalfleet/pkg/models"
)

// Event topics published by the fleet module.
const (
	TopicDeviceRegistered    = "fleet.device.registered"
	TopicDeviceUpdated       = "fleet.device.updated"
	TopicDeviceDeleted       = "fleet.device.deleted"
	TopicDeviceStatusChanged = "fleet.device.status_changed"
	TopicNetworkConfigured   = "fleet.network.configured"
)

// DeviceEvent is the payload for registered/updated/deleted events.
type DeviceEvent struct {
	Device *models.Device
}

// StatusEvent is the payload for status_changed events.
type StatusEvent struct {
	DeviceID string
	Previous models.DeviceStatus
	Current  models.DeviceStatus
	LastSeen time.Time
	Source   string // "health", "liveness", or "operator"
}

// NetworkEvent is the payload for network.configured events.
// The credential is never carried on the bus.
type NetworkEvent struct {
	DeviceID  string
	SSID      string
	Bootstrap bool
}
