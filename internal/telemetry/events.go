package telemetry

import "github.com/signalfleet/signalfleet/pkg/models"

// Event topics published by the telemetry module.
const (
	TopicHealthReceived = "telemetry.health.received"
	TopicHealthWarning  = "telemetry.health.warning"
)

// HealthEvent is the payload for health.* events.
type HealthEvent struct {
	DeviceID    string
	CPUUsage    float64
	MemoryUsage float64
	Status      models.DeviceStatus
}
