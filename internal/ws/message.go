package ws

import (
	"time"

	"github.com/signalfleet/signalfleet/pkg/models"
)

// MessageType discriminates WebSocket messages.
type MessageType string

const (
	MessageCommand          MessageType = "command"
	MessageDeviceRegistered MessageType = "device.registered"
	MessageDeviceStatus     MessageType = "device.status"
	MessageDeviceOffline    MessageType = "device.offline"
	MessageJobCompleted     MessageType = "job.completed"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      MessageType `json:"type"`
	DeviceID  string      `json:"device_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// CommandData is the payload for command messages sent to devices.
type CommandData struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
	JobID   string         `json:"job_id,omitempty"`
}

// DeviceStatusData is the payload for device.status messages.
type DeviceStatusData struct {
	Status   models.DeviceStatus `json:"status"`
	LastSeen time.Time           `json:"last_seen"`
}

// DeviceRegisteredData is the payload for device.registered messages.
type DeviceRegisteredData struct {
	Device *models.Device `json:"device"`
}

// JobCompletedData is the payload for job.completed messages.
type JobCompletedData struct {
	JobID     string `json:"job_id"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}
