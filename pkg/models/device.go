package models

import "time"

// DeviceStatus represents the authoritative state of a display device.
// There is exactly one status field per device; derived views (such as
// offline) are computed from last_seen, never stored alongside it.
type DeviceStatus string

const (
	StatusActive      DeviceStatus = "active"
	StatusWarning     DeviceStatus = "warning"
	StatusInactive    DeviceStatus = "inactive"
	StatusMaintenance DeviceStatus = "maintenance"
)

// ValidStatus reports whether s is one of the known device statuses.
func ValidStatus(s DeviceStatus) bool {
	switch s {
	case StatusActive, StatusWarning, StatusInactive, StatusMaintenance:
		return true
	}
	return false
}

// CommandStatus tracks the lifecycle of the most recent command sent to a device.
type CommandStatus string

const (
	CommandPending CommandStatus = "pending"
	CommandAcked   CommandStatus = "acked"
	CommandFailed  CommandStatus = "failed"
)

// DeviceInfo holds free-form descriptive metadata reported by the device.
type DeviceInfo struct {
	SerialNumber string `json:"serial_number,omitempty" example:"10000000abcdef12"`
	Model        string `json:"model,omitempty" example:"Raspberry Pi 4 Model B"`
	OS           string `json:"os,omitempty" example:"Raspbian GNU/Linux 11"`
	Architecture string `json:"architecture,omitempty" example:"arm64"`
	Cores        int    `json:"cores,omitempty" example:"4"`
	TotalMemory  string `json:"total_memory,omitempty" example:"4GB"`
	Hostname     string `json:"hostname,omitempty" example:"ads-display-01"`
	MACAddress   string `json:"mac_address,omitempty" example:"dc:a6:32:01:02:03"`
}

// DeviceConfig holds operational parameters pushed to the device.
// Operator-writable, device-readable.
type DeviceConfig struct {
	SyncInterval         int  `json:"sync_interval" example:"600"`
	HealthReportInterval int  `json:"health_report_interval" example:"300"`
	Autoplay             bool `json:"autoplay" example:"true"`
	Shuffle              bool `json:"shuffle" example:"true"`
	DefaultVolume        int  `json:"default_volume" example:"80"`
}

// DefaultDeviceConfig returns the config applied to newly registered devices.
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		SyncInterval:         600,
		HealthReportInterval: 300,
		Autoplay:             true,
		Shuffle:              true,
		DefaultVolume:        80,
	}
}

// LastCommand records the most recent command dispatched to a device.
// At most one command is tracked per device; a newer command supersedes
// any still-pending prior one.
type LastCommand struct {
	Command    string         `json:"command" example:"restart_player"`
	Payload    map[string]any `json:"payload,omitempty"`
	SentAt     time.Time      `json:"sent_at"`
	ExecutedAt *time.Time     `json:"executed_at,omitempty"`
	Status     CommandStatus  `json:"status" example:"pending"`
}

// NetworkConfig is the server-managed WiFi configuration for a device.
// Devices may read it but never write it (the credential itself is
// redacted on all views except the operator wifi-config endpoint).
type NetworkConfig struct {
	SSID       string `json:"ssid" example:"StoreNet"`
	Credential string `json:"credential,omitempty"`
}

// Configured reports whether both SSID and credential are set.
// Only a fully configured record locks out device-submitted values.
func (n NetworkConfig) Configured() bool {
	return n.SSID != "" && n.Credential != ""
}

// Device represents one remote display unit managed by SignalFleet.
type Device struct {
	DeviceID     string       `json:"device_id" example:"rpi-01"`
	DisplayName  string       `json:"display_name" example:"ADS-Display-rpi-01"`
	Location     string       `json:"location,omitempty" example:"downtown-mall"`
	Status       DeviceStatus `json:"status" example:"active"`
	LastSeen     time.Time    `json:"last_seen"`
	RegisteredAt time.Time    `json:"registered_at"`
	ServerURL    string       `json:"server_url,omitempty" example:"http://10.0.4.21:5000"`
	AppVersion   string       `json:"app_version,omitempty" example:"1.2.0"`

	DeviceInfo   DeviceInfo   `json:"device_info"`
	Capabilities []string     `json:"capabilities,omitempty"`
	Config       DeviceConfig `json:"config"`
	LastCommand  *LastCommand `json:"last_command,omitempty"`

	// Network is the server-managed WiFi config. Nil until an operator
	// (or the one-time device bootstrap) sets it.
	Network *NetworkConfig `json:"network_config,omitempty"`

	Tags  []string `json:"tags,omitempty"`
	Notes string   `json:"notes,omitempty"`
}

// WifiConfigured reports whether the device has a complete server-managed
// WiFi configuration.
func (d *Device) WifiConfigured() bool {
	return d.Network != nil && d.Network.Configured()
}

// Offline reports whether the device has been silent (no health push and
// no successful probe) longer than the given threshold, relative to now.
// Offline is a derived view and intentionally independent of Status.
func (d *Device) Offline(now time.Time, threshold time.Duration) bool {
	return now.Sub(d.LastSeen) > threshold
}

// DefaultCapabilities are assumed for devices that register without an
// explicit capability set.
var DefaultCapabilities = []string{
	"video_playback",
	"auto_updates",
	"health_monitoring",
	"wifi_management",
}
