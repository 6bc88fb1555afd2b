package liveness

import "time"

// Event topics published by the liveness module.
const (
	TopicSweepCompleted    = "liveness.sweep.completed"
	TopicDeviceUnreachable = "liveness.device.unreachable"
)

// SweepEvent is the payload for sweep.completed events.
type SweepEvent struct {
	Started     time.Time
	Duration    time.Duration
	Probed      int
	Reachable   int
	Unreachable int
	NoServerURL int
}

// UnreachableEvent is the payload for device.unreachable events.
type UnreachableEvent struct {
	DeviceID string
	HostUp   *bool
	Error    string
}
