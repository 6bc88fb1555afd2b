// Package fleet is the device registry: the authoritative record of every
// display device, its status, its operational config, and its
// server-managed WiFi configuration.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/signalfleet/signalfleet/pkg/models"
	"github.com/signalfleet/signalfleet/pkg/plugin"
)

// ModuleName is the registry identifier for the fleet module.
const ModuleName = "fleet"

// Compile-time interface guards.
var (
	_ plugin.Plugin       = (*Module)(nil)
	_ plugin.HTTPProvider = (*Module)(nil)
)

// ErrDeviceNotFound is returned when an operation references an unknown device.
var ErrDeviceNotFound = errors.New("device not found")

// errNotFound aliases ErrDeviceNotFound for internal wrapping.
var errNotFound = ErrDeviceNotFound

// HealthSource supplies the latest telemetry snapshot for a device, for
// embedding in device views. Wired at composition time; nil means views
// carry no snapshot.
type HealthSource interface {
	LatestHealth(ctx context.Context, deviceID string) (any, error)
}

// Module implements the fleet plugin.
type Module struct {
	cfg    Config
	logger *zap.Logger
	bus    plugin.EventBus
	store  *FleetStore
	wifi   *WifiAuthority
	health HealthSource
}

// SetHealthSource wires the telemetry snapshot provider. Must be called
// before Start.
func (m *Module) SetHealthSource(h HealthSource) { m.health = h }

// New creates the fleet module.
func New() *Module {
	return &Module{}
}

// Info implements plugin.Plugin.
func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        ModuleName,
		Version:     "1.0.0",
		Description: "Device registry and WiFi authority",
		Required:    true,
		APIVersion:  plugin.APIVersionCurrent,
	}
}

// Init implements plugin.Plugin.
func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.cfg = loadConfig(deps.Config)
	m.logger = deps.Logger
	m.bus = deps.Bus

	if deps.Store == nil {
		return fmt.Errorf("fleet requires a store")
	}
	if err := deps.Store.Migrate(ctx, ModuleName, migrations()); err != nil {
		return fmt.Errorf("fleet migrations: %w", err)
	}
	m.store = NewFleetStore(deps.Store)
	m.wifi = NewWifiAuthority(m.store, m.bus, m.logger)

	m.logger.Info("fleet module initialized",
		zap.Duration("offline_threshold", m.cfg.OfflineThreshold))
	return nil
}

// Start implements plugin.Plugin. The fleet module has no background work.
func (m *Module) Start(ctx context.Context) error { return nil }

// Stop implements plugin.Plugin.
func (m *Module) Stop(ctx context.Context) error { return nil }

// Store exposes the fleet store for composition wiring.
func (m *Module) Store() *FleetStore { return m.store }

// Wifi exposes the WiFi authority for composition wiring.
func (m *Module) Wifi() *WifiAuthority { return m.wifi }

// OfflineThreshold returns the configured silence threshold for the
// derived offline view.
func (m *Module) OfflineThreshold() time.Duration { return m.cfg.OfflineThreshold }

// Device returns a device by ID, or ErrDeviceNotFound.
func (m *Module) Device(ctx context.Context, deviceID string) (*models.Device, error) {
	d, err := m.store.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("device %s: %w", deviceID, ErrDeviceNotFound)
	}
	return d, nil
}

// Devices returns all registered devices.
func (m *Module) Devices(ctx context.Context) ([]models.Device, error) {
	return m.store.List(ctx, "", "", nil)
}

// Remove deletes a device and announces the deletion so dependents can
// drop associated history. Removing an unknown device is a no-op success.
func (m *Module) Remove(ctx context.Context, deviceID string) error {
	removed, err := m.store.Delete(ctx, deviceID)
	if err != nil {
		return err
	}
	if !removed {
		return nil
	}
	m.logger.Info("device removed", zap.String("device_id", deviceID))
	if m.bus != nil {
		m.bus.PublishAsync(ctx, plugin.Event{
			Topic:     TopicDeviceDeleted,
			Source:    ModuleName,
			Timestamp: time.Now().UTC(),
			Payload:   DeviceEvent{Device: &models.Device{DeviceID: deviceID}},
		})
	}
	return nil
}

// Touch refreshes a device's last_seen without changing status, subject
// to the same timestamp ordering as status observations. Returns
// ErrDeviceNotFound for unknown devices; a stale touch is a silent no-op.
func (m *Module) Touch(ctx context.Context, deviceID string, observedAt time.Time) error {
	applied, err := m.store.TouchLastSeen(ctx, deviceID, observedAt)
	if err != nil {
		return err
	}
	if !applied {
		d, err := m.store.Get(ctx, deviceID)
		if err != nil {
			return err
		}
		if d == nil {
			return fmt.Errorf("device %s: %w", deviceID, ErrDeviceNotFound)
		}
	}
	return nil
}

// ApplyStatus records a status observation from a reporter (health pushes
// or liveness probes). Observations carry the time they were taken;
// an observation older than the device's current last_seen is dropped so
// concurrent reporters resolve deterministically to the freshest one.
// Publishes a status_changed event when the stored status actually changed.
func (m *Module) ApplyStatus(ctx context.Context, deviceID string, status models.DeviceStatus, observedAt time.Time, source string) (bool, error) {
	prev, err := m.store.Get(ctx, deviceID)
	if err != nil {
		return false, err
	}
	if prev == nil {
		return false, fmt.Errorf("device %s: %w", deviceID, ErrDeviceNotFound)
	}
	applied, err := m.store.UpdateStatusIfNewer(ctx, deviceID, status, observedAt)
	if err != nil {
		return false, err
	}
	if !applied {
		m.logger.Debug("stale status observation dropped",
			zap.String("device_id", deviceID),
			zap.String("status", string(status)),
			zap.Time("observed_at", observedAt),
			zap.String("source", source))
		return false, nil
	}
	if prev.Status != status {
		m.logger.Info("device status changed",
			zap.String("device_id", deviceID),
			zap.String("from", string(prev.Status)),
			zap.String("to", string(status)),
			zap.String("source", source))
		if m.bus != nil {
			m.bus.PublishAsync(ctx, plugin.Event{
				Topic:     TopicDeviceStatusChanged,
				Source:    ModuleName,
				Timestamp: time.Now().UTC(),
				Payload: StatusEvent{
					DeviceID: deviceID,
					Previous: prev.Status,
					Current:  status,
					LastSeen: observedAt,
					Source:   source,
				},
			})
		}
	}
	return true, nil
}

// RecordCommand tracks the most recent command dispatched to a device.
func (m *Module) RecordCommand(ctx context.Context, deviceID string, cmd *models.LastCommand) error {
	return m.store.SetLastCommand(ctx, deviceID, cmd)
}

// Register performs an idempotent device registration. A device that
// registers again with the same ID refreshes its metadata instead of
// creating a duplicate. Missing fields are filled with defaults; a
// device-supplied WiFi config is honored only as a one-time bootstrap.
func (m *Module) Register(ctx context.Context, req *RegisterRequest) (*models.Device, bool, error) {
	now := time.Now().UTC()
	d := &models.Device{
		DeviceID:     req.DeviceID,
		DisplayName:  req.DisplayName,
		Location:     req.Location,
		Status:       models.StatusActive,
		LastSeen:     now,
		RegisteredAt: now,
		ServerURL:    req.ServerURL,
		AppVersion:   req.AppVersion,
		DeviceInfo:   req.DeviceInfo,
		Capabilities: req.Capabilities,
		Config:       models.DefaultDeviceConfig(),
		Tags:         req.Tags,
	}
	if d.DisplayName == "" {
		d.DisplayName = defaultDisplayName(d.DeviceID)
	}
	if len(d.Capabilities) == 0 {
		d.Capabilities = models.DefaultCapabilities
	}

	stored, created, err := m.store.Upsert(ctx, d)
	if err != nil {
		return nil, false, err
	}

	if req.Network != nil && req.Network.Configured() {
		if err := m.wifi.Bootstrap(ctx, stored, *req.Network); err != nil {
			if !errors.Is(err, ErrWifiLocked) {
				return nil, false, err
			}
			// Locked config wins; registration itself still succeeds.
		} else {
			stored.Network = req.Network
		}
	}

	topic := TopicDeviceUpdated
	if created {
		topic = TopicDeviceRegistered
	}
	if m.bus != nil {
		m.bus.PublishAsync(ctx, plugin.Event{
			Topic:     topic,
			Source:    ModuleName,
			Timestamp: now,
			Payload:   DeviceEvent{Device: Redact(stored)},
		})
	}
	m.logger.Info("device registration",
		zap.String("device_id", stored.DeviceID),
		zap.Bool("created", created),
		zap.String("app_version", stored.AppVersion))
	return stored, created, nil
}

// defaultDisplayName derives a display name from the device ID.
func defaultDisplayName(deviceID string) string {
	short := deviceID
	if len(short) > 8 {
		short = short[:8]
	}
	return "ADS-Display-" + short
}
