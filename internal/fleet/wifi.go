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

// ErrWifiLocked is returned when a device attempts to write a WiFi
// configuration that the server already owns.
var ErrWifiLocked = errors.New("wifi configuration is server-managed")

// ErrInvalidNetwork is returned for incomplete WiFi configurations.
var ErrInvalidNetwork = errors.New("ssid and credential are required")

// WifiAuthority is the single writer for device WiFi configuration.
// Operators may set or replace it at any time. A device gets exactly one
// chance to seed it, at registration, and only while the server has no
// configuration on record. Every accepted write is audited.
type WifiAuthority struct {
	store  *FleetStore
	bus    plugin.EventBus
	logger *zap.Logger
}

func NewWifiAuthority(store *FleetStore, bus plugin.EventBus, logger *zap.Logger) *WifiAuthority {
	return &WifiAuthority{store: store, bus: bus, logger: logger}
}

// Configure applies an operator write. The audit action is "configure"
// for the first write and "update" thereafter.
func (w *WifiAuthority) Configure(ctx context.Context, deviceID string, nc models.NetworkConfig, actor string) error {
	if !nc.Configured() {
		return ErrInvalidNetwork
	}
	d, err := w.store.Get(ctx, deviceID)
	if err != nil {
		return err
	}
	if d == nil {
		return fmt.Errorf("device %s: %w", deviceID, errNotFound)
	}
	action := "configure"
	if d.WifiConfigured() {
		action = "update"
	}
	if err := w.store.SetNetworkConfig(ctx, deviceID, nc); err != nil {
		return err
	}
	if err := w.store.AppendNetworkAudit(ctx, deviceID, nc.SSID, actor, action, time.Now().UTC()); err != nil {
		w.logger.Warn("network audit write failed",
			zap.String("device_id", deviceID), zap.Error(err))
	}
	w.logger.Info("wifi configuration written",
		zap.String("device_id", deviceID),
		zap.String("ssid", nc.SSID),
		zap.String("actor", actor),
		zap.String("action", action))
	w.publish(ctx, deviceID, nc.SSID, false)
	return nil
}

// Clear removes the stored configuration and the wifi_configured tag.
// The device falls back to its installation network. After a clear, the
// device may bootstrap again.
func (w *WifiAuthority) Clear(ctx context.Context, deviceID, actor string) error {
	if err := w.store.ClearNetworkConfig(ctx, deviceID); err != nil {
		return err
	}
	if err := w.store.AppendNetworkAudit(ctx, deviceID, "", actor, "clear", time.Now().UTC()); err != nil {
		w.logger.Warn("network audit write failed",
			zap.String("device_id", deviceID), zap.Error(err))
	}
	w.logger.Info("wifi configuration cleared",
		zap.String("device_id", deviceID),
		zap.String("actor", actor))
	return nil
}

// Bootstrap applies a device-supplied configuration during registration.
// Allowed only while the server holds no configuration for the device;
// afterwards the attempt is rejected with ErrWifiLocked and the supplied
// values are discarded.
func (w *WifiAuthority) Bootstrap(ctx context.Context, d *models.Device, nc models.NetworkConfig) error {
	if !nc.Configured() {
		return ErrInvalidNetwork
	}
	if d.WifiConfigured() {
		w.logger.Warn("device-supplied wifi rejected, configuration is locked",
			zap.String("device_id", d.DeviceID))
		return ErrWifiLocked
	}
	if err := w.store.SetNetworkConfig(ctx, d.DeviceID, nc); err != nil {
		return err
	}
	if err := w.store.AppendNetworkAudit(ctx, d.DeviceID, nc.SSID, "device:"+d.DeviceID, "bootstrap", time.Now().UTC()); err != nil {
		w.logger.Warn("network audit write failed",
			zap.String("device_id", d.DeviceID), zap.Error(err))
	}
	w.logger.Info("wifi configuration bootstrapped by device",
		zap.String("device_id", d.DeviceID),
		zap.String("ssid", nc.SSID))
	w.publish(ctx, d.DeviceID, nc.SSID, true)
	return nil
}

func (w *WifiAuthority) publish(ctx context.Context, deviceID, ssid string, bootstrap bool) {
	if w.bus == nil {
		return
	}
	w.bus.PublishAsync(ctx, plugin.Event{
		Topic:     TopicNetworkConfigured,
		Source:    ModuleName,
		Timestamp: time.Now().UTC(),
		Payload:   NetworkEvent{DeviceID: deviceID, SSID: ssid, Bootstrap: bootstrap},
	})
}

// Redact strips the WiFi credential from a device for general views.
// Only the operator network endpoint returns the credential.
func Redact(d *models.Device) *models.Device {
	if d == nil || d.Network == nil {
		return d
	}
	clone := *d
	nc := *d.Network
	nc.Credential = ""
	clone.Network = &nc
	return &clone
}
