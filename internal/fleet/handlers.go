package fleet

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/signalfleet/signalfleet/internal/auth"
	"github.com/signalfleet/signalfleet/pkg/models"
	"github.com/signalfleet/signalfleet/pkg/plugin"
)

// RegisterRequest is the device-facing registration payload.
type RegisterRequest struct {
	DeviceID     string                `json:"device_id"`
	DisplayName  string                `json:"display_name,omitempty"`
	Location     string                `json:"location,omitempty"`
	ServerURL    string                `json:"server_url,omitempty"`
	AppVersion   string                `json:"app_version,omitempty"`
	DeviceInfo   models.DeviceInfo     `json:"device_info,omitempty"`
	Capabilities []string              `json:"capabilities,omitempty"`
	Tags         []string              `json:"tags,omitempty"`
	Network      *models.NetworkConfig `json:"network_config,omitempty"`
}

// DeviceView is a device plus its derived offline flag and, when the
// telemetry module is wired, the latest health snapshot.
type DeviceView struct {
	*models.Device
	Offline      bool `json:"offline"`
	LatestHealth any  `json:"latest_health,omitempty"`
}

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "POST", Path: "/devices", Handler: m.handleRegister},
		{Method: "GET", Path: "/devices", Handler: m.handleListDevices},
		{Method: "GET", Path: "/devices/{device_id}", Handler: m.handleGetDevice},
		{Method: "PATCH", Path: "/devices/{device_id}", Handler: m.handleUpdateDevice},
		{Method: "DELETE", Path: "/devices/{device_id}", Handler: m.handleDeleteDevice},
		{Method: "PUT", Path: "/devices/{device_id}/config", Handler: m.handleUpdateConfig},
		{Method: "PUT", Path: "/devices/{device_id}/status", Handler: m.handleSetStatus},
		{Method: "PUT", Path: "/devices/{device_id}/network", Handler: m.handleSetNetwork},
		{Method: "GET", Path: "/devices/{device_id}/network", Handler: m.handleGetNetwork},
		{Method: "DELETE", Path: "/devices/{device_id}/network", Handler: m.handleClearNetwork},
		{Method: "GET", Path: "/devices/{device_id}/network/audit", Handler: m.handleNetworkAudit},
		{Method: "POST", Path: "/devices/{device_id}/command-ack", Handler: m.handleCommandAck},
		{Method: "GET", Path: "/summary", Handler: m.handleSummary},
	}
}

// handleRegister registers a device or refreshes an existing registration.
// Returns 201 for a new device, 200 for a repeat registration.
func (m *Module) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fleetWriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DeviceID == "" {
		fleetWriteError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	d, created, err := m.Register(r.Context(), &req)
	if err != nil {
		m.logger.Warn("registration failed", zap.String("device_id", req.DeviceID), zap.Error(err))
		fleetWriteError(w, http.StatusInternalServerError, "failed to register device")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	fleetWriteJSON(w, status, Redact(d))
}

// handleListDevices returns registered devices with the derived offline flag.
func (m *Module) handleListDevices(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !models.ValidStatus(models.DeviceStatus(status)) {
		fleetWriteError(w, http.StatusBadRequest, "unknown status filter")
		return
	}
	var hasWifi *bool
	if raw := r.URL.Query().Get("has_wifi"); raw != "" {
		v := raw == "true" || raw == "1"
		hasWifi = &v
	}
	devices, err := m.store.List(r.Context(), status, r.URL.Query().Get("location"), hasWifi)
	if err != nil {
		m.logger.Warn("failed to list devices", zap.Error(err))
		fleetWriteError(w, http.StatusInternalServerError, "failed to list devices")
		return
	}
	now := time.Now().UTC()
	views := make([]DeviceView, 0, len(devices))
	for i := range devices {
		d := Redact(&devices[i])
		views = append(views, DeviceView{
			Device:  d,
			Offline: d.Offline(now, m.cfg.OfflineThreshold),
		})
	}
	fleetWriteJSON(w, http.StatusOK, views)
}

func (m *Module) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := m.loadDevice(w, r)
	if !ok {
		return
	}
	rd := Redact(d)
	view := DeviceView{
		Device:  rd,
		Offline: rd.Offline(time.Now().UTC(), m.cfg.OfflineThreshold),
	}
	if m.health != nil {
		snapshot, err := m.health.LatestHealth(r.Context(), d.DeviceID)
		if err != nil {
			m.logger.Warn("failed to load health snapshot",
				zap.String("device_id", d.DeviceID), zap.Error(err))
		} else {
			view.LatestHealth = snapshot
		}
	}
	fleetWriteJSON(w, http.StatusOK, view)
}

// handleUpdateDevice updates operator-owned descriptive fields.
func (m *Module) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	var req struct {
		DisplayName *string  `json:"display_name"`
		Location    *string  `json:"location"`
		Notes       *string  `json:"notes"`
		Tags        []string `json:"tags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fleetWriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	err := m.store.UpdateMetadata(r.Context(), deviceID, req.DisplayName, req.Location, req.Notes, req.Tags)
	if err != nil {
		if isNotFound(err) {
			fleetWriteError(w, http.StatusNotFound, "device not found")
			return
		}
		m.logger.Warn("failed to update device", zap.String("device_id", deviceID), zap.Error(err))
		fleetWriteError(w, http.StatusInternalServerError, "failed to update device")
		return
	}
	d, err := m.store.Get(r.Context(), deviceID)
	if err != nil || d == nil {
		fleetWriteError(w, http.StatusInternalServerError, "failed to reload device")
		return
	}
	fleetWriteJSON(w, http.StatusOK, Redact(d))
}

// handleDeleteDevice removes a device. Deleting an unknown device is an
// idempotent success, not a 404.
func (m *Module) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	if err := m.Remove(r.Context(), deviceID); err != nil {
		m.logger.Warn("failed to delete device", zap.String("device_id", deviceID), zap.Error(err))
		fleetWriteError(w, http.StatusInternalServerError, "failed to delete device")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Module) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	var cfg models.DeviceConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		fleetWriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if cfg.DefaultVolume < 0 || cfg.DefaultVolume > 100 {
		fleetWriteError(w, http.StatusBadRequest, "default_volume must be between 0 and 100")
		return
	}
	if err := m.store.UpdateConfig(r.Context(), deviceID, cfg); err != nil {
		if isNotFound(err) {
			fleetWriteError(w, http.StatusNotFound, "device not found")
			return
		}
		m.logger.Warn("failed to update config", zap.String("device_id", deviceID), zap.Error(err))
		fleetWriteError(w, http.StatusInternalServerError, "failed to update config")
		return
	}
	fleetWriteJSON(w, http.StatusOK, cfg)
}

// handleSetStatus applies an operator status override, typically to put a
// device into or out of maintenance.
func (m *Module) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	var req struct {
		Status models.DeviceStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fleetWriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !models.ValidStatus(req.Status) {
		fleetWriteError(w, http.StatusBadRequest, "unknown status")
		return
	}
	prev, err := m.store.Get(r.Context(), deviceID)
	if err != nil {
		fleetWriteError(w, http.StatusInternalServerError, "failed to load device")
		return
	}
	if prev == nil {
		fleetWriteError(w, http.StatusNotFound, "device not found")
		return
	}
	if err := m.store.SetStatus(r.Context(), deviceID, req.Status); err != nil {
		m.logger.Warn("failed to set status", zap.String("device_id", deviceID), zap.Error(err))
		fleetWriteError(w, http.StatusInternalServerError, "failed to set status")
		return
	}
	if prev.Status != req.Status && m.bus != nil {
		m.bus.PublishAsync(r.Context(), plugin.Event{
			Topic:     TopicDeviceStatusChanged,
			Source:    ModuleName,
			Timestamp: time.Now().UTC(),
			Payload: StatusEvent{
				DeviceID: deviceID,
				Previous: prev.Status,
				Current:  req.Status,
				LastSeen: prev.LastSeen,
				Source:   "operator",
			},
		})
	}
	fleetWriteJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "status": req.Status})
}

// handleSetNetwork is the operator write path for WiFi configuration.
func (m *Module) handleSetNetwork(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	var nc models.NetworkConfig
	if err := json.NewDecoder(r.Body).Decode(&nc); err != nil {
		fleetWriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	actor := "operator"
	if claims := auth.UserFromContext(r.Context()); claims != nil {
		actor = claims.Username
	}
	if err := m.wifi.Configure(r.Context(), deviceID, nc, actor); err != nil {
		switch {
		case errors.Is(err, ErrInvalidNetwork):
			fleetWriteError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrDeviceNotFound):
			fleetWriteError(w, http.StatusNotFound, "device not found")
		default:
			m.logger.Warn("failed to set network config", zap.String("device_id", deviceID), zap.Error(err))
			fleetWriteError(w, http.StatusInternalServerError, "failed to set network config")
		}
		return
	}
	fleetWriteJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "ssid": nc.SSID})
}

// handleGetNetwork returns the full WiFi configuration, credential included.
// This is the only view that does not redact the credential.
func (m *Module) handleGetNetwork(w http.ResponseWriter, r *http.Request) {
	d, ok := m.loadDevice(w, r)
	if !ok {
		return
	}
	if d.Network == nil {
		fleetWriteError(w, http.StatusNotFound, "no network configuration for device")
		return
	}
	fleetWriteJSON(w, http.StatusOK, d.Network)
}

// handleClearNetwork removes the WiFi configuration; the device falls
// back to its installation network.
func (m *Module) handleClearNetwork(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	actor := "operator"
	if claims := auth.UserFromContext(r.Context()); claims != nil {
		actor = claims.Username
	}
	if err := m.wifi.Clear(r.Context(), deviceID, actor); err != nil {
		if isNotFound(err) {
			fleetWriteError(w, http.StatusNotFound, "device not found")
			return
		}
		m.logger.Warn("failed to clear network config", zap.String("device_id", deviceID), zap.Error(err))
		fleetWriteError(w, http.StatusInternalServerError, "failed to clear network config")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Module) handleNetworkAudit(w http.ResponseWriter, r *http.Request) {
	d, ok := m.loadDevice(w, r)
	if !ok {
		return
	}
	entries, err := m.store.ListNetworkAudit(r.Context(), d.DeviceID, 0)
	if err != nil {
		m.logger.Warn("failed to list network audit", zap.String("device_id", d.DeviceID), zap.Error(err))
		fleetWriteError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}
	if entries == nil {
		entries = []NetworkAuditEntry{}
	}
	fleetWriteJSON(w, http.StatusOK, entries)
}

// handleCommandAck lets a device acknowledge its tracked command.
func (m *Module) handleCommandAck(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	var req struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fleetWriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	status := models.CommandAcked
	if !req.Success {
		status = models.CommandFailed
	}
	if err := m.store.AckLastCommand(r.Context(), deviceID, status, time.Now().UTC()); err != nil {
		if isNotFound(err) {
			fleetWriteError(w, http.StatusNotFound, "device not found")
			return
		}
		m.logger.Warn("failed to ack command", zap.String("device_id", deviceID), zap.Error(err))
		fleetWriteError(w, http.StatusInternalServerError, "failed to ack command")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (m *Module) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := m.store.Summary(r.Context(), time.Now().UTC(), m.cfg.OfflineThreshold)
	if err != nil {
		m.logger.Warn("failed to compute summary", zap.Error(err))
		fleetWriteError(w, http.StatusInternalServerError, "failed to compute summary")
		return
	}
	fleetWriteJSON(w, http.StatusOK, sum)
}

// loadDevice resolves the device_id path value, writing a problem response
// on failure.
func (m *Module) loadDevice(w http.ResponseWriter, r *http.Request) (*models.Device, bool) {
	deviceID := r.PathValue("device_id")
	if deviceID == "" {
		fleetWriteError(w, http.StatusBadRequest, "device_id is required")
		return nil, false
	}
	d, err := m.store.Get(r.Context(), deviceID)
	if err != nil {
		m.logger.Warn("failed to load device", zap.String("device_id", deviceID), zap.Error(err))
		fleetWriteError(w, http.StatusInternalServerError, "failed to load device")
		return nil, false
	}
	if d == nil {
		fleetWriteError(w, http.StatusNotFound, "device not found")
		return nil, false
	}
	return d, true
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, ErrDeviceNotFound)
}

// -- helpers --

func fleetWriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func fleetWriteError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "https://signalfleet.io/problems/" + http.StatusText(status),
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}
