package telemetry

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/signalfleet/signalfleet/pkg/plugin"
)

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "POST", Path: "/health", Handler: m.handleIngest},
		{Method: "POST", Path: "/health/{device_id}", Handler: m.handleIngestByPath},
		{Method: "GET", Path: "/health/{device_id}", Handler: m.handleHistory},
		{Method: "GET", Path: "/stats/{device_id}", Handler: m.handleStats},
	}
}

// handleIngest accepts a device health push with device_id in the body.
func (m *Module) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		telemetryWriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	m.ingest(w, r, &req)
}

// handleIngestByPath accepts a device health push addressed by path.
func (m *Module) handleIngestByPath(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		telemetryWriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.DeviceID = r.PathValue("device_id")
	m.ingest(w, r, &req)
}

func (m *Module) ingest(w http.ResponseWriter, r *http.Request, req *IngestRequest) {
	report, err := m.Ingest(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidReport):
			telemetryWriteError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrUnknownDevice):
			telemetryWriteError(w, http.StatusNotFound, "device not registered")
		default:
			m.logger.Warn("health ingest failed", zap.String("device_id", req.DeviceID), zap.Error(err))
			telemetryWriteError(w, http.StatusInternalServerError, "failed to store health report")
		}
		return
	}
	telemetryWriteJSON(w, http.StatusCreated, report)
}

// handleHistory returns recent health samples for a device.
func (m *Module) handleHistory(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	if deviceID == "" {
		telemetryWriteError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	since := time.Now().UTC().Add(-parseHours(r, 24))
	reports, err := m.store.List(r.Context(), deviceID, since, parseLimit(r, 100))
	if err != nil {
		m.logger.Warn("failed to list health reports", zap.String("device_id", deviceID), zap.Error(err))
		telemetryWriteError(w, http.StatusInternalServerError, "failed to list health reports")
		return
	}
	if reports == nil {
		reports = []HealthReport{}
	}
	telemetryWriteJSON(w, http.StatusOK, reports)
}

// handleStats returns aggregated health stats for a device.
func (m *Module) handleStats(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	if deviceID == "" {
		telemetryWriteError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	since := time.Now().UTC().Add(-parseHours(r, 24))
	stats, err := m.store.Stats(r.Context(), deviceID, since)
	if err != nil {
		m.logger.Warn("failed to compute health stats", zap.String("device_id", deviceID), zap.Error(err))
		telemetryWriteError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	telemetryWriteJSON(w, http.StatusOK, stats)
}

// -- helpers --

func parseHours(r *http.Request, defaultHours int) time.Duration {
	if s := r.URL.Query().Get("hours"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 24*90 {
			return time.Duration(n) * time.Hour
		}
	}
	return time.Duration(defaultHours) * time.Hour
}

func parseLimit(r *http.Request, defaultLimit int) int {
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return defaultLimit
}

func telemetryWriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func telemetryWriteError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "https://signalfleet.io/problems/" + http.StatusText(status),
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}
