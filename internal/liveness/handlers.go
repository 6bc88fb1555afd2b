package liveness

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/signalfleet/signalfleet/pkg/plugin"
)

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/probes/{device_id}", Handler: m.handleDeviceProbes},
		{Method: "GET", Path: "/status", Handler: m.handleStatus},
		{Method: "POST", Path: "/sweep", Handler: m.handleSweep},
	}
}

// handleDeviceProbes returns recent probe results for a device.
func (m *Module) handleDeviceProbes(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	if deviceID == "" {
		livenessWriteError(w, http.StatusBadRequest, "device_id is required")
		return
	}
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	results, err := m.store.List(r.Context(), deviceID, limit)
	if err != nil {
		m.logger.Warn("failed to list probe results", zap.String("device_id", deviceID), zap.Error(err))
		livenessWriteError(w, http.StatusInternalServerError, "failed to list probe results")
		return
	}
	if results == nil {
		results = []ProbeResult{}
	}
	livenessWriteJSON(w, http.StatusOK, results)
}

// handleStatus returns the most recent sweep summary.
func (m *Module) handleStatus(w http.ResponseWriter, r *http.Request) {
	last := m.LastSweep()
	if last == nil {
		livenessWriteJSON(w, http.StatusOK, map[string]any{"swept": false})
		return
	}
	livenessWriteJSON(w, http.StatusOK, map[string]any{"swept": true, "last_sweep": last})
}

// handleSweep triggers an out-of-schedule sweep.
func (m *Module) handleSweep(w http.ResponseWriter, r *http.Request) {
	if m.devices == nil || m.status == nil {
		livenessWriteError(w, http.StatusServiceUnavailable, "liveness not fully wired")
		return
	}
	go m.Sweep(context.Background())
	w.WriteHeader(http.StatusAccepted)
}

// -- helpers --

func livenessWriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func livenessWriteError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "https://signalfleet.io/problems/" + http.StatusText(status),
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}
