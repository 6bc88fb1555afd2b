package dispatch

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/signalfleet/signalfleet/internal/auth"
	"github.com/signalfleet/signalfleet/pkg/plugin"
)

// Routes implements plugin.HTTPProvider.
func (m *Module) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "POST", Path: "/distribute", Handler: m.handleDistribute},
		{Method: "POST", Path: "/command", Handler: m.handleCommand},
		{Method: "GET", Path: "/jobs", Handler: m.handleListJobs},
		{Method: "GET", Path: "/jobs/{job_id}", Handler: m.handleGetJob},
	}
}

// handleDistribute creates a fan-out job. Responds 202: the job runs in
// the background and per-target results land on the job record.
func (m *Module) handleDistribute(w http.ResponseWriter, r *http.Request) {
	var req DistributeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		dispatchWriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if claims := auth.UserFromContext(r.Context()); claims != nil {
		req.CreatedBy = claims.Username
	}
	job, err := m.Distribute(r.Context(), &req)
	if err != nil {
		if errors.Is(err, ErrInvalidJob) {
			dispatchWriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		m.logger.Warn("failed to create dispatch job", zap.Error(err))
		dispatchWriteError(w, http.StatusInternalServerError, "failed to create job")
		return
	}
	dispatchWriteJSON(w, http.StatusAccepted, job)
}

// handleCommand queues a command for an explicit set of devices and
// reports a per-device outcome. Unknown devices show up as error entries
// rather than failing the request.
func (m *Module) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		dispatchWriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if claims := auth.UserFromContext(r.Context()); claims != nil {
		req.CreatedBy = claims.Username
	}
	resp, err := m.Command(r.Context(), &req)
	if err != nil {
		if errors.Is(err, ErrInvalidJob) {
			dispatchWriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		m.logger.Warn("failed to queue command", zap.Error(err))
		dispatchWriteError(w, http.StatusInternalServerError, "failed to queue command")
		return
	}
	dispatchWriteJSON(w, http.StatusAccepted, resp)
}

// handleListJobs returns recent jobs, newest first.
func (m *Module) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	jobs, err := m.store.ListJobs(r.Context(), limit)
	if err != nil {
		m.logger.Warn("failed to list jobs", zap.Error(err))
		dispatchWriteError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []Job{}
	}
	dispatchWriteJSON(w, http.StatusOK, jobs)
}

// handleGetJob returns one job with per-target delivery results.
func (m *Module) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")
	if jobID == "" {
		dispatchWriteError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	detail, err := m.JobWithTargets(r.Context(), jobID)
	if err != nil {
		m.logger.Warn("failed to load job", zap.String("job_id", jobID), zap.Error(err))
		dispatchWriteError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if detail == nil {
		dispatchWriteError(w, http.StatusNotFound, "job not found")
		return
	}
	dispatchWriteJSON(w, http.StatusOK, detail)
}

// -- helpers --

func dispatchWriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func dispatchWriteError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "https://signalfleet.io/problems/" + http.StatusText(status),
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}
