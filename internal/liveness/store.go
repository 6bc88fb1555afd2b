package liveness

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ProbeResult is one stored probe outcome.
type ProbeResult struct {
	ID        int64   `json:"id"`
	DeviceID  string  `json:"device_id"`
	Success   bool    `json:"success"`
	LatencyMs float64 `json:"latency_ms"`

	// HostUp refines a failed probe: true means the host answered a ping
	// but the agent endpoint did not. Nil when no refinement ran.
	HostUp *bool `json:"host_up,omitempty"`

	ErrorMessage string    `json:"error_message,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}

// LivenessStore provides database access for the liveness plugin.
type LivenessStore struct {
	db *sql.DB
}

// NewLivenessStore creates a new LivenessStore backed by the given database.
func NewLivenessStore(db *sql.DB) *LivenessStore {
	return &LivenessStore{db: db}
}

// Insert stores a probe result.
func (s *LivenessStore) Insert(ctx context.Context, r *ProbeResult) error {
	success := 0
	if r.Success {
		success = 1
	}
	var hostUp sql.NullInt64
	if r.HostUp != nil {
		hostUp.Valid = true
		if *r.HostUp {
			hostUp.Int64 = 1
		}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO liveness_probes (device_id, success, latency_ms, host_up, error_message, checked_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.DeviceID, success, r.LatencyMs, hostUp, r.ErrorMessage, r.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("insert probe result: %w", err)
	}
	return nil
}

// List returns probe results for a device, newest first. If limit <= 0,
// defaults to 100.
func (s *LivenessStore) List(ctx context.Context, deviceID string, limit int) ([]ProbeResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, success, latency_ms, host_up, error_message, checked_at
		FROM liveness_probes WHERE device_id = ?
		ORDER BY checked_at DESC, id DESC LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list probe results: %w", err)
	}
	defer rows.Close()

	var results []ProbeResult
	for rows.Next() {
		var r ProbeResult
		var successInt int
		var hostUp sql.NullInt64
		if err := rows.Scan(
			&r.ID, &r.DeviceID, &successInt, &r.LatencyMs, &hostUp,
			&r.ErrorMessage, &r.CheckedAt,
		); err != nil {
			return nil, fmt.Errorf("scan probe row: %w", err)
		}
		r.Success = successInt != 0
		if hostUp.Valid {
			up := hostUp.Int64 != 0
			r.HostUp = &up
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// DeleteOld deletes probe results older than the given time. Returns the
// number of rows deleted.
func (s *LivenessStore) DeleteOld(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM liveness_probes WHERE checked_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("delete old probe results: %w", err)
	}
	return result.RowsAffected()
}
