package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Job statuses.
const (
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Target statuses.
const (
	TargetPending   = "pending"
	TargetSucceeded = "succeeded"
	TargetFailed    = "failed"
)

// Job is one fan-out distribution.
type Job struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	ArtifactRef string         `json:"artifact_ref,omitempty"`
	Operation   string         `json:"operation,omitempty"`
	Command     string         `json:"command,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Status      string         `json:"status"`
	CreatedBy   string         `json:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Total       int            `json:"total"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
}

// Target is one device's delivery record within a job.
type Target struct {
	ID           int64     `json:"id"`
	JobID        string    `json:"job_id"`
	DeviceID     string    `json:"device_id"`
	Status       string    `json:"status"`
	Attempts     int       `json:"attempts"`
	DeliveredVia string    `json:"delivered_via,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DispatchStore provides database access for the dispatch plugin.
type DispatchStore struct {
	db *sql.DB
}

// NewDispatchStore creates a new DispatchStore backed by the given database.
func NewDispatchStore(db *sql.DB) *DispatchStore {
	return &DispatchStore{db: db}
}

// InsertJob stores a new job and its target rows.
func (s *DispatchStore) InsertJob(ctx context.Context, j *Job, deviceIDs []string) error {
	payloadJSON, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO dispatch_jobs (id, kind, artifact_ref, operation, command, payload, status, created_by, created_at, total)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Kind, j.ArtifactRef, j.Operation, j.Command, string(payloadJSON),
		j.Status, j.CreatedBy, j.CreatedAt, j.Total,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	for _, deviceID := range deviceIDs {
		_, err = tx.Exec(`
			INSERT INTO dispatch_targets (job_id, device_id, status, updated_at)
			VALUES (?, ?, ?, ?)`,
			j.ID, deviceID, TargetPending, j.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert target: %w", err)
		}
	}
	return tx.Commit()
}

// GetJob returns a job by ID. Returns nil, nil if not found.
func (s *DispatchStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, artifact_ref, operation, command, payload, status, created_by, created_at, completed_at, total, succeeded, failed
		FROM dispatch_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs, newest first. If limit <= 0, defaults to 50.
func (s *DispatchStore) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, artifact_ref, operation, command, payload, status, created_by, created_at, completed_at, total, succeeded, failed
		FROM dispatch_jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// ListTargets returns all target rows for a job.
func (s *DispatchStore) ListTargets(ctx context.Context, jobID string) ([]Target, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, device_id, status, attempts, delivered_via, last_error, updated_at
		FROM dispatch_targets WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list targets: %w", err)
	}
	defer rows.Close()

	var targets []Target
	for rows.Next() {
		var t Target
		if err := rows.Scan(
			&t.ID, &t.JobID, &t.DeviceID, &t.Status, &t.Attempts,
			&t.DeliveredVia, &t.LastError, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan target row: %w", err)
		}
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// UpdateTarget records a delivery outcome for one target.
func (s *DispatchStore) UpdateTarget(ctx context.Context, jobID, deviceID, status string, attempts int, deliveredVia, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_targets
		SET status = ?, attempts = ?, delivered_via = ?, last_error = ?, updated_at = ?
		WHERE job_id = ? AND device_id = ?`,
		status, attempts, deliveredVia, lastError, time.Now().UTC(), jobID, deviceID,
	)
	if err != nil {
		return fmt.Errorf("update target: %w", err)
	}
	return nil
}

// CompleteJob finalizes a job's counters and marks it completed.
func (s *DispatchStore) CompleteJob(ctx context.Context, jobID string, succeeded, failed int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_jobs
		SET status = ?, succeeded = ?, failed = ?, completed_at = ?
		WHERE id = ?`,
		JobCompleted, succeeded, failed, time.Now().UTC(), jobID,
	)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// FailInterruptedJobs settles jobs left running by a previous process. A
// restart orphans any job that was mid-fan-out: its pending targets will
// never be attempted again, so they become failed and the job row is
// finalized from the targets that did settle. Returns the number of jobs
// reconciled.
func (s *DispatchStore) FailInterruptedJobs(ctx context.Context, reason string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	_, err = tx.Exec(`
		UPDATE dispatch_targets
		SET status = ?, last_error = ?, updated_at = ?
		WHERE status = ?
		  AND job_id IN (SELECT id FROM dispatch_jobs WHERE status = ?)`,
		TargetFailed, reason, now, TargetPending, JobRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("fail orphaned targets: %w", err)
	}

	res, err := tx.Exec(`
		UPDATE dispatch_jobs
		SET status = ?,
			succeeded = (SELECT COUNT(*) FROM dispatch_targets t
				WHERE t.job_id = dispatch_jobs.id AND t.status = ?),
			failed = (SELECT COUNT(*) FROM dispatch_targets t
				WHERE t.job_id = dispatch_jobs.id AND t.status = ?),
			completed_at = ?
		WHERE status = ?`,
		JobFailed, TargetSucceeded, TargetFailed, now, JobRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var payloadJSON string
	var completedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.ArtifactRef, &j.Operation, &j.Command, &payloadJSON, &j.Status, &j.CreatedBy,
		&j.CreatedAt, &completedAt, &j.Total, &j.Succeeded, &j.Failed,
	)
	if err != nil {
		return nil, err
	}
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &j.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	return &j, nil
}
