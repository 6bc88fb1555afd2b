package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/signalfleet/signalfleet/pkg/models"
)

// HealthReport is one stored device health sample.
type HealthReport struct {
	ID                int64               `json:"id"`
	DeviceID          string              `json:"device_id"`
	CPUUsage          float64             `json:"cpu_usage"`
	MemoryUsage       float64             `json:"memory_usage"`
	DiskUsage         float64             `json:"disk_usage"`
	Temperature       float64             `json:"temperature,omitempty"`
	UptimeSeconds     int64               `json:"uptime_seconds,omitempty"`
	NetworkStatus     string              `json:"network_status,omitempty"`
	WifiConnected     bool                `json:"wifi_connected"`
	InternetConnected bool                `json:"internet_connected"`
	AppVersion        string              `json:"app_version,omitempty"`
	DerivedStatus     models.DeviceStatus `json:"derived_status"`
	ReportedAt        time.Time           `json:"reported_at"`
	ReceivedAt        time.Time           `json:"received_at"`
}

// DeviceStats aggregates recent health samples for one device.
type DeviceStats struct {
	DeviceID      string     `json:"device_id"`
	Samples       int        `json:"samples"`
	AvgCPU        float64    `json:"avg_cpu"`
	AvgMemory     float64    `json:"avg_memory"`
	MaxCPU        float64    `json:"max_cpu"`
	MaxMemory     float64    `json:"max_memory"`
	Warnings      int        `json:"warnings"`
	OnlinePercent float64    `json:"online_percent"`
	FirstSample   *time.Time `json:"first_sample,omitempty"`
	LastSample    *time.Time `json:"last_sample,omitempty"`
}

// TelemetryStore provides database access for the telemetry plugin.
type TelemetryStore struct {
	db *sql.DB
}

// NewTelemetryStore creates a new TelemetryStore backed by the given database.
func NewTelemetryStore(db *sql.DB) *TelemetryStore {
	return &TelemetryStore{db: db}
}

const healthColumns = `id, device_id, cpu_usage, memory_usage, disk_usage, temperature,
	uptime_seconds, network_status, wifi_connected, internet_connected,
	app_version, derived_status, reported_at, received_at`

// Insert stores a health report. A resubmitted sample with the same
// (device_id, reported_at) replaces the stored row in place, so device
// retries never duplicate history.
func (s *TelemetryStore) Insert(ctx context.Context, r *HealthReport) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry_health (
			device_id, cpu_usage, memory_usage, disk_usage, temperature,
			uptime_seconds, network_status, wifi_connected, internet_connected,
			app_version, derived_status, reported_at, received_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_id, reported_at) DO UPDATE SET
			cpu_usage = excluded.cpu_usage,
			memory_usage = excluded.memory_usage,
			disk_usage = excluded.disk_usage,
			temperature = excluded.temperature,
			uptime_seconds = excluded.uptime_seconds,
			network_status = excluded.network_status,
			wifi_connected = excluded.wifi_connected,
			internet_connected = excluded.internet_connected,
			app_version = excluded.app_version,
			derived_status = excluded.derived_status,
			received_at = excluded.received_at`,
		r.DeviceID, r.CPUUsage, r.MemoryUsage, r.DiskUsage, r.Temperature,
		r.UptimeSeconds, r.NetworkStatus, boolToInt(r.WifiConnected),
		boolToInt(r.InternetConnected), r.AppVersion, string(r.DerivedStatus),
		r.ReportedAt, r.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("insert health report: %w", err)
	}
	r.ID, _ = result.LastInsertId()
	return nil
}

// List returns health reports for a device since the given time, newest
// first. If limit <= 0, defaults to 100.
func (s *TelemetryStore) List(ctx context.Context, deviceID string, since time.Time, limit int) ([]HealthReport, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+healthColumns+`
		FROM telemetry_health
		WHERE device_id = ? AND reported_at >= ?
		ORDER BY reported_at DESC LIMIT ?`,
		deviceID, since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list health reports: %w", err)
	}
	defer rows.Close()

	var reports []HealthReport
	for rows.Next() {
		r, err := scanHealth(rows)
		if err != nil {
			return nil, fmt.Errorf("scan health row: %w", err)
		}
		reports = append(reports, *r)
	}
	return reports, rows.Err()
}

// Latest returns the most recent health report for a device. Returns
// nil, nil if the device has never reported.
func (s *TelemetryStore) Latest(ctx context.Context, deviceID string) (*HealthReport, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+healthColumns+`
		FROM telemetry_health WHERE device_id = ?
		ORDER BY reported_at DESC LIMIT 1`,
		deviceID,
	)
	r, err := scanHealth(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("latest health report: %w", err)
	}
	return r, nil
}

// Stats aggregates health samples for a device since the given time.
// OnlinePercent is the share of samples that confirmed internet
// connectivity.
func (s *TelemetryStore) Stats(ctx context.Context, deviceID string, since time.Time) (*DeviceStats, error) {
	stats := DeviceStats{DeviceID: deviceID}
	var avgCPU, avgMem, maxCPU, maxMem, onlinePct sql.NullFloat64
	var first, last sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(cpu_usage), AVG(memory_usage), MAX(cpu_usage), MAX(memory_usage),
			SUM(CASE WHEN derived_status = 'warning' THEN 1 ELSE 0 END),
			AVG(CASE WHEN internet_connected = 1 THEN 100.0 ELSE 0.0 END),
			MIN(reported_at), MAX(reported_at)
		FROM telemetry_health
		WHERE device_id = ? AND reported_at >= ?`,
		deviceID, since,
	).Scan(&stats.Samples, &avgCPU, &avgMem, &maxCPU, &maxMem,
		&nullIntScanner{&stats.Warnings}, &onlinePct, &first, &last)
	if err != nil {
		return nil, fmt.Errorf("health stats: %w", err)
	}
	stats.AvgCPU = avgCPU.Float64
	stats.AvgMemory = avgMem.Float64
	stats.MaxCPU = maxCPU.Float64
	stats.MaxMemory = maxMem.Float64
	stats.OnlinePercent = onlinePct.Float64
	if first.Valid {
		stats.FirstSample = &first.Time
	}
	if last.Valid {
		stats.LastSample = &last.Time
	}
	return &stats, nil
}

// DeleteOld deletes health reports older than the given time. Returns the
// number of rows deleted.
func (s *TelemetryStore) DeleteOld(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM telemetry_health WHERE reported_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("delete old health reports: %w", err)
	}
	return result.RowsAffected()
}

// DeleteForDevice removes all health history for a device.
func (s *TelemetryStore) DeleteForDevice(ctx context.Context, deviceID string) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM telemetry_health WHERE device_id = ?`, deviceID)
	if err != nil {
		return 0, fmt.Errorf("delete device health history: %w", err)
	}
	return result.RowsAffected()
}

// TrimHistory keeps at most keep samples per device, deleting the oldest
// beyond that. Returns the number of rows deleted.
func (s *TelemetryStore) TrimHistory(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM telemetry_health WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (
					PARTITION BY device_id ORDER BY reported_at DESC
				) AS rn
				FROM telemetry_health
			) WHERE rn > ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("trim health history: %w", err)
	}
	return result.RowsAffected()
}

type healthRowScanner interface {
	Scan(dest ...any) error
}

func scanHealth(row healthRowScanner) (*HealthReport, error) {
	var r HealthReport
	var wifi, internet int
	err := row.Scan(
		&r.ID, &r.DeviceID, &r.CPUUsage, &r.MemoryUsage, &r.DiskUsage,
		&r.Temperature, &r.UptimeSeconds, &r.NetworkStatus, &wifi, &internet,
		&r.AppVersion, &r.DerivedStatus, &r.ReportedAt, &r.ReceivedAt,
	)
	if err != nil {
		return nil, err
	}
	r.WifiConnected = wifi != 0
	r.InternetConnected = internet != 0
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// nullIntScanner scans a nullable SUM() result, treating NULL as zero.
type nullIntScanner struct {
	dst *int
}

func (n *nullIntScanner) Scan(src any) error {
	if src == nil {
		*n.dst = 0
		return nil
	}
	switch v := src.(type) {
	case int64:
		*n.dst = int(v)
	case int:
		*n.dst = v
	default:
		return fmt.Errorf("unexpected sum type %T", src)
	}
	return nil
}
