package fleet

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/signalfleet/signalfleet/pkg/models"
	"github.com/signalfleet/signalfleet/pkg/plugin"
)

// NetworkAuditEntry records one write to a device's WiFi configuration.
type NetworkAuditEntry struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"device_id"`
	SSID      string    `json:"ssid"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"` // "configure", "update", or "bootstrap"
	CreatedAt time.Time `json:"created_at"`
}

// Summary aggregates fleet-wide device counts.
type Summary struct {
	Total          int `json:"total"`
	Active         int `json:"active"`
	Warning        int `json:"warning"`
	Inactive       int `json:"inactive"`
	Maintenance    int `json:"maintenance"`
	Online         int `json:"online"`
	Offline        int `json:"offline"`
	WifiConfigured int `json:"wifi_configured"`
}

// FleetStore provides database access for the fleet plugin.
type FleetStore struct {
	db    *sql.DB
	store plugin.Store
}

// NewFleetStore creates a new FleetStore backed by the given store.
func NewFleetStore(store plugin.Store) *FleetStore {
	return &FleetStore{db: store.DB(), store: store}
}

const deviceColumns = `device_id, display_name, location, status, last_seen, registered_at,
	server_url, app_version, device_info, capabilities, config, last_command,
	wifi_ssid, wifi_credential, tags, notes`

// Upsert registers a device or refreshes an existing registration. Repeat
// registrations update device-reported metadata and mark the device active,
// but never touch operator-owned fields: config, display name, location,
// tags, notes, the WiFi configuration, and the original registration time
// all survive. Maintenance is operator-owned too, so a device rebooting
// while in maintenance stays there until the operator lifts it.
// Returns the stored device and whether it was newly created.
func (s *FleetStore) Upsert(ctx context.Context, d *models.Device) (*models.Device, bool, error) {
	var out *models.Device
	var created bool
	err := s.store.Tx(ctx, func(tx *sql.Tx) error {
		existing, err := getDeviceTx(tx, d.DeviceID)
		if err != nil {
			return err
		}
		if existing == nil {
			if err := insertDeviceTx(tx, d); err != nil {
				return err
			}
			out, created = d, true
			return nil
		}

		if existing.Status != models.StatusMaintenance {
			existing.Status = models.StatusActive
		}
		existing.LastSeen = d.LastSeen
		existing.ServerURL = d.ServerURL
		existing.AppVersion = d.AppVersion
		existing.DeviceInfo = d.DeviceInfo
		if len(d.Capabilities) > 0 {
			existing.Capabilities = d.Capabilities
		}

		infoJSON, capsJSON, err := marshalInfoCaps(existing)
		if err != nil {
			return err
		}
		_, err = tx.Exec(`
			UPDATE fleet_devices
			SET status = ?, last_seen = ?, server_url = ?, app_version = ?,
				device_info = ?, capabilities = ?
			WHERE device_id = ?`,
			string(existing.Status), existing.LastSeen, existing.ServerURL,
			existing.AppVersion, infoJSON, capsJSON, existing.DeviceID,
		)
		if err != nil {
			return fmt.Errorf("update device: %w", err)
		}
		out, created = existing, false
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func insertDeviceTx(tx *sql.Tx, d *models.Device) error {
	infoJSON, capsJSON, err := marshalInfoCaps(d)
	if err != nil {
		return err
	}
	cfgJSON, err := json.Marshal(d.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tagsJSON, err := json.Marshal(orEmpty(d.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	var ssid, credential string
	if d.Network != nil {
		ssid, credential = d.Network.SSID, d.Network.Credential
	}
	_, err = tx.Exec(`
		INSERT INTO fleet_devices (
			device_id, display_name, location, status, last_seen, registered_at,
			server_url, app_version, device_info, capabilities, config,
			wifi_ssid, wifi_credential, tags, notes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DeviceID, d.DisplayName, d.Location, string(d.Status), d.LastSeen,
		d.RegisteredAt, d.ServerURL, d.AppVersion, string(infoJSON),
		string(capsJSON), string(cfgJSON), ssid, credential, string(tagsJSON), d.Notes,
	)
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	return nil
}

func marshalInfoCaps(d *models.Device) (string, string, error) {
	infoJSON, err := json.Marshal(d.DeviceInfo)
	if err != nil {
		return "", "", fmt.Errorf("marshal device_info: %w", err)
	}
	capsJSON, err := json.Marshal(orEmpty(d.Capabilities))
	if err != nil {
		return "", "", fmt.Errorf("marshal capabilities: %w", err)
	}
	return string(infoJSON), string(capsJSON), nil
}

func orEmpty(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

// Get returns a device by ID. Returns nil, nil if not found.
func (s *FleetStore) Get(ctx context.Context, deviceID string) (*models.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM fleet_devices WHERE device_id = ?`, deviceID)
	d, err := scanDevice(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

func getDeviceTx(tx *sql.Tx, deviceID string) (*models.Device, error) {
	row := tx.QueryRow(
		`SELECT `+deviceColumns+` FROM fleet_devices WHERE device_id = ?`, deviceID)
	d, err := scanDevice(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

// List returns devices, optionally filtered by status, location and WiFi
// configuration presence, ordered by registration time.
func (s *FleetStore) List(ctx context.Context, status, location string, hasWifi *bool) ([]models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM fleet_devices`
	var conds []string
	var args []any
	if status != "" {
		conds = append(conds, "status = ?")
		args = append(args, status)
	}
	if location != "" {
		conds = append(conds, "location = ?")
		args = append(args, location)
	}
	if hasWifi != nil {
		if *hasWifi {
			conds = append(conds, "wifi_ssid != '' AND wifi_credential != ''")
		} else {
			conds = append(conds, "(wifi_ssid = '' OR wifi_credential = '')")
		}
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY registered_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

// Delete removes a device. Deleting an unknown device is a no-op; the
// returned bool reports whether a row was actually removed.
func (s *FleetStore) Delete(ctx context.Context, deviceID string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM fleet_devices WHERE device_id = ?`, deviceID)
	if err != nil {
		return false, fmt.Errorf("delete device: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateStatusIfNewer applies a status observation stamped with observedAt,
// but only if no fresher observation has already been recorded. Returns
// whether the update was applied. Stale observations are dropped silently
// so that overlapping reporters cannot roll the device state backwards.
func (s *FleetStore) UpdateStatusIfNewer(ctx context.Context, deviceID string, status models.DeviceStatus, observedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE fleet_devices SET status = ?, last_seen = ?
		WHERE device_id = ? AND last_seen <= ?`,
		string(status), observedAt, deviceID, observedAt,
	)
	if err != nil {
		return false, fmt.Errorf("update status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TouchLastSeen refreshes a device's last_seen without changing its
// status, subject to the same timestamp ordering as status updates.
// Used when a health push confirms the device is alive but carries no
// signal strong enough to move the status either way.
func (s *FleetStore) TouchLastSeen(ctx context.Context, deviceID string, observedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE fleet_devices SET last_seen = ?
		WHERE device_id = ? AND last_seen <= ?`,
		observedAt, deviceID, observedAt,
	)
	if err != nil {
		return false, fmt.Errorf("touch last_seen: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SetStatus sets a device's status unconditionally without touching
// last_seen. Used for operator overrides such as maintenance mode.
func (s *FleetStore) SetStatus(ctx context.Context, deviceID string, status models.DeviceStatus) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE fleet_devices SET status = ? WHERE device_id = ?`,
		string(status), deviceID,
	)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateConfig replaces a device's operational config.
func (s *FleetStore) UpdateConfig(ctx context.Context, deviceID string, cfg models.DeviceConfig) error {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE fleet_devices SET config = ? WHERE device_id = ?`,
		string(cfgJSON), deviceID,
	)
	if err != nil {
		return fmt.Errorf("update config: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateMetadata updates operator-owned descriptive fields. Nil pointers
// leave the corresponding field unchanged.
func (s *FleetStore) UpdateMetadata(ctx context.Context, deviceID string, displayName, location, notes *string, tags []string) error {
	return s.store.Tx(ctx, func(tx *sql.Tx) error {
		d, err := getDeviceTx(tx, deviceID)
		if err != nil {
			return err
		}
		if d == nil {
			return sql.ErrNoRows
		}
		if displayName != nil {
			d.DisplayName = *displayName
		}
		if location != nil {
			d.Location = *location
		}
		if notes != nil {
			d.Notes = *notes
		}
		if tags != nil {
			d.Tags = tags
		}
		tagsJSON, err := json.Marshal(orEmpty(d.Tags))
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		_, err = tx.Exec(`
			UPDATE fleet_devices SET display_name = ?, location = ?, notes = ?, tags = ?
			WHERE device_id = ?`,
			d.DisplayName, d.Location, d.Notes, string(tagsJSON), deviceID,
		)
		if err != nil {
			return fmt.Errorf("update metadata: %w", err)
		}
		return nil
	})
}

// SetNetworkConfig stores the server-managed WiFi configuration for a
// device and tags it wifi_configured.
func (s *FleetStore) SetNetworkConfig(ctx context.Context, deviceID string, nc models.NetworkConfig) error {
	return s.store.Tx(ctx, func(tx *sql.Tx) error {
		d, err := getDeviceTx(tx, deviceID)
		if err != nil {
			return err
		}
		if d == nil {
			return sql.ErrNoRows
		}
		tags := d.Tags
		if !containsTag(tags, "wifi_configured") {
			tags = append(tags, "wifi_configured")
		}
		tagsJSON, err := json.Marshal(orEmpty(tags))
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		_, err = tx.Exec(`
			UPDATE fleet_devices SET wifi_ssid = ?, wifi_credential = ?, tags = ?
			WHERE device_id = ?`,
			nc.SSID, nc.Credential, string(tagsJSON), deviceID,
		)
		if err != nil {
			return fmt.Errorf("set network config: %w", err)
		}
		return nil
	})
}

// ClearNetworkConfig removes the stored WiFi configuration and the
// wifi_configured tag. The device falls back to its installation network.
func (s *FleetStore) ClearNetworkConfig(ctx context.Context, deviceID string) error {
	return s.store.Tx(ctx, func(tx *sql.Tx) error {
		d, err := getDeviceTx(tx, deviceID)
		if err != nil {
			return err
		}
		if d == nil {
			return sql.ErrNoRows
		}
		tags := make([]string, 0, len(d.Tags))
		for _, t := range d.Tags {
			if t != "wifi_configured" {
				tags = append(tags, t)
			}
		}
		tagsJSON, err := json.Marshal(tags)
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		_, err = tx.Exec(`
			UPDATE fleet_devices SET wifi_ssid = '', wifi_credential = '', tags = ?
			WHERE device_id = ?`,
			string(tagsJSON), deviceID,
		)
		if err != nil {
			return fmt.Errorf("clear network config: %w", err)
		}
		return nil
	})
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// SetLastCommand records the most recent command dispatched to a device,
// superseding any prior one.
func (s *FleetStore) SetLastCommand(ctx context.Context, deviceID string, cmd *models.LastCommand) error {
	cmdJSON, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal last_command: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE fleet_devices SET last_command = ? WHERE device_id = ?`,
		string(cmdJSON), deviceID,
	)
	if err != nil {
		return fmt.Errorf("set last_command: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// AckLastCommand marks the tracked command as executed (or failed) at the
// given time. A no-op if the device has no tracked command.
func (s *FleetStore) AckLastCommand(ctx context.Context, deviceID string, status models.CommandStatus, executedAt time.Time) error {
	return s.store.Tx(ctx, func(tx *sql.Tx) error {
		d, err := getDeviceTx(tx, deviceID)
		if err != nil {
			return err
		}
		if d == nil {
			return sql.ErrNoRows
		}
		if d.LastCommand == nil {
			return nil
		}
		d.LastCommand.Status = status
		d.LastCommand.ExecutedAt = &executedAt
		cmdJSON, err := json.Marshal(d.LastCommand)
		if err != nil {
			return fmt.Errorf("marshal last_command: %w", err)
		}
		_, err = tx.Exec(
			`UPDATE fleet_devices SET last_command = ? WHERE device_id = ?`,
			string(cmdJSON), deviceID,
		)
		if err != nil {
			return fmt.Errorf("ack last_command: %w", err)
		}
		return nil
	})
}

// Summary computes fleet-wide counts. Offline is derived from last_seen
// relative to now and the configured threshold.
func (s *FleetStore) Summary(ctx context.Context, now time.Time, offlineThreshold time.Duration) (*Summary, error) {
	cutoff := now.Add(-offlineThreshold)
	var sum Summary
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'warning' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'inactive' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'maintenance' THEN 1 ELSE 0 END),
			SUM(CASE WHEN last_seen < ? THEN 1 ELSE 0 END),
			SUM(CASE WHEN wifi_ssid != '' AND wifi_credential != '' THEN 1 ELSE 0 END)
		FROM fleet_devices`,
		cutoff,
	).Scan(
		&sum.Total,
		&nullInt{&sum.Active}, &nullInt{&sum.Warning}, &nullInt{&sum.Inactive},
		&nullInt{&sum.Maintenance}, &nullInt{&sum.Offline}, &nullInt{&sum.WifiConfigured},
	)
	if err != nil {
		return nil, fmt.Errorf("fleet summary: %w", err)
	}
	sum.Online = sum.Total - sum.Offline
	return &sum, nil
}

// nullInt scans a nullable SUM() result, treating NULL as zero.
type nullInt struct {
	dst *int
}

func (n *nullInt) Scan(src any) error {
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

// AppendNetworkAudit records a WiFi configuration write.
func (s *FleetStore) AppendNetworkAudit(ctx context.Context, deviceID, ssid, actor, action string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fleet_network_audit (device_id, ssid, actor, action, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		deviceID, ssid, actor, action, at,
	)
	if err != nil {
		return fmt.Errorf("append network audit: %w", err)
	}
	return nil
}

// ListNetworkAudit returns WiFi audit entries for a device, newest first.
// If limit <= 0, defaults to 50.
func (s *FleetStore) ListNetworkAudit(ctx context.Context, deviceID string, limit int) ([]NetworkAuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, ssid, actor, action, created_at
		FROM fleet_network_audit WHERE device_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list network audit: %w", err)
	}
	defer rows.Close()

	var entries []NetworkAuditEntry
	for rows.Next() {
		var e NetworkAuditEntry
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.SSID, &e.Actor, &e.Action, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var d models.Device
	var infoJSON, capsJSON, cfgJSON, tagsJSON string
	var cmdJSON sql.NullString
	var ssid, credential string
	err := row.Scan(
		&d.DeviceID, &d.DisplayName, &d.Location, &d.Status, &d.LastSeen,
		&d.RegisteredAt, &d.ServerURL, &d.AppVersion, &infoJSON, &capsJSON,
		&cfgJSON, &cmdJSON, &ssid, &credential, &tagsJSON, &d.Notes,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(infoJSON), &d.DeviceInfo); err != nil {
		return nil, fmt.Errorf("unmarshal device_info: %w", err)
	}
	if err := json.Unmarshal([]byte(capsJSON), &d.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	if err := json.Unmarshal([]byte(cfgJSON), &d.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &d.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if cmdJSON.Valid && cmdJSON.String != "" {
		var cmd models.LastCommand
		if err := json.Unmarshal([]byte(cmdJSON.String), &cmd); err != nil {
			return nil, fmt.Errorf("unmarshal last_command: %w", err)
		}
		d.LastCommand = &cmd
	}
	if ssid != "" || credential != "" {
		d.Network = &models.NetworkConfig{SSID: ssid, Credential: credential}
	}
	return &d, nil
}
