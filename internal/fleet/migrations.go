package fleet

import (
	"database/sql"

	"github.com/signalfleet/signalfleet/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create fleet_devices table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS fleet_devices (
						device_id       TEXT PRIMARY KEY,
						display_name    TEXT NOT NULL,
						location        TEXT NOT NULL DEFAULT '',
						status          TEXT NOT NULL DEFAULT 'active',
						last_seen       TIMESTAMP NOT NULL,
						registered_at   TIMESTAMP NOT NULL,
						server_url      TEXT NOT NULL DEFAULT '',
						app_version     TEXT NOT NULL DEFAULT '',
						device_info     TEXT NOT NULL DEFAULT '{}',
						capabilities    TEXT NOT NULL DEFAULT '[]',
						config          TEXT NOT NULL DEFAULT '{}',
						last_command    TEXT,
						wifi_ssid       TEXT NOT NULL DEFAULT '',
						wifi_credential TEXT NOT NULL DEFAULT '',
						tags            TEXT NOT NULL DEFAULT '[]',
						notes           TEXT NOT NULL DEFAULT ''
					)
				`)
				if err != nil {
					return err
				}
				_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_fleet_devices_status ON fleet_devices(status)`)
				if err != nil {
					return err
				}
				_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_fleet_devices_last_seen ON fleet_devices(last_seen)`)
				return err
			},
		},
		{
			Version:     2,
			Description: "create fleet_network_audit table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS fleet_network_audit (
						id         INTEGER PRIMARY KEY AUTOINCREMENT,
						device_id  TEXT NOT NULL,
						ssid       TEXT NOT NULL,
						actor      TEXT NOT NULL,
						action     TEXT NOT NULL,
						created_at TIMESTAMP NOT NULL
					)
				`)
				if err != nil {
					return err
				}
				_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_fleet_network_audit_device ON fleet_network_audit(device_id)`)
				return err
			},
		},
	}
}
