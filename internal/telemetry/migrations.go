package telemetry

import (
	"database/sql"

	"github.com/signalfleet/signalfleet/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create telemetry_health table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS telemetry_health (
						id                 INTEGER PRIMARY KEY AUTOINCREMENT,
						device_id          TEXT NOT NULL,
						cpu_usage          REAL NOT NULL,
						memory_usage       REAL NOT NULL,
						disk_usage         REAL NOT NULL DEFAULT 0,
						temperature        REAL NOT NULL DEFAULT 0,
						uptime_seconds     INTEGER NOT NULL DEFAULT 0,
						network_status     TEXT NOT NULL DEFAULT '',
						wifi_connected     INTEGER NOT NULL DEFAULT 0,
						internet_connected INTEGER NOT NULL DEFAULT 0,
						app_version        TEXT NOT NULL DEFAULT '',
						derived_status     TEXT NOT NULL,
						reported_at        TIMESTAMP NOT NULL,
						received_at        TIMESTAMP NOT NULL,
						UNIQUE (device_id, reported_at)
					)
				`)
				if err != nil {
					return err
				}
				_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_telemetry_health_reported ON telemetry_health(reported_at)`)
				return err
			},
		},
	}
}
