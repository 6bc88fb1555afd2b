package liveness

import (
	"database/sql"

	"github.com/signalfleet/signalfleet/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create liveness_probes table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS liveness_probes (
						id            INTEGER PRIMARY KEY AUTOINCREMENT,
						device_id     TEXT NOT NULL,
						success       INTEGER NOT NULL,
						latency_ms    REAL NOT NULL DEFAULT 0,
						host_up       INTEGER,
						error_message TEXT NOT NULL DEFAULT '',
						checked_at    TIMESTAMP NOT NULL
					)
				`)
				if err != nil {
					return err
				}
				_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_liveness_probes_device ON liveness_probes(device_id, checked_at)`)
				if err != nil {
					return err
				}
				_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_liveness_probes_checked ON liveness_probes(checked_at)`)
				return err
			},
		},
	}
}
