package dispatch

import (
	"database/sql"

	"github.com/signalfleet/signalfleet/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create dispatch_jobs and dispatch_targets tables",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS dispatch_jobs (
						id           TEXT PRIMARY KEY,
						kind         TEXT NOT NULL,
						artifact_ref TEXT NOT NULL DEFAULT '',
						operation    TEXT NOT NULL DEFAULT '',
						command      TEXT NOT NULL DEFAULT '',
						payload      TEXT NOT NULL DEFAULT '{}',
						status       TEXT NOT NULL DEFAULT 'running',
						created_by   TEXT NOT NULL DEFAULT '',
						created_at   TIMESTAMP NOT NULL,
						completed_at TIMESTAMP,
						total        INTEGER NOT NULL DEFAULT 0,
						succeeded    INTEGER NOT NULL DEFAULT 0,
						failed       INTEGER NOT NULL DEFAULT 0
					)
				`)
				if err != nil {
					return err
				}
				_, err = tx.Exec(`
					CREATE TABLE IF NOT EXISTS dispatch_targets (
						id            INTEGER PRIMARY KEY AUTOINCREMENT,
						job_id        TEXT NOT NULL REFERENCES dispatch_jobs(id) ON DELETE CASCADE,
						device_id     TEXT NOT NULL,
						status        TEXT NOT NULL DEFAULT 'pending',
						attempts      INTEGER NOT NULL DEFAULT 0,
						delivered_via TEXT NOT NULL DEFAULT '',
						last_error    TEXT NOT NULL DEFAULT '',
						updated_at    TIMESTAMP NOT NULL
					)
				`)
				if err != nil {
					return err
				}
				_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_dispatch_targets_job ON dispatch_targets(job_id)`)
				return err
			},
		},
	}
}
