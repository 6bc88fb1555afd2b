package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/signalfleet/signalfleet/pkg/plugin"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateAppliesOnce(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var runs int
	migs := []plugin.Migration{
		{
			Version:     1,
			Description: "create widgets",
			Up: func(tx *sql.Tx) error {
				runs++
				_, err := tx.Exec("CREATE TABLE widgets (id INTEGER PRIMARY KEY)")
				return err
			},
		},
	}

	if err := s.Migrate(ctx, "testmod", migs); err != nil {
		t.Fatalf("first Migrate: %v", err)
	}
	if err := s.Migrate(ctx, "testmod", migs); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if runs != 1 {
		t.Errorf("migration ran %d times, want 1", runs)
	}
}

func TestMigratePerModuleTracking(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	mig := func(table string) []plugin.Migration {
		return []plugin.Migration{{
			Version:     1,
			Description: "create " + table,
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(fmt.Sprintf("CREATE TABLE %s (id INTEGER PRIMARY KEY)", table))
				return err
			},
		}}
	}

	if err := s.Migrate(ctx, "alpha", mig("alpha_items")); err != nil {
		t.Fatalf("alpha Migrate: %v", err)
	}
	if err := s.Migrate(ctx, "beta", mig("beta_items")); err != nil {
		t.Fatalf("beta Migrate: %v", err)
	}

	var count int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM _migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 2 {
		t.Errorf("got %d migration rows, want 2", count)
	}
}

func TestMigrateRollbackOnFailure(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	migs := []plugin.Migration{{
		Version:     1,
		Description: "failing migration",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec("CREATE TABLE doomed (id INTEGER)"); err != nil {
				return err
			}
			return boom
		},
	}}

	if err := s.Migrate(ctx, "failmod", migs); !errors.Is(err, boom) {
		t.Fatalf("Migrate error = %v, want %v", err, boom)
	}

	// Migration must not be recorded and the table must not exist.
	var count int
	if err := s.DB().QueryRow(
		"SELECT COUNT(*) FROM _migrations WHERE module_name = 'failmod'",
	).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("failed migration was recorded")
	}

	if _, err := s.DB().Query("SELECT * FROM doomed"); err == nil {
		t.Errorf("table from rolled-back migration exists")
	}
}

func TestTxCommitAndRollback(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.DB().Exec("CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)"); err != nil {
		t.Fatalf("create table: %v", err)
	}

	if err := s.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO kv (k, v) VALUES ('a', '1')")
		return err
	}); err != nil {
		t.Fatalf("Tx commit: %v", err)
	}

	boom := errors.New("boom")
	if err := s.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO kv (k, v) VALUES ('b', '2')"); err != nil {
			return err
		}
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("Tx error = %v, want %v", err, boom)
	}

	var count int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM kv").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("got %d rows, want 1 (rollback should discard second insert)", count)
	}
}

func TestCheckVersion(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// First run records the version.
	if err := s.CheckVersion(ctx, "1.2.0"); err != nil {
		t.Fatalf("first CheckVersion: %v", err)
	}

	// Same version passes.
	if err := s.CheckVersion(ctx, "1.2.0"); err != nil {
		t.Fatalf("same version: %v", err)
	}

	// Newer binary upgrades the stored version.
	if err := s.CheckVersion(ctx, "1.3.0"); err != nil {
		t.Fatalf("newer binary: %v", err)
	}

	// Older binary is rejected.
	if err := s.CheckVersion(ctx, "1.1.0"); !errors.Is(err, ErrNewerSchema) {
		t.Fatalf("older binary error = %v, want ErrNewerSchema", err)
	}

	// Dev builds always pass.
	if err := s.CheckVersion(ctx, "dev"); err != nil {
		t.Fatalf("dev binary: %v", err)
	}
}
