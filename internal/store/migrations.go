package store

import (
	"fmt"
)

type migration struct {
	version int
	name    string
	sql     string
}

// schema is applied in order. Append only; never edit an applied step.
var schema = []migration{
	{
		version: 1,
		name:    "runs and bundle verifications",
		sql: `
			CREATE TABLE runs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_uuid TEXT NOT NULL UNIQUE,
				target TEXT NOT NULL,
				format TEXT NOT NULL,
				status TEXT DEFAULT 'running',
				error_message TEXT DEFAULT '',
				staged INTEGER DEFAULT 0,
				incompatible INTEGER DEFAULT 0,
				bundle_status TEXT DEFAULT '',
				start_time DATETIME NOT NULL,
				end_time DATETIME
			);

			CREATE TABLE bundle_verifications (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id INTEGER,
				archive_path TEXT NOT NULL,
				algorithm TEXT NOT NULL,
				digest TEXT NOT NULL,
				size INTEGER DEFAULT 0,
				cached BOOLEAN DEFAULT 0,
				verified_at DATETIME NOT NULL,
				FOREIGN KEY(run_id) REFERENCES runs(id)
			);
		`,
	},
	{
		version: 2,
		name:    "history indexes",
		sql: `
			CREATE INDEX idx_runs_start_time ON runs(start_time);
			CREATE INDEX idx_bundle_verifications_archive ON bundle_verifications(archive_path, verified_at);
		`,
	},
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion() (int, error) {
	var v int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

func (s *Store) migrate() error {
	const ledger = `CREATE TABLE IF NOT EXISTS migrations (
		id INTEGER PRIMARY KEY,
		version INTEGER NOT NULL UNIQUE,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := s.db.Exec(ledger); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	current, err := s.SchemaVersion()
	if err != nil {
		return err
	}

	for _, m := range schema {
		if m.version <= current {
			continue
		}
		s.logger.Info("applying schema migration", "version", m.version, "name", m.name)
		if err := s.apply(m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

// apply runs one step and records it in the same transaction.
func (s *Store) apply(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(m.sql); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT INTO migrations (version) VALUES (?)", m.version); err != nil {
		return err
	}
	return tx.Commit()
}
