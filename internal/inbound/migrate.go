package inbound

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// ledgerSchemaVersion is the schema version a fully migrated ledger has.
const ledgerSchemaVersion = 2

type migration struct {
	Version     int
	Description string
	SQL         string
}

// ledgerMigrations are applied in order, each exactly once.
var ledgerMigrations = []migration{
	{
		Version:     1,
		Description: "processed message ids",
		SQL: `
		CREATE TABLE IF NOT EXISTS processed_messages (
			id           TEXT PRIMARY KEY,
			processed_at INTEGER NOT NULL
		);`,
	},
	{
		Version:     2,
		Description: "index for pruning by age",
		SQL:         `CREATE INDEX IF NOT EXISTS idx_processed_at ON processed_messages(processed_at);`,
	},
}

// runMigrations brings db up to ledgerSchemaVersion, recording applied
// versions in schema_version.
func runMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := schemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range ledgerMigrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying ledger migration", "version", m.Version, "description", m.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

func schemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return v, nil
}
