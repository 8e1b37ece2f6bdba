package state

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// migration represents a single schema migration step.
type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema migrations.
// Each migration is applied exactly once, tracked in the schema_version table.
// Timestamps are stored as unix milliseconds.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: guild_overrides, user_prefs, bot_replies, user_activity",
		SQL: `
		CREATE TABLE IF NOT EXISTS guild_overrides (
			guild_id    TEXT PRIMARY KEY,
			overrides   TEXT NOT NULL,
			updated_at  INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS user_prefs (
			user_id     TEXT PRIMARY KEY,
			opted_in    INTEGER NOT NULL DEFAULT 1,
			updated_at  INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS bot_replies (
			channel_id  TEXT PRIMARY KEY,
			replied_at  INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS user_activity (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id  TEXT NOT NULL,
			user_id     TEXT NOT NULL,
			sent_at     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_activity_user ON user_activity(channel_id, user_id, sent_at);
		`,
	},
	{
		Version:     2,
		Description: "v2: per-channel conversation history",
		SQL: `
		CREATE TABLE IF NOT EXISTS messages (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id  TEXT NOT NULL,
			role        TEXT NOT NULL,
			content     TEXT NOT NULL,
			created_at  INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_id, id);
		`,
	},
}

// runMigrations applies all pending schema migrations inside one
// transaction per version.
func runMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := SchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		logger.Info("applying migration", "version", m.Version, "description", m.Description)

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

// SchemaVersion returns the current schema version from the database.
func SchemaVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}
