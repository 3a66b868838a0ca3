package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

var sqliteMigrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS bots (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		application_id TEXT NOT NULL,
		token TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'OFFLINE',
		desired_status TEXT NOT NULL DEFAULT 'OFFLINE',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bots_owner ON bots (owner_id)`,
	`CREATE INDEX IF NOT EXISTS idx_bots_status ON bots (status)`,
	`CREATE INDEX IF NOT EXISTS idx_bots_desired_status ON bots (desired_status)`,
	`CREATE TABLE IF NOT EXISTS bot_configurations (
		bot_id TEXT PRIMARY KEY REFERENCES bots(id) ON DELETE CASCADE,
		data TEXT NOT NULL DEFAULT '{}',
		updated_at TIMESTAMP NOT NULL
	)`,
}

var postgresMigrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS bots (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		name TEXT NOT NULL,
		application_id TEXT NOT NULL,
		token TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'OFFLINE',
		desired_status TEXT NOT NULL DEFAULT 'OFFLINE',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_bots_owner ON bots (owner_id)`,
	`CREATE INDEX IF NOT EXISTS idx_bots_status ON bots (status)`,
	`CREATE INDEX IF NOT EXISTS idx_bots_desired_status ON bots (desired_status)`,
	`CREATE TABLE IF NOT EXISTS bot_configurations (
		bot_id TEXT PRIMARY KEY REFERENCES bots(id) ON DELETE CASCADE,
		data TEXT NOT NULL DEFAULT '{}',
		updated_at TIMESTAMPTZ NOT NULL
	)`,
}

// RunMigration applies the idempotent schema for the dialect. It runs before
// the write queue exists, so it talks to the connection directly.
func RunMigration(ctx context.Context, db *sql.DB, d dialect) error {
	statements := sqliteMigrationStatements
	if d.name == DriverPostgres {
		statements = postgresMigrationStatements
	}
	for _, s := range statements {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
