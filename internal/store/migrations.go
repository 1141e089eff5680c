package store

import (
	"context"
	"database/sql"
	"strings"
)

// schema contains the ledger DDL. Each statement uses IF NOT EXISTS so
// Migrate can run against a file that already has the tables.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS attempts (
		id         TEXT PRIMARY KEY,
		cycle      INTEGER NOT NULL,
		slot_id    TEXT NOT NULL,
		slot_start TEXT NOT NULL,
		outcome    TEXT NOT NULL,
		message    TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_slot_outcome ON attempts(slot_id, outcome)`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_created_at ON attempts(created_at)`,

	`CREATE TABLE IF NOT EXISTS transitions (
		id         TEXT PRIMARY KEY,
		from_state TEXT NOT NULL,
		to_state   TEXT NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	)`,
}

// alterStatements are column additions for ledger files created before the
// column existed. SQLite has no ADD COLUMN IF NOT EXISTS.
var alterStatements = []struct {
	table    string
	column   string
	alterSQL string
	indexSQL string // Optional index to create after column is added
}{
	{
		table:    "attempts",
		column:   "dry_run",
		alterSQL: "ALTER TABLE attempts ADD COLUMN dry_run INTEGER NOT NULL DEFAULT 0",
	},
}

// migrate executes all schema DDL statements and alter migrations.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	for _, alter := range alterStatements {
		if err := addColumnIfNotExists(ctx, db, alter.table, alter.column, alter.alterSQL); err != nil {
			return err
		}
		if alter.indexSQL != "" {
			if _, err := db.ExecContext(ctx, alter.indexSQL); err != nil {
				return err
			}
		}
	}

	return nil
}

// addColumnIfNotExists adds a column to a table if it doesn't already exist.
func addColumnIfNotExists(ctx context.Context, db *sql.DB, table, column, alterSQL string) error {
	rows, err := db.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue *string
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = db.ExecContext(ctx, alterSQL)
	return err
}
