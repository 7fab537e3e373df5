package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id     TEXT PRIMARY KEY,
	ts     TEXT NOT NULL,
	kind   TEXT NOT NULL,
	role   TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS events_ts ON events (ts);

CREATE TABLE IF NOT EXISTS photos (
	id      TEXT PRIMARY KEY,
	ts      TEXT NOT NULL,
	path    TEXT NOT NULL,
	trigger TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS photos_ts ON photos (ts);
`

// columns added after the first release; ApplyMigrations adds them to older
// databases.
var addedColumns = []struct {
	table, column, ddl string
}{
	{"events", "source", `ALTER TABLE events ADD COLUMN source TEXT NOT NULL DEFAULT ''`},
}

// Open opens (creating if needed) the journal database and brings its schema
// up to date.
func Open(dbPath string) (*sql.DB, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite has a single writer; one connection also keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	if err := ApplyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", dbPath).Msg("Event journal opened")
	return db, nil
}

func ApplyMigrations(db *sql.DB) error {
	tx, err := StartTransaction(context.Background(), db)
	if err != nil {
		return err
	}
	defer RollbackTransaction(tx)

	if _, err := tx.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	for _, c := range addedColumns {
		exists, err := columnExists(tx, c.table, c.column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := tx.Exec(c.ddl); err != nil {
			return fmt.Errorf("failed to add %s.%s: %w", c.table, c.column, err)
		}
		log.Info().Str("table", c.table).Str("column", c.column).Msg("Applied migration")
	}

	return CommitTransaction(tx)
}

func columnExists(tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue *string
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return false, fmt.Errorf("failed to scan table info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
