// Package storage owns the single SQLite database file (§6) that backs
// both the rule store (C2) and the request-log sink (C4). It uses
// modernc.org/sqlite, a cgo-free driver, through database/sql.
package storage

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the shared handle. Per §5, writes are confined to a single
// connection running in WAL mode; the startup write of the rule tables
// (rulestore.Persist) uses the same connection, once, before serving
// begins. The in-memory rule store is built from the parsed rules, not
// read back from this file.
type DB struct {
	sqlDB *sql.DB
	path  string
}

// Open opens (creating if necessary) the SQLite file at path, applies the
// pragmas the concurrency model requires, and runs pending migrations.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	// A single physical connection: SQLite serializes writers regardless,
	// and this keeps the log writer and startup rule-load on one handle.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	pragmas := []string{
		"pragma journal_mode=wal",
		"pragma synchronous=normal",
		"pragma busy_timeout=5000",
		"pragma foreign_keys=on",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("storage: pragma %q: %w", p, err)
		}
	}

	db := &DB{sqlDB: sqlDB, path: path}
	if err := migrate(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return db, nil
}

// Conn exposes the underlying handle for package rulestore and
// requestlog, which own their own prepared statements.
func (d *DB) Conn() *sql.DB { return d.sqlDB }

// Close closes the database.
func (d *DB) Close() error { return d.sqlDB.Close() }
