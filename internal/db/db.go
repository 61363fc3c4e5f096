// Package db persists per-run sweep reports in SQLite so that pipeline
// behaviour can be inspected after the fact (through tailsql or plain SQL).
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"net/url"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Pragmas applied to every pooled connection.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
	"temp_store(MEMORY)",
	"foreign_keys(ON)",
}

type DB struct {
	*sql.DB
}

// dsn appends the connection pragmas to path in the form the modernc driver
// understands.
func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return path + "?" + q.Encode()
}

// NewDB opens (or creates) the database at path with the standard pragmas.
// It does not run migrations; use Open for that.
func NewDB(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// Each connection would otherwise see its own empty database.
		sqldb.SetMaxOpenConns(1)
	}
	if err := sqldb.Ping(); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &DB{sqldb}, nil
}

// Open opens the database at path and brings its schema to the latest
// migration.
func Open(path string) (*DB, error) {
	db, err := NewDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
