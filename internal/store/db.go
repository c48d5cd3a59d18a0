// Package store is the relational persistence layer: cache_entries,
// cache_chunks, cache_download_queue, cache_quality_variants,
// cache_headers, and cache_statistics, all backed by a single SQLite
// database opened through database/sql and github.com/mattn/go-sqlite3.
package store

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// DB wraps the shared *sql.DB handle every repository in this package reads
// and writes through.
type DB struct {
	conn *sql.DB
}

// Open creates (if necessary) and opens the SQLite database at path,
// applying the embedded schema. Foreign keys and a busy timeout are enabled
// per-connection via DSN parameters, since SQLite enforces neither by
// default.
func Open(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// SQLite serializes writers; a single connection avoids "database is
	// locked" churn under concurrent producers/readers and lets the busy
	// timeout above do the actual serialization.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn exposes the raw *sql.DB for repositories in this package.
func (d *DB) Conn() *sql.DB {
	return d.conn
}
