package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite handle backing the message store
type DB struct {
	db     *sql.DB
	logger *logrus.Logger
}

// openPragmas are applied before the schema. WAL keeps checkpoint and
// search readers off the sync engine's write path; the busy timeout
// covers the brief overlap between a batch upsert and an FTS query.
var openPragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// OpenDB opens (creating if needed) the store database at the given
// path, applies the store pragmas, and installs the schema.
func OpenDB(dbPath string, logger *logrus.Logger) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, pragma := range openPragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.WithField("path", dbPath).Info("Message store initialized")
	return &DB{db: db, logger: logger}, nil
}

// Close closes the database handle
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Conn exposes the handle to the store's query methods
func (d *DB) Conn() *sql.DB {
	return d.db
}
