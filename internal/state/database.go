package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Database manages the SQLite database for state persistence
type Database struct {
	db     *sql.DB
	dbPath string
}

// NewDatabase creates a new database connection
func NewDatabase(dbPath string) (*Database, error) {
	dir := filepath.Dir(dbPath)
	if err := ensureDir(dir); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support concurrent writes well
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	database := &Database{
		db:     db,
		dbPath: dbPath,
	}

	if err := database.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return database, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// GetDB returns the underlying database connection
func (d *Database) GetDB() *sql.DB {
	return d.db
}

// Path returns the database file path
func (d *Database) Path() string {
	return d.dbPath
}

func (d *Database) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS system_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	-- One row per device held by a capture session of this host
	CREATE TABLE IF NOT EXISTS ownership (
		device TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		pid INTEGER NOT NULL,
		pipeline_pgid INTEGER DEFAULT 0,
		acquired_at TIMESTAMP NOT NULL
	);

	-- History of capture sessions
	CREATE TABLE IF NOT EXISTS acquisitions (
		id TEXT PRIMARY KEY,
		device TEXT NOT NULL,
		audio_device TEXT,
		token TEXT NOT NULL,
		pid INTEGER NOT NULL,
		discovery_attempts INTEGER DEFAULT 0,
		recoveries INTEGER DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		end_reason TEXT
	);

	CREATE TABLE IF NOT EXISTS consumers (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		label TEXT,
		attached_at TIMESTAMP NOT NULL,
		detached_at TIMESTAMP,
		dropped INTEGER DEFAULT 0,
		FOREIGN KEY (session_id) REFERENCES acquisitions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_acquisitions_started ON acquisitions(started_at);
	CREATE INDEX IF NOT EXISTS idx_acquisitions_open ON acquisitions(ended_at);
	CREATE INDEX IF NOT EXISTS idx_consumers_session ON consumers(session_id, detached_at);
	`

	if _, err := d.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}
