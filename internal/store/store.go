// Package store persists themes, content items and snapshots in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store handles all database operations
type Store struct {
	db *sql.DB
}

// New creates a new Store with SQLite backend
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS content_items (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		kind TEXT NOT NULL,
		collected_at DATETIME NOT NULL,
		themes TEXT,
		sentiment TEXT,
		conviction INTEGER,
		tickers TEXT,
		key_levels TEXT,
		summary TEXT,
		derived_from TEXT,
		evidence TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS themes (
		id TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		status TEXT NOT NULL,
		conviction REAL NOT NULL,
		interval REAL NOT NULL,
		pillars TEXT,
		falsification TEXT
	);

	CREATE TABLE IF NOT EXISTS theme_evidence (
		theme_id TEXT NOT NULL REFERENCES themes(id),
		item_id TEXT NOT NULL REFERENCES content_items(id),
		source TEXT NOT NULL,
		added_at DATETIME NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (theme_id, item_id)
	);

	CREATE TABLE IF NOT EXISTS conviction_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		theme_id TEXT NOT NULL REFERENCES themes(id),
		ts DATETIME NOT NULL,
		value REAL NOT NULL,
		interval REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS contradictions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		theme_id TEXT NOT NULL REFERENCES themes(id),
		item_id TEXT NOT NULL,
		source TEXT NOT NULL,
		item_bias TEXT NOT NULL,
		dominant_bias TEXT NOT NULL,
		at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		generated_at DATETIME NOT NULL,
		degraded BOOLEAN NOT NULL DEFAULT 0,
		payload TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_items_collected_at ON content_items(collected_at);
	CREATE INDEX IF NOT EXISTS idx_items_source ON content_items(source);
	CREATE INDEX IF NOT EXISTS idx_evidence_theme ON theme_evidence(theme_id, position);
	CREATE INDEX IF NOT EXISTS idx_history_theme ON conviction_history(theme_id, ts);
	CREATE INDEX IF NOT EXISTS idx_themes_status ON themes(status);
	CREATE INDEX IF NOT EXISTS idx_snapshots_generated ON snapshots(generated_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Batch wraps a single transaction covering one ingestion run. Either
// every theme mutation in the run commits or none do.
type Batch struct {
	tx *sql.Tx
}

// WithBatch runs fn inside one transaction, rolling back on error so a
// failed run leaves no partial theme mutations behind.
func (s *Store) WithBatch(ctx context.Context, fn func(b *Batch) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}

	if err := fn(&Batch{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}
