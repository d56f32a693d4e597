package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite graph store: nodes with their labels, typed edges,
// the detector's FP-tree, and detection findings.
type Store struct {
	db *sql.DB
}

// NewStore opens a SQLite database at dbPath with WAL mode enabled. Write
// transactions take the write lock up front so concurrent batches queue on
// the busy timeout instead of failing on lock upgrade.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=30000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// QueryReadOnly runs query on a dedicated connection with query_only set
// and hands the rows to each. Any statement that would write fails with
// SQLITE_READONLY, however it is phrased.
func (s *Store) QueryReadOnly(ctx context.Context, query string, args []any, each func(*sql.Rows) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("read-only query: conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		return fmt.Errorf("read-only query: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), "PRAGMA query_only = OFF"); err != nil {
			// Drop the connection rather than return it to the pool read-only.
			conn.Raw(func(any) error { return driver.ErrBadConn })
		}
	}()

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	return each(rows)
}

// Migrate creates all tables and indexes. Idempotent.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if _, err := s.db.Exec(indexDDL); err != nil {
		return fmt.Errorf("migrate: indexes: %w", err)
	}
	return nil
}

// EnsureSchema creates the natural-key indexes the composer relies on:
// (label, qualified_name) for node upserts and endpoint lookups, and the
// edge identity index. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, indexDDL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Reset deletes every node, edge and FP-tree node. Findings and metadata
// are kept.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reset: begin: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"edges", "node_labels", "nodes", "fp_tree_nodes"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset: %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reset: commit: %w", err)
	}
	return nil
}

const schemaDDL = `
-- Graph tables

CREATE TABLE IF NOT EXISTS nodes (
  id                   INTEGER PRIMARY KEY,
  label                TEXT NOT NULL,
  kind                 TEXT NOT NULL,
  name                 TEXT NOT NULL,
  qualified_name       TEXT NOT NULL,
  file_path            TEXT,
  subtype              TEXT,
  is_abstract          BOOLEAN,
  access               TEXT,
  class_name           TEXT,
  class_qualified_name TEXT
);

CREATE TABLE IF NOT EXISTS node_labels (
  node_id         INTEGER NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
  label           TEXT NOT NULL,
  PRIMARY KEY (node_id, label)
);

CREATE TABLE IF NOT EXISTS edges (
  id              INTEGER PRIMARY KEY,
  type            TEXT NOT NULL,
  from_id         INTEGER NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
  to_id           INTEGER NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
  param_name      TEXT NOT NULL DEFAULT '',
  default_value   TEXT,
  arg_types       TEXT
);

-- Detector tables

CREATE TABLE IF NOT EXISTS fp_tree_nodes (
  id                  INTEGER PRIMARY KEY,
  parent_id           INTEGER NOT NULL,
  type_qualified_name TEXT NOT NULL,
  param_name          TEXT NOT NULL,
  support             INTEGER NOT NULL,
  UNIQUE (parent_id, type_qualified_name, param_name)
);

CREATE TABLE IF NOT EXISTS findings (
  id              INTEGER PRIMARY KEY,
  run_id          TEXT NOT NULL,
  kind            TEXT NOT NULL,
  subject         TEXT NOT NULL DEFAULT '',
  itemset         TEXT,
  support         INTEGER NOT NULL DEFAULT 0,
  detail          TEXT NOT NULL DEFAULT '',
  created_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS metadata (
  key             TEXT PRIMARY KEY,
  value           TEXT NOT NULL
);
`

const indexDDL = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_label_qname ON nodes(label, qualified_name);
CREATE INDEX IF NOT EXISTS idx_nodes_qname ON nodes(qualified_name);
CREATE INDEX IF NOT EXISTS idx_node_labels_label ON node_labels(label, node_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_edges_identity ON edges(type, from_id, to_id, param_name);
CREATE INDEX IF NOT EXISTS idx_edges_to ON edges(to_id, type);
CREATE INDEX IF NOT EXISTS idx_fp_tree_item ON fp_tree_nodes(type_qualified_name, param_name);
CREATE INDEX IF NOT EXISTS idx_findings_run ON findings(run_id);
`

// GetMetadata returns the value stored under key, or "" if absent.
func (s *Store) GetMetadata(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get metadata %q: %w", key, err)
	}
	return v, nil
}

func (s *Store) SetMetadata(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO metadata (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set metadata %q: %w", key, err)
	}
	return nil
}
