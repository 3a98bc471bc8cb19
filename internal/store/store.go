// Package store owns all persisted state: the document corpus and its
// full-text index, conversations and messages, admission counters, auto
// sessions, and the external-call audit log. One SQLite file holds
// everything; the driver is pure Go.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
			"cache_size(-64000)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent admission checks.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dbPath: path}
	if err := s.initSchema(); err != nil {
		initErr := fmt.Errorf("initialize schema for %q: %w", path, err)
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(initErr, fmt.Errorf("close database after init failure: %w", closeErr))
		}
		return nil, initErr
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id        INTEGER PRIMARY KEY,
	title     TEXT NOT NULL,
	body      TEXT NOT NULL,
	kind      TEXT NOT NULL DEFAULT 'other',
	timestamp TEXT,
	sender    TEXT,
	metadata  TEXT NOT NULL DEFAULT '{}'
);

CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
	title, body,
	content='documents',
	content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS documents_ai AFTER INSERT ON documents BEGIN
	INSERT INTO documents_fts(rowid, title, body) VALUES (new.id, new.title, new.body);
END;
CREATE TRIGGER IF NOT EXISTS documents_ad AFTER DELETE ON documents BEGIN
	INSERT INTO documents_fts(documents_fts, rowid, title, body) VALUES ('delete', old.id, old.title, old.body);
END;

CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role            TEXT NOT NULL CHECK (role IN ('user','assistant')),
	content         TEXT NOT NULL,
	sources         TEXT NOT NULL DEFAULT '[]',
	is_auto         INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS auto_sessions (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	status          TEXT NOT NULL CHECK (status IN ('running','stopped','completed')),
	query_count     INTEGER NOT NULL DEFAULT 0,
	max_queries     INTEGER NOT NULL,
	started_at      INTEGER NOT NULL,
	stopped_at      INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_auto_sessions_running
	ON auto_sessions(conversation_id) WHERE status = 'running';

CREATE TABLE IF NOT EXISTS rate_counters (
	ip_hash TEXT NOT NULL,
	day     TEXT NOT NULL,
	count   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (ip_hash, day)
);

CREATE TABLE IF NOT EXISTS budget_counters (
	day            TEXT PRIMARY KEY,
	external_calls INTEGER NOT NULL DEFAULT 0,
	cost_micro_usd INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS audit_external_calls (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	invocation_id   TEXT NOT NULL,
	day             TEXT NOT NULL,
	model           TEXT NOT NULL,
	tokens_in       INTEGER NOT NULL,
	tokens_out      INTEGER NOT NULL,
	cost_micro_usd  INTEGER NOT NULL,
	pricing_version TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_day ON audit_external_calls(day);
`
	_, err := s.db.Exec(schema)
	return err
}

// DB exposes the underlying handle for read-only health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies database reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
