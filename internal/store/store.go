// Package store is the local-first record store. Every collection is
// sync-aware: records carry a local modification timestamp, a synced
// flag, and server timestamps so the synchronization engine can merge
// against the remote authority without losing locally-authored work.
//
// Deletion is soft by default — records are tombstoned so deletions
// propagate during sync. Hard removal is a separate, caller-driven
// purge. Capacity is unbounded here; retention is sync/application
// policy, not storage policy.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite-backed local record store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the store at dbPath and runs migrations.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite takes one writer at a time; a single pooled connection
	// serializes access instead of tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an existing database connection. Used by tests that
// supply the pure-Go driver.
func NewWithDB(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	// One connection keeps in-memory databases coherent: a second
	// pooled connection to ":memory:" would see a separate database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate creates the schema. Secondary indices cover the access paths
// the runtime actually uses: recency, type/status, and the sync flag.
func (s *Store) migrate() error {
	schema := `
	-- Conversation memories (chat exchanges, imported notes)
	CREATE TABLE IF NOT EXISTS memories (
		id                 TEXT PRIMARY KEY,
		prompt             TEXT NOT NULL DEFAULT '',
		content            TEXT NOT NULL,
		role               TEXT NOT NULL DEFAULT 'note',
		source             TEXT NOT NULL DEFAULT '',
		tier               TEXT NOT NULL DEFAULT '',
		model              TEXT NOT NULL DEFAULT '',
		duration_ms        INTEGER NOT NULL DEFAULT 0,
		local_modified_at  TEXT NOT NULL,
		synced             INTEGER NOT NULL DEFAULT 0,
		synced_at          TEXT,
		server_modified_at TEXT,
		deleted            INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_memories_modified ON memories(local_modified_at DESC);
	CREATE INDEX IF NOT EXISTS idx_memories_synced ON memories(synced);
	CREATE INDEX IF NOT EXISTS idx_memories_source ON memories(source);

	-- Persona components, keyed by component name
	CREATE TABLE IF NOT EXISTS persona_components (
		key                TEXT PRIMARY KEY,
		content            TEXT NOT NULL,
		local_modified_at  TEXT NOT NULL,
		synced             INTEGER NOT NULL DEFAULT 0,
		synced_at          TEXT,
		server_modified_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_persona_synced ON persona_components(synced);

	-- Tasks
	CREATE TABLE IF NOT EXISTS tasks (
		id                 TEXT PRIMARY KEY,
		title              TEXT NOT NULL,
		notes              TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL DEFAULT 'open',
		due_at             TEXT,
		local_modified_at  TEXT NOT NULL,
		synced             INTEGER NOT NULL DEFAULT 0,
		synced_at          TEXT,
		server_modified_at TEXT,
		deleted            INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_synced ON tasks(synced);

	-- Accounts (remote principals and their non-secret settings)
	CREATE TABLE IF NOT EXISTS accounts (
		id                 TEXT PRIMARY KEY,
		provider           TEXT NOT NULL,
		username           TEXT NOT NULL,
		settings           TEXT NOT NULL DEFAULT '{}',
		local_modified_at  TEXT NOT NULL,
		synced             INTEGER NOT NULL DEFAULT 0,
		synced_at          TEXT,
		server_modified_at TEXT
	);

	-- Rolling conversation buffer (sliding context window source)
	CREATE TABLE IF NOT EXISTS conversation_turns (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_conversation ON conversation_turns(conversation_id, created_at);

	-- Sync cursors, one per configured remote authority
	CREATE TABLE IF NOT EXISTS sync_cursors (
		remote       TEXT PRIMARY KEY,
		last_sync_at TEXT NOT NULL,
		principal    TEXT NOT NULL DEFAULT '',
		verified     INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for components that share the
// database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SyncMeta is the synchronization metadata every record carries.
type SyncMeta struct {
	LocalModifiedAt  time.Time `json:"local_modified_at"`
	Synced           bool      `json:"synced"`
	SyncedAt         time.Time `json:"synced_at,omitzero"`
	ServerModifiedAt time.Time `json:"server_modified_at,omitzero"`
}

// touch resets the metadata for a local edit: the record is dirty
// again and its local timestamp moves forward.
func (m *SyncMeta) touch(now time.Time) {
	m.LocalModifiedAt = now
	m.Synced = false
}

// fmtTime renders a timestamp for storage; zero times become NULL.
func fmtTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// mustFmtTime renders a non-nullable timestamp column.
func mustFmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime reads a nullable timestamp column.
func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s.String)
	return t
}
