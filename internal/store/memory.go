package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a record id does not exist.
var ErrNotFound = errors.New("record not found")

// Memory is one conversation exchange or imported note.
type Memory struct {
	ID         string `json:"id"`
	Prompt     string `json:"prompt,omitempty"`
	Content    string `json:"content"`
	Role       string `json:"role"`   // user, assistant, note
	Source     string `json:"source"` // chat, import, sync
	Tier       string `json:"tier,omitempty"`
	Model      string `json:"model,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
	Deleted    bool   `json:"deleted,omitempty"`
	SyncMeta
}

// MemoryFilter narrows GetMemories. Zero fields match everything.
type MemoryFilter struct {
	Source string
	Role   string
	Since  time.Time
	Limit  int
}

// SaveMemory inserts or fully replaces a memory. Any save marks the
// record unsynced and refreshes its local timestamp — partial updates
// are a caller-side read-modify-write, not a store primitive.
func (s *Store) SaveMemory(m *Memory) error {
	if m.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate memory id: %w", err)
		}
		m.ID = id.String()
	}
	m.touch(time.Now())

	_, err := s.db.Exec(`
		INSERT INTO memories (id, prompt, content, role, source, tier, model, duration_ms,
			local_modified_at, synced, synced_at, server_modified_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL, ?)
		ON CONFLICT(id) DO UPDATE SET
			prompt = excluded.prompt,
			content = excluded.content,
			role = excluded.role,
			source = excluded.source,
			tier = excluded.tier,
			model = excluded.model,
			duration_ms = excluded.duration_ms,
			local_modified_at = excluded.local_modified_at,
			synced = 0,
			deleted = excluded.deleted
	`, m.ID, m.Prompt, m.Content, m.Role, m.Source, m.Tier, m.Model, m.DurationMs,
		mustFmtTime(m.LocalModifiedAt), boolInt(m.Deleted))
	if err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

// InsertSyncedMemory writes a remote-originated memory that is already
// in agreement with the server. Used by the sync engine's merge path.
func (s *Store) InsertSyncedMemory(m *Memory) error {
	_, err := s.db.Exec(`
		INSERT INTO memories (id, prompt, content, role, source, tier, model, duration_ms,
			local_modified_at, synced, synced_at, server_modified_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			prompt = excluded.prompt,
			content = excluded.content,
			role = excluded.role,
			source = excluded.source,
			local_modified_at = excluded.local_modified_at,
			synced = 1,
			synced_at = excluded.synced_at,
			server_modified_at = excluded.server_modified_at,
			deleted = excluded.deleted
	`, m.ID, m.Prompt, m.Content, m.Role, m.Source, m.Tier, m.Model, m.DurationMs,
		mustFmtTime(m.LocalModifiedAt), fmtTime(m.SyncedAt), fmtTime(m.ServerModifiedAt),
		boolInt(m.Deleted))
	if err != nil {
		return fmt.Errorf("insert synced memory: %w", err)
	}
	return nil
}

// GetMemory fetches one memory by id, tombstoned or not.
func (s *Store) GetMemory(id string) (*Memory, error) {
	row := s.db.QueryRow(memorySelect+` WHERE id = ?`, id)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	return m, err
}

// GetRecentMemories returns the most recently modified memories,
// excluding tombstones.
func (s *Store) GetRecentMemories(limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryMemories(memorySelect+`
		WHERE deleted = 0
		ORDER BY local_modified_at DESC
		LIMIT ?`, limit)
}

// GetMemories returns memories matching the filter, excluding
// tombstones, newest first.
func (s *Store) GetMemories(f MemoryFilter) ([]*Memory, error) {
	var conds []string
	var args []any

	conds = append(conds, "deleted = 0")
	if f.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, f.Source)
	}
	if f.Role != "" {
		conds = append(conds, "role = ?")
		args = append(args, f.Role)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "local_modified_at > ?")
		args = append(args, mustFmtTime(f.Since))
	}

	q := memorySelect + " WHERE " + strings.Join(conds, " AND ") + " ORDER BY local_modified_at DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryMemories(q, args...)
}

// UnsyncedMemories returns every memory with pending local changes,
// including tombstones (deletions must propagate), oldest first so
// upload batches replay edits in order.
func (s *Store) UnsyncedMemories(limit int) ([]*Memory, error) {
	q := memorySelect + ` WHERE synced = 0 ORDER BY local_modified_at ASC`
	if limit > 0 {
		return s.queryMemories(q+` LIMIT ?`, limit)
	}
	return s.queryMemories(q)
}

// MarkMemoriesSynced flags the given records as acknowledged by the
// server with the server-assigned timestamp. Records edited after the
// batch was read keep their dirty flag.
func (s *Store) MarkMemoriesSynced(memories []*Memory, serverTS time.Time) error {
	marks := make([]syncMark, len(memories))
	for i, m := range memories {
		marks[i] = syncMark{m.ID, m.LocalModifiedAt}
	}
	return s.markSynced("memories", "id", marks, serverTS)
}

// SoftDeleteMemory tombstones a memory. The record stays in place so
// the deletion replicates; it just stops appearing in reads.
func (s *Store) SoftDeleteMemory(id string) error {
	res, err := s.db.Exec(`
		UPDATE memories
		SET deleted = 1, synced = 0, local_modified_at = ?
		WHERE id = ?
	`, mustFmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("soft delete memory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory %s: %w", id, ErrNotFound)
	}
	return nil
}

// PurgeMemory physically removes a record. Caller-driven only.
func (s *Store) PurgeMemory(id string) error {
	_, err := s.db.Exec(`DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("purge memory: %w", err)
	}
	return nil
}

// ExportMemories returns every memory including tombstones, for
// backup and audit. Ordinary reads never see tombstoned records.
func (s *Store) ExportMemories() ([]*Memory, error) {
	return s.queryMemories(memorySelect + ` ORDER BY local_modified_at ASC`)
}

const memorySelect = `
	SELECT id, prompt, content, role, source, tier, model, duration_ms,
		local_modified_at, synced, synced_at, server_modified_at, deleted
	FROM memories`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*Memory, error) {
	var m Memory
	var localMod string
	var synced, deleted int
	var syncedAt, serverMod sql.NullString

	err := row.Scan(&m.ID, &m.Prompt, &m.Content, &m.Role, &m.Source, &m.Tier, &m.Model,
		&m.DurationMs, &localMod, &synced, &syncedAt, &serverMod, &deleted)
	if err != nil {
		return nil, err
	}

	m.LocalModifiedAt, _ = time.Parse(time.RFC3339Nano, localMod)
	m.Synced = synced != 0
	m.SyncedAt = parseTime(syncedAt)
	m.ServerModifiedAt = parseTime(serverMod)
	m.Deleted = deleted != 0
	return &m, nil
}

func (s *Store) queryMemories(query string, args ...any) ([]*Memory, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// syncMark pairs a record key with the local timestamp captured when
// the upload batch was read.
type syncMark struct {
	id      string
	localAt time.Time
}

// markSynced is the shared MarkSynced implementation across families.
// The update is gated on the captured local timestamp: a record
// edited between the batch read and the server's acknowledgement
// stays unsynced and goes out with the next upload instead of having
// its pending edit silently excluded.
func (s *Store) markSynced(table, idCol string, marks []syncMark, serverTS time.Time) error {
	if len(marks) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin mark synced: %w", err)
	}
	defer tx.Rollback()

	now := mustFmtTime(time.Now())
	server := mustFmtTime(serverTS)
	stmt, err := tx.Prepare(fmt.Sprintf(`
		UPDATE %s
		SET synced = 1, synced_at = ?, server_modified_at = ?
		WHERE %s = ? AND local_modified_at = ?
	`, table, idCol))
	if err != nil {
		return fmt.Errorf("prepare mark synced: %w", err)
	}
	defer stmt.Close()

	for _, mk := range marks {
		if _, err := stmt.Exec(now, server, mk.id, mustFmtTime(mk.localAt)); err != nil {
			return fmt.Errorf("mark %s synced: %w", mk.id, err)
		}
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
