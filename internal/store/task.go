package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task statuses.
const (
	TaskOpen = "open"
	TaskDone = "done"
)

// Task is a tracked to-do item.
type Task struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Notes   string    `json:"notes,omitempty"`
	Status  string    `json:"status"`
	DueAt   time.Time `json:"due_at,omitzero"`
	Deleted bool      `json:"deleted,omitempty"`
	SyncMeta
}

// SaveTask inserts or fully replaces a task and marks it unsynced.
func (s *Store) SaveTask(t *Task) error {
	if t.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate task id: %w", err)
		}
		t.ID = id.String()
	}
	if t.Status == "" {
		t.Status = TaskOpen
	}
	t.touch(time.Now())

	_, err := s.db.Exec(`
		INSERT INTO tasks (id, title, notes, status, due_at, local_modified_at, synced, synced_at, server_modified_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, 0, NULL, NULL, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			notes = excluded.notes,
			status = excluded.status,
			due_at = excluded.due_at,
			local_modified_at = excluded.local_modified_at,
			synced = 0,
			deleted = excluded.deleted
	`, t.ID, t.Title, t.Notes, t.Status, fmtTime(t.DueAt),
		mustFmtTime(t.LocalModifiedAt), boolInt(t.Deleted))
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

// InsertSyncedTask writes a remote-originated task as already synced.
func (s *Store) InsertSyncedTask(t *Task) error {
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, title, notes, status, due_at, local_modified_at, synced, synced_at, server_modified_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			notes = excluded.notes,
			status = excluded.status,
			due_at = excluded.due_at,
			local_modified_at = excluded.local_modified_at,
			synced = 1,
			synced_at = excluded.synced_at,
			server_modified_at = excluded.server_modified_at,
			deleted = excluded.deleted
	`, t.ID, t.Title, t.Notes, t.Status, fmtTime(t.DueAt),
		mustFmtTime(t.LocalModifiedAt), fmtTime(t.SyncedAt), fmtTime(t.ServerModifiedAt),
		boolInt(t.Deleted))
	if err != nil {
		return fmt.Errorf("insert synced task: %w", err)
	}
	return nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow(taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// GetTasksByStatus returns non-tombstoned tasks with the given status,
// most recently modified first. An empty status matches all.
func (s *Store) GetTasksByStatus(status string) ([]*Task, error) {
	q := taskSelect + ` WHERE deleted = 0`
	var args []any
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY local_modified_at DESC`
	return s.queryTasks(q, args...)
}

// UnsyncedTasks returns tasks with pending local changes, tombstones
// included, oldest first.
func (s *Store) UnsyncedTasks(limit int) ([]*Task, error) {
	q := taskSelect + ` WHERE synced = 0 ORDER BY local_modified_at ASC`
	if limit > 0 {
		return s.queryTasks(q+` LIMIT ?`, limit)
	}
	return s.queryTasks(q)
}

// MarkTasksSynced acknowledges server receipt. Tasks edited after the
// batch was read keep their dirty flag.
func (s *Store) MarkTasksSynced(tasks []*Task, serverTS time.Time) error {
	marks := make([]syncMark, len(tasks))
	for i, t := range tasks {
		marks[i] = syncMark{t.ID, t.LocalModifiedAt}
	}
	return s.markSynced("tasks", "id", marks, serverTS)
}

// SoftDeleteTask tombstones a task.
func (s *Store) SoftDeleteTask(id string) error {
	res, err := s.db.Exec(`
		UPDATE tasks
		SET deleted = 1, synced = 0, local_modified_at = ?
		WHERE id = ?
	`, mustFmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("soft delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// PurgeTask physically removes a task. Caller-driven only.
func (s *Store) PurgeTask(id string) error {
	_, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("purge task: %w", err)
	}
	return nil
}

const taskSelect = `
	SELECT id, title, notes, status, due_at,
		local_modified_at, synced, synced_at, server_modified_at, deleted
	FROM tasks`

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var localMod string
	var synced, deleted int
	var dueAt, syncedAt, serverMod sql.NullString

	err := row.Scan(&t.ID, &t.Title, &t.Notes, &t.Status, &dueAt,
		&localMod, &synced, &syncedAt, &serverMod, &deleted)
	if err != nil {
		return nil, err
	}

	t.DueAt = parseTime(dueAt)
	t.LocalModifiedAt, _ = time.Parse(time.RFC3339Nano, localMod)
	t.Synced = synced != 0
	t.SyncedAt = parseTime(syncedAt)
	t.ServerModifiedAt = parseTime(serverMod)
	t.Deleted = deleted != 0
	return &t, nil
}

func (s *Store) queryTasks(query string, args ...any) ([]*Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
