package store

import (
	"database/sql"
	"fmt"
	"time"
)

// PersonaComponent is one named fragment of the assistant's persona
// (identity, voice, directives). Components are keyed by name rather
// than generated id because the remote authority addresses them per key.
type PersonaComponent struct {
	Key     string `json:"key"`
	Content string `json:"content"`
	SyncMeta
}

// SavePersonaComponent inserts or fully replaces a component and marks
// it unsynced.
func (s *Store) SavePersonaComponent(p *PersonaComponent) error {
	if p.Key == "" {
		return fmt.Errorf("persona component key must not be empty")
	}
	p.touch(time.Now())

	_, err := s.db.Exec(`
		INSERT INTO persona_components (key, content, local_modified_at, synced, synced_at, server_modified_at)
		VALUES (?, ?, ?, 0, NULL, NULL)
		ON CONFLICT(key) DO UPDATE SET
			content = excluded.content,
			local_modified_at = excluded.local_modified_at,
			synced = 0
	`, p.Key, p.Content, mustFmtTime(p.LocalModifiedAt))
	if err != nil {
		return fmt.Errorf("save persona component: %w", err)
	}
	return nil
}

// InsertSyncedPersonaComponent writes a remote-originated component in
// the already-synced state. Used by the sync engine's merge path.
func (s *Store) InsertSyncedPersonaComponent(p *PersonaComponent) error {
	_, err := s.db.Exec(`
		INSERT INTO persona_components (key, content, local_modified_at, synced, synced_at, server_modified_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			content = excluded.content,
			local_modified_at = excluded.local_modified_at,
			synced = 1,
			synced_at = excluded.synced_at,
			server_modified_at = excluded.server_modified_at
	`, p.Key, p.Content, mustFmtTime(p.LocalModifiedAt),
		fmtTime(p.SyncedAt), fmtTime(p.ServerModifiedAt))
	if err != nil {
		return fmt.Errorf("insert synced persona component: %w", err)
	}
	return nil
}

// GetPersonaComponent fetches one component by key.
func (s *Store) GetPersonaComponent(key string) (*PersonaComponent, error) {
	row := s.db.QueryRow(`
		SELECT key, content, local_modified_at, synced, synced_at, server_modified_at
		FROM persona_components WHERE key = ?
	`, key)
	p, err := scanPersona(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("persona component %s: %w", key, ErrNotFound)
	}
	return p, err
}

// ListPersonaComponents returns every component, ordered by key.
func (s *Store) ListPersonaComponents() ([]*PersonaComponent, error) {
	rows, err := s.db.Query(`
		SELECT key, content, local_modified_at, synced, synced_at, server_modified_at
		FROM persona_components ORDER BY key
	`)
	if err != nil {
		return nil, fmt.Errorf("list persona components: %w", err)
	}
	defer rows.Close()

	var out []*PersonaComponent
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, fmt.Errorf("scan persona component: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UnsyncedPersonaComponents returns components with pending local edits.
func (s *Store) UnsyncedPersonaComponents() ([]*PersonaComponent, error) {
	rows, err := s.db.Query(`
		SELECT key, content, local_modified_at, synced, synced_at, server_modified_at
		FROM persona_components WHERE synced = 0 ORDER BY local_modified_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("unsynced persona components: %w", err)
	}
	defer rows.Close()

	var out []*PersonaComponent
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, fmt.Errorf("scan persona component: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkPersonaComponentsSynced acknowledges server receipt. Components
// edited after the batch was read keep their dirty flag.
func (s *Store) MarkPersonaComponentsSynced(components []*PersonaComponent, serverTS time.Time) error {
	marks := make([]syncMark, len(components))
	for i, p := range components {
		marks[i] = syncMark{p.Key, p.LocalModifiedAt}
	}
	return s.markSynced("persona_components", "key", marks, serverTS)
}

func scanPersona(row rowScanner) (*PersonaComponent, error) {
	var p PersonaComponent
	var localMod string
	var synced int
	var syncedAt, serverMod sql.NullString

	err := row.Scan(&p.Key, &p.Content, &localMod, &synced, &syncedAt, &serverMod)
	if err != nil {
		return nil, err
	}

	p.LocalModifiedAt, _ = time.Parse(time.RFC3339Nano, localMod)
	p.Synced = synced != 0
	p.SyncedAt = parseTime(syncedAt)
	p.ServerModifiedAt = parseTime(serverMod)
	return &p, nil
}
