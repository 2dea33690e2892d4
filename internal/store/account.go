package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account is a remote principal and its non-secret settings. Secrets
// (API keys, escalation policy) never land here — they live in the
// sealed vault file.
type Account struct {
	ID       string            `json:"id"`
	Provider string            `json:"provider"`
	Username string            `json:"username"`
	Settings map[string]string `json:"settings,omitempty"`
	SyncMeta
}

// SaveAccount inserts or fully replaces an account and marks it unsynced.
func (s *Store) SaveAccount(a *Account) error {
	if a.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate account id: %w", err)
		}
		a.ID = id.String()
	}
	a.touch(time.Now())

	settings, err := json.Marshal(a.Settings)
	if err != nil {
		return fmt.Errorf("marshal account settings: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO accounts (id, provider, username, settings, local_modified_at, synced, synced_at, server_modified_at)
		VALUES (?, ?, ?, ?, ?, 0, NULL, NULL)
		ON CONFLICT(id) DO UPDATE SET
			provider = excluded.provider,
			username = excluded.username,
			settings = excluded.settings,
			local_modified_at = excluded.local_modified_at,
			synced = 0
	`, a.ID, a.Provider, a.Username, string(settings), mustFmtTime(a.LocalModifiedAt))
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

// GetAccount fetches one account by id.
func (s *Store) GetAccount(id string) (*Account, error) {
	row := s.db.QueryRow(`
		SELECT id, provider, username, settings, local_modified_at, synced, synced_at, server_modified_at
		FROM accounts WHERE id = ?
	`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return a, err
}

// ListAccounts returns every account ordered by provider then username.
func (s *Store) ListAccounts() ([]*Account, error) {
	rows, err := s.db.Query(`
		SELECT id, provider, username, settings, local_modified_at, synced, synced_at, server_modified_at
		FROM accounts ORDER BY provider, username
	`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// InsertSyncedAccount writes an account that arrived from the remote
// authority, already acknowledged.
func (s *Store) InsertSyncedAccount(a *Account) error {
	settings, err := json.Marshal(a.Settings)
	if err != nil {
		return fmt.Errorf("marshal account settings: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO accounts (id, provider, username, settings, local_modified_at, synced, synced_at, server_modified_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider = excluded.provider,
			username = excluded.username,
			settings = excluded.settings,
			local_modified_at = excluded.local_modified_at,
			synced = 1,
			synced_at = excluded.synced_at,
			server_modified_at = excluded.server_modified_at
	`, a.ID, a.Provider, a.Username, string(settings),
		mustFmtTime(a.LocalModifiedAt), fmtTime(a.SyncedAt), fmtTime(a.ServerModifiedAt))
	if err != nil {
		return fmt.Errorf("insert synced account: %w", err)
	}
	return nil
}

// UnsyncedAccounts returns accounts awaiting upload, oldest first.
func (s *Store) UnsyncedAccounts() ([]*Account, error) {
	rows, err := s.db.Query(`
		SELECT id, provider, username, settings, local_modified_at, synced, synced_at, server_modified_at
		FROM accounts WHERE synced = 0 ORDER BY local_modified_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("unsynced accounts: %w", err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkAccountsSynced acknowledges server receipt. Accounts edited
// after the batch was read keep their dirty flag.
func (s *Store) MarkAccountsSynced(accounts []*Account, serverTS time.Time) error {
	marks := make([]syncMark, len(accounts))
	for i, a := range accounts {
		marks[i] = syncMark{a.ID, a.LocalModifiedAt}
	}
	return s.markSynced("accounts", "id", marks, serverTS)
}

func scanAccount(row rowScanner) (*Account, error) {
	var a Account
	var settings, localMod string
	var synced int
	var syncedAt, serverMod sql.NullString

	err := row.Scan(&a.ID, &a.Provider, &a.Username, &settings,
		&localMod, &synced, &syncedAt, &serverMod)
	if err != nil {
		return nil, err
	}

	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &a.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal account settings: %w", err)
		}
	}
	a.LocalModifiedAt, _ = time.Parse(time.RFC3339Nano, localMod)
	a.Synced = synced != 0
	a.SyncedAt = parseTime(syncedAt)
	a.ServerModifiedAt = parseTime(serverMod)
	return &a, nil
}
