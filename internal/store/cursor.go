package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SyncCursor is the watermark for one remote authority: the timestamp
// of the last fully-applied remote change set plus the credential
// reference used to reach it.
type SyncCursor struct {
	Remote     string    `json:"remote"`
	LastSyncAt time.Time `json:"last_sync_at"`
	Principal  string    `json:"principal"`
	Verified   bool      `json:"verified"`
}

// GetCursor returns the cursor for a remote. A remote that has never
// synced gets a zero-time cursor, not an error.
func (s *Store) GetCursor(remote string) (*SyncCursor, error) {
	var c SyncCursor
	var lastSync string
	var verified int

	err := s.db.QueryRow(`
		SELECT remote, last_sync_at, principal, verified
		FROM sync_cursors WHERE remote = ?
	`, remote).Scan(&c.Remote, &lastSync, &c.Principal, &verified)
	if err == sql.ErrNoRows {
		return &SyncCursor{Remote: remote}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cursor: %w", err)
	}

	c.LastSyncAt, _ = time.Parse(time.RFC3339Nano, lastSync)
	c.Verified = verified != 0
	return &c, nil
}

// SetCursor advances (or creates) the cursor for a remote. The sync
// engine calls this only after a download batch is fully applied.
func (s *Store) SetCursor(c *SyncCursor) error {
	_, err := s.db.Exec(`
		INSERT INTO sync_cursors (remote, last_sync_at, principal, verified)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(remote) DO UPDATE SET
			last_sync_at = excluded.last_sync_at,
			principal = excluded.principal,
			verified = excluded.verified
	`, c.Remote, mustFmtTime(c.LastSyncAt), c.Principal, boolInt(c.Verified))
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// InvalidateCursor clears the verification state for a remote, forcing
// re-authentication before the next data call. Called on credential
// revocation.
func (s *Store) InvalidateCursor(remote string) error {
	_, err := s.db.Exec(`
		UPDATE sync_cursors SET verified = 0 WHERE remote = ?
	`, remote)
	if err != nil {
		return fmt.Errorf("invalidate cursor: %w", err)
	}
	return nil
}
