// Package sync moves deltas between the local store and the remote
// authority. Local edits always upload before remote changes download
// within one pass, and the cursor only advances once the downloaded
// change window has been fully applied — a retried pass re-requests
// the same window and the timestamp-gated merge makes reapplication
// harmless.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/haven-assistant/haven/internal/store"
	"github.com/haven-assistant/haven/internal/vault"
)

// ErrSyncBusy is returned when a pass is already in flight. Passes
// are serialized; the second caller bails out rather than queueing.
var ErrSyncBusy = errors.New("sync already in progress")

// Report summarizes one sync pass.
type Report struct {
	Uploaded   int      `json:"uploaded"`
	Downloaded int      `json:"downloaded"`
	Conflicts  int      `json:"conflicts"` // local-wins merges, deferred not failed
	Errors     []string `json:"errors,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Engine drives sync passes against one remote authority.
type Engine struct {
	store     *store.Store
	client    *Client
	vault     *vault.Vault // nil when no settings mirror is configured
	cache     *Cache
	batchSize int
	pageSize  int
	logger    *slog.Logger

	passMu stdsync.Mutex // TryLock guards concurrent passes
}

// NewEngine wires a sync engine. vlt may be nil; the settings mirror
// step is skipped without one.
func NewEngine(st *store.Store, client *Client, vlt *vault.Vault, batchSize, pageSize int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Engine{
		store:     st,
		client:    client,
		vault:     vlt,
		cache:     NewCache(10 * time.Minute),
		batchSize: batchSize,
		pageSize:  pageSize,
		logger:    logger,
	}
}

// Metadata returns provider/model metadata, from cache when fresh.
func (e *Engine) Metadata(ctx context.Context) (*Metadata, error) {
	if m, ok := e.cache.Get(); ok {
		return m, nil
	}
	if err := e.ensureSession(ctx); err != nil {
		return nil, err
	}
	m, err := e.client.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	e.cache.Put(m)
	return m, nil
}

// SyncNow runs one full pass: authenticate, upload local edits,
// download and merge remote changes, mirror the sealed settings
// document. A concurrent call while one pass runs gets ErrSyncBusy.
func (e *Engine) SyncNow(ctx context.Context) (*Report, error) {
	if !e.passMu.TryLock() {
		return nil, ErrSyncBusy
	}
	defer e.passMu.Unlock()

	start := time.Now()
	report := &Report{}

	if err := e.ensureSession(ctx); err != nil {
		return nil, err
	}

	if err := e.upload(ctx, report); err != nil {
		// Upload failure aborts the pass: downloading past unpushed
		// local edits would misorder the merge.
		report.Duration = time.Since(start)
		var authErr *AuthError
		if errors.As(err, &authErr) {
			e.invalidateSession()
		}
		return report, err
	}

	if err := e.download(ctx, report); err != nil {
		report.Duration = time.Since(start)
		var authErr *AuthError
		if errors.As(err, &authErr) {
			e.invalidateSession()
		}
		return report, err
	}

	if e.vault != nil {
		if err := e.mirrorSettings(ctx); err != nil {
			// Settings mirror failure is reported, not fatal: record
			// sync already succeeded and the cursor is correct.
			report.Errors = append(report.Errors, fmt.Sprintf("settings mirror: %v", err))
			e.logger.Warn("settings mirror failed", "error", err)
		}
	}

	report.Duration = time.Since(start)
	e.logger.Info("sync pass complete",
		"uploaded", report.Uploaded,
		"downloaded", report.Downloaded,
		"conflicts", report.Conflicts,
		"duration", report.Duration)
	return report, nil
}

// ensureSession logs in when no session is held. Auth failures are
// surfaced; they are never retried with the same credentials.
func (e *Engine) ensureSession(ctx context.Context) error {
	if e.client.Authenticated() {
		return nil
	}
	if err := e.client.Login(ctx); err != nil {
		return err
	}
	cursor, err := e.store.GetCursor(e.client.BaseURL())
	if err != nil {
		return err
	}
	cursor.Remote = e.client.BaseURL()
	cursor.Principal = e.client.username
	cursor.Verified = true
	return e.store.SetCursor(cursor)
}

func (e *Engine) invalidateSession() {
	if err := e.store.InvalidateCursor(e.client.BaseURL()); err != nil {
		e.logger.Warn("invalidate cursor failed", "error", err)
	}
}

// upload pushes every unsynced record in bounded batches and marks
// them synced with the server-assigned timestamp.
func (e *Engine) upload(ctx context.Context, report *Report) error {
	for {
		memories, err := e.store.UnsyncedMemories(e.batchSize)
		if err != nil {
			return fmt.Errorf("collect unsynced memories: %w", err)
		}
		if len(memories) == 0 {
			break
		}
		serverAt, err := e.client.Push(ctx, &pushBatch{Memories: memories})
		if err != nil {
			return fmt.Errorf("push memories: %w", err)
		}
		if err := e.store.MarkMemoriesSynced(memories, serverAt); err != nil {
			return fmt.Errorf("mark memories synced: %w", err)
		}
		report.Uploaded += len(memories)
	}

	personas, err := e.store.UnsyncedPersonaComponents()
	if err != nil {
		return fmt.Errorf("collect unsynced personas: %w", err)
	}
	if len(personas) > 0 {
		serverAt, err := e.client.Push(ctx, &pushBatch{Personas: personas})
		if err != nil {
			return fmt.Errorf("push personas: %w", err)
		}
		if err := e.store.MarkPersonaComponentsSynced(personas, serverAt); err != nil {
			return fmt.Errorf("mark personas synced: %w", err)
		}
		report.Uploaded += len(personas)
	}

	for {
		tasks, err := e.store.UnsyncedTasks(e.batchSize)
		if err != nil {
			return fmt.Errorf("collect unsynced tasks: %w", err)
		}
		if len(tasks) == 0 {
			break
		}
		serverAt, err := e.client.Push(ctx, &pushBatch{Tasks: tasks})
		if err != nil {
			return fmt.Errorf("push tasks: %w", err)
		}
		if err := e.store.MarkTasksSynced(tasks, serverAt); err != nil {
			return fmt.Errorf("mark tasks synced: %w", err)
		}
		report.Uploaded += len(tasks)
	}

	accounts, err := e.store.UnsyncedAccounts()
	if err != nil {
		return fmt.Errorf("collect unsynced accounts: %w", err)
	}
	if len(accounts) > 0 {
		serverAt, err := e.client.Push(ctx, &pushBatch{Accounts: accounts})
		if err != nil {
			return fmt.Errorf("push accounts: %w", err)
		}
		if err := e.store.MarkAccountsSynced(accounts, serverAt); err != nil {
			return fmt.Errorf("mark accounts synced: %w", err)
		}
		report.Uploaded += len(accounts)
	}

	return nil
}

// download pulls changes since the cursor, page by page, merging each
// record. The query window stays fixed at the pass's starting
// watermark while pages walk it by offset; advancing the watermark
// mid-pagination would skip the remainder of the window. The cursor
// moves only once every page has applied — a retried pass re-requests
// the same window and the merge gate absorbs the reapplication.
func (e *Engine) download(ctx context.Context, report *Report) error {
	cursor, err := e.store.GetCursor(e.client.BaseURL())
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}

	since := cursor.LastSyncAt
	offset := 0
	var serverAt time.Time
	applied := false
	for {
		page, err := e.client.Changes(ctx, since, offset, e.pageSize)
		if err != nil {
			return fmt.Errorf("fetch changes: %w", err)
		}
		if page.count() == 0 && !page.HasMore {
			break
		}

		if err := e.applyPage(page, report); err != nil {
			// Cursor deliberately untouched: the retry re-requests
			// this same window.
			return fmt.Errorf("apply changes: %w", err)
		}
		serverAt = page.ServerAt
		applied = true

		if !page.HasMore {
			break
		}
		offset += e.pageSize
	}

	if !applied {
		return nil
	}
	cursor.Remote = e.client.BaseURL()
	cursor.LastSyncAt = serverAt
	cursor.Verified = true
	if err := e.store.SetCursor(cursor); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// applyPage merges one page of remote changes into the store. The
// merge rule is uniform across record families: missing locally →
// insert as synced; local copy unsynced → local wins, conflict
// deferred; both synced → newer server timestamp overwrites.
func (e *Engine) applyPage(page *ChangeSet, report *Report) error {
	for _, m := range page.Memories {
		local, err := e.store.GetMemory(m.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		var meta *store.SyncMeta
		if local != nil {
			meta = &local.SyncMeta
		}
		switch mergeDecision(meta, m.SyncMeta) {
		case mergeInsert:
			if err := e.store.InsertSyncedMemory(m); err != nil {
				return err
			}
			report.Downloaded++
		case mergeConflict:
			e.logger.Info("conflict deferred, local copy retained",
				"family", "memory", "id", m.ID)
			report.Conflicts++
		}
	}

	for _, p := range page.Personas {
		local, err := e.store.GetPersonaComponent(p.Key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		var meta *store.SyncMeta
		if local != nil {
			meta = &local.SyncMeta
		}
		switch mergeDecision(meta, p.SyncMeta) {
		case mergeInsert:
			if err := e.store.InsertSyncedPersonaComponent(p); err != nil {
				return err
			}
			report.Downloaded++
		case mergeConflict:
			e.logger.Info("conflict deferred, local copy retained",
				"family", "persona", "key", p.Key)
			report.Conflicts++
		}
	}

	for _, t := range page.Tasks {
		local, err := e.store.GetTask(t.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		var meta *store.SyncMeta
		if local != nil {
			meta = &local.SyncMeta
		}
		switch mergeDecision(meta, t.SyncMeta) {
		case mergeInsert:
			if err := e.store.InsertSyncedTask(t); err != nil {
				return err
			}
			report.Downloaded++
		case mergeConflict:
			e.logger.Info("conflict deferred, local copy retained",
				"family", "task", "id", t.ID)
			report.Conflicts++
		}
	}

	for _, a := range page.Accounts {
		local, err := e.store.GetAccount(a.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		var meta *store.SyncMeta
		if local != nil {
			meta = &local.SyncMeta
		}
		switch mergeDecision(meta, a.SyncMeta) {
		case mergeInsert:
			if err := e.store.InsertSyncedAccount(a); err != nil {
				return err
			}
			report.Downloaded++
		case mergeConflict:
			e.logger.Info("conflict deferred, local copy retained",
				"family", "account", "id", a.ID)
			report.Conflicts++
		}
	}

	return nil
}

type mergeAction int

const (
	mergeSkip mergeAction = iota
	mergeInsert
	mergeConflict
)

// mergeDecision applies the uniform merge rule to one incoming
// record: missing locally inserts as synced; an unsynced local copy
// wins and the conflict is deferred; otherwise a strictly newer
// server timestamp overwrites.
func mergeDecision(local *store.SyncMeta, incoming store.SyncMeta) mergeAction {
	switch {
	case local == nil:
		return mergeInsert
	case !local.Synced:
		// Pending local work wins. Divergence surfaces on the next
		// upload, it is never lost here.
		return mergeConflict
	case incoming.ServerModifiedAt.After(local.ServerModifiedAt):
		return mergeInsert
	default:
		return mergeSkip
	}
}

// mirrorSettings reconciles the sealed settings document with the
// remote copy: the newer ModifiedAt wins in either direction.
func (e *Engine) mirrorSettings(ctx context.Context) error {
	local, err := e.vault.Load()
	if errors.Is(err, vault.ErrNotFound) {
		local = nil
	} else if err != nil {
		return err
	}

	remote, err := e.client.FetchSettings(ctx)
	if err != nil {
		return err
	}

	switch {
	case local == nil && len(remote.Settings) == 0:
		return nil
	case local == nil || remote.ModifiedAt.After(local.ModifiedAt):
		return e.vault.Save(remote)
	case local.ModifiedAt.After(remote.ModifiedAt):
		return e.client.PushSettings(ctx, local)
	default:
		return nil
	}
}
