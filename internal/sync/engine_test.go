package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	stdsync "sync"
	"testing"
	"time"

	"github.com/haven-assistant/haven/internal/store"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	st, err := store.NewWithDB(db, nil)
	if err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// fakeRemote is a minimal remote authority. Handlers not set return
// empty successful responses.
type fakeRemote struct {
	mu       stdsync.Mutex
	serverAt time.Time
	logins   int
	pushed   []*store.Memory
	// changes answers GET /sync/changes; the since parameter is the
	// caller's cursor (zero when absent), offset the page position.
	changes func(since time.Time, offset int) *ChangeSet
	// onPush, when set, runs before a push is acknowledged.
	onPush func()
	// rejectData forces 401 on every data call after a successful login.
	rejectData bool
}

func (f *fakeRemote) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.logins++
		f.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"sessionId": "session-1"})
	})
	mux.HandleFunc("POST /sync/push", func(w http.ResponseWriter, r *http.Request) {
		if f.deny(w, r) {
			return
		}
		var batch pushBatch
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			t.Errorf("decode push: %v", err)
		}
		f.mu.Lock()
		f.pushed = append(f.pushed, batch.Memories...)
		hook := f.onPush
		f.mu.Unlock()
		if hook != nil {
			hook()
		}
		json.NewEncoder(w).Encode(pushResult{ServerAt: f.serverAt})
	})
	mux.HandleFunc("GET /sync/changes", func(w http.ResponseWriter, r *http.Request) {
		if f.deny(w, r) {
			return
		}
		var since time.Time
		if raw := r.URL.Query().Get("since"); raw != "" {
			parsed, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				t.Errorf("bad since %q: %v", raw, err)
			}
			since = parsed
		}
		offset, err := strconv.Atoi(r.URL.Query().Get("offset"))
		if err != nil {
			t.Errorf("bad offset %q: %v", r.URL.Query().Get("offset"), err)
		}
		cs := &ChangeSet{ServerAt: f.serverAt}
		if f.changes != nil {
			cs = f.changes(since, offset)
		}
		json.NewEncoder(w).Encode(cs)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func (f *fakeRemote) deny(w http.ResponseWriter, r *http.Request) bool {
	if _, err := r.Cookie("session"); err != nil {
		http.Error(w, "no session", http.StatusUnauthorized)
		return true
	}
	f.mu.Lock()
	reject := f.rejectData
	f.mu.Unlock()
	if reject {
		http.Error(w, "session revoked", http.StatusUnauthorized)
		return true
	}
	return false
}

func newTestEngine(t *testing.T, st *store.Store, remote *fakeRemote) *Engine {
	t.Helper()
	srv := remote.server(t)
	client := NewClient(srv.URL, "mira", "secret", 5*time.Second, nil)
	return NewEngine(st, client, nil, 10, 10, nil)
}

func TestSyncNowRoundTrip(t *testing.T) {
	st := setupTestStore(t)
	serverAt := time.Now().UTC().Truncate(time.Millisecond)

	incoming := &store.Memory{
		ID:      "remote-1",
		Content: "from the server",
		Role:    "note",
		Source:  "sync",
	}
	incoming.Synced = true
	incoming.ServerModifiedAt = serverAt

	remote := &fakeRemote{serverAt: serverAt}
	remote.changes = func(since time.Time, _ int) *ChangeSet {
		if !since.IsZero() {
			return &ChangeSet{ServerAt: serverAt}
		}
		return &ChangeSet{Memories: []*store.Memory{incoming}, ServerAt: serverAt}
	}

	for _, content := range []string{"first local note", "second local note"} {
		if err := st.SaveMemory(&store.Memory{Content: content, Role: "note", Source: "chat"}); err != nil {
			t.Fatalf("seed memory: %v", err)
		}
	}

	eng := newTestEngine(t, st, remote)
	report, err := eng.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Uploaded != 2 {
		t.Errorf("Uploaded = %d, want 2", report.Uploaded)
	}
	if report.Downloaded != 1 {
		t.Errorf("Downloaded = %d, want 1", report.Downloaded)
	}
	if report.Conflicts != 0 {
		t.Errorf("Conflicts = %d, want 0", report.Conflicts)
	}
	if len(remote.pushed) != 2 {
		t.Errorf("remote received %d memories, want 2", len(remote.pushed))
	}

	// Local edits are now synced.
	unsynced, err := st.UnsyncedMemories(10)
	if err != nil {
		t.Fatalf("unsynced: %v", err)
	}
	if len(unsynced) != 0 {
		t.Errorf("%d memories still unsynced after pass", len(unsynced))
	}

	// The remote record landed, already synced.
	got, err := st.GetMemory("remote-1")
	if err != nil {
		t.Fatalf("get merged memory: %v", err)
	}
	if got.Content != "from the server" || !got.Synced {
		t.Errorf("merged memory = %+v", got)
	}

	// Cursor advanced to the page's server timestamp.
	cursor, err := st.GetCursor(eng.client.BaseURL())
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if !cursor.LastSyncAt.Equal(serverAt) {
		t.Errorf("cursor at %v, want %v", cursor.LastSyncAt, serverAt)
	}
	if !cursor.Verified {
		t.Error("cursor should be verified after a clean pass")
	}
}

func TestSyncNowIdempotent(t *testing.T) {
	st := setupTestStore(t)
	serverAt := time.Now().UTC().Truncate(time.Millisecond)

	incoming := &store.Memory{ID: "remote-1", Content: "once", Role: "note", Source: "sync"}
	incoming.Synced = true
	incoming.ServerModifiedAt = serverAt

	remote := &fakeRemote{serverAt: serverAt}
	remote.changes = func(since time.Time, _ int) *ChangeSet {
		// Same change window every time; the merge gate keeps the
		// second application from double-inserting.
		return &ChangeSet{Memories: []*store.Memory{incoming}, ServerAt: serverAt}
	}

	if err := st.SaveMemory(&store.Memory{Content: "local", Role: "note", Source: "chat"}); err != nil {
		t.Fatalf("seed memory: %v", err)
	}

	eng := newTestEngine(t, st, remote)
	if _, err := eng.SyncNow(context.Background()); err != nil {
		t.Fatalf("first sync: %v", err)
	}

	report, err := eng.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if report.Uploaded != 0 || report.Downloaded != 0 {
		t.Errorf("second pass moved data: uploaded=%d downloaded=%d", report.Uploaded, report.Downloaded)
	}
}

// Two remote records served one per page. The change query keeps the
// pass's starting watermark while pages walk the window by offset, so
// the second page is reached; the cursor lands on the server
// timestamp only after the whole window has applied.
func TestSyncNowMultiPageDownload(t *testing.T) {
	st := setupTestStore(t)
	serverAt := time.Now().UTC().Truncate(time.Millisecond)

	mk := func(id, content string) *store.Memory {
		m := &store.Memory{ID: id, Content: content, Role: "note", Source: "sync"}
		m.Synced = true
		m.ServerModifiedAt = serverAt
		return m
	}
	all := []*store.Memory{mk("r1", "page one"), mk("r2", "page two")}

	remote := &fakeRemote{serverAt: serverAt}
	remote.changes = func(since time.Time, offset int) *ChangeSet {
		// Records strictly after since, skipping offset of them.
		if !since.IsZero() && !serverAt.After(since) {
			return &ChangeSet{ServerAt: serverAt}
		}
		if offset >= len(all) {
			return &ChangeSet{ServerAt: serverAt}
		}
		return &ChangeSet{
			Memories: all[offset : offset+1],
			ServerAt: serverAt,
			HasMore:  offset+1 < len(all),
		}
	}

	srv := remote.server(t)
	client := NewClient(srv.URL, "mira", "secret", 5*time.Second, nil)
	eng := NewEngine(st, client, nil, 10, 1, nil)

	report, err := eng.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Downloaded != 2 {
		t.Errorf("Downloaded = %d, want 2", report.Downloaded)
	}
	for _, id := range []string{"r1", "r2"} {
		if _, err := st.GetMemory(id); err != nil {
			t.Errorf("memory %s not downloaded: %v", id, err)
		}
	}

	cursor, err := st.GetCursor(eng.client.BaseURL())
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if !cursor.LastSyncAt.Equal(serverAt) {
		t.Errorf("cursor at %v, want %v", cursor.LastSyncAt, serverAt)
	}

	report, err = eng.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if report.Downloaded != 0 {
		t.Errorf("second pass downloaded %d, want 0", report.Downloaded)
	}
}

// An edit that lands while its record's upload batch is in flight
// must survive: the acknowledgement covers the uploaded content, not
// the edit, so the record stays dirty and goes out on the next batch.
func TestSyncNowEditDuringUploadStaysDirty(t *testing.T) {
	st := setupTestStore(t)
	serverAt := time.Now().UTC().Truncate(time.Millisecond)

	m := &store.Memory{Content: "as uploaded", Role: "note", Source: "chat"}
	if err := st.SaveMemory(m); err != nil {
		t.Fatalf("seed: %v", err)
	}

	remote := &fakeRemote{serverAt: serverAt}
	var editOnce stdsync.Once
	remote.onPush = func() {
		editOnce.Do(func() {
			edited, err := st.GetMemory(m.ID)
			if err != nil {
				t.Errorf("get during push: %v", err)
				return
			}
			edited.Content = "edited mid-upload"
			if err := st.SaveMemory(edited); err != nil {
				t.Errorf("edit during push: %v", err)
			}
		})
	}

	eng := newTestEngine(t, st, remote)
	report, err := eng.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}

	// Both versions reached the server: the original batch and the
	// re-upload of the edit.
	if report.Uploaded != 2 {
		t.Errorf("Uploaded = %d, want 2", report.Uploaded)
	}
	remote.mu.Lock()
	pushed := len(remote.pushed)
	var last string
	if pushed > 0 {
		last = remote.pushed[pushed-1].Content
	}
	remote.mu.Unlock()
	if pushed != 2 || last != "edited mid-upload" {
		t.Errorf("remote saw %d pushes, last %q", pushed, last)
	}

	got, err := st.GetMemory(m.ID)
	if err != nil {
		t.Fatalf("get after sync: %v", err)
	}
	if got.Content != "edited mid-upload" {
		t.Errorf("content = %q, want the edit retained", got.Content)
	}
	if !got.Synced {
		t.Error("edit should be synced after its own upload")
	}
}

// A record edited locally and remotely under the same id: upload runs
// first, so the local edit reaches the server and the echoed remote
// copy (same server timestamp) is skipped on download. Nothing local
// is lost and no conflict is raised for a record the server just
// accepted.
func TestSyncNowUploadedEditNotClobbered(t *testing.T) {
	st := setupTestStore(t)
	serverAt := time.Now().UTC().Truncate(time.Millisecond)

	local := &store.Memory{ID: "shared-id", Content: "local edit", Role: "note", Source: "chat"}
	if err := st.SaveMemory(local); err != nil {
		t.Fatalf("seed memory: %v", err)
	}

	incoming := &store.Memory{ID: "shared-id", Content: "stale remote copy", Role: "note", Source: "sync"}
	incoming.Synced = true
	incoming.ServerModifiedAt = serverAt

	remote := &fakeRemote{serverAt: serverAt}
	remote.changes = func(since time.Time, _ int) *ChangeSet {
		return &ChangeSet{Memories: []*store.Memory{incoming}, ServerAt: serverAt}
	}

	eng := newTestEngine(t, st, remote)
	report, err := eng.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Uploaded != 1 {
		t.Errorf("Uploaded = %d, want 1", report.Uploaded)
	}
	if report.Conflicts != 0 {
		t.Errorf("Conflicts = %d, want 0", report.Conflicts)
	}
	final, err := st.GetMemory("shared-id")
	if err != nil {
		t.Fatalf("get after sync: %v", err)
	}
	if final.Content != "local edit" {
		t.Errorf("content = %q, want the local edit retained", final.Content)
	}
}

func TestMergeDecision(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	synced := func(serverAt time.Time) *store.SyncMeta {
		return &store.SyncMeta{Synced: true, ServerModifiedAt: serverAt}
	}

	tests := []struct {
		name     string
		local    *store.SyncMeta
		incoming store.SyncMeta
		want     mergeAction
	}{
		{"missing locally", nil, store.SyncMeta{ServerModifiedAt: base}, mergeInsert},
		{"local unsynced wins", &store.SyncMeta{Synced: false}, store.SyncMeta{ServerModifiedAt: base}, mergeConflict},
		{"incoming newer", synced(base), store.SyncMeta{ServerModifiedAt: base.Add(time.Minute)}, mergeInsert},
		{"incoming equal", synced(base), store.SyncMeta{ServerModifiedAt: base}, mergeSkip},
		{"incoming older", synced(base), store.SyncMeta{ServerModifiedAt: base.Add(-time.Minute)}, mergeSkip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := mergeDecision(tt.local, tt.incoming); got != tt.want {
				t.Errorf("mergeDecision() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApplyPageConflictCounted(t *testing.T) {
	st := setupTestStore(t)

	local := &store.Memory{ID: "dirty", Content: "unpushed local work", Role: "note", Source: "chat"}
	if err := st.SaveMemory(local); err != nil {
		t.Fatalf("seed memory: %v", err)
	}

	incoming := &store.Memory{ID: "dirty", Content: "remote version", Role: "note", Source: "sync"}
	incoming.Synced = true
	incoming.ServerModifiedAt = time.Now().UTC()

	eng := NewEngine(st, NewClient("http://unused", "u", "p", time.Second, nil), nil, 10, 10, nil)
	report := &Report{}
	if err := eng.applyPage(&ChangeSet{Memories: []*store.Memory{incoming}}, report); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if report.Conflicts != 1 {
		t.Errorf("Conflicts = %d, want 1", report.Conflicts)
	}
	got, err := st.GetMemory("dirty")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "unpushed local work" {
		t.Errorf("local copy lost: %q", got.Content)
	}
	if got.Synced {
		t.Error("local copy should stay dirty for the next upload")
	}
}

func TestSyncNowBusy(t *testing.T) {
	st := setupTestStore(t)
	remote := &fakeRemote{serverAt: time.Now().UTC()}
	eng := newTestEngine(t, st, remote)

	eng.passMu.Lock()
	defer eng.passMu.Unlock()

	if _, err := eng.SyncNow(context.Background()); !errors.Is(err, ErrSyncBusy) {
		t.Fatalf("want ErrSyncBusy, got %v", err)
	}
}

func TestSyncNowAuthErrorInvalidatesCursor(t *testing.T) {
	st := setupTestStore(t)
	serverAt := time.Now().UTC()
	remote := &fakeRemote{serverAt: serverAt}
	eng := newTestEngine(t, st, remote)

	// First pass establishes a verified cursor.
	if _, err := eng.SyncNow(context.Background()); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	cursor, err := st.GetCursor(eng.client.BaseURL())
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if !cursor.Verified {
		t.Fatal("cursor should be verified after the first pass")
	}

	// Revoke the session server-side; seed a dirty record so the pass
	// hits a data endpoint.
	remote.mu.Lock()
	remote.rejectData = true
	remote.mu.Unlock()
	if err := st.SaveMemory(&store.Memory{Content: "note", Role: "note", Source: "chat"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err = eng.SyncNow(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("want *AuthError, got %v", err)
	}

	cursor, err = st.GetCursor(eng.client.BaseURL())
	if err != nil {
		t.Fatalf("cursor after auth failure: %v", err)
	}
	if cursor.Verified {
		t.Error("auth failure should leave the cursor unverified")
	}
}

func TestLoginRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	st := setupTestStore(t)
	client := NewClient(srv.URL, "mira", "wrong", 5*time.Second, nil)
	eng := NewEngine(st, client, nil, 10, 10, nil)

	_, err := eng.SyncNow(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("want *AuthError, got %v", err)
	}
	if authErr.Status != http.StatusUnauthorized {
		t.Errorf("status = %d", authErr.Status)
	}
}

func TestMetadataCached(t *testing.T) {
	var hits int
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"sessionId": "s"})
	})
	mux.HandleFunc("GET /api/metadata", func(w http.ResponseWriter, r *http.Request) {
		hits++
		json.NewEncoder(w).Encode(Metadata{Providers: []string{"companion"}, Models: []string{"haven-7b"}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	st := setupTestStore(t)
	eng := NewEngine(st, NewClient(srv.URL, "u", "p", 5*time.Second, nil), nil, 10, 10, nil)

	for i := 0; i < 3; i++ {
		m, err := eng.Metadata(context.Background())
		if err != nil {
			t.Fatalf("metadata call %d: %v", i, err)
		}
		if len(m.Models) != 1 || m.Models[0] != "haven-7b" {
			t.Errorf("metadata = %+v", m)
		}
	}
	if hits != 1 {
		t.Errorf("remote hit %d times, want 1", hits)
	}
}
