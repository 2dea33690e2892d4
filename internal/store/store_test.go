package store

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	st, err := NewWithDB(db, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st
}

func TestSaveAndGetMemory(t *testing.T) {
	st := setupTestStore(t)

	m := &Memory{
		Prompt:  "what's the weather",
		Content: "sunny, 22 degrees",
		Role:    "exchange",
		Source:  "chat",
		Tier:    "companion",
		Model:   "local-7b",
	}
	if err := st.SaveMemory(m); err != nil {
		t.Fatalf("save: %v", err)
	}
	if m.ID == "" {
		t.Fatal("save should assign an id")
	}
	if m.Synced {
		t.Error("fresh save should be unsynced")
	}

	got, err := st.GetMemory(m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != m.Content || got.Prompt != m.Prompt || got.Tier != "companion" {
		t.Errorf("round trip mismatch: got %+v", got)
	}
	if got.LocalModifiedAt.IsZero() {
		t.Error("local_modified_at should be set")
	}
}

func TestGetMemoryNotFound(t *testing.T) {
	st := setupTestStore(t)

	_, err := st.GetMemory("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestSaveMemoryResetsSynced(t *testing.T) {
	st := setupTestStore(t)

	m := &Memory{Content: "original", Role: "note", Source: "test"}
	if err := st.SaveMemory(m); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.MarkMemoriesSynced([]*Memory{m}, time.Now()); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	m.Content = "edited"
	if err := st.SaveMemory(m); err != nil {
		t.Fatalf("re-save: %v", err)
	}

	got, err := st.GetMemory(m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Synced {
		t.Error("local edit must reset synced flag")
	}
	if got.Content != "edited" {
		t.Errorf("content = %q, want edited", got.Content)
	}
}

func TestUnsyncedMemoriesOrderAndMark(t *testing.T) {
	st := setupTestStore(t)

	var saved []*Memory
	for _, content := range []string{"first", "second", "third"} {
		m := &Memory{Content: content, Role: "note", Source: "test"}
		if err := st.SaveMemory(m); err != nil {
			t.Fatalf("save: %v", err)
		}
		saved = append(saved, m)
		time.Sleep(2 * time.Millisecond) // distinct modification times
	}

	unsynced, err := st.UnsyncedMemories(10)
	if err != nil {
		t.Fatalf("unsynced: %v", err)
	}
	if len(unsynced) != 3 {
		t.Fatalf("unsynced count = %d, want 3", len(unsynced))
	}
	if unsynced[0].Content != "first" {
		t.Errorf("oldest first: got %q", unsynced[0].Content)
	}

	serverTS := time.Now().UTC()
	if err := st.MarkMemoriesSynced(saved, serverTS); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	unsynced, err = st.UnsyncedMemories(10)
	if err != nil {
		t.Fatalf("unsynced after mark: %v", err)
	}
	if len(unsynced) != 0 {
		t.Errorf("unsynced after mark = %d, want 0", len(unsynced))
	}

	got, err := st.GetMemory(saved[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Synced || got.ServerModifiedAt.IsZero() {
		t.Errorf("marked record should carry server timestamp: %+v", got.SyncMeta)
	}
}

// A record edited between the upload batch read and the server's
// acknowledgement must keep its dirty flag: the acknowledged content
// is not the content now on disk.
func TestMarkSyncedSkipsRecordEditedAfterBatchRead(t *testing.T) {
	st := setupTestStore(t)

	m := &Memory{Content: "as uploaded", Role: "note", Source: "chat"}
	if err := st.SaveMemory(m); err != nil {
		t.Fatalf("save: %v", err)
	}

	batch, err := st.UnsyncedMemories(10)
	if err != nil {
		t.Fatalf("batch read: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("batch = %d records, want 1", len(batch))
	}

	// Edit lands while the batch is in flight.
	edited, err := st.GetMemory(m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	edited.Content = "edited mid-upload"
	if err := st.SaveMemory(edited); err != nil {
		t.Fatalf("edit: %v", err)
	}

	if err := st.MarkMemoriesSynced(batch, time.Now().UTC()); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	got, err := st.GetMemory(m.ID)
	if err != nil {
		t.Fatalf("get after mark: %v", err)
	}
	if got.Synced {
		t.Error("edited record must stay unsynced")
	}
	if got.Content != "edited mid-upload" {
		t.Errorf("content = %q, want the edit retained", got.Content)
	}

	unsynced, err := st.UnsyncedMemories(10)
	if err != nil {
		t.Fatalf("unsynced: %v", err)
	}
	if len(unsynced) != 1 {
		t.Errorf("unsynced = %d, want the edit pending upload", len(unsynced))
	}
}

func TestSoftDeleteTombstone(t *testing.T) {
	st := setupTestStore(t)

	m := &Memory{Content: "to delete", Role: "note", Source: "test"}
	if err := st.SaveMemory(m); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.MarkMemoriesSynced([]*Memory{m}, time.Now()); err != nil {
		t.Fatalf("mark synced: %v", err)
	}

	if err := st.SoftDeleteMemory(m.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	// Normal reads exclude the tombstone.
	recent, err := st.GetRecentMemories(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	for _, r := range recent {
		if r.ID == m.ID {
			t.Error("tombstone visible in recent memories")
		}
	}

	// The tombstone still uploads so the deletion propagates.
	unsynced, err := st.UnsyncedMemories(10)
	if err != nil {
		t.Fatalf("unsynced: %v", err)
	}
	found := false
	for _, r := range unsynced {
		if r.ID == m.ID && r.Deleted {
			found = true
		}
	}
	if !found {
		t.Error("tombstone should be pending upload")
	}
}

func TestInsertSyncedMemory(t *testing.T) {
	st := setupTestStore(t)

	serverTS := time.Now().UTC().Truncate(time.Millisecond)
	m := &Memory{
		ID:      "remote-1",
		Content: "from another device",
		Role:    "note",
		Source:  "sync",
	}
	m.LocalModifiedAt = serverTS
	m.SyncedAt = serverTS
	m.ServerModifiedAt = serverTS

	if err := st.InsertSyncedMemory(m); err != nil {
		t.Fatalf("insert synced: %v", err)
	}

	got, err := st.GetMemory("remote-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Synced {
		t.Error("remote insert should arrive synced")
	}
	if !got.ServerModifiedAt.Equal(serverTS) {
		t.Errorf("server timestamp = %v, want %v", got.ServerModifiedAt, serverTS)
	}
}

func TestMemoryFilter(t *testing.T) {
	st := setupTestStore(t)

	for _, tc := range []struct{ content, role, source string }{
		{"a", "note", "import"},
		{"b", "exchange", "chat"},
		{"c", "exchange", "chat"},
	} {
		m := &Memory{Content: tc.content, Role: tc.role, Source: tc.source}
		if err := st.SaveMemory(m); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	got, err := st.GetMemories(MemoryFilter{Source: "chat"})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("source filter = %d records, want 2", len(got))
	}

	got, err = st.GetMemories(MemoryFilter{Role: "note"})
	if err != nil {
		t.Fatalf("filter: %v", err)
	}
	if len(got) != 1 || got[0].Content != "a" {
		t.Errorf("role filter returned %d records", len(got))
	}
}

func TestPersonaComponentRoundTrip(t *testing.T) {
	st := setupTestStore(t)

	p := &PersonaComponent{Key: "tone", Content: "warm, concise"}
	if err := st.SavePersonaComponent(p); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := st.GetPersonaComponent("tone")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "warm, concise" || got.Synced {
		t.Errorf("unexpected component: %+v", got)
	}

	unsynced, err := st.UnsyncedPersonaComponents()
	if err != nil {
		t.Fatalf("unsynced: %v", err)
	}
	if len(unsynced) != 1 {
		t.Fatalf("unsynced = %d, want 1", len(unsynced))
	}

	if err := st.MarkPersonaComponentsSynced(unsynced, time.Now()); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	unsynced, _ = st.UnsyncedPersonaComponents()
	if len(unsynced) != 0 {
		t.Errorf("unsynced after mark = %d, want 0", len(unsynced))
	}
}

func TestTaskLifecycle(t *testing.T) {
	st := setupTestStore(t)

	task := &Task{Title: "water the plants", Status: TaskOpen, DueAt: time.Now().Add(24 * time.Hour)}
	if err := st.SaveTask(task); err != nil {
		t.Fatalf("save: %v", err)
	}

	open, err := st.GetTasksByStatus(TaskOpen)
	if err != nil {
		t.Fatalf("by status: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open tasks = %d, want 1", len(open))
	}

	task.Status = TaskDone
	if err := st.SaveTask(task); err != nil {
		t.Fatalf("update: %v", err)
	}
	open, _ = st.GetTasksByStatus(TaskOpen)
	if len(open) != 0 {
		t.Errorf("open after done = %d, want 0", len(open))
	}

	if err := st.SoftDeleteTask(task.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	done, _ := st.GetTasksByStatus(TaskDone)
	if len(done) != 0 {
		t.Errorf("deleted task still visible")
	}
}

func TestAccountSettingsRoundTrip(t *testing.T) {
	st := setupTestStore(t)

	a := &Account{
		Provider: "companion",
		Username: "pat",
		Settings: map[string]string{"voice": "off"},
	}
	if err := st.SaveAccount(a); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := st.GetAccount(a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Settings["voice"] != "off" {
		t.Errorf("settings = %v", got.Settings)
	}

	unsynced, err := st.UnsyncedAccounts()
	if err != nil {
		t.Fatalf("unsynced: %v", err)
	}
	if len(unsynced) != 1 {
		t.Errorf("unsynced accounts = %d, want 1", len(unsynced))
	}
}

func TestConversationWindow(t *testing.T) {
	st := setupTestStore(t)

	for i := 0; i < 6; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if err := st.AppendTurn("conv", role, string(rune('a'+i))); err != nil {
			t.Fatalf("append: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	window, err := st.Window("conv", 4)
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	if len(window) != 4 {
		t.Fatalf("window = %d turns, want 4", len(window))
	}
	// Chronological order, trimmed from the front.
	if window[0].Content != "c" || window[3].Content != "f" {
		t.Errorf("window order wrong: %q .. %q", window[0].Content, window[3].Content)
	}

	if err := st.TrimConversation("conv", 2); err != nil {
		t.Fatalf("trim: %v", err)
	}
	window, _ = st.Window("conv", 10)
	if len(window) != 2 {
		t.Errorf("after trim = %d turns, want 2", len(window))
	}
}

func TestCursor(t *testing.T) {
	st := setupTestStore(t)

	// A missing cursor is a zero cursor, not an error.
	c, err := st.GetCursor("https://remote.example")
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if !c.LastSyncAt.IsZero() {
		t.Error("missing cursor should be zero")
	}

	ts := time.Now().UTC().Truncate(time.Millisecond)
	c.Remote = "https://remote.example"
	c.LastSyncAt = ts
	c.Principal = "pat"
	c.Verified = true
	if err := st.SetCursor(c); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, err := st.GetCursor("https://remote.example")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.LastSyncAt.Equal(ts) || !got.Verified || got.Principal != "pat" {
		t.Errorf("cursor round trip: %+v", got)
	}

	if err := st.InvalidateCursor("https://remote.example"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	got, _ = st.GetCursor("https://remote.example")
	if got.Verified {
		t.Error("invalidated cursor should be unverified")
	}
}
