package driftsync

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func openTestSQLite(t *testing.T, cfg SQLiteConfig) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(cfg)
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sync.db")
	store := openTestSQLite(t, DefaultSQLiteConfig(path))

	e := &Entity{
		ID:        "note-1",
		Kind:      "note",
		Fields:    map[string]any{"title": "hello", "pinned": true},
		UpdatedAt: 100,
		Status:    StatusPending,
	}
	if err := store.Put(ctx, e); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := store.Get(ctx, "note-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Kind != "note" || got.UpdatedAt != 100 || got.Status != StatusPending {
		t.Errorf("entity = %+v", got)
	}
	if got.Fields["title"] != "hello" || got.Fields["pinned"] != true {
		t.Errorf("fields = %v", got.Fields)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrEntityNotFound) {
		t.Errorf("error = %v, want ErrEntityNotFound", err)
	}
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sync.db")

	store, err := OpenSQLiteStore(DefaultSQLiteConfig(path))
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	a1, _ := newQueuedAction("note-1", ActionCreate, CreatePayload{Fields: map[string]any{"v": 1}})
	a1.AttemptCount = 2
	a2, _ := newQueuedAction("note-1", ActionUpdate, UpdatePayload{Fields: map[string]any{"v": 2}})
	store.AppendAction(ctx, a1)
	store.UpdateAction(ctx, a1)
	store.AppendAction(ctx, a2)
	store.SetCheckpoint(ctx, 7)
	store.Close()

	reopened := openTestSQLite(t, DefaultSQLiteConfig(path))

	t.Run("ActionsPreserved", func(t *testing.T) {
		actions, err := reopened.ListActions(ctx)
		if err != nil {
			t.Fatalf("ListActions: %v", err)
		}
		if len(actions) != 2 {
			t.Fatalf("got %d actions, want 2", len(actions))
		}
		if actions[0].ID != a1.ID || actions[1].ID != a2.ID {
			t.Error("enqueue order not preserved across reopen")
		}
		if actions[0].AttemptCount != 2 {
			t.Errorf("attempt count = %d, want 2: retry bookkeeping lost", actions[0].AttemptCount)
		}
		if actions[0].IdempotencyKey != a1.IdempotencyKey {
			t.Error("idempotency key lost across reopen")
		}
	})

	t.Run("CheckpointPreserved", func(t *testing.T) {
		cp, err := reopened.Checkpoint(ctx)
		if err != nil {
			t.Fatalf("Checkpoint: %v", err)
		}
		if cp != 7 {
			t.Errorf("checkpoint = %d, want 7", cp)
		}
	})
}

func TestSQLiteStoreCheckpointNeverRegresses(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sync.db")
	store := openTestSQLite(t, DefaultSQLiteConfig(path))

	store.SetCheckpoint(ctx, 50)
	store.SetCheckpoint(ctx, 10)
	cp, _ := store.Checkpoint(ctx)
	if cp != 50 {
		t.Errorf("checkpoint = %d, want 50", cp)
	}
}

func TestSQLiteStoreCorruptActionSkipped(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sync.db")
	store := openTestSQLite(t, DefaultSQLiteConfig(path))

	good, _ := newQueuedAction("note-1", ActionCreate, CreatePayload{Fields: map[string]any{"v": 1}})
	store.AppendAction(ctx, good)

	// Write a row whose payload is not a valid encoded blob.
	if _, err := store.db.ExecContext(ctx, `
		INSERT INTO actions (id, entity_id, kind, payload, idempotency_key, enqueued_at)
		VALUES ('bad', 'note-2', 'create', X'DEADBEEF', 'key-bad', 1)
	`); err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}

	actions, err := store.ListActions(ctx)
	if err != nil {
		t.Fatalf("ListActions: %v", err)
	}
	if len(actions) != 1 || actions[0].ID != good.ID {
		t.Fatalf("corrupt entry blocked the healthy one: %+v", actions)
	}

	t.Run("MovedToDeadLetters", func(t *testing.T) {
		letters, err := store.ListDeadLetters(ctx)
		if err != nil {
			t.Fatalf("ListDeadLetters: %v", err)
		}
		if len(letters) != 1 || letters[0].Reason != "corrupt" {
			t.Fatalf("dead letters = %+v, want one corrupt entry", letters)
		}
		if letters[0].Action.ID != "bad" {
			t.Errorf("dead letter action = %q, want bad", letters[0].Action.ID)
		}
		// The unparseable bytes are dropped so the record itself stays
		// round-trippable.
		if len(letters[0].Action.Payload) != 0 {
			t.Errorf("dead letter kept raw payload %x", letters[0].Action.Payload)
		}
	})

	t.Run("RemovedFromQueue", func(t *testing.T) {
		again, _ := store.ListActions(ctx)
		if len(again) != 1 {
			t.Errorf("corrupt row still present after second list")
		}
	})
}

func TestSQLiteStoreConflictsAndDeadLetters(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sync.db")
	store := openTestSQLite(t, DefaultSQLiteConfig(path))

	c := &ConflictRecord{
		ID:         "conf-1",
		EntityID:   "note-1",
		Local:      &Entity{ID: "note-1", Fields: map[string]any{"v": "local"}},
		Remote:     &Entity{ID: "note-1", Fields: map[string]any{"v": "remote"}},
		DetectedAt: 5,
	}
	if err := store.PutConflict(ctx, c); err != nil {
		t.Fatalf("PutConflict: %v", err)
	}
	got, err := store.GetConflict(ctx, "conf-1")
	if err != nil {
		t.Fatalf("GetConflict: %v", err)
	}
	if got.Local.Fields["v"] != "local" || got.Remote.Fields["v"] != "remote" {
		t.Error("conflict versions lost in round trip")
	}

	a, _ := newQueuedAction("note-1", ActionDelete, DeletePayload{})
	d := &DeadLetter{Action: *a, Reason: "exhausted", FailedAt: 9, LastError: "unreachable"}
	if err := store.PutDeadLetter(ctx, d); err != nil {
		t.Fatalf("PutDeadLetter: %v", err)
	}
	// Duplicate writes for the same action are ignored, not doubled.
	if err := store.PutDeadLetter(ctx, d); err != nil {
		t.Fatalf("PutDeadLetter duplicate: %v", err)
	}
	letters, _ := store.ListDeadLetters(ctx)
	if len(letters) != 1 {
		t.Fatalf("got %d dead letters, want 1", len(letters))
	}
	if letters[0].Action.ID != a.ID || letters[0].Reason != "exhausted" {
		t.Errorf("dead letter = %+v", letters[0])
	}
}

func TestSQLiteStoreEncryptionAtRest(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sync.db")

	cfg := DefaultSQLiteConfig(path)
	cfg.Encryption = &EncryptionConfig{Enabled: true, KeyPassword: "correct horse"}
	store := openTestSQLite(t, cfg)

	e := &Entity{ID: "secret", Fields: map[string]any{"ssn": "000-00-0000"}, Status: StatusPending}
	if err := store.Put(ctx, e); err != nil {
		t.Fatalf("Put: %v", err)
	}

	t.Run("ReadableWithKey", func(t *testing.T) {
		got, err := store.Get(ctx, "secret")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Fields["ssn"] != "000-00-0000" {
			t.Errorf("fields = %v", got.Fields)
		}
	})

	t.Run("CiphertextOnDisk", func(t *testing.T) {
		var blob []byte
		if err := store.db.QueryRowContext(ctx, `SELECT fields FROM entities WHERE id = 'secret'`).Scan(&blob); err != nil {
			t.Fatalf("raw read: %v", err)
		}
		if len(blob) == 0 {
			t.Fatal("no blob stored")
		}
		if containsBytes(blob, []byte("000-00-0000")) {
			t.Error("plaintext visible in stored blob")
		}
	})

	t.Run("WrongKeyFails", func(t *testing.T) {
		store.Close()
		bad := DefaultSQLiteConfig(path)
		bad.Encryption = &EncryptionConfig{Enabled: true, KeyPassword: "battery staple"}
		other := openTestSQLite(t, bad)
		if _, err := other.Get(ctx, "secret"); err == nil {
			t.Error("expected decryption failure with wrong key")
		}
	})
}

func containsBytes(haystack, needle []byte) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func TestSQLiteStoreWithEngine(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sync.db")
	gw := newFakeGateway()

	store, err := OpenSQLiteStore(DefaultSQLiteConfig(path))
	if err != nil {
		t.Fatalf("OpenSQLiteStore: %v", err)
	}
	eng, err := NewEngine(store, gw, testEngineConfig())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	eng.Create(ctx, "A", "note", map[string]any{"title": "durable"})
	eng.Update(ctx, "A", map[string]any{"title": "durable v2"})
	eng.Close() // closes the store; actions remain on disk

	store2, err := OpenSQLiteStore(DefaultSQLiteConfig(path))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	eng2, err := NewEngine(store2, gw, testEngineConfig())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer eng2.Close()

	res, err := eng2.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.Pushed != 2 {
		t.Errorf("pushed = %d, want 2", res.Pushed)
	}
	if gw.state["A"].Fields["title"] != "durable v2" {
		t.Errorf("remote title = %v", gw.state["A"].Fields["title"])
	}
	got, err := eng2.Get(ctx, "A")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusSynced {
		t.Errorf("status = %q, want synced", got.Status)
	}
}
