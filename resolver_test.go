package driftsync

import (
	"errors"
	"testing"
)

func testConflict() *ConflictRecord {
	return &ConflictRecord{
		ID:       "conf-1",
		EntityID: "note-1",
		Local: &Entity{
			ID:     "note-1",
			Kind:   "note",
			Fields: map[string]any{"title": "mine", "tags": "a"},
			Status: StatusConflict,
		},
		Remote: &Entity{
			ID:     "note-1",
			Kind:   "note",
			Fields: map[string]any{"title": "theirs", "body": "b"},
			Status: StatusSynced,
		},
	}
}

func TestResolverServerWins(t *testing.T) {
	r := NewConflictResolver()
	resolved, needsPush, err := r.Resolve(testConflict(), ResolveServerWins)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if needsPush {
		t.Error("server-wins should not need a push")
	}
	if resolved.Fields["title"] != "theirs" {
		t.Errorf("title = %v, want theirs", resolved.Fields["title"])
	}
	if resolved.Status != StatusSynced {
		t.Errorf("status = %q, want synced", resolved.Status)
	}
}

func TestResolverClientWins(t *testing.T) {
	r := NewConflictResolver()
	resolved, needsPush, err := r.Resolve(testConflict(), ResolveClientWins)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !needsPush {
		t.Error("client-wins must propagate")
	}
	if resolved.Fields["title"] != "mine" {
		t.Errorf("title = %v, want mine", resolved.Fields["title"])
	}
	if resolved.Status != StatusPending {
		t.Errorf("status = %q, want pending", resolved.Status)
	}
}

func TestResolverMerge(t *testing.T) {
	t.Run("FieldLevelMerge", func(t *testing.T) {
		r := NewConflictResolver()
		r.RegisterMerge("note", func(local, remote *Entity) (*Entity, error) {
			merged := remote.Clone()
			merged.Fields["title"] = local.Fields["title"] // local title wins
			return merged, nil
		})

		resolved, needsPush, err := r.Resolve(testConflict(), ResolveMerge)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if !needsPush {
			t.Error("merged result must propagate")
		}
		if resolved.Fields["title"] != "mine" || resolved.Fields["body"] != "b" {
			t.Errorf("merged fields = %v", resolved.Fields)
		}
		if resolved.Status != StatusPending {
			t.Errorf("status = %q, want pending", resolved.Status)
		}
	})

	t.Run("UnregisteredKind", func(t *testing.T) {
		r := NewConflictResolver()
		if _, _, err := r.Resolve(testConflict(), ResolveMerge); err == nil {
			t.Error("expected error for unregistered kind")
		}
	})

	t.Run("MergeError", func(t *testing.T) {
		r := NewConflictResolver()
		wantErr := errors.New("cannot reconcile")
		r.RegisterMerge("note", func(local, remote *Entity) (*Entity, error) {
			return nil, wantErr
		})
		if _, _, err := r.Resolve(testConflict(), ResolveMerge); !errors.Is(err, wantErr) {
			t.Errorf("error = %v, want %v", err, wantErr)
		}
	})

	t.Run("NilResult", func(t *testing.T) {
		r := NewConflictResolver()
		r.RegisterMerge("note", func(local, remote *Entity) (*Entity, error) {
			return nil, nil
		})
		if _, _, err := r.Resolve(testConflict(), ResolveMerge); err == nil {
			t.Error("expected error for nil merge result")
		}
	})

	t.Run("CopiesPassedToMerge", func(t *testing.T) {
		c := testConflict()
		r := NewConflictResolver()
		r.RegisterMerge("note", func(local, remote *Entity) (*Entity, error) {
			local.Fields["title"] = "mutated"
			return remote, nil
		})
		if _, _, err := r.Resolve(c, ResolveMerge); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if c.Local.Fields["title"] != "mine" {
			t.Error("merge function mutated the conflict record")
		}
	})
}

func TestResolverUnknownStrategy(t *testing.T) {
	r := NewConflictResolver()
	if _, _, err := r.Resolve(testConflict(), ResolutionStrategy("coin_flip")); err == nil {
		t.Error("expected error for unknown strategy")
	}
}
