package driftsync

import (
	"errors"
	"testing"
)

func TestNewQueuedAction(t *testing.T) {
	t.Run("Create", func(t *testing.T) {
		a, err := newQueuedAction("note-1", ActionCreate, CreatePayload{Kind: "note", Fields: map[string]any{"title": "x"}})
		if err != nil {
			t.Fatalf("newQueuedAction: %v", err)
		}
		if a.ID == "" || a.IdempotencyKey == "" || a.EnqueuedAt == 0 {
			t.Errorf("action not fully initialized: %+v", a)
		}
		p, err := a.DecodePayload()
		if err != nil {
			t.Fatalf("DecodePayload: %v", err)
		}
		cp, ok := p.(CreatePayload)
		if !ok || cp.Kind != "note" || cp.Fields["title"] != "x" {
			t.Errorf("payload = %+v", p)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		a, err := newQueuedAction("note-1", ActionDelete, DeletePayload{})
		if err != nil {
			t.Fatalf("newQueuedAction: %v", err)
		}
		if _, err := a.DecodePayload(); err != nil {
			t.Errorf("DecodePayload: %v", err)
		}
	})

	t.Run("Rejections", func(t *testing.T) {
		cases := []struct {
			name     string
			entityID string
			kind     ActionKind
			payload  any
		}{
			{"EmptyEntityID", "", ActionCreate, CreatePayload{Fields: map[string]any{"x": 1}}},
			{"EmptyCreateFields", "e", ActionCreate, CreatePayload{}},
			{"WrongPayloadType", "e", ActionUpdate, CreatePayload{Fields: map[string]any{"x": 1}}},
			{"UnknownKind", "e", ActionKind("merge"), nil},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				if _, err := newQueuedAction(tc.entityID, tc.kind, tc.payload); !errors.Is(err, ErrValidation) {
					t.Errorf("error = %v, want ErrValidation", err)
				}
			})
		}
	})

	t.Run("DistinctIdempotencyKeys", func(t *testing.T) {
		a1, _ := newQueuedAction("e", ActionDelete, DeletePayload{})
		a2, _ := newQueuedAction("e", ActionDelete, DeletePayload{})
		if a1.IdempotencyKey == a2.IdempotencyKey {
			t.Error("two actions share an idempotency key")
		}
	})
}

func TestEntityClone(t *testing.T) {
	e := &Entity{ID: "x", Kind: "note", Fields: map[string]any{"a": 1}, Status: StatusSynced}
	cp := e.Clone()
	cp.Fields["a"] = 2
	cp.Status = StatusFailed
	if e.Fields["a"] != 1 || e.Status != StatusSynced {
		t.Error("Clone shares state with the original")
	}

	var nilEntity *Entity
	if nilEntity.Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}
