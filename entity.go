package driftsync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncStatus describes where an entity stands relative to the remote.
type SyncStatus string

const (
	// StatusSynced means the local copy matches the last known remote state.
	StatusSynced SyncStatus = "synced"
	// StatusPending means the entity has local edits awaiting transmission.
	StatusPending SyncStatus = "pending"
	// StatusConflict means a local pending edit disagrees with an independent
	// remote edit and needs explicit resolution.
	StatusConflict SyncStatus = "conflict"
	// StatusFailed means the entity's queued action exhausted its retry budget.
	StatusFailed SyncStatus = "failed"
)

// Cursor is the remote change-feed position. Zero means "never synced".
// Cursors are assigned by the remote and are monotonically non-decreasing.
type Cursor int64

// Entity is a synchronized record. Entities are owned by the DurableStore and
// mutated only through the engine's write path.
type Entity struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind,omitempty"` // entity type, keys custom merge functions
	Fields    map[string]any `json:"fields"`
	UpdatedAt int64          `json:"updated_at"` // logical timestamp
	Deleted   bool           `json:"deleted"`    // tombstone flag
	Status    SyncStatus     `json:"status"`
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	cp := *e
	if e.Fields != nil {
		cp.Fields = make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			cp.Fields[k] = v
		}
	}
	return &cp
}

// ActionKind discriminates queued-action payloads.
type ActionKind string

const (
	// ActionCreate inserts a new entity remotely.
	ActionCreate ActionKind = "create"
	// ActionUpdate applies a field-level edit remotely.
	ActionUpdate ActionKind = "update"
	// ActionDelete propagates a tombstone remotely.
	ActionDelete ActionKind = "delete"
)

// CreatePayload carries the initial field set for ActionCreate.
type CreatePayload struct {
	Kind   string         `json:"kind,omitempty"`
	Fields map[string]any `json:"fields"`
}

// UpdatePayload carries the edited fields for ActionUpdate.
type UpdatePayload struct {
	Fields map[string]any `json:"fields"`
}

// DeletePayload carries nothing; the action's EntityID identifies the target.
type DeletePayload struct{}

// QueuedAction is a pending mutation awaiting transmission. It is created by
// Enqueue and destroyed on confirmed success or dead-lettered at the terminal
// failure threshold.
type QueuedAction struct {
	ID             string          `json:"id"`
	EntityID       string          `json:"entity_id"`
	Kind           ActionKind      `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	EnqueuedAt     int64           `json:"enqueued_at"`
	AttemptCount   int             `json:"attempt_count"`
	NextAttemptAt  int64           `json:"next_attempt_at"`
	LastError      string          `json:"last_error,omitempty"`
}

// newQueuedAction builds a validated action with a fresh ID and idempotency
// key. The payload union is resolved here, at the queue boundary, so malformed
// payloads are rejected before anything is persisted.
func newQueuedAction(entityID string, kind ActionKind, payload any) (*QueuedAction, error) {
	if entityID == "" {
		return nil, &SyncError{Type: SyncErrorTypeValidation, Message: "entity id is required"}
	}

	var raw json.RawMessage
	switch kind {
	case ActionCreate:
		p, ok := payload.(CreatePayload)
		if !ok || len(p.Fields) == 0 {
			return nil, &SyncError{Type: SyncErrorTypeValidation, Message: "create action requires a non-empty CreatePayload"}
		}
		raw, _ = json.Marshal(p)
	case ActionUpdate:
		p, ok := payload.(UpdatePayload)
		if !ok || len(p.Fields) == 0 {
			return nil, &SyncError{Type: SyncErrorTypeValidation, Message: "update action requires a non-empty UpdatePayload"}
		}
		raw, _ = json.Marshal(p)
	case ActionDelete:
		if _, ok := payload.(DeletePayload); !ok && payload != nil {
			return nil, &SyncError{Type: SyncErrorTypeValidation, Message: "delete action takes a DeletePayload"}
		}
		raw, _ = json.Marshal(DeletePayload{})
	default:
		return nil, &SyncError{Type: SyncErrorTypeValidation, Message: fmt.Sprintf("unknown action kind %q", kind)}
	}

	return &QueuedAction{
		ID:             uuid.NewString(),
		EntityID:       entityID,
		Kind:           kind,
		Payload:        raw,
		IdempotencyKey: uuid.NewString(),
		EnqueuedAt:     time.Now().UnixNano(),
	}, nil
}

// DecodePayload resolves the tagged payload union for the action's kind.
func (a *QueuedAction) DecodePayload() (any, error) {
	switch a.Kind {
	case ActionCreate:
		var p CreatePayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode create payload: %w", err)
		}
		return p, nil
	case ActionUpdate:
		var p UpdatePayload
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode update payload: %w", err)
		}
		return p, nil
	case ActionDelete:
		return DeletePayload{}, nil
	default:
		return nil, fmt.Errorf("unknown action kind %q", a.Kind)
	}
}

// fields returns the payload field map for create/update actions, or nil.
func (a *QueuedAction) fields() map[string]any {
	p, err := a.DecodePayload()
	if err != nil {
		return nil
	}
	switch v := p.(type) {
	case CreatePayload:
		return v.Fields
	case UpdatePayload:
		return v.Fields
	}
	return nil
}

// ConflictRecord captures a detected disagreement between a local pending
// edit and an independently changed remote version of the same entity. It is
// destroyed when a resolution is applied.
type ConflictRecord struct {
	ID         string  `json:"id"`
	EntityID   string  `json:"entity_id"`
	Local      *Entity `json:"local"`
	Remote     *Entity `json:"remote"`
	DetectedAt int64   `json:"detected_at"`
}

// DeadLetter is the terminal record of an action that exhausted its retry
// budget or was rejected by the remote. Dead letters are never retried
// automatically; a caller must re-enqueue or discard.
type DeadLetter struct {
	Action    QueuedAction `json:"action"`
	Reason    string       `json:"reason"`
	FailedAt  int64        `json:"failed_at"`
	LastError string       `json:"last_error"`
}
