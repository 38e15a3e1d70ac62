package driftsync

import (
	"context"
	"sort"
	"sync"
)

// DurableStore is the persistence contract for entities, queue entries,
// conflicts, dead letters, and the sync checkpoint. Implementations must
// survive process restart and hold no merge or network logic; failures
// surface as *StorageError and are fatal to the calling operation.
type DurableStore interface {
	// Get returns the entity or ErrEntityNotFound.
	Get(ctx context.Context, id string) (*Entity, error)

	// Put upserts an entity.
	Put(ctx context.Context, e *Entity) error

	// Delete writes a tombstone for the entity. The record is retained until
	// Purge confirms the deletion is visible remotely.
	Delete(ctx context.Context, id string) error

	// Purge erases an entity record entirely.
	Purge(ctx context.Context, id string) error

	// ListPending returns entities with status pending, conflict, or failed.
	ListPending(ctx context.Context) ([]*Entity, error)

	// AppendAction persists a queued action at the tail of its entity's log.
	AppendAction(ctx context.Context, a *QueuedAction) error

	// UpdateAction rewrites a queued action's retry bookkeeping.
	UpdateAction(ctx context.Context, a *QueuedAction) error

	// RemoveAction deletes a queued action by ID.
	RemoveAction(ctx context.Context, id string) error

	// ListActions returns all queued actions in global enqueue order.
	ListActions(ctx context.Context) ([]*QueuedAction, error)

	// PutDeadLetter records a terminally failed action.
	PutDeadLetter(ctx context.Context, d *DeadLetter) error

	// ListDeadLetters returns all dead letters in failure order.
	ListDeadLetters(ctx context.Context) ([]*DeadLetter, error)

	// PutConflict records a detected conflict.
	PutConflict(ctx context.Context, c *ConflictRecord) error

	// GetConflict returns a conflict by ID or ErrConflictNotFound.
	GetConflict(ctx context.Context, id string) (*ConflictRecord, error)

	// DeleteConflict removes a resolved conflict.
	DeleteConflict(ctx context.Context, id string) error

	// ListConflicts returns all unresolved conflicts.
	ListConflicts(ctx context.Context) ([]*ConflictRecord, error)

	// Checkpoint returns the last committed sync cursor (zero if never set).
	Checkpoint(ctx context.Context) (Cursor, error)

	// SetCheckpoint commits a new cursor. Implementations must ignore
	// regressions: the stored cursor never decreases.
	SetCheckpoint(ctx context.Context, c Cursor) error

	// Close releases any resources.
	Close() error
}

// MemoryStore implements DurableStore with in-memory maps. Useful for tests
// and short-lived embedding; it does not survive restarts.
type MemoryStore struct {
	mu          sync.RWMutex
	entities    map[string]*Entity
	actions     []*QueuedAction
	deadLetters []*DeadLetter
	conflicts   map[string]*ConflictRecord
	checkpoint  Cursor
	closed      bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:  make(map[string]*Entity),
		conflicts: make(map[string]*ConflictRecord),
	}
}

var _ DurableStore = (*MemoryStore)(nil)

func (m *MemoryStore) Get(ctx context.Context, id string) (*Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	e, ok := m.entities[id]
	if !ok {
		return nil, ErrEntityNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) Put(ctx context.Context, e *Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.entities[e.ID] = e.Clone()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	e, ok := m.entities[id]
	if !ok {
		return ErrEntityNotFound
	}
	cp := e.Clone()
	cp.Deleted = true
	m.entities[id] = cp
	return nil
}

func (m *MemoryStore) Purge(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.entities, id)
	return nil
}

func (m *MemoryStore) ListPending(ctx context.Context) ([]*Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []*Entity
	for _, e := range m.entities {
		switch e.Status {
		case StatusPending, StatusConflict, StatusFailed:
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) AppendAction(ctx context.Context, a *QueuedAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := *a
	m.actions = append(m.actions, &cp)
	return nil
}

func (m *MemoryStore) UpdateAction(ctx context.Context, a *QueuedAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for i, old := range m.actions {
		if old.ID == a.ID {
			cp := *a
			m.actions[i] = &cp
			return nil
		}
	}
	return newStorageError(StorageErrorTypeWrite, "action not found", a.ID, nil)
}

func (m *MemoryStore) RemoveAction(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for i, a := range m.actions {
		if a.ID == id {
			m.actions = append(m.actions[:i], m.actions[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) ListActions(ctx context.Context) ([]*QueuedAction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]*QueuedAction, len(m.actions))
	for i, a := range m.actions {
		cp := *a
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) PutDeadLetter(ctx context.Context, d *DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := *d
	m.deadLetters = append(m.deadLetters, &cp)
	return nil
}

func (m *MemoryStore) ListDeadLetters(ctx context.Context) ([]*DeadLetter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]*DeadLetter, len(m.deadLetters))
	for i, d := range m.deadLetters {
		cp := *d
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) PutConflict(ctx context.Context, c *ConflictRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := *c
	cp.Local = c.Local.Clone()
	cp.Remote = c.Remote.Clone()
	m.conflicts[c.ID] = &cp
	return nil
}

func (m *MemoryStore) GetConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	c, ok := m.conflicts[id]
	if !ok {
		return nil, ErrConflictNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) DeleteConflict(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.conflicts, id)
	return nil
}

func (m *MemoryStore) ListConflicts(ctx context.Context) ([]*ConflictRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]*ConflictRecord, 0, len(m.conflicts))
	for _, c := range m.conflicts {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt < out[j].DetectedAt })
	return out, nil
}

func (m *MemoryStore) Checkpoint(ctx context.Context) (Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrClosed
	}
	return m.checkpoint, nil
}

func (m *MemoryStore) SetCheckpoint(ctx context.Context, c Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if c > m.checkpoint {
		m.checkpoint = c
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
