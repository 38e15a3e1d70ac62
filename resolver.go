package driftsync

import (
	"fmt"
	"sync"
)

// ResolutionStrategy selects how a conflict is resolved.
type ResolutionStrategy string

const (
	// ResolveServerWins discards the local edit and adopts the remote state.
	ResolveServerWins ResolutionStrategy = "server_wins"
	// ResolveClientWins keeps the local edit and re-enqueues it for push.
	ResolveClientWins ResolutionStrategy = "client_wins"
	// ResolveMerge combines both versions via a registered MergeFunc for the
	// entity's kind.
	ResolveMerge ResolutionStrategy = "merge"
)

// MergeFunc combines a conflicting local and remote entity into a resolved
// version. Both arguments are copies; the returned entity's fields become the
// new local state and are pushed to the remote.
type MergeFunc func(local, remote *Entity) (*Entity, error)

// ConflictResolver applies resolution strategies. Merge functions are
// registered per entity kind; resolution is explicit and caller-driven, the
// engine never auto-resolves.
type ConflictResolver struct {
	mu     sync.RWMutex
	merges map[string]MergeFunc
}

// NewConflictResolver creates a resolver with no merge functions registered.
func NewConflictResolver() *ConflictResolver {
	return &ConflictResolver{merges: make(map[string]MergeFunc)}
}

// RegisterMerge installs a merge function for entities of the given kind.
// Registering again for the same kind replaces the previous function.
func (r *ConflictResolver) RegisterMerge(kind string, fn MergeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.merges[kind] = fn
}

// Resolve applies the strategy to a conflict and returns the resolved entity
// plus whether the result must be re-pushed to the remote.
func (r *ConflictResolver) Resolve(c *ConflictRecord, strategy ResolutionStrategy) (resolved *Entity, needsPush bool, err error) {
	switch strategy {
	case ResolveServerWins:
		e := c.Remote.Clone()
		e.Status = StatusSynced
		return e, false, nil

	case ResolveClientWins:
		e := c.Local.Clone()
		e.Status = StatusPending
		return e, true, nil

	case ResolveMerge:
		r.mu.RLock()
		fn, ok := r.merges[c.Local.Kind]
		r.mu.RUnlock()
		if !ok {
			return nil, false, fmt.Errorf("no merge function registered for kind %q", c.Local.Kind)
		}
		merged, err := fn(c.Local.Clone(), c.Remote.Clone())
		if err != nil {
			return nil, false, fmt.Errorf("merge entity %s: %w", c.EntityID, err)
		}
		if merged == nil {
			return nil, false, fmt.Errorf("merge function for kind %q returned nil", c.Local.Kind)
		}
		merged.ID = c.EntityID
		merged.Status = StatusPending
		return merged, true, nil

	default:
		return nil, false, fmt.Errorf("unknown resolution strategy %q", strategy)
	}
}
