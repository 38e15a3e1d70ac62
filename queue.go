package driftsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// pushFunc transmits one action. lastInChain is true when the action is the
// final queued mutation for its entity, meaning a successful echo represents
// the entity's fully synchronized state.
type pushFunc func(ctx context.Context, a *QueuedAction, lastInChain bool) (*Entity, error)

// DrainSummary reports the outcome of one drain pass.
type DrainSummary struct {
	// Pushed is the number of actions confirmed and removed from the queue.
	Pushed int
	// Retried is the number of actions that failed transiently and were
	// rescheduled with backoff.
	Retried int
	// DeadLettered is the number of actions that reached a terminal failure.
	DeadLettered int
	// Skipped is the number of actions whose backoff window has not elapsed.
	Skipped int
}

// drainOutcome couples a summary with the error that ended the pass.
type drainOutcome struct {
	summary DrainSummary
	err     error
}

// ActionQueue is the durable offline mutation log. Every local write appends
// an action; a drain pass transmits actions in per-entity order, retrying
// transient failures with exponential backoff and dead-lettering actions that
// exhaust their budget or are rejected outright.
//
// Drains are single-flight: concurrent Drain calls coalesce onto the pass
// already in progress and share its outcome.
type ActionQueue struct {
	store  DurableStore
	policy *RetryPolicy
	cfg    QueueConfig
	bus    *eventBus
	logger *slog.Logger

	mu       sync.Mutex
	draining bool
	waiters  []chan drainOutcome
}

// newActionQueue creates a queue over the given store.
func newActionQueue(store DurableStore, policy *RetryPolicy, cfg QueueConfig, bus *eventBus, logger *slog.Logger) *ActionQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActionQueue{
		store:  store,
		policy: policy,
		cfg:    cfg,
		bus:    bus,
		logger: logger,
	}
}

// Enqueue validates and persists a new action at the tail of its entity's
// chain. The action survives restarts; ordering within an entity is the
// enqueue order.
func (q *ActionQueue) Enqueue(ctx context.Context, entityID string, kind ActionKind, payload any) (*QueuedAction, error) {
	a, err := newQueuedAction(entityID, kind, payload)
	if err != nil {
		return nil, err
	}
	if err := q.store.AppendAction(ctx, a); err != nil {
		return nil, err
	}
	q.logger.Debug("action enqueued",
		"action_id", a.ID, "entity_id", a.EntityID, "kind", string(a.Kind))
	return a, nil
}

// Len returns the number of queued actions.
func (q *ActionQueue) Len(ctx context.Context) (int, error) {
	actions, err := q.store.ListActions(ctx)
	if err != nil {
		return 0, err
	}
	return len(actions), nil
}

// Requeue converts a dead letter back into a fresh queued action with a reset
// attempt count and the original payload and idempotency key. The dead letter
// itself is left in place as history.
func (q *ActionQueue) Requeue(ctx context.Context, actionID string) (*QueuedAction, error) {
	letters, err := q.store.ListDeadLetters(ctx)
	if err != nil {
		return nil, err
	}
	for _, d := range letters {
		if d.Action.ID != actionID {
			continue
		}
		a := d.Action
		a.AttemptCount = 0
		a.NextAttemptAt = 0
		a.LastError = ""
		a.EnqueuedAt = time.Now().UnixNano()
		if err := q.store.AppendAction(ctx, &a); err != nil {
			return nil, err
		}
		return &a, nil
	}
	return nil, newSyncError(SyncErrorTypeUnknown, "dead letter not found", actionID, "", nil)
}

// Drain transmits queued actions via push. If a drain is already running the
// call blocks until that pass completes and returns its outcome, so callers
// triggered by timers, connectivity restoration, and explicit syncs never
// stack concurrent passes.
func (q *ActionQueue) Drain(ctx context.Context, push pushFunc) (DrainSummary, error) {
	q.mu.Lock()
	if q.draining {
		ch := make(chan drainOutcome, 1)
		q.waiters = append(q.waiters, ch)
		q.mu.Unlock()
		select {
		case out := <-ch:
			return out.summary, out.err
		case <-ctx.Done():
			return DrainSummary{}, ctx.Err()
		}
	}
	q.draining = true
	q.mu.Unlock()

	summary, err := q.drainOnce(ctx, push)

	q.mu.Lock()
	q.draining = false
	waiters := q.waiters
	q.waiters = nil
	q.mu.Unlock()

	out := drainOutcome{summary: summary, err: err}
	for _, ch := range waiters {
		ch <- out
	}
	return summary, err
}

// drainOnce runs a single pass: actions are grouped into per-entity chains
// preserving enqueue order, and chains are distributed across workers. A
// chain stops at its first non-success so a later action can never overtake
// an earlier one for the same entity.
func (q *ActionQueue) drainOnce(ctx context.Context, push pushFunc) (DrainSummary, error) {
	actions, err := q.store.ListActions(ctx)
	if err != nil {
		return DrainSummary{}, err
	}
	if len(actions) == 0 {
		return DrainSummary{}, nil
	}
	if limit := q.cfg.DrainBatchSize; limit > 0 && len(actions) > limit {
		actions = actions[:limit]
	}

	// Group into chains, preserving global enqueue order within each.
	var order []string
	chains := make(map[string][]*QueuedAction)
	for _, a := range actions {
		if _, ok := chains[a.EntityID]; !ok {
			order = append(order, a.EntityID)
		}
		chains[a.EntityID] = append(chains[a.EntityID], a)
	}

	workers := q.cfg.DrainWorkers
	if workers <= 0 {
		workers = 1
	}
	if workers > len(order) {
		workers = len(order)
	}

	work := make(chan []*QueuedAction)
	results := make(chan DrainSummary, len(order))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chain := range work {
				results <- q.drainChain(ctx, chain, push)
			}
		}()
	}

	for _, id := range order {
		work <- chains[id]
	}
	close(work)
	wg.Wait()
	close(results)

	var total DrainSummary
	for s := range results {
		total.Pushed += s.Pushed
		total.Retried += s.Retried
		total.DeadLettered += s.DeadLettered
		total.Skipped += s.Skipped
	}
	return total, ctx.Err()
}

// drainChain transmits one entity's actions in order, stopping at the first
// action that cannot be confirmed.
func (q *ActionQueue) drainChain(ctx context.Context, chain []*QueuedAction, push pushFunc) DrainSummary {
	var s DrainSummary
	now := time.Now().UnixNano()

	// A conflicted entity's queued edits are parked: pushing them would
	// apply one side of an unresolved conflict. Resolution restores the
	// entity to pending and the chain resumes.
	if ent, err := q.store.Get(ctx, chain[0].EntityID); err == nil && ent.Status == StatusConflict {
		s.Skipped += len(chain)
		return s
	}

	for i, a := range chain {
		if ctx.Err() != nil {
			return s
		}
		if a.NextAttemptAt > now {
			// Still inside the backoff window; the whole chain waits so
			// ordering holds.
			s.Skipped += len(chain) - i
			return s
		}

		lastInChain := i == len(chain)-1
		_, err := push(ctx, a, lastInChain)
		if err == nil {
			if rmErr := q.store.RemoveAction(ctx, a.ID); rmErr != nil {
				q.logger.Error("remove confirmed action", "action_id", a.ID, "error", rmErr)
				return s
			}
			s.Pushed++
			continue
		}

		if !IsTransient(err) {
			q.deadLetter(ctx, a, "validation", err)
			s.DeadLettered++
			return s
		}

		a.AttemptCount++
		a.LastError = err.Error()
		if q.policy.Exhausted(a.AttemptCount) {
			q.deadLetter(ctx, a, "exhausted", err)
			s.DeadLettered++
			return s
		}

		a.NextAttemptAt = time.Now().Add(q.policy.DelayFor(a.ID, a.AttemptCount-1)).UnixNano()
		if upErr := q.store.UpdateAction(ctx, a); upErr != nil {
			q.logger.Error("update action after failure", "action_id", a.ID, "error", upErr)
			return s
		}
		q.logger.Debug("action rescheduled",
			"action_id", a.ID, "entity_id", a.EntityID,
			"attempt", a.AttemptCount, "error", err)
		s.Retried++
		return s
	}
	return s
}

// deadLetter moves an action into the terminal failure state: the action is
// removed from the queue, a dead letter is recorded, the entity is marked
// failed, and exactly one action_failed event fires.
func (q *ActionQueue) deadLetter(ctx context.Context, a *QueuedAction, reason string, cause error) {
	d := &DeadLetter{
		Action:    *a,
		Reason:    reason,
		FailedAt:  time.Now().UnixNano(),
		LastError: cause.Error(),
	}
	if err := q.store.PutDeadLetter(ctx, d); err != nil {
		q.logger.Error("record dead letter", "action_id", a.ID, "error", err)
		return
	}
	if err := q.store.RemoveAction(ctx, a.ID); err != nil {
		q.logger.Error("remove dead-lettered action", "action_id", a.ID, "error", err)
	}

	if e, err := q.store.Get(ctx, a.EntityID); err == nil {
		e.Status = StatusFailed
		if err := q.store.Put(ctx, e); err != nil {
			q.logger.Error("mark entity failed", "entity_id", a.EntityID, "error", err)
		}
	}

	q.logger.Warn("action dead-lettered",
		"action_id", a.ID, "entity_id", a.EntityID,
		"reason", reason, "error", cause)
	if q.bus != nil {
		q.bus.emit(Event{
			Type:      EventActionFailed,
			Timestamp: time.Now().UnixNano(),
			Dead:      d,
			Err:       fmt.Errorf("%s: %w", reason, cause),
		})
	}
}
