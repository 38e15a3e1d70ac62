package driftsync

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SyncResult summarizes one sync pass.
type SyncResult struct {
	// Pushed is the number of actions confirmed by the remote.
	Pushed int `json:"pushed"`
	// Retried is the number of actions rescheduled with backoff.
	Retried int `json:"retried"`
	// DeadLettered is the number of actions that reached terminal failure.
	DeadLettered int `json:"dead_lettered"`
	// Skipped is the number of actions still inside their backoff window.
	Skipped int `json:"skipped"`
	// Pulled is the number of remote changes merged.
	Pulled int `json:"pulled"`
	// Conflicts is the number of new conflicts detected during merge.
	Conflicts int `json:"conflicts"`
	// Cursor is the checkpoint after the pass.
	Cursor Cursor `json:"cursor"`
	// Duration is the wall-clock time of the pass.
	Duration time.Duration `json:"duration"`
}

// EngineStats is a point-in-time snapshot of engine state.
type EngineStats struct {
	QueueDepth   int    `json:"queue_depth"`
	PendingCount int    `json:"pending_count"`
	Conflicts    int    `json:"conflicts"`
	DeadLetters  int    `json:"dead_letters"`
	Checkpoint   Cursor `json:"checkpoint"`
	BreakerState string `json:"breaker_state"`
	Online       bool   `json:"online"`
	LastSyncAt   int64  `json:"last_sync_at"`
}

// EngineOption customizes engine construction.
type EngineOption func(*Engine)

// WithMonitor injects a connectivity monitor. Without one the engine assumes
// it is always online and Sync never returns ErrOffline.
func WithMonitor(m NetworkMonitor) EngineOption {
	return func(e *Engine) { e.monitor = m }
}

// WithLogger injects a structured logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithResolver injects a pre-configured conflict resolver.
func WithResolver(r *ConflictResolver) EngineOption {
	return func(e *Engine) { e.resolver = r }
}

// Engine is the synchronization orchestrator: local writes go through it so
// every mutation lands in the durable store and the offline queue together,
// and Sync runs the push, pull, merge, checkpoint cycle against the remote
// gateway.
//
// All methods are safe for concurrent use. Sync passes are serialized.
type Engine struct {
	store    DurableStore
	gateway  RemoteGateway
	queue    *ActionQueue
	policy   *RetryPolicy
	resolver *ConflictResolver
	monitor  NetworkMonitor
	breaker  *CircuitBreaker
	bus      *eventBus
	logger   *slog.Logger
	cfg      Config

	// syncMu serializes full sync passes.
	syncMu sync.Mutex

	// lastEcho maps entity ID to the UpdatedAt the remote echoed for our most
	// recent push, used to tell our own writes from independent remote edits
	// during merge. In-memory only: after a restart an ambiguous pull is
	// surfaced as a conflict rather than silently confirmed.
	echoMu   sync.Mutex
	lastEcho map[string]int64

	stateMu    sync.Mutex
	closed     bool
	running    bool
	stopCh     chan struct{}
	syncCh     chan struct{}
	wg         sync.WaitGroup
	lastSyncAt int64
}

// NewEngine creates an engine over a durable store and remote gateway.
func NewEngine(store DurableStore, gateway RemoteGateway, cfg Config, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, newSyncError(SyncErrorTypeValidation, "durable store is required", "", "", nil)
	}
	if gateway == nil {
		return nil, newSyncError(SyncErrorTypeValidation, "remote gateway is required", "", "", nil)
	}
	cfg.normalize()

	e := &Engine{
		store:    store,
		gateway:  gateway,
		policy:   NewRetryPolicy(cfg.Retry),
		resolver: NewConflictResolver(),
		breaker:  NewCircuitBreaker(cfg.Gateway.BreakerFailures, cfg.Gateway.BreakerReset),
		bus:      newEventBus(0),
		cfg:      cfg,
		lastEcho: make(map[string]int64),
		syncCh:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("node_id", cfg.NodeID)
	e.queue = newActionQueue(store, e.policy, cfg.Queue, e.bus, e.logger)

	if e.monitor != nil {
		e.monitor.OnChange(func(online bool) {
			e.bus.emit(Event{
				Type:      EventConnectivity,
				Timestamp: time.Now().UnixNano(),
				Online:    online,
			})
			if online {
				e.requestSync()
			}
		})
	}
	return e, nil
}

// Create stages a new entity: the record is written locally as pending and a
// create action is queued for the next sync.
func (e *Engine) Create(ctx context.Context, id, kind string, fields map[string]any) (*Entity, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := e.store.Get(ctx, id); err == nil {
		return nil, newSyncError(SyncErrorTypeValidation, "entity already exists", "", id, nil)
	}

	if _, err := e.queue.Enqueue(ctx, id, ActionCreate, CreatePayload{Kind: kind, Fields: fields}); err != nil {
		return nil, err
	}
	ent := &Entity{
		ID:        id,
		Kind:      kind,
		Fields:    fields,
		UpdatedAt: time.Now().UnixNano(),
		Status:    StatusPending,
	}
	if err := e.store.Put(ctx, ent); err != nil {
		return nil, err
	}
	return ent.Clone(), nil
}

// Update stages a field edit on an existing entity.
func (e *Engine) Update(ctx context.Context, id string, fields map[string]any) (*Entity, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	ent, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ent.Deleted {
		return nil, newSyncError(SyncErrorTypeValidation, "entity is deleted", "", id, nil)
	}

	if _, err := e.queue.Enqueue(ctx, id, ActionUpdate, UpdatePayload{Fields: fields}); err != nil {
		return nil, err
	}
	if ent.Fields == nil {
		ent.Fields = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		ent.Fields[k] = v
	}
	ent.UpdatedAt = time.Now().UnixNano()
	ent.Status = StatusPending
	if err := e.store.Put(ctx, ent); err != nil {
		return nil, err
	}
	return ent.Clone(), nil
}

// Delete stages a deletion. The local record becomes a tombstone and is
// retained until the remote confirms; only then is it purged.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	ent, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if _, err := e.queue.Enqueue(ctx, id, ActionDelete, DeletePayload{}); err != nil {
		return err
	}
	ent.Deleted = true
	ent.UpdatedAt = time.Now().UnixNano()
	ent.Status = StatusPending
	return e.store.Put(ctx, ent)
}

// Get returns an entity by ID. Tombstoned entities are reported as not found.
func (e *Engine) Get(ctx context.Context, id string) (*Entity, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	ent, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ent.Deleted {
		return nil, ErrEntityNotFound
	}
	return ent, nil
}

// ListPending returns entities not yet in the synced state.
func (e *Engine) ListPending(ctx context.Context) ([]*Entity, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.store.ListPending(ctx)
}

// Sync runs one full pass: drain the queue (push), pull remote changes since
// the checkpoint, merge them against local state, then advance the
// checkpoint. The checkpoint only moves after a clean merge, so an
// interrupted pass re-pulls the same window rather than losing changes.
//
// Returns ErrOffline without touching the network when the monitor reports
// no connectivity.
func (e *Engine) Sync(ctx context.Context) (*SyncResult, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	if e.monitor != nil && !e.monitor.IsConnected() {
		return nil, ErrOffline
	}

	start := time.Now()
	res := &SyncResult{}

	summary, err := e.queue.Drain(ctx, e.transmit)
	res.Pushed = summary.Pushed
	res.Retried = summary.Retried
	res.DeadLettered = summary.DeadLettered
	res.Skipped = summary.Skipped
	if err != nil {
		e.finishSync(res, start, err)
		return res, err
	}

	since, err := e.store.Checkpoint(ctx)
	if err != nil {
		e.finishSync(res, start, err)
		return res, err
	}

	var remote []*Entity
	var cursor Cursor
	err = e.breaker.Execute(func() error {
		var ferr error
		remote, cursor, ferr = e.gateway.FetchChanges(ctx, since)
		return ferr
	})
	if err != nil {
		e.finishSync(res, start, err)
		return res, err
	}

	for _, r := range remote {
		conflicted, merr := e.mergeRemote(ctx, r)
		if merr != nil {
			e.finishSync(res, start, merr)
			return res, merr
		}
		res.Pulled++
		if conflicted {
			res.Conflicts++
		}
	}

	if cursor > since {
		if err := e.store.SetCheckpoint(ctx, cursor); err != nil {
			e.finishSync(res, start, err)
			return res, err
		}
	}
	res.Cursor = cursor
	if res.Cursor < since {
		res.Cursor = since
	}

	e.finishSync(res, start, nil)
	return res, nil
}

// transmit pushes one action through the circuit breaker and applies the
// remote's echo locally when the action completes its entity's chain.
func (e *Engine) transmit(ctx context.Context, a *QueuedAction, lastInChain bool) (*Entity, error) {
	var echoes []*Entity
	err := e.breaker.Execute(func() error {
		var perr error
		echoes, perr = e.gateway.PushChanges(ctx, []*QueuedAction{a})
		return perr
	})
	if err != nil {
		return nil, err
	}

	var echo *Entity
	if len(echoes) > 0 {
		echo = echoes[0]
	}
	if echo != nil {
		e.echoMu.Lock()
		e.lastEcho[a.EntityID] = echo.UpdatedAt
		e.echoMu.Unlock()
	}

	if !lastInChain {
		return echo, nil
	}

	// The chain is fully confirmed; the echo is the entity's synchronized
	// state.
	if a.Kind == ActionDelete {
		if err := e.store.Purge(ctx, a.EntityID); err != nil {
			return nil, err
		}
		e.echoMu.Lock()
		delete(e.lastEcho, a.EntityID)
		e.echoMu.Unlock()
		return echo, nil
	}

	// A caller may have staged a new edit after the drain snapshotted this
	// chain. The echo is then already stale: leave the entity pending and
	// let the next pass confirm it.
	newer, err := e.hasQueuedActions(ctx, a.EntityID, a.ID)
	if err != nil {
		return nil, err
	}
	if newer {
		return echo, nil
	}

	local, err := e.store.Get(ctx, a.EntityID)
	if err != nil {
		return nil, err
	}
	if echo != nil {
		local.Fields = echo.Fields
		local.UpdatedAt = echo.UpdatedAt
	}
	local.Status = StatusSynced
	if err := e.store.Put(ctx, local); err != nil {
		return nil, err
	}
	return echo, nil
}

// mergeRemote folds one pulled remote entity into local state. Returns true
// when a new conflict was recorded.
func (e *Engine) mergeRemote(ctx context.Context, remote *Entity) (bool, error) {
	local, err := e.store.Get(ctx, remote.ID)
	if err == ErrEntityNotFound {
		if remote.Deleted {
			return false, nil
		}
		ent := remote.Clone()
		ent.Status = StatusSynced
		return false, e.store.Put(ctx, ent)
	}
	if err != nil {
		return false, err
	}

	// A pulled change whose timestamp matches our last push echo is our own
	// write coming back around, not an independent edit. A matched echo is
	// spent: drop the entry so the map does not grow for the life of the
	// engine.
	e.echoMu.Lock()
	echoAt, echoed := e.lastEcho[remote.ID]
	if echoed && echoAt == remote.UpdatedAt {
		delete(e.lastEcho, remote.ID)
	}
	e.echoMu.Unlock()

	switch local.Status {
	case StatusSynced:
		if remote.Deleted {
			return false, e.store.Purge(ctx, remote.ID)
		}
		ent := remote.Clone()
		ent.Status = StatusSynced
		return false, e.store.Put(ctx, ent)

	default:
		// Local has unconfirmed edits.
		if echoed && echoAt == remote.UpdatedAt {
			pending, err := e.hasQueuedActions(ctx, remote.ID, "")
			if err != nil {
				return false, err
			}
			if !pending && local.Status == StatusPending {
				if remote.Deleted {
					return false, e.store.Purge(ctx, remote.ID)
				}
				ent := remote.Clone()
				ent.Status = StatusSynced
				return false, e.store.Put(ctx, ent)
			}
			return false, nil
		}
		return true, e.recordConflict(ctx, local, remote)
	}
}

// hasQueuedActions reports whether the entity has actions awaiting
// transmission, ignoring excludeID (the action a caller is in the middle of
// confirming).
func (e *Engine) hasQueuedActions(ctx context.Context, entityID, excludeID string) (bool, error) {
	actions, err := e.store.ListActions(ctx)
	if err != nil {
		return false, err
	}
	for _, a := range actions {
		if a.EntityID == entityID && a.ID != excludeID {
			return true, nil
		}
	}
	return false, nil
}

// recordConflict marks the entity conflicted and records or refreshes its
// conflict record. One entity carries at most one open conflict; a repeat
// detection updates the remote side in place without a second event.
func (e *Engine) recordConflict(ctx context.Context, local, remote *Entity) error {
	existing, err := e.store.ListConflicts(ctx)
	if err != nil {
		return err
	}
	for _, c := range existing {
		if c.EntityID == local.ID {
			c.Remote = remote.Clone()
			c.Local = local.Clone()
			return e.store.PutConflict(ctx, c)
		}
	}

	c := &ConflictRecord{
		ID:         uuid.NewString(),
		EntityID:   local.ID,
		Local:      local.Clone(),
		Remote:     remote.Clone(),
		DetectedAt: time.Now().UnixNano(),
	}
	if err := e.store.PutConflict(ctx, c); err != nil {
		return err
	}

	local.Status = StatusConflict
	if err := e.store.Put(ctx, local); err != nil {
		return err
	}

	e.logger.Info("conflict detected", "entity_id", local.ID, "conflict_id", c.ID)
	e.bus.emit(Event{
		Type:      EventConflict,
		Timestamp: time.Now().UnixNano(),
		Conflict:  c,
	})
	return nil
}

// ResolveConflict applies a resolution strategy to a recorded conflict. The
// conflict record is destroyed; client-wins and merge resolutions re-enter
// the normal write path so the resolved state is pushed on the next sync.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, strategy ResolutionStrategy) (*Entity, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	c, err := e.store.GetConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}

	resolved, needsPush, err := e.resolver.Resolve(c, strategy)
	if err != nil {
		return nil, err
	}

	if !needsPush {
		// Server wins: adopt the remote state outright and drop the stale
		// queued actions that lost.
		actions, err := e.store.ListActions(ctx)
		if err != nil {
			return nil, err
		}
		for _, a := range actions {
			if a.EntityID == c.EntityID {
				if err := e.store.RemoveAction(ctx, a.ID); err != nil {
					return nil, err
				}
			}
		}
		if resolved.Deleted {
			if err := e.store.Purge(ctx, c.EntityID); err != nil {
				return nil, err
			}
		} else if err := e.store.Put(ctx, resolved); err != nil {
			return nil, err
		}
		return resolved.Clone(), e.store.DeleteConflict(ctx, conflictID)
	}

	if resolved.Deleted {
		if _, err := e.queue.Enqueue(ctx, c.EntityID, ActionDelete, DeletePayload{}); err != nil {
			return nil, err
		}
	} else {
		if _, err := e.queue.Enqueue(ctx, c.EntityID, ActionUpdate, UpdatePayload{Fields: resolved.Fields}); err != nil {
			return nil, err
		}
	}
	resolved.UpdatedAt = time.Now().UnixNano()
	if err := e.store.Put(ctx, resolved); err != nil {
		return nil, err
	}
	return resolved.Clone(), e.store.DeleteConflict(ctx, conflictID)
}

// RegisterMerge installs a merge function for entities of the given kind,
// used by the merge resolution strategy.
func (e *Engine) RegisterMerge(kind string, fn MergeFunc) {
	e.resolver.RegisterMerge(kind, fn)
}

// Conflicts returns all unresolved conflicts.
func (e *Engine) Conflicts(ctx context.Context) ([]*ConflictRecord, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.store.ListConflicts(ctx)
}

// DeadLetters returns terminally failed actions.
func (e *Engine) DeadLetters(ctx context.Context) ([]*DeadLetter, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	return e.store.ListDeadLetters(ctx)
}

// Requeue re-enqueues a dead-lettered action with a fresh retry budget and
// restores its entity to pending.
func (e *Engine) Requeue(ctx context.Context, actionID string) (*QueuedAction, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	a, err := e.queue.Requeue(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if ent, gerr := e.store.Get(ctx, a.EntityID); gerr == nil && ent.Status == StatusFailed {
		ent.Status = StatusPending
		if perr := e.store.Put(ctx, ent); perr != nil {
			return nil, perr
		}
	}
	return a, nil
}

// Subscribe registers for engine events. With no types, all events are
// delivered.
func (e *Engine) Subscribe(types ...EventType) *Subscription {
	return e.bus.subscribe(types...)
}

// Stats returns a snapshot of engine state.
func (e *Engine) Stats(ctx context.Context) (EngineStats, error) {
	if err := e.checkOpen(); err != nil {
		return EngineStats{}, err
	}
	var s EngineStats

	depth, err := e.queue.Len(ctx)
	if err != nil {
		return s, err
	}
	s.QueueDepth = depth

	pending, err := e.store.ListPending(ctx)
	if err != nil {
		return s, err
	}
	s.PendingCount = len(pending)

	conflicts, err := e.store.ListConflicts(ctx)
	if err != nil {
		return s, err
	}
	s.Conflicts = len(conflicts)

	letters, err := e.store.ListDeadLetters(ctx)
	if err != nil {
		return s, err
	}
	s.DeadLetters = len(letters)

	cp, err := e.store.Checkpoint(ctx)
	if err != nil {
		return s, err
	}
	s.Checkpoint = cp
	s.BreakerState = e.breaker.State()
	s.Online = e.monitor == nil || e.monitor.IsConnected()

	e.stateMu.Lock()
	s.LastSyncAt = e.lastSyncAt
	e.stateMu.Unlock()
	return s, nil
}

// Start launches the background sync loop: periodic passes on
// AutoSyncInterval plus immediate passes on connectivity restoration.
func (e *Engine) Start() {
	e.stateMu.Lock()
	if e.running || e.closed {
		e.stateMu.Unlock()
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	stop := e.stopCh
	e.stateMu.Unlock()

	e.wg.Add(1)
	go e.runLoop(stop)
}

// Stop terminates the background sync loop. In-flight passes finish.
func (e *Engine) Stop() {
	e.stateMu.Lock()
	if !e.running {
		e.stateMu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.stateMu.Unlock()
	e.wg.Wait()
}

// Close stops the loop, closes subscriptions, and releases the store.
func (e *Engine) Close() error {
	e.Stop()
	e.stateMu.Lock()
	if e.closed {
		e.stateMu.Unlock()
		return nil
	}
	e.closed = true
	e.stateMu.Unlock()

	e.bus.closeAll()
	return e.store.Close()
}

func (e *Engine) runLoop(stop chan struct{}) {
	defer e.wg.Done()

	var tick <-chan time.Time
	if e.cfg.AutoSyncInterval > 0 {
		t := time.NewTicker(e.cfg.AutoSyncInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-stop:
			return
		case <-tick:
		case <-e.syncCh:
		}

		ctx := context.Background()
		if _, err := e.Sync(ctx); err != nil && err != ErrOffline {
			e.logger.Warn("background sync failed", "error", err)
		}
	}
}

// requestSync nudges the background loop without blocking.
func (e *Engine) requestSync() {
	select {
	case e.syncCh <- struct{}{}:
	default:
	}
}

func (e *Engine) finishSync(res *SyncResult, start time.Time, err error) {
	res.Duration = time.Since(start)

	e.stateMu.Lock()
	e.lastSyncAt = time.Now().UnixNano()
	e.stateMu.Unlock()

	if err != nil {
		e.logger.Warn("sync pass failed",
			"pushed", res.Pushed, "retried", res.Retried,
			"dead_lettered", res.DeadLettered, "error", err)
	} else {
		e.logger.Info("sync pass complete",
			"pushed", res.Pushed, "pulled", res.Pulled,
			"conflicts", res.Conflicts, "cursor", int64(res.Cursor),
			"duration", res.Duration)
	}

	e.bus.emit(Event{
		Type:      EventSyncComplete,
		Timestamp: time.Now().UnixNano(),
		Result:    res,
		Err:       err,
	})
}

func (e *Engine) checkOpen() error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}
