// Package driftsync provides an embedded offline-first synchronization engine
// for applications that mutate records while disconnected and reconcile them
// with a remote source of truth later.
//
// Local writes go through the engine, which persists the entity and appends a
// durable action to a per-entity ordered queue. When connectivity returns (or
// on an explicit call), the engine drains the queue to the remote, pulls the
// remote change feed from its last checkpoint, and merges the results,
// surfacing any disagreement between local pending edits and independent
// remote edits as conflicts for explicit resolution.
//
// # Basic Usage
//
// Open an engine backed by a SQLite store:
//
//	store, err := driftsync.OpenSQLiteStore(driftsync.DefaultSQLiteConfig("app.db"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine, err := driftsync.NewEngine(store, gateway, driftsync.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Close()
//
// Mutate records while offline:
//
//	_, err = engine.Update(ctx, "note-42", map[string]any{"title": "groceries"})
//
// Reconcile when a connection is available:
//
//	result, err := engine.Sync(ctx)
//	// result.Pushed, result.Pulled, result.Conflicts
//
// # Guarantees
//
//   - Actions for the same entity are transmitted strictly in enqueue order;
//     actions for different entities drain concurrently.
//   - Pending actions survive process restart with their attempt counts.
//   - The sync checkpoint never regresses, even after a failed sync.
//   - Retried pushes carry a stable idempotency key so the remote can
//     deduplicate replays after a crash between transmission and local removal.
//   - Conflicts and exhausted retries become queryable state, never silent
//     overwrites or surprise errors.
//
// # Configuration
//
// Use [Config] to customize behavior, or [DefaultConfig] for sensible
// defaults. Configuration can also be loaded from YAML via [LoadConfig].
package driftsync
