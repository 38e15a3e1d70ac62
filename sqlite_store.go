package driftsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang/snappy"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteConfig configures the SQLite durable store.
type SQLiteConfig struct {
	// Path to the SQLite database file.
	Path string

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA).
	Synchronous string

	// BusyTimeout is the timeout for acquiring locks in milliseconds.
	BusyTimeout int

	// CompressPayloads enables snappy compression of persisted blobs.
	CompressPayloads bool

	// Encryption configures encryption at rest. Nil disables it.
	Encryption *EncryptionConfig

	// Logger receives corrupt-entry and maintenance notices. Nil is silent.
	Logger *slog.Logger
}

// DefaultSQLiteConfig returns default configuration for the given path.
func DefaultSQLiteConfig(path string) SQLiteConfig {
	return SQLiteConfig{
		Path:             path,
		JournalMode:      "WAL",
		Synchronous:      "NORMAL",
		BusyTimeout:      5000,
		CompressPayloads: true,
	}
}

// SQLiteStore implements DurableStore on a single SQLite file, so entities,
// the action queue, conflicts, dead letters, and the checkpoint share one
// crash-safe transaction domain.
type SQLiteStore struct {
	db     *sql.DB
	config SQLiteConfig
	cipher *payloadCipher
	logger *slog.Logger
	mu     sync.RWMutex
	closed bool

	getEntity    *sql.Stmt
	putEntity    *sql.Stmt
	purgeEntity  *sql.Stmt
	appendAction *sql.Stmt
	updateAction *sql.Stmt
	removeAction *sql.Stmt
}

// OpenSQLiteStore opens (or creates) a SQLite-backed durable store.
func OpenSQLiteStore(config SQLiteConfig) (*SQLiteStore, error) {
	if config.Path == "" {
		config.Path = "driftsync.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeUnknown, "open database", config.Path, err)
	}

	cipher, err := newPayloadCipher(config.Encryption)
	if err != nil {
		db.Close()
		return nil, newStorageError(StorageErrorTypeUnknown, "init encryption", config.Path, err)
	}

	s := &SQLiteStore{
		db:     db,
		config: config,
		cipher: cipher,
		logger: config.Logger,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, newStorageError(StorageErrorTypeWrite, "initialize schema", config.Path, err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, newStorageError(StorageErrorTypeUnknown, "prepare statements", config.Path, err)
	}
	return s, nil
}

var _ DurableStore = (*SQLiteStore)(nil)

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL DEFAULT '',
			fields BLOB,
			updated_at INTEGER NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS actions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			entity_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload BLOB,
			idempotency_key TEXT NOT NULL,
			enqueued_at INTEGER NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			next_attempt_at INTEGER NOT NULL DEFAULT 0,
			last_error TEXT
		);

		CREATE TABLE IF NOT EXISTS dead_letters (
			action_id TEXT PRIMARY KEY,
			action BLOB NOT NULL,
			reason TEXT NOT NULL,
			failed_at INTEGER NOT NULL,
			last_error TEXT
		);

		CREATE TABLE IF NOT EXISTS conflicts (
			id TEXT PRIMARY KEY,
			entity_id TEXT NOT NULL,
			local BLOB NOT NULL,
			remote BLOB NOT NULL,
			detected_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS checkpoint (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			cursor INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_entities_status ON entities(status);
		CREATE INDEX IF NOT EXISTS idx_actions_entity ON actions(entity_id, seq);
		CREATE INDEX IF NOT EXISTS idx_conflicts_entity ON conflicts(entity_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error
	if s.getEntity, err = s.db.Prepare(`SELECT kind, fields, updated_at, deleted, status FROM entities WHERE id = ?`); err != nil {
		return err
	}
	if s.putEntity, err = s.db.Prepare(`
		INSERT OR REPLACE INTO entities (id, kind, fields, updated_at, deleted, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`); err != nil {
		return err
	}
	if s.purgeEntity, err = s.db.Prepare(`DELETE FROM entities WHERE id = ?`); err != nil {
		return err
	}
	if s.appendAction, err = s.db.Prepare(`
		INSERT INTO actions (id, entity_id, kind, payload, idempotency_key, enqueued_at, attempt_count, next_attempt_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`); err != nil {
		return err
	}
	if s.updateAction, err = s.db.Prepare(`
		UPDATE actions SET attempt_count = ?, next_attempt_at = ?, last_error = ? WHERE id = ?
	`); err != nil {
		return err
	}
	if s.removeAction, err = s.db.Prepare(`DELETE FROM actions WHERE id = ?`); err != nil {
		return err
	}
	return nil
}

// encode applies snappy compression and encryption per configuration. The
// first byte records whether the blob is compressed so decode stays correct
// if the setting changes between runs.
func (s *SQLiteStore) encode(data []byte) ([]byte, error) {
	var out []byte
	if s.config.CompressPayloads {
		out = append([]byte{1}, snappy.Encode(nil, data)...)
	} else {
		out = append([]byte{0}, data...)
	}
	if s.cipher != nil {
		return s.cipher.seal(out)
	}
	return out, nil
}

func (s *SQLiteStore) decode(data []byte) ([]byte, error) {
	if s.cipher != nil {
		var err error
		if data, err = s.cipher.open(data); err != nil {
			return nil, err
		}
	}
	if len(data) == 0 {
		return nil, nil
	}
	switch data[0] {
	case 1:
		return snappy.Decode(nil, data[1:])
	default:
		return data[1:], nil
	}
}

func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Entity, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}

	var kind string
	var blob []byte
	var updatedAt int64
	var deleted int
	var status string
	err := s.getEntity.QueryRowContext(ctx, id).Scan(&kind, &blob, &updatedAt, &deleted, &status)
	if err == sql.ErrNoRows {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "read entity", id, err)
	}

	e := &Entity{ID: id, Kind: kind, UpdatedAt: updatedAt, Deleted: deleted != 0, Status: SyncStatus(status)}
	if len(blob) > 0 {
		raw, err := s.decode(blob)
		if err != nil {
			return nil, newStorageError(StorageErrorTypeCorruption, "decode entity fields", id, err)
		}
		if err := json.Unmarshal(raw, &e.Fields); err != nil {
			return nil, newStorageError(StorageErrorTypeCorruption, "unmarshal entity fields", id, err)
		}
	}
	return e, nil
}

func (s *SQLiteStore) Put(ctx context.Context, e *Entity) error {
	if err := s.guard(); err != nil {
		return err
	}

	var blob []byte
	if e.Fields != nil {
		raw, err := json.Marshal(e.Fields)
		if err != nil {
			return newStorageError(StorageErrorTypeWrite, "marshal entity fields", e.ID, err)
		}
		if blob, err = s.encode(raw); err != nil {
			return newStorageError(StorageErrorTypeWrite, "encode entity fields", e.ID, err)
		}
	}

	deleted := 0
	if e.Deleted {
		deleted = 1
	}
	if _, err := s.putEntity.ExecContext(ctx, e.ID, e.Kind, blob, e.UpdatedAt, deleted, string(e.Status)); err != nil {
		return newStorageError(StorageErrorTypeWrite, "write entity", e.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE entities SET deleted = 1 WHERE id = ?`, id)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "tombstone entity", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEntityNotFound
	}
	return nil
}

func (s *SQLiteStore) Purge(ctx context.Context, id string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if _, err := s.purgeEntity.ExecContext(ctx, id); err != nil {
		return newStorageError(StorageErrorTypeWrite, "purge entity", id, err)
	}
	return nil
}

func (s *SQLiteStore) ListPending(ctx context.Context) ([]*Entity, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, fields, updated_at, deleted, status FROM entities
		WHERE status IN ('pending', 'conflict', 'failed') ORDER BY id
	`)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "list pending entities", "", err)
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		var e Entity
		var blob []byte
		var deleted int
		var status string
		if err := rows.Scan(&e.ID, &e.Kind, &blob, &e.UpdatedAt, &deleted, &status); err != nil {
			return nil, newStorageError(StorageErrorTypeRead, "scan entity", "", err)
		}
		e.Deleted = deleted != 0
		e.Status = SyncStatus(status)
		if len(blob) > 0 {
			raw, err := s.decode(blob)
			if err == nil {
				err = json.Unmarshal(raw, &e.Fields)
			}
			if err != nil {
				return nil, newStorageError(StorageErrorTypeCorruption, "decode entity fields", e.ID, err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendAction(ctx context.Context, a *QueuedAction) error {
	if err := s.guard(); err != nil {
		return err
	}
	payload, err := s.encode(a.Payload)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "encode action payload", a.ID, err)
	}
	_, err = s.appendAction.ExecContext(ctx, a.ID, a.EntityID, string(a.Kind), payload,
		a.IdempotencyKey, a.EnqueuedAt, a.AttemptCount, a.NextAttemptAt, a.LastError)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "append action", a.ID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateAction(ctx context.Context, a *QueuedAction) error {
	if err := s.guard(); err != nil {
		return err
	}
	if _, err := s.updateAction.ExecContext(ctx, a.AttemptCount, a.NextAttemptAt, a.LastError, a.ID); err != nil {
		return newStorageError(StorageErrorTypeWrite, "update action", a.ID, err)
	}
	return nil
}

func (s *SQLiteStore) RemoveAction(ctx context.Context, id string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if _, err := s.removeAction.ExecContext(ctx, id); err != nil {
		return newStorageError(StorageErrorTypeWrite, "remove action", id, err)
	}
	return nil
}

// ListActions returns all queued actions in enqueue order. Rows whose payload
// can no longer be decoded are moved to the dead-letter table and logged so a
// single corrupt entry cannot block processing of other entities.
func (s *SQLiteStore) ListActions(ctx context.Context) ([]*QueuedAction, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, kind, payload, idempotency_key, enqueued_at, attempt_count, next_attempt_at, last_error
		FROM actions ORDER BY seq
	`)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "list actions", "", err)
	}
	defer rows.Close()

	var out []*QueuedAction
	var corrupt []*QueuedAction
	for rows.Next() {
		var a QueuedAction
		var kind string
		var payload []byte
		var lastErr sql.NullString
		if err := rows.Scan(&a.ID, &a.EntityID, &kind, &payload, &a.IdempotencyKey,
			&a.EnqueuedAt, &a.AttemptCount, &a.NextAttemptAt, &lastErr); err != nil {
			return nil, newStorageError(StorageErrorTypeRead, "scan action", "", err)
		}
		a.Kind = ActionKind(kind)
		a.LastError = lastErr.String

		raw, err := s.decode(payload)
		if err != nil {
			corrupt = append(corrupt, &a)
			continue
		}
		a.Payload = raw
		if _, err := a.DecodePayload(); err != nil {
			corrupt = append(corrupt, &a)
			continue
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "list actions", "", err)
	}

	for _, a := range corrupt {
		s.deadLetterCorrupt(ctx, a)
	}
	return out, nil
}

// deadLetterCorrupt moves an undecodable action out of the active queue.
func (s *SQLiteStore) deadLetterCorrupt(ctx context.Context, a *QueuedAction) {
	if s.logger != nil {
		s.logger.Warn("skipping corrupt queue entry",
			"action_id", a.ID, "entity_id", a.EntityID)
	}
	d := &DeadLetter{
		Action:    *a,
		Reason:    "corrupt",
		FailedAt:  time.Now().UnixNano(),
		LastError: fmt.Sprintf("%s: %d undecodable payload bytes dropped", ErrCorruptQueueEntry.Error(), len(a.Payload)),
	}
	// The payload is not valid JSON, so it cannot ride along as a
	// json.RawMessage; the dead letter records its size instead.
	d.Action.Payload = nil
	if err := s.PutDeadLetter(ctx, d); err != nil {
		if s.logger != nil {
			s.logger.Error("record corrupt queue entry", "action_id", a.ID, "error", err)
		}
		return
	}
	_ = s.RemoveAction(ctx, a.ID)
}

func (s *SQLiteStore) PutDeadLetter(ctx context.Context, d *DeadLetter) error {
	if err := s.guard(); err != nil {
		return err
	}
	raw, err := json.Marshal(d.Action)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "marshal dead letter", d.Action.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO dead_letters (action_id, action, reason, failed_at, last_error)
		VALUES (?, ?, ?, ?, ?)
	`, d.Action.ID, raw, d.Reason, d.FailedAt, d.LastError)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "write dead letter", d.Action.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context) ([]*DeadLetter, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT action, reason, failed_at, last_error FROM dead_letters ORDER BY failed_at
	`)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "list dead letters", "", err)
	}
	defer rows.Close()

	var out []*DeadLetter
	for rows.Next() {
		var d DeadLetter
		var raw []byte
		var lastErr sql.NullString
		if err := rows.Scan(&raw, &d.Reason, &d.FailedAt, &lastErr); err != nil {
			return nil, newStorageError(StorageErrorTypeRead, "scan dead letter", "", err)
		}
		d.LastError = lastErr.String
		if err := json.Unmarshal(raw, &d.Action); err != nil {
			return nil, newStorageError(StorageErrorTypeCorruption, "unmarshal dead letter", "", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutConflict(ctx context.Context, c *ConflictRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	local, err := json.Marshal(c.Local)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "marshal conflict local", c.ID, err)
	}
	remote, err := json.Marshal(c.Remote)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "marshal conflict remote", c.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO conflicts (id, entity_id, local, remote, detected_at)
		VALUES (?, ?, ?, ?, ?)
	`, c.ID, c.EntityID, local, remote, c.DetectedAt)
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "write conflict", c.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var c ConflictRecord
	var local, remote []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, entity_id, local, remote, detected_at FROM conflicts WHERE id = ?
	`, id).Scan(&c.ID, &c.EntityID, &local, &remote, &c.DetectedAt)
	if err == sql.ErrNoRows {
		return nil, ErrConflictNotFound
	}
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "read conflict", id, err)
	}
	if err := json.Unmarshal(local, &c.Local); err != nil {
		return nil, newStorageError(StorageErrorTypeCorruption, "unmarshal conflict local", id, err)
	}
	if err := json.Unmarshal(remote, &c.Remote); err != nil {
		return nil, newStorageError(StorageErrorTypeCorruption, "unmarshal conflict remote", id, err)
	}
	return &c, nil
}

func (s *SQLiteStore) DeleteConflict(ctx context.Context, id string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conflicts WHERE id = ?`, id); err != nil {
		return newStorageError(StorageErrorTypeWrite, "delete conflict", id, err)
	}
	return nil
}

func (s *SQLiteStore) ListConflicts(ctx context.Context) ([]*ConflictRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, local, remote, detected_at FROM conflicts ORDER BY detected_at
	`)
	if err != nil {
		return nil, newStorageError(StorageErrorTypeRead, "list conflicts", "", err)
	}
	defer rows.Close()

	var out []*ConflictRecord
	for rows.Next() {
		var c ConflictRecord
		var local, remote []byte
		if err := rows.Scan(&c.ID, &c.EntityID, &local, &remote, &c.DetectedAt); err != nil {
			return nil, newStorageError(StorageErrorTypeRead, "scan conflict", "", err)
		}
		if err := json.Unmarshal(local, &c.Local); err != nil {
			return nil, newStorageError(StorageErrorTypeCorruption, "unmarshal conflict local", c.ID, err)
		}
		if err := json.Unmarshal(remote, &c.Remote); err != nil {
			return nil, newStorageError(StorageErrorTypeCorruption, "unmarshal conflict remote", c.ID, err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Checkpoint(ctx context.Context) (Cursor, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	var cursor int64
	err := s.db.QueryRowContext(ctx, `SELECT cursor FROM checkpoint WHERE id = 1`).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, newStorageError(StorageErrorTypeRead, "read checkpoint", "", err)
	}
	return Cursor(cursor), nil
}

// SetCheckpoint commits a new cursor. The MAX() guard makes regression
// impossible at the storage layer regardless of caller behavior.
func (s *SQLiteStore) SetCheckpoint(ctx context.Context, c Cursor) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoint (id, cursor) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET cursor = MAX(cursor, excluded.cursor)
	`, int64(c))
	if err != nil {
		return newStorageError(StorageErrorTypeWrite, "write checkpoint", "", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for _, stmt := range []*sql.Stmt{s.getEntity, s.putEntity, s.purgeEntity, s.appendAction, s.updateAction, s.removeAction} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}
