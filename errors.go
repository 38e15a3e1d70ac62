package driftsync

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the driftsync package.
var (
	// ErrClosed is returned when operations are attempted on a closed engine
	// or store.
	ErrClosed = errors.New("driftsync is closed")

	// ErrOffline is returned when a sync is requested while the network
	// monitor reports no connectivity.
	ErrOffline = errors.New("no network connectivity")

	// ErrTransientNetwork marks a transmission failure that will be retried
	// with backoff. It is not surfaced to callers until retries are exhausted.
	ErrTransientNetwork = errors.New("transient network failure")

	// ErrValidation marks a payload rejected by the remote or at the queue
	// boundary. Validation failures are never retried.
	ErrValidation = errors.New("validation failed")

	// ErrExhaustedRetries is the terminal state of an action whose retry
	// budget is spent. The entity is marked failed and the action is
	// dead-lettered.
	ErrExhaustedRetries = errors.New("retries exhausted")

	// ErrCorruptQueueEntry marks a malformed persisted action. Corrupt
	// entries are skipped and logged so they cannot block other entities.
	ErrCorruptQueueEntry = errors.New("corrupt queue entry")

	// ErrConflictNotFound is returned when resolving an unknown conflict ID.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrEntityNotFound is returned when an operation references an entity
	// the store does not hold.
	ErrEntityNotFound = errors.New("entity not found")
)

// SyncErrorType categorizes sync errors.
type SyncErrorType int

const (
	// SyncErrorTypeUnknown is an unclassified error.
	SyncErrorTypeUnknown SyncErrorType = iota
	// SyncErrorTypeTransient indicates a retryable transmission failure.
	SyncErrorTypeTransient
	// SyncErrorTypeValidation indicates a non-retryable rejected payload.
	SyncErrorTypeValidation
	// SyncErrorTypeExhausted indicates the retry budget is spent.
	SyncErrorTypeExhausted
	// SyncErrorTypeCorrupt indicates a malformed persisted queue entry.
	SyncErrorTypeCorrupt
)

// SyncError provides detailed information about synchronization failures.
type SyncError struct {
	Type     SyncErrorType
	Message  string
	ActionID string
	EntityID string
	Cause    error
}

func (e *SyncError) Error() string {
	msg := e.Message
	if e.EntityID != "" {
		msg = fmt.Sprintf("%s [entity %s]", msg, e.EntityID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is implements error matching for SyncError.
func (e *SyncError) Is(target error) bool {
	switch e.Type {
	case SyncErrorTypeTransient:
		return target == ErrTransientNetwork
	case SyncErrorTypeValidation:
		return target == ErrValidation
	case SyncErrorTypeExhausted:
		return target == ErrExhaustedRetries
	case SyncErrorTypeCorrupt:
		return target == ErrCorruptQueueEntry
	}
	return false
}

// newSyncError creates a new SyncError.
func newSyncError(errType SyncErrorType, message, actionID, entityID string, cause error) *SyncError {
	return &SyncError{
		Type:     errType,
		Message:  message,
		ActionID: actionID,
		EntityID: entityID,
		Cause:    cause,
	}
}

// StorageErrorType categorizes storage errors.
type StorageErrorType int

const (
	// StorageErrorTypeUnknown is an unclassified storage error.
	StorageErrorTypeUnknown StorageErrorType = iota
	// StorageErrorTypeRead indicates a read failure.
	StorageErrorTypeRead
	// StorageErrorTypeWrite indicates a write failure.
	StorageErrorTypeWrite
	// StorageErrorTypeCorruption indicates persisted data corruption.
	StorageErrorTypeCorruption
)

// StorageError provides detailed information about durable-store failures.
// Storage errors are fatal to the calling operation and are never retried by
// the store itself.
type StorageError struct {
	Type    StorageErrorType
	Message string
	Key     string
	Cause   error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s]: %v", e.Message, e.Key, e.Cause)
		}
		return fmt.Sprintf("%s [%s]", e.Message, e.Key)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StorageError) Unwrap() error {
	return e.Cause
}

// newStorageError creates a new StorageError.
func newStorageError(errType StorageErrorType, message, key string, cause error) *StorageError {
	return &StorageError{
		Type:    errType,
		Message: message,
		Key:     key,
		Cause:   cause,
	}
}

// IsTransient reports whether an error should enter the backoff path. Context
// cancellation and timeouts on network calls are treated identically to a
// transmission failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransientNetwork) {
		return true
	}
	if errors.Is(err, ErrValidation) {
		return false
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Type == SyncErrorTypeTransient
	}
	var sto *StorageError
	if errors.As(err, &sto) {
		return false
	}
	// Unclassified gateway errors default to retryable so flaky transports
	// are absorbed rather than surfaced.
	return true
}
