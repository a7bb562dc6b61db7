// Package lockstate provides the durable record of lock and version state per
// resource working copy.
//
// The store is the source of truth across process restarts: who holds the edit
// lock for a (tenant, resource, db) key, which real-time connection is allowed
// to submit changes, how many change batches the working copy has absorbed
// (server_version), and how much of that is already in durable storage
// (durable_version). The invariant durable_version <= server_version holds at
// every observable instant.
package lockstate

import (
	"errors"
	"time"

	"github.com/framepoint/annosync/internal/resource"
)

// LockType describes who, if anyone, owns exclusive access to a working copy.
type LockType string

const (
	// LockNone means the working copy is unlocked.
	LockNone LockType = "none"

	// LockClient means an interactive editing session owns the lock.
	LockClient LockType = "client"

	// LockServer means an automated job owns the lock; real-time edits are
	// rejected while it is held.
	LockServer LockType = "server"
)

var (
	// ErrLockHeld is returned when acquisition is denied because another
	// holder owns the lock.
	ErrLockHeld = errors.New("lock held by another user")

	// ErrNotHolder is returned when a caller tries to release or mutate a
	// lock it does not hold.
	ErrNotHolder = errors.New("caller does not hold the lock")
)

// State is the persisted lock/version record for one resource key.
type State struct {
	Key resource.Key

	// ServerVersion counts successfully applied change batches.
	ServerVersion int64

	// DurableVersion is the last version confirmed persisted to durable
	// storage. Always <= ServerVersion.
	DurableVersion int64

	// HolderUserID is the identity holding the lock, empty when unlocked.
	HolderUserID string

	LockType LockType

	// ActiveConnectionID is the one registry connection authorized to
	// submit changes, empty when unlocked.
	ActiveConnectionID string

	LockedAt       *time.Time
	LastActivityAt *time.Time
	LastUploadAt   *time.Time
}

// Unsaved reports whether the working copy holds changes not yet persisted.
func (s *State) Unsaved() bool {
	return s.ServerVersion > s.DurableVersion
}

// AcquireResult reports the outcome of a lock acquisition attempt.
type AcquireResult struct {
	Granted bool

	// PreviousConnectionID is set when the same user re-acquired a lock it
	// already held (reconnect from a new tab). The caller must trigger a
	// session transfer on that connection; the store has already recorded
	// the new connection as active.
	PreviousConnectionID string

	// Holder and LockedAt describe the current owner when denied.
	Holder   string
	LockedAt *time.Time

	State *State
}

// Store is the durable lock/version state per resource key.
//
// Implementations must serialize mutations per key: the protocol layer already
// guarantees at most one writer per key, but the store defends against retries
// and duplicate connections on its own.
type Store interface {
	// GetState returns the record for key, or nil if the resource has never
	// been touched.
	GetState(key resource.Key) (*State, error)

	// Acquire attempts to take the client lock for userID, registering
	// connectionID as the active connection. A user that already holds the
	// lock re-acquires successfully; the result carries the superseded
	// connection id so the caller can transfer the old session.
	Acquire(key resource.Key, userID, connectionID string) (*AcquireResult, error)

	// AcquireServer takes the server lock for an automated job. Jobs never
	// preempt interactive sessions: acquisition fails while a client lock
	// is held, and client acquisition fails while a job holds the lock.
	AcquireServer(key resource.Key, jobID string) (*AcquireResult, error)

	// Release clears the lock if userID is the current holder. Returns
	// false (and leaves state unchanged) otherwise.
	Release(key resource.Key, userID string) (bool, error)

	// IncrementServerVersion atomically bumps the version counter and
	// refreshes last_activity_at, returning the new version.
	IncrementServerVersion(key resource.Key) (int64, error)

	// TouchActivity refreshes last_activity_at without changing versions.
	TouchActivity(key resource.Key) error

	// ReleaseStaleLocks force-releases every lock whose last activity is
	// older than threshold, returning the released records.
	ReleaseStaleLocks(threshold time.Duration) ([]State, error)

	// GetPendingUploads returns keys with unsaved changes that are either
	// idle for at least idleThreshold or past the periodic checkpoint
	// interval since their last upload.
	GetPendingUploads(idleThreshold, checkpointThreshold time.Duration) ([]resource.Key, error)

	// GetAllUnsaved returns every record with server_version > durable_version.
	// Used by the shutdown flush and the startup recovery check.
	GetAllUnsaved() ([]State, error)

	// RecordUpload marks version as durably persisted and stamps
	// last_upload_at. version must not exceed the current server_version.
	RecordUpload(key resource.Key, version int64) error

	// Close releases the underlying storage.
	Close() error
}
