// Package registry tracks the live real-time connections, one per locked
// working copy.
//
// The registry owns every SyncSession: sessions are created on connect,
// destroyed on disconnect, and handed over during a session transfer when the
// lock holder reconnects from a new tab. At most one session exists per
// resource key at any time.
package registry

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/framepoint/annosync/internal/resource"
	"github.com/google/uuid"
)

// ErrUserMismatch is returned when a connection tries to supersede a session
// belonging to a different user. The lock store should have prevented this, so
// the caller must treat it as fatal to the new connection.
var ErrUserMismatch = errors.New("existing session belongs to a different user")

// Session is the in-memory context bound to one live connection.
type Session struct {
	ConnectionID string
	Key          resource.Key
	UserID       string
	ConnectedAt  time.Time

	mu             sync.Mutex
	lastActivityAt time.Time

	notifier Notifier
}

// Notifier delivers out-of-band messages to a session's connection. The
// websocket layer implements it; tests substitute a recorder.
type Notifier interface {
	// NotifyTransferred tells the connection its session was taken over by
	// a newer connection from the same user. The old connection is expected
	// to close itself.
	NotifyTransferred(connectionID string)

	// NotifyLockChanged tells the connection the lock state changed
	// underneath it (e.g. a stale-lock force release).
	NotifyLockChanged(connectionID string, lockType, message string)
}

// Touch refreshes the session's activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivityAt = time.Now()
	s.mu.Unlock()
}

// LastActivityAt returns the time of the session's most recent message.
func (s *Session) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// Registry is the in-memory map of active connections. A single instance is
// constructed at process start and shared by the protocol handler, the HTTP
// surface, and the persistence scheduler.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]*Session
	byKey  map[resource.Key]*Session
	logger *log.Logger
}

// New creates an empty registry.
func New(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		byConn: make(map[string]*Session),
		byKey:  make(map[resource.Key]*Session),
		logger: logger,
	}
}

// NewConnectionID issues a fresh opaque connection identifier. It is generated
// at lock-acquisition time, before the real-time channel opens, and bridges
// the lock handshake to the subsequent websocket connection.
func NewConnectionID() string {
	return uuid.NewString()
}

// Connect registers a new session for key.
//
// If a live session already exists for the key and belongs to the same user,
// that session is notified of the transfer and deregistered first. A live
// session from a different user is a consistency violation and the new
// connection is rejected with ErrUserMismatch.
func (r *Registry) Connect(connectionID string, key resource.Key, userID string, notifier Notifier) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byKey[key]; ok {
		if old.UserID != userID {
			return nil, fmt.Errorf("connect %s for %s: %w", connectionID, key, ErrUserMismatch)
		}

		r.logger.Printf("Transferring session for %s: %s -> %s", key, old.ConnectionID, connectionID)
		if old.notifier != nil {
			old.notifier.NotifyTransferred(old.ConnectionID)
		}
		delete(r.byConn, old.ConnectionID)
		delete(r.byKey, key)
	}

	now := time.Now()
	session := &Session{
		ConnectionID:   connectionID,
		Key:            key,
		UserID:         userID,
		ConnectedAt:    now,
		lastActivityAt: now,
		notifier:       notifier,
	}
	r.byConn[connectionID] = session
	r.byKey[key] = session

	r.logger.Printf("Session connected: %s for %s (user %s)", connectionID, key, userID)
	return session, nil
}

// Disconnect removes the session for connectionID.
//
// The reverse mapping is cleared only when this session is still the current
// one for its key; a late disconnect of a superseded session must never
// clobber the session that replaced it.
func (r *Registry) Disconnect(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.byConn[connectionID]
	if !ok {
		return
	}
	delete(r.byConn, connectionID)

	if current, ok := r.byKey[session.Key]; ok && current.ConnectionID == connectionID {
		delete(r.byKey, session.Key)
	}

	r.logger.Printf("Session disconnected: %s for %s", connectionID, session.Key)
}

// Get returns the session for connectionID, or nil.
func (r *Registry) Get(connectionID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byConn[connectionID]
}

// ActiveForKey returns the live session for key, or nil.
func (r *Registry) ActiveForKey(key resource.Key) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byKey[key]
}

// NotifyLockChanged pushes a lock_changed notification to the live session for
// key, if any. Used by the persistence scheduler after a stale-lock release so
// a lingering connection learns immediately.
func (r *Registry) NotifyLockChanged(key resource.Key, lockType, message string) {
	r.mu.RLock()
	session := r.byKey[key]
	r.mu.RUnlock()

	if session != nil && session.notifier != nil {
		session.notifier.NotifyLockChanged(session.ConnectionID, lockType, message)
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
