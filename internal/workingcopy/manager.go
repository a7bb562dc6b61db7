// Package workingcopy manages the local, mutable materialization of each
// resource database while it is being edited.
//
// Working copies are SQLite files laid out under a single root directory as
// <root>/<tenant>/<resource>/<db>.sqlite. The manager hands out cached handles
// to the protocol layer and closes everything on shutdown. The persistence
// scheduler only ever reads the files for upload; it never mutates them.
package workingcopy

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/framepoint/annosync/internal/resource"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNoWorkingCopy is returned when a resource has not been materialized
// locally yet.
var ErrNoWorkingCopy = errors.New("working copy not materialized")

// Manager owns the working-copy files under root.
type Manager struct {
	root string

	mu      sync.Mutex
	handles map[resource.Key]*sql.DB
}

// NewManager creates a manager rooted at dir, creating it if needed.
func NewManager(dir string) (*Manager, error) {
	if dir == "" {
		return nil, fmt.Errorf("working copy root cannot be empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create working copy root: %w", err)
	}
	return &Manager{
		root:    dir,
		handles: make(map[resource.Key]*sql.DB),
	}, nil
}

// Path returns the on-disk location of the working copy for key.
func (m *Manager) Path(key resource.Key) string {
	return filepath.Join(m.root, key.TenantID, key.ResourceID, string(key.DB)+".sqlite")
}

// Has reports whether a working copy for key exists on disk.
func (m *Manager) Has(key resource.Key) bool {
	_, err := os.Stat(m.Path(key))
	return err == nil
}

// Materialize creates an empty working copy for key if none exists and
// returns its path. Called after a durable-store download, or for a brand new
// resource database.
func (m *Manager) Materialize(key resource.Key) (string, error) {
	path := m.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create working copy directory for %s: %w", key, err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return "", fmt.Errorf("failed to create working copy for %s: %w", key, err)
	}
	// Ping forces the file into existence.
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("failed to initialize working copy for %s: %w", key, err)
	}
	if err := conn.Close(); err != nil {
		return "", fmt.Errorf("failed to close new working copy for %s: %w", key, err)
	}
	return path, nil
}

// Open returns a cached handle to the working copy for key.
//
// Returns ErrNoWorkingCopy if the file has not been materialized.
func (m *Manager) Open(key resource.Key) (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if conn, ok := m.handles[key]; ok {
		return conn, nil
	}
	if !m.Has(key) {
		return nil, fmt.Errorf("open %s: %w", key, ErrNoWorkingCopy)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", m.Path(key)))
	if err != nil {
		return nil, fmt.Errorf("failed to open working copy for %s: %w", key, err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping working copy for %s: %w", key, err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to enable WAL on working copy for %s: %w", key, err)
	}

	m.handles[key] = conn
	return conn, nil
}

// Close closes the cached handle for key, if any. The on-disk file stays.
func (m *Manager) Close(key resource.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.handles[key]
	if !ok {
		return nil
	}
	delete(m.handles, key)

	// Checkpoint so the upload sees a complete main database file.
	if _, err := conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint working copy %s: %v\n", key, err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("failed to close working copy for %s: %w", key, err)
	}
	return nil
}

// Checkpoint flushes the WAL of the cached handle for key so the main file on
// disk reflects all applied changes. No-op when no handle is open.
func (m *Manager) Checkpoint(key resource.Key) error {
	m.mu.Lock()
	conn, ok := m.handles[key]
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if _, err := conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint working copy for %s: %w", key, err)
	}
	return nil
}

// CloseAll closes every cached handle. Called on shutdown after the final
// flush.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	keys := make([]resource.Key, 0, len(m.handles))
	for k := range m.handles {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	var firstErr error
	for _, k := range keys {
		if err := m.Close(k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
