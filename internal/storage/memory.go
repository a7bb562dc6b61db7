package storage

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/framepoint/annosync/internal/resource"
)

// MemoryStore keeps uploaded objects in memory. Used in tests and for running
// the coordinator locally without cloud credentials.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	// FailUploads, when set, makes every Upload return an error. Lets tests
	// exercise the scheduler's failure isolation.
	FailUploads bool

	uploads int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Upload reads the local file and keeps its contents in memory.
func (m *MemoryStore) Upload(ctx context.Context, key resource.Key, localPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailUploads {
		return fmt.Errorf("upload %s: store unavailable", key)
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read %s for upload: %w", localPath, err)
	}
	m.objects[objectKey(key)] = data
	m.uploads++
	return nil
}

// Download writes the stored contents for key to localPath.
func (m *MemoryStore) Download(ctx context.Context, key resource.Key, localPath string) error {
	m.mu.Lock()
	data, ok := m.objects[objectKey(key)]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("download %s: %w", key, ErrNotFound)
	}
	if err := os.WriteFile(localPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", localPath, err)
	}
	return nil
}

// Exists reports whether an object was uploaded for key.
func (m *MemoryStore) Exists(ctx context.Context, key resource.Key) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[objectKey(key)]
	return ok, nil
}

// UploadCount returns how many uploads succeeded.
func (m *MemoryStore) UploadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uploads
}
