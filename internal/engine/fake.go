package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/framepoint/annosync/internal/resource"
)

// Fake is an in-memory Applier used in tests and local development. It counts
// versions per key and records every batch it is handed.
type Fake struct {
	mu       sync.Mutex
	versions map[resource.Key]int64
	batches  map[resource.Key][][]json.RawMessage

	// Err, when set, is returned by every Apply call.
	Err error
}

// NewFake creates an empty fake applier.
func NewFake() *Fake {
	return &Fake{
		versions: make(map[resource.Key]int64),
		batches:  make(map[resource.Key][][]json.RawMessage),
	}
}

// Apply records the batch and bumps the per-key version.
func (f *Fake) Apply(ctx context.Context, key resource.Key, changes []json.RawMessage) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return 0, f.Err
	}

	f.versions[key]++
	f.batches[key] = append(f.batches[key], changes)
	return f.versions[key], nil
}

// Batches returns every batch applied for key, in order.
func (f *Fake) Batches(key resource.Key) [][]json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[key]
}

// Version returns the fake's current local version for key.
func (f *Fake) Version(key resource.Key) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versions[key]
}
