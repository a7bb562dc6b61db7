// Package storage abstracts the durable object store that working copies are
// persisted to.
//
// Two implementations are provided: an S3 store for production and an
// in-memory store for tests and local development. Switching providers must
// not touch the scheduler or protocol layers, so everything goes through the
// Store interface.
package storage

import (
	"context"
	"errors"

	"github.com/framepoint/annosync/internal/resource"
)

// ErrNotFound is returned when the object store holds no copy of a resource.
var ErrNotFound = errors.New("object not found")

// Store persists and retrieves working-copy database files.
type Store interface {
	// Upload durably persists the local file at localPath as the current
	// copy for key.
	Upload(ctx context.Context, key resource.Key, localPath string) error

	// Download fetches the durable copy for key into localPath. Returns
	// ErrNotFound when no copy has ever been uploaded.
	Download(ctx context.Context, key resource.Key, localPath string) error

	// Exists reports whether a durable copy exists for key.
	Exists(ctx context.Context, key resource.Key) (bool, error)
}

// objectKey maps a resource key onto an object path.
func objectKey(key resource.Key) string {
	return key.TenantID + "/" + key.ResourceID + "/" + string(key.DB) + ".sqlite"
}
