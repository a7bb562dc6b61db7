// Package engine defines the change-application boundary.
//
// The merge algorithm that folds a change batch into a working copy lives
// outside this repository; the coordinator only needs to hand batches over and
// learn the resulting local version. Implementations must be safe to retry:
// reapplying a batch after a failed acknowledgement must not duplicate edits.
package engine

import (
	"context"
	"encoding/json"

	"github.com/framepoint/annosync/internal/resource"
)

// Applier merges a change batch into the working copy for key and returns the
// new local version number.
type Applier interface {
	Apply(ctx context.Context, key resource.Key, changes []json.RawMessage) (int64, error)
}
