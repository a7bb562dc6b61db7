package scheduler

import (
	"fmt"
	"log"

	"github.com/framepoint/annosync/internal/lockstate"
)

// RecoveryCheck scans for resources whose working copies hold changes never
// confirmed durable. A non-empty result at startup is the signature of an
// unclean prior shutdown: the process died before its final flush, and the
// on-disk working copies may be ahead of durable storage.
//
// The returned records are surfaced to the operator; the check itself never
// mutates state.
func RecoveryCheck(store lockstate.Store, logger *log.Logger) ([]lockstate.State, error) {
	if logger == nil {
		logger = log.Default()
	}

	unsaved, err := store.GetAllUnsaved()
	if err != nil {
		return nil, fmt.Errorf("recovery check: %w", err)
	}

	if len(unsaved) == 0 {
		logger.Println("Recovery check: clean shutdown, no unsaved resources")
		return nil, nil
	}

	logger.Printf("ALERT: recovery check found %d resources with unpersisted changes (unclean shutdown?)", len(unsaved))
	for _, st := range unsaved {
		logger.Printf("  %s: server_version=%d durable_version=%d",
			st.Key, st.ServerVersion, st.DurableVersion)
	}
	return unsaved, nil
}
