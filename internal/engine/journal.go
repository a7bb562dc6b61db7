package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/framepoint/annosync/internal/resource"
	"github.com/framepoint/annosync/internal/workingcopy"
)

// JournalApplier is the reference Applier: it appends every change to a
// journal table inside the resource's working copy, so the durable upload
// carries the full edit history. Real deployments plug in a domain engine that
// materializes the changes instead.
type JournalApplier struct {
	copies *workingcopy.Manager
}

// NewJournalApplier creates an applier writing into copies.
func NewJournalApplier(copies *workingcopy.Manager) (*JournalApplier, error) {
	if copies == nil {
		return nil, fmt.Errorf("working copy manager cannot be nil")
	}
	return &JournalApplier{copies: copies}, nil
}

// Apply appends the batch to the working copy's journal in one transaction and
// returns the journal length.
func (a *JournalApplier) Apply(ctx context.Context, key resource.Key, changes []json.RawMessage) (int64, error) {
	conn, err := a.copies.Open(key)
	if err != nil {
		return 0, err
	}
	if err := ensureJournal(ctx, conn); err != nil {
		return 0, err
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin journal transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, change := range changes {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO change_journal (applied_at, payload) VALUES (?, ?)",
			now, string(change)); err != nil {
			return 0, fmt.Errorf("failed to journal change for %s: %w", key, err)
		}
	}

	var length int64
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM change_journal").Scan(&length); err != nil {
		return 0, fmt.Errorf("failed to count journal for %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit journal for %s: %w", key, err)
	}
	return length, nil
}

func ensureJournal(ctx context.Context, conn *sql.DB) error {
	_, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS change_journal (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			applied_at TEXT NOT NULL,
			payload TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create change journal: %w", err)
	}
	return nil
}
