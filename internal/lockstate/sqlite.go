package lockstate

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/framepoint/annosync/internal/resource"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteStore implements Store on an embedded SQLite database with WAL mode.
//
// SQLite serializes writes per database, and every mutation here runs in a
// single transaction, which gives the per-key atomicity Store requires.
type SQLiteStore struct {
	conn *sql.DB
	path string

	// now is swapped out by tests that need to control staleness.
	now func() time.Time
}

// Open creates or opens the lock state database at path.
//
// The caller MUST call Close() when done.
func Open(path string) (*SQLiteStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock state directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_txlock=immediate", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open lock state database: %w", err)
	}

	// Single connection: every mutation is a short transaction and SQLite
	// serializes writers anyway, so a pool only adds busy errors.
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping lock state database: %w", err)
	}

	s := &SQLiteStore{conn: conn, path: path, now: time.Now}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// OpenInMemory opens a throwaway in-memory store, used in tests.
func OpenInMemory() (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory store: %w", err)
	}
	// An in-memory database exists per connection; the pool must not grow.
	conn.SetMaxOpenConns(1)
	s := &SQLiteStore{conn: conn, path: ":memory:", now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close lock state database: %w", err)
	}
	s.conn = nil
	return nil
}

// initSchema creates the lock_state table. Idempotent.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lock_state (
		tenant_id            TEXT NOT NULL,
		resource_id          TEXT NOT NULL,
		db_name              TEXT NOT NULL,
		server_version       INTEGER NOT NULL DEFAULT 0,
		durable_version      INTEGER NOT NULL DEFAULT 0,
		holder_user_id       TEXT NOT NULL DEFAULT '',
		lock_type            TEXT NOT NULL DEFAULT 'none',
		active_connection_id TEXT NOT NULL DEFAULT '',
		locked_at            TEXT,
		last_activity_at     TEXT,
		last_upload_at       TEXT,
		PRIMARY KEY (tenant_id, resource_id, db_name)
	);

	CREATE INDEX IF NOT EXISTS idx_lock_state_unsaved
	    ON lock_state(server_version, durable_version);
	CREATE INDEX IF NOT EXISTS idx_lock_state_activity
	    ON lock_state(lock_type, last_activity_at);
	`

	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize lock state schema: %w", err)
	}
	return nil
}

// ensureRow lazily creates the record for key with default values.
func ensureRow(tx *sql.Tx, key resource.Key) error {
	_, err := tx.Exec(`
		INSERT OR IGNORE INTO lock_state (tenant_id, resource_id, db_name)
		VALUES (?, ?, ?)`,
		key.TenantID, key.ResourceID, string(key.DB),
	)
	if err != nil {
		return fmt.Errorf("failed to create lock state row for %s: %w", key, err)
	}
	return nil
}

const stateColumns = `tenant_id, resource_id, db_name, server_version, durable_version,
	holder_user_id, lock_type, active_connection_id, locked_at, last_activity_at, last_upload_at`

// GetState returns the record for key, or nil if the resource was never touched.
func (s *SQLiteStore) GetState(key resource.Key) (*State, error) {
	row := s.conn.QueryRow(`
		SELECT `+stateColumns+`
		FROM lock_state
		WHERE tenant_id = ? AND resource_id = ? AND db_name = ?`,
		key.TenantID, key.ResourceID, string(key.DB),
	)

	state, err := scanState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock state for %s: %w", key, err)
	}
	return state, nil
}

// Acquire attempts to take the client lock for userID.
func (s *SQLiteStore) Acquire(key resource.Key, userID, connectionID string) (*AcquireResult, error) {
	var result *AcquireResult
	err := s.inTx(key, func(tx *sql.Tx) error {
		state, err := readState(tx, key)
		if err != nil {
			return err
		}

		if state.LockType == LockServer {
			result = &AcquireResult{Granted: false, Holder: state.HolderUserID, LockedAt: state.LockedAt, State: state}
			return nil
		}
		if state.HolderUserID != "" && state.HolderUserID != userID {
			result = &AcquireResult{Granted: false, Holder: state.HolderUserID, LockedAt: state.LockedAt, State: state}
			return nil
		}

		prevConn := ""
		if state.HolderUserID == userID {
			prevConn = state.ActiveConnectionID
		}

		now := s.now().UTC().Format(time.RFC3339)
		_, err = tx.Exec(`
			UPDATE lock_state
			SET holder_user_id = ?, lock_type = ?, active_connection_id = ?,
			    locked_at = ?, last_activity_at = ?
			WHERE tenant_id = ? AND resource_id = ? AND db_name = ?`,
			userID, string(LockClient), connectionID, now, now,
			key.TenantID, key.ResourceID, string(key.DB),
		)
		if err != nil {
			return fmt.Errorf("failed to acquire lock for %s: %w", key, err)
		}

		updated, err := readState(tx, key)
		if err != nil {
			return err
		}
		result = &AcquireResult{Granted: true, PreviousConnectionID: prevConn, State: updated}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AcquireServer takes the server lock for an automated job. Jobs wait: the
// lock is granted only when nothing else holds the resource.
func (s *SQLiteStore) AcquireServer(key resource.Key, jobID string) (*AcquireResult, error) {
	var result *AcquireResult
	err := s.inTx(key, func(tx *sql.Tx) error {
		state, err := readState(tx, key)
		if err != nil {
			return err
		}

		reacquire := state.LockType == LockServer && state.HolderUserID == jobID
		if state.LockType != LockNone && !reacquire {
			result = &AcquireResult{Granted: false, Holder: state.HolderUserID, LockedAt: state.LockedAt, State: state}
			return nil
		}

		now := s.now().UTC().Format(time.RFC3339)
		_, err = tx.Exec(`
			UPDATE lock_state
			SET holder_user_id = ?, lock_type = ?, active_connection_id = '',
			    locked_at = ?, last_activity_at = ?
			WHERE tenant_id = ? AND resource_id = ? AND db_name = ?`,
			jobID, string(LockServer), now, now,
			key.TenantID, key.ResourceID, string(key.DB),
		)
		if err != nil {
			return fmt.Errorf("failed to acquire server lock for %s: %w", key, err)
		}

		updated, err := readState(tx, key)
		if err != nil {
			return err
		}
		result = &AcquireResult{Granted: true, State: updated}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Release clears the lock if userID is the current holder.
func (s *SQLiteStore) Release(key resource.Key, userID string) (bool, error) {
	res, err := s.conn.Exec(`
		UPDATE lock_state
		SET holder_user_id = '', lock_type = 'none', active_connection_id = '',
		    locked_at = NULL
		WHERE tenant_id = ? AND resource_id = ? AND db_name = ? AND holder_user_id = ?`,
		key.TenantID, key.ResourceID, string(key.DB), userID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to release lock for %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read release result for %s: %w", key, err)
	}
	return n > 0, nil
}

// IncrementServerVersion atomically bumps the version counter and refreshes
// last_activity_at, returning the new version.
func (s *SQLiteStore) IncrementServerVersion(key resource.Key) (int64, error) {
	var version int64
	err := s.inTx(key, func(tx *sql.Tx) error {
		now := s.now().UTC().Format(time.RFC3339)
		_, err := tx.Exec(`
			UPDATE lock_state
			SET server_version = server_version + 1, last_activity_at = ?
			WHERE tenant_id = ? AND resource_id = ? AND db_name = ?`,
			now, key.TenantID, key.ResourceID, string(key.DB),
		)
		if err != nil {
			return fmt.Errorf("failed to increment version for %s: %w", key, err)
		}

		state, err := readState(tx, key)
		if err != nil {
			return err
		}
		version = state.ServerVersion
		return nil
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

// TouchActivity refreshes last_activity_at without changing versions.
func (s *SQLiteStore) TouchActivity(key resource.Key) error {
	now := s.now().UTC().Format(time.RFC3339)
	_, err := s.conn.Exec(`
		UPDATE lock_state SET last_activity_at = ?
		WHERE tenant_id = ? AND resource_id = ? AND db_name = ?`,
		now, key.TenantID, key.ResourceID, string(key.DB),
	)
	if err != nil {
		return fmt.Errorf("failed to touch activity for %s: %w", key, err)
	}
	return nil
}

// ReleaseStaleLocks force-releases every lock whose last activity is older
// than threshold and returns the released records.
func (s *SQLiteStore) ReleaseStaleLocks(threshold time.Duration) ([]State, error) {
	cutoff := s.now().UTC().Add(-threshold).Format(time.RFC3339)

	tx, err := s.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin stale lock transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT `+stateColumns+`
		FROM lock_state
		WHERE lock_type != 'none'
		  AND last_activity_at IS NOT NULL
		  AND last_activity_at < ?`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale locks: %w", err)
	}
	stale, err := scanStates(rows)
	if err != nil {
		return nil, err
	}

	for _, st := range stale {
		_, err := tx.Exec(`
			UPDATE lock_state
			SET holder_user_id = '', lock_type = 'none', active_connection_id = '',
			    locked_at = NULL
			WHERE tenant_id = ? AND resource_id = ? AND db_name = ?`,
			st.Key.TenantID, st.Key.ResourceID, string(st.Key.DB),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to release stale lock for %s: %w", st.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit stale lock release: %w", err)
	}
	return stale, nil
}

// GetPendingUploads returns keys with unsaved changes that are due for upload.
//
// A resource is due when it is idle (no activity for idleThreshold) or when
// the periodic checkpoint interval has elapsed since its last upload. A
// resource that has never been uploaded uses its lock time as the checkpoint
// baseline.
func (s *SQLiteStore) GetPendingUploads(idleThreshold, checkpointThreshold time.Duration) ([]resource.Key, error) {
	now := s.now().UTC()
	idleCutoff := now.Add(-idleThreshold).Format(time.RFC3339)
	checkpointCutoff := now.Add(-checkpointThreshold).Format(time.RFC3339)

	rows, err := s.conn.Query(`
		SELECT tenant_id, resource_id, db_name
		FROM lock_state
		WHERE server_version > durable_version
		  AND (
			(last_activity_at IS NOT NULL AND last_activity_at <= ?)
			OR COALESCE(last_upload_at, locked_at, '') <= ?
		  )`,
		idleCutoff, checkpointCutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending uploads: %w", err)
	}
	defer rows.Close()

	var keys []resource.Key
	for rows.Next() {
		var tenant, res, db string
		if err := rows.Scan(&tenant, &res, &db); err != nil {
			return nil, fmt.Errorf("failed to scan pending upload: %w", err)
		}
		keys = append(keys, resource.Key{TenantID: tenant, ResourceID: res, DB: resource.DBName(db)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending uploads: %w", err)
	}
	return keys, nil
}

// GetAllUnsaved returns every record with unpersisted changes.
func (s *SQLiteStore) GetAllUnsaved() ([]State, error) {
	rows, err := s.conn.Query(`
		SELECT ` + stateColumns + `
		FROM lock_state
		WHERE server_version > durable_version`)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsaved resources: %w", err)
	}
	return scanStates(rows)
}

// RecordUpload marks version as durably persisted for key.
func (s *SQLiteStore) RecordUpload(key resource.Key, version int64) error {
	return s.inTx(key, func(tx *sql.Tx) error {
		state, err := readState(tx, key)
		if err != nil {
			return err
		}
		if version > state.ServerVersion {
			return fmt.Errorf("durable version %d would exceed server version %d for %s",
				version, state.ServerVersion, key)
		}
		if version < state.DurableVersion {
			// A slower upload finished after a newer one; keep the newer mark.
			return nil
		}

		now := s.now().UTC().Format(time.RFC3339)
		_, err = tx.Exec(`
			UPDATE lock_state
			SET durable_version = ?, last_upload_at = ?
			WHERE tenant_id = ? AND resource_id = ? AND db_name = ?`,
			version, now, key.TenantID, key.ResourceID, string(key.DB),
		)
		if err != nil {
			return fmt.Errorf("failed to record upload for %s: %w", key, err)
		}
		return nil
	})
}

// inTx runs fn inside a transaction after lazily creating the row for key.
func (s *SQLiteStore) inTx(key resource.Key, fn func(tx *sql.Tx) error) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureRow(tx, key); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// readState reads the record for key inside tx. The row must exist.
func readState(tx *sql.Tx, key resource.Key) (*State, error) {
	row := tx.QueryRow(`
		SELECT `+stateColumns+`
		FROM lock_state
		WHERE tenant_id = ? AND resource_id = ? AND db_name = ?`,
		key.TenantID, key.ResourceID, string(key.DB),
	)
	state, err := scanState(row)
	if err != nil {
		return nil, fmt.Errorf("failed to read lock state for %s: %w", key, err)
	}
	return state, nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*State, error) {
	var st State
	var tenant, res, db, lockType string
	var lockedAt, lastActivity, lastUpload sql.NullString

	err := row.Scan(
		&tenant, &res, &db,
		&st.ServerVersion, &st.DurableVersion,
		&st.HolderUserID, &lockType, &st.ActiveConnectionID,
		&lockedAt, &lastActivity, &lastUpload,
	)
	if err != nil {
		return nil, err
	}

	st.Key = resource.Key{TenantID: tenant, ResourceID: res, DB: resource.DBName(db)}
	st.LockType = LockType(lockType)
	st.LockedAt = nullStringToTime(lockedAt)
	st.LastActivityAt = nullStringToTime(lastActivity)
	st.LastUploadAt = nullStringToTime(lastUpload)
	return &st, nil
}

func scanStates(rows *sql.Rows) ([]State, error) {
	defer rows.Close()

	var states []State
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lock state: %w", err)
		}
		states = append(states, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating lock states: %w", err)
	}
	return states, nil
}

// nullStringToTime converts a nullable RFC3339 column to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
