// Package scheduler provides the background persistence loop.
//
// The scheduler:
// 1. Force-releases stale locks so dead connections cannot block editors
// 2. Uploads working copies with unsaved changes to the durable object store
// 3. Performs a final synchronous flush on graceful shutdown
// 4. Surfaces unclean shutdowns through the startup recovery check
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/framepoint/annosync/internal/lockstate"
	"github.com/framepoint/annosync/internal/metrics"
	"github.com/framepoint/annosync/internal/registry"
	"github.com/framepoint/annosync/internal/resource"
	"github.com/framepoint/annosync/internal/storage"
	"github.com/framepoint/annosync/internal/workingcopy"
)

// Config holds tuning for the persistence loop.
type Config struct {
	// Interval is how often the loop ticks.
	Interval time.Duration

	// IdleThreshold is how long a resource must sit without activity
	// before its unsaved changes are flushed.
	IdleThreshold time.Duration

	// CheckpointInterval forces an upload of an actively edited resource
	// after this long since its previous upload.
	CheckpointInterval time.Duration

	// StaleLockThreshold is how long a lock may go without activity before
	// it is force-released.
	StaleLockThreshold time.Duration

	// Logger for scheduler activity.
	Logger *log.Logger

	Metrics *metrics.Metrics
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:           time.Minute,
		IdleThreshold:      30 * time.Second,
		CheckpointInterval: 5 * time.Minute,
		StaleLockThreshold: 10 * time.Minute,
		Logger:             log.New(os.Stderr, "[scheduler] ", log.LstdFlags),
	}
}

// Scheduler drains unsaved working copies into durable storage on a timer.
type Scheduler struct {
	store   lockstate.Store
	objects storage.Store
	copies  *workingcopy.Manager
	reg     *registry.Registry
	config  *Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler.
func New(store lockstate.Store, objects storage.Store, copies *workingcopy.Manager, reg *registry.Registry, config *Config) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if objects == nil {
		return nil, fmt.Errorf("object store cannot be nil")
	}
	if copies == nil {
		return nil, fmt.Errorf("working copy manager cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}
	if config.Metrics == nil {
		config.Metrics = metrics.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:   store,
		objects: objects,
		copies:  copies,
		reg:     reg,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the periodic loop. Non-blocking; use Stop to shut down.
func (s *Scheduler) Start() {
	s.config.Logger.Printf("Starting persistence scheduler (interval %s)", s.config.Interval)

	s.wg.Add(1)
	go s.run()
}

// run ticks until the stop signal arrives.
func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Tick(s.ctx)
		}
	}
}

// Stop halts the loop, performs the final synchronous flush of every unsaved
// resource, and closes all working-copy handles.
func (s *Scheduler) Stop() error {
	s.config.Logger.Println("Stopping persistence scheduler")

	s.cancel()
	s.wg.Wait()

	// Final flush. Uses a fresh context: the loop context is already gone.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	unsaved, err := s.store.GetAllUnsaved()
	if err != nil {
		return fmt.Errorf("shutdown flush: %w", err)
	}
	s.config.Logger.Printf("Shutdown flush: %d unsaved resources", len(unsaved))

	var firstErr error
	for _, st := range unsaved {
		if err := s.uploadOne(ctx, st.Key); err != nil {
			s.config.Logger.Printf("Shutdown upload failed for %s: %v", st.Key, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if err := s.copies.CloseAll(); err != nil {
		s.config.Logger.Printf("Error closing working copies: %v", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	s.config.Logger.Println("Persistence scheduler stopped")
	return firstErr
}

// Tick runs one scheduler pass: stale-lock cleanup, then pending uploads.
// Exported so tests and the CLI can drive passes directly.
func (s *Scheduler) Tick(ctx context.Context) {
	// Stale locks first: a zombie holder must not block editors, and must
	// not stop its resource from being uploaded below.
	released, err := s.store.ReleaseStaleLocks(s.config.StaleLockThreshold)
	if err != nil {
		s.config.Logger.Printf("Stale lock scan failed: %v", err)
	}
	for _, st := range released {
		s.config.Logger.Printf("Force-released stale lock: %s (holder %s)", st.Key, st.HolderUserID)
		s.config.Metrics.StaleReleases.Inc()
		if s.reg != nil {
			s.reg.NotifyLockChanged(st.Key, string(lockstate.LockNone),
				"lock force-released after inactivity")
		}
	}

	pending, err := s.store.GetPendingUploads(s.config.IdleThreshold, s.config.CheckpointInterval)
	if err != nil {
		s.config.Logger.Printf("Pending upload scan failed: %v", err)
		return
	}

	for _, key := range pending {
		// Failures are isolated: one bad resource must not abort the
		// tick for the others.
		if err := s.uploadOne(ctx, key); err != nil {
			s.config.Logger.Printf("Upload failed for %s: %v", key, err)
			s.config.Metrics.Uploads.WithLabelValues("error").Inc()
		}
	}
}

// uploadOne persists a single working copy and records the durable version.
func (s *Scheduler) uploadOne(ctx context.Context, key resource.Key) error {
	if !s.copies.Has(key) {
		// Nothing materialized locally; nothing to persist.
		s.config.Logger.Printf("Skipping %s: no local working copy", key)
		return nil
	}

	state, err := s.store.GetState(key)
	if err != nil {
		return fmt.Errorf("failed to read state before upload: %w", err)
	}
	if state == nil {
		return nil
	}

	// The version observed at upload start is what gets recorded as
	// durable. Edits arriving mid-upload keep the resource unsaved and are
	// picked up on the next tick.
	version := state.ServerVersion

	if err := s.copies.Checkpoint(key); err != nil {
		return err
	}
	if err := s.objects.Upload(ctx, key, s.copies.Path(key)); err != nil {
		return err
	}
	if err := s.store.RecordUpload(key, version); err != nil {
		return err
	}

	s.config.Logger.Printf("Uploaded %s at version %d", key, version)
	s.config.Metrics.Uploads.WithLabelValues("ok").Inc()
	return nil
}
