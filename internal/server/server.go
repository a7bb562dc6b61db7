// Package server exposes the HTTP surface: the lock endpoints, the real-time
// WebSocket channel, health, and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/framepoint/annosync/internal/identity"
	"github.com/framepoint/annosync/internal/lockstate"
	"github.com/framepoint/annosync/internal/metrics"
	"github.com/framepoint/annosync/internal/protocol"
	"github.com/framepoint/annosync/internal/registry"
	"github.com/framepoint/annosync/internal/resource"
	"github.com/framepoint/annosync/internal/storage"
	"github.com/framepoint/annosync/internal/workingcopy"
)

// Config holds server configuration and dependencies.
type Config struct {
	// ListenAddr is the host:port to bind (default: 127.0.0.1:8710).
	ListenAddr string

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout time.Duration

	Store    lockstate.Store
	Objects  storage.Store
	Copies   *workingcopy.Manager
	Registry *registry.Registry
	Handler  *protocol.Handler
	Verifier identity.Verifier
	Metrics  *metrics.Metrics

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// Server manages the HTTP listener and WebSocket sessions.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	config   Config
	logger   *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server from config. All dependency fields are required.
func New(config Config) (*Server, error) {
	if config.Store == nil || config.Objects == nil || config.Copies == nil {
		return nil, fmt.Errorf("store, object store, and working copy manager are required")
	}
	if config.Registry == nil || config.Handler == nil || config.Verifier == nil {
		return nil, fmt.Errorf("registry, protocol handler, and verifier are required")
	}
	if config.ListenAddr == "" {
		config.ListenAddr = "127.0.0.1:8710"
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if config.Metrics == nil {
		config.Metrics = metrics.New()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   config.ListenAddr,
		config: config,
		logger: config.Logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start begins listening. Non-blocking; use Stop to shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/locks/acquire", s.handleAcquire)
	mux.HandleFunc("POST /v1/locks/release", s.handleRelease)
	mux.HandleFunc("GET /v1/locks/state", s.handleLockState)
	mux.HandleFunc("POST /v1/jobs/acquire", s.handleJobAcquire)
	mux.HandleFunc("POST /v1/jobs/release", s.handleJobRelease)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.config.Metrics.Registry(), promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the listener and closes active sessions.
func (s *Server) Stop() error {
	s.logger.Println("Stopping server")
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	s.logger.Println("Server stopped")
	return nil
}

// Addr returns the bound address. Useful when listening on port 0.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

type acquireRequest struct {
	ResourceID string `json:"resource_id"`
	DB         string `json:"db"`
}

type acquireResponse struct {
	Granted        bool   `json:"granted"`
	ConnectionID   string `json:"connection_id,omitempty"`
	ServerVersion  int64  `json:"server_version"`
	DurableVersion int64  `json:"durable_version"`

	// DownloadNeeded tells the client to fetch the durable copy before
	// editing: the server had no local working copy for this resource.
	DownloadNeeded bool `json:"download_needed"`

	// Holder and LockedAt describe the current owner when denied.
	Holder   string     `json:"holder,omitempty"`
	LockedAt *time.Time `json:"locked_at,omitempty"`
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req acquireRequest
	key, ok := s.decodeKey(w, r, &req, id.TenantID)
	if !ok {
		return
	}

	connectionID := registry.NewConnectionID()
	result, err := s.config.Store.Acquire(key, id.UserID, connectionID)
	if err != nil {
		s.internalError(w, "lock acquire failed", err)
		return
	}

	if !result.Granted {
		writeJSON(w, http.StatusConflict, acquireResponse{
			Granted:  false,
			Holder:   result.Holder,
			LockedAt: result.LockedAt,
		})
		return
	}

	hadLocal := s.config.Copies.Has(key)
	if err := s.ensureWorkingCopy(r.Context(), key); err != nil {
		// Roll the grant back so the resource is not stuck locked with
		// no editable copy behind it.
		if _, rerr := s.config.Store.Release(key, id.UserID); rerr != nil {
			s.logger.Printf("Failed to roll back lock for %s: %v", key, rerr)
		}
		s.internalError(w, "failed to prepare working copy", err)
		return
	}

	s.logger.Printf("Lock granted: %s to %s (connection %s)", key, id.UserID, connectionID)
	writeJSON(w, http.StatusOK, acquireResponse{
		Granted:        true,
		ConnectionID:   connectionID,
		ServerVersion:  result.State.ServerVersion,
		DurableVersion: result.State.DurableVersion,
		DownloadNeeded: !hadLocal,
	})
}

// ensureWorkingCopy makes sure a local working copy exists for key, pulling
// the durable copy from object storage when one exists.
func (s *Server) ensureWorkingCopy(ctx context.Context, key resource.Key) error {
	if s.config.Copies.Has(key) {
		return nil
	}

	exists, err := s.config.Objects.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to check durable copy for %s: %w", key, err)
	}

	path, err := s.config.Copies.Materialize(key)
	if err != nil {
		return err
	}
	if exists {
		if err := s.config.Objects.Download(ctx, key, path); err != nil {
			return fmt.Errorf("failed to download durable copy for %s: %w", key, err)
		}
		s.logger.Printf("Downloaded durable copy for %s", key)
	}
	return nil
}

type releaseRequest struct {
	ResourceID string `json:"resource_id"`
	DB         string `json:"db"`
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req releaseRequest
	key, ok := s.decodeKey(w, r, &req, id.TenantID)
	if !ok {
		return
	}

	released, err := s.config.Store.Release(key, id.UserID)
	if err != nil {
		s.internalError(w, "lock release failed", err)
		return
	}
	if released {
		s.logger.Printf("Lock released: %s by %s", key, id.UserID)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}

type lockStateResponse struct {
	TenantID       string     `json:"tenant_id"`
	ResourceID     string     `json:"resource_id"`
	DB             string     `json:"db"`
	LockType       string     `json:"lock_type"`
	Holder         string     `json:"holder,omitempty"`
	ServerVersion  int64      `json:"server_version"`
	DurableVersion int64      `json:"durable_version"`
	LockedAt       *time.Time `json:"locked_at,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	LastUploadAt   *time.Time `json:"last_upload_at,omitempty"`
}

func (s *Server) handleLockState(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	key, err := resource.NewKey(id.TenantID, r.URL.Query().Get("resource_id"),
		resource.DBName(r.URL.Query().Get("db")))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	state, err := s.config.Store.GetState(key)
	if err != nil {
		s.internalError(w, "state lookup failed", err)
		return
	}
	if state == nil {
		writeError(w, http.StatusNotFound, "resource has no recorded state")
		return
	}

	writeJSON(w, http.StatusOK, lockStateResponse{
		TenantID:       key.TenantID,
		ResourceID:     key.ResourceID,
		DB:             string(key.DB),
		LockType:       string(state.LockType),
		Holder:         state.HolderUserID,
		ServerVersion:  state.ServerVersion,
		DurableVersion: state.DurableVersion,
		LockedAt:       state.LockedAt,
		LastActivityAt: state.LastActivityAt,
		LastUploadAt:   state.LastUploadAt,
	})
}

type jobRequest struct {
	ResourceID string `json:"resource_id"`
	DB         string `json:"db"`
	JobID      string `json:"job_id"`
}

func (s *Server) handleJobAcquire(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req jobRequest
	key, ok := s.decodeKey(w, r, &req, id.TenantID)
	if !ok {
		return
	}
	if req.JobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	result, err := s.config.Store.AcquireServer(key, req.JobID)
	if err != nil {
		s.internalError(w, "job lock acquire failed", err)
		return
	}
	if !result.Granted {
		writeJSON(w, http.StatusConflict, acquireResponse{
			Granted:  false,
			Holder:   result.Holder,
			LockedAt: result.LockedAt,
		})
		return
	}

	s.logger.Printf("Server lock granted: %s to job %s", key, req.JobID)
	writeJSON(w, http.StatusOK, acquireResponse{
		Granted:        true,
		ServerVersion:  result.State.ServerVersion,
		DurableVersion: result.State.DurableVersion,
	})
}

func (s *Server) handleJobRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req jobRequest
	key, ok := s.decodeKey(w, r, &req, id.TenantID)
	if !ok {
		return
	}
	if req.JobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	released, err := s.config.Store.Release(key, req.JobID)
	if err != nil {
		s.internalError(w, "job lock release failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	key, err := resource.NewKey(id.TenantID, r.URL.Query().Get("resource_id"),
		resource.DBName(r.URL.Query().Get("db")))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	connectionID := r.URL.Query().Get("connection_id")
	if connectionID == "" {
		writeError(w, http.StatusBadRequest, "connection_id is required")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.logger.Printf("Session connecting: %s on %s", connectionID, key)
	transport := protocol.NewWebSocketTransport(conn)
	if err := s.config.Handler.Serve(s.ctx, transport, connectionID, id, key); err != nil {
		s.logger.Printf("Session %s ended: %v", connectionID, err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.config.Registry.Len(),
	})
}

// authenticate verifies the bearer credential from the Authorization header or
// the token query parameter (browsers cannot set headers on WebSocket dials).
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (identity.Identity, bool) {
	credential := r.URL.Query().Get("token")
	if credential == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			credential = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	if credential == "" {
		writeError(w, http.StatusUnauthorized, "missing credential")
		return identity.Identity{}, false
	}

	id, err := s.config.Verifier.Verify(credential)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredential) {
			writeError(w, http.StatusUnauthorized, "invalid credential")
		} else {
			s.internalError(w, "credential verification failed", err)
		}
		return identity.Identity{}, false
	}
	return id, true
}

// decodeKey parses the JSON body into req (which must carry ResourceID and DB
// fields) and builds the tenant-scoped resource key.
func (s *Server) decodeKey(w http.ResponseWriter, r *http.Request, req any, tenantID string) (resource.Key, bool) {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return resource.Key{}, false
	}

	var resourceID, db string
	switch v := req.(type) {
	case *acquireRequest:
		resourceID, db = v.ResourceID, v.DB
	case *releaseRequest:
		resourceID, db = v.ResourceID, v.DB
	case *jobRequest:
		resourceID, db = v.ResourceID, v.DB
	}

	key, err := resource.NewKey(tenantID, resourceID, resource.DBName(db))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return resource.Key{}, false
	}
	return key, true
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Printf("%s: %v", msg, err)
	writeError(w, http.StatusInternalServerError, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
