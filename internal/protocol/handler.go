package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/looplab/fsm"

	"github.com/framepoint/annosync/internal/engine"
	"github.com/framepoint/annosync/internal/identity"
	"github.com/framepoint/annosync/internal/lockstate"
	"github.com/framepoint/annosync/internal/metrics"
	"github.com/framepoint/annosync/internal/registry"
	"github.com/framepoint/annosync/internal/resource"
	"github.com/framepoint/annosync/internal/workingcopy"
)

// Close reasons used when a connection fails verification. Rule: a client can
// tell "you never had the lock" apart from "your connection is not the
// registered one".
const (
	CloseReasonLockNotHeld    = "lock not held"
	CloseReasonNotRegistered  = "no active connection registered"
	CloseReasonTenantMismatch = "tenant mismatch"
	CloseReasonSuperseded     = "session transferred"
)

// Connection lifecycle states.
const (
	stateUnauthenticated = "unauthenticated"
	stateVerified        = "verified"
	stateActive          = "active"
	stateApplying        = "applying"
	stateClosed          = "closed"
)

// Config holds the handler's collaborators.
type Config struct {
	Store    lockstate.Store
	Registry *registry.Registry
	Applier  engine.Applier
	Copies   *workingcopy.Manager
	Metrics  *metrics.Metrics
	Logger   *log.Logger

	// WriteTimeout bounds each outbound frame write (default 5s).
	WriteTimeout time.Duration
}

// Handler runs the sync protocol for every live connection.
type Handler struct {
	store    lockstate.Store
	registry *registry.Registry
	applier  engine.Applier
	copies   *workingcopy.Manager
	metrics  *metrics.Metrics
	logger   *log.Logger

	writeTimeout time.Duration

	connsMu sync.RWMutex
	conns   map[string]*conn
}

// NewHandler validates the config and creates a handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry cannot be nil")
	}
	if cfg.Applier == nil {
		return nil, fmt.Errorf("applier cannot be nil")
	}
	if cfg.Copies == nil {
		return nil, fmt.Errorf("working copy manager cannot be nil")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	return &Handler{
		store:        cfg.Store,
		registry:     cfg.Registry,
		applier:      cfg.Applier,
		copies:       cfg.Copies,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		writeTimeout: cfg.WriteTimeout,
		conns:        make(map[string]*conn),
	}, nil
}

// conn is the per-connection context: transport, lifecycle state machine, and
// registry session. It implements registry.Notifier so the registry and the
// scheduler can push frames to it.
type conn struct {
	handler      *Handler
	transport    Transport
	connectionID string
	key          resource.Key
	userID       string

	machine *fsm.FSM

	session *registry.Session

	closeOnce sync.Once
}

// Serve runs the protocol for one connection until it closes. The connection
// id must be the one issued at lock-acquisition time; id is the caller's
// verified identity.
func (h *Handler) Serve(ctx context.Context, t Transport, connectionID string, id identity.Identity, key resource.Key) error {
	c := &conn{
		handler:      h,
		transport:    t,
		connectionID: connectionID,
		key:          key,
		userID:       id.UserID,
		machine: fsm.NewFSM(
			stateUnauthenticated,
			fsm.Events{
				{Name: "verify", Src: []string{stateUnauthenticated}, Dst: stateVerified},
				{Name: "activate", Src: []string{stateVerified}, Dst: stateActive},
				{Name: "begin_apply", Src: []string{stateActive}, Dst: stateApplying},
				{Name: "finish_apply", Src: []string{stateApplying}, Dst: stateActive},
				{Name: "close", Src: []string{stateUnauthenticated, stateVerified, stateActive, stateApplying}, Dst: stateClosed},
			},
			fsm.Callbacks{},
		),
	}

	if err := c.verify(ctx, id); err != nil {
		return err
	}

	session, err := h.registry.Connect(connectionID, key, id.UserID, c)
	if err != nil {
		c.close(websocket.StatusPolicyViolation, CloseReasonNotRegistered)
		return err
	}
	c.session = session

	h.connsMu.Lock()
	h.conns[connectionID] = c
	h.connsMu.Unlock()
	h.metrics.ActiveSessions.Inc()

	defer func() {
		h.metrics.ActiveSessions.Dec()
		h.connsMu.Lock()
		delete(h.conns, connectionID)
		h.connsMu.Unlock()
		h.registry.Disconnect(connectionID)
		c.close(websocket.StatusNormalClosure, "")
	}()

	_ = c.machine.Event(ctx, "activate")
	h.logger.Printf("Connection active: %s for %s (user %s)", connectionID, key, id.UserID)

	return c.readLoop(ctx)
}

// verify enforces rule one of the protocol: the connection is accepted only if
// the lock store's active connection id matches the id issued at acquisition.
func (c *conn) verify(ctx context.Context, id identity.Identity) error {
	if c.key.TenantID != id.TenantID {
		c.close(websocket.StatusPolicyViolation, CloseReasonTenantMismatch)
		return fmt.Errorf("tenant %s cannot open %s", id.TenantID, c.key)
	}

	state, err := c.handler.store.GetState(c.key)
	if err != nil {
		c.close(websocket.StatusInternalError, "lock state unavailable")
		return fmt.Errorf("failed to verify %s: %w", c.connectionID, err)
	}

	if state == nil || state.LockType != lockstate.LockClient || state.HolderUserID != id.UserID {
		c.close(websocket.StatusPolicyViolation, CloseReasonLockNotHeld)
		return fmt.Errorf("connection %s rejected: %s", c.connectionID, CloseReasonLockNotHeld)
	}
	if state.ActiveConnectionID != c.connectionID {
		c.close(websocket.StatusPolicyViolation, CloseReasonNotRegistered)
		return fmt.Errorf("connection %s rejected: %s", c.connectionID, CloseReasonNotRegistered)
	}

	return c.machine.Event(ctx, "verify")
}

// readLoop pumps inbound frames until the connection drops.
func (c *conn) readLoop(ctx context.Context) error {
	for {
		data, err := c.transport.Read(ctx)
		if err != nil {
			// Client went away; the deferred cleanup in Serve handles the rest.
			return nil
		}

		msg, perr := ParseInbound(data)
		if perr != nil {
			c.replyParseError(ctx, perr)
			continue
		}

		switch m := msg.(type) {
		case SyncMessage:
			if closed := c.handleSync(ctx, m); closed {
				return nil
			}
		case PingMessage:
			c.handlePing(ctx)
		}
	}
}

// replyParseError answers malformed or unknown frames without closing the
// connection or touching any state.
func (c *conn) replyParseError(ctx context.Context, err error) {
	switch e := err.(type) {
	case *ErrUnknownType:
		c.handler.metrics.ProtocolErrors.WithLabelValues(CodeUnknownType).Inc()
		c.write(ctx, NewError(CodeUnknownType, e.Error()))
	default:
		c.handler.metrics.ProtocolErrors.WithLabelValues(CodeInvalidFormat).Inc()
		c.write(ctx, NewError(CodeInvalidFormat, err.Error()))
	}
}

// handleSync applies a change batch. Returns true when the connection must
// close (consistency violation).
func (c *conn) handleSync(ctx context.Context, msg SyncMessage) bool {
	h := c.handler

	state, err := h.store.GetState(c.key)
	if err != nil {
		h.metrics.ProtocolErrors.WithLabelValues(CodeApplyError).Inc()
		c.write(ctx, NewError(CodeApplyError, "lock state unavailable"))
		return false
	}

	// The connection may have been superseded or force-released since its
	// last message. Continuing would risk silent divergence, so close.
	if state == nil || state.ActiveConnectionID != c.connectionID {
		h.metrics.ProtocolErrors.WithLabelValues(CodeSessionTransferred).Inc()
		c.write(ctx, NewError(CodeSessionTransferred, "connection no longer owns this resource"))
		c.close(websocket.StatusPolicyViolation, CloseReasonSuperseded)
		return true
	}

	if state.LockType == lockstate.LockServer {
		h.metrics.ProtocolErrors.WithLabelValues(CodeWorkflowLocked).Inc()
		c.write(ctx, NewError(CodeWorkflowLocked, "an automated job currently owns this resource"))
		return false
	}

	if !h.copies.Has(c.key) {
		h.metrics.ProtocolErrors.WithLabelValues(CodeDBNotFound).Inc()
		c.write(ctx, NewError(CodeDBNotFound, fmt.Sprintf("no working copy for %s", c.key)))
		return false
	}

	// An empty batch is a disguised heartbeat: acknowledge, touch, change
	// nothing.
	if len(msg.Changes) == 0 {
		c.touch()
		c.write(ctx, NewAck(state.ServerVersion, 0))
		return false
	}

	_ = c.machine.Event(ctx, "begin_apply")
	_, applyErr := h.applier.Apply(ctx, c.key, msg.Changes)
	_ = c.machine.Event(ctx, "finish_apply")

	if applyErr != nil {
		// State is unchanged; the client can retry or resubmit.
		h.metrics.ProtocolErrors.WithLabelValues(CodeApplyError).Inc()
		c.write(ctx, NewError(CodeApplyError, applyErr.Error()))
		return false
	}

	version, err := h.store.IncrementServerVersion(c.key)
	if err != nil {
		h.metrics.ProtocolErrors.WithLabelValues(CodeApplyError).Inc()
		c.write(ctx, NewError(CodeApplyError, "failed to record new version"))
		return false
	}

	c.touch()
	h.metrics.BatchesApplied.Inc()
	h.metrics.ChangesApplied.Add(float64(len(msg.Changes)))
	c.write(ctx, NewAck(version, len(msg.Changes)))
	return false
}

// handlePing refreshes activity and answers with a pong.
func (c *conn) handlePing(ctx context.Context) {
	c.touch()
	c.write(ctx, NewPong())
}

// touch refreshes both the in-memory session and the durable activity stamp.
func (c *conn) touch() {
	if c.session != nil {
		c.session.Touch()
	}
	if err := c.handler.store.TouchActivity(c.key); err != nil {
		c.handler.logger.Printf("Failed to touch activity for %s: %v", c.key, err)
	}
}

// write marshals and sends a frame with the handler's write timeout.
func (c *conn) write(ctx context.Context, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.handler.logger.Printf("Failed to marshal frame for %s: %v", c.connectionID, err)
		return
	}

	wctx, cancel := context.WithTimeout(ctx, c.handler.writeTimeout)
	defer cancel()
	if err := c.transport.Write(wctx, data); err != nil {
		c.handler.logger.Printf("Failed to write to %s: %v", c.connectionID, err)
	}
}

// close shuts the transport once.
func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.handler.writeTimeout)
		defer cancel()
		_ = c.machine.Event(ctx, "close")
		_ = c.transport.Close(code, reason)
	})
}

// NotifyTransferred implements registry.Notifier: the session was taken over
// by a newer connection from the same user. The frame is sent and the old
// connection is closed.
func (c *conn) NotifyTransferred(connectionID string) {
	ctx := context.Background()
	c.write(ctx, NewSessionTransferred())
	c.handler.metrics.SessionTransfers.Inc()
	c.close(websocket.StatusNormalClosure, CloseReasonSuperseded)
}

// NotifyLockChanged implements registry.Notifier: the lock state changed
// underneath the connection (e.g. a stale-lock force release). The connection
// stays open; its next batch will be rejected anyway.
func (c *conn) NotifyLockChanged(connectionID string, lockType, message string) {
	c.write(context.Background(), NewLockChanged(lockType, message))
}

// SendServerUpdate pushes server-originated changes to the client connected as
// connectionID.
func (h *Handler) SendServerUpdate(ctx context.Context, connectionID string, changes []json.RawMessage, serverVersion int64) error {
	h.connsMu.RLock()
	c, ok := h.conns[connectionID]
	h.connsMu.RUnlock()

	if !ok {
		return fmt.Errorf("no live connection %s", connectionID)
	}
	c.write(ctx, NewServerUpdate(changes, serverVersion))
	return nil
}

// ConnectionState reports the lifecycle state of a live connection, or
// "closed" when it is not registered. Used by tests and the health handler.
func (h *Handler) ConnectionState(connectionID string) string {
	h.connsMu.RLock()
	defer h.connsMu.RUnlock()

	if c, ok := h.conns[connectionID]; ok {
		return c.machine.Current()
	}
	return stateClosed
}
