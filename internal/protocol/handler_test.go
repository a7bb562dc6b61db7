package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/framepoint/annosync/internal/engine"
	"github.com/framepoint/annosync/internal/identity"
	"github.com/framepoint/annosync/internal/lockstate"
	"github.com/framepoint/annosync/internal/registry"
	"github.com/framepoint/annosync/internal/resource"
	"github.com/framepoint/annosync/internal/workingcopy"
)

// fakeTransport drives the handler without a socket.
type fakeTransport struct {
	inbound  chan []byte
	outbound chan []byte

	mu          sync.Mutex
	closed      bool
	closeReason string
	closedCh    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound:  make(chan []byte, 16),
		outbound: make(chan []byte, 64),
		closedCh: make(chan struct{}),
	}
}

func (t *fakeTransport) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-t.inbound:
		return data, nil
	case <-t.closedCh:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeTransport) Write(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return net.ErrClosed
	}
	select {
	case t.outbound <- data:
		return nil
	default:
		return errors.New("outbound buffer full")
	}
}

func (t *fakeTransport) Close(code websocket.StatusCode, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.closeReason = reason
		close(t.closedCh)
	}
	return nil
}

func (t *fakeTransport) reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeReason
}

// send queues a raw frame from the client.
func (t *fakeTransport) send(tb testing.TB, frame string) {
	tb.Helper()
	select {
	case t.inbound <- []byte(frame):
	case <-time.After(time.Second):
		tb.Fatal("timed out queueing inbound frame")
	}
}

// next returns the next outbound frame decoded into a generic map.
func (t *fakeTransport) next(tb testing.TB) map[string]any {
	tb.Helper()
	select {
	case data := <-t.outbound:
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			tb.Fatalf("bad outbound frame %s: %v", data, err)
		}
		return m
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for outbound frame")
		return nil
	}
}

func (t *fakeTransport) waitClosed(tb testing.TB) {
	tb.Helper()
	select {
	case <-t.closedCh:
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for close")
	}
}

// testEnv bundles the handler and its collaborators.
type testEnv struct {
	store    *lockstate.SQLiteStore
	registry *registry.Registry
	applier  *engine.Fake
	copies   *workingcopy.Manager
	handler  *Handler
	key      resource.Key
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := lockstate.OpenInMemory()
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	copies, err := workingcopy.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create working copy manager: %v", err)
	}
	t.Cleanup(func() { _ = copies.CloseAll() })

	logger := log.New(io.Discard, "", 0)
	reg := registry.New(logger)
	applier := engine.NewFake()

	handler, err := NewHandler(Config{
		Store:    store,
		Registry: reg,
		Applier:  applier,
		Copies:   copies,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}

	key, err := resource.NewKey("tenant-1", "video-9", resource.DBLayout)
	if err != nil {
		t.Fatal(err)
	}

	return &testEnv{
		store:    store,
		registry: reg,
		applier:  applier,
		copies:   copies,
		handler:  handler,
		key:      key,
	}
}

// connect acquires the lock for user, materializes the working copy, and
// starts Serve on a fake transport.
func (env *testEnv) connect(t *testing.T, user string) (*fakeTransport, string) {
	t.Helper()

	connID := registry.NewConnectionID()
	res, err := env.store.Acquire(env.key, user, connID)
	if err != nil || !res.Granted {
		t.Fatalf("Acquire() = %+v, %v", res, err)
	}
	if !env.copies.Has(env.key) {
		if _, err := env.copies.Materialize(env.key); err != nil {
			t.Fatal(err)
		}
	}

	tr := newFakeTransport()
	go func() {
		_ = env.handler.Serve(context.Background(), tr, connID,
			identity.Identity{UserID: user, TenantID: env.key.TenantID}, env.key)
	}()

	// Wait until the session is registered before the test talks to it.
	deadline := time.Now().Add(2 * time.Second)
	for env.registry.Get(connID) == nil {
		if time.Now().After(deadline) {
			t.Fatal("session never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return tr, connID
}

func TestServeRejectsWithoutLock(t *testing.T) {
	env := setupEnv(t)
	tr := newFakeTransport()

	err := env.handler.Serve(context.Background(), tr, "conn-x",
		identity.Identity{UserID: "alice", TenantID: "tenant-1"}, env.key)
	if err == nil {
		t.Fatal("Serve() succeeded without a lock")
	}
	if tr.reason() != CloseReasonLockNotHeld {
		t.Errorf("close reason = %q, want %q", tr.reason(), CloseReasonLockNotHeld)
	}
}

func TestServeRejectsUnregisteredConnection(t *testing.T) {
	env := setupEnv(t)

	// Lock is held, but by a different connection id.
	if _, err := env.store.Acquire(env.key, "alice", "conn-registered"); err != nil {
		t.Fatal(err)
	}

	tr := newFakeTransport()
	err := env.handler.Serve(context.Background(), tr, "conn-other",
		identity.Identity{UserID: "alice", TenantID: "tenant-1"}, env.key)
	if err == nil {
		t.Fatal("Serve() accepted an unregistered connection")
	}
	if tr.reason() != CloseReasonNotRegistered {
		t.Errorf("close reason = %q, want %q", tr.reason(), CloseReasonNotRegistered)
	}
}

func TestServeRejectsTenantMismatch(t *testing.T) {
	env := setupEnv(t)
	tr := newFakeTransport()

	err := env.handler.Serve(context.Background(), tr, "conn-x",
		identity.Identity{UserID: "alice", TenantID: "tenant-2"}, env.key)
	if err == nil {
		t.Fatal("Serve() accepted a cross-tenant connection")
	}
	if tr.reason() != CloseReasonTenantMismatch {
		t.Errorf("close reason = %q, want %q", tr.reason(), CloseReasonTenantMismatch)
	}
}

func TestPingPong(t *testing.T) {
	env := setupEnv(t)
	tr, _ := env.connect(t, "alice")

	tr.send(t, `{"type":"ping"}`)
	frame := tr.next(t)
	if frame["type"] != TypePong {
		t.Errorf("reply type = %v, want pong", frame["type"])
	}
}

func TestUnknownTypeIsSoftError(t *testing.T) {
	env := setupEnv(t)
	tr, _ := env.connect(t, "alice")

	tr.send(t, `{"type":"subscribe"}`)
	frame := tr.next(t)
	if frame["type"] != TypeError || frame["code"] != CodeUnknownType {
		t.Errorf("reply = %v, want UNKNOWN_TYPE error", frame)
	}

	// The connection survives and still answers pings.
	tr.send(t, `{"type":"ping"}`)
	if frame := tr.next(t); frame["type"] != TypePong {
		t.Errorf("connection dead after unknown type: %v", frame)
	}
}

func TestMalformedFrame(t *testing.T) {
	env := setupEnv(t)
	tr, _ := env.connect(t, "alice")

	tr.send(t, `{not json`)
	frame := tr.next(t)
	if frame["type"] != TypeError || frame["code"] != CodeInvalidFormat {
		t.Errorf("reply = %v, want INVALID_FORMAT error", frame)
	}

	// No state was mutated.
	state, _ := env.store.GetState(env.key)
	if state.ServerVersion != 0 {
		t.Errorf("server version = %d after malformed frame, want 0", state.ServerVersion)
	}
}

func TestSyncBatchAck(t *testing.T) {
	env := setupEnv(t)
	tr, _ := env.connect(t, "alice")

	tr.send(t, `{"type":"sync","changes":[{"op":"a"},{"op":"b"},{"op":"c"}]}`)
	frame := tr.next(t)
	if frame["type"] != TypeAck {
		t.Fatalf("reply = %v, want ack", frame)
	}
	if frame["applied_count"] != float64(3) {
		t.Errorf("applied_count = %v, want 3", frame["applied_count"])
	}
	if frame["server_version"] != float64(1) {
		t.Errorf("server_version = %v, want 1", frame["server_version"])
	}

	if got := len(env.applier.Batches(env.key)); got != 1 {
		t.Errorf("applier saw %d batches, want 1", got)
	}
}

func TestEmptyBatchDoesNotIncrementVersion(t *testing.T) {
	env := setupEnv(t)
	tr, _ := env.connect(t, "alice")

	tr.send(t, `{"type":"sync","changes":[{"op":"a"}]}`)
	if frame := tr.next(t); frame["server_version"] != float64(1) {
		t.Fatalf("setup batch ack = %v", frame)
	}

	tr.send(t, `{"type":"sync","changes":[]}`)
	frame := tr.next(t)
	if frame["type"] != TypeAck {
		t.Fatalf("reply = %v, want ack", frame)
	}
	if frame["applied_count"] != float64(0) {
		t.Errorf("applied_count = %v, want 0", frame["applied_count"])
	}
	if frame["server_version"] != float64(1) {
		t.Errorf("server_version = %v, want unchanged 1", frame["server_version"])
	}
}

func TestSyncWithoutWorkingCopy(t *testing.T) {
	env := setupEnv(t)

	connID := registry.NewConnectionID()
	if _, err := env.store.Acquire(env.key, "alice", connID); err != nil {
		t.Fatal(err)
	}

	tr := newFakeTransport()
	go func() {
		_ = env.handler.Serve(context.Background(), tr, connID,
			identity.Identity{UserID: "alice", TenantID: "tenant-1"}, env.key)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for env.registry.Get(connID) == nil {
		if time.Now().After(deadline) {
			t.Fatal("session never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}

	tr.send(t, `{"type":"sync","changes":[{"op":"a"}]}`)
	frame := tr.next(t)
	if frame["type"] != TypeError || frame["code"] != CodeDBNotFound {
		t.Errorf("reply = %v, want DB_NOT_FOUND error", frame)
	}
}

func TestApplyErrorKeepsConnectionOpen(t *testing.T) {
	env := setupEnv(t)
	tr, _ := env.connect(t, "alice")

	env.applier.Err = errors.New("merge conflict in change 2")
	tr.send(t, `{"type":"sync","changes":[{"op":"a"}]}`)
	frame := tr.next(t)
	if frame["type"] != TypeError || frame["code"] != CodeApplyError {
		t.Fatalf("reply = %v, want APPLY_ERROR", frame)
	}

	state, _ := env.store.GetState(env.key)
	if state.ServerVersion != 0 {
		t.Errorf("server version = %d after failed apply, want 0", state.ServerVersion)
	}

	// The client retries after the engine recovers.
	env.applier.Err = nil
	tr.send(t, `{"type":"sync","changes":[{"op":"a"}]}`)
	if frame := tr.next(t); frame["type"] != TypeAck {
		t.Errorf("retry reply = %v, want ack", frame)
	}
}

func TestSessionTransferOnReconnect(t *testing.T) {
	env := setupEnv(t)
	oldTr, _ := env.connect(t, "alice")

	// Same user reconnects from a new tab.
	newTr, _ := env.connect(t, "alice")

	frame := oldTr.next(t)
	if frame["type"] != TypeSessionTransferred {
		t.Fatalf("old connection got %v, want session_transferred", frame)
	}
	oldTr.waitClosed(t)

	// The new connection edits normally.
	newTr.send(t, `{"type":"sync","changes":[{"op":"a"}]}`)
	if frame := newTr.next(t); frame["type"] != TypeAck {
		t.Errorf("new connection reply = %v, want ack", frame)
	}

	// The old connection's late batch must be rejected: its registration is
	// gone, and the active connection id has moved on.
	if env.registry.Len() != 1 {
		t.Errorf("registry has %d sessions, want 1", env.registry.Len())
	}
}

func TestSupersededBatchClosesConnection(t *testing.T) {
	env := setupEnv(t)
	tr, connID := env.connect(t, "alice")

	// The lock is force-released behind the connection's back.
	if _, err := env.store.Release(env.key, "alice"); err != nil {
		t.Fatal(err)
	}

	tr.send(t, `{"type":"sync","changes":[{"op":"a"}]}`)
	frame := tr.next(t)
	if frame["type"] != TypeError || frame["code"] != CodeSessionTransferred {
		t.Fatalf("reply = %v, want SESSION_TRANSFERRED error", frame)
	}
	tr.waitClosed(t)

	if env.handler.ConnectionState(connID) != stateClosed {
		t.Errorf("connection state = %s, want closed", env.handler.ConnectionState(connID))
	}
}

func TestWorkflowLocked(t *testing.T) {
	env := setupEnv(t)
	tr, connID := env.connect(t, "alice")

	// An automated job takes over; the store would normally clear the
	// active connection, so force the overlap through a doctored store.
	doctored := &workflowLockedStore{Store: env.store, connID: connID}
	env.handler.store = doctored

	tr.send(t, `{"type":"sync","changes":[{"op":"a"}]}`)
	frame := tr.next(t)
	if frame["type"] != TypeError || frame["code"] != CodeWorkflowLocked {
		t.Fatalf("reply = %v, want WORKFLOW_LOCKED error", frame)
	}

	// Not fatal: the connection still answers pings.
	tr.send(t, `{"type":"ping"}`)
	if frame := tr.next(t); frame["type"] != TypePong {
		t.Errorf("connection dead after workflow lock rejection: %v", frame)
	}
}

// workflowLockedStore reports a server-type lock that still lists the
// connection as active.
type workflowLockedStore struct {
	lockstate.Store
	connID string
}

func (s *workflowLockedStore) GetState(key resource.Key) (*lockstate.State, error) {
	return &lockstate.State{
		Key:                key,
		LockType:           lockstate.LockServer,
		HolderUserID:       "job-7",
		ActiveConnectionID: s.connID,
	}, nil
}

func TestSendServerUpdate(t *testing.T) {
	env := setupEnv(t)
	tr, connID := env.connect(t, "alice")

	changes := []json.RawMessage{json.RawMessage(`{"op":"reconcile"}`)}
	if err := env.handler.SendServerUpdate(context.Background(), connID, changes, 7); err != nil {
		t.Fatalf("SendServerUpdate() error = %v", err)
	}

	frame := tr.next(t)
	if frame["type"] != TypeServerUpdate {
		t.Fatalf("frame = %v, want server_update", frame)
	}
	if frame["server_version"] != float64(7) {
		t.Errorf("server_version = %v, want 7", frame["server_version"])
	}

	if err := env.handler.SendServerUpdate(context.Background(), "no-such-conn", changes, 7); err == nil {
		t.Error("SendServerUpdate() to dead connection succeeded")
	}
}
