// Package protocol implements the real-time sync channel: the JSON message
// vocabulary and the per-connection state machine that validates change
// batches against the lock store and hands them to the change-application
// engine.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message type tags carried in the "type" field of every frame.
const (
	TypeSync               = "sync"
	TypePing               = "ping"
	TypePong               = "pong"
	TypeAck                = "ack"
	TypeError              = "error"
	TypeSessionTransferred = "session_transferred"
	TypeLockChanged        = "lock_changed"
	TypeServerUpdate       = "server_update"
)

// Error codes carried in error frames.
const (
	CodeInvalidFormat      = "INVALID_FORMAT"
	CodeUnknownType        = "UNKNOWN_TYPE"
	CodeDBNotFound         = "DB_NOT_FOUND"
	CodeSessionTransferred = "SESSION_TRANSFERRED"
	CodeWorkflowLocked     = "WORKFLOW_LOCKED"
	CodeApplyError         = "APPLY_ERROR"
)

// Inbound is a message received from the client. Exactly two kinds exist;
// the handler dispatches with an exhaustive type switch.
type Inbound interface {
	inbound()
}

// SyncMessage submits a change batch for the session's working copy.
type SyncMessage struct {
	Changes []json.RawMessage `json:"changes"`
}

func (SyncMessage) inbound() {}

// PingMessage is a client heartbeat.
type PingMessage struct{}

func (PingMessage) inbound() {}

// ErrMalformed reports a frame that could not be parsed as a message at all.
type ErrMalformed struct{ cause error }

func (e *ErrMalformed) Error() string { return fmt.Sprintf("malformed message: %v", e.cause) }

// ErrUnknownType reports a well-formed frame with an unrecognized type tag.
type ErrUnknownType struct{ Type string }

func (e *ErrUnknownType) Error() string { return fmt.Sprintf("unknown message type %q", e.Type) }

// envelope is the minimal shape every frame shares.
type envelope struct {
	Type string `json:"type"`
}

// ParseInbound decodes a client frame into its message variant.
//
// A frame that is not valid JSON (or has no type tag) yields *ErrMalformed;
// a valid frame with an unrecognized tag yields *ErrUnknownType so the caller
// can reply UNKNOWN_TYPE without closing the connection.
func ParseInbound(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ErrMalformed{cause: err}
	}

	switch env.Type {
	case TypeSync:
		var msg SyncMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ErrMalformed{cause: err}
		}
		return msg, nil
	case TypePing:
		return PingMessage{}, nil
	case "":
		return nil, &ErrMalformed{cause: fmt.Errorf("missing type field")}
	default:
		return nil, &ErrUnknownType{Type: env.Type}
	}
}

// Outbound frames. Each marshals with its type tag included.

// AckMessage acknowledges an applied (possibly empty) change batch.
type AckMessage struct {
	Type          string `json:"type"`
	ServerVersion int64  `json:"server_version"`
	AppliedCount  int    `json:"applied_count"`
}

// NewAck builds an ack frame.
func NewAck(serverVersion int64, appliedCount int) AckMessage {
	return AckMessage{Type: TypeAck, ServerVersion: serverVersion, AppliedCount: appliedCount}
}

// PongMessage answers a heartbeat.
type PongMessage struct {
	Type string `json:"type"`
}

// NewPong builds a pong frame.
func NewPong() PongMessage {
	return PongMessage{Type: TypePong}
}

// ErrorMessage reports a recoverable protocol, apply, or contention error.
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewError builds an error frame.
func NewError(code, message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Code: code, Message: message}
}

// SessionTransferredMessage tells a connection it was superseded by a newer
// connection from the same user.
type SessionTransferredMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewSessionTransferred builds a session_transferred frame.
func NewSessionTransferred() SessionTransferredMessage {
	return SessionTransferredMessage{
		Type:    TypeSessionTransferred,
		Message: "session taken over by a newer connection",
	}
}

// LockChangedMessage tells a connection the lock state changed underneath it.
type LockChangedMessage struct {
	Type     string `json:"type"`
	LockType string `json:"lock_type"`
	Message  string `json:"message"`
}

// NewLockChanged builds a lock_changed frame.
func NewLockChanged(lockType, message string) LockChangedMessage {
	return LockChangedMessage{Type: TypeLockChanged, LockType: lockType, Message: message}
}

// ServerUpdateMessage pushes server-originated changes to the connected
// client. Labelled distinctly from acks so the client's merge logic can tell
// the two apart.
type ServerUpdateMessage struct {
	Type          string            `json:"type"`
	Changes       []json.RawMessage `json:"changes"`
	ServerVersion int64             `json:"server_version"`
}

// NewServerUpdate builds a server_update frame.
func NewServerUpdate(changes []json.RawMessage, serverVersion int64) ServerUpdateMessage {
	return ServerUpdateMessage{Type: TypeServerUpdate, Changes: changes, ServerVersion: serverVersion}
}
