package core

import (
	"errors"
	"fmt"
)

var (
	// ErrActorNotFound is returned when a handle or name resolves to no
	// running actor, locally or via the cluster registry.
	ErrActorNotFound = errors.New("actor not found")

	// ErrNameTaken is returned when a name registration conflicts with an
	// existing one.
	ErrNameTaken = errors.New("actor name already taken")

	// ErrHandleInUse is returned when an explicit handle collides with a
	// running actor.
	ErrHandleInUse = errors.New("handle already in use")

	// ErrInvalidHandle is returned for the zero handle.
	ErrInvalidHandle = errors.New("invalid handle")

	// ErrActorStopped is returned when enqueueing to a destroyed actor, and
	// completes the promises of mail drained during shutdown.
	ErrActorStopped = errors.New("actor stopped")

	// ErrSystemStopped is returned by operations on a shut-down system.
	ErrSystemStopped = errors.New("actor system stopped")

	// ErrMailboxClosed is returned when enqueueing to a closed mailbox.
	ErrMailboxClosed = errors.New("mailbox closed")

	// ErrTransportClosed completes pending calls drained during transport
	// shutdown.
	ErrTransportClosed = errors.New("transport closed")
)

// RemoteError carries a fault that arrived from a remote node on the return
// path of a Call.
type RemoteError struct {
	// TypeTag identifies the remote error's type.
	TypeTag string

	// Message is the remote error's text.
	Message string
}

func (e *RemoteError) Error() string {
	if e.TypeTag != "" {
		return fmt.Sprintf("remote call failed (%s): %s", e.TypeTag, e.Message)
	}
	return fmt.Sprintf("remote call failed: %s", e.Message)
}

// TypeMismatchError is returned when a Call's response payload is not of the
// type the caller requested.
type TypeMismatchError struct {
	Want string
	Got  string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("response type mismatch: want %s, got %s", e.Want, e.Got)
}
