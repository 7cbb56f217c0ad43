package core

import (
	"context"
	"fmt"
	"time"
)

// Handle is a 64-bit positive integer uniquely identifying an actor within
// one process. Zero is reserved as "none". Handles may be chosen by the
// caller to match a pre-agreed cluster placement, or auto-allocated starting
// from the system's configured per-node offset.
type Handle uint64

// HandleNone is the reserved zero handle.
const HandleNone Handle = 0

// IsValid reports whether the handle is addressable.
func (h Handle) IsValid() bool {
	return h != HandleNone
}

// String returns the handle in the conventional ":%016x" form.
func (h Handle) String() string {
	return fmt.Sprintf(":%016x", uint64(h))
}

// CallType distinguishes fire-and-forget delivery from request-response
// invocation.
type CallType uint8

const (
	// CallTypeSend is fire-and-forget delivery.
	CallTypeSend CallType = iota

	// CallTypeCall is request-response invocation with a completion promise.
	CallTypeCall
)

// String returns the string representation of CallType.
func (t CallType) String() string {
	switch t {
	case CallTypeSend:
		return "send"
	case CallTypeCall:
		return "call"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ProtocolVersion is stamped into every envelope this process originates.
const ProtocolVersion uint16 = 1

// Envelope is the immutable metadata record wrapping a payload in transit.
// Envelopes are constructed only by the actor system so that message-id and
// trace-id propagation is guaranteed.
type Envelope struct {
	// MessageID is monotonic per process; the first allocated value is 1.
	MessageID uint64

	// From is the sending actor, HandleNone for anonymous senders.
	From Handle

	// To is the receiving actor.
	To Handle

	// CallType is Send or Call.
	CallType CallType

	// Payload is opaque to the runtime.
	Payload any

	// TraceID is propagated across asynchronous flow.
	TraceID string

	// Timestamp is the origin wall-clock time.
	Timestamp time.Time

	// TTL optionally bounds the envelope's useful lifetime. Zero means no
	// limit.
	TTL time.Duration

	// Version is the protocol version of the originating process.
	Version uint16
}

// Response derives a reply envelope from a request: parties swap, the
// message-id is reused so the correlation layer can match it, and the
// call-type becomes Call. Applying Response twice restores the original
// orientation.
func (e Envelope) Response(payload any) Envelope {
	return Envelope{
		MessageID: e.MessageID,
		From:      e.To,
		To:        e.From,
		CallType:  CallTypeCall,
		Payload:   payload,
		TraceID:   e.TraceID,
		Timestamp: time.Now(),
		TTL:       e.TTL,
		Version:   e.Version,
	}
}

// Expired reports whether the envelope's TTL has elapsed.
func (e Envelope) Expired() bool {
	if e.TTL <= 0 {
		return false
	}
	return time.Since(e.Timestamp) > e.TTL
}

// ActorLocation is a cluster address: the node an actor lives on and its
// handle there.
type ActorLocation struct {
	NodeID string
	Handle Handle
}

// NodeDescriptor identifies a cluster node and its network endpoint.
type NodeDescriptor struct {
	NodeID   string
	Endpoint string
}

// Registry is the cluster registry contract consumed by the actor system
// and the cluster transport. A name resolves to exactly one location at any
// instant across the cluster; implementations own the uniqueness semantics.
type Registry interface {
	// LocalNodeID identifies this process in the cluster.
	LocalNodeID() string

	// ResolveName performs a global name to location lookup.
	ResolveName(ctx context.Context, name string) (ActorLocation, error)

	// ResolveHandle routes a handle to the node that currently claims it.
	ResolveHandle(ctx context.Context, h Handle) (ActorLocation, error)

	// Node returns the descriptor for a node.
	Node(ctx context.Context, nodeID string) (NodeDescriptor, error)

	// RegisterActor publishes that (name, handle) lives on this node. It
	// fails if another live node already owns the name.
	RegisterActor(ctx context.Context, name string, h Handle) error

	// UnregisterActor removes the registration.
	UnregisterActor(ctx context.Context, name string, h Handle) error
}

// Transport accepts an envelope and an optional response promise and moves
// it toward the target actor, locally or across the cluster.
type Transport interface {
	// Send delivers the envelope. When reply is non-nil the transport
	// guarantees the promise eventually completes with success, an error,
	// or cancellation.
	Send(ctx context.Context, env Envelope, reply *Promise) error

	// Close releases the transport's resources.
	Close() error
}
