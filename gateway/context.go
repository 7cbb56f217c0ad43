package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/najoast/meshgo/core"
)

// SessionMeta is the immutable identity of one client session.
type SessionMeta struct {
	// ID is an opaque, collision-resistant token assigned on accept.
	// Reconnections produce a new ID.
	ID string

	// Protocol is "tcp" or "ws".
	Protocol string

	// RemoteAddr is the client's network address.
	RemoteAddr string

	// ConnectedAt is the accept time.
	ConnectedAt time.Time
}

// SessionContext is what routers see: the session's identity, a per-session
// state bag, and the messaging surface of the session actor.
type SessionContext struct {
	system *core.System
	handle core.Handle
	conn   Conn
	meta   SessionMeta
	logger *slog.Logger

	values sync.Map
	bound  atomic.Uint64
}

// Meta returns the session's immutable metadata.
func (c *SessionContext) Meta() SessionMeta { return c.meta }

// Handle returns the session actor's handle.
func (c *SessionContext) Handle() core.Handle { return c.handle }

// Logger returns a logger scoped to this session.
func (c *SessionContext) Logger() *slog.Logger { return c.logger }

// Send writes raw bytes to the client.
func (c *SessionContext) Send(data []byte) error {
	return c.conn.Write(data)
}

// SendString writes a text message to the client.
func (c *SessionContext) SendString(s string) error {
	return c.conn.Write([]byte(s))
}

// Forward fire-and-forgets a payload to another actor, preserving the
// session as the sender.
func (c *SessionContext) Forward(ctx context.Context, target core.Handle, payload any) error {
	return c.system.SendFrom(ctx, c.handle, target, payload)
}

// Call issues a request to another actor on behalf of the session.
func (c *SessionContext) Call(ctx context.Context, target core.Handle, payload any) (any, error) {
	return c.system.CallFrom(ctx, c.handle, target, payload)
}

// CallTimeout is Call bounded by a timeout.
func (c *SessionContext) CallTimeout(ctx context.Context, target core.Handle, payload any, timeout time.Duration) (any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return c.system.CallFrom(ctx, c.handle, target, payload)
}

// BindActor records an associated actor for routing convenience.
func (c *SessionContext) BindActor(h core.Handle) {
	c.bound.Store(uint64(h))
}

// BoundActor returns the associated actor, or HandleNone.
func (c *SessionContext) BoundActor() core.Handle {
	return core.Handle(c.bound.Load())
}

// Set stores a per-session value.
func (c *SessionContext) Set(key string, value any) {
	c.values.Store(key, value)
}

// Get reads a per-session value.
func (c *SessionContext) Get(key string) (any, bool) {
	return c.values.Load(key)
}

// Delete removes a per-session value.
func (c *SessionContext) Delete(key string) {
	c.values.Delete(key)
}
