package core

import "context"

// Actor is a single-threaded unit of computation. The host runs OnStart,
// then serves the mailbox strictly in order until the actor is killed, then
// runs OnStop. At most one of these methods executes at a time.
type Actor interface {
	// OnStart runs before any message is dispatched. If it returns an
	// error the actor transitions directly to stopped and Spawn fails.
	OnStart(ctx context.Context, self *Ref) error

	// Receive handles one envelope. For a Call the returned value completes
	// the caller's promise; for a Send it is discarded. A returned error
	// fails the promise, fires the error hook, and leaves the actor
	// running.
	Receive(ctx context.Context, env Envelope) (any, error)

	// OnStop runs after the mailbox is drained during shutdown.
	OnStop(ctx context.Context)
}

// ErrorHook is optionally implemented by actors that want to observe
// handler errors.
type ErrorHook interface {
	OnReceiveError(ctx context.Context, env Envelope, err error)
}

// BaseActor provides no-op lifecycle hooks; embed it and override Receive.
type BaseActor struct{}

// OnStart implements Actor.
func (BaseActor) OnStart(context.Context, *Ref) error { return nil }

// OnStop implements Actor.
func (BaseActor) OnStop(context.Context) {}

// ActorFunc adapts a handler function to the Actor interface.
type ActorFunc func(ctx context.Context, env Envelope) (any, error)

// OnStart implements Actor.
func (ActorFunc) OnStart(context.Context, *Ref) error { return nil }

// Receive implements Actor.
func (f ActorFunc) Receive(ctx context.Context, env Envelope) (any, error) {
	return f(ctx, env)
}

// OnStop implements Actor.
func (ActorFunc) OnStop(context.Context) {}

// ActorInfo is one row of the system's actor listing.
type ActorInfo struct {
	Handle         Handle
	Name           string
	Implementation string
}
