package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures a System.
type Options struct {
	// NodeID identifies this process in a cluster. Defaults to "node-1".
	NodeID string

	// HandleOffset is where auto-allocation starts. Partitioning the handle
	// space by per-node offsets keeps handles cluster-unique. Defaults to 1.
	HandleOffset uint64

	// Registry optionally attaches a cluster registry. When set, named
	// actors are claimed cluster-wide and name lookups fall through to it.
	Registry Registry

	// OwnsRegistry makes Shutdown close the registry. Leave false when the
	// caller owns its lifetime.
	OwnsRegistry bool

	// Transport routes envelopes. Defaults to a short-circuit in-process
	// transport owned by the system.
	Transport Transport

	// MailboxCapacity bounds every mailbox the system creates; zero keeps
	// the unbounded default.
	MailboxCapacity int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// System owns the actor table, the name index, the message-id generator,
// the metrics registry, and the router that picks local delivery versus
// transport.
type System struct {
	nodeID  string
	logger  *slog.Logger
	metrics *Metrics

	transport     Transport
	ownsTransport bool
	registry      Registry
	ownsRegistry  bool

	mailboxCapacity int

	nextMessageID atomic.Uint64

	mu          sync.Mutex
	nextHandle  uint64
	names       map[string]Handle
	handleNames map[Handle]string
	closed      bool

	actors sync.Map // Handle -> *actorEntry
}

// NewSystem creates an actor system.
func NewSystem(opts Options) *System {
	if opts.NodeID == "" {
		opts.NodeID = "node-1"
	}
	if opts.HandleOffset == 0 {
		opts.HandleOffset = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &System{
		nodeID:          opts.NodeID,
		logger:          opts.Logger,
		metrics:         NewMetrics(),
		registry:        opts.Registry,
		ownsRegistry:    opts.OwnsRegistry,
		mailboxCapacity: opts.MailboxCapacity,
		nextHandle:      opts.HandleOffset,
		names:           make(map[string]Handle),
		handleNames:     make(map[Handle]string),
	}
	if opts.Transport != nil {
		s.transport = opts.Transport
	} else {
		s.transport = NewLocalTransport(s, LocalTransportOptions{ShortCircuit: true})
		s.ownsTransport = true
	}
	return s
}

// NodeID returns this process's cluster identifier.
func (s *System) NodeID() string { return s.nodeID }

// Metrics returns the system's metrics registry.
func (s *System) Metrics() *Metrics { return s.metrics }

// SetTransport replaces the default transport. It must be called before any
// actors exchange messages, typically right after construction.
func (s *System) SetTransport(t Transport, owned bool) {
	if s.ownsTransport && s.transport != nil {
		s.transport.Close()
	}
	s.transport = t
	s.ownsTransport = owned
}

// SpawnOptions configures one actor.
type SpawnOptions struct {
	// Name optionally registers the actor in the name index (and the
	// cluster registry, when one is attached).
	Name string

	// Handle optionally pins an explicit handle to match a pre-agreed
	// cluster placement. Zero auto-allocates.
	Handle Handle

	// MailboxCapacity overrides the system default for this actor.
	MailboxCapacity int
}

// Spawn creates an actor, runs its start hook, and publishes it. The
// returned handle addresses a running actor. On any failure the actor is
// fully rolled back: handle and name released, metrics unregistered,
// cluster claim undone.
func (s *System) Spawn(ctx context.Context, impl Actor, opts SpawnOptions) (Handle, error) {
	h, entry, err := s.reserve(impl, opts)
	if err != nil {
		return HandleNone, err
	}
	s.metrics.Register(h, opts.Name, fmt.Sprintf("%T", impl))

	go entry.run()

	if _, err := entry.started.Await(ctx); err != nil {
		s.destroyEntry(h, entry)
		return HandleNone, fmt.Errorf("actor start failed: %w", err)
	}

	// The cluster claim happens after a successful start; a conflicting
	// claim rolls the local registration back before the error reaches the
	// caller.
	if s.registry != nil && opts.Name != "" {
		if err := s.registry.RegisterActor(ctx, opts.Name, h); err != nil {
			s.destroyEntry(h, entry)
			return HandleNone, fmt.Errorf("cluster claim for %q failed: %w", opts.Name, err)
		}
	}

	s.logger.Debug("actor spawned", "handle", h, "name", opts.Name)
	return h, nil
}

// reserve atomically claims a handle and, if requested, a name, and
// publishes the entry to the actor table. Mutations of the two indices
// appear atomic to readers.
func (s *System) reserve(impl Actor, opts SpawnOptions) (Handle, *actorEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return HandleNone, nil, ErrSystemStopped
	}

	h := opts.Handle
	if h != HandleNone {
		if _, taken := s.actors.Load(h); taken {
			return HandleNone, nil, fmt.Errorf("%w: %s", ErrHandleInUse, h)
		}
	} else {
		for {
			h = Handle(s.nextHandle)
			s.nextHandle++
			if !h.IsValid() {
				continue
			}
			if _, taken := s.actors.Load(h); !taken {
				break
			}
		}
	}

	if opts.Name != "" {
		if _, taken := s.names[opts.Name]; taken {
			return HandleNone, nil, fmt.Errorf("%w: %q", ErrNameTaken, opts.Name)
		}
		s.names[opts.Name] = h
		s.handleNames[h] = opts.Name
	}

	capacity := opts.MailboxCapacity
	if capacity == 0 {
		capacity = s.mailboxCapacity
	}
	entry := newActorEntry(s, h, opts.Name, impl, capacity)
	s.actors.Store(h, entry)
	return h, entry, nil
}

// destroyEntry stops an actor and rolls back every table it touched.
func (s *System) destroyEntry(h Handle, entry *actorEntry) {
	entry.cancel()
	<-entry.stopped.Done()

	s.actors.Delete(h)
	s.metrics.Unregister(h)

	s.mu.Lock()
	name := s.handleNames[h]
	delete(s.handleNames, h)
	if name != "" {
		delete(s.names, name)
	}
	s.mu.Unlock()
}

// GetByHandle returns a reference to a local running actor.
func (s *System) GetByHandle(h Handle) (*Ref, error) {
	if !h.IsValid() {
		return nil, ErrInvalidHandle
	}
	if _, ok := s.actors.Load(h); !ok {
		return nil, fmt.Errorf("%w: %s", ErrActorNotFound, h)
	}
	return &Ref{system: s, handle: h}, nil
}

// GetByName resolves a name locally, then through the cluster registry when
// one is attached.
func (s *System) GetByName(ctx context.Context, name string) (*Ref, error) {
	if h, ok := s.TryGetHandleByName(name); ok {
		return &Ref{system: s, handle: h}, nil
	}
	if s.registry != nil {
		if loc, err := s.registry.ResolveName(ctx, name); err == nil {
			return &Ref{system: s, handle: loc.Handle}, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrActorNotFound, name)
}

// TryGetHandleByName looks a name up in the local index only.
func (s *System) TryGetHandleByName(name string) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.names[name]
	return h, ok
}

// GetOrCreateUnique returns a reference to the sole actor with the given
// name, creating it when absent. Concurrent callers converge on the same
// handle; the factory is invoked at most once successfully.
func (s *System) GetOrCreateUnique(ctx context.Context, name string, factory func() Actor) (*Ref, error) {
	for attempt := 0; ; attempt++ {
		if ref, err := s.GetByName(ctx, name); err == nil {
			return ref, nil
		}
		h, err := s.Spawn(ctx, factory(), SpawnOptions{Name: name})
		if err == nil {
			return &Ref{system: s, handle: h}, nil
		}
		if !errors.Is(err, ErrNameTaken) || attempt >= 3 {
			return nil, err
		}
	}
}

// newEnvelope is the only envelope constructor: it allocates the message-id
// and captures the ambient trace-id.
func (s *System) newEnvelope(ctx context.Context, from, to Handle, ct CallType, payload any) Envelope {
	return Envelope{
		MessageID: s.nextMessageID.Add(1),
		From:      from,
		To:        to,
		CallType:  ct,
		Payload:   payload,
		TraceID:   TraceID(ctx),
		Timestamp: time.Now(),
		Version:   ProtocolVersion,
	}
}

// Send delivers a fire-and-forget message with no sender.
func (s *System) Send(ctx context.Context, to Handle, payload any) error {
	return s.SendFrom(ctx, HandleNone, to, payload)
}

// SendFrom delivers a fire-and-forget message on behalf of a sender. It
// completes once the transport has accepted the envelope.
func (s *System) SendFrom(ctx context.Context, from, to Handle, payload any) error {
	if !to.IsValid() {
		return ErrInvalidHandle
	}
	env := s.newEnvelope(ctx, from, to, CallTypeSend, payload)
	return s.transport.Send(ctx, env, nil)
}

// Call issues a request with no sender and waits for the response.
func (s *System) Call(ctx context.Context, to Handle, payload any) (any, error) {
	return s.CallFrom(ctx, HandleNone, to, payload)
}

// CallTimeout issues a request bounded by the given timeout on top of the
// caller's cancellation.
func (s *System) CallTimeout(ctx context.Context, to Handle, payload any, timeout time.Duration) (any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.CallFrom(ctx, HandleNone, to, payload)
}

// CallFrom issues a request on behalf of a sender. The response promise is
// completed exactly once: by the reply, the caller's cancellation, or the
// timeout — whichever wins.
func (s *System) CallFrom(ctx context.Context, from, to Handle, payload any) (any, error) {
	if !to.IsValid() {
		return nil, ErrInvalidHandle
	}
	env := s.newEnvelope(ctx, from, to, CallTypeCall, payload)
	reply := NewPromise()
	stop := linkCancellation(ctx, reply)
	defer stop()

	if err := s.transport.Send(ctx, env, reply); err != nil {
		reply.Fail(err)
		return nil, err
	}
	return reply.Await(ctx)
}

// CallAs is Call with the response typed as T; a payload of a different
// type fails with TypeMismatchError.
func CallAs[T any](ctx context.Context, s *System, to Handle, payload any) (T, error) {
	var zero T
	res, err := s.Call(ctx, to, payload)
	if err != nil {
		return zero, err
	}
	typed, ok := res.(T)
	if !ok {
		return zero, &TypeMismatchError{
			Want: fmt.Sprintf("%T", zero),
			Got:  fmt.Sprintf("%T", res),
		}
	}
	return typed, nil
}

// HasActor reports whether the handle addresses a local actor.
func (s *System) HasActor(h Handle) bool {
	_, ok := s.actors.Load(h)
	return ok
}

// DeliverLocal is the local-delivery entry point used by every transport:
// look the target up, await its startup, enqueue. An unknown target fails
// the response promise and the caller.
func (s *System) DeliverLocal(ctx context.Context, env Envelope, reply *Promise) error {
	v, ok := s.actors.Load(env.To)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrActorNotFound, env.To)
		if reply != nil {
			reply.Fail(err)
		}
		return err
	}
	entry := v.(*actorEntry)
	if _, err := entry.started.Await(ctx); err != nil {
		if reply != nil {
			reply.Fail(err)
		}
		return err
	}
	return entry.enqueue(ctx, env, reply)
}

// Kill stops an actor. Returns true iff the actor was present; it blocks
// until the stop hook has run and the actor is removed from every index.
func (s *System) Kill(h Handle) bool {
	v, ok := s.actors.Load(h)
	if !ok {
		return false
	}
	entry := v.(*actorEntry)

	s.mu.Lock()
	name := s.handleNames[h]
	s.mu.Unlock()

	s.destroyEntry(h, entry)

	if s.registry != nil && name != "" {
		if err := s.registry.UnregisterActor(context.Background(), name, h); err != nil {
			s.logger.Warn("cluster unregister failed", "name", name, "handle", h, "error", err)
		}
	}
	s.logger.Debug("actor killed", "handle", h, "name", name)
	return true
}

// ListActors returns a snapshot of (handle, name, implementation tag).
func (s *System) ListActors() []ActorInfo {
	var out []ActorInfo
	s.actors.Range(func(k, v any) bool {
		e := v.(*actorEntry)
		out = append(out, ActorInfo{
			Handle:         k.(Handle),
			Name:           e.name,
			Implementation: fmt.Sprintf("%T", e.impl),
		})
		return true
	})
	return out
}

// Shutdown stops every actor, then disposes the transport and registry the
// system owns.
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var handles []Handle
	s.actors.Range(func(k, _ any) bool {
		handles = append(handles, k.(Handle))
		return true
	})
	for _, h := range handles {
		s.Kill(h)
	}

	if s.ownsTransport && s.transport != nil {
		if err := s.transport.Close(); err != nil {
			s.logger.Warn("transport close failed", "error", err)
		}
	}
	if s.ownsRegistry {
		if closer, ok := s.registry.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				s.logger.Warn("registry close failed", "error", err)
			}
		}
	}
	return ctx.Err()
}

// Ref is a reference to an actor, local or remote.
type Ref struct {
	system *System
	handle Handle
}

// Handle returns the referenced handle.
func (r *Ref) Handle() Handle { return r.handle }

// Send delivers a fire-and-forget message to the referenced actor.
func (r *Ref) Send(ctx context.Context, payload any) error {
	return r.system.Send(ctx, r.handle, payload)
}

// Call issues a request to the referenced actor and waits for the response.
func (r *Ref) Call(ctx context.Context, payload any) (any, error) {
	return r.system.Call(ctx, r.handle, payload)
}
