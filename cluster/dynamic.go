package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/najoast/meshgo/core"
)

// DynamicRegistryOptions configures the KV-backed registry.
type DynamicRegistryOptions struct {
	// NodeID identifies this process.
	NodeID string

	// LocalEndpoint is the address peers dial to reach this node's cluster
	// transport.
	LocalEndpoint string

	// KeyPrefix namespaces every key. Defaults to "mesh".
	KeyPrefix string

	// RegistrationTTL is the lifetime of every key this node writes. TTL
	// expiry is the only mechanism that evicts crashed nodes. Defaults to
	// 30s.
	RegistrationTTL time.Duration

	// HeartbeatInterval is the refresh cadence; it must be positive and
	// strictly shorter than RegistrationTTL. Defaults to RegistrationTTL/3.
	HeartbeatInterval time.Duration

	// CacheTTL bounds the staleness of remote lookups served from the
	// per-process cache. Locally-owned entries never expire from the
	// cache. Defaults to 3s.
	CacheTTL time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (o *DynamicRegistryOptions) withDefaults() error {
	if o.NodeID == "" {
		return errors.New("dynamic registry: node id required")
	}
	if o.LocalEndpoint == "" {
		return errors.New("dynamic registry: local endpoint required")
	}
	if o.KeyPrefix == "" {
		o.KeyPrefix = "mesh"
	}
	if o.RegistrationTTL <= 0 {
		o.RegistrationTTL = 30 * time.Second
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = o.RegistrationTTL / 3
	}
	if o.HeartbeatInterval <= 0 || o.HeartbeatInterval >= o.RegistrationTTL {
		return fmt.Errorf("dynamic registry: heartbeat interval %v must be > 0 and < registration ttl %v",
			o.HeartbeatInterval, o.RegistrationTTL)
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 3 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}

type cachedLocation struct {
	loc     core.ActorLocation
	expires time.Time // zero for locally-owned entries
}

func (c cachedLocation) fresh(now time.Time) bool {
	return c.expires.IsZero() || now.Before(c.expires)
}

// DynamicRegistry resolves names and handles through an external KV with
// TTL-based liveness and pub/sub cache invalidation. It publishes
// invalidations without waiting for acknowledgement: the staleness window
// other nodes observe is bounded only by CacheTTL. Callers that need strict
// consistency must bypass the cache and read the KV directly.
type DynamicRegistry struct {
	kv   KV
	opts DynamicRegistryOptions

	mu    sync.Mutex
	local map[string]core.Handle // locally registered names

	cacheMu      sync.RWMutex
	serviceCache map[string]cachedLocation
	handleCache  map[core.Handle]cachedLocation

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	done        chan struct{}
	closeOnce   sync.Once
}

// NewDynamicRegistry registers the local node descriptor, subscribes to the
// event channel, and starts the TTL refresher.
func NewDynamicRegistry(kv KV, opts DynamicRegistryOptions) (*DynamicRegistry, error) {
	if err := opts.withDefaults(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &DynamicRegistry{
		kv:           kv,
		opts:         opts,
		local:        make(map[string]core.Handle),
		serviceCache: make(map[string]cachedLocation),
		handleCache:  make(map[core.Handle]cachedLocation),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	if err := kv.Set(ctx, r.nodeKey(opts.NodeID), opts.LocalEndpoint, opts.RegistrationTTL); err != nil {
		cancel()
		return nil, fmt.Errorf("dynamic registry: publish node descriptor: %w", err)
	}

	unsub, err := kv.Subscribe(ctx, r.eventsChannel(), r.onEvent)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("dynamic registry: subscribe: %w", err)
	}
	r.unsubscribe = unsub

	go r.refreshLoop()
	return r, nil
}

func (r *DynamicRegistry) nodeKey(nodeID string) string {
	return r.opts.KeyPrefix + ":nodes:" + nodeID
}

func (r *DynamicRegistry) serviceKey(name string) string {
	return r.opts.KeyPrefix + ":services:" + name
}

func (r *DynamicRegistry) handleKey(h core.Handle) string {
	return r.opts.KeyPrefix + ":handles:" + strconv.FormatUint(uint64(h), 10)
}

func (r *DynamicRegistry) eventsChannel() string {
	return r.opts.KeyPrefix + ":events"
}

// LocalNodeID implements core.Registry.
func (r *DynamicRegistry) LocalNodeID() string { return r.opts.NodeID }

// ResolveName implements core.Registry. Cache hits are synchronous; misses
// read the KV and prime the cache. An unreachable backend reads as "not
// found".
func (r *DynamicRegistry) ResolveName(ctx context.Context, name string) (core.ActorLocation, error) {
	now := time.Now()
	r.cacheMu.RLock()
	if c, ok := r.serviceCache[name]; ok && c.fresh(now) {
		r.cacheMu.RUnlock()
		return c.loc, nil
	}
	r.cacheMu.RUnlock()

	value, ok, err := r.kv.Get(ctx, r.serviceKey(name))
	if err != nil {
		r.opts.Logger.Warn("registry read failed", "service", name, "error", err)
		return core.ActorLocation{}, fmt.Errorf("%w: service %q", ErrNotRegistered, name)
	}
	if !ok {
		return core.ActorLocation{}, fmt.Errorf("%w: service %q", ErrNotRegistered, name)
	}
	loc, err := parseLocation(value)
	if err != nil {
		return core.ActorLocation{}, err
	}
	r.primeService(name, loc, false)
	return loc, nil
}

// ResolveHandle implements core.Registry.
func (r *DynamicRegistry) ResolveHandle(ctx context.Context, h core.Handle) (core.ActorLocation, error) {
	now := time.Now()
	r.cacheMu.RLock()
	if c, ok := r.handleCache[h]; ok && c.fresh(now) {
		r.cacheMu.RUnlock()
		return c.loc, nil
	}
	r.cacheMu.RUnlock()

	node, ok, err := r.kv.Get(ctx, r.handleKey(h))
	if err != nil {
		r.opts.Logger.Warn("registry read failed", "handle", h, "error", err)
		return core.ActorLocation{}, fmt.Errorf("%w: handle %s", ErrNotRegistered, h)
	}
	if !ok {
		return core.ActorLocation{}, fmt.Errorf("%w: handle %s", ErrNotRegistered, h)
	}
	loc := core.ActorLocation{NodeID: node, Handle: h}
	r.primeHandle(h, loc, false)
	return loc, nil
}

// Node implements core.Registry.
func (r *DynamicRegistry) Node(ctx context.Context, nodeID string) (core.NodeDescriptor, error) {
	endpoint, ok, err := r.kv.Get(ctx, r.nodeKey(nodeID))
	if err != nil {
		return core.NodeDescriptor{}, fmt.Errorf("dynamic registry: read node %q: %w", nodeID, err)
	}
	if !ok {
		return core.NodeDescriptor{}, fmt.Errorf("%w: node %q", ErrNotRegistered, nodeID)
	}
	return core.NodeDescriptor{NodeID: nodeID, Endpoint: endpoint}, nil
}

// RegisterActor implements core.Registry. The name claim is a set-if-absent
// on the service key; a conflicting live claim fails the registration.
func (r *DynamicRegistry) RegisterActor(ctx context.Context, name string, h core.Handle) error {
	value := formatLocation(core.ActorLocation{NodeID: r.opts.NodeID, Handle: h})

	existing, set, err := r.kv.SetIfAbsent(ctx, r.serviceKey(name), value, r.opts.RegistrationTTL)
	if err != nil {
		return fmt.Errorf("dynamic registry: claim %q: %w", name, err)
	}
	if !set && existing != value {
		return fmt.Errorf("%w: %q is owned by %s", core.ErrNameTaken, name, existing)
	}
	if err := r.kv.Set(ctx, r.handleKey(h), r.opts.NodeID, r.opts.RegistrationTTL); err != nil {
		return fmt.Errorf("dynamic registry: publish handle %s: %w", h, err)
	}

	r.mu.Lock()
	r.local[name] = h
	r.mu.Unlock()

	loc := core.ActorLocation{NodeID: r.opts.NodeID, Handle: h}
	r.primeService(name, loc, true)
	r.primeHandle(h, loc, true)

	event := strings.Join([]string{"service", name, r.opts.NodeID, strconv.FormatUint(uint64(h), 10)}, "|")
	if err := r.kv.Publish(ctx, r.eventsChannel(), event); err != nil {
		r.opts.Logger.Warn("registry publish failed", "event", event, "error", err)
	}
	return nil
}

// UnregisterActor implements core.Registry. Other nodes stop resolving the
// name within one pub/sub round-trip, bounded by CacheTTL when the
// notification is lost.
func (r *DynamicRegistry) UnregisterActor(ctx context.Context, name string, h core.Handle) error {
	r.mu.Lock()
	delete(r.local, name)
	r.mu.Unlock()

	r.cacheMu.Lock()
	delete(r.serviceCache, name)
	delete(r.handleCache, h)
	r.cacheMu.Unlock()

	if err := r.kv.Delete(ctx, r.serviceKey(name), r.handleKey(h)); err != nil {
		return fmt.Errorf("dynamic registry: unregister %q: %w", name, err)
	}

	event := strings.Join([]string{"remove", name, strconv.FormatUint(uint64(h), 10)}, "|")
	if err := r.kv.Publish(ctx, r.eventsChannel(), event); err != nil {
		r.opts.Logger.Warn("registry publish failed", "event", event, "error", err)
	}
	return nil
}

// Close stops the refresher and actively deletes this node's entries
// instead of waiting for TTL expiry.
func (r *DynamicRegistry) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.cancel()
		<-r.done
		if r.unsubscribe != nil {
			r.unsubscribe()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		r.mu.Lock()
		keys := []string{r.nodeKey(r.opts.NodeID)}
		for name, h := range r.local {
			keys = append(keys, r.serviceKey(name), r.handleKey(h))
			event := strings.Join([]string{"remove", name, strconv.FormatUint(uint64(h), 10)}, "|")
			if perr := r.kv.Publish(ctx, r.eventsChannel(), event); perr != nil {
				r.opts.Logger.Warn("registry publish failed", "event", event, "error", perr)
			}
		}
		r.local = make(map[string]core.Handle)
		r.mu.Unlock()

		err = r.kv.Delete(ctx, keys...)
	})
	return err
}

// refreshLoop extends the TTLs of every key this node owns. Backend errors
// are logged and retried at the next tick.
func (r *DynamicRegistry) refreshLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(r.ctx, r.opts.HeartbeatInterval)
		if err := r.kv.Refresh(ctx, r.nodeKey(r.opts.NodeID), r.opts.RegistrationTTL); err != nil {
			r.opts.Logger.Warn("registry heartbeat failed", "key", "node", "error", err)
		}
		r.mu.Lock()
		entries := make(map[string]core.Handle, len(r.local))
		for name, h := range r.local {
			entries[name] = h
		}
		r.mu.Unlock()
		for name, h := range entries {
			if err := r.kv.Refresh(ctx, r.serviceKey(name), r.opts.RegistrationTTL); err != nil {
				r.opts.Logger.Warn("registry heartbeat failed", "service", name, "error", err)
			}
			if err := r.kv.Refresh(ctx, r.handleKey(h), r.opts.RegistrationTTL); err != nil {
				r.opts.Logger.Warn("registry heartbeat failed", "handle", h, "error", err)
			}
		}
		cancel()
	}
}

// onEvent applies a pub/sub notification to the cache. Events prime or
// invalidate entries; they are advisory, so malformed ones are dropped.
func (r *DynamicRegistry) onEvent(message string) {
	parts := strings.Split(message, "|")
	switch {
	case len(parts) == 4 && parts[0] == "service":
		h, err := strconv.ParseUint(parts[3], 10, 64)
		if err != nil {
			return
		}
		if parts[2] == r.opts.NodeID {
			return // our own registration is already cached as local
		}
		loc := core.ActorLocation{NodeID: parts[2], Handle: core.Handle(h)}
		r.primeService(parts[1], loc, false)
		r.primeHandle(loc.Handle, loc, false)
	case len(parts) == 3 && parts[0] == "remove":
		h, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return
		}
		r.cacheMu.Lock()
		delete(r.serviceCache, parts[1])
		delete(r.handleCache, core.Handle(h))
		r.cacheMu.Unlock()
	}
}

func (r *DynamicRegistry) primeService(name string, loc core.ActorLocation, local bool) {
	entry := cachedLocation{loc: loc}
	if !local {
		entry.expires = time.Now().Add(r.opts.CacheTTL)
	}
	r.cacheMu.Lock()
	r.serviceCache[name] = entry
	r.cacheMu.Unlock()
}

func (r *DynamicRegistry) primeHandle(h core.Handle, loc core.ActorLocation, local bool) {
	entry := cachedLocation{loc: loc}
	if !local {
		entry.expires = time.Now().Add(r.opts.CacheTTL)
	}
	r.cacheMu.Lock()
	r.handleCache[h] = entry
	r.cacheMu.Unlock()
}

func formatLocation(loc core.ActorLocation) string {
	return loc.NodeID + "|" + strconv.FormatUint(uint64(loc.Handle), 10)
}

func parseLocation(s string) (core.ActorLocation, error) {
	node, handle, ok := strings.Cut(s, "|")
	if !ok {
		return core.ActorLocation{}, fmt.Errorf("dynamic registry: malformed location %q", s)
	}
	h, err := strconv.ParseUint(handle, 10, 64)
	if err != nil {
		return core.ActorLocation{}, fmt.Errorf("dynamic registry: malformed location %q: %w", s, err)
	}
	return core.ActorLocation{NodeID: node, Handle: core.Handle(h)}, nil
}
