package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/najoast/meshgo/core"
)

// ErrNotRegistered is returned when a name, handle, or node resolves to
// nothing.
var ErrNotRegistered = errors.New("not registered")

// StaticRegistryConfig declares the whole cluster at construction time.
type StaticRegistryConfig struct {
	// LocalNodeID identifies this process.
	LocalNodeID string

	// Nodes lists every node's descriptor, including the local one.
	Nodes []core.NodeDescriptor

	// Services pre-declares name to location placements.
	Services map[string]core.ActorLocation

	// Handles optionally pins explicit handle to node placements beyond
	// those implied by Services.
	Handles map[core.Handle]string
}

// StaticRegistry is the config-driven registry: node descriptors are
// immutable and registration is local bookkeeping only.
type StaticRegistry struct {
	localID string
	nodes   map[string]core.NodeDescriptor

	declared map[string]core.ActorLocation
	pinned   map[core.Handle]string

	mu         sync.RWMutex
	registered map[string]core.ActorLocation
	handles    map[core.Handle]string
}

// NewStaticRegistry builds a registry from a static cluster description.
func NewStaticRegistry(cfg StaticRegistryConfig) (*StaticRegistry, error) {
	if cfg.LocalNodeID == "" {
		return nil, errors.New("static registry: local node id required")
	}
	nodes := make(map[string]core.NodeDescriptor, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		nodes[n.NodeID] = n
	}
	if _, ok := nodes[cfg.LocalNodeID]; !ok {
		return nil, fmt.Errorf("static registry: local node %q not in node list", cfg.LocalNodeID)
	}

	declared := make(map[string]core.ActorLocation, len(cfg.Services))
	pinned := make(map[core.Handle]string, len(cfg.Handles))
	for name, loc := range cfg.Services {
		if _, ok := nodes[loc.NodeID]; !ok {
			return nil, fmt.Errorf("static registry: service %q on unknown node %q", name, loc.NodeID)
		}
		declared[name] = loc
		pinned[loc.Handle] = loc.NodeID
	}
	for h, node := range cfg.Handles {
		if _, ok := nodes[node]; !ok {
			return nil, fmt.Errorf("static registry: handle %s on unknown node %q", h, node)
		}
		pinned[h] = node
	}

	return &StaticRegistry{
		localID:    cfg.LocalNodeID,
		nodes:      nodes,
		declared:   declared,
		pinned:     pinned,
		registered: make(map[string]core.ActorLocation),
		handles:    make(map[core.Handle]string),
	}, nil
}

// LocalNodeID implements core.Registry.
func (r *StaticRegistry) LocalNodeID() string { return r.localID }

// ResolveName implements core.Registry.
func (r *StaticRegistry) ResolveName(_ context.Context, name string) (core.ActorLocation, error) {
	r.mu.RLock()
	loc, ok := r.registered[name]
	r.mu.RUnlock()
	if ok {
		return loc, nil
	}
	if loc, ok := r.declared[name]; ok {
		return loc, nil
	}
	return core.ActorLocation{}, fmt.Errorf("%w: service %q", ErrNotRegistered, name)
}

// ResolveHandle implements core.Registry.
func (r *StaticRegistry) ResolveHandle(_ context.Context, h core.Handle) (core.ActorLocation, error) {
	r.mu.RLock()
	node, ok := r.handles[h]
	r.mu.RUnlock()
	if !ok {
		node, ok = r.pinned[h]
	}
	if !ok {
		return core.ActorLocation{}, fmt.Errorf("%w: handle %s", ErrNotRegistered, h)
	}
	return core.ActorLocation{NodeID: node, Handle: h}, nil
}

// Node implements core.Registry.
func (r *StaticRegistry) Node(_ context.Context, nodeID string) (core.NodeDescriptor, error) {
	n, ok := r.nodes[nodeID]
	if !ok {
		return core.NodeDescriptor{}, fmt.Errorf("%w: node %q", ErrNotRegistered, nodeID)
	}
	return n, nil
}

// RegisterActor implements core.Registry. Registration is local bookkeeping:
// it fails when the name is pre-declared for a different handle or already
// registered for another one.
func (r *StaticRegistry) RegisterActor(_ context.Context, name string, h core.Handle) error {
	if loc, ok := r.declared[name]; ok && (loc.Handle != h || loc.NodeID != r.localID) {
		return fmt.Errorf("%w: %q is declared at %s on %s", core.ErrNameTaken, name, loc.Handle, loc.NodeID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if loc, ok := r.registered[name]; ok && loc.Handle != h {
		return fmt.Errorf("%w: %q", core.ErrNameTaken, name)
	}
	r.registered[name] = core.ActorLocation{NodeID: r.localID, Handle: h}
	r.handles[h] = r.localID
	return nil
}

// UnregisterActor implements core.Registry.
func (r *StaticRegistry) UnregisterActor(_ context.Context, name string, h core.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if loc, ok := r.registered[name]; ok && loc.Handle == h {
		delete(r.registered, name)
	}
	delete(r.handles, h)
	return nil
}
