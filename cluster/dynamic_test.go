package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/meshgo/core"
)

// fakeKV is an in-memory KV with a synchronous pub/sub bus, shared between
// the registries under test the way a Redis instance would be.
type fakeKV struct {
	mu     sync.Mutex
	data   map[string]string
	ttls   map[string]time.Duration
	subs   map[string][]func(string)
	fail   bool
	closed bool
}

func newFakeKV() *fakeKV {
	return &fakeKV{
		data: make(map[string]string),
		ttls: make(map[string]time.Duration),
		subs: make(map[string][]func(string)),
	}
}

func (f *fakeKV) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", false, assertErr
	}
	if existing, ok := f.data[key]; ok {
		return existing, false, nil
	}
	f.data[key] = value
	f.ttls[key] = ttl
	return value, true, nil
}

func (f *fakeKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assertErr
	}
	f.data[key] = value
	f.ttls[key] = ttl
	return nil
}

func (f *fakeKV) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", false, assertErr
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeKV) Refresh(_ context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttls[key] = ttl
	return nil
}

func (f *fakeKV) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
		delete(f.ttls, k)
	}
	return nil
}

func (f *fakeKV) Publish(_ context.Context, channel, message string) error {
	f.mu.Lock()
	handlers := append([]func(string){}, f.subs[channel]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(message)
	}
	return nil
}

func (f *fakeKV) Subscribe(_ context.Context, channel string, handler func(string)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[channel] = append(f.subs[channel], handler)
	return func() {}, nil
}

var assertErr = &testBackendError{}

type testBackendError struct{}

func (*testBackendError) Error() string { return "backend unreachable" }

func newDynamic(t *testing.T, kv KV, nodeID string) *DynamicRegistry {
	t.Helper()
	r, err := NewDynamicRegistry(kv, DynamicRegistryOptions{
		NodeID:            nodeID,
		LocalEndpoint:     "127.0.0.1:0",
		KeyPrefix:         "test",
		RegistrationTTL:   time.Second,
		HeartbeatInterval: 100 * time.Millisecond,
		CacheTTL:          time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestDynamicValidatesHeartbeat(t *testing.T) {
	_, err := NewDynamicRegistry(newFakeKV(), DynamicRegistryOptions{
		NodeID:            "a",
		LocalEndpoint:     "x:1",
		RegistrationTTL:   time.Second,
		HeartbeatInterval: time.Second,
	})
	assert.Error(t, err)

	_, err = NewDynamicRegistry(newFakeKV(), DynamicRegistryOptions{
		NodeID:            "a",
		LocalEndpoint:     "x:1",
		RegistrationTTL:   time.Second,
		HeartbeatInterval: -time.Second,
	})
	assert.Error(t, err)
}

func TestDynamicRegisterResolve(t *testing.T) {
	kv := newFakeKV()
	regA := newDynamic(t, kv, "node-a")
	regB := newDynamic(t, kv, "node-b")
	ctx := context.Background()

	require.NoError(t, regA.RegisterActor(ctx, "svc", 42))

	loc, err := regB.ResolveName(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, "node-a", loc.NodeID)
	assert.Equal(t, core.Handle(42), loc.Handle)

	loc, err = regB.ResolveHandle(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "node-a", loc.NodeID)

	desc, err := regB.Node(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", desc.Endpoint)
}

func TestDynamicNameExclusivity(t *testing.T) {
	kv := newFakeKV()
	regA := newDynamic(t, kv, "node-a")
	regB := newDynamic(t, kv, "node-b")
	ctx := context.Background()

	require.NoError(t, regA.RegisterActor(ctx, "unique", 1))
	err := regB.RegisterActor(ctx, "unique", 2)
	assert.ErrorIs(t, err, core.ErrNameTaken)

	// After unregister the claim is free again.
	require.NoError(t, regA.UnregisterActor(ctx, "unique", 1))
	assert.NoError(t, regB.RegisterActor(ctx, "unique", 2))
}

func TestDynamicUnregisterInvalidatesPeerCache(t *testing.T) {
	kv := newFakeKV()
	regA := newDynamic(t, kv, "node-a")
	regB := newDynamic(t, kv, "node-b")
	ctx := context.Background()

	require.NoError(t, regA.RegisterActor(ctx, "svc", 42))

	// Prime B's cache. CacheTTL is a minute, so only the pub/sub
	// invalidation can explain a subsequent miss.
	_, err := regB.ResolveName(ctx, "svc")
	require.NoError(t, err)

	require.NoError(t, regA.UnregisterActor(ctx, "svc", 42))

	_, err = regB.ResolveName(ctx, "svc")
	assert.ErrorIs(t, err, ErrNotRegistered)

	// The KV key itself is gone.
	_, ok, err := kv.Get(ctx, "test:services:svc")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDynamicEventPrimesPeerCache(t *testing.T) {
	kv := newFakeKV()
	regA := newDynamic(t, kv, "node-a")
	regB := newDynamic(t, kv, "node-b")
	ctx := context.Background()

	require.NoError(t, regA.RegisterActor(ctx, "svc", 9))

	// Make direct KV reads fail: only B's event-primed cache can answer.
	kv.mu.Lock()
	kv.fail = true
	kv.mu.Unlock()

	loc, err := regB.ResolveName(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, core.Handle(9), loc.Handle)
}

func TestDynamicUnreachableBackendReadsAsNotFound(t *testing.T) {
	kv := newFakeKV()
	reg := newDynamic(t, kv, "node-a")
	ctx := context.Background()

	kv.mu.Lock()
	kv.fail = true
	kv.mu.Unlock()

	_, err := reg.ResolveName(ctx, "anything")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestDynamicCloseDeletesKeys(t *testing.T) {
	kv := newFakeKV()
	reg := newDynamic(t, kv, "node-a")
	ctx := context.Background()

	require.NoError(t, reg.RegisterActor(ctx, "svc", 1))
	require.NoError(t, reg.Close())

	for _, key := range []string{"test:nodes:node-a", "test:services:svc", "test:handles:1"} {
		_, ok, err := kv.Get(ctx, key)
		require.NoError(t, err)
		assert.False(t, ok, key)
	}
}

func TestDynamicHeartbeatRefreshesTTL(t *testing.T) {
	kv := newFakeKV()
	reg := newDynamic(t, kv, "node-a")
	ctx := context.Background()
	require.NoError(t, reg.RegisterActor(ctx, "svc", 1))

	// Poison the recorded TTL, then wait for the refresher to restore it.
	kv.mu.Lock()
	kv.ttls["test:services:svc"] = 0
	kv.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		kv.mu.Lock()
		ttl := kv.ttls["test:services:svc"]
		kv.mu.Unlock()
		if ttl == time.Second {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("refresher never extended the TTL")
}
