package cluster

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/meshgo/core"
)

// reservePort grabs a free localhost port. The listener is closed so the
// transport under test can bind the same address.
func reservePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// echoActor answers "ping" with "echo:pong" and upper-level payloads with
// themselves.
type echoActor struct {
	core.BaseActor
}

func (echoActor) Receive(_ context.Context, env core.Envelope) (any, error) {
	if s, ok := env.Payload.(string); ok && s == "ping" {
		return "echo:pong", nil
	}
	return env.Payload, nil
}

type clusterNode struct {
	system    *core.System
	transport *TCPTransport
	registry  *StaticRegistry
}

// startPair wires two systems over real TCP with a static registry.
func startPair(t *testing.T, heartbeat time.Duration) (node1, node2 clusterNode) {
	t.Helper()

	addr1 := reservePort(t)
	addr2 := reservePort(t)

	regConfig := func(local string) StaticRegistryConfig {
		return StaticRegistryConfig{
			LocalNodeID: local,
			Nodes: []core.NodeDescriptor{
				{NodeID: "node-1", Endpoint: addr1},
				{NodeID: "node-2", Endpoint: addr2},
			},
			Services: map[string]core.ActorLocation{
				"echo": {NodeID: "node-2", Handle: 1001},
			},
		}
	}

	build := func(local, addr string, offset uint64) clusterNode {
		reg, err := NewStaticRegistry(regConfig(local))
		require.NoError(t, err)
		sys := core.NewSystem(core.Options{NodeID: local, HandleOffset: offset, Registry: reg})
		tr, err := NewTCPTransport(sys, reg, TransportOptions{
			ListenAddress:     addr,
			ConnectTimeout:    2 * time.Second,
			HeartbeatInterval: heartbeat,
		})
		require.NoError(t, err)
		sys.SetTransport(tr, true)
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			sys.Shutdown(ctx)
		})
		return clusterNode{system: sys, transport: tr, registry: reg}
	}

	node1 = build("node-1", addr1, 1_000_000)
	node2 = build("node-2", addr2, 2_000_000)
	return node1, node2
}

func TestClusterCallRoundTrip(t *testing.T) {
	node1, node2 := startPair(t, 0)
	ctx := context.Background()

	_, err := node2.system.Spawn(ctx, echoActor{}, core.SpawnOptions{Name: "echo", Handle: 1001})
	require.NoError(t, err)

	ref, err := node1.system.GetByName(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, core.Handle(1001), ref.Handle())

	res, err := ref.Call(ctx, "ping")
	require.NoError(t, err)
	assert.Equal(t, "echo:pong", res)
}

func TestClusterSendFireAndForget(t *testing.T) {
	node1, node2 := startPair(t, 50*time.Millisecond)
	ctx := context.Background()

	got := make(chan string, 1)
	_, err := node2.system.Spawn(ctx, core.ActorFunc(func(_ context.Context, env core.Envelope) (any, error) {
		if s, ok := env.Payload.(string); ok {
			got <- s
		}
		return nil, nil
	}), core.SpawnOptions{Name: "echo", Handle: 1001})
	require.NoError(t, err)

	require.NoError(t, node1.system.Send(ctx, core.Handle(1001), "fire"))

	select {
	case s := <-got:
		assert.Equal(t, "fire", s)
	case <-time.After(2 * time.Second):
		t.Fatal("send never arrived")
	}
}

func TestClusterRemoteFault(t *testing.T) {
	node1, node2 := startPair(t, 0)
	ctx := context.Background()

	_, err := node2.system.Spawn(ctx, core.ActorFunc(func(context.Context, core.Envelope) (any, error) {
		return nil, assertErr
	}), core.SpawnOptions{Name: "echo", Handle: 1001})
	require.NoError(t, err)

	_, err = node1.system.Call(ctx, core.Handle(1001), "ping")
	var remote *core.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Contains(t, remote.Message, "backend unreachable")
}

func TestClusterTraceIDCrossesTheWire(t *testing.T) {
	node1, node2 := startPair(t, 0)
	ctx := core.WithTraceID(context.Background(), "trace-42")

	seen := make(chan string, 1)
	_, err := node2.system.Spawn(ctx, core.ActorFunc(func(ctx context.Context, _ core.Envelope) (any, error) {
		seen <- core.TraceID(ctx)
		return nil, nil
	}), core.SpawnOptions{Name: "echo", Handle: 1001})
	require.NoError(t, err)

	_, err = node1.system.Call(ctx, core.Handle(1001), "x")
	require.NoError(t, err)
	assert.Equal(t, "trace-42", <-seen)
}

func TestClusterUnknownTargetFailsFast(t *testing.T) {
	node1, _ := startPair(t, 0)

	_, err := node1.system.Call(context.Background(), core.Handle(777), "x")
	assert.ErrorIs(t, err, core.ErrActorNotFound)
}

func TestClusterCloseCancelsPendingCalls(t *testing.T) {
	node1, node2 := startPair(t, 0)
	ctx := context.Background()

	// A callee that never answers within the test window.
	_, err := node2.system.Spawn(ctx, core.ActorFunc(func(ctx context.Context, _ core.Envelope) (any, error) {
		select {
		case <-time.After(30 * time.Second):
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}), core.SpawnOptions{Name: "echo", Handle: 1001})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := node1.system.Call(ctx, core.Handle(1001), "hang")
		done <- err
	}()

	// Let the call reach the wire, then close the caller's transport.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, node1.transport.Close())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pending call survived transport shutdown")
	}
}

func TestClusterCallTimesOutWithoutPeerPurge(t *testing.T) {
	node1, node2 := startPair(t, 0)
	ctx := context.Background()

	_, err := node2.system.Spawn(ctx, core.ActorFunc(func(ctx context.Context, _ core.Envelope) (any, error) {
		select {
		case <-time.After(30 * time.Second):
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}), core.SpawnOptions{Name: "echo", Handle: 1001})
	require.NoError(t, err)

	// The callee never answers and nothing purges the pending entry; the
	// call resolves through its own timeout.
	_, err = node1.system.CallTimeout(ctx, core.Handle(1001), "hang", 200*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
