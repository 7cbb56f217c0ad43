package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/najoast/meshgo/codec"
	"github.com/najoast/meshgo/core"
)

// Deliverer is the slice of the actor system the cluster transport needs:
// the local-delivery entry point plus a local-actor check.
type Deliverer interface {
	DeliverLocal(ctx context.Context, env core.Envelope, reply *core.Promise) error
	HasActor(h core.Handle) bool
}

// TransportOptions configures a TCPTransport.
type TransportOptions struct {
	// ListenAddress is the address the transport accepts peers on,
	// e.g. ":7000" or "10.0.0.1:7000".
	ListenAddress string

	// ConnectTimeout bounds outbound dials. Defaults to 5s.
	ConnectTimeout time.Duration

	// HeartbeatInterval is the cadence of empty heartbeat frames. Zero
	// disables heartbeats; dead peers then surface only through read or
	// write errors.
	HeartbeatInterval time.Duration

	// MaxFrameBytes bounds a single frame's payload. Defaults to
	// DefaultMaxFrameBytes.
	MaxFrameBytes int

	// Codec serializes envelope payloads. Defaults to codec.NewJSON().
	Codec codec.Codec

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// TransportStats counts wire activity. Snapshots are value copies.
type TransportStats struct {
	MessagesSent     int64
	MessagesReceived int64
	BytesSent        int64
	BytesReceived    int64
	ConnectionsOpen  int
	Errors           int64
}

// peerSlot holds the per-peer double-checked lock guarding connection
// creation: the outer peers map hands out slots, the slot mutex serializes
// dialing so only one goroutine connects to a given peer at a time.
type peerSlot struct {
	mu   sync.Mutex
	conn *peerConn
}

// peerConn is one duplex link. The connection owns the socket and its read
// and heartbeat loops; tearing it down cancels the connection's context,
// which both loops observe.
type peerConn struct {
	nodeID string
	conn   net.Conn

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// TCPTransport carries envelopes between nodes over framed, heartbeated
// duplex links with a pending-call table keyed by message id.
type TCPTransport struct {
	nodeID   string
	delivery Deliverer
	registry core.Registry
	opts     TransportOptions
	logger   *slog.Logger

	listener net.Listener

	peersMu sync.Mutex
	peers   map[string]*peerSlot

	// pending maps message-id to the response promise of an outstanding
	// Call. Entries are removed on reply, cancellation, or shutdown; late
	// replies for a removed entry are discarded.
	pending sync.Map // uint64 -> *core.Promise

	sent     atomic.Int64
	received atomic.Int64
	sentB    atomic.Int64
	recvB    atomic.Int64
	errs     atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewTCPTransport starts listening and returns a running transport bound to
// the deliverer and registry.
func NewTCPTransport(delivery Deliverer, registry core.Registry, opts TransportOptions) (*TCPTransport, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if opts.Codec == nil {
		opts.Codec = codec.NewJSON()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ln, err := net.Listen("tcp", opts.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("cluster transport listen: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &TCPTransport{
		nodeID:   registry.LocalNodeID(),
		delivery: delivery,
		registry: registry,
		opts:     opts,
		logger:   opts.Logger,
		listener: ln,
		peers:    make(map[string]*peerSlot),
		ctx:      ctx,
		cancel:   cancel,
	}

	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

// Addr returns the listener address; useful when binding to ":0".
func (t *TCPTransport) Addr() string {
	return t.listener.Addr().String()
}

// Stats returns a point-in-time copy of the wire counters.
func (t *TCPTransport) Stats() TransportStats {
	t.peersMu.Lock()
	open := 0
	for _, slot := range t.peers {
		slot.mu.Lock()
		if slot.conn != nil {
			open++
		}
		slot.mu.Unlock()
	}
	t.peersMu.Unlock()

	return TransportStats{
		MessagesSent:     t.sent.Load(),
		MessagesReceived: t.received.Load(),
		BytesSent:        t.sentB.Load(),
		BytesReceived:    t.recvB.Load(),
		ConnectionsOpen:  open,
		Errors:           t.errs.Load(),
	}
}

// Send implements core.Transport: local targets short-circuit into the
// actor system, remote targets are resolved through the registry and
// shipped over the peer link.
func (t *TCPTransport) Send(ctx context.Context, env core.Envelope, reply *core.Promise) error {
	if t.delivery.HasActor(env.To) {
		return t.delivery.DeliverLocal(ctx, env, reply)
	}

	loc, err := t.registry.ResolveHandle(ctx, env.To)
	if err != nil {
		err = fmt.Errorf("%w: %s", core.ErrActorNotFound, env.To)
		if reply != nil {
			reply.Fail(err)
		}
		return err
	}
	if loc.NodeID == t.nodeID {
		return t.delivery.DeliverLocal(ctx, env, reply)
	}

	if reply != nil {
		t.pending.Store(env.MessageID, reply)
		// The pending entry is removed whichever way the promise
		// completes; removal is idempotent.
		go func() {
			select {
			case <-reply.Done():
			case <-t.ctx.Done():
				reply.Fail(core.ErrTransportClosed)
			}
			t.pending.Delete(env.MessageID)
		}()
	}

	p, err := t.getPeer(ctx, loc.NodeID)
	if err != nil {
		t.pending.Delete(env.MessageID)
		if reply != nil {
			reply.Fail(err)
		}
		return err
	}

	data, err := encodeEnvelope(env, t.opts.Codec)
	if err != nil {
		t.pending.Delete(env.MessageID)
		if reply != nil {
			reply.Fail(err)
		}
		return err
	}

	if err := t.writeEnvelope(p, data); err != nil {
		t.pending.Delete(env.MessageID)
		err = fmt.Errorf("cluster transport write to %s: %w", loc.NodeID, err)
		if reply != nil {
			reply.Fail(err)
		}
		return err
	}
	return nil
}

func (t *TCPTransport) writeEnvelope(p *peerConn, data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := writeFrame(p.conn, frameEnvelope, data, t.opts.MaxFrameBytes); err != nil {
		t.errs.Add(1)
		t.dropPeer(p)
		return err
	}
	t.sent.Add(1)
	t.sentB.Add(int64(frameHeaderSize + len(data)))
	return nil
}

// getPeer returns the live connection to a node, dialing under the per-peer
// lock when absent. A failed connect leaves the slot empty for later retry.
func (t *TCPTransport) getPeer(ctx context.Context, nodeID string) (*peerConn, error) {
	t.peersMu.Lock()
	slot, ok := t.peers[nodeID]
	if !ok {
		slot = &peerSlot{}
		t.peers[nodeID] = slot
	}
	t.peersMu.Unlock()

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.conn != nil {
		return slot.conn, nil
	}
	if t.ctx.Err() != nil {
		return nil, core.ErrTransportClosed
	}

	desc, err := t.registry.Node(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("cluster transport: no endpoint for node %q: %w", nodeID, err)
	}

	conn, err := net.DialTimeout("tcp", desc.Endpoint, t.opts.ConnectTimeout)
	if err != nil {
		t.errs.Add(1)
		return nil, fmt.Errorf("cluster transport dial %s (%s): %w", nodeID, desc.Endpoint, err)
	}

	// Outbound handshake: write ours first, then read theirs.
	conn.SetDeadline(time.Now().Add(t.opts.ConnectTimeout))
	hs, err := encodeHandshake(t.nodeID)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := writeFrame(conn, frameHandshake, hs, t.opts.MaxFrameBytes); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cluster transport handshake write: %w", err)
	}
	remoteID, err := t.readHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("cluster transport handshake: %w", err)
	}
	if remoteID != nodeID {
		conn.Close()
		return nil, fmt.Errorf("cluster transport handshake: expected node %q, got %q", nodeID, remoteID)
	}
	conn.SetDeadline(time.Time{})

	p := t.bindPeer(remoteID, conn)
	slot.conn = p
	t.logger.Info("cluster peer connected", "direction", "outbound", "peer", remoteID, "endpoint", desc.Endpoint)
	return p, nil
}

func (t *TCPTransport) readHandshake(conn net.Conn) (string, error) {
	typ, payload, err := readFrame(conn, t.opts.MaxFrameBytes)
	if err != nil {
		return "", err
	}
	if typ != frameHandshake {
		return "", &ProtocolError{Reason: fmt.Sprintf("expected handshake frame, got %d", typ)}
	}
	return decodeHandshake(payload)
}

// bindPeer wires a handshaken socket into a peerConn and starts its loops.
func (t *TCPTransport) bindPeer(nodeID string, conn net.Conn) *peerConn {
	ctx, cancel := context.WithCancel(t.ctx)
	p := &peerConn{
		nodeID: nodeID,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}
	t.wg.Add(1)
	go t.readLoop(p)
	if t.opts.HeartbeatInterval > 0 {
		t.wg.Add(1)
		go t.heartbeatLoop(p)
	}
	return p
}

// acceptLoop serves inbound peers until cancellation; non-fatal accept
// errors are logged and the loop continues.
func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				t.errs.Add(1)
				t.logger.Error("cluster accept error", "error", err)
				continue
			}
		}
		t.wg.Add(1)
		go t.handleInbound(conn)
	}
}

// handleInbound performs the inbound half of the handshake: read the
// peer's node-id first, then reply with ours. No envelopes flow until the
// handshake completes.
func (t *TCPTransport) handleInbound(conn net.Conn) {
	defer t.wg.Done()

	conn.SetDeadline(time.Now().Add(t.opts.ConnectTimeout))
	remoteID, err := t.readHandshake(conn)
	if err != nil {
		t.errs.Add(1)
		t.logger.Warn("cluster handshake read failed", "error", err)
		conn.Close()
		return
	}
	hs, err := encodeHandshake(t.nodeID)
	if err != nil {
		conn.Close()
		return
	}
	if err := writeFrame(conn, frameHandshake, hs, t.opts.MaxFrameBytes); err != nil {
		t.errs.Add(1)
		t.logger.Warn("cluster handshake write failed", "peer", remoteID, "error", err)
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	p := t.bindPeer(remoteID, conn)

	t.peersMu.Lock()
	slot, ok := t.peers[remoteID]
	if !ok {
		slot = &peerSlot{}
		t.peers[remoteID] = slot
	}
	t.peersMu.Unlock()

	slot.mu.Lock()
	old := slot.conn
	slot.conn = p
	slot.mu.Unlock()
	if old != nil {
		old.cancel()
		old.conn.Close()
	}

	t.logger.Info("cluster peer connected", "direction", "inbound", "peer", remoteID,
		"remote", conn.RemoteAddr().String())
}

// dropPeer closes a connection and clears its slot unless it has already
// been replaced.
func (t *TCPTransport) dropPeer(p *peerConn) {
	p.cancel()
	p.conn.Close()

	t.peersMu.Lock()
	slot, ok := t.peers[p.nodeID]
	t.peersMu.Unlock()
	if ok {
		slot.mu.Lock()
		if slot.conn == p {
			slot.conn = nil
		}
		slot.mu.Unlock()
	}
}

// readLoop serves one connection until read error or cancellation. Pending
// calls routed through a lost connection are not actively failed here; each
// resolves through its own timeout or cancellation, which also leaves a
// reconnect-and-reply window open.
func (t *TCPTransport) readLoop(p *peerConn) {
	defer t.wg.Done()
	defer t.dropPeer(p)

	for {
		typ, payload, err := readFrame(p.conn, t.opts.MaxFrameBytes)
		if err != nil {
			select {
			case <-p.ctx.Done():
			default:
				t.errs.Add(1)
				t.logger.Warn("cluster read error", "peer", p.nodeID, "error", err)
			}
			return
		}
		t.recvB.Add(int64(frameHeaderSize + len(payload)))

		switch typ {
		case frameHeartbeat:
			// Liveness only.
		case frameHandshake:
			t.logger.Warn("unexpected handshake frame", "peer", p.nodeID)
			return
		case frameEnvelope:
			t.received.Add(1)
			env, payloadErr, err := decodeEnvelope(payload, t.opts.Codec)
			if err != nil {
				t.errs.Add(1)
				t.logger.Warn("cluster envelope decode failed", "peer", p.nodeID, "error", err)
				return
			}
			t.handleEnvelope(p, env, payloadErr)
		}
	}
}

// heartbeatLoop emits empty heartbeat frames; its sole purpose is to keep
// TCP alive and surface dead peers via read errors.
func (t *TCPTransport) heartbeatLoop(p *peerConn) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}
		p.writeMu.Lock()
		err := writeFrame(p.conn, frameHeartbeat, nil, t.opts.MaxFrameBytes)
		p.writeMu.Unlock()
		if err != nil {
			t.errs.Add(1)
			t.dropPeer(p)
			return
		}
	}
}

// handleEnvelope routes one inbound envelope: replies complete their
// pending call; requests are delivered locally, with Call responses
// continued into a reply envelope over the same connection.
func (t *TCPTransport) handleEnvelope(p *peerConn, env core.Envelope, payloadErr error) {
	if v, ok := t.pending.LoadAndDelete(env.MessageID); ok {
		reply := v.(*core.Promise)
		if payloadErr != nil {
			reply.Fail(payloadErr)
			return
		}
		if fault, isFault := env.Payload.(RemoteCallFault); isFault {
			if fault.Canceled {
				reply.Fail(context.Canceled)
			} else {
				reply.Fail(&core.RemoteError{TypeTag: fault.TypeTag, Message: fault.Message})
			}
			return
		}
		reply.Complete(env.Payload)
		return
	}

	if payloadErr != nil {
		t.errs.Add(1)
		t.logger.Warn("cluster payload decode failed",
			"peer", p.nodeID, "message_id", env.MessageID, "error", payloadErr)
		if env.CallType == core.CallTypeCall {
			t.sendFault(p, env, RemoteCallFault{
				TypeTag: "codec",
				Message: payloadErr.Error(),
			})
		}
		return
	}

	if env.CallType != core.CallTypeCall {
		if err := t.delivery.DeliverLocal(p.ctx, env, nil); err != nil {
			t.logger.Warn("cluster local delivery failed",
				"peer", p.nodeID, "to", env.To, "error", err)
		}
		return
	}

	reply := core.NewPromise()
	if err := t.delivery.DeliverLocal(p.ctx, env, reply); err != nil {
		t.sendFault(p, env, RemoteCallFault{
			TypeTag: fmt.Sprintf("%T", err),
			Message: err.Error(),
		})
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		select {
		case <-reply.Done():
		case <-t.ctx.Done():
			return
		}
		result, err := reply.Result()
		if err != nil {
			t.sendFault(p, env, RemoteCallFault{
				Canceled: errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded),
				TypeTag:  fmt.Sprintf("%T", err),
				Message:  err.Error(),
			})
			return
		}
		resp := env.Response(result)
		data, encErr := encodeEnvelope(resp, t.opts.Codec)
		if encErr != nil {
			t.sendFault(p, env, RemoteCallFault{
				TypeTag: "codec",
				Message: encErr.Error(),
			})
			return
		}
		if werr := t.writeEnvelope(p, data); werr != nil {
			t.logger.Warn("cluster reply write failed",
				"peer", p.nodeID, "message_id", env.MessageID, "error", werr)
		}
	}()
}

func (t *TCPTransport) sendFault(p *peerConn, req core.Envelope, fault RemoteCallFault) {
	resp := req.Response(fault)
	data, err := encodeEnvelope(resp, t.opts.Codec)
	if err != nil {
		t.logger.Error("cluster fault encode failed", "message_id", req.MessageID, "error", err)
		return
	}
	if err := t.writeEnvelope(p, data); err != nil {
		t.logger.Warn("cluster fault write failed",
			"peer", p.nodeID, "message_id", req.MessageID, "error", err)
	}
}

// Close stops the listener, cancels and drains pending calls, and closes
// every connection.
func (t *TCPTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.listener.Close()

		t.pending.Range(func(k, v any) bool {
			v.(*core.Promise).Fail(core.ErrTransportClosed)
			t.pending.Delete(k)
			return true
		})

		t.peersMu.Lock()
		for _, slot := range t.peers {
			slot.mu.Lock()
			if slot.conn != nil {
				slot.conn.cancel()
				slot.conn.conn.Close()
				slot.conn = nil
			}
			slot.mu.Unlock()
		}
		t.peersMu.Unlock()

		t.wg.Wait()
	})
	return nil
}

var _ core.Transport = (*TCPTransport)(nil)
