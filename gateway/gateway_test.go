package gateway

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najoast/meshgo/core"
)

// echoRouter calls an upper-casing actor for every message and records the
// close reason.
type echoRouter struct {
	upper  core.Handle
	closed chan CloseReason
}

func (r *echoRouter) OnStarted(sc *SessionContext) error {
	sc.BindActor(r.upper)
	return nil
}

func (r *echoRouter) OnMessage(sc *SessionContext, data []byte) error {
	res, err := sc.CallTimeout(context.Background(), r.upper, string(data), 2*time.Second)
	if err != nil {
		return err
	}
	return sc.SendString(res.(string))
}

func (r *echoRouter) OnClosed(_ *SessionContext, reason CloseReason, _ error) {
	select {
	case r.closed <- reason:
	default:
	}
}

type gatewayFixture struct {
	system *core.System
	gw     *Gateway
	closed chan CloseReason
}

func startGateway(t *testing.T, mutate func(*Config)) *gatewayFixture {
	t.Helper()

	system := core.NewSystem(core.Options{})
	upper, err := system.Spawn(context.Background(), core.ActorFunc(
		func(_ context.Context, env core.Envelope) (any, error) {
			return strings.ToUpper(env.Payload.(string)), nil
		}), core.SpawnOptions{Name: "upper"})
	require.NoError(t, err)

	closed := make(chan CloseReason, 4)
	cfg := Config{
		TCPEnable:  true,
		TCPAddress: "127.0.0.1",
		TCPPort:    0,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	gw, err := New(system, cfg, func() Router {
		return &echoRouter{upper: upper, closed: closed}
	}, nil)
	require.NoError(t, err)
	require.NoError(t, gw.Start())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		gw.Stop(ctx)
		system.Shutdown(ctx)
	})
	return &gatewayFixture{system: system, gw: gw, closed: closed}
}

func writeClientFrame(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := conn.Write(buf)
	require.NoError(t, err)
}

func readClientFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	var hdr [4]byte
	_, err := io.ReadFull(conn, hdr[:])
	require.NoError(t, err)
	payload := make([]byte, binary.BigEndian.Uint32(hdr[:]))
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	return payload
}

func expectReason(t *testing.T, ch chan CloseReason, want CloseReason) {
	t.Helper()
	select {
	case got := <-ch:
		assert.Equal(t, want, got)
	case <-time.After(3 * time.Second):
		t.Fatalf("router never observed close reason %s", want)
	}
}

func TestGatewayTCPEcho(t *testing.T) {
	fx := startGateway(t, nil)

	conn, err := net.Dial("tcp", fx.gw.TCPAddr())
	require.NoError(t, err)
	defer conn.Close()

	writeClientFrame(t, conn, []byte("hello"))
	assert.Equal(t, []byte("HELLO"), readClientFrame(t, conn))

	conn.Close()
	expectReason(t, fx.closed, CloseReasonClientDisconnected)
}

func TestGatewaySessionTable(t *testing.T) {
	fx := startGateway(t, nil)

	conn, err := net.Dial("tcp", fx.gw.TCPAddr())
	require.NoError(t, err)
	defer conn.Close()

	writeClientFrame(t, conn, []byte("x"))
	readClientFrame(t, conn)

	sessions := fx.gw.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "tcp", sessions[0].Protocol)
	assert.NotEmpty(t, sessions[0].ID)

	conn.Close()
	expectReason(t, fx.closed, CloseReasonClientDisconnected)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(fx.gw.Sessions()) > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Empty(t, fx.gw.Sessions())
}

func TestGatewayOversizedFrameIsProtocolViolation(t *testing.T) {
	fx := startGateway(t, func(c *Config) {
		c.MaxMessageBytes = 64
	})

	conn, err := net.Dial("tcp", fx.gw.TCPAddr())
	require.NoError(t, err)
	defer conn.Close()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 1<<20)
	_, err = conn.Write(hdr[:])
	require.NoError(t, err)

	expectReason(t, fx.closed, CloseReasonProtocolViolation)

	// The server closed the connection.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestGatewayIdleTimeout(t *testing.T) {
	fx := startGateway(t, func(c *Config) {
		c.IdleTimeout = 100 * time.Millisecond
	})

	conn, err := net.Dial("tcp", fx.gw.TCPAddr())
	require.NoError(t, err)
	defer conn.Close()

	// No traffic: the idle monitor fires within two intervals.
	expectReason(t, fx.closed, CloseReasonHeartbeatTimeout)
}

func TestGatewayStopClosesSessions(t *testing.T) {
	fx := startGateway(t, nil)

	conn, err := net.Dial("tcp", fx.gw.TCPAddr())
	require.NoError(t, err)
	defer conn.Close()

	writeClientFrame(t, conn, []byte("x"))
	readClientFrame(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, fx.gw.Stop(ctx))

	expectReason(t, fx.closed, CloseReasonServerShutdown)
	assert.Empty(t, fx.gw.Sessions())
}

func TestGatewayOutboundFromOtherActor(t *testing.T) {
	fx := startGateway(t, nil)

	conn, err := net.Dial("tcp", fx.gw.TCPAddr())
	require.NoError(t, err)
	defer conn.Close()

	writeClientFrame(t, conn, []byte("x"))
	readClientFrame(t, conn)

	sessions := fx.gw.Sessions()
	require.Len(t, sessions, 1)
	v, ok := fx.gw.sessions.Load(sessions[0].ID)
	require.True(t, ok)
	handle := v.(*sessionEntry).handle

	require.NoError(t, fx.system.Send(context.Background(), handle, Outbound{Data: []byte("push")}))
	assert.Equal(t, []byte("push"), readClientFrame(t, conn))
}

func TestGatewayWebSocketEcho(t *testing.T) {
	fx := startGateway(t, func(c *Config) {
		c.TCPEnable = false
		c.WSEnable = true
		c.WSHost = "127.0.0.1"
		c.WSPort = 0
		c.WSPath = "/ws"
	})

	url := fmt.Sprintf("ws://%s/ws/", fx.gw.WSAddr())
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte("hello")))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []byte("HELLO"), data)

	ws.Close()
	expectReason(t, fx.closed, CloseReasonClientDisconnected)
}

func TestGatewayWebSocketOversizeIsProtocolViolation(t *testing.T) {
	fx := startGateway(t, func(c *Config) {
		c.TCPEnable = false
		c.WSEnable = true
		c.WSHost = "127.0.0.1"
		c.WSPort = 0
		c.WSPath = "/ws"
		c.MaxMessageBytes = 64
	})

	url := fmt.Sprintf("ws://%s/ws/", fx.gw.WSAddr())
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, make([]byte, 4096)))
	expectReason(t, fx.closed, CloseReasonProtocolViolation)
}

func TestGatewayConfigNormalization(t *testing.T) {
	system := core.NewSystem(core.Options{})
	defer system.Shutdown(context.Background())

	_, err := New(system, Config{}, func() Router { return &echoRouter{} }, nil)
	assert.Error(t, err, "no listener enabled")

	_, err = New(system, Config{TCPEnable: true}, nil, nil)
	assert.Error(t, err, "router factory required")

	_, err = New(system, Config{TCPEnable: true, ReceiveBufferBytes: 100}, func() Router { return &echoRouter{} }, nil)
	assert.Error(t, err, "receive buffer too small")

	gw, err := New(system, Config{WSEnable: true, WSPath: "ws"}, func() Router { return &echoRouter{} }, nil)
	require.NoError(t, err)
	assert.Equal(t, "/ws/", gw.cfg.WSPath)
}
