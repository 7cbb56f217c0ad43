// Package gateway accepts external TCP and WebSocket clients and binds each
// connection to a session actor whose behavior is delegated to an
// application-supplied router.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/najoast/meshgo/core"
)

// Config is the gateway's configuration surface.
type Config struct {
	TCPEnable  bool
	TCPAddress string
	TCPPort    int
	// TCPBacklog is carried for configuration compatibility; the listener
	// backlog is governed by the operating system.
	TCPBacklog int

	WSEnable     bool
	WSHost       string
	WSPublicHost string
	WSPort       int
	// WSPath is normalized to end with "/".
	WSPath string

	// MaxMessageBytes bounds one inbound or outbound message. Defaults to
	// 1 MiB.
	MaxMessageBytes int

	// ReceiveBufferBytes sizes the per-connection read buffer; minimum
	// 1024. Defaults to 64 KiB.
	ReceiveBufferBytes int

	// IdleTimeout closes sessions with no activity. The monitor checks
	// every IdleTimeout, so the effective upper bound on idle detection is
	// twice the configured value. Zero disables the monitor.
	IdleTimeout time.Duration
}

func (c *Config) normalize() error {
	if !c.TCPEnable && !c.WSEnable {
		return errors.New("gateway: no listener enabled")
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	if c.ReceiveBufferBytes == 0 {
		c.ReceiveBufferBytes = 64 << 10
	}
	if c.ReceiveBufferBytes < 1024 {
		return fmt.Errorf("gateway: receive buffer %d below minimum 1024", c.ReceiveBufferBytes)
	}
	if c.WSEnable {
		if c.WSPath == "" {
			c.WSPath = "/"
		}
		if !strings.HasPrefix(c.WSPath, "/") {
			c.WSPath = "/" + c.WSPath
		}
		if !strings.HasSuffix(c.WSPath, "/") {
			c.WSPath += "/"
		}
	}
	return nil
}

// sessionEntry is one row of the gateway's session table.
type sessionEntry struct {
	meta   SessionMeta
	handle core.Handle
	conn   Conn
}

// Gateway runs the listeners and owns the session table. It never leaks
// sessions on shutdown: Stop closes the listeners, waits for the accept
// loops, and enqueues a ServerShutdown close into every live session.
type Gateway struct {
	system        *core.System
	cfg           Config
	routerFactory RouterFactory
	logger        *slog.Logger

	sessions sync.Map // session-id -> *sessionEntry

	tcpListener net.Listener
	wsServer    *http.Server
	wsBoundAddr string

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New validates the configuration and builds a gateway. The router factory
// is required.
func New(system *core.System, cfg Config, factory RouterFactory, logger *slog.Logger) (*Gateway, error) {
	if factory == nil {
		return nil, errors.New("gateway: router factory required")
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		system:        system,
		cfg:           cfg,
		routerFactory: factory,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Start brings the enabled listeners up.
func (g *Gateway) Start() error {
	var err error
	g.startOnce.Do(func() {
		if g.cfg.TCPEnable {
			addr := fmt.Sprintf("%s:%d", g.cfg.TCPAddress, g.cfg.TCPPort)
			g.tcpListener, err = net.Listen("tcp", addr)
			if err != nil {
				err = fmt.Errorf("gateway tcp listen: %w", err)
				return
			}
			g.wg.Add(1)
			go g.acceptLoop()
			g.logger.Info("gateway tcp listening", "addr", g.tcpListener.Addr().String())
		}
		if g.cfg.WSEnable {
			err = g.startWS()
		}
	})
	return err
}

// TCPAddr returns the TCP listener address; useful when binding to port 0.
func (g *Gateway) TCPAddr() string {
	if g.tcpListener == nil {
		return ""
	}
	return g.tcpListener.Addr().String()
}

func (g *Gateway) acceptLoop() {
	defer g.wg.Done()
	for {
		conn, err := g.tcpListener.Accept()
		if err != nil {
			select {
			case <-g.ctx.Done():
				return
			default:
				g.logger.Error("gateway accept error", "error", err)
				continue
			}
		}
		g.bindSession(newTCPConn(conn, g.cfg.MaxMessageBytes, g.cfg.ReceiveBufferBytes), "tcp")
	}
}

func (g *Gateway) startWS() error {
	upgrader := websocket.Upgrader{
		ReadBufferSize: g.cfg.ReceiveBufferBytes,
		CheckOrigin:    func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(g.cfg.WSPath, func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			g.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		g.bindSession(newWSConn(ws, g.cfg.MaxMessageBytes), "ws")
	})

	addr := fmt.Sprintf("%s:%d", g.cfg.WSHost, g.cfg.WSPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway ws listen: %w", err)
	}
	g.wsServer = &http.Server{Handler: mux}
	g.wsBoundAddr = ln.Addr().String()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if serr := g.wsServer.Serve(ln); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			g.logger.Error("gateway ws serve error", "error", serr)
		}
	}()
	g.logger.Info("gateway ws listening", "addr", ln.Addr().String(), "path", g.cfg.WSPath)
	return nil
}

// WSAddr returns the WebSocket listener address; useful when binding to
// port 0.
func (g *Gateway) WSAddr() string {
	return g.wsBoundAddr
}

// bindSession assigns a session-id, spawns the session actor, and starts
// the connection reader and idle monitor.
func (g *Gateway) bindSession(conn Conn, protocol string) {
	meta := SessionMeta{
		ID:          uuid.NewString(),
		Protocol:    protocol,
		RemoteAddr:  conn.RemoteAddr(),
		ConnectedAt: time.Now(),
	}

	actor := newSessionActor(g, conn, meta, g.routerFactory())
	handle, err := g.system.Spawn(g.ctx, actor, core.SpawnOptions{})
	if err != nil {
		g.logger.Error("session spawn failed", "session", meta.ID, "error", err)
		conn.Close()
		return
	}

	g.sessions.Store(meta.ID, &sessionEntry{meta: meta, handle: handle, conn: conn})
	g.logger.Info("session accepted", "session", meta.ID, "protocol", protocol, "remote", meta.RemoteAddr)

	g.wg.Add(1)
	go g.readPump(handle, conn)
	if g.cfg.IdleTimeout > 0 {
		g.wg.Add(1)
		go g.idleMonitor(handle, conn)
	}
}

// readPump moves client messages into the session actor. Framing
// violations close the session as ProtocolViolation; every other read error
// reports the client gone.
func (g *Gateway) readPump(handle core.Handle, conn Conn) {
	defer g.wg.Done()
	for {
		data, err := conn.Read()
		if err != nil {
			var violation *ProtocolViolationError
			if errors.As(err, &violation) {
				g.system.Send(g.ctx, handle, CloseRequest{Reason: CloseReasonProtocolViolation})
			} else {
				g.system.Send(g.ctx, handle, clientClosed{Err: err})
			}
			return
		}
		if err := g.system.Send(g.ctx, handle, Inbound{Data: data}); err != nil {
			return
		}
	}
}

// idleMonitor wakes every IdleTimeout; once the connection's last-activity
// age exceeds the timeout it enqueues an idle notice and exits.
func (g *Gateway) idleMonitor(handle core.Handle, conn Conn) {
	defer g.wg.Done()
	ticker := time.NewTicker(g.cfg.IdleTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
		}
		if !g.system.HasActor(handle) {
			return
		}
		if time.Since(conn.LastActivity()) > g.cfg.IdleTimeout {
			g.system.Send(g.ctx, handle, idleNotice{})
			return
		}
	}
}

func (g *Gateway) removeSession(id string) {
	g.sessions.Delete(id)
}

// Sessions returns a snapshot of the live session table.
func (g *Gateway) Sessions() []SessionMeta {
	var out []SessionMeta
	g.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*sessionEntry).meta)
		return true
	})
	return out
}

// Stop closes the listeners, waits for the accept loops, asks every live
// session to close with ServerShutdown, and clears the session table.
func (g *Gateway) Stop(ctx context.Context) error {
	g.stopOnce.Do(func() {
		g.cancel()
		if g.tcpListener != nil {
			g.tcpListener.Close()
		}
		if g.wsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			g.wsServer.Shutdown(shutdownCtx)
			cancel()
		}

		g.sessions.Range(func(_, v any) bool {
			entry := v.(*sessionEntry)
			g.system.Send(context.Background(), entry.handle, CloseRequest{Reason: CloseReasonServerShutdown})
			g.sessions.Delete(entry.meta.ID)
			return true
		})

		g.wg.Wait()
	})
	return ctx.Err()
}
