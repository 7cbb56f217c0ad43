package gateway

import (
	"context"
	"fmt"

	"github.com/najoast/meshgo/core"
)

// Messages handled by the session actor.

// Inbound carries client bytes from the connection reader to the session
// actor.
type Inbound struct {
	Data []byte
}

// Outbound carries bytes from any actor to the client. Sending an Outbound
// to a session actor's handle writes to its connection.
type Outbound struct {
	Data []byte
}

// CloseRequest asks the session to close with a reason.
type CloseRequest struct {
	Reason CloseReason
}

// idleNotice is enqueued by the idle monitor.
type idleNotice struct{}

// clientClosed is enqueued by the connection reader when the remote side
// is gone.
type clientClosed struct {
	Err error
}

// sessionActor owns one client connection and mediates between it and the
// application router.
type sessionActor struct {
	gw     *Gateway
	conn   Conn
	meta   SessionMeta
	router Router

	sctx   *SessionContext
	closed bool
}

func newSessionActor(gw *Gateway, conn Conn, meta SessionMeta, router Router) *sessionActor {
	return &sessionActor{gw: gw, conn: conn, meta: meta, router: router}
}

// OnStart implements core.Actor: it builds the session context and hands
// control to the router.
func (s *sessionActor) OnStart(ctx context.Context, self *core.Ref) error {
	s.sctx = &SessionContext{
		system: s.gw.system,
		handle: self.Handle(),
		conn:   s.conn,
		meta:   s.meta,
		logger: s.gw.logger.With("session", s.meta.ID, "protocol", s.meta.Protocol),
	}
	return s.router.OnStarted(s.sctx)
}

// Receive implements core.Actor.
func (s *sessionActor) Receive(ctx context.Context, env core.Envelope) (any, error) {
	switch msg := env.Payload.(type) {
	case Inbound:
		if err := s.router.OnMessage(s.sctx, msg.Data); err != nil {
			s.sctx.logger.Warn("router message error", "error", err)
		}
		return nil, nil

	case Outbound:
		return nil, s.conn.Write(msg.Data)

	case CloseRequest:
		s.close(msg.Reason, nil)
		return nil, nil

	case idleNotice:
		s.close(CloseReasonHeartbeatTimeout, nil)
		return nil, nil

	case clientClosed:
		s.close(CloseReasonClientDisconnected, msg.Err)
		return nil, nil

	default:
		return nil, fmt.Errorf("session %s: unexpected payload %T", s.meta.ID, env.Payload)
	}
}

// close performs the idempotent teardown: notify the router once, close the
// connection, drop the session table entry, and ask the system to kill this
// actor. The kill is asynchronous because it joins the pump we are running
// on.
func (s *sessionActor) close(reason CloseReason, err error) {
	if s.closed {
		return
	}
	s.closed = true

	s.router.OnClosed(s.sctx, reason, err)
	s.conn.Close()
	s.gw.removeSession(s.meta.ID)

	handle := s.sctx.Handle()
	go s.gw.system.Kill(handle)

	s.sctx.logger.Info("session closed", "reason", reason.String(), "error", err)
}

// OnStop implements core.Actor. A kill that bypassed close (system
// shutdown) still notifies the router and disposes the connection.
func (s *sessionActor) OnStop(ctx context.Context) {
	if !s.closed {
		s.closed = true
		s.router.OnClosed(s.sctx, CloseReasonServerShutdown, nil)
		s.gw.removeSession(s.meta.ID)
	}
	s.conn.Close()
}
