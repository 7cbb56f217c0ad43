package gateway

// Router is the application-supplied behavior of a session. The gateway
// calls it from the session actor, so all callbacks for one session are
// serialized.
type Router interface {
	// OnStarted runs when the session actor starts. Returning an error
	// aborts the session.
	OnStarted(sc *SessionContext) error

	// OnMessage handles one inbound client message.
	OnMessage(sc *SessionContext, data []byte) error

	// OnClosed runs exactly once when the session ends, with the reason
	// and the triggering error, if any.
	OnClosed(sc *SessionContext, reason CloseReason, err error)
}

// RouterFactory builds one Router per session.
type RouterFactory func() Router
