package gateway

import "fmt"

// CloseReason explains why a session ended.
type CloseReason int

const (
	// CloseReasonNormal is an application-requested close.
	CloseReasonNormal CloseReason = iota

	// CloseReasonClientDisconnected means the remote side closed first.
	CloseReasonClientDisconnected

	// CloseReasonServerShutdown means the gateway is stopping.
	CloseReasonServerShutdown

	// CloseReasonHeartbeatTimeout means the idle monitor fired.
	CloseReasonHeartbeatTimeout

	// CloseReasonProtocolViolation means the client broke the framing
	// rules.
	CloseReasonProtocolViolation
)

// String returns the string representation of CloseReason.
func (r CloseReason) String() string {
	switch r {
	case CloseReasonNormal:
		return "normal"
	case CloseReasonClientDisconnected:
		return "client_disconnected"
	case CloseReasonServerShutdown:
		return "server_shutdown"
	case CloseReasonHeartbeatTimeout:
		return "heartbeat_timeout"
	case CloseReasonProtocolViolation:
		return "protocol_violation"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// ProtocolViolationError marks a framing violation that terminates the
// session.
type ProtocolViolationError struct {
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return "gateway protocol violation: " + e.Reason
}
