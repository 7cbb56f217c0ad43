package gateway

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Conn abstracts a client connection: message-oriented reads and writes
// with activity tracking. Read returns a *ProtocolViolationError for
// framing violations and any other error when the client is gone.
type Conn interface {
	Read() ([]byte, error)
	Write(data []byte) error
	Close() error
	RemoteAddr() string
	LastActivity() time.Time
}

// --- TCP: [4-byte big-endian length][payload] ---

type tcpConn struct {
	conn   net.Conn
	reader *bufio.Reader

	maxMessage int

	writeMu sync.Mutex

	lastActivity atomic.Int64

	closeOnce sync.Once
}

func newTCPConn(conn net.Conn, maxMessage, receiveBuffer int) *tcpConn {
	c := &tcpConn{
		conn:       conn,
		reader:     bufio.NewReaderSize(conn, receiveBuffer),
		maxMessage: maxMessage,
	}
	c.touch()
	return c
}

func (c *tcpConn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Read reads one length-prefixed message. A negative length or one above
// the configured maximum is a protocol violation.
func (c *tcpConn) Read() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.reader, hdr[:]); err != nil {
		return nil, err
	}
	length := int32(binary.BigEndian.Uint32(hdr[:]))
	if length < 0 {
		return nil, &ProtocolViolationError{Reason: fmt.Sprintf("negative message length %d", length)}
	}
	if int(length) > c.maxMessage {
		return nil, &ProtocolViolationError{Reason: fmt.Sprintf("message length %d exceeds maximum %d", length, c.maxMessage)}
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return nil, err
	}
	c.touch()
	return payload, nil
}

// Write writes one length-prefixed message as a single buffer under the
// write mutex.
func (c *tcpConn) Write(data []byte) error {
	if len(data) > c.maxMessage {
		return fmt.Errorf("outbound message %d exceeds maximum %d", len(data), c.maxMessage)
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(buf); err != nil {
		return err
	}
	c.touch()
	return nil
}

func (c *tcpConn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

func (c *tcpConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *tcpConn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// --- WebSocket: binary or text messages, fragments reassembled ---

type wsConn struct {
	conn *websocket.Conn

	maxMessage int

	writeMu sync.Mutex

	lastActivity atomic.Int64

	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn, maxMessage int) *wsConn {
	// The read limit enforces the reassembled-message maximum before
	// further bytes of an oversized message are consumed.
	conn.SetReadLimit(int64(maxMessage))
	c := &wsConn{conn: conn, maxMessage: maxMessage}
	c.touch()
	return c
}

func (c *wsConn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *wsConn) Read() ([]byte, error) {
	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		if errors.Is(err, websocket.ErrReadLimit) ||
			strings.Contains(err.Error(), "read limit exceeded") {
			return nil, &ProtocolViolationError{
				Reason: fmt.Sprintf("message exceeds maximum %d", c.maxMessage),
			}
		}
		return nil, err
	}
	if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
		return nil, &ProtocolViolationError{
			Reason: fmt.Sprintf("unsupported message type %d", messageType),
		}
	}
	c.touch()
	return data, nil
}

func (c *wsConn) Write(data []byte) error {
	if len(data) > c.maxMessage {
		return fmt.Errorf("outbound message %d exceeds maximum %d", len(data), c.maxMessage)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return err
	}
	c.touch()
	return nil
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *wsConn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}
