package cluster

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/najoast/meshgo/codec"
	"github.com/najoast/meshgo/core"
)

// Frame types on the cluster wire. Each frame is
// [1-byte type][4-byte big-endian length][payload].
const (
	frameHandshake byte = 1
	frameEnvelope  byte = 2
	frameHeartbeat byte = 3
)

// frameHeaderSize is the type byte plus the length word.
const frameHeaderSize = 5

// DefaultMaxFrameBytes bounds a single frame's payload.
const DefaultMaxFrameBytes = 16 << 20

// ProtocolError marks a wire violation that terminates the connection.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "cluster protocol violation: " + e.Reason
}

// writeFrame writes one frame as a single buffer so a caller holding the
// connection's write mutex keeps frames contiguous on the wire.
func writeFrame(w io.Writer, typ byte, payload []byte, maxBytes int) error {
	if len(payload) > maxBytes {
		return fmt.Errorf("frame payload %d exceeds maximum %d", len(payload), maxBytes)
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	buf[0] = typ
	binary.BigEndian.PutUint32(buf[1:frameHeaderSize], uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// readFrame reads one frame. A negative length or one above the configured
// maximum is a protocol violation.
func readFrame(r io.Reader, maxBytes int) (byte, []byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	typ := hdr[0]
	if typ < frameHandshake || typ > frameHeartbeat {
		return 0, nil, &ProtocolError{Reason: fmt.Sprintf("unknown frame type %d", typ)}
	}
	length := int32(binary.BigEndian.Uint32(hdr[1:frameHeaderSize]))
	if length < 0 {
		return 0, nil, &ProtocolError{Reason: fmt.Sprintf("negative frame length %d", length)}
	}
	if int(length) > maxBytes {
		return 0, nil, &ProtocolError{Reason: fmt.Sprintf("frame length %d exceeds maximum %d", length, maxBytes)}
	}
	if length == 0 {
		return typ, nil, nil
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("incomplete frame: %w", err)
	}
	return typ, payload, nil
}

// --- envelope wire codec ---
//
// Header layout: message-id u64, from u64, to u64, call-type u8,
// trace-id string, timestamp i64 (unix nanoseconds), ttl i64 (nanoseconds),
// version u16, payload type tag string, payload length u32, payload bytes.
// Strings are u16 length prefixed.

func putString(buf *bytes.Buffer, s string) error {
	if len(s) > 0xffff {
		return fmt.Errorf("string field too long: %d", len(s))
	}
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
	return nil
}

func getString(r *bytes.Reader) (string, error) {
	var l [2]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint16(l[:])
	if n == 0 {
		return "", nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func putU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func getU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// encodeEnvelope serializes an envelope for cross-node transmission.
func encodeEnvelope(env core.Envelope, c codec.Codec) ([]byte, error) {
	tag, payload, err := c.Encode(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	var buf bytes.Buffer
	putU64(&buf, env.MessageID)
	putU64(&buf, uint64(env.From))
	putU64(&buf, uint64(env.To))
	buf.WriteByte(byte(env.CallType))
	if err := putString(&buf, env.TraceID); err != nil {
		return nil, err
	}
	putU64(&buf, uint64(env.Timestamp.UnixNano()))
	putU64(&buf, uint64(env.TTL))
	var ver [2]byte
	binary.BigEndian.PutUint16(ver[:], env.Version)
	buf.Write(ver[:])
	if err := putString(&buf, tag); err != nil {
		return nil, err
	}
	var plen [4]byte
	binary.BigEndian.PutUint32(plen[:], uint32(len(payload)))
	buf.Write(plen[:])
	buf.Write(payload)
	return buf.Bytes(), nil
}

// decodeEnvelope reverses encodeEnvelope. A malformed header is fatal for
// the connection (returned in err); a payload the local codec cannot decode
// is returned in payloadErr with the header fields intact so the caller can
// answer with a remote-call-fault.
func decodeEnvelope(data []byte, c codec.Codec) (env core.Envelope, payloadErr error, err error) {
	r := bytes.NewReader(data)

	if env.MessageID, err = getU64(r); err != nil {
		return env, nil, err
	}
	var from, to uint64
	if from, err = getU64(r); err != nil {
		return env, nil, err
	}
	if to, err = getU64(r); err != nil {
		return env, nil, err
	}
	env.From, env.To = core.Handle(from), core.Handle(to)

	ct, err := r.ReadByte()
	if err != nil {
		return env, nil, err
	}
	env.CallType = core.CallType(ct)

	if env.TraceID, err = getString(r); err != nil {
		return env, nil, err
	}

	ts, err := getU64(r)
	if err != nil {
		return env, nil, err
	}
	env.Timestamp = time.Unix(0, int64(ts))

	ttl, err := getU64(r)
	if err != nil {
		return env, nil, err
	}
	env.TTL = time.Duration(ttl)

	var ver [2]byte
	if _, err = io.ReadFull(r, ver[:]); err != nil {
		return env, nil, err
	}
	env.Version = binary.BigEndian.Uint16(ver[:])

	tag, err := getString(r)
	if err != nil {
		return env, nil, err
	}
	var plen [4]byte
	if _, err = io.ReadFull(r, plen[:]); err != nil {
		return env, nil, err
	}
	n := binary.BigEndian.Uint32(plen[:])
	if int(n) != r.Len() {
		return env, nil, &ProtocolError{Reason: fmt.Sprintf("payload length %d, %d bytes remain", n, r.Len())}
	}
	payload := make([]byte, n)
	if _, err = io.ReadFull(r, payload); err != nil {
		return env, nil, err
	}

	env.Payload, payloadErr = c.Decode(tag, payload)
	return env, payloadErr, nil
}

// encodeHandshake serializes the handshake tuple (node-id).
func encodeHandshake(nodeID string) ([]byte, error) {
	var buf bytes.Buffer
	if err := putString(&buf, nodeID); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeHandshake reverses encodeHandshake.
func decodeHandshake(data []byte) (string, error) {
	nodeID, err := getString(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("malformed handshake: %w", err)
	}
	if nodeID == "" {
		return "", &ProtocolError{Reason: "empty node id in handshake"}
	}
	return nodeID, nil
}
