package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Framing constants.
const (
	// HeaderSize is the fixed length-prefix size in bytes.
	HeaderSize = 4

	// MaxPacketSize caps a single payload at 100 MiB. Oversized payloads
	// fail at encode time and oversized length prefixes are rejected
	// before any allocation on the receive side.
	MaxPacketSize = 100 * 1024 * 1024
)

// Sentinel errors.
var (
	// ErrPacketTooLarge is returned when a payload exceeds MaxPacketSize,
	// on either the encode or the decode side.
	ErrPacketTooLarge = errors.New("packet too large")

	// ErrConnectionClosed is returned when the transport closes before a
	// complete frame could be read. A transport closing mid-frame is a
	// fatal error, never a zero-length packet.
	ErrConnectionClosed = errors.New("connection closed")
)

// PacketConn is a transport carrying whole packets in both directions.
// WriteJSON and WriteBytes are safe for concurrent use; ReadPacket is not and
// must stay confined to a single reader goroutine.
type PacketConn interface {
	ReadPacket() (*Packet, error)
	WriteJSON(kind Kind, data any) error
	WriteBytes(data []byte) error
	RemoteAddr() string
	Close() error
}

// marshalJSON builds the framed envelope bytes for a JSON payload.
func marshalJSON(kind Kind, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %d payload: %w", kind, err)
	}
	payload, err := json.Marshal(envelope{Type: int(kind), Data: raw})
	if err != nil {
		return nil, fmt.Errorf("encode %d envelope: %w", kind, err)
	}
	if len(payload) > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}
	return payload, nil
}

// parsePayload interprets one received payload. A payload whose first byte is
// the JSON object-open character is parsed as an envelope; anything else, and
// any payload that fails to parse, is an opaque byte blob implicitly tagged
// as a streaming frame.
func parsePayload(payload []byte) *Packet {
	if len(payload) > 0 && payload[0] == '{' {
		var env envelope
		if err := json.Unmarshal(payload, &env); err == nil && env.Type >= 0 && env.Type <= 255 {
			return &Packet{Kind: Kind(env.Type), Data: env.Data}
		}
	}
	return &Packet{Kind: KindFrame, Raw: payload}
}

// ---------------------------------------------------------------------------
// Stream transport (plain TCP)
// ---------------------------------------------------------------------------

// StreamConn frames packets over a stream transport: a 4-byte unsigned
// big-endian length prefix followed by exactly that many payload bytes.
type StreamConn struct {
	c       net.Conn
	timeout time.Duration // per-read deadline, 0 disables

	wmu sync.Mutex
}

// NewStreamConn wraps a stream connection. A non-zero readTimeout is applied
// as a deadline before every frame read so a stalled peer cannot hold the
// reader forever.
func NewStreamConn(c net.Conn, readTimeout time.Duration) *StreamConn {
	return &StreamConn{c: c, timeout: readTimeout}
}

// ReadPacket reads the next complete frame. Partial reads are retried until
// the frame is satisfied; a transport closing mid-read yields
// ErrConnectionClosed.
func (s *StreamConn) ReadPacket() (*Packet, error) {
	if s.timeout > 0 {
		s.c.SetReadDeadline(time.Now().Add(s.timeout))
	}

	var header [HeaderSize]byte
	if _, err := io.ReadFull(s.c, header[:]); err != nil {
		return nil, readErr(err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxPacketSize {
		return nil, fmt.Errorf("%w: length prefix %d", ErrPacketTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(s.c, payload); err != nil {
		return nil, readErr(err)
	}
	return parsePayload(payload), nil
}

// WriteJSON sends a JSON packet of the given kind.
func (s *StreamConn) WriteJSON(kind Kind, data any) error {
	payload, err := marshalJSON(kind, data)
	if err != nil {
		return err
	}
	return s.writeFrame(payload)
}

// WriteBytes sends an opaque byte payload. Raw payloads are implicitly tagged
// as streaming frames by the receiver.
func (s *StreamConn) WriteBytes(data []byte) error {
	if len(data) > MaxPacketSize {
		return ErrPacketTooLarge
	}
	return s.writeFrame(data)
}

// writeFrame emits prefix + payload as a single Write so concurrent senders
// cannot interleave partial frames.
func (s *StreamConn) writeFrame(payload []byte) error {
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if _, err := s.c.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// RemoteAddr returns the transport-level address of the peer.
func (s *StreamConn) RemoteAddr() string {
	return s.c.RemoteAddr().String()
}

// Close closes the underlying connection.
func (s *StreamConn) Close() error {
	return s.c.Close()
}

// readErr maps stream errors to the protocol error taxonomy.
func readErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrConnectionClosed
	}
	return fmt.Errorf("read frame: %w", err)
}
