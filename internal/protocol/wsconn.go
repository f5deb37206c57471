package protocol

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSConn carries the same packets over a WebSocket: one binary message per
// packet, without the 4-byte prefix since WebSocket messages are already
// delimited. Payload bytes are identical to the stream transport.
type WSConn struct {
	c       *websocket.Conn
	timeout time.Duration // per-read deadline, 0 disables
	wmu     sync.Mutex
}

// NewWSConn wraps an established WebSocket connection. A non-zero
// readTimeout is applied as a deadline before every message read, matching
// the stream transport's behavior.
func NewWSConn(c *websocket.Conn, readTimeout time.Duration) *WSConn {
	return &WSConn{c: c, timeout: readTimeout}
}

// ReadPacket reads the next binary message and interprets it as one payload.
func (w *WSConn) ReadPacket() (*Packet, error) {
	for {
		if w.timeout > 0 {
			w.c.SetReadDeadline(time.Now().Add(w.timeout))
		}
		typ, payload, err := w.c.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, websocket.ErrCloseSent) {
				return nil, ErrConnectionClosed
			}
			return nil, fmt.Errorf("read ws message: %w", err)
		}
		if typ != websocket.BinaryMessage {
			// Text and control frames are not part of the protocol.
			continue
		}
		if len(payload) > MaxPacketSize {
			return nil, fmt.Errorf("%w: ws message %d", ErrPacketTooLarge, len(payload))
		}
		return parsePayload(payload), nil
	}
}

// WriteJSON sends a JSON packet of the given kind.
func (w *WSConn) WriteJSON(kind Kind, data any) error {
	payload, err := marshalJSON(kind, data)
	if err != nil {
		return err
	}
	return w.writeMessage(payload)
}

// WriteBytes sends an opaque byte payload.
func (w *WSConn) WriteBytes(data []byte) error {
	if len(data) > MaxPacketSize {
		return ErrPacketTooLarge
	}
	return w.writeMessage(data)
}

func (w *WSConn) writeMessage(payload []byte) error {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if err := w.c.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return fmt.Errorf("write ws message: %w", err)
	}
	return nil
}

// RemoteAddr returns the transport-level address of the peer.
func (w *WSConn) RemoteAddr() string {
	return w.c.RemoteAddr().String()
}

// Close closes the underlying connection.
func (w *WSConn) Close() error {
	return w.c.Close()
}
