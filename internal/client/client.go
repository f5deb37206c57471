// Package client implements the relay protocol from the client side. It is
// the programmatic surface consumed by deskctl and by anything else acting as
// a controller or target; rendering and capture stay with the caller, which
// observes the session through the Events callbacks.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net"
	"strings"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/deskrelay/deskrelay/internal/protocol"
)

// Events are the callbacks fired by the read loop. Nil callbacks are skipped.
// Callbacks run on the read-loop goroutine; blocking in one stalls the
// connection.
type Events struct {
	ConnectInfo  func(protocol.ConnectInfoData)
	Chat         func(protocol.ChatData)
	Frame        func(blob []byte)
	Input        func(event json.RawMessage)
	PermRequest  func(protocol.PermRequestData)
	PermResponse func(protocol.PermResponseData)
	Error        func(protocol.ErrorData)
}

// Client is one authenticated connection to the relay.
type Client struct {
	conn     protocol.PacketConn
	events   Events
	username string
	role     string

	sessionID atomic.Int64
}

// Dial connects to a relay. Addresses with a ws:// or wss:// scheme use the
// WebSocket transport; anything else is treated as a plain TCP host:port.
func Dial(ctx context.Context, addr string, events Events) (*Client, error) {
	var pc protocol.PacketConn

	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		wsConn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
		if err != nil {
			return nil, fmt.Errorf("client: dial %s: %w", addr, err)
		}
		pc = protocol.NewWSConn(wsConn, 0)
	} else {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("client: dial %s: %w", addr, err)
		}
		pc = protocol.NewStreamConn(conn, 0)
	}

	return &Client{conn: pc, events: events}, nil
}

// Login performs the authentication handshake. It must complete before Run:
// the relay accepts no other packet first, and Login reads the reply
// synchronously.
func (c *Client) Login(username, password, role string) error {
	err := c.conn.WriteJSON(protocol.KindAuthReq, protocol.AuthRequest{
		Username: username,
		Password: password,
		Role:     role,
	})
	if err != nil {
		return fmt.Errorf("client: login: %w", err)
	}

	pkt, err := c.conn.ReadPacket()
	if err != nil {
		return fmt.Errorf("client: login: %w", err)
	}
	switch pkt.Kind {
	case protocol.KindAuthOK:
		c.username = username
		c.role = role
		return nil
	case protocol.KindAuthFail:
		var fail protocol.AuthFailData
		pkt.Decode(&fail)
		return fmt.Errorf("client: authentication rejected: %s", fail.Reason)
	default:
		return fmt.Errorf("client: unexpected reply to AUTH_REQ: kind %d", pkt.Kind)
	}
}

// Run reads packets and fires Events callbacks until the connection closes
// or ctx is cancelled. A clean closure (local Close, server gone after
// Disconnect, ctx cancellation) returns nil.
func (c *Client) Run(ctx context.Context) error {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-rctx.Done()
		c.conn.Close()
	}()

	for {
		pkt, err := c.conn.ReadPacket()
		if err != nil {
			if errors.Is(err, protocol.ErrConnectionClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("client: %w", err)
		}
		c.handle(pkt)
	}
}

// handle fires the callback matching one incoming packet.
func (c *Client) handle(pkt *protocol.Packet) {
	switch pkt.Kind {
	case protocol.KindConnectInfo:
		var info protocol.ConnectInfoData
		if pkt.Decode(&info) == nil {
			c.sessionID.Store(info.SessionID)
			if c.events.ConnectInfo != nil {
				c.events.ConnectInfo(info)
			}
		}

	case protocol.KindChat:
		var msg protocol.ChatData
		if pkt.Decode(&msg) == nil && c.events.Chat != nil {
			c.events.Chat(msg)
		}

	case protocol.KindFrame:
		if c.events.Frame != nil && pkt.Raw != nil {
			c.events.Frame(pkt.Raw)
		}

	case protocol.KindInput:
		if c.events.Input != nil {
			c.events.Input(pkt.Data)
		}

	case protocol.KindPermRequest:
		var req protocol.PermRequestData
		if pkt.Decode(&req) == nil && c.events.PermRequest != nil {
			c.events.PermRequest(req)
		}

	case protocol.KindPermResponse:
		var resp protocol.PermResponseData
		if pkt.Decode(&resp) == nil && c.events.PermResponse != nil {
			c.events.PermResponse(resp)
		}

	case protocol.KindError:
		var errData protocol.ErrorData
		if pkt.Decode(&errData) == nil {
			if errData.Code == protocol.CodePeerGone {
				c.sessionID.Store(0)
			}
			if c.events.Error != nil {
				c.events.Error(errData)
			}
		}

	case protocol.KindHeartbeat, protocol.KindAuthOK, protocol.KindAuthFail,
		protocol.KindConnectRequest, protocol.KindConnectAccept, protocol.KindDisconnect:
		// Not expected post-auth on the client side; ignore.
	}
}

// Username returns the authenticated username, empty before Login.
func (c *Client) Username() string { return c.username }

// SessionID returns the active session id, zero when unpaired.
func (c *Client) SessionID() int64 { return c.sessionID.Load() }

// RequestConnect asks the relay to pair this controller with target.
// The answer arrives as a ConnectInfo event (or an Error event).
func (c *Client) RequestConnect(target string) error {
	return c.conn.WriteJSON(protocol.KindConnectRequest, protocol.ConnectRequestData{TargetUID: target})
}

// RequestPermissions asks the session target for the given capabilities.
func (c *Client) RequestPermissions(target string, p protocol.Permissions) error {
	return c.conn.WriteJSON(protocol.KindPermRequest, protocol.PermRequestData{
		Controller: c.username,
		Target:     target,
		View:       p.View,
		Mouse:      p.Mouse,
		Keyboard:   p.Keyboard,
	})
}

// GrantPermissions answers a permission request. Targets only.
func (c *Client) GrantPermissions(controller string, granted protocol.Permissions) error {
	return c.conn.WriteJSON(protocol.KindPermResponse, protocol.PermResponseData{
		Controller: controller,
		Granted:    granted,
	})
}

// SendChat sends a chat line into the active session. The relay stamps the
// authoritative sender and timestamp.
func (c *Client) SendChat(text string) error {
	return c.conn.WriteJSON(protocol.KindChat, protocol.ChatData{Text: text, Sender: c.username})
}

// SendFrame streams one pre-encoded frame blob. Targets only.
func (c *Client) SendFrame(blob []byte) error {
	return c.conn.WriteBytes(blob)
}

// SendFrameImage compresses img with the protocol image codec and streams it.
func (c *Client) SendFrameImage(img image.Image, quality, scale int) error {
	blob, err := protocol.EncodeImage(img, quality, scale)
	if err != nil {
		return fmt.Errorf("client: %w", err)
	}
	return c.SendFrame(blob)
}

// SendInput streams one input event. Controllers only; the relay drops it
// unless an input capability was granted.
func (c *Client) SendInput(event any) error {
	return c.conn.WriteJSON(protocol.KindInput, event)
}

// Heartbeat sends a keep-alive.
func (c *Client) Heartbeat() error {
	return c.conn.WriteJSON(protocol.KindHeartbeat, map[string]any{})
}

// Disconnect announces a clean logout. The relay closes any open session and
// drops the connection; Run then returns.
func (c *Client) Disconnect() error {
	return c.conn.WriteJSON(protocol.KindDisconnect, map[string]any{})
}

// Close tears down the transport without the DISCONNECT courtesy.
func (c *Client) Close() error {
	return c.conn.Close()
}
