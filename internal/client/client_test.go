package client_test

import (
	"context"
	"encoding/json"
	"image"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/deskrelay/deskrelay/internal/client"
	"github.com/deskrelay/deskrelay/internal/protocol"
	"github.com/deskrelay/deskrelay/internal/registry"
	"github.com/deskrelay/deskrelay/internal/relay"
	"github.com/deskrelay/deskrelay/internal/store"
)

// startRelay runs a relay with both transports on loopback listeners and
// returns the address for each.
func startRelay(t *testing.T) (tcpAddr, wsURL string) {
	t.Helper()

	mem := store.NewMemory()
	mem.AddUser(context.Background(), "alice", "xyz")
	mem.AddUser(context.Background(), "bob", "123")
	srv := relay.New(mem, registry.New(), relay.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tcpLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("tcp listen: %v", err)
	}
	wsLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ws listen: %v", err)
	}
	go srv.Serve(ctx, tcpLn)
	go srv.ServeWS(ctx, wsLn)

	return tcpLn.Addr().String(), "ws://" + wsLn.Addr().String() + "/ws"
}

// recv waits for one event or fails the test.
func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %s", what)
		panic("unreachable")
	}
}

// dialAndLogin connects, authenticates, and starts the read loop.
func dialAndLogin(t *testing.T, addr, user, pass, role string, events client.Events) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), addr, events)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { c.Close() })
	if err := c.Login(user, pass, role); err != nil {
		t.Fatalf("login %s: %v", user, err)
	}
	go c.Run(context.Background())
	return c
}

// TestSessionLifecycle walks a controller and a target through pairing,
// permission grant, chat, frame streaming, input, and disconnect — once per
// transport.
func TestSessionLifecycle(t *testing.T) {
	for _, name := range []string{"tcp", "websocket"} {
		t.Run(name, func(t *testing.T) {
			tcpAddr, wsURL := startRelay(t)
			addr := tcpAddr
			if name == "websocket" {
				addr = wsURL
			}
			ctrlInfo := make(chan protocol.ConnectInfoData, 1)
			ctrlPerm := make(chan protocol.PermResponseData, 1)
			ctrlFrame := make(chan []byte, 4)
			tgtInfo := make(chan protocol.ConnectInfoData, 1)
			tgtPermReq := make(chan protocol.PermRequestData, 1)
			tgtChat := make(chan protocol.ChatData, 1)
			tgtInput := make(chan json.RawMessage, 4)
			tgtErr := make(chan protocol.ErrorData, 1)

			target := dialAndLogin(t, addr, "bob", "123", protocol.RoleTarget, client.Events{
				ConnectInfo: func(i protocol.ConnectInfoData) { tgtInfo <- i },
				PermRequest: func(r protocol.PermRequestData) { tgtPermReq <- r },
				Chat:        func(m protocol.ChatData) { tgtChat <- m },
				Input:       func(e json.RawMessage) { tgtInput <- e },
				Error:       func(e protocol.ErrorData) { tgtErr <- e },
			})
			ctrl := dialAndLogin(t, addr, "alice", "xyz", protocol.RoleController, client.Events{
				ConnectInfo:  func(i protocol.ConnectInfoData) { ctrlInfo <- i },
				PermResponse: func(r protocol.PermResponseData) { ctrlPerm <- r },
				Frame:        func(b []byte) { ctrlFrame <- b },
			})

			if err := ctrl.RequestConnect("bob"); err != nil {
				t.Fatalf("connect request: %v", err)
			}
			ci := recv(t, ctrlInfo, "controller CONNECT_INFO")
			ti := recv(t, tgtInfo, "target CONNECT_INFO")
			if ci.SessionID != ti.SessionID || ci.PeerUsername != "bob" || ti.PeerUsername != "alice" {
				t.Fatalf("connect info mismatch: controller=%+v target=%+v", ci, ti)
			}
			if ctrl.SessionID() != ci.SessionID {
				t.Errorf("client session id = %d, want %d", ctrl.SessionID(), ci.SessionID)
			}

			ctrl.RequestPermissions("bob", protocol.Permissions{View: true, Keyboard: true})
			req := recv(t, tgtPermReq, "PERM_REQUEST")
			if req.Controller != "alice" || !req.View || !req.Keyboard || req.Mouse {
				t.Fatalf("perm request = %+v", req)
			}
			target.GrantPermissions("alice", protocol.Permissions{View: true, Keyboard: true})
			grant := recv(t, ctrlPerm, "PERM_RESPONSE")
			if !grant.Granted.View || !grant.Granted.Keyboard {
				t.Fatalf("granted = %+v", grant.Granted)
			}

			ctrl.SendChat("hi")
			msg := recv(t, tgtChat, "chat")
			if msg.Text != "hi" || msg.Sender != "alice" || msg.Timestamp == "" {
				t.Fatalf("chat = %+v", msg)
			}

			// Full image round trip through the relay.
			src := image.NewRGBA(image.Rect(0, 0, 64, 48))
			if err := target.SendFrameImage(src, protocol.DefaultJPEGQuality, protocol.DefaultScale); err != nil {
				t.Fatalf("send frame: %v", err)
			}
			blob := recv(t, ctrlFrame, "frame")
			img, err := protocol.DecodeImage(blob)
			if err != nil {
				t.Fatalf("decode relayed frame: %v", err)
			}
			if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 48 {
				t.Fatalf("relayed frame bounds = %v", img.Bounds())
			}

			ctrl.SendInput(map[string]any{"kind": "key", "code": "KeyA"})
			raw := recv(t, tgtInput, "input event")
			var event map[string]any
			if err := json.Unmarshal(raw, &event); err != nil || event["code"] != "KeyA" {
				t.Fatalf("input event = %s (err %v)", raw, err)
			}

			ctrl.Disconnect()
			notice := recv(t, tgtErr, "peer-gone notice")
			if notice.Code != protocol.CodePeerGone || notice.PeerUsername != "alice" {
				t.Fatalf("notice = %+v", notice)
			}
			if target.SessionID() != 0 {
				t.Errorf("target session id = %d after peer disconnect", target.SessionID())
			}
			target.Disconnect()
		})
	}
}

// TestLoginRejected verifies that authentication failures surface as errors
// from Login with the relay's reason attached.
func TestLoginRejected(t *testing.T) {
	tcpAddr, _ := startRelay(t)

	c, err := client.Dial(context.Background(), tcpAddr, client.Events{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	err = c.Login("alice", "wrong", protocol.RoleController)
	if err == nil || !strings.Contains(err.Error(), "invalid credentials") {
		t.Fatalf("login error = %v, want invalid credentials", err)
	}
}
