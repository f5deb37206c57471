package protocol

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// wsPair returns a WSConn with the given read timeout and the server-side
// websocket it is connected to.
func wsPair(t *testing.T, readTimeout time.Duration) (*WSConn, *websocket.Conn) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	serverSide := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		serverSide <- conn
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	peer := <-serverSide
	t.Cleanup(func() {
		clientConn.Close()
		peer.Close()
	})
	return NewWSConn(clientConn, readTimeout), peer
}

// TestWSRoundTrip verifies that JSON and raw payloads carried as binary
// messages decode exactly like the stream transport.
func TestWSRoundTrip(t *testing.T) {
	ws, peer := wsPair(t, time.Second)
	wsPeer := NewWSConn(peer, 0)

	if err := wsPeer.WriteJSON(KindChat, ChatData{Text: "hi", Sender: "alice"}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	pkt, err := ws.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket failed: %v", err)
	}
	if pkt.Kind != KindChat {
		t.Fatalf("kind = %d, want %d", pkt.Kind, KindChat)
	}
	var msg ChatData
	if err := pkt.Decode(&msg); err != nil || msg.Text != "hi" {
		t.Fatalf("payload = %+v (err %v)", msg, err)
	}

	raw := []byte{0xff, 0xd8, 0x42}
	if err := wsPeer.WriteBytes(raw); err != nil {
		t.Fatalf("WriteBytes failed: %v", err)
	}
	pkt, err = ws.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket failed: %v", err)
	}
	if pkt.Kind != KindFrame || string(pkt.Raw) != string(raw) {
		t.Fatalf("raw packet = kind %d raw %v", pkt.Kind, pkt.Raw)
	}
}

// TestWSSkipsTextMessages verifies that non-binary messages are ignored
// rather than misparsed.
func TestWSSkipsTextMessages(t *testing.T) {
	ws, peer := wsPair(t, time.Second)

	peer.WriteMessage(websocket.TextMessage, []byte("noise"))
	NewWSConn(peer, 0).WriteJSON(KindHeartbeat, map[string]any{})

	pkt, err := ws.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket failed: %v", err)
	}
	if pkt.Kind != KindHeartbeat {
		t.Fatalf("kind = %d, want %d", pkt.Kind, KindHeartbeat)
	}
}

// TestWSReadTimeout verifies that a silent peer cannot hold the reader past
// the configured deadline.
func TestWSReadTimeout(t *testing.T) {
	ws, _ := wsPair(t, 50*time.Millisecond)

	start := time.Now()
	_, err := ws.ReadPacket()
	if err == nil {
		t.Fatal("read from silent peer succeeded")
	}
	var nerr net.Error
	if !errors.As(err, &nerr) || !nerr.Timeout() {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("read blocked for %v despite 50ms deadline", elapsed)
	}
}
