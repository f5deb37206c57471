package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"testing"
)

// pipePair returns two StreamConns joined by an in-memory pipe.
func pipePair(t *testing.T) (*StreamConn, *StreamConn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return NewStreamConn(a, 0), NewStreamConn(b, 0)
}

// TestJSONRoundTrip verifies that every JSON packet kind survives the
// encode/decode cycle with its payload intact.
func TestJSONRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		kind Kind
		data any
	}{
		{"heartbeat empty", KindHeartbeat, map[string]any{}},
		{"auth request", KindAuthReq, AuthRequest{Username: "alice", Password: "xyz", Role: RoleController}},
		{"auth fail", KindAuthFail, AuthFailData{Reason: "invalid credentials"}},
		{"connect request", KindConnectRequest, ConnectRequestData{TargetUID: "bob"}},
		{"connect info", KindConnectInfo, ConnectInfoData{SessionID: 7, Peer: "10.0.0.2:5100", PeerUsername: "bob"}},
		{"chat", KindChat, ChatData{Text: "hi", Timestamp: "2026-01-02 15:04:05", Sender: "alice"}},
		{"perm request", KindPermRequest, PermRequestData{Controller: "alice", Target: "bob", View: true}},
		{"perm response", KindPermResponse, PermResponseData{Controller: "alice", Granted: Permissions{View: true}}},
		{"error", KindError, ErrorData{Code: 404, Message: "target offline"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			a, b := pipePair(t)

			errCh := make(chan error, 1)
			go func() { errCh <- a.WriteJSON(tc.kind, tc.data) }()

			pkt, err := b.ReadPacket()
			if err != nil {
				t.Fatalf("ReadPacket failed: %v", err)
			}
			if err := <-errCh; err != nil {
				t.Fatalf("WriteJSON failed: %v", err)
			}

			if pkt.Kind != tc.kind {
				t.Errorf("kind mismatch: got %d, want %d", pkt.Kind, tc.kind)
			}
			want, _ := json.Marshal(tc.data)
			var got, exp any
			if err := json.Unmarshal(pkt.Data, &got); err != nil {
				t.Fatalf("payload is not JSON: %v", err)
			}
			json.Unmarshal(want, &exp)
			gotJSON, _ := json.Marshal(got)
			expJSON, _ := json.Marshal(exp)
			if !bytes.Equal(gotJSON, expJSON) {
				t.Errorf("payload mismatch: got %s, want %s", gotJSON, expJSON)
			}
		})
	}
}

// TestRawBytesRoundTrip verifies that opaque payloads come back tagged as
// streaming frames.
func TestRawBytesRoundTrip(t *testing.T) {
	a, b := pipePair(t)

	payload := []byte{0xff, 0xd8, 0x00, 0x42, 0x13, 0x37}
	go a.WriteBytes(payload)

	pkt, err := b.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket failed: %v", err)
	}
	if pkt.Kind != KindFrame {
		t.Errorf("kind mismatch: got %d, want %d", pkt.Kind, KindFrame)
	}
	if !bytes.Equal(pkt.Raw, payload) {
		t.Errorf("payload mismatch: got %v, want %v", pkt.Raw, payload)
	}
}

// TestInvalidJSONFallsBackToRaw verifies that a payload that looks like JSON
// but fails to parse is delivered as a raw frame instead of crashing the
// reader.
func TestInvalidJSONFallsBackToRaw(t *testing.T) {
	a, b := pipePair(t)

	payload := []byte(`{"type": 22, "data": truncated`)
	go a.WriteBytes(payload)

	pkt, err := b.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket failed: %v", err)
	}
	if pkt.Kind != KindFrame {
		t.Errorf("kind mismatch: got %d, want %d", pkt.Kind, KindFrame)
	}
	if !bytes.Equal(pkt.Raw, payload) {
		t.Errorf("payload mismatch: got %q", pkt.Raw)
	}
}

// TestEmptyPayload verifies that a zero-length frame is a valid raw packet.
func TestEmptyPayload(t *testing.T) {
	a, b := pipePair(t)

	go a.WriteBytes(nil)

	pkt, err := b.ReadPacket()
	if err != nil {
		t.Fatalf("ReadPacket failed: %v", err)
	}
	if pkt.Kind != KindFrame || len(pkt.Raw) != 0 {
		t.Errorf("got kind=%d raw=%v, want empty frame", pkt.Kind, pkt.Raw)
	}
}

// TestWriteBytesTooLarge verifies the encode-time size bound.
func TestWriteBytesTooLarge(t *testing.T) {
	a, _ := pipePair(t)

	err := a.WriteBytes(make([]byte, MaxPacketSize+1))
	if !errors.Is(err, ErrPacketTooLarge) {
		t.Fatalf("expected ErrPacketTooLarge, got %v", err)
	}
}

// TestReadRejectsOversizeLengthPrefix verifies that a hostile length prefix
// is rejected before any payload allocation.
func TestReadRejectsOversizeLengthPrefix(t *testing.T) {
	raw, b := net.Pipe()
	defer raw.Close()
	defer b.Close()
	sc := NewStreamConn(b, 0)

	var header [HeaderSize]byte
	binary.BigEndian.PutUint32(header[:], MaxPacketSize+1)
	go raw.Write(header[:])

	_, err := sc.ReadPacket()
	if !errors.Is(err, ErrPacketTooLarge) {
		t.Fatalf("expected ErrPacketTooLarge, got %v", err)
	}
}

// TestCloseMidFrame verifies that a transport closing mid-read surfaces as
// ErrConnectionClosed, not as an empty packet.
func TestCloseMidFrame(t *testing.T) {
	raw, b := net.Pipe()
	defer b.Close()
	sc := NewStreamConn(b, 0)

	// Announce 100 bytes, deliver 10, then close.
	go func() {
		var header [HeaderSize]byte
		binary.BigEndian.PutUint32(header[:], 100)
		raw.Write(header[:])
		raw.Write(make([]byte, 10))
		raw.Close()
	}()

	_, err := sc.ReadPacket()
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}

// TestCloseBeforeHeader verifies that a clean close between frames is also
// reported as ErrConnectionClosed.
func TestCloseBeforeHeader(t *testing.T) {
	raw, b := net.Pipe()
	defer b.Close()
	sc := NewStreamConn(b, 0)

	go raw.Close()

	_, err := sc.ReadPacket()
	if !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected ErrConnectionClosed, got %v", err)
	}
}
