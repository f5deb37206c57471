package store

import (
	"context"
	"path/filepath"
	"testing"
)

// backends returns a fresh instance of every Store implementation.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "relay.db"), 2)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { sq.Close() })

	return map[string]Store{
		"sqlite": sq,
		"memory": NewMemory(),
	}
}

// TestAuthenticate verifies credential matching across backends.
func TestAuthenticate(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := s.AddUser(ctx, "alice", "xyz"); err != nil {
				t.Fatalf("AddUser failed: %v", err)
			}
			// Re-adding must not clobber the password.
			if err := s.AddUser(ctx, "alice", "other"); err != nil {
				t.Fatalf("duplicate AddUser failed: %v", err)
			}

			testCases := []struct {
				user, pass string
				want       bool
			}{
				{"alice", "xyz", true},
				{"alice", "other", false},
				{"alice", "", false},
				{"nobody", "xyz", false},
			}
			for _, tc := range testCases {
				ok, err := s.Authenticate(ctx, tc.user, tc.pass)
				if err != nil {
					t.Fatalf("Authenticate(%q) failed: %v", tc.user, err)
				}
				if ok != tc.want {
					t.Errorf("Authenticate(%q, %q) = %v, want %v", tc.user, tc.pass, ok, tc.want)
				}
			}
		})
	}
}

// TestSessionLifecycle verifies open/close and the unknown-user guard.
func TestSessionLifecycle(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s.AddUser(ctx, "alice", "xyz")
			s.AddUser(ctx, "bob", "123")

			id, err := s.OpenSession(ctx, "alice", "bob")
			if err != nil {
				t.Fatalf("OpenSession failed: %v", err)
			}
			if id <= 0 {
				t.Fatalf("session id = %d, want positive", id)
			}

			id2, err := s.OpenSession(ctx, "alice", "bob")
			if err != nil {
				t.Fatalf("second OpenSession failed: %v", err)
			}
			if id2 == id {
				t.Fatalf("session ids not unique: %d", id)
			}

			if _, err := s.OpenSession(ctx, "alice", "ghost"); err == nil {
				t.Fatal("OpenSession with unknown target succeeded")
			}

			if err := s.CloseSession(ctx, id, StatusClosed); err != nil {
				t.Fatalf("CloseSession failed: %v", err)
			}
		})
	}
}

// TestChatHistory verifies ordering and session scoping of persisted chat.
func TestChatHistory(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s.AddUser(ctx, "alice", "xyz")
			s.AddUser(ctx, "bob", "123")
			sid, _ := s.OpenSession(ctx, "alice", "bob")
			other, _ := s.OpenSession(ctx, "alice", "bob")

			for i, line := range []string{"hi", "hello", "bye"} {
				sender := "alice"
				if i%2 == 1 {
					sender = "bob"
				}
				if err := s.AddChatMsg(ctx, sid, sender, line); err != nil {
					t.Fatalf("AddChatMsg failed: %v", err)
				}
			}
			s.AddChatMsg(ctx, other, "alice", "elsewhere")

			history, err := s.ChatHistory(ctx, sid)
			if err != nil {
				t.Fatalf("ChatHistory failed: %v", err)
			}
			if len(history) != 3 {
				t.Fatalf("history length = %d, want 3", len(history))
			}
			want := []string{"hi", "hello", "bye"}
			for i, msg := range history {
				if msg.Text != want[i] {
					t.Errorf("history[%d].Text = %q, want %q", i, msg.Text, want[i])
				}
			}
			if history[0].Sender != "alice" || history[1].Sender != "bob" {
				t.Errorf("senders wrong: %q, %q", history[0].Sender, history[1].Sender)
			}
		})
	}
}

// TestLog verifies event logging with and without session context.
func TestLog(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s.AddUser(ctx, "alice", "xyz")
			s.AddUser(ctx, "bob", "123")
			sid, _ := s.OpenSession(ctx, "alice", "bob")

			if err := s.Log(ctx, "INFO", "AUTH_OK", map[string]any{"username": "alice"}, 0); err != nil {
				t.Fatalf("Log without session failed: %v", err)
			}
			if err := s.Log(ctx, "INFO", "PERM_GRANTED", map[string]any{"view": true}, sid); err != nil {
				t.Fatalf("Log with session failed: %v", err)
			}
		})
	}
}
