// Package store persists accounts, sessions, chat history, and event logs
// for the relay. The relay consumes the Store interface; the SQLite
// implementation is the production backend and Memory backs tests.
package store

import (
	"context"
	"time"
)

// Session status values.
const (
	StatusActive  = "active"
	StatusClosed  = "closed"
	StatusAborted = "aborted" // pairing lost a side before CONNECT_INFO went out
)

// TimeFormat is the timestamp layout used in every table (UTC).
const TimeFormat = "2006-01-02 15:04:05"

// ChatMessage is one persisted chat line.
type ChatMessage struct {
	Timestamp string
	Sender    string
	Text      string
}

// Store is the persistence collaborator shared by all connection handlers.
// Every call is a self-contained, independently committed unit and safe for
// concurrent use.
type Store interface {
	// AddUser registers an account. Adding an existing username is a no-op.
	AddUser(ctx context.Context, username, password string) error

	// Authenticate reports whether the credentials match a registered
	// account.
	Authenticate(ctx context.Context, username, password string) (bool, error)

	// OpenSession records a new controller/target pairing and returns its
	// session id.
	OpenSession(ctx context.Context, controller, target string) (int64, error)

	// CloseSession stamps ended_at and the final status on a session.
	CloseSession(ctx context.Context, sessionID int64, status string) error

	// AddChatMsg appends a chat line to a session's history.
	AddChatMsg(ctx context.Context, sessionID int64, sender, text string) error

	// ChatHistory returns a session's chat lines in insertion order.
	ChatHistory(ctx context.Context, sessionID int64) ([]ChatMessage, error)

	// Log records a relay event. sessionID zero means no session context.
	Log(ctx context.Context, level, event string, details map[string]any, sessionID int64) error

	// Close releases the backing resources.
	Close() error
}

// now returns the current UTC timestamp in the store layout.
func now() string {
	return time.Now().UTC().Format(TimeFormat)
}
