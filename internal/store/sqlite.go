package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    username TEXT    UNIQUE NOT NULL,
    password TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    controller_id INTEGER NOT NULL REFERENCES users(id),
    target_id     INTEGER NOT NULL REFERENCES users(id),
    started_at    TEXT    NOT NULL,
    ended_at      TEXT,
    status        TEXT    DEFAULT 'active'
);
CREATE TABLE IF NOT EXISTS chat_msgs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id INTEGER NOT NULL REFERENCES sessions(id),
    sender_id  INTEGER NOT NULL REFERENCES users(id),
    timestamp  TEXT    NOT NULL,
    text       TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp  TEXT    NOT NULL,
    level      TEXT    NOT NULL,
    event      TEXT    NOT NULL,
    details    TEXT,
    session_id INTEGER REFERENCES sessions(id)
);
`

// SQLite is the production Store, backed by a fixed-size connection pool in
// WAL mode so handler goroutines never serialize on a single connection.
type SQLite struct {
	pool *sqlitex.Pool
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (creating if needed) the database at path. Use ":memory:"
// with poolSize 1 for an in-memory database. poolSize <= 0 defaults to 4.
func OpenSQLite(path string, poolSize int) (*SQLite, error) {
	if poolSize <= 0 {
		poolSize = 4
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize: poolSize,
		PrepareConn: func(conn *sqlite.Conn) error {
			pragmas := []string{
				"PRAGMA journal_mode=WAL",
				"PRAGMA synchronous=NORMAL",
				"PRAGMA busy_timeout=5000",
			}
			for _, pragma := range pragmas {
				if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
					return fmt.Errorf("%s: %w", pragma, err)
				}
			}
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}
	return &SQLite{pool: pool}, nil
}

// Close closes the pool. Blocks until borrowed connections are returned.
func (s *SQLite) Close() error {
	return s.pool.Close()
}

// hashPassword matches the account table format: hex-encoded SHA-256.
// Unsalted, so this is storage obfuscation rather than credential security.
func hashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func (s *SQLite) AddUser(ctx context.Context, username, password string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: add user: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO users(username, password) VALUES (?, ?)`,
		&sqlitex.ExecOptions{Args: []any{username, hashPassword(password)}})
	if err != nil {
		return fmt.Errorf("store: add user %q: %w", username, err)
	}
	return nil
}

func (s *SQLite) Authenticate(ctx context.Context, username, password string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, fmt.Errorf("store: authenticate: %w", err)
	}
	defer s.pool.Put(conn)

	found := false
	err = sqlitex.Execute(conn,
		`SELECT 1 FROM users WHERE username = ? AND password = ?`,
		&sqlitex.ExecOptions{
			Args: []any{username, hashPassword(password)},
			ResultFunc: func(*sqlite.Stmt) error {
				found = true
				return nil
			},
		})
	if err != nil {
		return false, fmt.Errorf("store: authenticate %q: %w", username, err)
	}
	return found, nil
}

// userID resolves a username to its row id. Returns an error when absent.
func (s *SQLite) userID(conn *sqlite.Conn, username string) (int64, error) {
	var id int64 = -1
	err := sqlitex.Execute(conn,
		`SELECT id FROM users WHERE username = ?`,
		&sqlitex.ExecOptions{
			Args: []any{username},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, err
	}
	if id < 0 {
		return 0, fmt.Errorf("user %q not found", username)
	}
	return id, nil
}

func (s *SQLite) OpenSession(ctx context.Context, controller, target string) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("store: open session: %w", err)
	}
	defer s.pool.Put(conn)

	controllerID, err := s.userID(conn, controller)
	if err != nil {
		return 0, fmt.Errorf("store: open session: %w", err)
	}
	targetID, err := s.userID(conn, target)
	if err != nil {
		return 0, fmt.Errorf("store: open session: %w", err)
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO sessions(controller_id, target_id, started_at, status) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{controllerID, targetID, now(), StatusActive}})
	if err != nil {
		return 0, fmt.Errorf("store: open session %s/%s: %w", controller, target, err)
	}
	return conn.LastInsertRowID(), nil
}

func (s *SQLite) CloseSession(ctx context.Context, sessionID int64, status string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: close session: %w", err)
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`UPDATE sessions SET ended_at = ?, status = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{now(), status, sessionID}})
	if err != nil {
		return fmt.Errorf("store: close session %d: %w", sessionID, err)
	}
	return nil
}

func (s *SQLite) AddChatMsg(ctx context.Context, sessionID int64, sender, text string) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: add chat: %w", err)
	}
	defer s.pool.Put(conn)

	senderID, err := s.userID(conn, sender)
	if err != nil {
		return fmt.Errorf("store: add chat: %w", err)
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO chat_msgs(session_id, sender_id, timestamp, text) VALUES (?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{sessionID, senderID, now(), text}})
	if err != nil {
		return fmt.Errorf("store: add chat to session %d: %w", sessionID, err)
	}
	return nil
}

func (s *SQLite) ChatHistory(ctx context.Context, sessionID int64) ([]ChatMessage, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: chat history: %w", err)
	}
	defer s.pool.Put(conn)

	var history []ChatMessage
	err = sqlitex.Execute(conn,
		`SELECT c.timestamp, u.username, c.text
		 FROM chat_msgs c JOIN users u ON c.sender_id = u.id
		 WHERE c.session_id = ? ORDER BY c.id`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				history = append(history, ChatMessage{
					Timestamp: stmt.ColumnText(0),
					Sender:    stmt.ColumnText(1),
					Text:      stmt.ColumnText(2),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("store: chat history for session %d: %w", sessionID, err)
	}
	return history, nil
}

func (s *SQLite) Log(ctx context.Context, level, event string, details map[string]any, sessionID int64) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: log: %w", err)
	}
	defer s.pool.Put(conn)

	detailsJSON := ""
	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("store: log details: %w", err)
		}
		detailsJSON = string(raw)
	}

	var session any
	if sessionID != 0 {
		session = sessionID
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO logs(timestamp, level, event, details, session_id) VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{now(), level, event, detailsJSON, session}})
	if err != nil {
		return fmt.Errorf("store: log %s: %w", event, err)
	}
	return nil
}
